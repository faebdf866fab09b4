package detection

import (
	"strings"

	"github.com/vet-kb/backend/internal/detection/rules"
	"github.com/vet-kb/backend/internal/storage/models"
)

// Filter removes false-positive candidates. Apply is idempotent: running it
// on its own output returns the same mentions.
type Filter struct {
	engine    *rules.Engine
	normalize func(string) string
}

// NewFilter builds a filter. normalize must be the registry's name
// normalizer so corpus-wide counts agree with aggregation.
func NewFilter(engine *rules.Engine, normalize func(string) string) *Filter {
	if normalize == nil {
		normalize = strings.ToLower
	}
	return &Filter{engine: engine, normalize: normalize}
}

// FilterStats counts what each stage removed.
type FilterStats struct {
	Input      int
	Stoplisted int
	Overlapped int
	TOCSingles int
	Output     int
}

func (f *Filter) Apply(mentions []models.CandidateMention, chunks map[string]models.Chunk) []models.CandidateMention {
	out, _ := f.ApplyWithStats(mentions, chunks)
	return out
}

// ApplyLocal runs the stages that need only one chunk's mentions: the
// stoplist and longest-match. Workers call it before the corpus-wide Apply.
func (f *Filter) ApplyLocal(mentions []models.CandidateMention) []models.CandidateMention {
	kept := make([]models.CandidateMention, 0, len(mentions))
	for _, m := range mentions {
		if !f.stoplisted(m.SurfaceText) {
			kept = append(kept, m)
		}
	}
	kept = longestMatch(kept)
	sortMentions(kept)
	return kept
}

func (f *Filter) ApplyWithStats(mentions []models.CandidateMention, chunks map[string]models.Chunk) ([]models.CandidateMention, FilterStats) {
	stats := FilterStats{Input: len(mentions)}

	kept := make([]models.CandidateMention, 0, len(mentions))
	for _, m := range mentions {
		if f.stoplisted(m.SurfaceText) {
			stats.Stoplisted++
			continue
		}
		kept = append(kept, m)
	}

	before := len(kept)
	kept = longestMatch(kept)
	stats.Overlapped = before - len(kept)

	before = len(kept)
	kept = f.dropTOCSingles(kept, chunks)
	stats.TOCSingles = before - len(kept)

	sortMentions(kept)
	stats.Output = len(kept)
	return kept, stats
}

func (f *Filter) stoplisted(surface string) bool {
	if _, ok := f.engine.Stopped(surface); ok {
		return true
	}
	_, ok := f.engine.Stopped(f.normalize(surface))
	return ok
}

// longestMatch drops every mention whose span lies inside another mention of
// the same chunk. Among identical spans the higher-priority kind survives,
// then the earlier one in input order. A bare root such as "amoxicillin" is
// then dropped anywhere in a chunk where a fuller surviving name starting
// with it, such as "amoxicillin-clavulanate", was found.
func longestMatch(ms []models.CandidateMention) []models.CandidateMention {
	byChunk := make(map[string][]int)
	for i, m := range ms {
		byChunk[m.ChunkID] = append(byChunk[m.ChunkID], i)
	}

	dropped := make([]bool, len(ms))
	for _, idx := range byChunk {
		for _, i := range idx {
			for _, j := range idx {
				if i != j && dominates(ms[j], j, ms[i], i) {
					dropped[i] = true
					break
				}
			}
		}

		words := make(map[int][]string, len(idx))
		for _, i := range idx {
			if !dropped[i] {
				words[i] = rules.Words(ms[i].SurfaceText)
			}
		}
		var roots []int
		for i, w := range words {
			for j, full := range words {
				if i != j && isRootOf(w, full) {
					roots = append(roots, i)
					break
				}
			}
		}
		for _, i := range roots {
			dropped[i] = true
		}
	}

	out := make([]models.CandidateMention, 0, len(ms))
	for i, m := range ms {
		if !dropped[i] {
			out = append(out, m)
		}
	}
	return out
}

// isRootOf reports whether root is a strict leading run of full's words.
func isRootOf(root, full []string) bool {
	if len(root) == 0 || len(root) >= len(full) {
		return false
	}
	for k := range root {
		if root[k] != full[k] {
			return false
		}
	}
	return true
}

func dominates(a models.CandidateMention, ai int, b models.CandidateMention, bi int) bool {
	if a.StartOffset > b.StartOffset || a.End() < b.End() {
		return false
	}
	if a.End()-a.StartOffset > b.End()-b.StartOffset {
		return true
	}
	if a.PatternKind.Priority() != b.PatternKind.Priority() {
		return a.PatternKind.Priority() > b.PatternKind.Priority()
	}
	return ai < bi
}

// dropTOCSingles removes names seen exactly once in the whole set when that
// one occurrence sits in a table-of-contents or index chunk.
func (f *Filter) dropTOCSingles(ms []models.CandidateMention, chunks map[string]models.Chunk) []models.CandidateMention {
	counts := make(map[string]int, len(ms))
	for _, m := range ms {
		counts[f.normalize(m.SurfaceText)]++
	}

	tocCache := make(map[string]bool)
	isTOC := func(chunkID string) bool {
		if v, ok := tocCache[chunkID]; ok {
			return v
		}
		c, ok := chunks[chunkID]
		v := ok && f.engine.IsTOCLike(c.Text)
		tocCache[chunkID] = v
		return v
	}

	out := make([]models.CandidateMention, 0, len(ms))
	for _, m := range ms {
		if counts[f.normalize(m.SurfaceText)] == 1 && isTOC(m.ChunkID) {
			continue
		}
		out = append(out, m)
	}
	return out
}
