package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/vet-kb/backend/internal/detection/rules"
	"github.com/vet-kb/backend/internal/vector"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Generator turns a prompt and its supporting passages into answer text.
type Generator interface {
	Generate(ctx context.Context, prompt string, texts []string) (string, error)
}

var hashStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "are": true, "was": true, "were": true,
	"this": true, "that": true, "from": true, "has": true, "have": true, "not": true, "but": true,
	"can": true, "may": true, "its": true, "what": true, "how": true, "which": true, "into": true,
}

// HashEmbedder is a deterministic feature-hashing embedder. Each word of
// three or more characters lands in one signed bucket; the vector is unit
// length. It needs no network and is used offline and in tests.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 512
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, h.dim)
	for _, w := range rules.Words(text) {
		if len(w) < 3 || hashStopwords[w] {
			continue
		}
		f := fnv.New64a()
		f.Write([]byte(strings.ToLower(w)))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dim))
		if sum>>63 == 1 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	return vector.Normalize(v), nil
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ExtractiveGenerator answers by quoting the leading passages verbatim. It is
// used when no LLM endpoint is configured.
type ExtractiveGenerator struct {
	MaxPassages int
}

func (g ExtractiveGenerator) Generate(ctx context.Context, _ string, texts []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n := g.MaxPassages
	if n <= 0 || n > len(texts) {
		n = len(texts)
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		t := strings.TrimSpace(texts[i])
		if t == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, t)
	}
	return b.String(), nil
}
