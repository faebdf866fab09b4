// Package builder exports a sealed drug registry into the knowledge graph as
// Drug->Category and Drug->Chunk edges.
package builder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/kg/neo4j"
	"github.com/vet-kb/backend/internal/storage/models"
)

// GraphWriter is the write side of the graph client.
type GraphWriter interface {
	MergeDrugs(ctx context.Context, drugs []neo4j.DrugNode) error
	LinkChunks(ctx context.Context, links []neo4j.ChunkLink) error
}

type Stats struct {
	Drugs        int `json:"drugs"`
	Links        int `json:"links"`
	MissingChunk int `json:"missing_chunks"`
}

type Builder struct {
	graph     GraphWriter
	batchSize int
	logger    *zap.Logger
}

func NewBuilder(graph GraphWriter, batchSize int, logger *zap.Logger) *Builder {
	if batchSize <= 0 {
		batchSize = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{graph: graph, batchSize: batchSize, logger: logger}
}

// Export writes every drug, then every drug-chunk edge. Chunk ids absent from
// chunks are counted and skipped.
func (b *Builder) Export(ctx context.Context, drugs []models.ValidatedDrug, chunks []models.Chunk) (Stats, error) {
	var stats Stats
	nodes, links, missing := graphRows(drugs, chunks)
	stats.MissingChunk = missing

	for start := 0; start < len(nodes); start += b.batchSize {
		end := min(start+b.batchSize, len(nodes))
		if err := b.graph.MergeDrugs(ctx, nodes[start:end]); err != nil {
			return stats, fmt.Errorf("failed to export drugs: %w", err)
		}
		stats.Drugs = end
	}

	for start := 0; start < len(links); start += b.batchSize {
		end := min(start+b.batchSize, len(links))
		if err := b.graph.LinkChunks(ctx, links[start:end]); err != nil {
			return stats, fmt.Errorf("failed to export chunk links: %w", err)
		}
		stats.Links = end
	}

	b.logger.Info("KG exported",
		zap.Int("drugs", stats.Drugs),
		zap.Int("links", stats.Links),
		zap.Int("missing_chunks", stats.MissingChunk),
	)
	return stats, nil
}

func graphRows(drugs []models.ValidatedDrug, chunks []models.Chunk) ([]neo4j.DrugNode, []neo4j.ChunkLink, int) {
	byID := make(map[string]models.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	nodes := make([]neo4j.DrugNode, 0, len(drugs))
	var links []neo4j.ChunkLink
	missing := 0
	for _, d := range drugs {
		nodes = append(nodes, neo4j.DrugNode{
			Name:         d.CanonicalName,
			Category:     string(d.Category),
			Confirmed:    d.Confirmed,
			HasDosage:    d.HasDosage,
			MentionCount: d.MentionCount,
		})
		for _, id := range d.ChunkIDs {
			c, ok := byID[id]
			if !ok {
				missing++
				continue
			}
			links = append(links, neo4j.ChunkLink{
				Drug:      d.CanonicalName,
				ChunkID:   c.ID,
				PageStart: c.PageStart,
				PageEnd:   c.PageEnd,
				FocusArea: string(c.FocusArea),
			})
		}
	}
	return nodes, links, missing
}
