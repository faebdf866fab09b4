package neo4j

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/metrics"
	"github.com/vet-kb/backend/internal/storage/models"
	"github.com/vet-kb/backend/pkg/circuitbreaker"
	"github.com/vet-kb/backend/pkg/logger"
	"github.com/vet-kb/backend/pkg/retry"
)

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// DrugNode is a validated drug with its category edge.
type DrugNode struct {
	Name         string
	Category     string
	Confirmed    bool
	HasDosage    bool
	MentionCount int
}

// ChunkLink is a Drug-[:MENTIONED_IN]->Chunk edge.
type ChunkLink struct {
	Drug      string
	ChunkID   string
	PageStart int
	PageEnd   int
	FocusArea string
}

// DrugFact is what the graph knows about one drug.
type DrugFact struct {
	Name       string
	Category   string
	Confirmed  bool
	HasDosage  bool
	Chunks     int
	FocusAreas []string
	Related    []string
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
		OnStateChange:    metrics.BreakerStateChanged,
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, op string, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
	status := "ok"
	if err != nil {
		status = "error"
		err = &models.ExternalServiceError{Service: "neo4j", Op: op, Retryable: true, Cause: err}
	}
	metrics.ExternalCalls.WithLabelValues("neo4j", op, status).Inc()
	return err
}

// EnsureSchema creates the uniqueness constraints the merges rely on.
func (c *Client) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE CONSTRAINT drug_name IF NOT EXISTS FOR (d:Drug) REQUIRE d.name IS UNIQUE`,
		`CREATE CONSTRAINT category_name IF NOT EXISTS FOR (c:Category) REQUIRE c.name IS UNIQUE`,
		`CREATE CONSTRAINT chunk_id IF NOT EXISTS FOR (ch:Chunk) REQUIRE ch.id IS UNIQUE`,
	}
	return c.executeWithRetry(ctx, "schema", func(session neo4j.SessionWithContext) error {
		for _, stmt := range statements {
			if _, err := session.Run(ctx, stmt, nil); err != nil {
				return fmt.Errorf("failed to apply %q: %w", stmt, err)
			}
		}
		return nil
	})
}

// MergeDrugs upserts Drug nodes and their IN_CATEGORY edges.
func (c *Client) MergeDrugs(ctx context.Context, drugs []DrugNode) error {
	if len(drugs) == 0 {
		return nil
	}
	rows := make([]map[string]any, len(drugs))
	for i, d := range drugs {
		rows[i] = map[string]any{
			"name":          d.Name,
			"category":      d.Category,
			"confirmed":     d.Confirmed,
			"has_dosage":    d.HasDosage,
			"mention_count": d.MentionCount,
		}
	}

	query := `
		UNWIND $rows AS row
		MERGE (d:Drug {name: row.name})
		SET d.confirmed = row.confirmed,
		    d.has_dosage = row.has_dosage,
		    d.mention_count = row.mention_count,
		    d.updated_at = timestamp()
		MERGE (c:Category {name: row.category})
		WITH d, c
		OPTIONAL MATCH (d)-[old:IN_CATEGORY]->(other:Category)
		WHERE other.name <> c.name
		DELETE old
		MERGE (d)-[:IN_CATEGORY]->(c)
	`

	err := c.executeWithRetry(ctx, "merge_drugs", func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, query, map[string]any{"rows": rows})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to merge drugs: %w", err)
	}

	logger.Debug("Drugs merged into KG", zap.Int("count", len(drugs)))
	return nil
}

// LinkChunks upserts Chunk nodes and MENTIONED_IN edges.
func (c *Client) LinkChunks(ctx context.Context, links []ChunkLink) error {
	if len(links) == 0 {
		return nil
	}
	rows := make([]map[string]any, len(links))
	for i, l := range links {
		rows[i] = map[string]any{
			"drug":       l.Drug,
			"chunk_id":   l.ChunkID,
			"page_start": l.PageStart,
			"page_end":   l.PageEnd,
			"focus_area": l.FocusArea,
		}
	}

	query := `
		UNWIND $rows AS row
		MATCH (d:Drug {name: row.drug})
		MERGE (ch:Chunk {id: row.chunk_id})
		SET ch.page_start = row.page_start,
		    ch.page_end = row.page_end,
		    ch.focus_area = row.focus_area
		MERGE (d)-[:MENTIONED_IN]->(ch)
	`

	err := c.executeWithRetry(ctx, "link_chunks", func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, query, map[string]any{"rows": rows})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to link chunks: %w", err)
	}

	logger.Debug("Chunk links merged into KG", zap.Int("count", len(links)))
	return nil
}

// Facts returns graph facts for the named drugs, including up to five other
// drugs of the same category.
func (c *Client) Facts(ctx context.Context, names []string) ([]DrugFact, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var facts []DrugFact

	err := c.executeWithRetry(ctx, "facts", func(session neo4j.SessionWithContext) error {
		facts = facts[:0]
		query := `
			MATCH (d:Drug)
			WHERE d.name IN $names
			OPTIONAL MATCH (d)-[:IN_CATEGORY]->(c:Category)
			OPTIONAL MATCH (d)-[:MENTIONED_IN]->(ch:Chunk)
			WITH d, c, count(DISTINCT ch) AS chunks, collect(DISTINCT ch.focus_area) AS focus
			OPTIONAL MATCH (c)<-[:IN_CATEGORY]-(other:Drug)
			WHERE other.name <> d.name
			WITH d, c, chunks, focus, collect(DISTINCT other.name)[0..5] AS related
			RETURN d.name, c.name, d.confirmed, d.has_dosage, chunks, focus, related
			ORDER BY d.name
		`

		result, err := session.Run(ctx, query, map[string]any{"names": names})
		if err != nil {
			return fmt.Errorf("failed to query drug facts: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()

			name, _ := record.Get("d.name")
			category, _ := record.Get("c.name")
			confirmed, _ := record.Get("d.confirmed")
			hasDosage, _ := record.Get("d.has_dosage")
			chunks, _ := record.Get("chunks")
			focus, _ := record.Get("focus")
			related, _ := record.Get("related")

			fact := DrugFact{
				Name:       asString(name),
				Category:   asString(category),
				Confirmed:  asBool(confirmed),
				HasDosage:  asBool(hasDosage),
				FocusAreas: asStrings(focus),
				Related:    asStrings(related),
			}
			if n, ok := chunks.(int64); ok {
				fact.Chunks = int(n)
			}
			facts = append(facts, fact)
		}

		if err = result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("KG facts retrieved", zap.Int("requested", len(names)), zap.Int("found", len(facts)))
	return facts, nil
}

// DrugFacts renders Facts as prompt lines for the retriever.
func (c *Client) DrugFacts(ctx context.Context, names []string) ([]string, error) {
	facts, err := c.Facts(ctx, names)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(facts))
	for _, f := range facts {
		lines = append(lines, f.String())
	}
	return lines, nil
}

func (f DrugFact) String() string {
	var b strings.Builder
	b.WriteString(f.Name)
	b.WriteString(": ")
	if f.Category != "" {
		b.WriteString(f.Category)
	} else {
		b.WriteString("uncategorized")
	}
	if f.Confirmed {
		b.WriteString(", confirmed")
	} else {
		b.WriteString(", unconfirmed")
	}
	if f.HasDosage {
		b.WriteString(", dosage documented")
	}
	fmt.Fprintf(&b, ", cited in %d chunks", f.Chunks)

	focus := append([]string(nil), f.FocusAreas...)
	sort.Strings(focus)
	if len(focus) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(focus, ", "))
	}
	if len(f.Related) > 0 {
		related := append([]string(nil), f.Related...)
		sort.Strings(related)
		fmt.Fprintf(&b, "; same category: %s", strings.Join(related, ", "))
	}
	return b.String()
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
