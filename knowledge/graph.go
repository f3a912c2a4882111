// Package knowledge mirrors theses and their tags into Neo4j so tag statistics and
// tag-overlap neighbours can be read from the graph.
package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/thesis-rag/thesis"
)

// Related is a thesis that shares tags with another one.
type Related struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	SharedTags []string `json:"sharedTags"`
}

type Graph struct {
	driver neo4j.DriverWithContext
}

func NewGraph(driver neo4j.DriverWithContext) *Graph {
	return &Graph{driver: driver}
}

func (g *Graph) check() error {
	if g == nil || g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	return nil
}

// SyncThesis upserts the thesis node and replaces its tag edges.
func (g *Graph) SyncThesis(ctx context.Context, doc thesis.Document) error {
	if err := g.check(); err != nil {
		return err
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (t:Thesis {id: $id})
			SET t.title = $title,
			    t.updated_at = datetime()
		`, map[string]any{"id": doc.ID, "title": doc.Title}); err != nil {
			return nil, fmt.Errorf("upsert thesis node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (:Thesis {id: $id})-[r:HAS_TAG]->(:Tag)
			DELETE r
		`, map[string]any{"id": doc.ID}); err != nil {
			return nil, fmt.Errorf("clear existing tags: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (t:Thesis {id: $id})
			UNWIND $tags AS name
			MERGE (g:Tag {name: name})
			MERGE (t)-[:HAS_TAG]->(g)
		`, map[string]any{"id": doc.ID, "tags": doc.Tags}); err != nil {
			return nil, fmt.Errorf("upsert tags: %w", err)
		}

		return nil, nil
	})
	if err != nil {
		return err
	}
	return g.pruneTags(ctx, session)
}

func (g *Graph) DeleteThesis(ctx context.Context, id string) error {
	if err := g.check(); err != nil {
		return err
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	if _, err := session.Run(ctx, `MATCH (t:Thesis {id: $id}) DETACH DELETE t`, map[string]any{"id": id}); err != nil {
		return fmt.Errorf("delete thesis node: %w", err)
	}
	return g.pruneTags(ctx, session)
}

func (g *Graph) pruneTags(ctx context.Context, session neo4j.SessionWithContext) error {
	if _, err := session.Run(ctx, `
		MATCH (g:Tag)
		WHERE NOT (g)<-[:HAS_TAG]-(:Thesis)
		DELETE g
	`, nil); err != nil {
		return fmt.Errorf("prune orphan tags: %w", err)
	}
	return nil
}

// TopTags returns the most used tags, ties broken by name.
func (g *Graph) TopTags(ctx context.Context, limit int) ([]thesis.TagCount, error) {
	if err := g.check(); err != nil {
		return nil, err
	}

	result, err := neo4j.ExecuteQuery(ctx, g.driver, `
		MATCH (:Thesis)-[:HAS_TAG]->(g:Tag)
		RETURN g.name AS tag, count(*) AS uses
		ORDER BY uses DESC, tag
		LIMIT $limit
	`, map[string]any{"limit": limit}, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithReadersRouting())
	if err != nil {
		return nil, fmt.Errorf("run top tags query: %w", err)
	}

	counts := make([]thesis.TagCount, 0, len(result.Records))
	for _, record := range result.Records {
		tag, _, err := neo4j.GetRecordValue[string](record, "tag")
		if err != nil {
			return nil, fmt.Errorf("read tag: %w", err)
		}
		uses, _, err := neo4j.GetRecordValue[int64](record, "uses")
		if err != nil {
			return nil, fmt.Errorf("read tag count: %w", err)
		}
		counts = append(counts, thesis.TagCount{Tag: tag, Count: int(uses)})
	}
	return counts, nil
}

// Related lists theses sharing at least one tag with id, most overlap first.
func (g *Graph) Related(ctx context.Context, id string, limit int) ([]Related, error) {
	if err := g.check(); err != nil {
		return nil, err
	}

	result, err := neo4j.ExecuteQuery(ctx, g.driver, `
		MATCH (t:Thesis {id: $id})-[:HAS_TAG]->(g:Tag)<-[:HAS_TAG]-(other:Thesis)
		WITH other, collect(g.name) AS shared
		RETURN other.id AS id, other.title AS title, shared
		ORDER BY size(shared) DESC, id
		LIMIT $limit
	`, map[string]any{"id": id, "limit": limit}, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithReadersRouting())
	if err != nil {
		return nil, fmt.Errorf("run related query: %w", err)
	}

	related := make([]Related, 0, len(result.Records))
	for _, record := range result.Records {
		relID, _, _ := neo4j.GetRecordValue[string](record, "id")
		title, _, _ := neo4j.GetRecordValue[string](record, "title")
		sharedVal, _ := record.Get("shared")
		related = append(related, Related{
			ID:         relID,
			Title:      title,
			SharedTags: toStrings(sharedVal),
		})
	}
	return related, nil
}

// Purge removes every thesis and tag node.
func (g *Graph) Purge(ctx context.Context) error {
	if err := g.check(); err != nil {
		return err
	}

	_, err := neo4j.ExecuteQuery(ctx, g.driver, `
		MATCH (n)
		WHERE n:Thesis OR n:Tag
		DETACH DELETE n
	`, nil, neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("purge graph: %w", err)
	}
	return nil
}

func toStrings(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
