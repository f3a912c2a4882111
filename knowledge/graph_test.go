package knowledge

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/thesis-rag/database"
	"github.com/fabfab/thesis-rag/thesis"
)

func TestNilDriver(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(nil)

	assert.Error(t, g.SyncThesis(ctx, thesis.Document{ID: "x"}))
	assert.Error(t, g.DeleteThesis(ctx, "x"))
	assert.Error(t, g.Purge(ctx))
	_, err := g.TopTags(ctx, 3)
	assert.Error(t, err)
	_, err = g.Related(ctx, "x", 3)
	assert.Error(t, err)
}

func TestToStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, toStrings([]any{"a", 1, "b"}))
	assert.Nil(t, toStrings("nope"))
}

func TestGraphIntegration(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run against a live neo4j")
	}

	ctx := context.Background()
	driver, err := database.NewNeo4jDriver(ctx,
		envOr("NEO4J_URI", "neo4j://localhost:7687"),
		envOr("NEO4J_USERNAME", "neo4j"),
		envOr("NEO4J_PASSWORD", "password"),
	)
	require.NoError(t, err)
	defer driver.Close(ctx)

	g := NewGraph(driver)
	require.NoError(t, g.Purge(ctx))

	require.NoError(t, g.SyncThesis(ctx, thesis.Document{ID: "t1", Title: "One", Tags: []string{"nlp", "ml", "ai"}}))
	require.NoError(t, g.SyncThesis(ctx, thesis.Document{ID: "t2", Title: "Two", Tags: []string{"nlp", "ml", "graphs"}}))

	top, err := g.TopTags(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []thesis.TagCount{{Tag: "ml", Count: 2}, {Tag: "nlp", Count: 2}}, top)

	related, err := g.Related(ctx, "t1", 5)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.ElementsMatch(t, []string{"nlp", "ml"}, related[0].SharedTags)

	require.NoError(t, g.DeleteThesis(ctx, "t2"))
	top, err = g.TopTags(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, top, 3)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
