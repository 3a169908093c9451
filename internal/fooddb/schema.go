// Package fooddb provides the PostgreSQL-backed reference food catalog.
//
// The catalog is an optional capability of the server: when configured, it
// answers name searches for the HTTP API and the assistant tools, and its
// records become pending items with catalog provenance (confidence 1.0).
// Lookup is semantic when an embeddings provider is configured, using a
// pgvector HNSW index over name embeddings with a Jaro-Winkler re-rank for
// spoken-query tolerance, and degrades to ILIKE lexical search otherwise.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS.
package fooddb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlFoods returns the catalog DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlFoods(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS foods (
    id             TEXT              PRIMARY KEY,
    name           TEXT              NOT NULL,
    brand          TEXT              NOT NULL DEFAULT '',
    serving_qty    DOUBLE PRECISION  NOT NULL DEFAULT 1,
    serving_unit   TEXT              NOT NULL DEFAULT 'serving',
    calories       INTEGER           NOT NULL DEFAULT 0,
    protein_g      DOUBLE PRECISION  NOT NULL DEFAULT 0,
    carbs_g        DOUBLE PRECISION  NOT NULL DEFAULT 0,
    fat_g          DOUBLE PRECISION  NOT NULL DEFAULT 0,
    fiber_g        DOUBLE PRECISION,
    sugar_g        DOUBLE PRECISION,
    sodium_mg      DOUBLE PRECISION,
    name_embedding vector(%d),
    updated_at     TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_foods_name_trgm
    ON foods USING GIN (name gin_trgm_ops);

CREATE INDEX IF NOT EXISTS idx_foods_brand
    ON foods (brand);

CREATE INDEX IF NOT EXISTS idx_foods_name_embedding
    ON foods USING hnsw (name_embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the catalog table, extensions and indexes exist.
// It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the embedding model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing it after the first migration requires a manual
// schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlFoods(embeddingDimensions)); err != nil {
		return fmt.Errorf("fooddb migrate: %w", err)
	}
	return nil
}
