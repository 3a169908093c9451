package fooddb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/vittlelabs/vittle/pkg/provider/embeddings"
)

// DefaultEmbeddingDimensions is the vector column width used when no
// embeddings provider dictates one. Matches OpenAI text-embedding-3-small.
const DefaultEmbeddingDimensions = 1536

// Option configures a [Store].
type Option func(*Store)

// WithEmbeddings attaches the provider used to embed food names on upsert
// and queries on search. Without one the catalog is lexical-only.
func WithEmbeddings(p embeddings.Provider) Option {
	return func(s *Store) { s.embedder = p }
}

// WithDimensions overrides the vector column width. Takes precedence over
// the dimension reported by the embeddings provider.
func WithDimensions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.dims = n
			s.dimsSet = true
		}
	}
}

// Store is the catalog handle. It holds a single [pgxpool.Pool] and an
// optional embeddings provider. All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	dims     int
	dimsSet  bool
}

// New connects to the catalog database at dsn, registers pgvector types on
// every connection, and runs [Migrate]. The vector column width follows the
// configured embeddings provider, or [DefaultEmbeddingDimensions] without
// one.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s := &Store{dims: DefaultEmbeddingDimensions}
	for _, opt := range opts {
		opt(s)
	}
	if s.embedder != nil && !s.dimsSet {
		s.dims = s.embedder.Dimensions()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("fooddb: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so the embedding
	// column can be written from and scanned into pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("fooddb: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("fooddb: ping: %w", err)
	}

	if err := Migrate(ctx, pool, s.dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("fooddb: migrate: %w", err)
	}

	s.pool = pool
	return s, nil
}

// Ping verifies the catalog database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Semantic reports whether the catalog can answer embedding-based searches.
func (s *Store) Semantic() bool {
	return s.embedder != nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
