package fooddb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/vittlelabs/vittle/internal/nutrition"
)

// DefaultSearchLimit caps result counts when the caller passes none.
const DefaultSearchLimit = 10

// Blend applied when re-ranking nearest-neighbor hits: vector similarity
// carries the meaning, Jaro-Winkler on the name absorbs the misspellings and
// mishearings typical of spoken queries.
const (
	semanticWeight = 0.6
	nameWeight     = 0.4

	// searchOversample widens the SQL fetch so the re-rank has slack to
	// reorder beyond the requested limit.
	searchOversample = 3
)

// ErrEmptyRecordID rejects catalog writes without a stable identifier.
var ErrEmptyRecordID = errors.New("fooddb: record id is required")

// FoodRecord is one row of the reference catalog.
type FoodRecord struct {
	// ID is the stable catalog identifier (e.g., an FDC ID).
	ID string

	// Name is the food's display name.
	Name string

	// Brand is the product brand, empty for generic foods.
	Brand string

	// ServingQuantity and ServingUnit describe one serving.
	ServingQuantity float64
	ServingUnit     string

	// Nutrition per serving.
	Calories     int
	ProteinGrams float64
	CarbGrams    float64
	FatGrams     float64

	// Optional micronutrient detail; nil when unknown.
	FiberGrams       *float64
	SugarGrams       *float64
	SodiumMilligrams *float64

	// Embedding is the name embedding. Populated on upsert when an
	// embeddings provider is configured; nil rows are invisible to
	// semantic search.
	Embedding []float32
}

// Item converts the record into a pending-list item with catalog provenance:
// confidence 1.0 and DatabaseID set. Zero serving data falls back to one
// serving.
func (r FoodRecord) Item() nutrition.ParsedFoodItem {
	quantity := r.ServingQuantity
	if quantity <= 0 {
		quantity = 1
	}
	unit := r.ServingUnit
	if unit == "" {
		unit = "serving"
	}
	return nutrition.ParsedFoodItem{
		Name:             r.Name,
		Brand:            r.Brand,
		Quantity:         quantity,
		Unit:             unit,
		Calories:         r.Calories,
		ProteinGrams:     r.ProteinGrams,
		CarbGrams:        r.CarbGrams,
		FatGrams:         r.FatGrams,
		FiberGrams:       r.FiberGrams,
		SugarGrams:       r.SugarGrams,
		SodiumMilligrams: r.SodiumMilligrams,
		DatabaseID:       r.ID,
		Confidence:       1,
	}
}

// SearchResult pairs a catalog record with its relevance score. Higher is
// better; scores from semantic and lexical searches are not comparable with
// each other.
type SearchResult struct {
	Record FoodRecord
	Score  float64
}

// Search finds catalog records matching query, most relevant first. An empty
// query returns no results. With an embeddings provider the search is
// nearest-neighbor over name embeddings re-ranked by name similarity; without
// one, or when embedding the query fails, it degrades to ILIKE matching
// ranked by name similarity alone.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	if s.embedder == nil {
		return s.searchLexical(ctx, query, limit)
	}
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("fooddb: query embedding failed, using lexical search", "err", err)
		return s.searchLexical(ctx, query, limit)
	}
	return s.searchSemantic(ctx, query, embedding, limit)
}

type scoredRecord struct {
	record   FoodRecord
	distance float64
}

func (s *Store) searchSemantic(ctx context.Context, query string, embedding []float32, limit int) ([]SearchResult, error) {
	const q = `
		SELECT id, name, brand, serving_qty, serving_unit,
		       calories, protein_g, carbs_g, fat_g, fiber_g, sugar_g, sodium_mg,
		       name_embedding <=> $1 AS distance
		FROM   foods
		WHERE  name_embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), limit*searchOversample)
	if err != nil {
		return nil, fmt.Errorf("fooddb: semantic search: %w", err)
	}

	scored, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scoredRecord, error) {
		var sr scoredRecord
		if err := row.Scan(
			&sr.record.ID, &sr.record.Name, &sr.record.Brand,
			&sr.record.ServingQuantity, &sr.record.ServingUnit,
			&sr.record.Calories, &sr.record.ProteinGrams, &sr.record.CarbGrams, &sr.record.FatGrams,
			&sr.record.FiberGrams, &sr.record.SugarGrams, &sr.record.SodiumMilligrams,
			&sr.distance,
		); err != nil {
			return scoredRecord{}, err
		}
		return sr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fooddb: scan rows: %w", err)
	}
	return rerank(query, scored, limit), nil
}

func (s *Store) searchLexical(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	const q = `
		SELECT id, name, brand, serving_qty, serving_unit,
		       calories, protein_g, carbs_g, fat_g, fiber_g, sugar_g, sodium_mg
		FROM   foods
		WHERE  name ILIKE $1 OR brand ILIKE $1
		ORDER  BY name
		LIMIT  $2`

	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.pool.Query(ctx, q, pattern, limit*searchOversample)
	if err != nil {
		return nil, fmt.Errorf("fooddb: lexical search: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (FoodRecord, error) {
		var r FoodRecord
		if err := row.Scan(
			&r.ID, &r.Name, &r.Brand,
			&r.ServingQuantity, &r.ServingUnit,
			&r.Calories, &r.ProteinGrams, &r.CarbGrams, &r.FatGrams,
			&r.FiberGrams, &r.SugarGrams, &r.SodiumMilligrams,
		); err != nil {
			return FoodRecord{}, err
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fooddb: scan rows: %w", err)
	}
	return rankByName(query, records, limit), nil
}

// rerank orders nearest-neighbor hits by a blend of vector similarity and
// Jaro-Winkler name similarity, then truncates to limit.
func rerank(query string, scored []scoredRecord, limit int) []SearchResult {
	q := strings.ToLower(query)
	results := make([]SearchResult, 0, len(scored))
	for _, sr := range scored {
		name := strings.ToLower(sr.record.Name)
		score := semanticWeight*(1-sr.distance) + nameWeight*matchr.JaroWinkler(q, name, false)
		results = append(results, SearchResult{Record: sr.record, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// rankByName orders lexical hits by Jaro-Winkler name similarity alone.
func rankByName(query string, records []FoodRecord, limit int) []SearchResult {
	q := strings.ToLower(query)
	results := make([]SearchResult, 0, len(records))
	for _, r := range records {
		score := matchr.JaroWinkler(q, strings.ToLower(r.Name), false)
		results = append(results, SearchResult{Record: r, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// likeEscaper neutralises LIKE wildcards in user queries.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// embedText is the string embedded for a record: brand-qualified name.
func embedText(r FoodRecord) string {
	return strings.TrimSpace(strings.TrimSpace(r.Brand) + " " + strings.TrimSpace(r.Name))
}

// Upsert writes rec into the catalog, replacing any record with the same ID.
// When an embeddings provider is configured and rec carries no embedding, the
// brand-qualified name is embedded first.
func (s *Store) Upsert(ctx context.Context, rec FoodRecord) error {
	if rec.ID == "" {
		return ErrEmptyRecordID
	}
	if s.embedder != nil && rec.Embedding == nil {
		embedding, err := s.embedder.Embed(ctx, embedText(rec))
		if err != nil {
			return fmt.Errorf("fooddb: embed record name: %w", err)
		}
		rec.Embedding = embedding
	}
	return s.write(ctx, rec)
}

// UpsertBatch writes every record, embedding the missing name vectors in one
// provider call.
func (s *Store) UpsertBatch(ctx context.Context, recs []FoodRecord) error {
	for _, rec := range recs {
		if rec.ID == "" {
			return ErrEmptyRecordID
		}
	}

	if s.embedder != nil {
		var texts []string
		var missing []int
		for i, rec := range recs {
			if rec.Embedding == nil {
				texts = append(texts, embedText(rec))
				missing = append(missing, i)
			}
		}
		if len(texts) > 0 {
			vectors, err := s.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return fmt.Errorf("fooddb: embed record names: %w", err)
			}
			for i, idx := range missing {
				recs[idx].Embedding = vectors[i]
			}
		}
	}

	for _, rec := range recs {
		if err := s.write(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) write(ctx context.Context, rec FoodRecord) error {
	const q = `
		INSERT INTO foods
		    (id, name, brand, serving_qty, serving_unit,
		     calories, protein_g, carbs_g, fat_g, fiber_g, sugar_g, sodium_mg,
		     name_embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (id) DO UPDATE SET
		    name           = EXCLUDED.name,
		    brand          = EXCLUDED.brand,
		    serving_qty    = EXCLUDED.serving_qty,
		    serving_unit   = EXCLUDED.serving_unit,
		    calories       = EXCLUDED.calories,
		    protein_g      = EXCLUDED.protein_g,
		    carbs_g        = EXCLUDED.carbs_g,
		    fat_g          = EXCLUDED.fat_g,
		    fiber_g        = EXCLUDED.fiber_g,
		    sugar_g        = EXCLUDED.sugar_g,
		    sodium_mg      = EXCLUDED.sodium_mg,
		    name_embedding = EXCLUDED.name_embedding,
		    updated_at     = now()`

	var vec any
	if len(rec.Embedding) > 0 {
		vec = pgvector.NewVector(rec.Embedding)
	}
	_, err := s.pool.Exec(ctx, q,
		rec.ID, rec.Name, rec.Brand, rec.ServingQuantity, rec.ServingUnit,
		rec.Calories, rec.ProteinGrams, rec.CarbGrams, rec.FatGrams,
		rec.FiberGrams, rec.SugarGrams, rec.SodiumMilligrams,
		vec,
	)
	if err != nil {
		return fmt.Errorf("fooddb: upsert %s: %w", rec.ID, err)
	}
	return nil
}
