package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vittlelabs/vittle/internal/capture"
	"github.com/vittlelabs/vittle/internal/fooddb"
	"github.com/vittlelabs/vittle/internal/foodlog"
	"github.com/vittlelabs/vittle/internal/foodparse"
	"github.com/vittlelabs/vittle/internal/nutrition"
	"github.com/vittlelabs/vittle/internal/observe"
)

// maxParseBody bounds the typed-entry request body. A meal description is a
// sentence or two; anything near this limit is not one.
const maxParseBody = 64 << 10

// Error kinds surfaced in JSON error bodies and capture socket error
// events. Clients branch on the kind, never parse the message.
const (
	kindBadRequest    = "bad_request"
	kindNoFood        = "no_food"
	kindTimeout       = "analysis_timeout"
	kindProvider      = "provider_failure"
	kindBusy          = "busy"
	kindPermission    = "permission_denied"
	kindModelDownload = "model_download_failed"
	kindRecording     = "recording_failed"
	kindTranscription = "transcription_failed"
	kindInvalidState  = "invalid_state"
	kindCatalog       = "catalog_failure"
	kindUnavailable   = "unavailable"
	kindInternal      = "internal"
)

// apiError is the machine-readable error payload shared by the JSON API and
// the capture socket.
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// classify maps a pipeline error onto its taxonomy kind and the HTTP status
// that kind surfaces as.
func classify(err error) (kind string, status int) {
	switch {
	case errors.Is(err, foodparse.ErrNoFoodDetected):
		return kindNoFood, http.StatusUnprocessableEntity
	case errors.Is(err, foodparse.ErrAnalysisTimeout):
		return kindTimeout, http.StatusGatewayTimeout
	case errors.Is(err, foodparse.ErrParserUnavailable):
		return kindUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, foodlog.ErrBusy):
		return kindBusy, http.StatusConflict
	case errors.Is(err, capture.ErrPermissionDenied):
		return kindPermission, http.StatusForbidden
	case errors.Is(err, capture.ErrModelDownloadFailed):
		return kindModelDownload, http.StatusBadGateway
	case errors.Is(err, capture.ErrRecordingFailed):
		return kindRecording, http.StatusInternalServerError
	case errors.Is(err, capture.ErrTranscriptionFailed):
		return kindTranscription, http.StatusBadGateway
	case errors.Is(err, capture.ErrInvalidState):
		return kindInvalidState, http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return kindTimeout, http.StatusGatewayTimeout
	}
	var pe *foodparse.ProviderError
	if errors.As(err, &pe) {
		return kindProvider, http.StatusBadGateway
	}
	return kindInternal, http.StatusInternalServerError
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observe.Logger(ctx).Warn("write response body", "error", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, kind, message string) {
	writeJSON(ctx, w, status, errorResponse{Error: apiError{Kind: kind, Message: message}})
}

type parseRequest struct {
	// Text is the meal description to parse.
	Text string `json:"text"`

	// MealType selects the meal context. Empty falls back to the server
	// default.
	MealType string `json:"meal_type,omitempty"`
}

type parseResponse struct {
	Items []nutrition.ParsedFoodItem `json:"items"`
	Meal  nutrition.MealType         `json:"meal_type"`
}

// handleParse is the typed-entry path: POST /api/v1/parse runs the full
// correction, parse, and validation flow on the request text and returns
// the recognised items. The endpoint is stateless; nothing pends and
// nothing is written.
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxParseBody)

	var req parseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, kindBadRequest, "invalid request body: "+err.Error())
		return
	}

	var extra []foodlog.Option
	if req.MealType != "" {
		m, ok := nutrition.ParseMealType(req.MealType)
		if !ok {
			writeError(ctx, w, http.StatusBadRequest, kindBadRequest,
				fmt.Sprintf("unknown meal type %q", req.MealType))
			return
		}
		extra = append(extra, foodlog.WithMealType(m))
	}

	o := s.newOrchestrator(extra...)
	start := time.Now()
	err := o.LogText(ctx, req.Text)
	s.metrics.ParseDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		kind, status := classify(err)
		observe.Logger(ctx).Warn("typed-entry parse failed", "kind", kind, "error", err)
		writeError(ctx, w, status, kind, err.Error())
		return
	}

	snap := o.Snapshot()
	items := snap.Pending
	if items == nil {
		items = []nutrition.ParsedFoodItem{}
	}
	s.metrics.RecordItemsParsed(ctx, "parsed", len(items))
	writeJSON(ctx, w, http.StatusOK, parseResponse{Items: items, Meal: snap.Meal})
}

type searchResponse struct {
	Results []searchHit `json:"results"`
}

// searchHit is one catalog match with its per-serving nutrition.
type searchHit struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Brand           string  `json:"brand,omitempty"`
	ServingQuantity float64 `json:"serving_quantity"`
	ServingUnit     string  `json:"serving_unit"`
	Calories        int     `json:"calories"`
	ProteinGrams    float64 `json:"protein_g"`
	CarbGrams       float64 `json:"carbs_g"`
	FatGrams        float64 `json:"fat_g"`
	Score           float64 `json:"score"`
}

// handleSearch serves GET /api/v1/foods/search?q=&limit=. A server without
// a catalog answers with an empty result list, not an error: search is an
// optional capability, and clients probe it by eating empty results.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query().Get("q")

	limit := s.searchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(ctx, w, http.StatusBadRequest, kindBadRequest,
				fmt.Sprintf("invalid limit %q", raw))
			return
		}
		if n > 0 {
			limit = n
		}
	}

	if s.catalog == nil {
		writeJSON(ctx, w, http.StatusOK, searchResponse{Results: []searchHit{}})
		return
	}

	start := time.Now()
	results, err := s.catalog.Search(ctx, q, limit)
	s.metrics.SearchDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		observe.Logger(ctx).Warn("catalog search failed", "query_len", len(q), "error", err)
		writeError(ctx, w, http.StatusBadGateway, kindCatalog, "catalog search failed")
		return
	}

	hits := make([]searchHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, toSearchHit(res))
	}
	writeJSON(ctx, w, http.StatusOK, searchResponse{Results: hits})
}

func toSearchHit(res fooddb.SearchResult) searchHit {
	rec := res.Record
	return searchHit{
		ID:              rec.ID,
		Name:            rec.Name,
		Brand:           rec.Brand,
		ServingQuantity: rec.ServingQuantity,
		ServingUnit:     rec.ServingUnit,
		Calories:        rec.Calories,
		ProteinGrams:    rec.ProteinGrams,
		CarbGrams:       rec.CarbGrams,
		FatGrams:        rec.FatGrams,
		Score:           res.Score,
	}
}
