package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/vittlelabs/vittle/internal/fooddb"
	"github.com/vittlelabs/vittle/internal/foodlog"
	"github.com/vittlelabs/vittle/internal/foodparse"
	"github.com/vittlelabs/vittle/internal/nutrition"
	"github.com/vittlelabs/vittle/internal/observe"
)

const mealTypeValues = "breakfast, lunch, dinner, snack, pre_workout, post_workout"

type parseArgs struct {
	Text     string `json:"text" jsonschema:"natural-language description of what was eaten"`
	MealType string `json:"meal_type,omitempty" jsonschema:"meal slot the food belongs to: breakfast, lunch, dinner, snack, pre_workout or post_workout"`
}

type logArgs struct {
	Description string `json:"description" jsonschema:"natural-language description of the meal to log"`
	MealType    string `json:"meal_type,omitempty" jsonschema:"meal slot the food belongs to: breakfast, lunch, dinner, snack, pre_workout or post_workout"`
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"food name to look up in the verified catalog"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results to return"`
}

type parseReply struct {
	Meal  string                     `json:"meal_type"`
	Items []nutrition.ParsedFoodItem `json:"items"`
}

type logReply struct {
	Meal   string                     `json:"meal_type"`
	Items  []nutrition.ParsedFoodItem `json:"items"`
	Totals mealTotals                 `json:"totals"`
}

// mealTotals sums the macros of a logged meal so the assistant can answer
// "how much was that" without re-adding item lists.
type mealTotals struct {
	Calories     int     `json:"calories"`
	ProteinGrams float64 `json:"protein_g"`
	CarbGrams    float64 `json:"carbs_g"`
	FatGrams     float64 `json:"fat_g"`
}

type searchReply struct {
	Results []catalogHit `json:"results"`
}

type catalogHit struct {
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

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "parse_food_description",
		Description: "Analyze a natural-language food description and return structured nutrition items without logging anything.",
	}, timed(s, "parse_food_description", s.parseFoodDescription))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "log_meal",
		Description: "Parse a meal description and log it for the user in one step. Returns the logged items and their nutrition totals.",
	}, timed(s, "log_meal", s.logMeal))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_foods",
		Description: "Search the verified food catalog by name. Returns per-serving nutrition for each match.",
	}, timed(s, "search_foods", s.searchFoods))
}

// timed adapts a plain handler into a [mcp.ToolHandlerFor], recording call
// counts and execution latency around it.
func timed[In any](s *Server, tool string, h func(context.Context, In) (*mcp.CallToolResult, error)) mcp.ToolHandlerFor[In, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		start := time.Now()
		res, err := h(ctx, in)

		status := "ok"
		if err != nil || (res != nil && res.IsError) {
			status = "error"
		}
		s.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("tool", tool)))
		s.metrics.RecordToolCall(ctx, tool, status)

		return res, nil, err
	}
}

func (s *Server) parseFoodDescription(ctx context.Context, args parseArgs) (*mcp.CallToolResult, error) {
	text := strings.TrimSpace(args.Text)
	if text == "" {
		return toolError("text is empty; describe what was eaten"), nil
	}
	meal, ok := s.resolveMeal(args.MealType)
	if !ok {
		return toolError("unknown meal_type %q; valid values are %s", args.MealType, mealTypeValues), nil
	}

	orch := s.newOrchestrator(meal, foodlog.SurfaceError)
	if err := orch.LogText(ctx, text); err != nil {
		return parseFailure(err), nil
	}
	snap := orch.Snapshot()
	if len(snap.Pending) == 0 {
		return toolError("nothing to parse after transcript cleanup"), nil
	}

	s.metrics.RecordItemsParsed(ctx, "parsed", len(snap.Pending))
	return jsonResult(parseReply{Meal: string(snap.Meal), Items: snap.Pending})
}

func (s *Server) logMeal(ctx context.Context, args logArgs) (*mcp.CallToolResult, error) {
	text := strings.TrimSpace(args.Description)
	if text == "" {
		return toolError("description is empty; describe the meal to log"), nil
	}
	meal, ok := s.resolveMeal(args.MealType)
	if !ok {
		return toolError("unknown meal_type %q; valid values are %s", args.MealType, mealTypeValues), nil
	}

	// The assistant path synthesizes an estimate on hard parse failures, so
	// the only parse outcome that still errors here is no recognizable food.
	orch := s.newOrchestrator(meal, foodlog.SynthesizeFallback)
	if err := orch.LogText(ctx, text); err != nil {
		return parseFailure(err), nil
	}
	snap := orch.Snapshot()
	if len(snap.Pending) == 0 {
		return toolError("nothing to log after transcript cleanup"), nil
	}

	if err := orch.ConfirmPending(ctx); err != nil {
		return toolError("failed to save the meal: %v", err), nil
	}

	s.metrics.RecordItemsParsed(ctx, "parsed", len(snap.Pending))
	s.metrics.RecordMealLogged(ctx, string(snap.Meal))
	return jsonResult(logReply{
		Meal:   string(snap.Meal),
		Items:  snap.Pending,
		Totals: sumTotals(snap.Pending),
	})
}

func (s *Server) searchFoods(ctx context.Context, args searchArgs) (*mcp.CallToolResult, error) {
	if s.catalog == nil {
		return jsonResult(searchReply{Results: []catalogHit{}})
	}
	limit := s.searchLimit
	if args.Limit > 0 {
		limit = args.Limit
	}

	start := time.Now()
	results, err := s.catalog.Search(ctx, args.Query, limit)
	s.metrics.SearchDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		observe.Logger(ctx).Warn("catalog search failed", "query_len", len(args.Query), "error", err)
		return toolError("catalog search failed: %v", err), nil
	}

	reply := searchReply{Results: make([]catalogHit, 0, len(results))}
	for _, res := range results {
		reply.Results = append(reply.Results, toCatalogHit(res))
	}
	return jsonResult(reply)
}

// resolveMeal maps an optional meal_type argument to a meal, falling back to
// the server default when absent.
func (s *Server) resolveMeal(raw string) (nutrition.MealType, bool) {
	if strings.TrimSpace(raw) == "" {
		meal, _ := s.parseDefaults()
		return meal, true
	}
	return nutrition.ParseMealType(raw)
}

// parseFailure renders a parse error as a tool error the model can relay.
func parseFailure(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, foodparse.ErrNoFoodDetected):
		return toolError("no recognizable food in the description; try naming the foods and their amounts")
	case errors.Is(err, foodparse.ErrAnalysisTimeout):
		return toolError("food analysis timed out; try again in a moment")
	default:
		return toolError("food analysis failed: %v", err)
	}
}

// jsonResult wraps v, JSON-encoded, as a successful tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcpserver: encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil
}

// toolError builds a tool-level error result. Tool errors reach the model as
// content it can react to; only transport and encoding failures surface as
// protocol errors.
func toolError(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

func sumTotals(items []nutrition.ParsedFoodItem) mealTotals {
	var t mealTotals
	for _, item := range items {
		t.Calories += item.Calories
		t.ProteinGrams += item.ProteinGrams
		t.CarbGrams += item.CarbGrams
		t.FatGrams += item.FatGrams
	}
	return t
}

func toCatalogHit(res fooddb.SearchResult) catalogHit {
	return catalogHit{
		ID:              res.Record.ID,
		Name:            res.Record.Name,
		Brand:           res.Record.Brand,
		ServingQuantity: res.Record.ServingQuantity,
		ServingUnit:     res.Record.ServingUnit,
		Calories:        res.Record.Calories,
		ProteinGrams:    res.Record.ProteinGrams,
		CarbGrams:       res.Record.CarbGrams,
		FatGrams:        res.Record.FatGrams,
		Score:           res.Score,
	}
}
