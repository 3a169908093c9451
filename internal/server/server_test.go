package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vittlelabs/vittle/internal/foodlog"
	"github.com/vittlelabs/vittle/internal/foodparse"
	"github.com/vittlelabs/vittle/internal/foodparse/mock"
	"github.com/vittlelabs/vittle/internal/health"
	"github.com/vittlelabs/vittle/internal/nutrition"
)

func eggItem() nutrition.ParsedFoodItem {
	return nutrition.ParsedFoodItem{
		Name:         "scrambled eggs",
		Quantity:     2,
		Unit:         "large",
		Calories:     180,
		ProteinGrams: 12,
		CarbGrams:    2,
		FatGrams:     14,
		Confidence:   0.9,
	}
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func TestParse_ReturnsItems(t *testing.T) {
	parser := &mock.Parser{ParseItems: []nutrition.ParsedFoodItem{eggItem()}}
	s := New(parser)

	rec := postJSON(t, s.Handler(), "/api/v1/parse",
		`{"text": "two scrambled eggs", "meal_type": "breakfast"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	var resp parseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(resp.Items))
	}
	if resp.Items[0].Name != "scrambled eggs" {
		t.Errorf("item name = %q", resp.Items[0].Name)
	}
	if resp.Meal != nutrition.MealBreakfast {
		t.Errorf("meal = %q, want breakfast", resp.Meal)
	}
	if got := parser.ParseCalls[0].Meal; got != nutrition.MealBreakfast {
		t.Errorf("parser received meal %q, want breakfast", got)
	}
}

func TestParse_DefaultMealType(t *testing.T) {
	parser := &mock.Parser{ParseItems: []nutrition.ParsedFoodItem{eggItem()}}
	s := New(parser, WithDefaultMeal(nutrition.MealDinner))

	rec := postJSON(t, s.Handler(), "/api/v1/parse", `{"text": "grilled salmon"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp parseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Meal != nutrition.MealDinner {
		t.Errorf("meal = %q, want dinner", resp.Meal)
	}
}

func TestParse_UnknownMealType(t *testing.T) {
	s := New(&mock.Parser{})

	rec := postJSON(t, s.Handler(), "/api/v1/parse", `{"text": "toast", "meal_type": "brunch"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if kind := decodeAPIError(t, rec).Kind; kind != kindBadRequest {
		t.Errorf("kind = %q, want %q", kind, kindBadRequest)
	}
}

func TestParse_InvalidBody(t *testing.T) {
	s := New(&mock.Parser{})

	rec := postJSON(t, s.Handler(), "/api/v1/parse", `{"text": `)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if kind := decodeAPIError(t, rec).Kind; kind != kindBadRequest {
		t.Errorf("kind = %q, want %q", kind, kindBadRequest)
	}
}

func TestParse_EmptyTextYieldsNoItems(t *testing.T) {
	parser := &mock.Parser{ParseItems: []nutrition.ParsedFoodItem{eggItem()}}
	s := New(parser)

	rec := postJSON(t, s.Handler(), "/api/v1/parse", `{"text": "   "}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp parseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 0 {
		t.Errorf("items = %d, want 0", len(resp.Items))
	}
	if parser.Calls() != 0 {
		t.Errorf("parser called %d times for blank text, want 0", parser.Calls())
	}
}

func TestParse_NoFoodDetected(t *testing.T) {
	s := New(&mock.Parser{ParseErr: foodparse.ErrNoFoodDetected})

	rec := postJSON(t, s.Handler(), "/api/v1/parse", `{"text": "I drank some water"}`)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
	if kind := decodeAPIError(t, rec).Kind; kind != kindNoFood {
		t.Errorf("kind = %q, want %q", kind, kindNoFood)
	}
}

func TestParse_AnalysisTimeout(t *testing.T) {
	s := New(&mock.Parser{ParseErr: foodparse.ErrAnalysisTimeout})

	rec := postJSON(t, s.Handler(), "/api/v1/parse", `{"text": "a very elaborate meal"}`)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	if kind := decodeAPIError(t, rec).Kind; kind != kindTimeout {
		t.Errorf("kind = %q, want %q", kind, kindTimeout)
	}
}

func TestParse_ProviderFailure(t *testing.T) {
	parseErr := &foodparse.ProviderError{Provider: "openai", Err: errors.New("upstream 500")}
	s := New(&mock.Parser{ParseErr: parseErr})

	rec := postJSON(t, s.Handler(), "/api/v1/parse", `{"text": "chicken curry"}`)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if kind := decodeAPIError(t, rec).Kind; kind != kindProvider {
		t.Errorf("kind = %q, want %q", kind, kindProvider)
	}
}

func TestParse_MethodNotAllowed(t *testing.T) {
	s := New(&mock.Parser{})

	rec := get(t, s.Handler(), "/api/v1/parse")

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestSearch_CatalogDisabled(t *testing.T) {
	s := New(&mock.Parser{})

	rec := get(t, s.Handler(), "/api/v1/foods/search?q=yogurt")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp searchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Results == nil {
		t.Fatal("results is null, want an empty list")
	}
	if len(resp.Results) != 0 {
		t.Errorf("results = %d, want 0", len(resp.Results))
	}
}

func TestSearch_InvalidLimit(t *testing.T) {
	s := New(&mock.Parser{})

	rec := get(t, s.Handler(), "/api/v1/foods/search?q=yogurt&limit=lots")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if kind := decodeAPIError(t, rec).Kind; kind != kindBadRequest {
		t.Errorf("kind = %q, want %q", kind, kindBadRequest)
	}
}

func TestCapture_NotConfigured(t *testing.T) {
	s := New(&mock.Parser{})

	rec := get(t, s.Handler(), "/api/v1/capture")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if kind := decodeAPIError(t, rec).Kind; kind != kindUnavailable {
		t.Errorf("kind = %q, want %q", kind, kindUnavailable)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(&mock.Parser{})

	rec := get(t, s.Handler(), "/metrics")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := New(&mock.Parser{}, WithHealth(health.New(
		health.ParserChecker(&mock.Parser{}),
	)))

	if rec := get(t, s.Handler(), "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := get(t, s.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("readyz status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantKind   string
		wantStatus int
	}{
		{"no food", foodparse.ErrNoFoodDetected, kindNoFood, http.StatusUnprocessableEntity},
		{"timeout", foodparse.ErrAnalysisTimeout, kindTimeout, http.StatusGatewayTimeout},
		{"busy", foodlog.ErrBusy, kindBusy, http.StatusConflict},
		{"provider", &foodparse.ProviderError{Provider: "ollama", Err: errors.New("refused")}, kindProvider, http.StatusBadGateway},
		{"wrapped no food", errors.Join(errors.New("context"), foodparse.ErrNoFoodDetected), kindNoFood, http.StatusUnprocessableEntity},
		{"unknown", errors.New("boom"), kindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, status := classify(tc.err)
			if kind != tc.wantKind {
				t.Errorf("kind = %q, want %q", kind, tc.wantKind)
			}
			if status != tc.wantStatus {
				t.Errorf("status = %d, want %d", status, tc.wantStatus)
			}
		})
	}
}
