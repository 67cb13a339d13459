package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dexcycle/internal/domain"
	"dexcycle/internal/store/file"
)

func newTestStore(t *testing.T) *file.Store {
	t.Helper()
	st, err := file.New(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("file.New failed: %v", err)
	}
	return st
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestListPositions_EmptyIsJSONArray(t *testing.T) {
	h := NewPositionHandler(newTestStore(t), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	rec := httptest.NewRecorder()
	h.ListPositions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Positions []domain.Position `json:"positions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if resp.Positions == nil {
		t.Error("positions is null, want empty array")
	}
}

func TestListPositions_StatusFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()
	if _, err := st.CreatePending(ctx, domain.EntryCandidate{Token: "WETH", Pool: "0xp", Budget: 100}); err != nil {
		t.Fatal(err)
	}

	h := NewPositionHandler(st, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/positions?status=pending", nil)
	rec := httptest.NewRecorder()
	h.ListPositions(rec, req)

	var resp struct {
		Positions []domain.Position `json:"positions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Positions) != 1 || resp.Positions[0].Token != "WETH" {
		t.Errorf("pending filter returned %+v, want the WETH position", resp.Positions)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/positions?status=open", nil)
	rec = httptest.NewRecorder()
	h.ListPositions(rec, req)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Positions) != 0 {
		t.Errorf("open filter returned %d positions, want 0", len(resp.Positions))
	}
}

func TestListPositions_UnknownStatusIsBadRequest(t *testing.T) {
	h := NewPositionHandler(newTestStore(t), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/positions?status=bogus", nil)
	rec := httptest.NewRecorder()
	h.ListPositions(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetPosition(t *testing.T) {
	st := newTestStore(t)
	p, err := st.CreatePending(t.Context(), domain.EntryCandidate{Token: "WETH", Pool: "0xp", Budget: 100})
	if err != nil {
		t.Fatal(err)
	}

	h := NewPositionHandler(st, testLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/positions/{id}", h.GetPosition)

	req := httptest.NewRequest(http.MethodGet, "/api/positions/"+p.ID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got domain.Position
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID || got.Status != domain.PositionStatusPending {
		t.Errorf("got %+v, want pending position %s", got, p.ID)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/positions/missing", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d for unknown id, want 404", rec.Code)
	}
}
