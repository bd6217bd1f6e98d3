package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akramer/wheelhouse/internal/models"
	"github.com/akramer/wheelhouse/internal/storage"
)

func testServer(t *testing.T, authToken string) (*Server, *storage.MockStorage) {
	t.Helper()
	store := storage.NewMockStorage()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewServer(Config{Listen: "127.0.0.1:0", AuthToken: authToken}, store, logger), store
}

func seedTrade(t *testing.T, store *storage.MockStorage, id string) *models.Trade {
	t.Helper()
	key := models.InstrumentKey{Symbol: "SPY", Strike: 430, Expiration: "2026-12-18", Right: models.RightPut}
	trade := models.NewTrade(id, key, models.SideSell, 1, 2.50, time.Now())
	if err := store.SaveTrade(trade); err != nil {
		t.Fatalf("Failed to seed trade: %v", err)
	}
	return trade
}

func TestServer_GetTrades(t *testing.T) {
	srv, store := testServer(t, "")
	seedTrade(t, store, "t1")
	seedTrade(t, store, "t2")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/trades", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var views []TradeView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(views) != 2 {
		t.Errorf("Expected 2 trades, got %d", len(views))
	}
}

func TestServer_GetTradeByID(t *testing.T) {
	srv, store := testServer(t, "")
	seedTrade(t, store, "t1")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/trades/t1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var view TradeView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if view.ID != "t1" || view.Instrument == "" {
		t.Errorf("Unexpected view: %+v", view)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/trades/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown trade, got %d", rec.Code)
	}
}

func TestServer_GetDivergences(t *testing.T) {
	srv, store := testServer(t, "")
	if err := store.RecordDivergence(models.Divergence{
		Kind:   models.DivergenceUntrackedBrokerOrder,
		Detail: "order 42 live on strategy underlying with no local record",
	}); err != nil {
		t.Fatalf("Failed to record divergence: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/divergences", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var divs []models.Divergence
	if err := json.Unmarshal(rec.Body.Bytes(), &divs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(divs) != 1 || divs[0].Kind != models.DivergenceUntrackedBrokerOrder {
		t.Errorf("Unexpected divergences: %+v", divs)
	}
}

func TestServer_AuthMiddleware(t *testing.T) {
	srv, _ := testServer(t, "secret")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/trades", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/trades", nil)
	req.Header.Set("X-Auth-Token", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with token, got %d", rec.Code)
	}

	// Health stays open for probes.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for health without token, got %d", rec.Code)
	}
}
