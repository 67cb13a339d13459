package subgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dexcycle/internal/config"
	"dexcycle/internal/domain"
)

const (
	wethPool = "0xa4d8c89f0c20efbe54cba9e7e7a7e509056228d9"
	wpolPool = "0xb6e57ed85c4c9dbfef2a68711e9d6f36c56e0fcb"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Subgraph.Endpoint = "http://example.invalid"
	return cfg
}

// hourRow builds one raw subgraph row. token0/token1 control quote direction.
func hourRow(pool, token0, token1 string, start int64, close string, volume, tvl float64) map[string]any {
	return map[string]any{
		"pool": map[string]any{
			"id":      pool,
			"feeTier": "500",
			"token0":  map[string]any{"symbol": token0},
			"token1":  map[string]any{"symbol": token1},
		},
		"periodStartUnix": start,
		"open":            close,
		"high":            close,
		"low":             close,
		"close":           close,
		"volumeUSD":       fmt.Sprintf("%g", volume),
		"tvlUSD":          fmt.Sprintf("%g", tvl),
		"txCount":         "42",
	}
}

func serveRows(t *testing.T, blockTime int64, rows []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Variables struct {
				Pools []string `json:"pools"`
				First int      `json:"first"`
			} `json:"variables"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if len(req.Variables.Pools) != 2 || req.Variables.First != 720 {
			t.Errorf("unexpected variables: %+v", req.Variables)
		}

		resp := map[string]any{
			"data": map[string]any{
				"_meta": map[string]any{
					"block":             map[string]any{"number": 63000000, "timestamp": blockTime},
					"hasIndexingErrors": false,
				},
				"poolHourDatas": rows,
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestCandidates_NormalizesAndFilters(t *testing.T) {
	// Block head at 12:05; safety lag 180s puts the cutoff at 12:02, so the
	// 11:00 candle (complete at 12:00) is still forming for our purposes only
	// if it ended after 12:02. Hours ending 12:00 and earlier survive.
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Unix()
	blockTime := base + 12*3600 + 300

	var rows []map[string]any
	// WETH/USDC pool with USDC as token1: close arrives inverted.
	for h := int64(0); h < 12; h++ {
		rows = append(rows, hourRow(wethPool, "WETH", "USDC", base+h*3600, "0.0005", 9000, 600_000))
	}
	// USDC/WPOL pool with USDC as token0: close is already stable-quoted.
	rows = append(rows, hourRow(wpolPool, "USDC", "WPOL", base, "0.42", 2000, 250_000))
	// A pool not in the configured set is ignored.
	rows = append(rows, hourRow("0xdead", "FOO", "USDC", base, "1.0", 1, 1))

	srv := serveRows(t, blockTime, rows)
	defer srv.Close()

	cfg := testConfig()
	p := NewProvider(NewClient(srv.URL, "", 0), cfg, slog.New(slog.DiscardHandler))

	snap, err := p.Candidates(context.Background())
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	if !snap.BlockTime.Equal(time.Unix(blockTime, 0).UTC()) {
		t.Errorf("BlockTime = %v", snap.BlockTime)
	}
	if len(snap.Pools) != 2 {
		t.Fatalf("got %d pools, want 2", len(snap.Pools))
	}

	byToken := map[string]domain.PoolSnapshot{}
	for _, pool := range snap.Pools {
		byToken[pool.Token] = pool
	}

	weth := byToken["WETH"]
	if len(weth.Samples) != 12 {
		t.Fatalf("WETH samples = %d, want 12", len(weth.Samples))
	}
	// 1 / 0.0005 = 2000 USDC per WETH.
	if got := weth.Samples[0].Close; got < 1999.9 || got > 2000.1 {
		t.Errorf("inverted close = %v, want 2000", got)
	}
	if weth.Samples[0].VolumeUSD != 9000 || weth.Samples[0].TVLUSD != 600_000 {
		t.Errorf("volume/tvl mismatch: %+v", weth.Samples[0])
	}

	wpol := byToken["WPOL"]
	if len(wpol.Samples) != 1 || wpol.Samples[0].Close != 0.42 {
		t.Errorf("WPOL samples = %+v", wpol.Samples)
	}
}

func TestCandidates_DropsFormingHour(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Unix()
	// Head barely past the top of hour 2: the hour-1 candle ended 60s ago,
	// inside the 180s safety lag, so only the hour-0 candle survives.
	blockTime := base + 2*3600 + 60

	rows := []map[string]any{
		hourRow(wethPool, "WETH", "USDC", base, "0.0005", 9000, 600_000),
		hourRow(wethPool, "WETH", "USDC", base+3600, "0.0005", 9000, 600_000),
	}
	srv := serveRows(t, blockTime, rows)
	defer srv.Close()

	p := NewProvider(NewClient(srv.URL, "", 0), testConfig(), slog.New(slog.DiscardHandler))
	snap, err := p.Candidates(context.Background())
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	for _, pool := range snap.Pools {
		if pool.Token != "WETH" {
			continue
		}
		if len(pool.Samples) != 1 {
			t.Fatalf("got %d samples, want 1 (forming hour kept?)", len(pool.Samples))
		}
		if !pool.Samples[0].Time.Equal(time.Unix(base, 0).UTC()) {
			t.Errorf("kept the wrong candle: %v", pool.Samples[0].Time)
		}
	}
}

func TestCandidates_IndexerErrorsAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"_meta": map[string]any{
					"block":             map[string]any{"number": 1, "timestamp": 1},
					"hasIndexingErrors": true,
				},
				"poolHourDatas": []any{},
			},
		})
	}))
	defer srv.Close()

	p := NewProvider(NewClient(srv.URL, "", 0), testConfig(), slog.New(slog.DiscardHandler))
	_, err := p.Candidates(context.Background())
	if !errors.Is(err, domain.ErrDataUnavailable) {
		t.Errorf("expected ErrDataUnavailable, got %v", err)
	}
}

func TestCandidates_HTTPErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProvider(NewClient(srv.URL, "", 0), testConfig(), slog.New(slog.DiscardHandler))
	_, err := p.Candidates(context.Background())
	if !errors.Is(err, domain.ErrDataUnavailable) {
		t.Errorf("expected ErrDataUnavailable, got %v", err)
	}
}

func TestNormalize_RejectsBadRows(t *testing.T) {
	p := NewProvider(NewClient("http://example.invalid", "", 0), testConfig(), slog.New(slog.DiscardHandler))

	bad := HourRow{PeriodStartUnix: 100}
	bad.Pool.ID = wethPool
	bad.Pool.Token0.Symbol = "WETH"
	bad.Pool.Token1.Symbol = "USDC"
	bad.Close = "0" // inversion of zero is not a price
	bad.VolumeUSD = "1"
	bad.TVLUSD = "1"
	bad.TxCount = "1"
	if _, ok := p.normalize(bad); ok {
		t.Error("zero close accepted")
	}

	bad.Close = "not-a-number"
	if _, ok := p.normalize(bad); ok {
		t.Error("garbage close accepted")
	}

	// Neither side is the stable: the pool cannot be quoted.
	bad.Close = "1.5"
	bad.Pool.Token1.Symbol = "WBTC"
	if _, ok := p.normalize(bad); ok {
		t.Error("non-stable pair accepted")
	}
}
