package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PegLedger/internal/core"
	"PegLedger/internal/ingestion"
	"PegLedger/internal/observability"
	"PegLedger/internal/projection"
	"PegLedger/internal/server"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	adminToken = "test-token"
	issuer     = "00000000-0000-0000-0000-0000000000a1"
	producer   = "00000000-0000-0000-0000-0000000000b1"
)

type testEnv struct {
	router  chi.Router
	hub     *server.FactHub
	history *projection.FactHistory
}

// newTestEnv wires a core loop, the direct ingest service and the router
// without Postgres.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	persist := make(chan core.CoreOutput, 64)
	proj := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(core.Config{IdempotencyCapacity: 64}, persist, proj, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	subs := make(chan ingestion.Submission)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sub := <-subs:
				ingestion.Apply(c, sub)
			case <-persist:
			case <-proj:
			}
		}
	}()

	history := projection.NewFactHistory(8)
	hub := server.NewFactHub(history, nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	health := observability.NewHealthChecker()
	health.SetReady(true)

	srv := server.NewHTTPServer(":0", &server.Deps{
		Ingest:        ingestion.NewDirectIngestService(subs),
		Hub:           hub,
		HealthChecker: health,
		AdminToken:    adminToken,
	})
	return &testEnv{router: srv.Router(), hub: hub, history: history}
}

func (e *testEnv) do(t *testing.T, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-Admin-Token", adminToken)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func blockJSON(height int64) string {
	return fmt.Sprintf(`{"block_height":%d,"op_index":0,"timestamp_us":%d}`, height, height*1_000)
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func TestSubmitOp_AppliesAndReportsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	body := fmt.Sprintf(`{"op_id":"core","block":%s,"symbol":"CORE","issuer":%q}`, blockJSON(1), issuer)

	w := env.do(t, "POST", "/api/v1/ops/CreateAsset", body, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Sequence  int64 `json:"sequence"`
		Duplicate bool  `json:"duplicate"`
	}
	decode(t, w, &resp)
	if resp.Sequence != 0 || resp.Duplicate {
		t.Errorf("got %+v, want sequence 0", resp)
	}

	body = fmt.Sprintf(`{"op_id":"core","block":%s,"symbol":"CORE","issuer":%q}`, blockJSON(2), issuer)
	w = env.do(t, "POST", "/api/v1/ops/CreateAsset", body, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", w.Code)
	}
	decode(t, w, &resp)
	if !resp.Duplicate {
		t.Error("expected duplicate=true")
	}
}

func TestSubmitOp_ErrorStatus(t *testing.T) {
	env := newTestEnv(t)
	create := fmt.Sprintf(`{"block":%s,"symbol":"CORE","issuer":%q}`, blockJSON(5), issuer)
	if w := env.do(t, "POST", "/api/v1/ops/CreateAsset", create, true); w.Code != http.StatusOK {
		t.Fatalf("create asset: %d %s", w.Code, w.Body.String())
	}

	tests := []struct {
		name   string
		opType string
		body   string
		want   int
	}{
		{"malformed", "Deposit", `{"block":{"block_height":6}}`, http.StatusBadRequest},
		{"unknown op", "Liquidate", `{}`, http.StatusBadRequest},
		{"unknown asset", "Deposit", fmt.Sprintf(`{"block":%s,"account":%q,"asset":"NOPE","amount":5}`, blockJSON(6), issuer), http.StatusNotFound},
		{"behind cursor", "Deposit", fmt.Sprintf(`{"block":%s,"account":%q,"asset":"CORE","amount":5}`, blockJSON(1), issuer), http.StatusConflict},
		{"zero amount", "Deposit", fmt.Sprintf(`{"block":%s,"account":%q,"asset":"CORE","amount":0}`, blockJSON(7), issuer), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/ops/"+tt.opType, tt.body, true)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestAdminRoutes_RequireToken(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/ops/ClearExpired", fmt.Sprintf(`{"block":%s}`, blockJSON(1)), false)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	w = env.do(t, "GET", "/api/v1/admin/integrity", "", false)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
}

func TestQueryRoutes_WithoutDatabase(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{
		"/api/v1/markets",
		"/api/v1/markets/USDP",
		"/api/v1/facts?asset=USDP",
		"/api/v1/accounts/" + issuer + "/balances",
	} {
		if w := env.do(t, "GET", path, "", false); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, w.Code)
		}
	}
	if w := env.do(t, "GET", "/api/v1/accounts/not-a-uuid/balances", "", false); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad owner, got %d", w.Code)
	}
}

func TestHoldings_ReadsCore(t *testing.T) {
	env := newTestEnv(t)
	ops := []struct{ opType, body string }{
		{"CreateAsset", fmt.Sprintf(`{"block":%s,"symbol":"CORE","issuer":%q}`, blockJSON(1), issuer)},
		{"CreateAsset", fmt.Sprintf(`{"block":%s,"symbol":"USDP","issuer":%q,"market":{"backing_asset":"CORE","force_settlement_delay_us":1000,"feed_lifetime_us":1000000,"minimum_feeds":1,"feed_producers":[%q]}}`,
			blockJSON(2), issuer, producer)},
		{"Deposit", fmt.Sprintf(`{"block":%s,"account":%q,"asset":"CORE","amount":100000}`, blockJSON(3), issuer)},
		{"PublishFeed", fmt.Sprintf(`{"block":%s,"asset":"USDP","producer":%q,"feed":{"settlement_price":{"base":1,"quote":10},"core_exchange_rate":{"base":1,"quote":10},"maintenance_collateral_ratio":1750,"maximum_short_squeeze_ratio":1100}}`,
			blockJSON(4), producer)},
		{"Borrow", fmt.Sprintf(`{"block":%s,"owner":%q,"debt_asset":"USDP","debt_amount":1000,"collateral_amount":30000}`, blockJSON(5), issuer)},
	}
	for _, op := range ops {
		if w := env.do(t, "POST", "/api/v1/ops/"+op.opType, op.body, true); w.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", op.opType, w.Code, w.Body.String())
		}
	}

	w := env.do(t, "GET", "/api/v1/accounts/"+issuer+"/holdings", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("holdings: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Markets []struct {
			Symbol   string `json:"symbol"`
			Position *struct {
				Debt       int64 `json:"debt"`
				Collateral int64 `json:"collateral"`
			} `json:"position"`
		} `json:"markets"`
		AsOfSequence int64 `json:"as_of_sequence"`
	}
	decode(t, w, &resp)
	if len(resp.Markets) != 1 || resp.Markets[0].Symbol != "USDP" {
		t.Fatalf("markets: got %+v", resp.Markets)
	}
	p := resp.Markets[0].Position
	if p == nil || p.Debt != 1000 || p.Collateral != 30000 {
		t.Errorf("position: got %+v", p)
	}
	if resp.AsOfSequence != 4 {
		t.Errorf("as_of_sequence: got %d, want 4", resp.AsOfSequence)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, "GET", "/healthz", "", false); w.Code != http.StatusOK {
		t.Errorf("healthz: got %d", w.Code)
	}
	if w := env.do(t, "GET", "/readyz", "", false); w.Code != http.StatusOK {
		t.Errorf("readyz: got %d", w.Code)
	}
}

// --- fact stream ---

func dialStream(t *testing.T, env *testEnv, query string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

type streamMsg struct {
	Type string `json:"type"`
	Fact *struct {
		Sequence int64  `json:"sequence"`
		FactType string `json:"fact_type"`
		Asset    string `json:"asset"`
	} `json:"fact"`
}

func readMsg(t *testing.T, conn *websocket.Conn) streamMsg {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg streamMsg
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestFactStream_FiltersByAsset(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env, "?asset=USDP")

	env.hub.Broadcast([]ingestion.PublishableFact{
		{Sequence: 7, FactType: "revival", Asset: "OTHER"},
		{Sequence: 7, Index: 1, FactType: "feed_expired", Asset: "USDP"},
	})

	msg := readMsg(t, conn)
	if msg.Type != "fact" || msg.Fact == nil {
		t.Fatalf("got %+v", msg)
	}
	if msg.Fact.Asset != "USDP" || msg.Fact.FactType != "feed_expired" {
		t.Errorf("expected the USDP fact only, got %+v", msg.Fact)
	}
}

func TestFactStream_Backfill(t *testing.T) {
	env := newTestEnv(t)
	env.history.Add([]ingestion.PublishableFact{
		{Sequence: 3, FactType: "margin_call_fill", Asset: "USDP"},
		{Sequence: 5, FactType: "force_settlement_fill", Asset: "USDP"},
	})

	conn := dialStream(t, env, "?asset=USDP&after=3")
	msg := readMsg(t, conn)
	if msg.Fact == nil || msg.Fact.Sequence != 5 {
		t.Fatalf("expected backfilled fact 5, got %+v", msg)
	}
}
