package broker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atiendo/atiendo/orchestrator/internal/broker"
	"github.com/atiendo/atiendo/orchestrator/internal/manifest"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
)

// testManifest gives the broker fast, test-sized policies.
const testManifest = `
- vertical: generic
  tools:
    - name: ok_tool
      args:
        - {name: label, type: string, required: false}
      produces: [result]
      timeout_ms: 1000
      retries: {max_attempts: 3, base_backoff_ms: 5}
      circuit: {threshold: 3, cooldown_ms: 60000}
    - name: flaky_once
      args: []
      produces: [result]
      timeout_ms: 1000
      retries: {max_attempts: 3, base_backoff_ms: 5}
      circuit: {threshold: 5, cooldown_ms: 60000}
    - name: always_500
      args: []
      produces: []
      timeout_ms: 500
      retries: {max_attempts: 2, base_backoff_ms: 5}
      circuit: {threshold: 2, cooldown_ms: 60000}
    - name: rejects
      args: []
      produces: []
      timeout_ms: 500
      retries: {max_attempts: 3, base_backoff_ms: 5}
      circuit: {threshold: 5, cooldown_ms: 60000}
    - name: slow
      args: []
      produces: []
      timeout_ms: 80
      retries: {max_attempts: 2, base_backoff_ms: 5}
      circuit: {threshold: 5, cooldown_ms: 60000}
    - name: keyed
      args:
        - {name: a, type: string, required: false}
      produces: []
      timeout_ms: 1000
      retries: {max_attempts: 1, base_backoff_ms: 5}
      circuit: {threshold: 5, cooldown_ms: 60000}
      idempotency: {scheme: request_id}
    - name: chained
      args:
        - {name: ref, type: string, required: true}
      produces: [result]
      timeout_ms: 1000
      retries: {max_attempts: 1, base_backoff_ms: 5}
      circuit: {threshold: 5, cooldown_ms: 60000}
  guardrails: []
`

type recordedCall struct {
	Tool string
	Args map[string]any
	Key  string
}

// toolServer is a scripted workflow-engine tool executor.
type toolServer struct {
	mu       sync.Mutex
	calls    []recordedCall
	flakyHit bool
	srv      *httptest.Server
}

func newToolServer(t *testing.T) *toolServer {
	t.Helper()
	ts := &toolServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *toolServer) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tool           string         `json:"tool"`
		Args           map[string]any `json:"args"`
		IdempotencyKey string         `json:"idempotency_key"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	ts.mu.Lock()
	ts.calls = append(ts.calls, recordedCall{Tool: req.Tool, Args: req.Args, Key: req.IdempotencyKey})
	firstFlaky := !ts.flakyHit
	if req.Tool == "flaky_once" {
		ts.flakyHit = true
	}
	ts.mu.Unlock()

	switch req.Tool {
	case "always_500":
		http.Error(w, "boom", http.StatusInternalServerError)
	case "rejects":
		http.Error(w, "bad args", http.StatusUnprocessableEntity)
	case "flaky_once":
		if firstFlaky {
			http.Error(w, "transient", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": map[string]any{"result": "recovered"}})
	case "slow":
		time.Sleep(300 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": map[string]any{}})
	case "chained":
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": map[string]any{"result": "chained:" + req.Args["ref"].(string)}})
	default:
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": map[string]any{"result": req.Tool}})
	}
}

func (ts *toolServer) recorded() []recordedCall {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]recordedCall, len(ts.calls))
	copy(out, ts.calls)
	return out
}

func testView(t *testing.T) *manifest.View {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "generic.yaml"), []byte(testManifest), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	s, err := manifest.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s.Get(models.VerticalGeneric)
}

func testSnapshot() models.Snapshot {
	return models.Snapshot{
		TenantID:       "ws-1",
		ConversationID: "conv-1",
		RequestID:      "req-abc",
		Vertical:       models.VerticalGeneric,
	}
}

func newBroker(ts *toolServer) *broker.Broker {
	return broker.New(ts.srv.URL, broker.NewBreakers(), 8, nil)
}

func TestExecute_ObservationsMatchInputOrder(t *testing.T) {
	ts := newToolServer(t)
	b := newBroker(ts)

	calls := []models.ToolCall{
		{Tool: "ok_tool", Args: map[string]any{"label": "one"}},
		{Tool: "ok_tool", Args: map[string]any{"label": "two"}},
		{Tool: "ok_tool", Args: map[string]any{"label": "three"}},
	}
	obs := b.Execute(context.Background(), calls, testView(t), testSnapshot())

	if len(obs) != len(calls) {
		t.Fatalf("len(obs) = %d, want %d", len(obs), len(calls))
	}
	for i, o := range obs {
		if o.Tool != calls[i].Tool {
			t.Errorf("obs[%d].Tool = %s, want %s", i, o.Tool, calls[i].Tool)
		}
		if !o.OK() {
			t.Errorf("obs[%d].Status = %s, want ok", i, o.Status)
		}
	}
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	ts := newToolServer(t)
	b := newBroker(ts)

	obs := b.Execute(context.Background(), []models.ToolCall{{Tool: "flaky_once", Args: map[string]any{}}}, testView(t), testSnapshot())

	if obs[0].Status != models.ObservationOK {
		t.Fatalf("Status = %s, want ok", obs[0].Status)
	}
	if obs[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (one failure, one success)", obs[0].Attempts)
	}
	if got := obs[0].Data["result"]; got != "recovered" {
		t.Errorf("Data.result = %v, want recovered", got)
	}
}

func TestExecute_4xxNotRetried(t *testing.T) {
	ts := newToolServer(t)
	b := newBroker(ts)

	obs := b.Execute(context.Background(), []models.ToolCall{{Tool: "rejects", Args: map[string]any{}}}, testView(t), testSnapshot())

	if obs[0].Status != models.ObservationFailed {
		t.Fatalf("Status = %s, want failed", obs[0].Status)
	}
	if obs[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (4xx is terminal)", obs[0].Attempts)
	}
	if n := len(ts.recorded()); n != 1 {
		t.Errorf("server saw %d requests, want 1", n)
	}
}

func TestExecute_TimeoutRetriesThenFails(t *testing.T) {
	ts := newToolServer(t)
	b := newBroker(ts)

	obs := b.Execute(context.Background(), []models.ToolCall{{Tool: "slow", Args: map[string]any{}}}, testView(t), testSnapshot())

	if obs[0].Status != models.ObservationTimeout {
		t.Fatalf("Status = %s, want timeout", obs[0].Status)
	}
	if obs[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (max_attempts)", obs[0].Attempts)
	}
}

func TestExecute_CircuitOpensAndSkips(t *testing.T) {
	ts := newToolServer(t)
	breakers := broker.NewBreakers()
	b := broker.New(ts.srv.URL, breakers, 8, nil)
	view := testView(t)
	snap := testSnapshot()
	call := []models.ToolCall{{Tool: "always_500", Args: map[string]any{}}}

	// Threshold 2: two exhausted executions open the breaker.
	b.Execute(context.Background(), call, view, snap)
	b.Execute(context.Background(), call, view, snap)
	before := len(ts.recorded())

	obs := b.Execute(context.Background(), call, view, snap)
	if obs[0].Status != models.ObservationCircuitOpen {
		t.Fatalf("Status = %s, want circuit_open", obs[0].Status)
	}
	if obs[0].Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", obs[0].Attempts)
	}
	if after := len(ts.recorded()); after != before {
		t.Errorf("server saw %d new requests while open, want 0", after-before)
	}
}

func TestBreakers_HalfOpenSingleProbe(t *testing.T) {
	b := broker.NewBreakers()
	b.RecordFailure("t", 1) // opens immediately

	if b.ShouldAllow("t", time.Hour) {
		t.Fatal("open breaker inside cooldown should reject")
	}
	// Cooldown of zero: next check moves to half-open and admits one probe.
	if !b.ShouldAllow("t", 0) {
		t.Fatal("half-open breaker should admit a single probe")
	}
	if b.ShouldAllow("t", 0) {
		t.Fatal("second caller during probe should be rejected")
	}

	// Probe failure re-opens with a fresh cooldown.
	b.RecordFailure("t", 1)
	if b.ShouldAllow("t", time.Hour) {
		t.Fatal("failed probe should re-open the breaker")
	}

	// Probe success closes.
	if !b.ShouldAllow("t", 0) {
		t.Fatal("expected probe admission")
	}
	b.RecordSuccess("t")
	if !b.ShouldAllow("t", time.Hour) {
		t.Fatal("closed breaker should allow")
	}
}

func TestExecute_IdempotencyKeyStableAcrossRetries(t *testing.T) {
	ts := newToolServer(t)
	b := newBroker(ts)

	b.Execute(context.Background(), []models.ToolCall{{Tool: "flaky_once", Args: map[string]any{}}}, testView(t), testSnapshot())

	recorded := ts.recorded()
	if len(recorded) != 2 {
		t.Fatalf("server saw %d requests, want 2", len(recorded))
	}
	if recorded[0].Key == "" || recorded[0].Key != recorded[1].Key {
		t.Errorf("idempotency keys differ across attempts: %q vs %q", recorded[0].Key, recorded[1].Key)
	}
}

func TestExecute_RequestIDScheme(t *testing.T) {
	ts := newToolServer(t)
	b := newBroker(ts)

	b.Execute(context.Background(), []models.ToolCall{{Tool: "keyed", Args: map[string]any{"a": "x"}}}, testView(t), testSnapshot())

	recorded := ts.recorded()
	if recorded[0].Key != "req-abc" {
		t.Errorf("key = %q, want the inbound request id", recorded[0].Key)
	}
}

func TestExecute_ArgHashScheme(t *testing.T) {
	ts := newToolServer(t)
	b := newBroker(ts)
	view := testView(t)
	snap := testSnapshot()

	b.Execute(context.Background(), []models.ToolCall{
		{Tool: "ok_tool", Args: map[string]any{"label": "same"}},
		{Tool: "ok_tool", Args: map[string]any{"label": "other"}},
	}, view, snap)
	b.Execute(context.Background(), []models.ToolCall{
		{Tool: "ok_tool", Args: map[string]any{"label": "same"}},
	}, view, snap)

	recorded := ts.recorded()
	byLabel := map[string]string{}
	for _, c := range recorded {
		byLabel[c.Args["label"].(string)] = c.Key
	}
	if byLabel["same"] == byLabel["other"] {
		t.Error("distinct args produced the same arg-hash key")
	}
	// Equal args hash equally across executions.
	var sameKeys []string
	for _, c := range recorded {
		if c.Args["label"] == "same" {
			sameKeys = append(sameKeys, c.Key)
		}
	}
	if len(sameKeys) != 2 || sameKeys[0] != sameKeys[1] {
		t.Errorf("equal args produced unstable keys: %v", sameKeys)
	}
}

func TestExecute_PrevReferenceChainsSequentially(t *testing.T) {
	ts := newToolServer(t)
	b := newBroker(ts)

	obs := b.Execute(context.Background(), []models.ToolCall{
		{Tool: "ok_tool", Args: map[string]any{"label": "first"}},
		{Tool: "chained", Args: map[string]any{"ref": "$prev.result"}},
	}, testView(t), testSnapshot())

	if !obs[1].OK() {
		t.Fatalf("chained call status = %s, want ok", obs[1].Status)
	}
	if got := obs[1].Data["result"]; got != "chained:ok_tool" {
		t.Errorf("chained result = %v, want chained:ok_tool", got)
	}
}

func TestExecute_PrevReferenceOnFailedDependency(t *testing.T) {
	ts := newToolServer(t)
	b := newBroker(ts)

	obs := b.Execute(context.Background(), []models.ToolCall{
		{Tool: "rejects", Args: map[string]any{}},
		{Tool: "chained", Args: map[string]any{"ref": "$prev.result"}},
	}, testView(t), testSnapshot())

	if obs[1].Status != models.ObservationFailed || obs[1].ErrorKind != "unresolved_reference" {
		t.Errorf("obs[1] = %+v, want failed/unresolved_reference", obs[1])
	}
	for _, c := range ts.recorded() {
		if c.Tool == "chained" {
			t.Error("chained call reached the server despite unresolved reference")
		}
	}
}

func TestExecute_GlobalDeadlineCancelsInFlight(t *testing.T) {
	ts := newToolServer(t)
	b := newBroker(ts)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	obs := b.Execute(ctx, []models.ToolCall{{Tool: "slow", Args: map[string]any{}}}, testView(t), testSnapshot())
	if obs[0].Status != models.ObservationTimeout {
		t.Errorf("Status = %s, want timeout under global deadline", obs[0].Status)
	}
}

func TestExecute_EmptyCallList(t *testing.T) {
	ts := newToolServer(t)
	b := newBroker(ts)

	obs := b.Execute(context.Background(), nil, testView(t), testSnapshot())
	if len(obs) != 0 {
		t.Errorf("len(obs) = %d, want 0", len(obs))
	}
}
