// Package broker executes the validated tool-call list against the workflow
// engine's tool-execution endpoint. It owns the richest failure semantics in
// the pipeline: per-tool timeouts, bounded retries with jittered exponential
// backoff, circuit breakers, idempotency keys, and parallel execution of
// independent calls.
//
// Calls are grouped into dependency classes: a call depends on an earlier
// call iff one of its args references the earlier result via the $prev.<field>
// sigil, or the manifest declares an after: link. Calls inside a class run in
// parallel; classes run sequentially. Observations always come back in input
// order regardless of completion order.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/atiendo/atiendo/orchestrator/internal/manifest"
	"github.com/atiendo/atiendo/orchestrator/internal/telemetry"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// prevSigil marks an arg value that copies a field from the previous call's
// result, e.g. "$prev.slot_id".
const prevSigil = "$prev."

// deadlineGuard: a call that cannot get at least this much budget is
// reported as timeout without being started.
const deadlineGuard = 50 * time.Millisecond

var tracer = otel.Tracer("atiendo-orchestrator/broker")

// Broker fans tool calls out to the workflow engine.
type Broker struct {
	executorURL string
	client      *http.Client
	breakers    *Breakers
	maxParallel int64
	metrics     *telemetry.Metrics
}

// New creates the broker. metrics may be nil in tests.
func New(executorURL string, breakers *Breakers, maxParallel int64, metrics *telemetry.Metrics) *Broker {
	if maxParallel <= 0 {
		maxParallel = 8
	}
	return &Broker{
		executorURL: executorURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		breakers:    breakers,
		maxParallel: maxParallel,
		metrics:     metrics,
	}
}

// Execute runs the call list and returns one observation per call, in input
// order. The context carries the broker's share of the request deadline;
// in-flight calls past it are cancelled and observed as timeout.
func (b *Broker) Execute(ctx context.Context, calls []models.ToolCall, view *manifest.View, snap models.Snapshot) []models.Observation {
	observations := make([]models.Observation, len(calls))
	if len(calls) == 0 {
		return observations
	}

	classes := dependencyClasses(calls, view)
	sem := semaphore.NewWeighted(b.maxParallel)

	maxClass := 0
	for _, c := range classes {
		if c > maxClass {
			maxClass = c
		}
	}

	for class := 0; class <= maxClass; class++ {
		var wg sync.WaitGroup
		for i := range calls {
			if classes[i] != class {
				continue
			}
			call := calls[i]
			if resolved, obs := b.resolveArgs(call, i, observations); obs != nil {
				observations[i] = *obs
				continue
			} else {
				call = resolved
			}

			wg.Add(1)
			go func(idx int, call models.ToolCall) {
				defer wg.Done()
				if err := sem.Acquire(ctx, 1); err != nil {
					observations[idx] = models.Observation{Tool: call.Tool, Status: models.ObservationTimeout}
					return
				}
				defer sem.Release(1)
				observations[idx] = b.runCall(ctx, call, view, snap)
			}(i, call)
		}
		wg.Wait()
	}

	return observations
}

// dependencyClasses assigns each call its execution wave. Class 0 holds all
// unreferenced calls.
func dependencyClasses(calls []models.ToolCall, view *manifest.View) []int {
	classes := make([]int, len(calls))
	for i, call := range calls {
		class := 0
		// $prev references bind to the immediately preceding call.
		if i > 0 && referencesPrev(call) {
			if c := classes[i-1] + 1; c > class {
				class = c
			}
		}
		// after: links bind to the nearest earlier call of the named tool.
		if spec, ok := view.Tool(call.Tool); ok && spec.After != "" {
			for j := i - 1; j >= 0; j-- {
				if calls[j].Tool == spec.After {
					if c := classes[j] + 1; c > class {
						class = c
					}
					break
				}
			}
		}
		classes[i] = class
	}
	return classes
}

func referencesPrev(call models.ToolCall) bool {
	for _, v := range call.Args {
		if s, ok := v.(string); ok && strings.HasPrefix(s, prevSigil) {
			return true
		}
	}
	return false
}

// resolveArgs substitutes $prev.<field> references from the previous call's
// observation. When the previous call failed or lacks the field, the call is
// observed as failed without an attempt.
func (b *Broker) resolveArgs(call models.ToolCall, idx int, observations []models.Observation) (models.ToolCall, *models.Observation) {
	if !referencesPrev(call) {
		return call, nil
	}
	if idx == 0 {
		return call, &models.Observation{Tool: call.Tool, Status: models.ObservationFailed, ErrorKind: "unresolved_reference"}
	}
	prev := observations[idx-1]
	resolved := models.ToolCall{Tool: call.Tool, Args: make(map[string]any, len(call.Args))}
	for k, v := range call.Args {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, prevSigil) {
			resolved.Args[k] = v
			continue
		}
		field := strings.TrimPrefix(s, prevSigil)
		if !prev.OK() {
			return call, &models.Observation{Tool: call.Tool, Status: models.ObservationFailed, ErrorKind: "unresolved_reference"}
		}
		value, ok := prev.Data[field]
		if !ok {
			return call, &models.Observation{Tool: call.Tool, Status: models.ObservationFailed, ErrorKind: "unresolved_reference"}
		}
		resolved.Args[k] = value
	}
	return resolved, nil
}

// runCall executes one call through the breaker and attempt loop.
func (b *Broker) runCall(ctx context.Context, call models.ToolCall, view *manifest.View, snap models.Snapshot) models.Observation {
	spec, ok := view.Tool(call.Tool)
	if !ok {
		// Policy guarantees membership; reaching here is a programming error.
		return models.Observation{Tool: call.Tool, Status: models.ObservationDenied, ErrorKind: "unknown_tool"}
	}

	cooldown := time.Duration(spec.Circuit.CooldownMs) * time.Millisecond
	if !b.breakers.ShouldAllow(call.Tool, cooldown) {
		b.observeAttempt(call.Tool, "circuit_open")
		return models.Observation{Tool: call.Tool, Status: models.ObservationCircuitOpen}
	}

	key := b.idempotencyKey(spec, call, snap.RequestID)
	toolTimeout := time.Duration(spec.TimeoutMs) * time.Millisecond

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(spec.Retries.BaseBackoffMs) * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0
	bo.Reset()

	start := time.Now()
	var last models.Observation
	for attempt := 1; attempt <= spec.Retries.MaxAttempts; attempt++ {
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < deadlineGuard {
			last = models.Observation{Tool: call.Tool, Status: models.ObservationTimeout, Attempts: attempt - 1}
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, toolTimeout)
		data, retryable, err := b.invoke(attemptCtx, call, key, snap)
		cancel()

		_, span := tracer.Start(ctx, "tool.attempt")
		span.SetAttributes(
			attribute.String("tool.name", call.Tool),
			attribute.Int("tool.attempt", attempt),
			attribute.Bool("tool.ok", err == nil),
		)
		span.End()

		if err == nil {
			latency := time.Since(start).Milliseconds()
			b.breakers.RecordSuccess(call.Tool)
			b.observeAttempt(call.Tool, "ok")
			return models.Observation{
				Tool:      call.Tool,
				Status:    models.ObservationOK,
				LatencyMs: latency,
				Data:      data,
				Attempts:  attempt,
			}
		}

		status := models.ObservationFailed
		kind := "tool_failed"
		if errors.Is(err, context.DeadlineExceeded) {
			status = models.ObservationTimeout
			kind = "tool_timeout"
		}
		b.observeAttempt(call.Tool, kind)
		last = models.Observation{
			Tool:      call.Tool,
			Status:    status,
			LatencyMs: time.Since(start).Milliseconds(),
			ErrorKind: errorKind(err),
			Attempts:  attempt,
		}

		if !retryable || attempt == spec.Retries.MaxAttempts {
			break
		}
		// The parent deadline also bounds backoff sleeps.
		select {
		case <-ctx.Done():
			last = models.Observation{Tool: call.Tool, Status: models.ObservationTimeout, LatencyMs: time.Since(start).Milliseconds(), ErrorKind: "deadline", Attempts: attempt}
			attempt = spec.Retries.MaxAttempts
		case <-time.After(bo.NextBackOff()):
		}
	}

	// A call that never reached the wire (deadline guard) says nothing about
	// the tool's health and must not trip its breaker.
	if last.Attempts > 0 {
		b.breakers.RecordFailure(call.Tool, spec.Circuit.Threshold)
	}
	log.Warn().
		Str("tool", call.Tool).
		Str("status", string(last.Status)).
		Int("attempts", last.Attempts).
		Msg("Tool call exhausted")
	return last
}

// transientError marks transport errors and 5xx replies. Attempt timeouts
// are returned as the context error itself (also retryable).
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type executeRequest struct {
	Tool           string         `json:"tool"`
	Args           map[string]any `json:"args"`
	IdempotencyKey string         `json:"idempotency_key"`
	WorkspaceID    string         `json:"workspace_id"`
	ConversationID string         `json:"conversation_id"`
}

type executeResponse struct {
	OK    bool           `json:"ok"`
	Data  map[string]any `json:"data"`
	Error *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// invoke performs one attempt. retryable reports whether a failure is worth
// another attempt (transport errors, 5xx, attempt timeouts).
func (b *Broker) invoke(ctx context.Context, call models.ToolCall, key string, snap models.Snapshot) (data map[string]any, retryable bool, err error) {
	payload, err := json.Marshal(executeRequest{
		Tool:           call.Tool,
		Args:           call.Args,
		IdempotencyKey: key,
		WorkspaceID:    snap.TenantID,
		ConversationID: snap.ConversationID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("marshal tool request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.executorURL, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("create tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
		return nil, true, &transientError{err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, true, &transientError{fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, false, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	var result executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// Not the expected transport shape: treat as failed, not retryable.
		return nil, false, fmt.Errorf("decode tool response: %w", err)
	}
	if !result.OK {
		kind := "remote_error"
		if result.Error != nil && result.Error.Kind != "" {
			kind = result.Error.Kind
		}
		msg := ""
		if result.Error != nil {
			msg = result.Error.Message
		}
		return nil, false, fmt.Errorf("%s: %s", kind, msg)
	}
	return result.Data, false, nil
}

// idempotencyKey derives the dedup key the remote side sees on every attempt.
func (b *Broker) idempotencyKey(spec models.ToolSpec, call models.ToolCall, requestID string) string {
	if spec.Idempotency.Scheme == models.IdempotencyRequestID {
		return requestID
	}
	args, _ := json.Marshal(call.Args) // sorted keys: stable for equal args
	h := fnv.New64a()
	h.Write([]byte(call.Tool))
	h.Write([]byte{0})
	h.Write(args)
	return fmt.Sprintf("%s-%016x", call.Tool, h.Sum64())
}

func (b *Broker) observeAttempt(tool, outcome string) {
	if b.metrics != nil {
		b.metrics.ObserveAttempt(tool, outcome)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		var te *transientError
		if errors.As(err, &te) {
			return "transport"
		}
		return firstToken(err.Error())
	}
}

// firstToken trims an error chain down to its leading classifier token.
func firstToken(s string) string {
	if i := strings.IndexAny(s, ": "); i > 0 {
		return s[:i]
	}
	return s
}
