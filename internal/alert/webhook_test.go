package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
)

func init() {
	newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
}

func okServer(t *testing.T, called *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDeliverMatchesSeverity(t *testing.T) {
	var called atomic.Int32
	srv := okServer(t, &called)

	d := NewDispatcher([]Config{
		{URL: srv.URL, Format: FormatGeneric, MinSeverity: SeverityHigh},
	}, nil)

	n, err := d.Deliver(context.Background(), Message{Severity: SeverityWarning, Summary: "low"})
	if err != nil || n != 0 {
		t.Fatalf("expected no delivery below min severity, got n=%d err=%v", n, err)
	}
	n, err = d.Deliver(context.Background(), Message{Severity: SeverityCritical, Summary: "high"})
	if err != nil || n != 1 {
		t.Fatalf("expected 1 delivery, got n=%d err=%v", n, err)
	}
	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDeliverMatchesKinds(t *testing.T) {
	var called atomic.Int32
	srv := okServer(t, &called)

	d := NewDispatcher([]Config{
		{URL: srv.URL, Kinds: []string{KindKillSwitch}},
	}, nil)

	d.Deliver(context.Background(), Message{Severity: SeverityHigh, Kind: KindAction})
	d.Deliver(context.Background(), Message{Severity: SeverityHigh, Kind: KindKillSwitch})
	if called.Load() != 1 {
		t.Errorf("expected 1 call for kill_switch kind, got %d", called.Load())
	}
}

func TestDeliverMultipleWebhooks(t *testing.T) {
	var called atomic.Int32
	srv1 := okServer(t, &called)
	srv2 := okServer(t, &called)

	d := NewDispatcher([]Config{
		{URL: srv1.URL},
		{URL: srv2.URL, Format: FormatSlack},
	}, nil)

	n, err := d.Deliver(context.Background(), Message{Severity: SeverityHigh, Summary: "svc-42 rolled back"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || called.Load() != 2 {
		t.Errorf("expected 2 deliveries, got n=%d calls=%d", n, called.Load())
	}
}

func TestDeliverReportsPartialFailure(t *testing.T) {
	var called atomic.Int32
	good := okServer(t, &called)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bad.Close()

	d := NewDispatcher([]Config{{URL: good.URL}, {URL: bad.URL}}, nil)
	n, err := d.Deliver(context.Background(), Message{Severity: SeverityHigh})
	if n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
	if err == nil || !strings.Contains(err.Error(), "HTTP 403") {
		t.Errorf("expected 403 error, got %v", err)
	}
}

func TestDispatchRunsInBackground(t *testing.T) {
	var called atomic.Int32
	srv := okServer(t, &called)

	d := NewDispatcher([]Config{{URL: srv.URL}}, nil)
	d.Dispatch(Message{Severity: SeverityInfo, Summary: "hello"})
	d.Wait()
	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Send(context.Background(), Config{URL: srv.URL}, Message{Severity: SeverityHigh})
	if err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestGiveUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := Send(context.Background(), Config{URL: srv.URL}, Message{Severity: SeverityHigh})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts.Load() != maxRetries {
		t.Errorf("expected %d attempts, got %d", maxRetries, attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := Send(context.Background(), Config{URL: srv.URL}, Message{Severity: SeverityHigh})
	if err == nil {
		t.Error("expected error on 400, got nil")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestSendSetsHeaders(t *testing.T) {
	var gotAuth, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer srv.Close()

	cfg := Config{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer x"}}
	if err := Send(context.Background(), cfg, Message{}); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer x" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
}

func TestSendErrorHidesPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := Send(context.Background(), Config{URL: srv.URL + "/bot123:secret/sendMessage"}, Message{})
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("error leaks webhook path: %v", err)
	}
}

var sample = Message{
	Severity:     SeverityCritical,
	Kind:         KindEscalation,
	Summary:      "kill switch engaged",
	Subject:      "svc-42",
	AuditEntryID: "aud-1",
	Detail:       map[string]string{"rule": "crashed-rollback"},
	At:           time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
}

func TestFormatGenericJSON(t *testing.T) {
	data, err := FormatPayload(Config{Format: FormatGeneric}, sample)
	if err != nil {
		t.Fatal(err)
	}
	var parsed Message
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed.AuditEntryID != "aud-1" {
		t.Errorf("expected audit_entry_id aud-1, got %s", parsed.AuditEntryID)
	}
	if parsed.Severity != SeverityCritical {
		t.Errorf("expected severity critical, got %s", parsed.Severity)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	data, err := FormatPayload(Config{Format: FormatSlack}, sample)
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}
	blocks, ok := parsed["blocks"].([]any)
	if !ok || len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %v", parsed["blocks"])
	}
	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %v", header["type"])
	}
	section, _ := blocks[1].(map[string]any)
	fields, ok := section["fields"].([]any)
	if !ok || len(fields) != 4 {
		t.Errorf("expected 4 fields (3 fixed + 1 detail), got %v", fields)
	}
}

func TestFormatPagerDuty(t *testing.T) {
	data, err := FormatPayload(Config{Format: FormatPagerDuty}, sample)
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("pagerduty format is not valid JSON: %v", err)
	}
	if parsed["event_action"] != "trigger" {
		t.Errorf("expected event_action trigger, got %v", parsed["event_action"])
	}
	if parsed["dedup_key"] != "aud-1" {
		t.Errorf("expected dedup_key aud-1, got %v", parsed["dedup_key"])
	}
	payload, ok := parsed["payload"].(map[string]any)
	if !ok {
		t.Fatal("expected payload object")
	}
	if payload["severity"] != "critical" {
		t.Errorf("expected severity critical, got %v", payload["severity"])
	}
	if payload["source"] != "fleetwatch" {
		t.Errorf("expected source fleetwatch, got %v", payload["source"])
	}
}

func TestFormatTelegram(t *testing.T) {
	data, err := FormatPayload(Config{Format: FormatTelegram, ChatID: "-100"}, sample)
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed["chat_id"] != "-100" {
		t.Errorf("chat_id = %v", parsed["chat_id"])
	}
	text, _ := parsed["text"].(string)
	for _, want := range []string{"[CRITICAL] kill switch engaged", "subject: svc-42", "rule: crashed-rollback", "audit: aud-1"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
}

func TestParseSeverity(t *testing.T) {
	if s, err := ParseSeverity(""); err != nil || s != SeverityInfo {
		t.Errorf("empty: got %q, %v", s, err)
	}
	if s, err := ParseSeverity("HIGH"); err != nil || s != SeverityHigh {
		t.Errorf("HIGH: got %q, %v", s, err)
	}
	if _, err := ParseSeverity("urgent"); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestNewDispatcherNilOnEmpty(t *testing.T) {
	if d := NewDispatcher(nil, nil); d != nil {
		t.Error("expected nil dispatcher for empty configs")
	}
}
