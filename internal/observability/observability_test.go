package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestReadiness_NotReadyUntilSet(t *testing.T) {
	h := NewHealthChecker()
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status before SetReady: got %d, want 503", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status after SetReady: got %d, want 200", rec.Code)
	}
}

func TestReadiness_ReportsFailingChecks(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady(true)
	h.Register("postgres", func(context.Context) error { return nil })
	h.Register("nats", func(context.Context) error { return errors.New("nats not connected") })

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", rec.Code)
	}

	var body struct {
		Status   string            `json:"status"`
		Failures map[string]string `json:"failures"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status field: got %q, want degraded", body.Status)
	}
	if len(body.Failures) != 1 || body.Failures["nats"] != "nats not connected" {
		t.Errorf("failures: got %v", body.Failures)
	}
}

func TestCheck_ReadyFlagThenDependencies(t *testing.T) {
	h := NewHealthChecker()
	h.Register("redis", func(context.Context) error { return errors.New("redis: connection refused") })

	if ready, failures := h.Check(context.Background()); ready || failures != nil {
		t.Fatalf("before SetReady: ready=%v failures=%v", ready, failures)
	}

	h.SetReady(true)
	ready, failures := h.Check(context.Background())
	if ready || failures["redis"] == "" {
		t.Errorf("with failing redis: ready=%v failures=%v", ready, failures)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLoggerTo_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "core", zerolog.InfoLevel)
	logger.Debug().Msg("hidden")
	logger.Info().Int64("sequence", 7).Msg("applied")

	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "core" || line["message"] != "applied" {
		t.Errorf("log line: %v", line)
	}
}
