package logger

import (
	"context"
	"testing"

	"github.com/chatledger/chatledger/internal/config"
)

func TestNew(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc"}
	l, closer := New(cfg)
	defer closer.Close()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewAsync(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc", Async: true}
	l, closer := New(cfg)
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	l.Info("flushed on close")
	closer.Close()
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestScopeContext(t *testing.T) {
	ctx := context.Background()

	if got := ScopeFrom(ctx); got.WorldID != "" || got.ChatID != "" {
		t.Errorf("expected zero scope, got %+v", got)
	}

	ctx = WithScope(ctx, "w1", "c1")
	got := ScopeFrom(ctx)
	if got.WorldID != "w1" || got.ChatID != "c1" {
		t.Errorf("expected w1/c1, got %+v", got)
	}
}
