package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	tc := cfg.Tenant("anyone")
	if tc.SessionTimeout != 30*time.Minute {
		t.Fatalf("session timeout: %v", tc.SessionTimeout)
	}
	if tc.ExtendedTimeout != 30*24*time.Hour {
		t.Fatalf("extended timeout: %v", tc.ExtendedTimeout)
	}
	if tc.MaxConcurrentSessions != 5 {
		t.Fatalf("max concurrent sessions: %d", tc.MaxConcurrentSessions)
	}
	if tc.BatchFreshnessWindow != 5*time.Minute {
		t.Fatalf("batch freshness window: %v", tc.BatchFreshnessWindow)
	}
	if tc.AuditRetention != 90*24*time.Hour {
		t.Fatalf("audit retention: %v", tc.AuditRetention)
	}
}

func TestParseOverridesAndMergesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: ":9090"
defaults:
  session_timeout: 10m
tenants:
  acme:
    max_concurrent_sessions: 2
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Fatalf("listen: %s", cfg.Listen)
	}

	acme := cfg.Tenant("acme")
	if acme.MaxConcurrentSessions != 2 {
		t.Fatalf("acme cap: %d", acme.MaxConcurrentSessions)
	}
	// Unset tenant fields fall back to the defaults section, which itself
	// fell back where the file was silent.
	if acme.SessionTimeout != 10*time.Minute {
		t.Fatalf("acme session timeout: %v", acme.SessionTimeout)
	}
	if acme.AuditRetention != 90*24*time.Hour {
		t.Fatalf("acme audit retention: %v", acme.AuditRetention)
	}

	other := cfg.Tenant("unknown")
	if other.SessionTimeout != 10*time.Minute || other.MaxConcurrentSessions != 5 {
		t.Fatalf("unknown tenant limits: %+v", other)
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("listen: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestReloadableSwap(t *testing.T) {
	r := NewReloadable(Default())
	if got := r.Tenant("t1").MaxConcurrentSessions; got != 5 {
		t.Fatalf("initial cap: %d", got)
	}

	next := Default()
	next.Defaults.MaxConcurrentSessions = 9
	r.current.Store(next)
	if got := r.Tenant("t1").MaxConcurrentSessions; got != 9 {
		t.Fatalf("cap after swap: %d", got)
	}
}
