package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/cs16web/relay/internal/config"
)

func captureWarnings(cfg config.Config) string {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logStartupWarnings(logger, cfg)
	return buf.String()
}

func TestStartupWarnings_DefaultConfig(t *testing.T) {
	out := captureWarnings(config.Default())

	// Defaults ship without a token and with a wildcard origin.
	if !strings.Contains(out, "auth_token_unset") {
		t.Errorf("missing auth token warning:\n%s", out)
	}
	if !strings.Contains(out, "allowed_origins_wildcard") {
		t.Errorf("missing wildcard origin warning:\n%s", out)
	}
	if strings.Contains(out, "backend_cidr_catch_all") {
		t.Errorf("default CIDRs should not trigger catch-all warning:\n%s", out)
	}
}

func TestStartupWarnings_CatchAllCIDR(t *testing.T) {
	cfg := config.Default()
	cfg.BackendCIDRs = []string{"0.0.0.0/0"}

	if out := captureWarnings(cfg); !strings.Contains(out, "backend_cidr_catch_all") {
		t.Errorf("missing catch-all warning:\n%s", out)
	}
}

func TestStartupWarnings_HardenedConfigIsQuiet(t *testing.T) {
	cfg := config.Default()
	cfg.AuthToken = "sekrit"
	cfg.AllowedOrigins = []string{"https://play.example.com"}

	if out := captureWarnings(cfg); strings.Contains(out, "startup security warning") {
		t.Errorf("hardened config should log no warnings:\n%s", out)
	}
}
