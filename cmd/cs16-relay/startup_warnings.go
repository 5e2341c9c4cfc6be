package main

import (
	"log/slog"

	"github.com/cs16web/relay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthToken == "" {
		logger.Warn("startup security warning: RELAY_AUTH_TOKEN is unset, signaling is unauthenticated",
			"warning_code", "auth_token_unset",
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: RELAY_ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
		)
	}

	for _, cidr := range cfg.BackendCIDRs {
		if cidr == "0.0.0.0/0" || cidr == "::/0" {
			logger.Warn("startup security warning: RELAY_ALLOWED_BACKENDS contains a catch-all CIDR (relays UDP to any address)",
				"warning_code", "backend_cidr_catch_all",
				"backend_cidrs", cfg.BackendCIDRs,
			)
			break
		}
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
