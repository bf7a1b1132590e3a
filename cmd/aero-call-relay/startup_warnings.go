package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.RelayConfig) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication (any client may connect as any endpoint)",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: max message bytes is very large (increases per-frame allocation risk)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && cfg.TURNREST.TTL > 24*time.Hour {
		logger.Warn("startup security warning: TURN REST credential TTL is longer than a day (leaked credentials stay usable)",
			"warning_code", "turn_rest_ttl_large",
			"turn_rest_ttl", cfg.TURNREST.TTL,
			"mode", cfg.Mode,
		)
	}
}
