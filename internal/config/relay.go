package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/origin"
)

const (
	envVarRelayListenAddr      = "AERO_CALL_RELAY_LISTEN_ADDR"
	envVarRelayMode            = "AERO_CALL_RELAY_MODE"
	envVarRelayLogFormat       = "AERO_CALL_RELAY_LOG_FORMAT"
	envVarRelayLogLevel        = "AERO_CALL_RELAY_LOG_LEVEL"
	envVarRelayShutdownTimeout = "AERO_CALL_RELAY_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins       = "ALLOWED_ORIGINS"

	envVarAuthMode = "AUTH_MODE"
	envVarAPIKey   = "API_KEY"

	envVarMaxRequestsPerSecond = "MAX_REQUESTS_PER_SECOND"
	envVarRequestBurst         = "REQUEST_BURST"
	envVarMaxMessageBytes      = "MAX_MESSAGE_BYTES"
	envVarWSIdleTimeout        = "WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "WS_PING_INTERVAL"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultAuthMode             AuthMode = AuthModeAPIKey
	DefaultMaxRequestsPerSecond          = 10
	DefaultRequestBurst                  = 20
	DefaultMaxMessageBytes               = int64(64 * 1024)
	DefaultWSIdleTimeout                 = 60 * time.Second
	DefaultWSPingInterval                = 20 * time.Second

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// RelayConfig is the development relay configuration.
type RelayConfig struct {
	Logging

	ListenAddr      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	AuthMode AuthMode
	APIKey   string

	// Per-connection request budget; 429 once exhausted.
	MaxRequestsPerSecond int
	RequestBurst         int

	MaxMessageBytes int64
	WSIdleTimeout   time.Duration
	WSPingInterval  time.Duration

	// ICEServers is advertised by GET /v1/turn. With TURN REST enabled the TURN
	// entries get per-request credentials.
	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig
}

func LoadRelay(args []string) (RelayConfig, error) {
	return loadRelay(os.LookupEnv, args)
}

func loadRelay(lookup func(string) (string, bool), args []string) (RelayConfig, error) {
	modeDefault, logFormatDefault, logLevelDefault := loggingDefaults(lookup, envVarRelayMode, envVarRelayLogFormat, envVarRelayLogLevel)

	listenAddr := envOrDefault(lookup, envVarRelayListenAddr, DefaultRelayListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	turnRESTTTLSeconds, err := envIntOrDefault(lookup, envVarTURNRESTTTLSeconds, int(DefaultTURNRESTTTLSeconds))
	if err != nil {
		return RelayConfig{}, err
	}
	maxRequestsPerSecond, err := envIntOrDefault(lookup, envVarMaxRequestsPerSecond, DefaultMaxRequestsPerSecond)
	if err != nil {
		return RelayConfig{}, err
	}
	requestBurst, err := envIntOrDefault(lookup, envVarRequestBurst, DefaultRequestBurst)
	if err != nil {
		return RelayConfig{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return RelayConfig{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarRelayShutdownTimeout, DefaultShutdown)
	if err != nil {
		return RelayConfig{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return RelayConfig{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return RelayConfig{}, err
	}

	fs := flag.NewFlagSet("aero-call-relay", flag.ContinueOnError)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Auth mode: none or api_key (env "+envVarAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "API key required by --auth-mode=api_key (env "+envVarAPIKey+")")
	fs.IntVar(&maxRequestsPerSecond, "max-requests-per-second", maxRequestsPerSecond, "Per-connection relay request rate (env "+envVarMaxRequestsPerSecond+")")
	fs.IntVar(&requestBurst, "request-burst", requestBurst, "Per-connection relay request burst (env "+envVarRequestBurst+")")
	fs.IntVar(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.IntVar(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return RelayConfig{}, err
	}
	explicit := visitedFlags(fs)

	logging, err := resolveLogging(modeStr, logFormatStr, logLevelStr,
		explicit["log-format"] || envSet(lookup, envVarRelayLogFormat),
		explicit["log-level"] || envSet(lookup, envVarRelayLogLevel))
	if err != nil {
		return RelayConfig{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return RelayConfig{}, err
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return RelayConfig{}, fmt.Errorf("%s is required when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return RelayConfig{}, err
	}

	if maxRequestsPerSecond <= 0 || requestBurst <= 0 {
		return RelayConfig{}, errors.New("request rate and burst must be > 0")
	}
	if maxMessageBytes <= 0 {
		return RelayConfig{}, errors.New("max message bytes must be > 0")
	}
	if wsIdleTimeout <= 0 || wsPingInterval <= 0 || wsPingInterval >= wsIdleTimeout {
		return RelayConfig{}, fmt.Errorf("ws ping interval (%s) must be > 0 and < ws idle timeout (%s)", wsPingInterval, wsIdleTimeout)
	}

	turnREST := TurnRESTConfig{
		SharedSecret:   strings.TrimSpace(turnRESTSharedSecret),
		TTL:            time.Duration(turnRESTTTLSeconds) * time.Second,
		UsernamePrefix: strings.TrimSpace(turnRESTUsernamePrefix),
	}
	if turnREST.Enabled() {
		if turnREST.TTL <= 0 {
			return RelayConfig{}, fmt.Errorf("%s must be > 0", envVarTURNRESTTTLSeconds)
		}
		if turnREST.UsernamePrefix == "" || strings.Contains(turnREST.UsernamePrefix, ":") {
			return RelayConfig{}, fmt.Errorf("%s must be non-empty and must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnREST.Enabled())
	if err != nil {
		return RelayConfig{}, err
	}

	return RelayConfig{
		Logging:              logging,
		ListenAddr:           listenAddr,
		AllowedOrigins:       allowedOrigins,
		ShutdownTimeout:      shutdownTimeout,
		AuthMode:             authMode,
		APIKey:               apiKey,
		MaxRequestsPerSecond: maxRequestsPerSecond,
		RequestBurst:         requestBurst,
		MaxMessageBytes:      int64(maxMessageBytes),
		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		ICEServers:           iceServers,
		TURNREST:             turnREST,
	}, nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
