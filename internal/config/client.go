package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarRelayURL            = "AERO_CALL_RELAY_URL"
	envVarEndpoint            = "AERO_CALL_ENDPOINT"
	envVarClientAPIKey        = "AERO_CALL_API_KEY"
	envVarMode                = "AERO_CALL_MODE"
	envVarLogFormat           = "AERO_CALL_LOG_FORMAT"
	envVarLogLevel            = "AERO_CALL_LOG_LEVEL"
	envVarPreferredAudioCodec = "AERO_CALL_PREFERRED_AUDIO_CODEC"
	envVarDisableTURN         = "AERO_CALL_DISABLE_TURN"
	envVarMetricsAddr         = "AERO_CALL_METRICS_ADDR"
	envVarShutdownTimeout     = "AERO_CALL_SHUTDOWN_TIMEOUT"

	// Request serializer.
	envVarMaxRequestBytes       = "AERO_CALL_MAX_REQUEST_BYTES"
	envVarRateLimitRetries      = "AERO_CALL_RATE_LIMIT_RETRIES"
	envVarRateLimitDefaultDelay = "AERO_CALL_RATE_LIMIT_DEFAULT_DELAY"
	envVarRequestTimeout        = "AERO_CALL_REQUEST_TIMEOUT"

	// Relay connection.
	envVarReconnectMinDelay = "AERO_CALL_RECONNECT_MIN_DELAY"
	envVarReconnectMaxDelay = "AERO_CALL_RECONNECT_MAX_DELAY"
	envVarPingInterval      = "AERO_CALL_PING_INTERVAL"

	envVarSessionConnectTimeout = "AERO_CALL_SESSION_CONNECT_TIMEOUT"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"

	envVarDataChannelMaxMessageBytes      = "WEBRTC_DATACHANNEL_MAX_MESSAGE_BYTES"
	envVarWebRTCSCTPMaxReceiveBufferBytes = "WEBRTC_SCTP_MAX_RECEIVE_BUFFER_BYTES"
)

const (
	DefaultRelayURL              = "ws://127.0.0.1:8080"
	DefaultPreferredAudioCodec   = "opus"
	DefaultMaxRequestBytes       = 20000
	DefaultRateLimitRetries      = 3
	DefaultRateLimitDefaultDelay = 1000 * time.Millisecond
	DefaultRequestTimeout        = 10 * time.Second
	DefaultReconnectMinDelay     = 500 * time.Millisecond
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultPingInterval          = 20 * time.Second
	DefaultSessionConnectTimeout = 30 * time.Second
	DefaultWebRTCUDPListenIP     = "0.0.0.0"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// Config is the call client configuration.
type Config struct {
	Logging

	RelayURL        string
	Endpoint        string
	APIKey          string
	MetricsAddr     string
	ShutdownTimeout time.Duration

	PreferredAudioCodec string
	DisableTURN         bool

	// MaxRequestBytes rejects relay requests whose encoded body exceeds it
	// before they are queued.
	MaxRequestBytes       int
	RateLimitRetries      int
	RateLimitDefaultDelay time.Duration
	RequestTimeout        time.Duration

	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	PingInterval      time.Duration

	// SessionConnectTimeout bounds how long a call may stay unconnected.
	SessionConnectTimeout time.Duration

	ICEServers []webrtc.ICEServer

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange           *UDPPortRange
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType
	WebRTCUDPListenIP            net.IP

	DataChannelMaxMessageBytes      int
	WebRTCSCTPMaxReceiveBufferBytes int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault, logFormatDefault, logLevelDefault := loggingDefaults(lookup, envVarMode, envVarLogFormat, envVarLogLevel)

	relayURL := envOrDefault(lookup, envVarRelayURL, DefaultRelayURL)
	endpoint := envOrDefault(lookup, envVarEndpoint, "")
	apiKey := envOrDefault(lookup, envVarClientAPIKey, "")
	metricsAddr := envOrDefault(lookup, envVarMetricsAddr, "")
	preferredAudioCodec := envOrDefault(lookup, envVarPreferredAudioCodec, DefaultPreferredAudioCodec)
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	portMinStr := envOrDefault(lookup, envVarWebRTCUDPPortMin, "")
	portMaxStr := envOrDefault(lookup, envVarWebRTCUDPPortMax, "")
	nat1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	nat1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))
	udpListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)

	disableTURN, err := envBoolOrDefault(lookup, envVarDisableTURN, false)
	if err != nil {
		return Config{}, err
	}
	maxRequestBytes, err := envIntOrDefault(lookup, envVarMaxRequestBytes, DefaultMaxRequestBytes)
	if err != nil {
		return Config{}, err
	}
	rateLimitRetries, err := envIntOrDefault(lookup, envVarRateLimitRetries, DefaultRateLimitRetries)
	if err != nil {
		return Config{}, err
	}
	dataChannelMaxMessageBytes, err := envIntOrDefault(lookup, envVarDataChannelMaxMessageBytes, DefaultDataChannelMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	sctpMaxReceiveBufferBytes, err := envIntOrDefault(lookup, envVarWebRTCSCTPMaxReceiveBufferBytes, 0)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	rateLimitDefaultDelay, err := envDurationOrDefault(lookup, envVarRateLimitDefaultDelay, DefaultRateLimitDefaultDelay)
	if err != nil {
		return Config{}, err
	}
	requestTimeout, err := envDurationOrDefault(lookup, envVarRequestTimeout, DefaultRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	reconnectMinDelay, err := envDurationOrDefault(lookup, envVarReconnectMinDelay, DefaultReconnectMinDelay)
	if err != nil {
		return Config{}, err
	}
	reconnectMaxDelay, err := envDurationOrDefault(lookup, envVarReconnectMaxDelay, DefaultReconnectMaxDelay)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval)
	if err != nil {
		return Config{}, err
	}
	sessionConnectTimeout, err := envDurationOrDefault(lookup, envVarSessionConnectTimeout, DefaultSessionConnectTimeout)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("aero-call-client", flag.ContinueOnError)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)
	fs.StringVar(&relayURL, "relay-url", relayURL, "Relay base URL, ws:// or wss:// (env "+envVarRelayURL+")")
	fs.StringVar(&endpoint, "endpoint", endpoint, "Local endpoint id (env "+envVarEndpoint+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "Relay API key (env "+envVarClientAPIKey+")")
	fs.StringVar(&metricsAddr, "metrics-addr", metricsAddr, "Optional HTTP listen address for /metrics and health routes (env "+envVarMetricsAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&preferredAudioCodec, "preferred-audio-codec", preferredAudioCodec, "Audio codec moved to the front of the offered m=audio formats (env "+envVarPreferredAudioCodec+")")
	fs.BoolVar(&disableTURN, "disable-turn", disableTURN, "Skip fetching TURN credentials from the relay (env "+envVarDisableTURN+")")
	fs.IntVar(&maxRequestBytes, "max-request-bytes", maxRequestBytes, "Max encoded relay request body size in bytes (env "+envVarMaxRequestBytes+")")
	fs.IntVar(&rateLimitRetries, "rate-limit-retries", rateLimitRetries, "Retries for a rate-limited relay request before failing, 0 disables (env "+envVarRateLimitRetries+")")
	fs.DurationVar(&rateLimitDefaultDelay, "rate-limit-default-delay", rateLimitDefaultDelay, "Retry delay when a 429 carries no RateLimit-Reset header (env "+envVarRateLimitDefaultDelay+")")
	fs.DurationVar(&requestTimeout, "request-timeout", requestTimeout, "Max time to wait for a relay response (env "+envVarRequestTimeout+")")
	fs.DurationVar(&reconnectMinDelay, "reconnect-min-delay", reconnectMinDelay, "Initial relay reconnect backoff (env "+envVarReconnectMinDelay+")")
	fs.DurationVar(&reconnectMaxDelay, "reconnect-max-delay", reconnectMaxDelay, "Max relay reconnect backoff (env "+envVarReconnectMaxDelay+")")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "WebSocket ping interval on the relay connection (env "+envVarPingInterval+")")
	fs.DurationVar(&sessionConnectTimeout, "session-connect-timeout", sessionConnectTimeout, "Hang up calls that have not connected within this duration (env "+envVarSessionConnectTimeout+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&portMinStr, "webrtc-udp-port-min", portMinStr, "Min UDP port for WebRTC ICE (env "+envVarWebRTCUDPPortMin+")")
	fs.StringVar(&portMaxStr, "webrtc-udp-port-max", portMaxStr, "Max UDP port for WebRTC ICE (env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&nat1To1IPsStr, "webrtc-nat-1to1-ips", nat1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&nat1To1CandidateTypeStr, "webrtc-nat-1to1-ip-candidate-type", nat1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	fs.StringVar(&udpListenIPStr, "webrtc-udp-listen-ip", udpListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.IntVar(&dataChannelMaxMessageBytes, "webrtc-datachannel-max-message-bytes", dataChannelMaxMessageBytes, "Max direct-connection DataChannel message size in bytes (env "+envVarDataChannelMaxMessageBytes+")")
	fs.IntVar(&sctpMaxReceiveBufferBytes, "webrtc-sctp-max-receive-buffer-bytes", sctpMaxReceiveBufferBytes, "Max SCTP receive buffer size in bytes (0 = auto; env "+envVarWebRTCSCTPMaxReceiveBufferBytes+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	explicit := visitedFlags(fs)

	logging, err := resolveLogging(modeStr, logFormatStr, logLevelStr,
		explicit["log-format"] || envSet(lookup, envVarLogFormat),
		explicit["log-level"] || envSet(lookup, envVarLogLevel))
	if err != nil {
		return Config{}, err
	}

	relayURL = strings.TrimRight(strings.TrimSpace(relayURL), "/")
	u, err := url.Parse(relayURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return Config{}, fmt.Errorf("invalid relay url %q (expected ws:// or wss:// URL)", relayURL)
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return Config{}, fmt.Errorf("endpoint is required (--endpoint or %s)", envVarEndpoint)
	}
	if maxRequestBytes <= 0 {
		return Config{}, fmt.Errorf("max request bytes must be > 0")
	}
	if rateLimitRetries < 0 {
		return Config{}, fmt.Errorf("rate limit retries must be >= 0")
	}
	if rateLimitDefaultDelay < 0 || requestTimeout <= 0 || pingInterval <= 0 || sessionConnectTimeout <= 0 {
		return Config{}, errors.New("timeouts and intervals must be > 0")
	}
	if reconnectMinDelay <= 0 || reconnectMaxDelay < reconnectMinDelay {
		return Config{}, fmt.Errorf("invalid reconnect backoff %s..%s", reconnectMinDelay, reconnectMaxDelay)
	}
	if strings.TrimSpace(preferredAudioCodec) == "" {
		return Config{}, errors.New("preferred audio codec must not be empty")
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, false)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Logging:               logging,
		RelayURL:              relayURL,
		Endpoint:              endpoint,
		APIKey:                apiKey,
		MetricsAddr:           strings.TrimSpace(metricsAddr),
		ShutdownTimeout:       shutdownTimeout,
		PreferredAudioCodec:   strings.TrimSpace(preferredAudioCodec),
		DisableTURN:           disableTURN,
		MaxRequestBytes:       maxRequestBytes,
		RateLimitRetries:      rateLimitRetries,
		RateLimitDefaultDelay: rateLimitDefaultDelay,
		RequestTimeout:        requestTimeout,
		ReconnectMinDelay:     reconnectMinDelay,
		ReconnectMaxDelay:     reconnectMaxDelay,
		PingInterval:          pingInterval,
		SessionConnectTimeout: sessionConnectTimeout,
		ICEServers:            iceServers,
	}

	if err := applyWebRTCNetwork(&cfg, portMinStr, portMaxStr, nat1To1IPsStr, nat1To1CandidateTypeStr, udpListenIPStr); err != nil {
		return Config{}, err
	}

	if dataChannelMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("datachannel max message bytes must be > 0")
	}
	if sctpMaxReceiveBufferBytes == 0 {
		sctpMaxReceiveBufferBytes = defaultWebRTCSCTPMaxReceiveBufferBytes(dataChannelMaxMessageBytes)
	}
	if sctpMaxReceiveBufferBytes < minWebRTCSCTPReceiveBufferBytes {
		return Config{}, fmt.Errorf("sctp max receive buffer bytes must be >= %d", minWebRTCSCTPReceiveBufferBytes)
	}
	cfg.DataChannelMaxMessageBytes = dataChannelMaxMessageBytes
	cfg.WebRTCSCTPMaxReceiveBufferBytes = sctpMaxReceiveBufferBytes

	return cfg, nil
}

// RelayHTTPURL maps the configured ws(s) relay URL to its http(s) form.
func (c Config) RelayHTTPURL() string {
	switch {
	case strings.HasPrefix(c.RelayURL, "wss://"):
		return "https://" + strings.TrimPrefix(c.RelayURL, "wss://")
	case strings.HasPrefix(c.RelayURL, "ws://"):
		return "http://" + strings.TrimPrefix(c.RelayURL, "ws://")
	default:
		return c.RelayURL
	}
}

func applyWebRTCNetwork(cfg *Config, portMinStr, portMaxStr, nat1To1IPsStr, candidateTypeStr, listenIPStr string) error {
	portMinStr = strings.TrimSpace(portMinStr)
	portMaxStr = strings.TrimSpace(portMaxStr)
	if (portMinStr == "") != (portMaxStr == "") {
		return errors.New("webrtc udp port min and max must be set together")
	}
	if portMinStr != "" {
		min, err := parsePortString(portMinStr)
		if err != nil {
			return fmt.Errorf("webrtc udp port min: %w", err)
		}
		max, err := parsePortString(portMaxStr)
		if err != nil {
			return fmt.Errorf("webrtc udp port max: %w", err)
		}
		if min > max {
			return fmt.Errorf("webrtc udp port range %d-%d is inverted", min, max)
		}
		cfg.WebRTCUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	switch NAT1To1IPCandidateType(strings.ToLower(strings.TrimSpace(candidateTypeStr))) {
	case NAT1To1CandidateTypeHost:
		cfg.WebRTCNAT1To1IPCandidateType = NAT1To1CandidateTypeHost
	case NAT1To1CandidateTypeSrflx:
		cfg.WebRTCNAT1To1IPCandidateType = NAT1To1CandidateTypeSrflx
	default:
		return fmt.Errorf("unknown NAT 1:1 candidate type %q (expected host or srflx)", candidateTypeStr)
	}
	if strings.TrimSpace(nat1To1IPsStr) != "" {
		ips, err := parseIPList(nat1To1IPsStr)
		if err != nil {
			return fmt.Errorf("webrtc nat 1:1 ips: %w", err)
		}
		cfg.WebRTCNAT1To1IPs = ips
	}

	ip := net.ParseIP(strings.TrimSpace(listenIPStr))
	if ip == nil {
		return fmt.Errorf("invalid webrtc udp listen ip %q", listenIPStr)
	}
	cfg.WebRTCUDPListenIP = ip
	return nil
}

func visitedFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}
