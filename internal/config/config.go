package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Default configuration values
const (
	DefaultRelayURL = "ws://localhost:8484/ws"
	DefaultSTUN     = "stun:stun.l.google.com:19302"

	DefaultNegotiationTimeout = 30 * time.Second
	DefaultDisconnectGrace    = 0 * time.Second
)

// Config holds everything a session needs at startup: where the relay lives
// and which traversal servers the peer connections may use.
type Config struct {
	// RelayURL is the websocket endpoint of the rendezvous service.
	RelayURL string

	// ICE servers for WebRTC
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string

	// NegotiationTimeout bounds how long a link may sit in the negotiating
	// state before it is treated as failed.
	NegotiationTimeout time.Duration

	// DisconnectGrace is how long a link may sit in the transient
	// disconnected state before teardown. Zero means tear down immediately.
	DisconnectGrace time.Duration
}

// Options carries CLI flag overrides into Load.
type Options struct {
	RelayURL   string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	relayURL := firstOf(opts.RelayURL, os.Getenv("RELAY_URL"), DefaultRelayURL)
	if !strings.HasPrefix(relayURL, "ws://") && !strings.HasPrefix(relayURL, "wss://") {
		return nil, fmt.Errorf("relay URL must be a ws:// or wss:// endpoint, got %q", relayURL)
	}

	stun := firstOf(opts.STUNServer, os.Getenv("STUN_SERVER"), DefaultSTUN)

	cfg := &Config{
		RelayURL:           relayURL,
		STUNServers:        strings.Split(stun, ","),
		TURNServer:         firstOf(opts.TURNServer, os.Getenv("TURN_SERVER")),
		TURNUser:           firstOf(opts.TURNUser, os.Getenv("TURN_USERNAME")),
		TURNPass:           firstOf(opts.TURNPass, os.Getenv("TURN_PASSWORD")),
		NegotiationTimeout: DefaultNegotiationTimeout,
		DisconnectGrace:    DefaultDisconnectGrace,
	}

	if v := os.Getenv("NEGOTIATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid NEGOTIATION_TIMEOUT: %w", err)
		}
		cfg.NegotiationTimeout = d
	}

	if v := os.Getenv("DISCONNECT_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DISCONNECT_GRACE: %w", err)
		}
		cfg.DisconnectGrace = d
	}

	return cfg, nil
}

// ICEServers assembles the pion ICE server list from the configured STUN and
// optional TURN endpoints.
func (c *Config) ICEServers() []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: c.STUNServers}}

	if c.TURNServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs: []string{
				fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
				fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
			},
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}

	return servers
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
