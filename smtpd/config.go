// Package smtpd implements the connection acceptor and graceful-shutdown lifecycle that sit in front of the smtp
// package's session state machine: a bounded-concurrency accept loop, an optional PROXY protocol preamble
// dispatcher, a session registry, and a three-phase shutdown sequence.
package smtpd

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/smtpgate/smtpgate/metrics"
	"github.com/smtpgate/smtpgate/proxyproto"
	"github.com/smtpgate/smtpgate/smtp"
)

// slack is the number of extra permits granted beyond MaxConnections, absorbing the brief overlap between a
// session finishing and its permit being released versus the next Accept already having been issued.
const slack = 10

// ServerConfig enumerates every option the acceptor and the sessions it spawns recognise. It is the library's
// single point of configuration; CLI flags, environment variables, and config files are the host's concern.
type ServerConfig struct {
	ListenAddr string
	ListenPort int

	// MaxConnections bounds the number of sessions served concurrently (the acceptor additionally grants `slack`
	// permits beyond this to absorb in-flight teardown).
	MaxConnections int
	MaxMessageSize int64
	MaxRecipients  int

	EnableTLS         bool
	RequireTLS        bool
	RequireAuth       bool
	RequireClientCert bool
	TLSConfig         *tls.Config

	Banner           string
	ServerName       string
	ServerThreadName string

	ConnectTimeout time.Duration
	ReplyTimeout   time.Duration

	ProxyMode            proxyproto.Mode
	ProxyV2MaxDataLength int

	// DebugCaptureBytes forwards to smtp.Config.DebugCaptureBytes for every session this acceptor spawns.
	DebugCaptureBytes int

	Handler     smtp.MessageHandler
	AuthHandler smtp.AuthenticationHandler
	// TLSUpgrader overrides the production smtp.StandardTLSUpgrader built from TLSConfig. Tests substitute a fake
	// here; production callers normally leave it nil and supply TLSConfig instead.
	TLSUpgrader smtp.TLSUpgrader

	// Metrics is optional; a nil value disables instrumentation entirely (every Collectors method tolerates a nil
	// receiver), so a host that does not care about prometheus can simply leave this unset.
	Metrics *metrics.Collectors
}

// validate checks the configuration for the combinations that would make the acceptor unable to start or unsafe
// to run, mirroring the fail-fast validation smtpd.Daemon.Initialise performs in the teacher.
func (cfg *ServerConfig) validate() error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("smtpd: ListenAddr must not be empty")
	}
	if cfg.ListenPort < 1 {
		return fmt.Errorf("smtpd: ListenPort must be greater than 0")
	}
	if cfg.MaxConnections < 1 {
		return fmt.Errorf("smtpd: MaxConnections must be greater than 0")
	}
	if cfg.Handler == nil {
		return fmt.Errorf("smtpd: Handler must be configured")
	}
	if cfg.EnableTLS && cfg.TLSConfig == nil && cfg.TLSUpgrader == nil {
		return fmt.Errorf("smtpd: EnableTLS requires TLSConfig or TLSUpgrader")
	}
	if cfg.RequireTLS && !cfg.EnableTLS {
		return fmt.Errorf("smtpd: RequireTLS requires EnableTLS")
	}
	if cfg.ProxyMode != proxyproto.Disabled && cfg.ProxyMode != proxyproto.Permissive && cfg.ProxyMode != proxyproto.Required {
		return fmt.Errorf("smtpd: unrecognised ProxyMode %v", cfg.ProxyMode)
	}
	return nil
}

// withDefaults fills in zero-valued tunables, same spirit as smtp.Config.withDefaults.
func (cfg ServerConfig) withDefaults() ServerConfig {
	if cfg.ConnectTimeout < 1 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReplyTimeout < 1 {
		cfg.ReplyTimeout = 2 * time.Minute
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "localhost"
	}
	if cfg.ServerThreadName == "" {
		cfg.ServerThreadName = "smtpd"
	}
	if cfg.ProxyV2MaxDataLength <= 0 {
		cfg.ProxyV2MaxDataLength = proxyproto.DefaultMaxV2DataLength
	}
	return cfg
}

// sessionConfig builds the smtp.Config shared by every session this acceptor spawns.
func (cfg ServerConfig) sessionConfig() smtp.Config {
	upgrader := cfg.TLSUpgrader
	if upgrader == nil && cfg.TLSConfig != nil {
		upgrader = smtp.StandardTLSUpgrader{Config: cfg.TLSConfig}
	}
	return smtp.Config{
		ServerName:        cfg.ServerName,
		Banner:            cfg.Banner,
		IOTimeout:         cfg.ReplyTimeout,
		MaxMessageSize:    cfg.MaxMessageSize,
		MaxRecipients:     cfg.MaxRecipients,
		EnableTLS:         cfg.EnableTLS,
		RequireTLS:        cfg.RequireTLS,
		RequireAuth:       cfg.RequireAuth,
		RequireClientCert: cfg.RequireClientCert,
		TLSUpgrader:       upgrader,
		Handler:           cfg.Handler,
		AuthHandler:       cfg.AuthHandler,
		DebugCaptureBytes: cfg.DebugCaptureBytes,
	}
}
