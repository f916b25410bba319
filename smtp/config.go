package smtp

import "time"

/*
MaxCommandLength is the maximum acceptable length of a command line during an ongoing SMTP conversation. The limit
does not apply to mail message and BDAT chunk payloads, which are governed by Config.MaxMessageSize.
*/
const MaxCommandLength = 4096

// DefaultMaxConsecutiveUnrecognisedCommands is the default tolerance for unknown or malformed commands before a
// session is closed, mirroring the teacher's MaxConsecutiveUnrecognisedCommands default.
const DefaultMaxConsecutiveUnrecognisedCommands = 64

// Config carries the per-session behaviour and fault tolerance tuning knobs. It is constructed once by the host
// (typically via smtpd.ServerConfig) and shared read-only across all sessions spawned by one acceptor.
type Config struct {
	// ServerName is the fully qualified host name used in the greeting banner and EHLO/HELO replies.
	ServerName string
	// Banner is free-form text appended to the "220 <ServerName> ESMTP" greeting line.
	Banner string
	// IOTimeout governs the deadline applied to each read and write operation, matching spec's reply_timeout_ms.
	IOTimeout time.Duration
	// MaxMessageSize is the maximum number of bytes accepted for a single DATA or accumulated BDAT transaction.
	MaxMessageSize int64
	// MaxRecipients caps the number of RCPT TO commands accepted within one mail transaction. Zero means unlimited.
	MaxRecipients int
	// MaxConsecutiveUnrecognisedCommands is the number of unknown or malformed commands tolerated before the
	// session is closed with a 554 reply.
	MaxConsecutiveUnrecognisedCommands int
	// EnableTLS advertises STARTTLS and permits the command to run. RequireTLS additionally refuses MAIL FROM
	// until TLS is active.
	EnableTLS   bool
	RequireTLS  bool
	RequireAuth bool
	// RequireClientCert asks the TLSUpgrader to request and verify a client certificate during STARTTLS.
	RequireClientCert bool
	// TLSUpgrader performs the STARTTLS handshake. Required when EnableTLS is true.
	TLSUpgrader TLSUpgrader
	// Handler receives the envelope of every completed DATA/BDAT transaction. Required.
	Handler MessageHandler
	// AuthHandler services the AUTH command. A nil handler causes AUTH to reply 502.
	AuthHandler AuthenticationHandler
	// DebugCaptureBytes, when greater than zero, keeps that many of the most recent bytes written to the client in
	// a ring buffer retrievable via Session.DebugSnapshot, for diagnosing a misbehaving conversation after the fact.
	// Zero (the default) disables capture entirely at no extra cost.
	DebugCaptureBytes int
}

// withDefaults returns a copy of cfg with zero-valued tunables replaced by sane defaults, the way
// smtpd.Daemon.Initialise fills in smtp.Limits before constructing a connection.
func (cfg Config) withDefaults() Config {
	if cfg.MaxConsecutiveUnrecognisedCommands < 1 {
		cfg.MaxConsecutiveUnrecognisedCommands = DefaultMaxConsecutiveUnrecognisedCommands
	}
	if cfg.MaxMessageSize < 1 {
		cfg.MaxMessageSize = 2 * 1024 * 1024
	}
	if cfg.IOTimeout < 1 {
		cfg.IOTimeout = 2 * time.Minute
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "localhost"
	}
	return cfg
}
