package smtp

import (
	"bufio"
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/smtpgate/smtpgate/lalog"
)

// stage tracks how far the current mail transaction has progressed. It is distinct from helo/tlsActive, which
// persist across RSET and across successive mail transactions within one TCP connection.
type stage int

const (
	stageInitial stage = iota
	stageHelo
	stageMail
	stageRcpt
)

// Session owns one accepted connection plus the mutable SMTP conversation state attached to it. A Session is used
// by exactly one goroutine for its entire lifetime; the only methods safe to call from another goroutine are Quit
// and SessionID.
type Session struct {
	cfg       Config
	logger    lalog.Logger
	sessionID string

	conn   net.Conn
	reader *bufio.Reader

	realRemoteAddr     net.Addr
	declaredRemoteAddr net.Addr

	helo       string
	from       string
	hasFrom    bool
	recipients []string
	tlsActive  bool
	peerCerts  []*x509.Certificate

	authenticated bool

	stage       stage
	badCmds     int
	bdatBuf     bytes.Buffer
	quitRequested int32

	// capture, when non-nil, keeps the latest bytes this session wrote to the client for post-mortem diagnostics;
	// see Config.DebugCaptureBytes.
	capture *lalog.ByteLogWriter
}

// NewSession constructs a Session ready to be driven by Serve. declaredRemoteAddr is the address the session
// should report to the MessageHandler and future log lines; it equals realRemoteAddr unless a PROXY protocol
// preamble rewrote it before this call.
func NewSession(conn net.Conn, cfg Config, sessionID string, declaredRemoteAddr net.Addr) *Session {
	return NewSessionWithReader(conn, bufio.NewReader(conn), cfg, sessionID, declaredRemoteAddr)
}

// NewSessionWithReader is like NewSession but reuses an existing *bufio.Reader already wrapping conn. The acceptor
// uses this when a PROXY protocol dispatcher has already peeked (and possibly consumed) leading bytes of the
// connection through its own bufio.Reader: constructing a second, independent bufio.Reader over the same conn
// would silently drop whatever the first one had already buffered.
func NewSessionWithReader(conn net.Conn, reader *bufio.Reader, cfg Config, sessionID string, declaredRemoteAddr net.Addr) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:                cfg,
		logger:             lalog.Logger{ComponentName: "smtp.Session", ComponentID: []lalog.LoggerIDField{{Key: "ID", Value: sessionID}}},
		sessionID:          sessionID,
		conn:               conn,
		reader:             reader,
		realRemoteAddr:     conn.RemoteAddr(),
		declaredRemoteAddr: declaredRemoteAddr,
	}
	if s.declaredRemoteAddr == nil {
		s.declaredRemoteAddr = s.realRemoteAddr
	}
	if cfg.DebugCaptureBytes > 0 {
		s.capture = lalog.NewByteLogWriter(conn, cfg.DebugCaptureBytes)
	}
	return s
}

// DebugSnapshot returns the latest bytes this session wrote to its client, printable ASCII only, for inclusion in
// diagnostics. It returns nil unless Config.DebugCaptureBytes was set.
func (s *Session) DebugSnapshot() []byte {
	if s.capture == nil {
		return nil
	}
	return s.capture.Retrieve(true)
}

// replyWriter is where reply() and the DATA/BDAT phases write outbound bytes: the capture tee if debug capture is
// enabled, otherwise the raw connection.
func (s *Session) replyWriter() io.Writer {
	if s.capture != nil {
		return s.capture
	}
	return s.conn
}

// SessionID returns the opaque identifier used to correlate this session's log lines.
func (s *Session) SessionID() string { return s.sessionID }

// DeclaredRemoteAddr returns the address in effect for this session, i.e. the PROXY-declared address if one was
// supplied, otherwise the real TCP peer.
func (s *Session) DeclaredRemoteAddr() net.Addr { return s.declaredRemoteAddr }

// Quit cooperatively asks the session to terminate: it arranges for the session's next (or already in-flight)
// read to fail immediately so that Serve can emit 421 and return. Safe to call from any goroutine, any number of
// times, including concurrently with Serve.
func (s *Session) Quit() {
	atomic.StoreInt32(&s.quitRequested, 1)
	// Forcing the deadline into the past unblocks a read that is already parked in the kernel without needing a
	// second channel between this goroutine and Serve's.
	_ = s.conn.SetReadDeadline(time.Now())
}

func (s *Session) quitWasRequested() bool {
	return atomic.LoadInt32(&s.quitRequested) != 0
}

// reply writes one SMTP reply line. final selects '-' (continuation) vs ' ' (last line of a multi-line reply).
func (s *Session) reply(code int, final bool, text string) error {
	sep := "-"
	if final {
		sep = " "
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout))
	_, err := fmt.Fprintf(s.replyWriter(), "%d%s%s\r\n", code, sep, text)
	return err
}

func (s *Session) replyOK(code int, text string) error { return s.reply(code, true, text) }

// Serve drives the SMTP conversation to completion: greeting, command dispatch, DATA/BDAT transactions, optional
// STARTTLS, and QUIT. It returns nil after a normal QUIT, and a non-nil error (wrapping one of the error kinds in
// errors.go) for every other way the session ends. The caller is responsible for closing the underlying
// connection; Serve never closes it itself except as a side effect of the STARTTLS socket swap.
func (s *Session) Serve() error {
	banner := s.cfg.Banner
	if banner == "" {
		banner = "smtpgate"
	}
	if err := s.reply(220, true, fmt.Sprintf("%s ESMTP %s", s.cfg.ServerName, banner)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	for {
		line, err := s.readCommandLine()
		if err != nil {
			if errors.Is(err, ErrProtocolSyntax) {
				_ = s.replyOK(500, "Line too long")
				continue
			}
			if s.quitWasRequested() {
				_ = s.reply(421, true, "Service closing transmission channel")
				return ErrShutdown
			}
			return err
		}

		cmd := parseConversationCommand(line)
		if cmd.Verb == VerbUnknown {
			s.badCmds++
			_ = s.replyOK(500, "Command not recognized")
			if s.badCmds > s.cfg.MaxConsecutiveUnrecognisedCommands {
				_ = s.replyOK(554, "Too many unrecognized commands")
				return fmt.Errorf("%w: too many unrecognized commands", ErrProtocolSyntax)
			}
			continue
		}
		if cmd.ErrorInfo != "" {
			err := fmt.Errorf("%w: %s", ErrProtocolSyntax, cmd.ErrorInfo)
			s.logger.Warning(s.sessionID, err, "rejecting malformed command")
			s.badCmds++
			_ = s.replyOK(501, cmd.ErrorInfo)
			if s.badCmds > s.cfg.MaxConsecutiveUnrecognisedCommands {
				_ = s.replyOK(554, "Too many unrecognized commands")
				return fmt.Errorf("%w: too many malformed commands", ErrProtocolSyntax)
			}
			continue
		}
		s.badCmds = 0

		done, err := s.dispatch(cmd)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// dispatch handles exactly one parsed command. The bool return is true when the session should end normally
// (QUIT), the error return is non-nil when the session must end abnormally.
func (s *Session) dispatch(cmd protocolCommand) (bool, error) {
	switch cmd.Verb {
	case VerbHELO, VerbEHLO:
		s.helo = cmd.Parameter
		s.from, s.hasFrom, s.recipients = "", false, nil
		s.stage = stageHelo
		if cmd.Verb == VerbHELO {
			return false, wrapWriteErr(s.replyOK(250, s.cfg.ServerName))
		}
		_ = s.reply(250, false, s.cfg.ServerName+" greets "+s.helo)
		_ = s.reply(250, false, "8BITMIME")
		_ = s.reply(250, false, "PIPELINING")
		if s.cfg.MaxMessageSize > 0 {
			_ = s.reply(250, false, fmt.Sprintf("SIZE %d", s.cfg.MaxMessageSize))
		}
		if s.cfg.EnableTLS && !s.tlsActive {
			_ = s.reply(250, false, "STARTTLS")
		}
		if s.cfg.AuthHandler != nil {
			_ = s.reply(250, false, "AUTH PLAIN LOGIN")
		}
		return false, wrapWriteErr(s.replyOK(250, "OK"))

	case VerbMAILFROM:
		if s.stage < stageHelo {
			return s.stateError(ErrProtocolState, 503, "Error: need HELO/EHLO command")
		}
		if s.cfg.RequireTLS && !s.tlsActive {
			return s.stateError(ErrTLSRequired, 530, "Must issue a STARTTLS command first")
		}
		if s.cfg.RequireAuth && !s.authenticated {
			return s.stateError(ErrAuthRequired, 530, "Authentication required")
		}
		s.from = cmd.Parameter
		s.hasFrom = true
		s.recipients = nil
		s.stage = stageMail
		return false, wrapWriteErr(s.replyOK(250, "OK"))

	case VerbRCPTTO:
		if s.stage != stageMail && s.stage != stageRcpt {
			return s.stateError(ErrProtocolState, 503, "Error: need MAIL command")
		}
		if s.cfg.MaxRecipients > 0 && len(s.recipients) >= s.cfg.MaxRecipients {
			return false, wrapWriteErr(s.replyOK(452, "Too many recipients"))
		}
		s.recipients = append(s.recipients, cmd.Parameter)
		s.stage = stageRcpt
		return false, wrapWriteErr(s.replyOK(250, "OK"))

	case VerbDATA:
		if s.stage != stageRcpt || len(s.recipients) == 0 {
			return s.stateError(ErrProtocolState, 503, "Error: need RCPT command")
		}
		return s.runDataPhase()

	case VerbBDAT:
		if s.stage != stageRcpt || len(s.recipients) == 0 {
			return s.stateError(ErrProtocolState, 503, "Error: need RCPT command")
		}
		return s.runBdatChunk(cmd.Parameter)

	case VerbRSET:
		s.from, s.hasFrom, s.recipients = "", false, nil
		s.bdatBuf.Reset()
		if s.stage != stageInitial {
			s.stage = stageHelo
		}
		return false, wrapWriteErr(s.replyOK(250, "OK"))

	case VerbNOOP:
		return false, wrapWriteErr(s.replyOK(250, "OK"))

	case VerbVRFY, VerbEXPN, VerbHELP:
		return false, wrapWriteErr(s.replyOK(502, "Command not implemented"))

	case VerbAUTH:
		return false, s.runAuth(cmd.Parameter)

	case VerbSTARTTLS:
		return s.runStartTLS()

	case VerbQUIT:
		_ = s.replyOK(221, "Bye")
		return true, nil
	}
	return false, wrapWriteErr(s.replyOK(500, "Command not recognized"))
}

// readCommandLine arms the per-command read deadline and reads one CRLF-terminated line, bounded by
// MaxCommandLength. Every command-phase read (the main loop and AUTH's continuation reads) goes through here so
// none of them can block past Config.IOTimeout.
func (s *Session) readCommandLine() (string, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IOTimeout))
	// Checked after arming the deadline: a Quit that lands after this check still forces the read below to fail.
	if s.quitWasRequested() {
		return "", ErrShutdown
	}
	return readCRLFLine(s.reader, MaxCommandLength)
}

// clampToInt converts an int64 byte limit into a safe int bound for readCRLFLine, never overflowing on 32-bit
// platforms and never underflowing for a non-positive limit.
func clampToInt(n int64) int {
	if n <= 0 || n > int64(math.MaxInt32) {
		return math.MaxInt32
	}
	return int(n)
}

// wrapWriteErr turns a reply-write failure into an ErrTransport so Serve's caller can distinguish it from a
// successfully-delivered protocol-level reply.
func wrapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// stateError logs and replies to a command rejected for a policy or ordering reason (kind is one of
// ErrProtocolState, ErrAuthRequired, ErrTLSRequired), then lets the session continue: per spec §7, these
// conditions are recovered locally, the wrapped sentinel is only ever surfaced to the logger, never propagated
// up through dispatch as a session-ending error.
func (s *Session) stateError(kind error, code int, text string) (bool, error) {
	err := fmt.Errorf("%w: %s", kind, text)
	s.logger.Warning(s.sessionID, err, "rejecting command")
	return false, wrapWriteErr(s.replyOK(code, text))
}

// runAuth implements a minimal AUTH PLAIN/LOGIN exchange, delegating the credential check to cfg.AuthHandler. A
// nil AuthHandler means AUTH was never configured by the host, so it is refused outright.
func (s *Session) runAuth(arg string) error {
	if s.cfg.AuthHandler == nil {
		return wrapWriteErr(s.replyOK(502, "Command not implemented"))
	}
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return wrapWriteErr(s.replyOK(501, "Syntax: AUTH mechanism"))
	}
	mechanism := strings.ToUpper(fields[0])
	var credential string
	switch mechanism {
	case "PLAIN":
		if len(fields) >= 2 {
			credential = fields[1]
		} else {
			if err := s.replyOK(334, ""); err != nil {
				return wrapWriteErr(err)
			}
			line, err := s.readCommandLine()
			if err != nil {
				return err
			}
			credential = line
		}
	case "LOGIN":
		if err := s.replyOK(334, base64.StdEncoding.EncodeToString([]byte("Username:"))); err != nil {
			return wrapWriteErr(err)
		}
		user, err := s.readCommandLine()
		if err != nil {
			return err
		}
		if err := s.replyOK(334, base64.StdEncoding.EncodeToString([]byte("Password:"))); err != nil {
			return wrapWriteErr(err)
		}
		pass, err := s.readCommandLine()
		if err != nil {
			return err
		}
		credential = user + "\x00" + pass
	default:
		return wrapWriteErr(s.replyOK(504, "Unrecognized authentication mechanism"))
	}
	if s.cfg.AuthHandler.Authenticate(mechanism, credential) {
		s.authenticated = true
		return wrapWriteErr(s.replyOK(235, "Authentication successful"))
	}
	return wrapWriteErr(s.replyOK(535, "Authentication credentials invalid"))
}

// runStartTLS performs the RFC 3207 in-place TLS upgrade: a plaintext 220 reply, a handshake over the existing
// socket via cfg.TLSUpgrader, and a replacement of the session's reader so that every subsequent byte flows
// through the encrypted connection. SMTP state is reset per RFC 3207: the client must EHLO again.
func (s *Session) runStartTLS() (bool, error) {
	if !s.cfg.EnableTLS || s.tlsActive {
		return false, wrapWriteErr(s.replyOK(502, "Command not implemented"))
	}
	if err := s.replyOK(220, "Ready to start TLS"); err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	_ = s.conn.SetDeadline(time.Now().Add(s.cfg.IOTimeout))
	upgraded, state, err := s.cfg.TLSUpgrader.Upgrade(s.conn, s.cfg.RequireClientCert)
	if err != nil {
		// Per RFC 3207, a handshake failure after the 220 reply cannot be reported to the client: the 220
		// already committed the connection to negotiating TLS next.
		s.logger.Warning(s.sessionID, err, "TLS handshake failed")
		return false, fmt.Errorf("%w: TLS handshake: %v", ErrTransport, err)
	}
	_ = s.conn.SetDeadline(time.Time{})
	s.conn = upgraded
	s.reader = bufio.NewReader(upgraded)
	if s.capture != nil {
		s.capture = lalog.NewByteLogWriter(upgraded, s.cfg.DebugCaptureBytes)
	}
	s.tlsActive = true
	if state.PeerCertificates != nil {
		s.peerCerts = state.PeerCertificates
	} else {
		s.peerCerts = nil
	}
	s.helo, s.from, s.hasFrom, s.recipients = "", "", false, nil
	s.stage = stageInitial
	s.bdatBuf.Reset()
	return false, nil
}

// runDataPhase reads the dot-stuffed DATA payload to completion, hands it to the MessageHandler, and replies with
// the handler's verdict. recipients/from are cleared regardless of the handler's verdict, per spec invariant 5.
func (s *Session) runDataPhase() (bool, error) {
	if err := s.replyOK(354, "End data with <CRLF>.<CRLF>"); err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	var payload bytes.Buffer
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IOTimeout))
		// DATA payload lines are governed by MaxMessageSize, not MaxCommandLength: a legitimate body line can
		// be far longer than a command line ever could be.
		line, err := readCRLFLine(s.reader, clampToInt(s.cfg.MaxMessageSize))
		if err != nil {
			return false, err
		}
		if line == "." {
			break
		}
		payload.WriteString(deStuffLine(line))
		payload.WriteString("\r\n")
		if int64(payload.Len()) > s.cfg.MaxMessageSize {
			_ = s.replyOK(552, "Message size exceeds fixed maximum message size")
			return false, fmt.Errorf("%w: during DATA", ErrMessageTooLarge)
		}
	}
	return s.deliver(payload.Bytes())
}

// runBdatChunk implements one BDAT command: "<size> [LAST]". It reads exactly size raw octets (no dot-stuffing,
// no CRLF framing) into the session's accumulation buffer, and delivers the assembled message once LAST appears.
func (s *Session) runBdatChunk(arg string) (bool, error) {
	fields := strings.Fields(arg)
	if len(fields) == 0 || len(fields) > 2 {
		return false, wrapWriteErr(s.replyOK(501, "Syntax: BDAT size [LAST]"))
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		return false, wrapWriteErr(s.replyOK(501, "Syntax: BDAT size [LAST]"))
	}
	last := false
	if len(fields) == 2 {
		if !strings.EqualFold(fields[1], "LAST") {
			return false, wrapWriteErr(s.replyOK(501, "Syntax: BDAT size [LAST]"))
		}
		last = true
	}
	if int64(s.bdatBuf.Len())+size > s.cfg.MaxMessageSize {
		_ = s.replyOK(552, "Message size exceeds fixed maximum message size")
		return false, fmt.Errorf("%w: during BDAT", ErrMessageTooLarge)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IOTimeout))
	if size > 0 {
		if _, err := io.CopyN(&s.bdatBuf, s.reader, size); err != nil {
			return false, fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
	if !last {
		return false, wrapWriteErr(s.replyOK(250, fmt.Sprintf("OK, %d octets received so far", s.bdatBuf.Len())))
	}
	data := make([]byte, s.bdatBuf.Len())
	copy(data, s.bdatBuf.Bytes())
	s.bdatBuf.Reset()
	return s.deliver(data)
}

// deliver hands a completed DATA/BDAT payload to the host's MessageHandler and clears the mail transaction state
// regardless of the handler's verdict.
func (s *Session) deliver(data []byte) (bool, error) {
	env := Envelope{
		SessionID:        s.sessionID,
		HELO:             s.helo,
		From:             s.from,
		Recipients:       append([]string(nil), s.recipients...),
		Data:             data,
		TLSActive:        s.tlsActive,
		PeerCertificates: s.peerCerts,
		RemoteAddr:       s.declaredRemoteAddr,
	}
	s.from, s.hasFrom, s.recipients = "", false, nil
	if s.stage == stageRcpt || s.stage == stageMail {
		s.stage = stageHelo
	}
	if s.cfg.Handler == nil {
		return false, wrapWriteErr(s.replyOK(451, "No message handler configured"))
	}
	result := s.cfg.Handler.HandleMessage(env)
	if !result.Accepted() {
		err := fmt.Errorf("%w: %d %s", ErrMessageRejected, result.Code, result.Message)
		s.logger.Info(s.sessionID, err, "message rejected by handler")
	}
	return false, wrapWriteErr(s.replyOK(result.Code, result.Message))
}
