package smtpd

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/smtpgate/smtpgate/lalog"
	"github.com/smtpgate/smtpgate/misc"
	"github.com/smtpgate/smtpgate/proxyproto"
	"github.com/smtpgate/smtpgate/smtp"
)

// Acceptor owns a listening socket, runs the bounded-concurrency accept loop, and carries out the three-phase
// graceful shutdown described for the connection acceptor: stop accepting, ask every live session to quit, then
// wait for them to drain.
type Acceptor struct {
	cfg ServerConfig

	logger   lalog.Logger
	listener net.Listener
	reg      *registry
	permits  chan struct{}

	mu       sync.Mutex
	shutdown bool

	wg sync.WaitGroup

	// SessionDuration collects the wall-clock duration, in nanoseconds, of every session this acceptor has served,
	// the same statistic the teacher's smtpd.Daemon keeps in its package-level DurationStats.
	SessionDuration *misc.Stats
}

// NewAcceptor validates cfg and constructs an Acceptor bound to no socket yet; call Serve or StartAndBlock to begin
// listening.
func NewAcceptor(cfg ServerConfig) (*Acceptor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Acceptor{
		cfg:             cfg,
		logger:          lalog.Logger{ComponentName: "smtpd.Acceptor", ComponentID: []lalog.LoggerIDField{{Key: "Addr", Value: fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.ListenPort)}}},
		reg:             newRegistry(),
		permits:         make(chan struct{}, cfg.MaxConnections+slack),
		SessionDuration: misc.NewStats(),
	}, nil
}

// SessionCount reports the number of sessions currently being served.
func (a *Acceptor) SessionCount() int {
	return a.reg.count()
}

// WaitUntilReady blocks until the configured listen address is accepting TCP connections, or until timeout
// elapses, the same way an external health check would confirm a freshly started StartAndBlock/Serve goroutine is
// actually listening. Returns false if the deadline passes without a successful probe.
func (a *Acceptor) WaitUntilReady(timeout time.Duration) bool {
	return misc.ProbePort(timeout, a.cfg.ListenAddr, a.cfg.ListenPort)
}

// StartAndBlock listens on the configured address and serves connections until Shutdown is called or the listener
// fails irrecoverably. It mirrors the teacher's blocking-daemon entry point, the difference being that this one
// recovers from transient Accept errors instead of treating every error as fatal.
func (a *Acceptor) StartAndBlock() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.cfg.ListenAddr, a.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("smtpd: failed to listen on %s:%d: %w", a.cfg.ListenAddr, a.cfg.ListenPort, err)
	}
	return a.serve(listener)
}

// Serve runs the accept loop over an already-created listener, letting a caller that needs to bind the socket
// itself (e.g. for systemd socket activation) hand it in directly.
func (a *Acceptor) Serve(listener net.Listener) error {
	return a.serve(listener)
}

func (a *Acceptor) serve(listener net.Listener) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		listener.Close()
		return errors.New("smtpd: acceptor already shut down")
	}
	a.listener = listener
	a.mu.Unlock()

	a.logger.Info("serve", nil, "listening for connections on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if misc.EmergencyLockDown {
				return misc.ErrEmergencyLockDown
			}
			a.mu.Lock()
			shuttingDown := a.shutdown
			a.mu.Unlock()
			if shuttingDown {
				return nil
			}
			if isClosedListenerErr(err) {
				return nil
			}
			// No error is allowed to crash the accept loop: log it and retry after a backoff, indefinitely.
			a.logger.Warning("serve", err, "failed to accept connection, backing off")
			time.Sleep(time.Second)
			continue
		}
		if misc.EmergencyLockDown {
			conn.Close()
			return misc.ErrEmergencyLockDown
		}

		select {
		case a.permits <- struct{}{}:
		default:
			a.logger.Warning(conn.RemoteAddr(), nil, "rejecting connection, too many concurrent sessions")
			a.cfg.Metrics.ConnectionRejected()
			conn.Close()
			continue
		}
		a.cfg.Metrics.ConnectionAccepted()

		a.wg.Add(1)
		go a.handle(conn)
	}
}

func isClosedListenerErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

func (a *Acceptor) handle(conn net.Conn) {
	beginTime := time.Now()
	defer func() { a.SessionDuration.Trigger(float64(time.Since(beginTime).Nanoseconds())) }()
	defer a.wg.Done()
	defer func() { <-a.permits }()
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		misc.TweakTCPConnection(tcpConn, a.cfg.ReplyTimeout)
	}

	sessionID := newSessionID()
	reader := bufio.NewReader(conn)

	// The PROXY preamble and the SMTP greeting it gates have not begun yet, so a stalled client can otherwise hold
	// the connection (and its permit) open indefinitely; bound this phase with ConnectTimeout the way
	// tcpsrv.go's handleConnection bounds its own pre-session phase, then let the session apply its own
	// per-command IOTimeout from here on.
	_ = conn.SetReadDeadline(time.Now().Add(a.cfg.ConnectTimeout))

	declaredAddr, err := proxyproto.Dispatch(reader, proxyproto.Config{Mode: a.cfg.ProxyMode, MaxV2DataLength: a.cfg.ProxyV2MaxDataLength})
	if err != nil {
		a.logger.Warning(conn.RemoteAddr(), err, "rejecting connection with malformed or missing PROXY preamble")
		a.cfg.Metrics.ProxyHeaderOutcome("rejected")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	// declaredAddr.TCPAddr() must be captured into a concrete *net.TCPAddr first and only assigned to the
	// net.Addr-typed remoteAddr if non-nil: assigning a nil *net.TCPAddr directly to a net.Addr variable would
	// produce a non-nil interface wrapping a nil pointer, defeating NewSessionWithReader's "== nil" fallback check.
	var remoteAddr net.Addr
	if tcpAddr := declaredAddr.TCPAddr(); tcpAddr != nil {
		remoteAddr = tcpAddr
	}
	if declaredAddr != nil {
		a.cfg.Metrics.ProxyHeaderOutcome("parsed")
	} else {
		a.cfg.Metrics.ProxyHeaderOutcome("absent")
	}
	if declaredAddr != nil && declaredAddr.Family == proxyproto.FamilyUnix {
		a.logger.Warning(conn.RemoteAddr(), nil, "PROXY header declared a UNIX socket address, keeping the real TCP peer")
	}

	sess := smtp.NewSessionWithReader(conn, reader, a.cfg.sessionConfig(), sessionID, remoteAddr)
	a.reg.add(sess)
	a.cfg.Metrics.SessionStarted()
	defer a.cfg.Metrics.SessionEnded()
	defer a.reg.remove(sessionID)

	if err := sess.Serve(); err != nil && !errors.Is(err, smtp.ErrShutdown) {
		a.logger.MaybeMinorError(err)
	}
}

// Shutdown stops accepting new connections, asks every in-flight session to quit cooperatively, and waits for them
// to finish. It does not enforce a deadline: callers that need one should wrap the call with their own timer, since
// the acceptor has no way to know how long an in-progress DATA transfer should be allowed to run.
func (a *Acceptor) Shutdown() error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	listener := a.listener
	a.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	for _, sess := range a.reg.snapshot() {
		sess.Quit()
	}

	a.wg.Wait()
	return nil
}

func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
