// Command smtpgated wires together smtpd.Acceptor, the smtp session defaults, and the optional auth/metrics/TLS
// support into a standalone SMTP gateway, the same way laitos's main.go assembles a daemon from flags before
// calling its StartAndBlock method.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/smtpgate/smtpgate/auth"
	"github.com/smtpgate/smtpgate/lalog"
	"github.com/smtpgate/smtpgate/metrics"
	"github.com/smtpgate/smtpgate/misc"
	"github.com/smtpgate/smtpgate/proxyproto"
	"github.com/smtpgate/smtpgate/smtp"
	"github.com/smtpgate/smtpgate/smtpd"
)

var logger = lalog.Logger{ComponentName: "smtpgated"}

// loggingHandler is the example MessageHandler: it logs the envelope and accepts every message. A production host
// is expected to supply its own smtp.MessageHandler instead of this one.
type loggingHandler struct{}

func (loggingHandler) HandleMessage(env smtp.Envelope) smtp.HandlerResult {
	logger.Info(env.SessionID, nil, "received message from %q to %v (%d bytes)", env.From, env.Recipients, len(env.Data))
	return smtp.HandlerResult{Code: 250, Message: "OK: message accepted"}
}

func main() {
	var (
		listenAddr  string
		listenPort  int
		maxConns    int
		serverName  string
		tlsCertPath string
		tlsKeyPath  string
		requireTLS  bool
		proxyMode   string
		authUser    string
		authPass    string
		prominteg   bool
	)
	flag.StringVar(&listenAddr, "addr", "0.0.0.0", "address to listen on")
	flag.IntVar(&listenPort, "port", 2525, "port to listen on")
	flag.IntVar(&maxConns, "maxconnections", 256, "maximum number of concurrent SMTP sessions")
	flag.StringVar(&serverName, "servername", "localhost", "server name advertised in the greeting banner")
	flag.StringVar(&tlsCertPath, "tlscert", "", "(optional) TLS certificate file, enables STARTTLS")
	flag.StringVar(&tlsKeyPath, "tlskey", "", "(optional) TLS private key file, enables STARTTLS")
	flag.BoolVar(&requireTLS, "requiretls", false, "(optional) refuse MAIL FROM until STARTTLS has completed")
	flag.StringVar(&proxyMode, "proxymode", "disabled", "PROXY protocol handling: disabled|permissive|required")
	flag.StringVar(&authUser, "authuser", "", "(optional) single username accepted by AUTH PLAIN/LOGIN")
	flag.StringVar(&authPass, "authpass", "", "(optional) password for -authuser")
	flag.BoolVar(&prominteg, "prominteg", false, "(optional) register prometheus metrics for the acceptor and sessions")
	flag.Parse()

	misc.EnablePrometheusIntegration = prominteg

	cfg := smtpd.ServerConfig{
		ListenAddr:     listenAddr,
		ListenPort:     listenPort,
		MaxConnections: maxConns,
		ServerName:     serverName,
		Handler:        loggingHandler{},
		RequireTLS:     requireTLS,
	}

	mode, err := parseProxyMode(proxyMode)
	if err != nil {
		logger.Abort("main", err, "invalid -proxymode")
	}
	cfg.ProxyMode = mode

	if tlsCertPath != "" || tlsKeyPath != "" {
		if tlsCertPath == "" || tlsKeyPath == "" {
			logger.Abort("main", nil, "both -tlscert and -tlskey must be given together")
		}
		cert, err := tls.LoadX509KeyPair(tlsCertPath, tlsKeyPath)
		if err != nil {
			logger.Abort("main", err, "failed to load TLS certificate")
		}
		cfg.EnableTLS = true
		cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	if authUser != "" {
		store := auth.NewStore()
		if err := store.SetPassword(authUser, authPass); err != nil {
			logger.Abort("main", err, "failed to configure AUTH credentials")
		}
		cfg.AuthHandler = store
	}

	collectors := metrics.NewCollectors("smtpgated")
	if err := collectors.RegisterGlobally(); err != nil {
		logger.Abort("main", err, "failed to register prometheus metrics")
	}
	cfg.Metrics = collectors

	acceptor, err := smtpd.NewAcceptor(cfg)
	if err != nil {
		logger.Abort("main", err, "failed to construct acceptor")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		received := <-sig
		logger.Info("main", nil, "received signal %v, shutting down", received)
		if err := acceptor.Shutdown(); err != nil {
			logger.Warning("main", err, "acceptor shutdown reported an error")
		}
	}()

	logger.Info("main", nil, "listening on %s:%d", listenAddr, listenPort)
	if err := acceptor.StartAndBlock(); err != nil {
		logger.Abort("main", err, "acceptor exited")
	}
}

func parseProxyMode(s string) (proxyproto.Mode, error) {
	switch strings.ToLower(s) {
	case "disabled", "":
		return proxyproto.Disabled, nil
	case "permissive":
		return proxyproto.Permissive, nil
	case "required":
		return proxyproto.Required, nil
	default:
		return proxyproto.Disabled, fmt.Errorf("unrecognised -proxymode %q", s)
	}
}
