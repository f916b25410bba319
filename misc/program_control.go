package misc

import (
	"errors"
	"os"
	"time"

	"github.com/smtpgate/smtpgate/lalog"
)

var (
	// StartupTime is the timestamp captured when this program started.
	StartupTime = time.Now()

	// EnablePrometheusIntegration is a program-global flag that determines whether to enable integration with prometheus by
	// collecting and serving metrics readings.
	EnablePrometheusIntegration bool
	// EmergencyLockDown is a flag checked by the acceptor's accept loop, which stops accepting connections when the
	// flag is true. Sessions already being served do not check it.
	EmergencyLockDown bool
	// ErrEmergencyLockDown is returned by the acceptor's accept loop to inform the caller that lock-down is in effect.
	ErrEmergencyLockDown = errors.New("LOCKED DOWN")

	logger = lalog.Logger{ComponentName: "misc", ComponentID: []lalog.LoggerIDField{{Key: "PID", Value: os.Getpid()}}}
)

// TriggerEmergencyLockDown turns on EmergencyLockDown flag, so that the acceptor stops accepting new connections.
// In-flight sessions are not interrupted and keep serving commands. The process itself keeps running.
func TriggerEmergencyLockDown() {
	logger.Warning("", nil, "acceptor and sessions will be disabled ASAP")
	EmergencyLockDown = true
}
