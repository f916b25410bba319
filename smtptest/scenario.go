package smtptest

import (
	"bufio"
	"net"
	"strings"
	"time"

	"github.com/smtpgate/smtpgate/testingstub"
)

// RunScenario writes script verbatim to conn, a single blob of CRLF-terminated commands, then collects every reply
// line the server sends back until a 221 (QUIT acknowledged) or 421 (service closing) final reply, or EOF, matching
// the teardown a real client sees at the end of a conversation. It exists so a test driving a whole scripted
// conversation does not hand-roll the same read loop a second time; it takes testingstub.T rather than *testing.T so
// it can be called from any package without pulling in the "testing" package's init-time global flag registration.
func RunScenario(t testingstub.T, conn net.Conn, script string, timeout time.Duration) []string {
	t.Helper()
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write([]byte(script)); err != nil {
		t.Fatalf("RunScenario: writing script: %v", err)
	}
	reader := bufio.NewReader(conn)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			lines = append(lines, strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			break
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(trimmed, "221 ") || strings.HasPrefix(trimmed, "421 ") {
			break
		}
	}
	return lines
}
