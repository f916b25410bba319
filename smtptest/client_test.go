package smtptest

import (
	"bufio"
	"net"
	"testing"
	"time"
)

// echoServer speaks just enough SMTP to exercise Client's reply parsing and dot-stuffing, without depending on the
// smtpd package (which would make this an import cycle-adjacent integration test rather than a unit test of the
// client itself).
func echoServer(t *testing.T, conn net.Conn) {
	t.Helper()
	reader := bufio.NewReader(conn)
	conn.Write([]byte("220 test.invalid ESMTP\r\n"))
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		switch {
		case len(line) >= 4 && line[:4] == "EHLO":
			conn.Write([]byte("250-test.invalid\r\n250 PIPELINING\r\n"))
		case len(line) >= 4 && line[:4] == "MAIL":
			conn.Write([]byte("250 OK\r\n"))
		case len(line) >= 4 && line[:4] == "RCPT":
			conn.Write([]byte("250 OK\r\n"))
		case len(line) >= 4 && line[:4] == "DATA":
			conn.Write([]byte("354 End data with <CRLF>.<CRLF>\r\n"))
			for {
				bodyLine, err := reader.ReadString('\n')
				if err != nil || bodyLine == ".\r\n" {
					break
				}
			}
			conn.Write([]byte("250 OK queued\r\n"))
		case len(line) >= 4 && line[:4] == "QUIT":
			conn.Write([]byte("221 Bye\r\n"))
			return
		}
	}
}

func TestClient_DeliverMessage(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	go echoServer(t, serverConn)

	c := New(clientConn)
	c.Timeout = 3 * time.Second

	greeting, err := c.Greeting()
	if err != nil || greeting.Code != 220 {
		t.Fatalf("expected 220 greeting, got %+v err=%v", greeting, err)
	}

	reply, err := c.DeliverMessage("client.invalid", "s@x", []string{"r@y"}, "hello\n.world\n")
	if err != nil {
		t.Fatalf("DeliverMessage: %v", err)
	}
	if reply.Code != 250 {
		t.Fatalf("expected 250 final reply, got %+v", reply)
	}

	quitReply, err := c.Quit()
	if err != nil || quitReply.Code != 221 {
		t.Fatalf("expected 221 Bye, got %+v err=%v", quitReply, err)
	}
}

func TestClient_CaptureDataPhase(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	go echoServer(t, serverConn)

	c := New(clientConn)
	c.Timeout = 3 * time.Second
	c.CaptureDataPhase(1024)

	if _, err := c.Greeting(); err != nil {
		t.Fatalf("Greeting: %v", err)
	}
	if _, err := c.DeliverMessage("client.invalid", "s@x", []string{"r@y"}, "captured body"); err != nil {
		t.Fatalf("DeliverMessage: %v", err)
	}
	captured := c.LastCapturedData()
	if len(captured) == 0 {
		t.Fatal("expected CaptureDataPhase to record the body bytes written")
	}
}
