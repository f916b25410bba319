// Package smtptest implements a minimal, blocking SMTP client used only to pin the wire contract in tests: it sends
// exactly the commands a test drives and reports the raw reply lines back, rather than offering a general-purpose
// mail-sending API. It is grounded on the request/response conversation shape of a conventional SMTP client
// (EHLO, MAIL FROM, RCPT TO, DATA, dot-terminated body, QUIT), one command and one reply at a time.
package smtptest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/smtpgate/smtpgate/lalog"
	"github.com/smtpgate/smtpgate/smtp"
)

// Client drives one SMTP conversation over a net.Conn supplied by the caller, normally the client half of a
// net.Pipe or a net.Dial to an Acceptor under test.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	Timeout time.Duration

	// capture, when non-nil, keeps the latest bytes written during the DATA phase for a failing test to print.
	capture *lalog.ByteLogWriter
}

// New wraps conn in a Client with Timeout set to 5 seconds. Timeout bounds every read and write; a zero Timeout
// makes each operation time out immediately.
func New(conn net.Conn) *Client {
	return &Client{conn: conn, reader: bufio.NewReader(conn), Timeout: 5 * time.Second}
}

// CaptureDataPhase enables a rolling capture of the most recent maxBytes written during DeliverMessage's DATA
// phase, retrievable afterwards with LastCapturedData. It is off by default since most callers never need it.
func (c *Client) CaptureDataPhase(maxBytes int) {
	c.capture = lalog.NewByteLogWriter(c.conn, maxBytes)
}

// LastCapturedData returns the bytes recorded since CaptureDataPhase was called, or nil if capture was never
// enabled.
func (c *Client) LastCapturedData() []byte {
	if c.capture == nil {
		return nil
	}
	return c.capture.Retrieve(true)
}

func (c *Client) bodyWriter() io.Writer {
	if c.capture != nil {
		return c.capture
	}
	return c.conn
}

// Reply is one parsed SMTP reply: the numeric code and every line of text that went with it (multiline replies use
// "code-text" for every line but the last, which uses "code text").
type Reply struct {
	Code  int
	Lines []string
}

func (r Reply) String() string {
	return fmt.Sprintf("%d %s", r.Code, strings.Join(r.Lines, " / "))
}

// ReadReply reads one complete SMTP reply, following continuation lines ("250-...") until the final line
// ("250 ...").
func (c *Client) ReadReply() (Reply, error) {
	var reply Reply
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.Timeout))
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return reply, fmt.Errorf("smtptest: reading reply: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			return reply, fmt.Errorf("smtptest: malformed reply line %q", line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return reply, fmt.Errorf("smtptest: malformed reply code in %q: %w", line, err)
		}
		reply.Code = code
		reply.Lines = append(reply.Lines, line[4:])
		if line[3] == ' ' {
			return reply, nil
		}
		if line[3] != '-' {
			return reply, fmt.Errorf("smtptest: malformed reply separator in %q", line)
		}
	}
}

// Send writes a single command line, appending the CRLF terminator.
func (c *Client) Send(command string) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.Timeout))
	_, err := fmt.Fprintf(c.conn, "%s\r\n", command)
	if err != nil {
		return fmt.Errorf("smtptest: writing command %q: %w", command, err)
	}
	return nil
}

// Command writes a command line and reads back the reply that follows it.
func (c *Client) Command(command string) (Reply, error) {
	if err := c.Send(command); err != nil {
		return Reply{}, err
	}
	return c.ReadReply()
}

// Greeting reads the server's unsolicited 220 banner, normally the first thing read after dialling.
func (c *Client) Greeting() (Reply, error) {
	return c.ReadReply()
}

// DeliverMessage drives a complete EHLO/MAIL FROM/RCPT TO/DATA conversation for a single message and returns the
// final reply to the dot-terminated body. It fails fast on the first non-2xx reply.
func (c *Client) DeliverMessage(helo, from string, to []string, body string) (Reply, error) {
	if reply, err := c.Command("EHLO " + helo); err != nil {
		return Reply{}, err
	} else if !accepted(reply) {
		return reply, fmt.Errorf("smtptest: EHLO rejected: %s", reply)
	}
	if reply, err := c.Command(fmt.Sprintf("MAIL FROM:<%s>", from)); err != nil {
		return Reply{}, err
	} else if !accepted(reply) {
		return reply, fmt.Errorf("smtptest: MAIL FROM rejected: %s", reply)
	}
	for _, rcpt := range to {
		reply, err := c.Command(fmt.Sprintf("RCPT TO:<%s>", rcpt))
		if err != nil {
			return Reply{}, err
		}
		if !accepted(reply) {
			return reply, fmt.Errorf("smtptest: RCPT TO %q rejected: %s", rcpt, reply)
		}
	}
	dataReply, err := c.Command("DATA")
	if err != nil {
		return Reply{}, err
	}
	if dataReply.Code != 354 {
		return dataReply, fmt.Errorf("smtptest: DATA rejected: %s", dataReply)
	}
	if err := c.writeDotStuffedBody(body); err != nil {
		return Reply{}, err
	}
	return c.ReadReply()
}

// writeDotStuffedBody writes body through the same DotStuffWriter/DotTerminatedWriter pair the smtp package's line
// I/O component defines, rather than hand-rolling the stuffing and terminator logic a second time: this is the
// wire contract the server's de-stuffing read side is pinned against, so the test client must produce exactly
// what that pair produces.
func (c *Client) writeDotStuffedBody(body string) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.Timeout))
	w := smtp.NewDotStuffWriter(smtp.NewDotTerminatedWriter(c.bodyWriter()))
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if _, err := fmt.Fprintf(w, "%s\r\n", line); err != nil {
			return fmt.Errorf("smtptest: writing body line: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtptest: writing body terminator: %w", err)
	}
	return nil
}

// Quit sends QUIT and reads the final 221 reply.
func (c *Client) Quit() (Reply, error) {
	return c.Command("QUIT")
}

func accepted(r Reply) bool {
	return r.Code >= 200 && r.Code < 300
}
