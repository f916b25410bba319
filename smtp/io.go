package smtp

import (
	"bufio"
	"fmt"
	"io"
)

// readCRLFLine reads a single CRLF-terminated line from r, returning the payload without the terminator. It never
// reads more than maxLen+2 bytes before giving up, so a client that never sends CRLF cannot make the session buffer
// unbounded input. EOF in the middle of a line is reported as ErrTransport wrapping io.ErrUnexpectedEOF, matching
// the spec's "fail with UnexpectedEof" requirement; a line that runs past maxLen without CRLF is ErrProtocolSyntax.
func readCRLFLine(r *bufio.Reader, maxLen int) (string, error) {
	buf := make([]byte, 0, 128)
	sawCR := false
	for {
		if len(buf) > maxLen {
			return "", fmt.Errorf("%w: line too long", ErrProtocolSyntax)
		}
		b, err := r.ReadByte()
		if err != nil {
			if len(buf) > 0 || sawCR {
				return "", fmt.Errorf("%w: %v", ErrTransport, io.ErrUnexpectedEOF)
			}
			return "", fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if sawCR {
			if b == '\n' {
				return string(buf), nil
			}
			// A lone CR that isn't followed by LF is folded back into the line content, mirroring the
			// leniency real clients often require.
			buf = append(buf, '\r')
			sawCR = false
		}
		if b == '\r' {
			sawCR = true
			continue
		}
		buf = append(buf, b)
	}
}

// ByteWriteCloser is satisfied by both DotStuffWriter and DotTerminatedWriter (and by any io.WriteCloser a test
// wants to substitute for one), so a caller composing the DATA write path can hold either layer behind one type.
type ByteWriteCloser interface {
	io.Writer
	Close() error
}

// DotTerminatedWriter forwards bytes verbatim to the underlying writer and, once Close is called, appends the DATA
// terminator CRLF . CRLF. A leading CRLF is only written if the stream does not already end with one, so the
// terminator lands on its own line regardless of whether the payload's last line was itself CRLF-terminated.
//
// This is the writing half of the DATA framing described in spec §4.1: a MessageHandler never constructs this
// type, but smtptest.Client uses it to generate the wire bytes the server's line reader and de-stuffing consume.
type DotTerminatedWriter struct {
	dst          io.Writer
	lastTwo      [2]byte
	wroteAnyByte bool
}

// NewDotTerminatedWriter wraps dst, which receives every byte written plus the DATA terminator once Close runs.
func NewDotTerminatedWriter(dst io.Writer) *DotTerminatedWriter {
	return &DotTerminatedWriter{dst: dst}
}

func (w *DotTerminatedWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	for _, b := range p[:n] {
		w.lastTwo[0] = w.lastTwo[1]
		w.lastTwo[1] = b
	}
	if n > 0 {
		w.wroteAnyByte = true
	}
	return n, err
}

func (w *DotTerminatedWriter) endsWithCRLF() bool {
	return w.wroteAnyByte && w.lastTwo[0] == '\r' && w.lastTwo[1] == '\n'
}

// Close writes the DATA terminator. It does not close the underlying destination.
func (w *DotTerminatedWriter) Close() error {
	terminator := ".\r\n"
	if !w.endsWithCRLF() {
		terminator = "\r\n" + terminator
	}
	_, err := w.Write([]byte(terminator))
	return err
}

// DotStuffWriter wraps a DotTerminatedWriter and stuffs an extra leading '.' on any payload line that begins with
// one, so the terminator sequence CRLF . CRLF can never occur inside a properly stuffed payload (testable
// property #4).
type DotStuffWriter struct {
	dst         *DotTerminatedWriter
	atLineStart bool
	prevByte    byte
}

// NewDotStuffWriter wraps dst, stuffing every line written through the returned writer before forwarding it.
func NewDotStuffWriter(dst *DotTerminatedWriter) *DotStuffWriter {
	return &DotStuffWriter{dst: dst, atLineStart: true}
}

func (w *DotStuffWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if w.atLineStart && b == '.' {
			if _, err := w.dst.Write([]byte{'.'}); err != nil {
				return 0, err
			}
		}
		if _, err := w.dst.Write([]byte{b}); err != nil {
			return 0, err
		}
		w.atLineStart = w.prevByte == '\r' && b == '\n'
		w.prevByte = b
	}
	return len(p), nil
}

// Close terminates the DATA phase by delegating to the underlying dot-terminated writer.
func (w *DotStuffWriter) Close() error {
	return w.dst.Close()
}

// deStuffLine reverses dot-stuffing applied by a peer to a single received line: a line beginning with ".." has one
// leading dot removed. Any other line, including a lone ".", is returned unchanged (the lone "." terminator is
// recognised by the caller before this function is reached).
func deStuffLine(line string) string {
	if len(line) >= 2 && line[0] == '.' && line[1] == '.' {
		return line[1:]
	}
	return line
}
