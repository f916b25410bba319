package proxyproto

import (
	"bufio"
	"strings"
	"testing"
)

func TestDispatch_Disabled(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("PROXY TCP4 192.168.0.1 10.0.0.1 56324 25\r\nEHLO a\r\n"))
	hdr, err := Dispatch(r, Config{Mode: Disabled})
	if err != nil || hdr != nil {
		t.Fatalf("expected no-op for disabled mode, got %+v, %v", hdr, err)
	}
	rest, _ := r.ReadString('\n')
	if !strings.HasPrefix(rest, "PROXY") {
		t.Fatalf("disabled mode must not consume any bytes, got %q", rest)
	}
}

func TestDispatch_PermissiveV1(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("PROXY TCP4 192.168.0.1 10.0.0.1 56324 25\r\nEHLO a\r\n"))
	hdr, err := Dispatch(r, Config{Mode: Permissive})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.NOP() || hdr.SrcPort != 56324 {
		t.Fatalf("unexpected header: %+v", hdr)
	}
}

func TestDispatch_PermissivePlainSMTP(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("EHLO a\r\n"))
	hdr, err := Dispatch(r, Config{Mode: Permissive})
	if err != nil || hdr != nil {
		t.Fatalf("expected no header for plain SMTP, got %+v, %v", hdr, err)
	}
	line, _ := r.ReadString('\n')
	if line != "EHLO a\r\n" {
		t.Fatalf("dispatcher must not consume plain SMTP bytes, got %q", line)
	}
}

func TestDispatch_RequiredButAbsent(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("EHLO a\r\n"))
	_, err := Dispatch(r, Config{Mode: Required})
	if err == nil {
		t.Fatal("expected Required mode to fail without a PROXY header")
	}
}

func TestDispatch_V2Magic(t *testing.T) {
	raw := "\r\n\r\n\x00\r\nQUIT\n" + "\x21\x11\x00\x0C" +
		"\x7F\x00\x00\x01\x7F\x00\x00\x01" + "\x30\x39\xDD\xD5" + "EHLO a\r\n"
	r := bufio.NewReader(strings.NewReader(raw))
	hdr, err := Dispatch(r, Config{Mode: Permissive})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.NOP() || hdr.SrcPort != 12345 {
		t.Fatalf("unexpected header: %+v", hdr)
	}
	rest, _ := r.ReadString('\n')
	if rest != "EHLO a\r\n" {
		t.Fatalf("parser over-consumed, remaining stream: %q", rest)
	}
}

func TestDispatch_MalformedClosesBeforeGreeting(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("PROXY TCP4 999.0.0.1 10.0.0.1 1 1\r\n"))
	_, err := Dispatch(r, Config{Mode: Permissive})
	if err == nil {
		t.Fatal("expected malformed v1 header to fail")
	}
}
