package proxyproto

import (
	"bufio"
	"net"
	"strings"
	"testing"
)

func TestParseV1_TCP4(t *testing.T) {
	raw := "PROXY TCP4 192.168.0.1 10.0.0.1 56324 25\r\nEHLO a\r\n"
	r := bufio.NewReader(strings.NewReader(raw))
	hdr, err := ParseV1(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.Family != FamilyTCP4 {
		t.Fatalf("expected FamilyTCP4, got %v", hdr.Family)
	}
	if !hdr.SrcAddr.Equal(net.ParseIP("192.168.0.1")) || hdr.SrcPort != 56324 {
		t.Fatalf("unexpected source %v:%d", hdr.SrcAddr, hdr.SrcPort)
	}
	rest, _ := r.ReadString('\n')
	if rest != "EHLO a\r\n" {
		t.Fatalf("parser over-consumed, remaining stream: %q", rest)
	}
}

func TestParseV1_Unknown(t *testing.T) {
	raw := "PROXY UNKNOWN\r\n"
	hdr, err := ParseV1(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hdr.NOP() {
		t.Fatalf("expected NOP result for UNKNOWN")
	}
}

func TestParseV1_UnknownWithTrailingFields(t *testing.T) {
	raw := "PROXY UNKNOWN 192.168.0.1 10.0.0.1 1 2\r\n"
	hdr, err := ParseV1(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hdr.NOP() {
		t.Fatalf("expected NOP result for UNKNOWN regardless of trailing fields")
	}
}

func TestParseV1_MalformedAddress(t *testing.T) {
	raw := "PROXY TCP4 999.0.0.1 10.0.0.1 1 1\r\n"
	_, err := ParseV1(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatal("expected malformed address to fail")
	}
}

func TestParseV1_LeadingZeroOctetRejected(t *testing.T) {
	raw := "PROXY TCP4 192.168.000.1 10.0.0.1 1 1\r\n"
	_, err := ParseV1(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatal("expected leading-zero octet to be rejected")
	}
}

func TestParseV1_FamilyAddressMismatch(t *testing.T) {
	raw := "PROXY TCP6 192.168.0.1 10.0.0.1 1 1\r\n"
	_, err := ParseV1(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatal("expected IPv4 literal under TCP6 family to be rejected")
	}
}

func TestParseV1_PortOutOfRange(t *testing.T) {
	raw := "PROXY TCP4 192.168.0.1 10.0.0.1 0 70000\r\n"
	_, err := ParseV1(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatal("expected out-of-range ports to be rejected")
	}
}

func TestParseV1_TCP6(t *testing.T) {
	raw := "PROXY TCP6 ::1 ::1 56324 25\r\n"
	hdr, err := ParseV1(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.Family != FamilyTCP6 || !hdr.SrcAddr.Equal(net.ParseIP("::1")) {
		t.Fatalf("unexpected header: %+v", hdr)
	}
}

func TestParseV1_NoCRLFWithinBudget(t *testing.T) {
	raw := "PROXY TCP4 " + strings.Repeat("1", 200)
	_, err := ParseV1(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatal("expected failure on missing CRLF within 107-byte budget")
	}
}

func TestParseV1_BadPrefix(t *testing.T) {
	raw := "HELLO TCP4 1.2.3.4 5.6.7.8 1 2\r\n"
	_, err := ParseV1(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatal("expected non-PROXY prefix to fail")
	}
}
