package proxyproto

import (
	"bufio"
	"net"
	"strings"
	"testing"
)

// Test vectors below mirror the wire encoding used by the fango6/proxyproto
// package's v2 test suite: a v2 signature followed by ver_cmd, fam_trans,
// big-endian length, and an address block.

func TestParseV2_Local(t *testing.T) {
	raw := "\r\n\r\n\x00\r\nQUIT\n" +
		"\x20" + // version 2, LOCAL command
		"\x11" + // AF_INET, STREAM
		"\x00\x00" // zero-length address block
	hdr, err := ParseV2(bufio.NewReader(strings.NewReader(raw)), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hdr.NOP() {
		t.Fatalf("expected NOP result for LOCAL command")
	}
}

func TestParseV2_ProxyIPv4(t *testing.T) {
	raw := "\r\n\r\n\x00\r\nQUIT\n" +
		"\x21\x11\x00\x0C" +
		"\x7F\x00\x00\x01" +
		"\x7F\x00\x00\x02" +
		"\x30\x39\xDD\xD5"
	hdr, err := ParseV2(bufio.NewReader(strings.NewReader(raw)), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.Family != FamilyTCP4 {
		t.Fatalf("expected FamilyTCP4, got %v", hdr.Family)
	}
	if !hdr.SrcAddr.Equal(net.IPv4(127, 0, 0, 1)) || hdr.SrcPort != 12345 {
		t.Fatalf("unexpected source %v:%d", hdr.SrcAddr, hdr.SrcPort)
	}
}

func TestParseV2_ProxyIPv6(t *testing.T) {
	raw := "\r\n\r\n\x00\r\nQUIT\n" +
		"\x21\x21\x00\x24" +
		"\x00\x7F\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01" +
		"\x00\x7F\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02" +
		"\x30\x39\xDD\xD5"
	hdr, err := ParseV2(bufio.NewReader(strings.NewReader(raw)), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.Family != FamilyTCP6 || hdr.SrcPort != 12345 {
		t.Fatalf("unexpected header: %+v", hdr)
	}
}

func TestParseV2_TLVIgnored(t *testing.T) {
	raw := "\r\n\r\n\x00\r\nQUIT\n" +
		"\x21\x11\x00\x3C" +
		"\x7F\x00\x00\x01\x7F\x00\x00\x01" +
		"\x30\x39\xDD\xD5" +
		"\xEA\x00\x22vcpe-abcdefg-hijklmn-opqrst-uvwxyz" +
		"\x04\x00\x08\x00\x00\x00\x00\x00\x00\x00\x00"
	hdr, err := ParseV2(bufio.NewReader(strings.NewReader(raw+"EHLO a\r\n")), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.SrcPort != 12345 {
		t.Fatalf("unexpected header: %+v", hdr)
	}
}

func TestParseV2_BadMagic(t *testing.T) {
	raw := "NOTPROXYV2XX\x21\x11\x00\x00"
	_, err := ParseV2(bufio.NewReader(strings.NewReader(raw)), 0)
	if err == nil {
		t.Fatal("expected bad magic to fail")
	}
}

func TestParseV2_LengthExceedsLimit(t *testing.T) {
	raw := "\r\n\r\n\x00\r\nQUIT\n" + "\x21\x11\xFF\xFF"
	_, err := ParseV2(bufio.NewReader(strings.NewReader(raw)), 16)
	if err == nil {
		t.Fatal("expected oversized length to fail")
	}
}

func TestParseV2_UnixIsNOP(t *testing.T) {
	raw := "\r\n\r\n\x00\r\nQUIT\n" + "\x21\x31\x00\x00"
	hdr, err := ParseV2(bufio.NewReader(strings.NewReader(raw)), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hdr.NOP() {
		t.Fatalf("expected UNIX family to be a NOP")
	}
	if hdr.Family != FamilyUnix {
		t.Fatalf("expected Family to be distinctly FamilyUnix, got %v", hdr.Family)
	}
}

func TestParseV2_BadVersion(t *testing.T) {
	raw := "\r\n\r\n\x00\r\nQUIT\n" + "\x11\x11\x00\x00"
	_, err := ParseV2(bufio.NewReader(strings.NewReader(raw)), 0)
	if err == nil {
		t.Fatal("expected non-v2 version nibble to fail")
	}
}
