package proxyproto

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// v1Prefix is the fixed ASCII prefix that identifies a PROXY protocol v1
// header, checked by the dispatcher before this parser is invoked.
const v1Prefix = "PROXY "

// maxV1LineLen is the longest a v1 header line may be, prefix and CRLF
// included, per the HAProxy specification.
const maxV1LineLen = 107

// ParseV1 reads and validates a PROXY protocol v1 preamble from r, which
// must be positioned at the very first byte of the connection. It consumes
// exactly the header bytes (prefix through the trailing CRLF) and no more.
//
// A Header with Family == FamilyUnknown means the header parsed as UNKNOWN: no
// usable source address, fall back to the real TCP peer. Any parse failure
// returns ErrMalformed (wrapped with detail); the connection must be closed
// without a greeting.
func ParseV1(r *bufio.Reader) (*Header, error) {
	prefix := make([]byte, len(v1Prefix))
	if _, err := readFull(r, prefix); err != nil {
		return nil, fmt.Errorf("%w: short read on prefix: %v", ErrMalformed, err)
	}
	if string(prefix) != v1Prefix {
		return nil, fmt.Errorf("%w: missing PROXY prefix", ErrMalformed)
	}

	line, err := readV1Line(r)
	if err != nil {
		return nil, err
	}
	return parseV1Line(line)
}

// readV1Line reads one byte at a time, tracking CR/LF as a two-state
// recognizer, until CRLF is observed. It returns the line content excluding
// the trailing CRLF. The total bytes read (line plus CRLF) combined with the
// 6-byte prefix already consumed must not exceed maxV1LineLen.
func readV1Line(r *bufio.Reader) (string, error) {
	budget := maxV1LineLen - len(v1Prefix)
	buf := make([]byte, 0, budget)
	sawCR := false
	for {
		read := len(buf)
		if sawCR {
			read++
		}
		if read >= budget {
			return "", fmt.Errorf("%w: header line exceeds %d bytes", ErrMalformed, maxV1LineLen)
		}
		b, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("%w: short read on header line: %v", ErrMalformed, err)
		}
		if sawCR {
			if b != '\n' {
				return "", fmt.Errorf("%w: CR not followed by LF", ErrMalformed)
			}
			return string(buf), nil
		}
		if b == '\r' {
			sawCR = true
			continue
		}
		buf = append(buf, b)
	}
}

// parseV1Line matches the body of the header (everything after "PROXY "
// and before CRLF) against the v1 grammar.
func parseV1Line(line string) (*Header, error) {
	fields := strings.Split(line, " ")
	switch fields[0] {
	case "UNKNOWN":
		// Rest of the line, if any, is ignored per spec.
		return &Header{Family: FamilyUnknown}, nil
	case "TCP4", "TCP6":
		if len(fields) != 5 {
			return nil, fmt.Errorf("%w: expected 4 fields after family, got %d", ErrMalformed, len(fields)-1)
		}
		family := FamilyTCP4
		if fields[0] == "TCP6" {
			family = FamilyTCP6
		}
		srcIP, err := parseStrictIP(fields[1], family)
		if err != nil {
			return nil, fmt.Errorf("%w: source address: %v", ErrMalformed, err)
		}
		dstIP, err := parseStrictIP(fields[2], family)
		if err != nil {
			return nil, fmt.Errorf("%w: destination address: %v", ErrMalformed, err)
		}
		srcPort, err := parseV1Port(fields[3])
		if err != nil {
			return nil, fmt.Errorf("%w: source port: %v", ErrMalformed, err)
		}
		dstPort, err := parseV1Port(fields[4])
		if err != nil {
			return nil, fmt.Errorf("%w: destination port: %v", ErrMalformed, err)
		}
		return &Header{Family: family, SrcAddr: srcIP, SrcPort: srcPort, DstAddr: dstIP, DstPort: dstPort}, nil
	default:
		return nil, fmt.Errorf("%w: unrecognised family %q", ErrMalformed, fields[0])
	}
}

// parseStrictIP parses s as a canonical address of the given family: IPv4
// must be dotted-decimal with no leading zeros in any octet, IPv6 must be
// colon-hex. The parsed family must match what the header declared.
func parseStrictIP(s string, family Family) (net.IP, error) {
	if family == FamilyTCP4 {
		parts := strings.Split(s, ".")
		if len(parts) != 4 {
			return nil, fmt.Errorf("not a dotted-decimal IPv4 address: %q", s)
		}
		for _, p := range parts {
			if len(p) == 0 || len(p) > 3 || (len(p) > 1 && p[0] == '0') {
				return nil, fmt.Errorf("non-canonical IPv4 octet: %q", p)
			}
			for _, c := range p {
				if c < '0' || c > '9' {
					return nil, fmt.Errorf("non-numeric IPv4 octet: %q", p)
				}
			}
		}
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("invalid IPv4 address: %q", s)
		}
		return ip.To4(), nil
	}
	// TCP6
	if strings.Contains(s, ".") {
		return nil, fmt.Errorf("IPv4-looking address given for TCP6: %q", s)
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid IPv6 address: %q", s)
	}
	return ip, nil
}

// parseV1Port parses a 1-5 digit decimal port in [1, 65535].
func parseV1Port(s string) (int, error) {
	if len(s) == 0 || len(s) > 5 {
		return 0, fmt.Errorf("port must be 1-5 digits: %q", s)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("port must be decimal digits: %q", s)
		}
	}
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("port out of range: %q", s)
	}
	return port, nil
}

// readFull reads exactly len(buf) bytes from r into buf.
func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
