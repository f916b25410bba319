package proxyproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
)

// v2Magic is the fixed 12-byte signature that opens a PROXY protocol v2
// header, checked by the dispatcher before this parser is invoked.
var v2Magic = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// DefaultMaxV2DataLength is the default cap on the v2 address/TLV block
// length, matching the HAProxy reference implementation's sanity limit.
const DefaultMaxV2DataLength = 2048

const (
	v2CmdLocal = 0x0
	v2CmdProxy = 0x1

	v2FamUnspec = 0x0
	v2FamInet   = 0x1
	v2FamInet6  = 0x2
	v2FamUnix   = 0x3

	v2TransUnspec = 0x0
	v2TransStream = 0x1
	v2TransDgram  = 0x2
)

// ParseV2 reads and validates a PROXY protocol v2 preamble from r, which
// must be positioned at the very first byte of the connection (the 12-byte
// magic has not yet been consumed). maxDataLength bounds how many address/TLV
// bytes will be read; a declared length beyond it is a parse failure rather
// than an unbounded read.
//
// A non-nil *Header with Family == FamilyUnknown means the header parsed as LOCAL or UNSPEC: no usable source
// address, fall back to the real TCP peer, nothing worth logging. Family == FamilyUnix is the same NOP but
// distinguished so the caller can log the warning spec §4.2.2 calls for.
func ParseV2(r *bufio.Reader, maxDataLength int) (*Header, error) {
	if maxDataLength <= 0 {
		maxDataLength = DefaultMaxV2DataLength
	}

	header := make([]byte, 16)
	if _, err := readFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: short read on fixed header: %v", ErrMalformed, err)
	}
	for i := 0; i < 12; i++ {
		if header[i] != v2Magic[i] {
			return nil, fmt.Errorf("%w: magic mismatch", ErrMalformed)
		}
	}

	verCmd := header[12]
	if verCmd>>4 != 0x2 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, verCmd>>4)
	}
	cmd := verCmd & 0x0F
	if cmd != v2CmdLocal && cmd != v2CmdProxy {
		return nil, fmt.Errorf("%w: unrecognised command %d", ErrMalformed, cmd)
	}

	famTrans := header[13]
	fam := famTrans >> 4
	trans := famTrans & 0x0F
	switch fam {
	case v2FamUnspec, v2FamInet, v2FamInet6, v2FamUnix:
	default:
		return nil, fmt.Errorf("%w: unrecognised address family %d", ErrMalformed, fam)
	}
	switch trans {
	case v2TransUnspec, v2TransStream, v2TransDgram:
	default:
		return nil, fmt.Errorf("%w: unrecognised transport %d", ErrMalformed, trans)
	}

	length := int(binary.BigEndian.Uint16(header[14:16]))
	if length > maxDataLength {
		return nil, fmt.Errorf("%w: address block length %d exceeds limit %d", ErrMalformed, length, maxDataLength)
	}
	data := make([]byte, length)
	if length > 0 {
		if _, err := readFull(r, data); err != nil {
			return nil, fmt.Errorf("%w: short read on address block: %v", ErrMalformed, err)
		}
	}

	if cmd == v2CmdLocal {
		return &Header{Family: FamilyUnknown}, nil
	}
	switch fam {
	case v2FamUnspec:
		return &Header{Family: FamilyUnknown}, nil
	case v2FamUnix:
		// A NOP like UNSPEC/LOCAL, but surfaced as its own Family so the caller can log the warning spec §4.2.2
		// calls for instead of silently falling back to the real TCP peer.
		return &Header{Family: FamilyUnix}, nil
	case v2FamInet:
		if len(data) < 12 {
			return nil, fmt.Errorf("%w: INET address block too short: %d bytes", ErrMalformed, len(data))
		}
		srcIP := net.IP(append([]byte(nil), data[0:4]...))
		dstIP := net.IP(append([]byte(nil), data[4:8]...))
		srcPort := int(binary.BigEndian.Uint16(data[8:10]))
		dstPort := int(binary.BigEndian.Uint16(data[10:12]))
		return &Header{Family: FamilyTCP4, SrcAddr: srcIP, SrcPort: srcPort, DstAddr: dstIP, DstPort: dstPort}, nil
	case v2FamInet6:
		if len(data) < 36 {
			return nil, fmt.Errorf("%w: INET6 address block too short: %d bytes", ErrMalformed, len(data))
		}
		srcIP := net.IP(append([]byte(nil), data[0:16]...))
		dstIP := net.IP(append([]byte(nil), data[16:32]...))
		srcPort := int(binary.BigEndian.Uint16(data[32:34]))
		dstPort := int(binary.BigEndian.Uint16(data[34:36]))
		return &Header{Family: FamilyTCP6, SrcAddr: srcIP, SrcPort: srcPort, DstAddr: dstIP, DstPort: dstPort}, nil
	}
	return &Header{Family: FamilyUnknown}, nil
}
