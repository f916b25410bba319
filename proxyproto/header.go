// Package proxyproto parses the HAProxy PROXY protocol preamble (v1 text and
// v2 binary) that an upstream load balancer may prepend to a TCP connection
// before the wrapped protocol (here, SMTP) begins.
package proxyproto

import (
	"errors"
	"net"
)

// Family identifies the address family declared by a PROXY header.
type Family int

const (
	// FamilyUnknown covers v1's UNKNOWN and v2's UNSPEC (and v2's LOCAL command, which never carries a family at
	// all): the header parsed successfully but carries no usable source address, and nothing about the result is
	// worth a log line.
	FamilyUnknown Family = iota
	FamilyTCP4
	FamilyTCP6
	// FamilyUnix covers v2's AF_UNIX family: also a NOP (no usable source address), but spec §4.2.2 calls this
	// case out for a warning log, distinct from the silent UNSPEC/LOCAL NOPs, so it gets its own value instead of
	// collapsing into FamilyUnknown.
	FamilyUnix
)

// ErrMalformed is returned (optionally wrapped) whenever a PROXY header is
// structurally present but fails to parse per the v1 or v2 grammar. The
// caller must close the connection without emitting a greeting.
var ErrMalformed = errors.New("proxyproto: malformed header")

// Header is the parsed result of a PROXY protocol preamble. A nil *Header
// with a nil error means the connection carried no PROXY preamble (and the
// dispatcher was not configured to require one); a non-nil Header with
// Family == FamilyUnknown (UNKNOWN/LOCAL/UNSPEC) or FamilyUnix (UNIX) means a
// NOP result: the real TCP peer address should be kept.
type Header struct {
	Family  Family
	SrcAddr net.IP
	SrcPort int
	DstAddr net.IP
	DstPort int
}

// NOP reports whether the header carries no usable source address, i.e. the
// session should keep using the real TCP peer address.
func (h *Header) NOP() bool {
	return h == nil || h.Family == FamilyUnknown || h.Family == FamilyUnix
}

// TCPAddr renders the source address and port as a *net.TCPAddr, or nil if
// the header is a NOP.
func (h *Header) TCPAddr() *net.TCPAddr {
	if h.NOP() {
		return nil
	}
	return &net.TCPAddr{IP: h.SrcAddr, Port: h.SrcPort}
}
