package proxyproto

import (
	"bufio"
	"errors"
	"fmt"
)

// Mode selects how the dispatcher treats connections that do or do not
// carry a PROXY preamble.
type Mode int

const (
	// Disabled never attempts to parse a PROXY header; every connection is
	// handed to the SMTP session unmodified.
	Disabled Mode = iota
	// Permissive attempts to parse a PROXY header if the connection appears
	// to carry one, but accepts connections without one.
	Permissive
	// Required rejects any connection that does not open with a PROXY
	// header of either version.
	Required
)

// ErrRequired is returned by Dispatch when Mode is Required but the
// connection did not open with a recognisable PROXY preamble.
var ErrRequired = errors.New("proxyproto: PROXY header required but absent")

// v2MagicLen is how many bytes of the v2 magic must match before we
// commit to the v2 parser; this is the full 12-byte magic, so Dispatch peeks
// that many bytes.
const v2MagicLen = 12

// Config controls the dispatcher's behaviour.
type Config struct {
	Mode Mode
	// MaxV2DataLength bounds the v2 address/TLV block; zero selects
	// DefaultMaxV2DataLength.
	MaxV2DataLength int
}

// Dispatch peeks the leading bytes of r to decide whether the connection
// opens with a PROXY protocol v1 or v2 header, parses it if so, and returns
// the resulting Header. It never reads beyond the header's own declared
// length before returning.
//
// A nil *Header, nil error return means: no PROXY preamble was present
// (Mode Disabled, or Mode Permissive and the bytes did not match either
// signature) — the caller should use the real TCP peer address. Dispatch
// only returns an error if the preamble was present but malformed, or if
// Mode is Required and no preamble was found.
func Dispatch(r *bufio.Reader, cfg Config) (*Header, error) {
	if cfg.Mode == Disabled {
		return nil, nil
	}

	magic, err := r.Peek(v2MagicLen)
	if err == nil && hasV2Magic(magic) {
		hdr, err := ParseV2(r, cfg.MaxV2DataLength)
		if err != nil {
			return nil, err
		}
		return hdr, nil
	}

	prefix, err := r.Peek(len(v1Prefix))
	if err == nil && string(prefix) == v1Prefix {
		hdr, err := ParseV1(r)
		if err != nil {
			return nil, err
		}
		return hdr, nil
	}

	if cfg.Mode == Required {
		return nil, fmt.Errorf("%w", ErrRequired)
	}
	return nil, nil
}

func hasV2Magic(b []byte) bool {
	if len(b) < v2MagicLen {
		return false
	}
	for i := 0; i < v2MagicLen; i++ {
		if b[i] != v2Magic[i] {
			return false
		}
	}
	return true
}
