// Package wire implements the UDP payload transforms and the announcement
// datagram format shared by both ends of a tunnel.
package wire

import (
	"encoding/base64"
	"fmt"
	"slices"
)

// rotateSpan is how many leading bytes the rotate stage touches.
const rotateSpan = 200

// FilterChain is the optional obfuscation applied to every outbound datagram
// and undone on receive. It is not encryption and must never be treated as
// such; all stages default to off.
//
// Outbound order is base64 -> rotate -> prepend; inbound is the exact
// reverse. Both sides must enable the same stages or all traffic is lost.
type FilterChain struct {
	Prefix []byte
	Rotate bool
	Base64 bool
}

func (c FilterChain) Enabled() bool {
	return len(c.Prefix) > 0 || c.Rotate || c.Base64
}

// Outbound transforms pkt for the wire. The input slice is never modified.
func (c FilterChain) Outbound(pkt []byte) []byte {
	out := pkt
	owned := false
	if c.Base64 {
		enc := make([]byte, base64.StdEncoding.EncodedLen(len(out)))
		base64.StdEncoding.Encode(enc, out)
		out = enc
		owned = true
	}
	if c.Rotate {
		if !owned {
			out = slices.Clone(out)
			owned = true
		}
		for i := 0; i < len(out) && i < rotateSpan; i++ {
			out[i] += 127
		}
	}
	if len(c.Prefix) > 0 {
		out = append(slices.Clone(c.Prefix), out...)
	}
	return out
}

// Inbound undoes Outbound. The input slice may be modified in place.
func (c FilterChain) Inbound(pkt []byte) ([]byte, error) {
	in := pkt
	if len(c.Prefix) > 0 {
		if len(in) < len(c.Prefix) {
			return nil, fmt.Errorf("datagram shorter than prefix (%d < %d)", len(in), len(c.Prefix))
		}
		in = in[len(c.Prefix):]
	}
	if c.Rotate {
		for i := 0; i < len(in) && i < rotateSpan; i++ {
			in[i] += 129
		}
	}
	if c.Base64 {
		dec := make([]byte, base64.StdEncoding.DecodedLen(len(in)))
		n, err := base64.StdEncoding.Decode(dec, in)
		if err != nil {
			return nil, fmt.Errorf("base64 stage: %w", err)
		}
		in = dec[:n]
	}
	return in, nil
}
