// Package fingerprint computes 64-bit perceptual image fingerprints.
//
// A Fingerprint is the sign pattern of the low-frequency DCT block of a
// 32x32 luminance thumbnail. Two fingerprints are only comparable when they
// were produced with the same Format.
package fingerprint

import (
	"fmt"
	"math/bits"
	"strconv"
)

// Format names the extraction parameters. It is stored alongside every
// persisted snapshot; changing any step of the pipeline requires a new value.
const Format = "dct32-lowfreq8-dc"

const (
	// Side is the edge length of the fingerprint bit matrix.
	Side = 8
	// Bits is the number of bits in a Fingerprint.
	Bits = Side * Side
)

// Fingerprint is an 8x8 bit matrix packed row-major, MSB first: bit (i,j)
// lives at position 63-(8*i+j).
type Fingerprint uint64

// Bit reports the value at row i, column j.
func (f Fingerprint) Bit(i, j int) bool {
	return f&(1<<uint(Bits-1-(i*Side+j))) != 0
}

// String returns the 16 digit lower-case hex form.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Parse reads the hex form produced by String.
func Parse(s string) (Fingerprint, error) {
	if len(s) != Bits/4 {
		return 0, fmt.Errorf("fingerprint %q: want %d hex digits, got %d", s, Bits/4, len(s))
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("fingerprint %q: %w", s, err)
	}
	return Fingerprint(v), nil
}

// Distance is the Hamming distance between a and b, in [0, Bits].
func Distance(a, b Fingerprint) int {
	return bits.OnesCount64(uint64(a ^ b))
}
