package handle

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
)

// ID identifies one registry entry. The zero ID is never issued.
type ID uint64

const (
	// counterBits is the width of the per-process sequence in an ID.
	counterBits = 48
	counterMask = 1<<counterBits - 1

	// prefixHighBit forces every issued ID above 2^53 so that a caller who
	// converts a handle to a double loses precision on the very first one.
	prefixHighBit = 1 << 15
)

// ErrExhausted is returned once an allocator has issued every sequence value.
var ErrExhausted = errors.New("handle space exhausted")

// ErrMalformed is returned by Parse for text that is not a canonical handle.
var ErrMalformed = errors.New("malformed handle")

// Allocator issues process-unique IDs. IDs are never recycled: the sequence
// only moves forward. It is safe for concurrent use.
type Allocator struct {
	prefix uint64
	next   atomic.Uint64
}

// NewAllocator returns an allocator with a random 16-bit prefix whose top bit
// is always set.
func NewAllocator() *Allocator {
	p := uint64(prefixHighBit | rand.N[uint16](prefixHighBit))
	return newAllocatorWithPrefix(p)
}

func newAllocatorWithPrefix(p uint64) *Allocator {
	return &Allocator{prefix: p << counterBits}
}

// Next returns a fresh ID.
func (a *Allocator) Next() (ID, error) {
	n := a.next.Add(1)
	if n > counterMask {
		// Keep the counter pinned so repeated calls cannot wrap back to zero.
		a.next.Store(counterMask + 1)
		return 0, ErrExhausted
	}
	return ID(a.prefix | n), nil
}

// Format renders id as canonical base-10 text.
func Format(id ID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// String implements fmt.Stringer using the boundary encoding.
func (id ID) String() string {
	return Format(id)
}

// Parse decodes canonical base-10 text into an ID. Signs, whitespace,
// leading zeros and values outside uint64 are rejected.
func Parse(s string) (ID, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrMalformed)
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, fmt.Errorf("%w: %q has leading zeros", ErrMalformed, s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("%w: %q is not a decimal integer", ErrMalformed, s)
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}
	return ID(v), nil
}
