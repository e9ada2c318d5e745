package crypto

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/awnumar/memguard"
)

const redacted = "[hidden]"

var errHiddenMarshal = errors.New("hidden values cannot be serialized")

// Hidden holds sensitive bytes. It never prints its content and wipes the
// buffer on Destroy or when collected.
type Hidden struct {
	mu        sync.Mutex
	b         []byte
	destroyed bool
}

// NewHidden takes ownership of b. The caller must not use b afterwards.
func NewHidden(b []byte) *Hidden {
	h := &Hidden{b: b}
	runtime.SetFinalizer(h, (*Hidden).Destroy)
	return h
}

// HiddenString copies s into a Hidden value.
func HiddenString(s string) *Hidden {
	return NewHidden([]byte(s))
}

// Bytes exposes the underlying buffer. It is valid until Destroy and must
// not be retained.
func (h *Hidden) Bytes() []byte {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.b
}

// Expose returns the content as a string. The copy cannot be wiped.
func (h *Hidden) Expose() string {
	return string(h.Bytes())
}

// Len returns the content length.
func (h *Hidden) Len() int {
	return len(h.Bytes())
}

// Clone returns an independent copy.
func (h *Hidden) Clone() *Hidden {
	src := h.Bytes()
	b := make([]byte, len(src))
	copy(b, src)
	return NewHidden(b)
}

// Equal compares in constant time.
func (h *Hidden) Equal(other *Hidden) bool {
	a, b := h.Bytes(), other.Bytes()
	return subtle.ConstantTimeEq(int32(len(a)), int32(len(b))) == 1 &&
		subtle.ConstantTimeCompare(a, b) == 1
}

// Destroy wipes the content. It is safe to call more than once.
func (h *Hidden) Destroy() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return
	}
	memguard.WipeBytes(h.b)
	h.b = nil
	h.destroyed = true
}

// Destroyed reports whether Destroy has run.
func (h *Hidden) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

func (h *Hidden) String() string { return redacted }

func (h *Hidden) GoString() string { return redacted }

// Format keeps %x, %q and friends from printing the content.
func (h *Hidden) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(redacted))
}

func (h *Hidden) MarshalJSON() ([]byte, error) { return nil, errHiddenMarshal }

func (h *Hidden) MarshalText() ([]byte, error) { return nil, errHiddenMarshal }
