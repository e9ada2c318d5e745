package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// SystemRandom reads from the operating system CSPRNG.
type SystemRandom struct {
	src io.Reader
}

// NewSystemRandom returns the default CSPRNG.
func NewSystemRandom() *SystemRandom {
	return &SystemRandom{src: rand.Reader}
}

func (r *SystemRandom) ID() string { return "crypto-rand" }

func (r *SystemRandom) Read(p []byte) (int, error) {
	return io.ReadFull(r.src, p)
}

// Bytes returns n random bytes.
func (r *SystemRandom) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// Intn returns a uniform value in [0, n).
func (r *SystemRandom) Intn(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("intn: bound %d must be positive", n)
	}
	v, err := rand.Int(r.src, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("read random: %w", err)
	}
	return int(v.Int64()), nil
}

// String draws n characters uniformly from alphabet.
func (r *SystemRandom) String(alphabet string, n int) (string, error) {
	chars := []rune(alphabet)
	if len(chars) == 0 {
		return "", fmt.Errorf("empty alphabet")
	}
	out := make([]rune, n)
	for i := range out {
		j, err := r.Intn(len(chars))
		if err != nil {
			return "", err
		}
		out[i] = chars[j]
	}
	return string(out), nil
}
