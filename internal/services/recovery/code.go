package recovery

import (
	"strings"

	"github.com/TheMichaelB/tresor/internal/crypto"
)

// Recovery codes avoid characters that are easy to confuse when copied
// by hand: 0/O, 1/I/L.
const (
	CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	CodeLength   = 25
	groupSize    = 5
)

func newCode(random crypto.CSPRNG) (*crypto.Hidden, error) {
	s, err := random.String(CodeAlphabet, CodeLength)
	if err != nil {
		return nil, err
	}
	return crypto.HiddenString(s), nil
}

// FormatCode splits a code into dash-separated groups of five.
func FormatCode(code *crypto.Hidden) string {
	raw := code.Bytes()
	var b strings.Builder
	for i, c := range raw {
		if i > 0 && i%groupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// NormalizeCode drops separators and whitespace and upper-cases what is
// left, so a code can be typed the way it was printed.
func NormalizeCode(code *crypto.Hidden) *crypto.Hidden {
	raw := code.Bytes()
	out := make([]byte, 0, len(raw))
	for _, c := range raw {
		switch {
		case c == '-' || c == ' ' || c == '\t' || c == '\n' || c == '\r':
			continue
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		default:
			out = append(out, c)
		}
	}
	return crypto.NewHidden(out)
}
