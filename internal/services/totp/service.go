// Package totp wraps time-based one-time passwords for the totp
// authentication factor.
package totp

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Enrollment is a freshly generated seed and its otpauth:// URL.
type Enrollment struct {
	Secret string
	URL    string
}

// Service generates and checks TOTP codes.
type Service struct {
	issuer    string
	period    uint
	skew      uint
	digits    otp.Digits
	algorithm otp.Algorithm

	mu   sync.Mutex
	used map[[sha256.Size]byte]int64
}

// NewService creates a service with standard RFC 6238 settings: 30 second
// steps, six digits and SHA1.
func NewService(issuer string, skew uint) *Service {
	if issuer == "" {
		issuer = "tresor"
	}
	return &Service{
		issuer:    issuer,
		period:    30,
		skew:      skew,
		digits:    otp.DigitsSix,
		algorithm: otp.AlgorithmSHA1,
		used:      make(map[[sha256.Size]byte]int64),
	}
}

func (s *Service) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    s.period,
		Skew:      s.skew,
		Digits:    s.digits,
		Algorithm: s.algorithm,
	}
}

// Generate creates a new seed for account.
func (s *Service) Generate(account string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: account,
		Period:      s.period,
		Digits:      s.digits,
		Algorithm:   s.algorithm,
		SecretSize:  20,
	})
	if err != nil {
		return nil, fmt.Errorf("totp: generate seed: %w", err)
	}
	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// GenerateCodeAt generates the code for secret at t.
func (s *Service) GenerateCodeAt(secret string, t time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("totp: secret cannot be empty")
	}
	code, err := totp.GenerateCodeCustom(secret, t, s.opts())
	if err != nil {
		return "", fmt.Errorf("totp: failed to generate code: %w", err)
	}
	return code, nil
}

// ValidateAt checks code against secret at t, allowing the configured skew.
func (s *Service) ValidateAt(secret, code string, t time.Time) bool {
	code = strings.TrimSpace(code)
	if secret == "" || len(code) != s.digits.Length() {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, t, s.opts())
	return err == nil && ok
}

// UseAt checks code like ValidateAt and also consumes its time step: a
// code is accepted at most once, and never once a later step's code has
// been accepted for the same secret. Consumed steps live in memory only.
func (s *Service) UseAt(secret, code string, t time.Time) bool {
	code = strings.TrimSpace(code)
	if secret == "" || len(code) != s.digits.Length() {
		return false
	}
	key := sha256.Sum256([]byte(secret))
	counter := t.Unix() / int64(s.period)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used == nil {
		s.used = make(map[[sha256.Size]byte]int64)
	}

	for i := -int64(s.skew); i <= int64(s.skew); i++ {
		step := counter + i
		if step < 0 {
			continue
		}
		want, err := totp.GenerateCodeCustom(secret, time.Unix(step*int64(s.period), 0).UTC(), s.opts())
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) != 1 {
			continue
		}
		if last, ok := s.used[key]; ok && step <= last {
			return false
		}
		s.used[key] = step
		return true
	}
	return false
}

// Validate checks code at the current time.
func (s *Service) Validate(secret, code string) bool {
	return s.ValidateAt(secret, code, time.Now())
}

// IsValidSecret checks that secret is usable as a seed.
func (s *Service) IsValidSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("totp: secret cannot be empty")
	}
	if _, err := totp.GenerateCodeCustom(secret, time.Now(), s.opts()); err != nil {
		return fmt.Errorf("totp: invalid secret format: %w", err)
	}
	return nil
}
