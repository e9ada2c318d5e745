package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/metrics"
	"github.com/TheMichaelB/tresor/internal/models"
)

// Verifier computes and checks record MACs under a system key.
type Verifier struct {
	keys    *Keystore
	suite   *crypto.Suite
	logger  *events.Logger
	metrics *metrics.Metrics
}

// NewVerifier creates a verifier. m may be nil.
func NewVerifier(keys *Keystore, suite *crypto.Suite, logger *events.Logger, m *metrics.Metrics) *Verifier {
	return &Verifier{
		keys:    keys,
		suite:   suite,
		logger:  logger.WithField("component", "integrity"),
		metrics: m,
	}
}

// Tag returns the MAC over fields under the named key.
func (v *Verifier) Tag(ctx context.Context, name Name, fields ...[]byte) ([]byte, error) {
	key, err := v.keys.Key(ctx, name)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	mac, err := v.suite.CreateMAC(crypto.MACInput(fields...), key)
	if err != nil {
		return nil, fmt.Errorf("create mac: %w", err)
	}
	return mac, nil
}

// Check verifies mac over fields. A mismatch is logged at critical
// severity and returned as an IntegrityError.
func (v *Verifier) Check(ctx context.Context, name Name, record string, id any, mac []byte, fields ...[]byte) error {
	key, err := v.keys.Key(ctx, name)
	if err != nil {
		return err
	}
	defer key.Destroy()

	ok, err := v.suite.VerifyMAC(crypto.MACInput(fields...), key, mac)
	if err != nil && errors.Is(err, models.ErrConfiguration) {
		return err
	}
	if err != nil || !ok {
		return v.reject(ctx, record, fmt.Sprint(id), err)
	}
	return nil
}

func (v *Verifier) reject(ctx context.Context, record, id string, cause error) error {
	if cause == nil {
		cause = crypto.ErrMACMismatch
	}

	logger := v.logger.WithFields(map[string]interface{}{
		"record":    record,
		"record_id": id,
	}).WithError(cause)
	if reqID := events.GetRequestID(ctx); reqID != "" {
		logger = logger.WithField("request_id", reqID)
	}
	logger.Critical("Stored record failed integrity check")

	v.metrics.IntegrityFailure(record)
	return &models.IntegrityError{Record: record, ID: id, Err: cause}
}
