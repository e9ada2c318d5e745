package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/events"
	"github.com/TheMichaelB/tresor/internal/keystore"
	"github.com/TheMichaelB/tresor/internal/metrics"
	"github.com/TheMichaelB/tresor/internal/models"
	"github.com/TheMichaelB/tresor/internal/store"
)

// Record name used in integrity logs and metrics.
const recordAuthKeyPair = "auth_key_pair"

type pluginDeps struct {
	store    store.Store
	suite    *crypto.Suite
	keys     *keystore.Keystore
	verifier *keystore.Verifier
	limiter  *Limiter
	metrics  *metrics.Metrics
	logger   *events.Logger
}

// Plugin is a stored plugin descriptor bound to its factor.
type Plugin struct {
	descriptor *models.AuthPlugin
	factor     Factor
	deps       *pluginDeps
	logger     *events.Logger
}

func newPlugin(d *models.AuthPlugin, f Factor, deps *pluginDeps) *Plugin {
	return &Plugin{
		descriptor: d,
		factor:     f,
		deps:       deps,
		logger: deps.logger.WithFields(map[string]interface{}{
			"plugin_id": d.ID,
			"kind":      d.Kind,
		}),
	}
}

// ID returns the plugin id.
func (p *Plugin) ID() int64 { return p.descriptor.ID }

// Kind returns the factor kind.
func (p *Plugin) Kind() string { return p.descriptor.Kind }

// Descriptor returns the stored descriptor.
func (p *Plugin) Descriptor() *models.AuthPlugin { return p.descriptor }

// Register creates the user's key pair for this plugin, protected by a
// key derived from info.
func (p *Plugin) Register(ctx context.Context, userID int64, info *crypto.Hidden) (*models.AuthKeyPair, error) {
	if ok, err := p.IsRegistered(ctx, userID); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("user %d plugin %d: %w", userID, p.ID(), models.ErrAlreadyRegistered)
	}

	secret, credential, err := p.factor.Enroll(ctx, info)
	if err != nil {
		return nil, err
	}
	defer secret.Destroy()
	if credential != nil {
		defer credential.Destroy()
	}

	pair, err := p.deps.suite.Asymmetric.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	defer pair.Destroy()

	row := &models.AuthKeyPair{
		UserID:    userID,
		PluginID:  p.ID(),
		PublicKey: clone(pair.PublicKey.Bytes()),
	}
	if err := p.protect(ctx, row, secret, credential, pair.PrivateKey, nil); err != nil {
		return nil, err
	}
	if err := p.deps.store.CreateAuthKeyPair(ctx, row); err != nil {
		return nil, err
	}

	p.logger.WithField("user_id", userID).Info("Registered user")
	return row, nil
}

// IsRegistered reports whether the user has a key pair for this plugin.
func (p *Plugin) IsRegistered(ctx context.Context, userID int64) (bool, error) {
	_, err := p.deps.store.GetAuthKeyPair(ctx, userID, p.ID())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, models.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// KeyPair fetches the user's key pair row and verifies its MAC.
func (p *Plugin) KeyPair(ctx context.Context, userID int64) (*models.AuthKeyPair, error) {
	row, err := p.deps.store.GetAuthKeyPair(ctx, userID, p.ID())
	if err != nil {
		return nil, err
	}
	if err := p.deps.verifier.Check(ctx, keystore.KeyPairAuth, recordAuthKeyPair, row.RecordID(), row.MAC, row.MACFields()...); err != nil {
		return nil, err
	}
	return row, nil
}

// GetDerivedKey derives the user's key for this plugin from info. The key
// is returned only if it opens the stored private key.
func (p *Plugin) GetDerivedKey(ctx context.Context, userID int64, info *crypto.Hidden) (*crypto.Key, error) {
	if err := p.allow(userID); err != nil {
		return nil, err
	}
	row, err := p.KeyPair(ctx, userID)
	if err != nil {
		return nil, err
	}
	key, err := p.derive(ctx, row, info)
	if err != nil {
		return nil, err
	}
	priv, err := p.deps.suite.Decrypt(row.EncryptedPrivateKey, key)
	if err != nil {
		key.Destroy()
		return nil, p.credentialError(err)
	}
	priv.Destroy()
	p.deps.limiter.Reset(userID, p.ID())
	return key, nil
}

// Authenticate unlocks the actor's key pairs for this plugin and marks the
// plugin authenticated in the session. On failure nothing changes.
func (p *Plugin) Authenticate(ctx context.Context, actor *Actor, info *crypto.Hidden) error {
	logger := p.logger.WithField("user_id", actor.UserID)

	if err := p.allow(actor.UserID); err != nil {
		return err
	}

	row, err := p.KeyPair(ctx, actor.UserID)
	if errors.Is(err, models.ErrNotFound) {
		p.deps.metrics.AuthAttempt(p.Kind(), "failure")
		return &models.AuthenticationError{PluginID: p.ID(), Err: err}
	}
	if err != nil {
		return err
	}

	current, retired, err := p.unlock(ctx, row, info)
	if err != nil {
		p.deps.metrics.AuthAttempt(p.Kind(), "failure")
		logger.WithError(err).Info("Authentication failed")
		return err
	}

	if err := ctx.Err(); err != nil {
		current.Destroy()
		retired.Destroy()
		return err
	}

	actor.Keyring.Put(current)
	if retired != nil {
		actor.Keyring.Put(retired)
	}
	if err := actor.Session.SetAuthenticated(ctx, p.ID(), actor.UserID); err != nil {
		return fmt.Errorf("set session flag: %w", err)
	}

	p.deps.limiter.Reset(actor.UserID, p.ID())
	p.deps.metrics.AuthAttempt(p.Kind(), "success")
	logger.Debug("Authenticated")
	return nil
}

// IsAuthenticated reports the session flag for this plugin.
func (p *Plugin) IsAuthenticated(ctx context.Context, actor *Actor) (bool, error) {
	return actor.Session.IsAuthenticated(ctx, p.ID(), actor.UserID)
}

// ChangeAuthenticationInformation re-protects the user's private keys
// under newInfo. The key pair itself does not change, so every share and
// wrapper sealed to its public key stays valid.
func (p *Plugin) ChangeAuthenticationInformation(ctx context.Context, userID int64, oldInfo, newInfo *crypto.Hidden) error {
	if err := p.allow(userID); err != nil {
		return err
	}

	row, err := p.KeyPair(ctx, userID)
	if err != nil {
		return err
	}
	current, retired, err := p.unlock(ctx, row, oldInfo)
	if err != nil {
		return err
	}
	defer current.Destroy()
	defer retired.Destroy()

	secret, credential, err := p.factor.Enroll(ctx, newInfo)
	if err != nil {
		return err
	}
	defer secret.Destroy()
	if credential != nil {
		defer credential.Destroy()
	}

	var retiredKey *crypto.Key
	if retired != nil {
		retiredKey = retired.PrivateKey
	}
	if err := p.protect(ctx, row, secret, credential, current.PrivateKey, retiredKey); err != nil {
		return err
	}
	if err := p.deps.store.UpdateAuthKeyPair(ctx, row); err != nil {
		return err
	}

	p.deps.limiter.Reset(userID, p.ID())
	p.logger.WithField("user_id", userID).Info("Changed authentication information")
	return nil
}

// RotateKeyPair replaces the user's key pair. The old pair is kept as the
// retired pair until ClearRetiredKeyPair, so wrappers sealed to it can be
// rewrapped. Both pairs are added to the actor's keyring and the plugin
// is marked authenticated, as after Authenticate.
func (p *Plugin) RotateKeyPair(ctx context.Context, actor *Actor, info *crypto.Hidden) (*models.AuthKeyPair, error) {
	if err := p.allow(actor.UserID); err != nil {
		return nil, err
	}
	row, err := p.KeyPair(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if len(row.RetiredPublicKey) > 0 {
		return nil, &models.PolicyError{Reason: "previous key pair is still being retired"}
	}

	secret, err := p.secret(ctx, row, info)
	if err != nil {
		return nil, err
	}
	defer secret.Destroy()
	current, retired, err := p.openKeyPairs(row, secret)
	if err != nil {
		return nil, err
	}
	retired.Destroy()
	p.deps.limiter.Reset(actor.UserID, p.ID())

	credential, err := p.credential(ctx, row)
	if err != nil {
		current.Destroy()
		return nil, err
	}
	if credential != nil {
		defer credential.Destroy()
	}

	fresh, err := p.deps.suite.Asymmetric.GenerateKeyPair()
	if err != nil {
		current.Destroy()
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	row.RetiredPublicKey = row.PublicKey
	row.PublicKey = clone(fresh.PublicKey.Bytes())
	if err := p.protect(ctx, row, secret, credential, fresh.PrivateKey, current.PrivateKey); err != nil {
		current.Destroy()
		fresh.Destroy()
		return nil, err
	}
	if err := p.deps.store.UpdateAuthKeyPair(ctx, row); err != nil {
		current.Destroy()
		fresh.Destroy()
		return nil, err
	}

	actor.Keyring.Put(current)
	actor.Keyring.Put(fresh)
	if err := actor.Session.SetAuthenticated(ctx, p.ID(), actor.UserID); err != nil {
		return nil, fmt.Errorf("set session flag: %w", err)
	}
	p.logger.WithField("user_id", actor.UserID).Info("Rotated key pair")
	return row, nil
}

// ClearRetiredKeyPair drops the retired pair once nothing is sealed to it.
func (p *Plugin) ClearRetiredKeyPair(ctx context.Context, userID int64) error {
	row, err := p.KeyPair(ctx, userID)
	if err != nil {
		return err
	}
	if len(row.RetiredPublicKey) == 0 {
		return nil
	}
	row.RetiredPublicKey = nil
	row.RetiredPrivateKey = nil
	if row.MAC, err = p.deps.verifier.Tag(ctx, keystore.KeyPairAuth, row.MACFields()...); err != nil {
		return err
	}
	if err := p.deps.store.UpdateAuthKeyPair(ctx, row); err != nil {
		return err
	}
	p.logger.WithField("user_id", userID).Info("Cleared retired key pair")
	return nil
}

// EscrowInformation checks info and returns the form of it that recovery
// should store. Presenting the escrowed value later authenticates.
func (p *Plugin) EscrowInformation(ctx context.Context, userID int64, info *crypto.Hidden) (*crypto.Hidden, error) {
	if err := p.allow(userID); err != nil {
		return nil, err
	}
	row, err := p.KeyPair(ctx, userID)
	if err != nil {
		return nil, err
	}
	secret, err := p.secret(ctx, row, info)
	if err != nil {
		return nil, err
	}
	current, retired, err := p.openKeyPairs(row, secret)
	if err != nil {
		secret.Destroy()
		return nil, err
	}
	current.Destroy()
	retired.Destroy()
	p.deps.limiter.Reset(userID, p.ID())
	return secret, nil
}

// DeleteUser removes the user's key pair and recovery entry.
func (p *Plugin) DeleteUser(ctx context.Context, userID int64) error {
	if err := p.deps.store.DeleteAuthKeyPair(ctx, userID, p.ID()); err != nil {
		return err
	}
	if err := p.deps.store.DeleteRecoveryEntry(ctx, userID, p.ID()); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	p.logger.WithField("user_id", userID).Info("Deleted user key pair")
	return nil
}

// allow spends one credential check from the (user, plugin) budget.
// Every method that tests a credential goes through it.
func (p *Plugin) allow(userID int64) error {
	if p.deps.limiter.Allow(userID, p.ID()) {
		return nil
	}
	p.deps.metrics.AuthAttempt(p.Kind(), "rate_limited")
	p.logger.WithField("user_id", userID).Warn("Credential check rate limited")
	return &models.AuthenticationError{PluginID: p.ID(), Err: models.ErrRateLimited}
}

// protect encrypts the private keys under a key derived from secret with
// fresh parameters, stores the credential and recomputes the MAC. Nothing
// is written.
func (p *Plugin) protect(ctx context.Context, row *models.AuthKeyPair, secret, credential *crypto.Hidden, private, retired *crypto.Key) error {
	key, params, err := p.deps.suite.NewDerivedKey(secret)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}
	defer key.Destroy()

	if row.EncryptedPrivateKey, err = p.deps.suite.Symmetric.Encrypt(private.Hidden(), key); err != nil {
		return fmt.Errorf("encrypt private key: %w", err)
	}
	row.RetiredPrivateKey = nil
	if retired != nil {
		if row.RetiredPrivateKey, err = p.deps.suite.Symmetric.Encrypt(retired.Hidden(), key); err != nil {
			return fmt.Errorf("encrypt retired key: %w", err)
		}
	}
	row.KDFParams = params

	row.Credential = nil
	if credential != nil {
		if row.Credential, err = p.sealCredential(ctx, credential); err != nil {
			return err
		}
	}

	row.MAC, err = p.deps.verifier.Tag(ctx, keystore.KeyPairAuth, row.MACFields()...)
	return err
}

// unlock decrypts the current and, if present, retired private keys.
func (p *Plugin) unlock(ctx context.Context, row *models.AuthKeyPair, info *crypto.Hidden) (*crypto.KeyPair, *crypto.KeyPair, error) {
	secret, err := p.secret(ctx, row, info)
	if err != nil {
		return nil, nil, err
	}
	defer secret.Destroy()
	return p.openKeyPairs(row, secret)
}

// openKeyPairs is unlock for a secret the factor already produced. The
// factor is asked once per call since one-time codes are consumed.
func (p *Plugin) openKeyPairs(row *models.AuthKeyPair, secret *crypto.Hidden) (*crypto.KeyPair, *crypto.KeyPair, error) {
	key, err := p.deps.suite.DeriveKey(secret, row.KDFParams)
	if err != nil {
		return nil, nil, fmt.Errorf("derive key: %w", err)
	}
	defer key.Destroy()

	priv, err := p.deps.suite.Decrypt(row.EncryptedPrivateKey, key)
	if err != nil {
		return nil, nil, p.credentialError(err)
	}
	current := &crypto.KeyPair{
		PublicKey:  crypto.NewKey(clone(row.PublicKey)),
		PrivateKey: crypto.KeyFromHidden(priv),
	}

	if len(row.RetiredPublicKey) == 0 {
		return current, nil, nil
	}
	retiredPriv, err := p.deps.suite.Decrypt(row.RetiredPrivateKey, key)
	if err != nil {
		current.Destroy()
		return nil, nil, p.credentialError(err)
	}
	retired := &crypto.KeyPair{
		PublicKey:  crypto.NewKey(clone(row.RetiredPublicKey)),
		PrivateKey: crypto.KeyFromHidden(retiredPriv),
	}
	return current, retired, nil
}

func (p *Plugin) derive(ctx context.Context, row *models.AuthKeyPair, info *crypto.Hidden) (*crypto.Key, error) {
	secret, err := p.secret(ctx, row, info)
	if err != nil {
		return nil, err
	}
	defer secret.Destroy()

	key, err := p.deps.suite.DeriveKey(secret, row.KDFParams)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func (p *Plugin) secret(ctx context.Context, row *models.AuthKeyPair, info *crypto.Hidden) (*crypto.Hidden, error) {
	credential, err := p.credential(ctx, row)
	if err != nil {
		return nil, err
	}
	if credential != nil {
		defer credential.Destroy()
	}

	secret, err := p.factor.Secret(ctx, info, credential)
	if err != nil {
		return nil, p.credentialError(err)
	}
	return secret, nil
}

func (p *Plugin) credential(ctx context.Context, row *models.AuthKeyPair) (*crypto.Hidden, error) {
	if len(row.Credential) == 0 {
		return nil, nil
	}
	key, err := p.deps.keys.Key(ctx, keystore.Factor)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	credential, err := p.deps.suite.Decrypt(row.Credential, key)
	if err != nil {
		return nil, fmt.Errorf("decrypt stored credential: %w", err)
	}
	return credential, nil
}

func (p *Plugin) sealCredential(ctx context.Context, credential *crypto.Hidden) ([]byte, error) {
	key, err := p.deps.keys.Key(ctx, keystore.Factor)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	out, err := p.deps.suite.Symmetric.Encrypt(credential, key)
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}
	return out, nil
}

// credentialError hides why a credential was rejected.
func (p *Plugin) credentialError(err error) error {
	if errors.Is(err, models.ErrDecryptionFailed) || errors.Is(err, models.ErrInvalidCredential) {
		return &models.AuthenticationError{PluginID: p.ID(), Err: models.ErrInvalidCredential}
	}
	return err
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
