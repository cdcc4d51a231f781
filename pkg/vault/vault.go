// Package vault gates secret material behind a 6-digit PIN with a lockout
// policy.
package vault

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blokista/walletgate/pkg/logger"
	"github.com/blokista/walletgate/pkg/metrics"
	"github.com/blokista/walletgate/pkg/store"
)

const (
	DefaultMaxAttempts = 3
	DefaultLockout     = time.Minute
)

type Options struct {
	MaxAttempts int
	Lockout     time.Duration
	// Grace lets Gate skip the PIN when the last successful verification is
	// younger than this. Zero disables it.
	Grace   time.Duration
	Now     func() time.Time
	Metrics *metrics.Metrics
}

// Grant proves a successful verification and authorizes exactly one Reset.
type Grant struct {
	token string
}

// attempts is the persisted failure state. It lives in the store so every
// process sharing the database sees the same counter and lockout.
type attempts struct {
	Failed      int       `json:"failed"`
	LockedUntil time.Time `json:"locked_until"`
}

func (a attempts) lockedAt(now time.Time) bool {
	return !a.LockedUntil.IsZero() && now.Before(a.LockedUntil)
}

// Vault stores the PIN credential and the failed-attempt state.
type Vault struct {
	kv          store.KV
	maxAttempts int
	lockout     time.Duration
	grace       time.Duration
	now         func() time.Time
	metrics     *metrics.Metrics

	mu         sync.Mutex
	lastUnlock time.Time
	grant      string
}

func New(kv store.KV, opts Options) *Vault {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Lockout <= 0 {
		opts.Lockout = DefaultLockout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Vault{
		kv:          kv,
		maxAttempts: opts.MaxAttempts,
		lockout:     opts.Lockout,
		grace:       opts.Grace,
		now:         opts.Now,
		metrics:     opts.Metrics,
	}
}

// IsConfigured reports whether a PIN credential exists.
func (v *Vault) IsConfigured(ctx context.Context) (bool, error) {
	return isConfigured(ctx, v.kv)
}

func isConfigured(ctx context.Context, tx store.Tx) (bool, error) {
	var h string
	ok, err := tx.Get(ctx, store.KeyPinHash, &h)
	if err != nil {
		return false, err
	}
	return ok && h != "", nil
}

// SetPIN stores the first credential. Replacing an existing one goes
// through Reset.
func (v *Vault) SetPIN(ctx context.Context, pin string) error {
	if !ValidatePIN(pin) {
		return ErrInvalidPinFormat
	}
	err := v.kv.Update(ctx, func(tx store.Tx) error {
		configured, err := isConfigured(ctx, tx)
		if err != nil {
			return err
		}
		if configured {
			return ErrAlreadyConfigured
		}
		return writeCredential(ctx, tx, pin)
	})
	if err != nil {
		return err
	}
	logger.InfoC("vault", "PIN configured")
	return nil
}

// Verify checks pin against the stored credential and applies the lockout
// policy.
func (v *Vault) Verify(ctx context.Context, pin string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.verifyLocked(ctx, pin)
}

// verifyLocked reads and updates the attempt state in one store update, so
// concurrent verifications in other processes are counted too.
func (v *Vault) verifyLocked(ctx context.Context, pin string) error {
	now := v.now()
	var (
		verdict    error
		state      attempts
		justLocked bool
	)
	err := v.kv.Update(ctx, func(tx store.Tx) error {
		var err error
		state, err = loadAttempts(ctx, tx)
		if err != nil {
			return err
		}
		if state.lockedAt(now) {
			verdict = &LockedOutError{Remaining: state.LockedUntil.Sub(now)}
			return nil
		}
		if !state.LockedUntil.IsZero() {
			// lockout elapsed
			state = attempts{}
		}
		if !ValidatePIN(pin) {
			verdict = ErrInvalidPinFormat
			return nil
		}

		hash, salt, err := readCredential(ctx, tx)
		if err != nil {
			return err
		}

		if !matchPIN(pin, salt, hash) {
			state.Failed++
			verdict = ErrIncorrectPin
			if state.Failed >= v.maxAttempts {
				state.LockedUntil = now.Add(v.lockout)
				verdict = &LockedOutError{Remaining: v.lockout}
				justLocked = true
			}
			return tx.Set(ctx, store.KeyPinAttempts, state)
		}

		state = attempts{}
		return tx.Delete(ctx, store.KeyPinAttempts)
	})
	if err != nil {
		return err
	}

	switch {
	case verdict == nil:
		v.lastUnlock = now
		v.metrics.PinAttempt("ok")
	case errors.Is(verdict, ErrInvalidPinFormat):
		v.metrics.PinAttempt("invalid_format")
	case justLocked:
		v.metrics.PinAttempt("incorrect")
		v.metrics.Lockout()
		logger.WarnCF("vault", "PIN locked out", map[string]any{
			"attempts": state.Failed,
			"until":    state.LockedUntil.Format(time.RFC3339),
		})
	case errors.Is(verdict, ErrLockedOut):
		v.metrics.PinAttempt("locked")
	default:
		v.metrics.PinAttempt("incorrect")
		logger.DebugCF("vault", "Incorrect PIN", map[string]any{
			"attempts":  state.Failed,
			"remaining": v.maxAttempts - state.Failed,
		})
	}
	return verdict
}

// checkLock returns a LockedOutError while locked.
func (v *Vault) checkLock(ctx context.Context, tx store.Tx, now time.Time) error {
	state, err := loadAttempts(ctx, tx)
	if err != nil {
		return err
	}
	if state.lockedAt(now) {
		return &LockedOutError{Remaining: state.LockedUntil.Sub(now)}
	}
	return nil
}

// Authorize verifies pin and issues a Grant for a following Reset. Issuing
// a new grant invalidates any earlier one.
func (v *Vault) Authorize(ctx context.Context, pin string) (Grant, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.verifyLocked(ctx, pin); err != nil {
		return Grant{}, err
	}
	v.grant = uuid.NewString()
	return Grant{token: v.grant}, nil
}

// Reset replaces the credential. The grant must come from Authorize and is
// consumed whether or not the write succeeds.
func (v *Vault) Reset(ctx context.Context, g Grant, newPIN string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkLock(ctx, v.kv, v.now()); err != nil {
		return err
	}
	if g.token == "" || g.token != v.grant {
		return ErrInvalidGrant
	}
	if !ValidatePIN(newPIN) {
		return ErrInvalidPinFormat
	}
	v.grant = ""

	err := v.kv.Update(ctx, func(tx store.Tx) error {
		if err := writeCredential(ctx, tx, newPIN); err != nil {
			return err
		}
		return tx.Delete(ctx, store.KeyPinAttempts)
	})
	if err != nil {
		return err
	}
	v.lastUnlock = time.Time{}
	logger.InfoC("vault", "PIN reset")
	return nil
}

// ChangePIN verifies oldPIN and then resets to newPIN.
func (v *Vault) ChangePIN(ctx context.Context, oldPIN, newPIN string) error {
	if !ValidatePIN(newPIN) {
		return ErrInvalidPinFormat
	}
	g, err := v.Authorize(ctx, oldPIN)
	if err != nil {
		return err
	}
	return v.Reset(ctx, g, newPIN)
}

// Clear deletes the credential, returning the device to "PIN not configured".
func (v *Vault) Clear(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	err := v.kv.Update(ctx, func(tx store.Tx) error {
		if err := v.checkLock(ctx, tx, now); err != nil {
			return err
		}
		for _, key := range []string{store.KeyPinHash, store.KeyPinSalt, store.KeyPinAttempts} {
			if err := tx.Delete(ctx, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	v.grant = ""
	v.lastUnlock = time.Time{}
	logger.InfoC("vault", "PIN cleared")
	return nil
}

// Gate authorizes a PIN-gated action and runs next with it. Within the grace
// window pin is not checked.
func (v *Vault) Gate(ctx context.Context, pin string, a Action, next Continuation) error {
	v.mu.Lock()
	now := v.now()
	if err := v.checkLock(ctx, v.kv, now); err != nil {
		v.mu.Unlock()
		return err
	}
	inGrace := v.grace > 0 && !v.lastUnlock.IsZero() && now.Sub(v.lastUnlock) < v.grace
	if !inGrace {
		if err := v.verifyLocked(ctx, pin); err != nil {
			v.mu.Unlock()
			return err
		}
	}
	v.mu.Unlock()

	logger.InfoCF("vault", "Action authorized", map[string]any{
		"action":    a.Kind.String(),
		"wallet_id": a.WalletID,
		"grace":     inGrace,
	})
	return next(a)
}

// FailedAttempts returns the current consecutive failure count. An elapsed
// lockout counts as zero.
func (v *Vault) FailedAttempts(ctx context.Context) (int, error) {
	state, err := loadAttempts(ctx, v.kv)
	if err != nil {
		return 0, err
	}
	if !state.LockedUntil.IsZero() && !state.lockedAt(v.now()) {
		return 0, nil
	}
	return state.Failed, nil
}

// LockedFor returns the remaining lockout, or zero when not locked.
func (v *Vault) LockedFor(ctx context.Context) (time.Duration, error) {
	state, err := loadAttempts(ctx, v.kv)
	if err != nil {
		return 0, err
	}
	now := v.now()
	if !state.lockedAt(now) {
		return 0, nil
	}
	return state.LockedUntil.Sub(now), nil
}

func loadAttempts(ctx context.Context, tx store.Tx) (attempts, error) {
	var a attempts
	if _, err := tx.Get(ctx, store.KeyPinAttempts, &a); err != nil {
		return attempts{}, fmt.Errorf("load pin attempts: %w", err)
	}
	return a, nil
}

func readCredential(ctx context.Context, tx store.Tx) (string, []byte, error) {
	var hash, saltHex string
	ok, err := tx.Get(ctx, store.KeyPinHash, &hash)
	if err != nil {
		return "", nil, err
	}
	if !ok || hash == "" {
		return "", nil, ErrNotConfigured
	}
	if _, err := tx.Get(ctx, store.KeyPinSalt, &saltHex); err != nil {
		return "", nil, err
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", nil, fmt.Errorf("corrupt pin salt: %w", err)
	}
	return hash, salt, nil
}

func writeCredential(ctx context.Context, tx store.Tx, pin string) error {
	salt, err := newSalt()
	if err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	if err := tx.Set(ctx, store.KeyPinSalt, hex.EncodeToString(salt)); err != nil {
		return err
	}
	return tx.Set(ctx, store.KeyPinHash, hex.EncodeToString(hashPIN(pin, salt)))
}
