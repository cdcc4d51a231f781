package vault

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blokista/walletgate/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestVault(t *testing.T, grace time.Duration) (*Vault, *fakeClock, *store.Memory) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	kv := store.NewMemory()
	v := New(kv, Options{
		MaxAttempts: 3,
		Lockout:     time.Minute,
		Grace:       grace,
		Now:         clock.Now,
	})
	return v, clock, kv
}

func failedAttempts(t *testing.T, v *Vault) int {
	t.Helper()
	n, err := v.FailedAttempts(context.Background())
	require.NoError(t, err)
	return n
}

func lockedFor(t *testing.T, v *Vault) time.Duration {
	t.Helper()
	d, err := v.LockedFor(context.Background())
	require.NoError(t, err)
	return d
}

func TestValidatePIN(t *testing.T) {
	tests := []struct {
		pin  string
		want bool
	}{
		{"123456", true},
		{"000000", true},
		{"12345", false},
		{"1234567", false},
		{"12345a", false},
		{"", false},
		{"１２３４５６", false},
	}
	for _, tt := range tests {
		t.Run(tt.pin, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidatePIN(tt.pin))
		})
	}
}

func TestSetPIN_RejectsBadFormat(t *testing.T) {
	v, _, _ := newTestVault(t, 0)
	err := v.SetPIN(context.Background(), "1234")
	assert.ErrorIs(t, err, ErrInvalidPinFormat)

	ok, err := v.IsConfigured(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_OnlyTheSetPINMatches(t *testing.T) {
	ctx := context.Background()
	v, _, kv := newTestVault(t, 0)
	require.NoError(t, v.SetPIN(ctx, "482913"))
	assert.True(t, kv.Has(store.KeyPinHash))
	assert.True(t, kv.Has(store.KeyPinSalt))

	require.NoError(t, v.Verify(ctx, "482913"))

	for _, other := range []string{"482914", "000000", "999999", "284913"} {
		err := v.Verify(ctx, other)
		assert.ErrorIs(t, err, ErrIncorrectPin, other)
		// keep below the lockout threshold
		require.NoError(t, v.Verify(ctx, "482913"))
	}
}

func TestVerify_RawPINNeverStored(t *testing.T) {
	ctx := context.Background()
	v, _, kv := newTestVault(t, 0)
	require.NoError(t, v.SetPIN(ctx, "135790"))

	var hash, salt string
	_, err := kv.Get(ctx, store.KeyPinHash, &hash)
	require.NoError(t, err)
	_, err = kv.Get(ctx, store.KeyPinSalt, &salt)
	require.NoError(t, err)
	assert.NotContains(t, hash, "135790")
	assert.Len(t, salt, saltSize*2)
}

func TestVerify_NotConfigured(t *testing.T) {
	v, _, _ := newTestVault(t, 0)
	assert.ErrorIs(t, v.Verify(context.Background(), "123456"), ErrNotConfigured)
}

func TestVerify_Lockout(t *testing.T) {
	ctx := context.Background()
	v, clock, _ := newTestVault(t, 0)
	require.NoError(t, v.SetPIN(ctx, "111111"))

	assert.ErrorIs(t, v.Verify(ctx, "222222"), ErrIncorrectPin)
	assert.ErrorIs(t, v.Verify(ctx, "333333"), ErrIncorrectPin)
	assert.Equal(t, 2, failedAttempts(t, v))

	err := v.Verify(ctx, "444444")
	require.ErrorIs(t, err, ErrLockedOut)
	var locked *LockedOutError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, 60, locked.RemainingSeconds())

	// correct PIN still fails while locked
	clock.Advance(30 * time.Second)
	err = v.Verify(ctx, "111111")
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 30, locked.RemainingSeconds())
	assert.Equal(t, 30*time.Second, lockedFor(t, v))

	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, failedAttempts(t, v))
	assert.Zero(t, lockedFor(t, v))
	require.NoError(t, v.Verify(ctx, "111111"))
}

func TestVerify_SuccessResetsCounter(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t, 0)
	require.NoError(t, v.SetPIN(ctx, "111111"))

	assert.Error(t, v.Verify(ctx, "000000"))
	assert.Error(t, v.Verify(ctx, "000000"))
	require.NoError(t, v.Verify(ctx, "111111"))
	assert.Equal(t, 0, failedAttempts(t, v))

	// two more failures do not lock out
	assert.ErrorIs(t, v.Verify(ctx, "000000"), ErrIncorrectPin)
	assert.ErrorIs(t, v.Verify(ctx, "000000"), ErrIncorrectPin)
	require.NoError(t, v.Verify(ctx, "111111"))
}

func TestVerify_ConcurrentAttemptsCountedOnce(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t, 0)
	require.NoError(t, v.SetPIN(ctx, "111111"))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- v.Verify(ctx, "999999")
		}()
	}
	wg.Wait()
	close(errs)

	var incorrect, locked int
	for err := range errs {
		switch {
		case errors.Is(err, ErrLockedOut):
			locked++
		case errors.Is(err, ErrIncorrectPin):
			incorrect++
		}
	}
	assert.Equal(t, 2, incorrect)
	assert.Equal(t, 8, locked)
}

func TestVerify_LockoutSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	kv := store.NewMemory()
	opts := Options{MaxAttempts: 3, Lockout: time.Hour, Now: clock.Now}

	first := New(kv, opts)
	require.NoError(t, first.SetPIN(ctx, "111111"))
	for i := 0; i < 3; i++ {
		_ = first.Verify(ctx, "000000")
	}
	assert.ErrorIs(t, first.Verify(ctx, "111111"), ErrLockedOut)

	// a fresh instance on the same store starts locked
	second := New(kv, opts)
	assert.ErrorIs(t, second.Verify(ctx, "111111"), ErrLockedOut)
	assert.Equal(t, time.Hour, lockedFor(t, second))

	clock.Advance(time.Hour)
	require.NoError(t, second.Verify(ctx, "111111"))
	assert.Equal(t, 0, failedAttempts(t, first))
}

func TestVerify_FailuresAccumulateAcrossInstances(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	a := New(kv, Options{})
	require.NoError(t, a.SetPIN(ctx, "111111"))

	assert.ErrorIs(t, a.Verify(ctx, "000000"), ErrIncorrectPin)
	assert.ErrorIs(t, New(kv, Options{}).Verify(ctx, "000000"), ErrIncorrectPin)
	assert.ErrorIs(t, New(kv, Options{}).Verify(ctx, "000000"), ErrLockedOut)
	assert.True(t, kv.Has(store.KeyPinAttempts))
}

func TestVerify_LockoutSurvivesSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")

	db, err := store.OpenSQLite(path)
	require.NoError(t, err)
	v := New(db, Options{})
	require.NoError(t, v.SetPIN(ctx, "111111"))
	for i := 0; i < 3; i++ {
		_ = v.Verify(ctx, "000000")
	}
	require.NoError(t, db.Close())

	db, err = store.OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()
	assert.ErrorIs(t, New(db, Options{}).Verify(ctx, "111111"), ErrLockedOut)
}

func TestReset_RequiresGrant(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t, 0)
	require.NoError(t, v.SetPIN(ctx, "111111"))

	assert.ErrorIs(t, v.Reset(ctx, Grant{}, "222222"), ErrInvalidGrant)
	assert.ErrorIs(t, v.SetPIN(ctx, "222222"), ErrAlreadyConfigured)

	g, err := v.Authorize(ctx, "111111")
	require.NoError(t, err)
	require.NoError(t, v.Reset(ctx, g, "222222"))

	// single use
	assert.ErrorIs(t, v.Reset(ctx, g, "333333"), ErrInvalidGrant)

	assert.ErrorIs(t, v.Verify(ctx, "111111"), ErrIncorrectPin)
	require.NoError(t, v.Verify(ctx, "222222"))
}

func TestAuthorize_NewGrantInvalidatesOld(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t, 0)
	require.NoError(t, v.SetPIN(ctx, "111111"))

	first, err := v.Authorize(ctx, "111111")
	require.NoError(t, err)
	second, err := v.Authorize(ctx, "111111")
	require.NoError(t, err)

	assert.ErrorIs(t, v.Reset(ctx, first, "222222"), ErrInvalidGrant)
	require.NoError(t, v.Reset(ctx, second, "222222"))
}

func TestChangePIN(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t, 0)
	require.NoError(t, v.SetPIN(ctx, "111111"))

	assert.ErrorIs(t, v.ChangePIN(ctx, "000000", "222222"), ErrIncorrectPin)
	assert.ErrorIs(t, v.ChangePIN(ctx, "111111", "22"), ErrInvalidPinFormat)
	require.NoError(t, v.ChangePIN(ctx, "111111", "222222"))
	require.NoError(t, v.Verify(ctx, "222222"))
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	v, _, kv := newTestVault(t, 0)
	require.NoError(t, v.SetPIN(ctx, "111111"))
	require.NoError(t, v.Clear(ctx))

	assert.False(t, kv.Has(store.KeyPinHash))
	assert.False(t, kv.Has(store.KeyPinAttempts))
	ok, err := v.IsConfigured(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, v.SetPIN(ctx, "654321"))
	require.NoError(t, v.Verify(ctx, "654321"))
}

func TestClear_BlockedDuringLockout(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t, 0)
	require.NoError(t, v.SetPIN(ctx, "111111"))
	for i := 0; i < 3; i++ {
		_ = v.Verify(ctx, "000000")
	}
	assert.ErrorIs(t, v.Clear(ctx), ErrLockedOut)
}

func TestGate(t *testing.T) {
	ctx := context.Background()

	t.Run("runs continuation with the action", func(t *testing.T) {
		v, _, _ := newTestVault(t, 0)
		require.NoError(t, v.SetPIN(ctx, "111111"))

		var got Action
		want := Action{Kind: CopySecret, WalletID: "w1", Field: FieldMnemonic}
		err := v.Gate(ctx, "111111", want, func(a Action) error {
			got = a
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("wrong pin skips continuation", func(t *testing.T) {
		v, _, _ := newTestVault(t, 0)
		require.NoError(t, v.SetPIN(ctx, "111111"))

		called := false
		err := v.Gate(ctx, "000000", Action{Kind: RevealKey}, func(Action) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrIncorrectPin)
		assert.False(t, called)
	})

	t.Run("no grace re-prompts every time", func(t *testing.T) {
		v, _, _ := newTestVault(t, 0)
		require.NoError(t, v.SetPIN(ctx, "111111"))
		require.NoError(t, v.Gate(ctx, "111111", Action{Kind: RevealKey}, func(Action) error { return nil }))

		err := v.Gate(ctx, "", Action{Kind: CopySecret}, func(Action) error { return nil })
		assert.ErrorIs(t, err, ErrInvalidPinFormat)
	})

	t.Run("grace covers reveal then copy", func(t *testing.T) {
		v, clock, _ := newTestVault(t, 30*time.Second)
		require.NoError(t, v.SetPIN(ctx, "111111"))
		require.NoError(t, v.Gate(ctx, "111111", Action{Kind: RevealKey}, func(Action) error { return nil }))

		clock.Advance(10 * time.Second)
		require.NoError(t, v.Gate(ctx, "", Action{Kind: CopySecret}, func(Action) error { return nil }))

		clock.Advance(30 * time.Second)
		assert.Error(t, v.Gate(ctx, "", Action{Kind: CopySecret}, func(Action) error { return nil }))
	})

	t.Run("continuation error propagates", func(t *testing.T) {
		v, _, _ := newTestVault(t, 0)
		require.NoError(t, v.SetPIN(ctx, "111111"))
		boom := fmt.Errorf("wallet gone")
		err := v.Gate(ctx, "111111", Action{Kind: RevealMnemonic}, func(Action) error { return boom })
		assert.ErrorIs(t, err, boom)
	})
}

func TestActionKind_RoundTrip(t *testing.T) {
	for _, k := range []ActionKind{RevealKey, RevealMnemonic, CopySecret} {
		parsed, err := ParseActionKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseActionKind("sign")
	assert.Error(t, err)
}
