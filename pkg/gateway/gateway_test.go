package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blokista/walletgate/pkg/blockchain"
	"github.com/blokista/walletgate/pkg/capability"
	"github.com/blokista/walletgate/pkg/config"
	"github.com/blokista/walletgate/pkg/notify"
	"github.com/blokista/walletgate/pkg/relay"
	"github.com/blokista/walletgate/pkg/store"
	"github.com/blokista/walletgate/pkg/vault"
	"github.com/blokista/walletgate/pkg/wallet"
	wc "github.com/blokista/walletgate/pkg/walletconnect"
	"github.com/blokista/walletgate/pkg/walletconnect/wctest"
)

const (
	testPIN = "246810"
	testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

var testAddr = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Notify(_ context.Context, e notify.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) of(kind notify.Kind) []notify.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []notify.Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type countingSigner struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSigner) inc() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "0x01", nil
}

func (s *countingSigner) SignMessage(context.Context, common.Address, []byte) (string, error) {
	return s.inc()
}

func (s *countingSigner) SignTypedData(context.Context, common.Address, []byte) (string, error) {
	return s.inc()
}

func (s *countingSigner) SignTransaction(context.Context, common.Address, int64, blockchain.TxRequest) (string, error) {
	return s.inc()
}

func (s *countingSigner) SendTransaction(context.Context, common.Address, int64, blockchain.TxRequest) (string, error) {
	return s.inc()
}

type fixture struct {
	g       *Gateway
	tr      *wctest.Transport
	inbound chan relay.Message
	events  *eventLog
	clip    *capability.Memory
	kv      *store.Memory
	wallet  wallet.Info
}

func newFixture(t *testing.T, sign *countingSigner) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Relay.PairingSweep = ""
	cfg.Chains = []config.EVMChain{
		{Name: "Ethereum", ChainID: 1, RPC: "http://127.0.0.1:1", Currency: "ETH"},
		{Name: "Polygon", ChainID: 137, RPC: "http://127.0.0.1:1", Currency: "POL"},
	}

	f := &fixture{
		tr:      wctest.NewTransport(),
		inbound: make(chan relay.Message),
		events:  &eventLog{},
		clip:    &capability.Memory{},
		kv:      store.NewMemory(),
	}
	opts := Options{
		Config:       cfg,
		KV:           f.kv,
		Transport:    f.tr,
		Inbound:      f.inbound,
		Notifier:     f.events,
		Capabilities: capability.Static{Caps: capability.Capabilities{Clipboard: true}, Clip: f.clip},
	}
	if sign != nil {
		opts.Signer = sign
	}
	g, err := New(ctx, opts)
	require.NoError(t, err)
	f.g = g

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, g.Run(runCtx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, g.Vault().SetPIN(ctx, testPIN))
	w, err := wallet.FromPrivateKey(testKey, "Main")
	require.NoError(t, err)
	f.wallet, err = g.AddWallet(ctx, w)
	require.NoError(t, err)
	return f
}

// deliver hands an envelope to the loop; the unbuffered channel returns once
// the loop has taken it, and the next Submit runs after it is handled.
func (f *fixture) deliver(topic, envelope string) {
	f.inbound <- relay.Message{Topic: topic, Message: envelope}
}

func (f *fixture) connect(t *testing.T, peer *wctest.Peer, id int64, chains ...int64) (*wc.SessionView, []byte) {
	t.Helper()
	ctx := context.Background()
	_, err := f.g.Pair(ctx, peer.URI())
	require.NoError(t, err)
	f.deliver(peer.Topic, peer.Propose(id, wctest.Chains(chains...)))

	out, err := f.g.ApproveHead(ctx, "")
	require.NoError(t, err)
	require.Equal(t, KindProposal, out.Kind)

	msgs := f.tr.On(peer.Topic)
	key := peer.SessionKey(peer.Decode(peer.PairingKey, msgs[len(msgs)-1].Message))
	return out.Session, key
}

func TestProposalGrantsSupportedChains(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	peer := wctest.NewPeer(t)

	_, err := f.g.Pair(ctx, peer.URI())
	require.NoError(t, err)
	f.deliver(peer.Topic, peer.Propose(1, wctest.Chains(1, 137, 56)))

	head, err := f.g.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindProposal, head.Kind)
	assert.Equal(t, []int64{1, 137}, head.Chains)
	assert.Equal(t, "Test Dapp", head.Peer.Name)
	require.Len(t, f.events.of(notify.ProposalPending), 1)

	out, err := f.g.ApproveHead(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 137}, out.Session.Chains)
	assert.Equal(t, testAddr, out.Session.Address)

	sessions, err := f.g.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotEmpty(t, f.events.of(notify.SessionsChanged))

	_, err = f.g.Head(ctx)
	assert.ErrorIs(t, err, ErrNothingPending)
}

func TestProposalWithNoSupportedChain(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	peer := wctest.NewPeer(t)

	_, err := f.g.Pair(ctx, peer.URI())
	require.NoError(t, err)
	f.deliver(peer.Topic, peer.Propose(1, wctest.Chains(56)))

	_, err = f.g.ApproveHead(ctx, "")
	assert.ErrorIs(t, err, wc.ErrUnsupportedNamespace)

	sessions, err := f.g.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	_, err = f.g.Head(ctx)
	assert.ErrorIs(t, err, ErrNothingPending)
}

func TestSecondProposalWaitsForFirst(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b := wctest.NewPeer(t), wctest.NewPeer(t)

	for _, p := range []*wctest.Peer{a, b} {
		_, err := f.g.Pair(ctx, p.URI())
		require.NoError(t, err)
	}
	f.deliver(a.Topic, a.Propose(1, wctest.Chains(1)))
	f.deliver(b.Topic, b.Propose(2, wctest.Chains(1)))

	head, err := f.g.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head.ID)
	assert.Equal(t, 2, head.Queued)
	require.Len(t, f.events.of(notify.ProposalPending), 1, "second proposal must not be presented yet")

	require.NoError(t, f.g.RejectHead(ctx))

	presented := f.events.of(notify.ProposalPending)
	require.Len(t, presented, 2)
	assert.Equal(t, int64(2), presented[1].ID)

	head, err = f.g.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head.ID, "resolving the first leaves the second pending")
	assert.Equal(t, 1, head.Queued)
}

func TestApproveProposalWithoutWallet(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.g.RemoveWallet(ctx, f.wallet.ID))

	peer := wctest.NewPeer(t)
	_, err := f.g.Pair(ctx, peer.URI())
	require.NoError(t, err)
	f.deliver(peer.Topic, peer.Propose(1, wctest.Chains(1)))

	_, err = f.g.ApproveHead(ctx, "")
	assert.ErrorIs(t, err, ErrNoWallet)
	head, err := f.g.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head.ID)
}

func TestSignRequestEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	peer := wctest.NewPeer(t)
	s, key := f.connect(t, peer, 1, 1)

	f.deliver(s.Topic, peer.Request(key, 50, 1, "personal_sign", []string{"0x68656c6c6f", testAddr.Hex()}))

	head, err := f.g.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindRequest, head.Kind)
	assert.Equal(t, "personal_sign", head.Method)
	assert.Equal(t, "Sign message: hello", head.Summary)
	require.Len(t, f.events.of(notify.RequestPending), 1)

	_, err = f.g.ApproveHead(ctx, "000000")
	assert.ErrorIs(t, err, vault.ErrIncorrectPin)
	require.Len(t, f.events.of(notify.PinError), 1)

	out, err := f.g.ApproveHead(ctx, testPIN)
	require.NoError(t, err)
	assert.Equal(t, KindRequest, out.Kind)

	sig, err := hexutil.Decode(out.Result)
	require.NoError(t, err)
	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte("hello")), sig)
	require.NoError(t, err)
	assert.Equal(t, testAddr, crypto.PubkeyToAddress(*pub))

	msgs := f.tr.On(s.Topic)
	resp := peer.Decode(key, msgs[len(msgs)-1].Message)
	assert.Equal(t, int64(50), resp.ID)
	assert.JSONEq(t, `"`+out.Result+`"`, string(resp.Result))
}

func TestUnsupportedMethodNeverSigns(t *testing.T) {
	sign := &countingSigner{}
	f := newFixture(t, sign)
	ctx := context.Background()
	peer := wctest.NewPeer(t)
	s, key := f.connect(t, peer, 1, 1)

	f.deliver(s.Topic, peer.Request(key, 60, 1, "eth_accounts", []any{}))

	_, err := f.g.Head(ctx)
	assert.ErrorIs(t, err, ErrNothingPending)
	assert.Zero(t, sign.calls)

	msgs := f.tr.On(s.Topic)
	resp := peer.Decode(key, msgs[len(msgs)-1].Message)
	require.NotNil(t, resp.Error)
	assert.Equal(t, wc.CodeUnsupportedMethod, resp.Error.Code)
}

func TestDismissRejectsRequest(t *testing.T) {
	sign := &countingSigner{}
	f := newFixture(t, sign)
	ctx := context.Background()
	peer := wctest.NewPeer(t)
	s, key := f.connect(t, peer, 1, 1)

	f.deliver(s.Topic, peer.Request(key, 70, 1, "personal_sign", []string{"hi"}))
	require.NoError(t, f.g.DismissHead(ctx))

	msgs := f.tr.On(s.Topic)
	resp := peer.Decode(key, msgs[len(msgs)-1].Message)
	require.NotNil(t, resp.Error)
	assert.Equal(t, wc.CodeUserRejected, resp.Error.Code)
	assert.Zero(t, sign.calls)

	assert.ErrorIs(t, f.g.DismissHead(ctx), ErrNothingPending)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	peer := wctest.NewPeer(t)
	s, _ := f.connect(t, peer, 1, 1)

	require.NoError(t, f.g.Disconnect(ctx, s.Topic))
	sessions, err := f.g.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.ErrorIs(t, f.g.Disconnect(ctx, s.Topic), wc.ErrSessionNotFound)
}

func TestRevealSecret(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.g.RevealSecret(ctx, "111111", vault.Action{Kind: vault.RevealKey, WalletID: f.wallet.ID})
	assert.ErrorIs(t, err, vault.ErrIncorrectPin)
	assert.Len(t, f.events.of(notify.PinError), 1)

	secret, err := f.g.RevealSecret(ctx, testPIN, vault.Action{Kind: vault.RevealKey, WalletID: f.wallet.ID})
	require.NoError(t, err)
	assert.Equal(t, testKey, secret)

	_, err = f.g.RevealSecret(ctx, testPIN, vault.Action{Kind: vault.RevealMnemonic, WalletID: f.wallet.ID})
	assert.ErrorIs(t, err, wallet.ErrNoMnemonic)

	_, err = f.g.RevealSecret(ctx, testPIN, vault.Action{Kind: vault.RevealKey, WalletID: "missing"})
	assert.ErrorIs(t, err, wallet.ErrWalletNotFound)

	secret, err = f.g.RevealSecret(ctx, testPIN, vault.Action{Kind: vault.CopySecret, WalletID: f.wallet.ID, Field: vault.FieldPrivateKey})
	require.NoError(t, err)
	assert.Empty(t, secret)
	assert.Equal(t, testKey, f.clip.Text())
}

func TestRevealSecretLockout(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := vault.Action{Kind: vault.RevealKey, WalletID: f.wallet.ID}

	for i := 0; i < 2; i++ {
		_, err := f.g.RevealSecret(ctx, "000000", a)
		require.ErrorIs(t, err, vault.ErrIncorrectPin)
	}
	_, err := f.g.RevealSecret(ctx, "000000", a)
	assert.ErrorIs(t, err, vault.ErrLockedOut)

	_, err = f.g.RevealSecret(ctx, testPIN, a)
	assert.ErrorIs(t, err, vault.ErrLockedOut, "the correct PIN still fails while locked")

	events := f.events.of(notify.PinError)
	assert.Contains(t, events[len(events)-1].Detail, "Locked for")
}

func TestWalletOperations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	phrase, err := wallet.NewMnemonic()
	require.NoError(t, err)
	w, err := wallet.FromMnemonic(phrase, "")
	require.NoError(t, err)
	info, err := f.g.AddWallet(ctx, w)
	require.NoError(t, err)
	assert.True(t, info.Current)
	assert.True(t, info.HasMnemonic)

	list, err := f.g.ListWallets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, f.g.RemoveWallet(ctx, info.ID))
	list, err = f.g.ListWallets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Current)
	assert.Equal(t, f.wallet.ID, list[0].ID)

	require.NoError(t, f.g.SwitchWallet(ctx, "unknown"))
}

func TestWalletsWrittenElsewhereAreSeen(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// another process sharing the database adds a wallet
	other, err := wallet.Load(ctx, f.kv)
	require.NoError(t, err)
	w, err := wallet.FromPrivateKey("59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", "CLI")
	require.NoError(t, err)
	require.NoError(t, other.Add(ctx, w))

	list, err := f.g.ListWallets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, f.g.SwitchWallet(ctx, f.wallet.ID))
	reloaded, err := wallet.Load(ctx, f.kv)
	require.NoError(t, err)
	_, err = reloaded.Get(w.ID)
	require.NoError(t, err, "switching must not drop the wallet added elsewhere")
	assert.Equal(t, f.wallet.ID, reloaded.CurrentID())

	secret, err := f.g.RevealSecret(ctx, testPIN, vault.Action{Kind: vault.RevealKey, WalletID: w.ID})
	require.NoError(t, err)
	assert.Equal(t, w.PrivateKey, secret)
}

func TestSubmitAfterStop(t *testing.T) {
	g, err := New(context.Background(), Options{
		KV:           store.NewMemory(),
		Transport:    wctest.NewTransport(),
		Capabilities: capability.Static{},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	err = g.Submit(context.Background(), func(context.Context) error { return errors.New("unreachable") })
	assert.ErrorIs(t, err, ErrStopped)

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	_, err = g.Head(short)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestInvalidSweepSchedule(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Relay.PairingSweep = "every minute"
	_, err := New(context.Background(), Options{
		Config:       cfg,
		KV:           store.NewMemory(),
		Transport:    wctest.NewTransport(),
		Capabilities: capability.Static{},
	})
	assert.ErrorIs(t, err, ErrInvalidSweepSchedule)
}

func TestRunRestoresSessionSubscriptions(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	sessions, err := wc.LoadSessions(ctx, kv)
	require.NoError(t, err)
	require.NoError(t, sessions.Put(ctx, wc.Session{Topic: "restored-topic", Chains: []int64{1}, Address: testAddr}))

	tr := wctest.NewTransport()
	g, err := New(ctx, Options{KV: kv, Transport: tr, Capabilities: capability.Static{}})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	views, err := g.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, tr.Subscribed("restored-topic"))
}
