package walletconnect_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blokista/walletgate/pkg/notify"
	"github.com/blokista/walletgate/pkg/queue"
	"github.com/blokista/walletgate/pkg/store"
	wc "github.com/blokista/walletgate/pkg/walletconnect"
	"github.com/blokista/walletgate/pkg/walletconnect/wctest"
)

var testAddr = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

type harness struct {
	n         *wc.Negotiator
	tr        *wctest.Transport
	kv        *store.Memory
	q         *queue.Queue[wc.Pending]
	presented []wc.Pending
	events    []notify.Event
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tr:  wctest.NewTransport(),
		kv:  store.NewMemory(),
		now: time.Unix(1_700_000_000, 0),
	}
	sessions, err := wc.LoadSessions(context.Background(), h.kv)
	require.NoError(t, err)
	h.q = queue.New(func(p wc.Pending) { h.presented = append(h.presented, p) })
	h.n = wc.NewNegotiator(wc.Options{
		Transport: h.tr,
		Sessions:  sessions,
		Queue:     h.q,
		Notifier:  notify.Func(func(_ context.Context, e notify.Event) { h.events = append(h.events, e) }),
		Metadata:  wc.Metadata{Name: "walletgate"},
		Now:       func() time.Time { return h.now },
	})
	return h
}

// connect pairs peer, proposes chains and approves with supported.
func (h *harness) connect(t *testing.T, peer *wctest.Peer, id int64, chains []int64, supported []int64) (*wc.Session, []byte) {
	t.Helper()
	ctx := context.Background()
	_, err := h.n.Pair(ctx, peer.URI())
	require.NoError(t, err)
	_, err = h.n.Dispatch(ctx, peer.Topic, peer.Propose(id, wctest.Chains(chains...)))
	require.NoError(t, err)

	s, err := h.n.Approve(ctx, id, testAddr, supported)
	require.NoError(t, err)

	out := h.tr.On(peer.Topic)
	require.NotEmpty(t, out)
	resp := peer.Decode(peer.PairingKey, out[len(out)-1].Message)
	return s, peer.SessionKey(resp)
}

func TestPair(t *testing.T) {
	h := newHarness(t)
	peer := wctest.NewPeer(t)

	u, err := h.n.Pair(context.Background(), peer.URI())
	require.NoError(t, err)
	assert.Equal(t, peer.Topic, u.Topic)
	assert.True(t, h.tr.Subscribed(peer.Topic))

	state, ok := h.n.PairingState(peer.Topic)
	require.True(t, ok)
	assert.Equal(t, wc.StatePaired, state)

	// pairing twice is harmless
	_, err = h.n.Pair(context.Background(), peer.URI())
	require.NoError(t, err)
	assert.Len(t, h.n.Topics(), 1)
}

func TestPair_MalformedChangesNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.n.Pair(context.Background(), "wc:nope@2?relay-protocol=irn")
	assert.ErrorIs(t, err, wc.ErrInvalidPairingURI)
	assert.Empty(t, h.n.Topics())
	assert.Zero(t, h.tr.Count())
}

func TestPair_Expired(t *testing.T) {
	h := newHarness(t)
	peer := wctest.NewPeer(t)
	u, err := wc.ParsePairingURI(peer.URI())
	require.NoError(t, err)
	u.Expiry = h.now.Add(-time.Second)

	_, err = h.n.Pair(context.Background(), u.String())
	assert.ErrorIs(t, err, wc.ErrInvalidPairingURI)
	assert.False(t, h.tr.Subscribed(peer.Topic))
}

func TestPair_SubscribeFailure(t *testing.T) {
	h := newHarness(t)
	h.tr.SubscribeErr = errors.New("relay down")

	_, err := h.n.Pair(context.Background(), wctest.NewPeer(t).URI())
	assert.Error(t, err)
	assert.Empty(t, h.n.Topics())
}

func TestProposalIsQueuedNotApproved(t *testing.T) {
	h := newHarness(t)
	peer := wctest.NewPeer(t)
	ctx := context.Background()

	_, err := h.n.Pair(ctx, peer.URI())
	require.NoError(t, err)
	req, err := h.n.Dispatch(ctx, peer.Topic, peer.Propose(7, wctest.Chains(1)))
	require.NoError(t, err)
	assert.Nil(t, req)

	require.Len(t, h.presented, 1)
	require.NotNil(t, h.presented[0].Proposal)
	assert.Equal(t, int64(7), h.presented[0].Proposal.ID)
	assert.Equal(t, "Test Dapp", h.presented[0].Proposal.Proposer.Metadata.Name)
	assert.Zero(t, h.tr.Count(), "nothing is sent before the user decides")
	assert.Empty(t, h.n.Sessions())

	state, _ := h.n.PairingState(peer.Topic)
	assert.Equal(t, wc.StateProposalPending, state)
}

func TestApprove_GrantsIntersection(t *testing.T) {
	h := newHarness(t)
	peer := wctest.NewPeer(t)

	s, key := h.connect(t, peer, 1, []int64{1, 137, 56}, []int64{1, 137})

	assert.Equal(t, []int64{1, 137}, s.Chains)
	assert.Equal(t, wc.TopicFor(key), s.Topic)
	assert.True(t, h.tr.Subscribed(s.Topic))
	assert.Zero(t, h.q.Len())

	settles := h.tr.On(s.Topic)
	require.Len(t, settles, 1)
	assert.Equal(t, wc.TagSessionSettle, settles[0].Tag)

	msg := peer.Decode(key, settles[0].Message)
	assert.Equal(t, wc.MethodSessionSettle, msg.Method)
	var params wc.SettleParams
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	ns := params.Namespaces[wc.NamespaceEIP155]
	assert.Equal(t, []string{"eip155:1", "eip155:137"}, ns.Chains)
	assert.Contains(t, ns.Accounts, wc.AccountRef(137, testAddr))
	assert.Equal(t, "walletgate", params.Controller.Metadata.Name)

	state, _ := h.n.PairingState(peer.Topic)
	assert.Equal(t, wc.StateConnected, state)
	require.NotEmpty(t, h.events)
	assert.Equal(t, notify.SessionsChanged, h.events[len(h.events)-1].Kind)

	// the session survives a reload
	reloaded, err := wc.LoadSessions(context.Background(), h.kv)
	require.NoError(t, err)
	got, ok := reloaded.Get(s.Topic)
	require.True(t, ok)
	assert.Equal(t, s.Chains, got.Chains)
}

func TestApprove_NoSupportedChain(t *testing.T) {
	h := newHarness(t)
	peer := wctest.NewPeer(t)
	ctx := context.Background()

	_, err := h.n.Pair(ctx, peer.URI())
	require.NoError(t, err)
	_, err = h.n.Dispatch(ctx, peer.Topic, peer.Propose(2, wctest.Chains(56)))
	require.NoError(t, err)

	_, err = h.n.Approve(ctx, 2, testAddr, []int64{1, 137})
	assert.ErrorIs(t, err, wc.ErrUnsupportedNamespace)
	assert.Empty(t, h.n.Sessions())
	assert.Zero(t, h.q.Len())

	out := h.tr.On(peer.Topic)
	require.Len(t, out, 1)
	msg := peer.Decode(peer.PairingKey, out[0].Message)
	require.NotNil(t, msg.Error)
	assert.Equal(t, wc.CodeUnsupportedNamespace, msg.Error.Code)
	assert.Equal(t, int64(2), msg.ID)
}

func TestReject(t *testing.T) {
	h := newHarness(t)
	peer := wctest.NewPeer(t)
	ctx := context.Background()

	_, err := h.n.Pair(ctx, peer.URI())
	require.NoError(t, err)
	_, err = h.n.Dispatch(ctx, peer.Topic, peer.Propose(3, wctest.Chains(1)))
	require.NoError(t, err)

	require.NoError(t, h.n.Reject(ctx, 3))
	assert.Empty(t, h.n.Sessions())
	assert.Zero(t, h.q.Len())

	out := h.tr.On(peer.Topic)
	require.Len(t, out, 1)
	assert.Equal(t, wc.TagSessionProposeReject, out[0].Tag)
	msg := peer.Decode(peer.PairingKey, out[0].Message)
	require.NotNil(t, msg.Error)
	assert.Equal(t, wc.CodeUserRejected, msg.Error.Code)
	assert.Equal(t, "User rejected.", msg.Error.Message)

	assert.ErrorIs(t, h.n.Reject(ctx, 3), wc.ErrProposalNotFound)
}

func TestApprove_OnlyHead(t *testing.T) {
	h := newHarness(t)
	a, b := wctest.NewPeer(t), wctest.NewPeer(t)
	ctx := context.Background()

	for _, p := range []*wctest.Peer{a, b} {
		_, err := h.n.Pair(ctx, p.URI())
		require.NoError(t, err)
	}
	_, err := h.n.Dispatch(ctx, a.Topic, a.Propose(10, wctest.Chains(1)))
	require.NoError(t, err)
	_, err = h.n.Dispatch(ctx, b.Topic, b.Propose(11, wctest.Chains(1)))
	require.NoError(t, err)

	_, err = h.n.Approve(ctx, 11, testAddr, []int64{1})
	assert.ErrorIs(t, err, queue.ErrNotHead)
	require.Len(t, h.presented, 1)

	require.NoError(t, h.n.Reject(ctx, 10))
	require.Len(t, h.presented, 2)
	assert.Equal(t, int64(11), h.presented[1].Proposal.ID)

	_, err = h.n.Approve(ctx, 11, testAddr, []int64{1})
	require.NoError(t, err)
}

func TestDispatch_RequestIsReturned(t *testing.T) {
	h := newHarness(t)
	peer := wctest.NewPeer(t)
	s, key := h.connect(t, peer, 1, []int64{1}, []int64{1})

	req, err := h.n.Dispatch(context.Background(), s.Topic,
		peer.Request(key, 42, 1, "personal_sign", []string{"0x68656c6c6f", testAddr.Hex()}))
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, int64(42), req.ID)
	assert.Equal(t, int64(1), req.ChainID)
	assert.Equal(t, "personal_sign", req.Method)
	assert.Equal(t, s.Topic, req.Topic)
}

func TestDispatch_Ping(t *testing.T) {
	h := newHarness(t)
	peer := wctest.NewPeer(t)
	s, key := h.connect(t, peer, 1, []int64{1}, []int64{1})

	_, err := h.n.Dispatch(context.Background(), s.Topic, peer.Call(key, 5, wc.MethodSessionPing, map[string]any{}))
	require.NoError(t, err)

	out := h.tr.On(s.Topic)
	last := out[len(out)-1]
	assert.Equal(t, wc.TagSessionPingResponse, last.Tag)
	msg := peer.Decode(key, last.Message)
	assert.Equal(t, int64(5), msg.ID)
	assert.JSONEq(t, `true`, string(msg.Result))
}

func TestDispatch_UnknownMethod(t *testing.T) {
	h := newHarness(t)
	peer := wctest.NewPeer(t)
	s, key := h.connect(t, peer, 1, []int64{1}, []int64{1})

	_, err := h.n.Dispatch(context.Background(), s.Topic, peer.Call(key, 6, "wc_sessionExtend", map[string]any{}))
	require.NoError(t, err)

	out := h.tr.On(s.Topic)
	msg := peer.Decode(key, out[len(out)-1].Message)
	require.NotNil(t, msg.Error)
	assert.Equal(t, wc.CodeUnsupportedMethod, msg.Error.Code)
}

func TestDispatch_UnknownTopic(t *testing.T) {
	h := newHarness(t)
	_, err := h.n.Dispatch(context.Background(), "feed", "AAAA")
	assert.ErrorIs(t, err, wc.ErrUnknownTopic)
}

func TestPeerDeleteIsIdempotent(t *testing.T) {
	h := newHarness(t)
	peer := wctest.NewPeer(t)
	ctx := context.Background()
	s, key := h.connect(t, peer, 1, []int64{1}, []int64{1})

	_, err := h.n.Dispatch(ctx, s.Topic, peer.Call(key, 9, wc.MethodSessionDelete, wc.DeleteParams{Code: 6000, Message: "bye"}))
	require.NoError(t, err)
	assert.Empty(t, h.n.Sessions())
	assert.False(t, h.tr.Subscribed(s.Topic))

	state, _ := h.n.PairingState(peer.Topic)
	assert.Equal(t, wc.StateDisconnected, state)

	events := len(h.events)
	require.NoError(t, h.n.OnSessionDeleted(ctx, s.Topic))
	require.NoError(t, h.n.OnSessionDeleted(ctx, "unknown"))
	assert.Len(t, h.events, events)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	peer := wctest.NewPeer(t)
	ctx := context.Background()
	s, key := h.connect(t, peer, 1, []int64{1}, []int64{1})

	require.NoError(t, h.n.Disconnect(ctx, s.Topic))
	assert.Empty(t, h.n.Sessions())
	assert.False(t, h.tr.Subscribed(s.Topic))

	out := h.tr.On(s.Topic)
	last := out[len(out)-1]
	assert.Equal(t, wc.TagSessionDelete, last.Tag)
	msg := peer.Decode(key, last.Message)
	assert.Equal(t, wc.MethodSessionDelete, msg.Method)
	var params wc.DeleteParams
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	assert.Equal(t, wc.CodeUserDisconnected, params.Code)

	assert.ErrorIs(t, h.n.Disconnect(ctx, s.Topic), wc.ErrSessionNotFound)
}

func TestRespondRequest(t *testing.T) {
	h := newHarness(t)
	peer := wctest.NewPeer(t)
	ctx := context.Background()
	s, key := h.connect(t, peer, 1, []int64{1}, []int64{1})

	require.NoError(t, h.n.RespondRequest(ctx, s.Topic, 77, "0xsig", nil))
	require.NoError(t, h.n.RespondRequest(ctx, s.Topic, 78, nil, wc.ErrorFor(wc.ErrUserRejected)))

	out := h.tr.On(s.Topic)
	ok := peer.Decode(key, out[len(out)-2].Message)
	assert.Equal(t, int64(77), ok.ID)
	assert.JSONEq(t, `"0xsig"`, string(ok.Result))
	assert.Equal(t, wc.TagSessionRequestResponse, out[len(out)-2].Tag)

	rej := peer.Decode(key, out[len(out)-1].Message)
	require.NotNil(t, rej.Error)
	assert.Equal(t, wc.CodeUserRejected, rej.Error.Code)
}

func TestSweepPairings(t *testing.T) {
	h := newHarness(t)
	idle, busy := wctest.NewPeer(t), wctest.NewPeer(t)
	ctx := context.Background()

	for _, p := range []*wctest.Peer{idle, busy} {
		_, err := h.n.Pair(ctx, p.URI())
		require.NoError(t, err)
	}
	_, err := h.n.Dispatch(ctx, busy.Topic, busy.Propose(1, wctest.Chains(1)))
	require.NoError(t, err)

	assert.Zero(t, h.n.SweepPairings(ctx))

	h.now = h.now.Add(wc.DefaultPairingTTL)
	assert.Equal(t, 1, h.n.SweepPairings(ctx))
	assert.False(t, h.tr.Subscribed(idle.Topic))
	assert.True(t, h.tr.Subscribed(busy.Topic))
	assert.Equal(t, []string{busy.Topic}, h.n.Topics())
}

func TestSweepPairings_ResolvedStates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rejected, ended, live := wctest.NewPeer(t), wctest.NewPeer(t), wctest.NewPeer(t)

	_, err := h.n.Pair(ctx, rejected.URI())
	require.NoError(t, err)
	_, err = h.n.Dispatch(ctx, rejected.Topic, rejected.Propose(1, wctest.Chains(1)))
	require.NoError(t, err)
	require.NoError(t, h.n.Reject(ctx, 1))
	state, ok := h.n.PairingState(rejected.Topic)
	require.True(t, ok)
	assert.Equal(t, wc.StateIdle, state)

	s, _ := h.connect(t, ended, 2, []int64{1}, []int64{1})
	require.NoError(t, h.n.Disconnect(ctx, s.Topic))
	state, _ = h.n.PairingState(ended.Topic)
	assert.Equal(t, wc.StateDisconnected, state)

	kept, _ := h.connect(t, live, 3, []int64{1}, []int64{1})

	assert.Zero(t, h.n.SweepPairings(ctx), "nothing has expired yet")

	h.now = h.now.Add(wc.DefaultPairingTTL)
	assert.Equal(t, 2, h.n.SweepPairings(ctx))

	for _, topic := range []string{rejected.Topic, ended.Topic} {
		_, ok := h.n.PairingState(topic)
		assert.False(t, ok, topic)
		assert.False(t, h.tr.Subscribed(topic), topic)
	}
	state, ok = h.n.PairingState(live.Topic)
	require.True(t, ok)
	assert.Equal(t, wc.StateConnected, state)
	assert.ElementsMatch(t, []string{live.Topic, kept.Topic}, h.n.Topics())
}

func TestDuplicateProposalID(t *testing.T) {
	h := newHarness(t)
	a, b := wctest.NewPeer(t), wctest.NewPeer(t)
	ctx := context.Background()

	for _, p := range []*wctest.Peer{a, b} {
		_, err := h.n.Pair(ctx, p.URI())
		require.NoError(t, err)
	}
	_, err := h.n.Dispatch(ctx, a.Topic, a.Propose(5, wctest.Chains(1)))
	require.NoError(t, err)
	_, err = h.n.Dispatch(ctx, a.Topic, a.Propose(5, wctest.Chains(1)))
	require.NoError(t, err)
	assert.Zero(t, h.tr.Count(), "redelivery is ignored")

	_, err = h.n.Dispatch(ctx, b.Topic, b.Propose(5, wctest.Chains(1)))
	require.NoError(t, err)

	out := h.tr.On(b.Topic)
	require.Len(t, out, 1)
	msg := b.Decode(b.PairingKey, out[0].Message)
	require.NotNil(t, msg.Error)
	assert.Equal(t, wc.CodeInvalidRequest, msg.Error.Code)
	assert.Equal(t, 1, h.q.Len())
}
