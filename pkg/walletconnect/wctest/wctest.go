// Package wctest provides an in-memory transport and a scripted dapp peer
// for exercising the negotiator without a relay.
package wctest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blokista/walletgate/pkg/walletconnect"
)

type Published struct {
	Topic   string
	Message string
	Tag     int
	TTL     time.Duration
}

// Transport records subscriptions and publishes.
type Transport struct {
	mu         sync.Mutex
	subscribed map[string]bool
	published  []Published

	SubscribeErr error
	PublishErr   error
}

func NewTransport() *Transport {
	return &Transport{subscribed: make(map[string]bool)}
}

func (t *Transport) Subscribe(_ context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SubscribeErr != nil {
		return t.SubscribeErr
	}
	t.subscribed[topic] = true
	return nil
}

func (t *Transport) Unsubscribe(_ context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribed, topic)
	return nil
}

func (t *Transport) Publish(_ context.Context, topic, message string, tag int, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.PublishErr != nil {
		return t.PublishErr
	}
	t.published = append(t.published, Published{Topic: topic, Message: message, Tag: tag, TTL: ttl})
	return nil
}

func (t *Transport) Subscribed(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribed[topic]
}

// On returns everything published to topic, oldest first.
func (t *Transport) On(topic string) []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Published
	for _, p := range t.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (t *Transport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.published)
}

// Peer plays the dapp side of a pairing.
type Peer struct {
	t          testing.TB
	PairingKey []byte
	Topic      string
	Keys       *walletconnect.KeyPair
	Metadata   walletconnect.Metadata
}

func NewPeer(t testing.TB) *Peer {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	kp, err := walletconnect.GenerateKeyPair()
	require.NoError(t, err)
	return &Peer{
		t:          t,
		PairingKey: key,
		Topic:      walletconnect.TopicFor(key),
		Keys:       kp,
		Metadata: walletconnect.Metadata{
			Name:  "Test Dapp",
			URL:   "https://dapp.example.com",
			Icons: []string{"https://dapp.example.com/icon.png"},
		},
	}
}

func (p *Peer) URI() string {
	u := walletconnect.PairingURI{
		Topic:         p.Topic,
		Version:       walletconnect.ProtocolVersion,
		RelayProtocol: walletconnect.RelayProtocol,
		SymKey:        p.PairingKey,
	}
	return u.String()
}

// Chains builds an eip155 namespace requesting chainIDs.
func Chains(chainIDs ...int64) map[string]walletconnect.ProposalNamespace {
	refs := make([]string, 0, len(chainIDs))
	for _, id := range chainIDs {
		refs = append(refs, walletconnect.ChainRef(id))
	}
	return map[string]walletconnect.ProposalNamespace{
		walletconnect.NamespaceEIP155: {
			Chains:  refs,
			Methods: []string{"personal_sign", "eth_sendTransaction"},
			Events:  []string{"accountsChanged"},
		},
	}
}

// Propose returns an envelope carrying wc_sessionPropose with the given id.
func (p *Peer) Propose(id int64, required map[string]walletconnect.ProposalNamespace) string {
	return p.seal(p.PairingKey, &walletconnect.Message{
		ID:      id,
		JSONRPC: "2.0",
		Method:  walletconnect.MethodSessionPropose,
		Params: p.marshal(walletconnect.ProposeParams{
			Relays:             []walletconnect.Relay{{Protocol: walletconnect.RelayProtocol}},
			Proposer:           walletconnect.Participant{PublicKey: hex.EncodeToString(p.Keys.Public), Metadata: p.Metadata},
			RequiredNamespaces: required,
		}),
	})
}

// Proposal is the decoded form of Propose, for calling the negotiator directly.
func (p *Peer) Proposal(id int64, required map[string]walletconnect.ProposalNamespace) *walletconnect.Proposal {
	return &walletconnect.Proposal{
		ID:           id,
		PairingTopic: p.Topic,
		Proposer:     walletconnect.Participant{PublicKey: hex.EncodeToString(p.Keys.Public), Metadata: p.Metadata},
		Required:     required,
		ReceivedAt:   time.Now(),
	}
}

// SessionKey derives the session key from the wallet's propose response.
func (p *Peer) SessionKey(resp *walletconnect.Message) []byte {
	p.t.Helper()
	require.Nil(p.t, resp.Error, "propose was rejected")
	var result walletconnect.ProposeResult
	require.NoError(p.t, json.Unmarshal(resp.Result, &result))
	pub, err := hex.DecodeString(result.ResponderPublicKey)
	require.NoError(p.t, err)
	key, err := walletconnect.DeriveSymKey(p.Keys.Private, pub)
	require.NoError(p.t, err)
	return key
}

// Request returns an envelope carrying wc_sessionRequest.
func (p *Peer) Request(sessionKey []byte, id, chainID int64, method string, params any) string {
	var rp walletconnect.RequestParams
	rp.ChainID = walletconnect.ChainRef(chainID)
	rp.Request.Method = method
	rp.Request.Params = p.marshal(params)
	return p.seal(sessionKey, &walletconnect.Message{
		ID:      id,
		JSONRPC: "2.0",
		Method:  walletconnect.MethodSessionRequest,
		Params:  p.marshal(rp),
	})
}

// Call returns an envelope for an arbitrary method.
func (p *Peer) Call(key []byte, id int64, method string, params any) string {
	return p.seal(key, &walletconnect.Message{
		ID:      id,
		JSONRPC: "2.0",
		Method:  method,
		Params:  p.marshal(params),
	})
}

// Decode opens an envelope published by the wallet.
func (p *Peer) Decode(key []byte, envelope string) *walletconnect.Message {
	p.t.Helper()
	plain, err := walletconnect.Open(key, envelope)
	require.NoError(p.t, err)
	var msg walletconnect.Message
	require.NoError(p.t, json.Unmarshal(plain, &msg))
	return &msg
}

func (p *Peer) seal(key []byte, msg *walletconnect.Message) string {
	p.t.Helper()
	plain, err := json.Marshal(msg)
	require.NoError(p.t, err)
	env, err := walletconnect.Seal(key, plain)
	require.NoError(p.t, err)
	return env
}

func (p *Peer) marshal(v any) json.RawMessage {
	p.t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(p.t, err, fmt.Sprintf("marshal %T", v))
	return raw
}
