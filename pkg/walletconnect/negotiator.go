package walletconnect

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blokista/walletgate/pkg/logger"
	"github.com/blokista/walletgate/pkg/metrics"
	"github.com/blokista/walletgate/pkg/notify"
	"github.com/blokista/walletgate/pkg/queue"
)

const (
	DefaultPairingTTL = 5 * time.Minute
	sessionTTL        = 7 * 24 * time.Hour
)

// Transport moves encrypted envelopes between the wallet and peers.
type Transport interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic, message string, tag int, ttl time.Duration) error
}

type PairingState int

const (
	StateIdle PairingState = iota
	StatePaired
	StateProposalPending
	StateConnected
	StateDisconnected
)

func (s PairingState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePaired:
		return "paired"
	case StateProposalPending:
		return "proposal_pending"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Proposal is a peer's request to open a session.
type Proposal struct {
	ID           int64                        `json:"id"`
	PairingTopic string                       `json:"pairing_topic"`
	Proposer     Participant                  `json:"proposer"`
	Required     map[string]ProposalNamespace `json:"required_namespaces"`
	Optional     map[string]ProposalNamespace `json:"optional_namespaces,omitempty"`
	ReceivedAt   time.Time                    `json:"received_at"`
}

// Request is a signing request received on a session topic.
type Request struct {
	ID         int64           `json:"id"`
	Topic      string          `json:"topic"`
	ChainID    int64           `json:"chain_id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Pending is one entry of the pending-action queue; exactly one field is set.
type Pending struct {
	Proposal *Proposal `json:"proposal,omitempty"`
	Request  *Request  `json:"request,omitempty"`
}

func (p Pending) Key() string {
	if p.Proposal != nil {
		return "proposal:" + strconv.FormatInt(p.Proposal.ID, 10)
	}
	if p.Request != nil {
		return "request:" + strconv.FormatInt(p.Request.ID, 10)
	}
	return ""
}

type pairing struct {
	topic        string
	symKey       []byte
	state        PairingState
	expiresAt    time.Time
	sessionTopic string
}

type Options struct {
	Transport Transport
	Sessions  *SessionTable
	Queue     *queue.Queue[Pending]
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	// Metadata is what the wallet presents to peers.
	Metadata   Metadata
	Methods    []string
	PairingTTL time.Duration
	Now        func() time.Time
}

// Negotiator runs pairing and the session lifecycle.
type Negotiator struct {
	transport  Transport
	sessions   *SessionTable
	queue      *queue.Queue[Pending]
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	metadata   Metadata
	methods    []string
	pairingTTL time.Duration
	now        func() time.Time

	mu        sync.Mutex
	pairings  map[string]*pairing
	proposals map[int64]*Proposal
}

func NewNegotiator(opts Options) *Negotiator {
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if len(opts.Methods) == 0 {
		opts.Methods = AllowedMethods
	}
	if opts.PairingTTL <= 0 {
		opts.PairingTTL = DefaultPairingTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	n := &Negotiator{
		transport:  opts.Transport,
		sessions:   opts.Sessions,
		queue:      opts.Queue,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		metadata:   opts.Metadata,
		methods:    opts.Methods,
		pairingTTL: opts.PairingTTL,
		now:        opts.Now,
		pairings:   make(map[string]*pairing),
		proposals:  make(map[int64]*Proposal),
	}
	n.metrics.SetActiveSessions(n.sessions.Len())
	return n
}

// Pair parses uri and subscribes to its topic. A malformed URI changes
// nothing.
func (n *Negotiator) Pair(ctx context.Context, uri string) (*PairingURI, error) {
	u, err := ParsePairingURI(uri)
	if err != nil {
		return nil, err
	}

	now := n.now()
	if !u.Expiry.IsZero() && !u.Expiry.After(now) {
		return nil, invalidURI("pairing expired")
	}

	n.mu.Lock()
	if _, exists := n.pairings[u.Topic]; exists {
		n.mu.Unlock()
		return u, nil
	}
	expires := now.Add(n.pairingTTL)
	if !u.Expiry.IsZero() && u.Expiry.Before(expires) {
		expires = u.Expiry
	}
	n.pairings[u.Topic] = &pairing{
		topic:     u.Topic,
		symKey:    u.SymKey,
		state:     StatePaired,
		expiresAt: expires,
	}
	n.mu.Unlock()

	if err := n.transport.Subscribe(ctx, u.Topic); err != nil {
		n.mu.Lock()
		delete(n.pairings, u.Topic)
		n.mu.Unlock()
		return nil, fmt.Errorf("subscribe pairing: %w", err)
	}

	logger.InfoCF("walletconnect", "Paired", map[string]any{
		"topic":   u.Topic,
		"expires": expires.Format(time.RFC3339),
	})
	return u, nil
}

// Dispatch decrypts an inbound envelope and handles everything except
// session requests, which are returned for the arbiter.
func (n *Negotiator) Dispatch(ctx context.Context, topic, envelope string) (*Request, error) {
	msg, err := n.open(topic, envelope)
	if err != nil {
		return nil, err
	}

	if !msg.IsRequest() {
		n.onResponse(topic, msg)
		return nil, nil
	}

	switch msg.Method {
	case MethodSessionPropose:
		var params ProposeParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, n.respondError(ctx, topic, msg.ID, ErrInvalidParams, TagSessionProposeReject)
		}
		return nil, n.OnProposalReceived(ctx, &Proposal{
			ID:           msg.ID,
			PairingTopic: topic,
			Proposer:     params.Proposer,
			Required:     params.RequiredNamespaces,
			Optional:     params.OptionalNamespaces,
			ReceivedAt:   n.now(),
		})

	case MethodSessionRequest:
		var params RequestParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, n.RespondRequest(ctx, topic, msg.ID, nil, ErrorFor(ErrInvalidParams))
		}
		chainID, err := ParseChainRef(params.ChainID)
		if err != nil {
			return nil, n.RespondRequest(ctx, topic, msg.ID, nil, ErrorFor(ErrUnsupportedNamespace))
		}
		return &Request{
			ID:         msg.ID,
			Topic:      topic,
			ChainID:    chainID,
			Method:     params.Request.Method,
			Params:     params.Request.Params,
			ReceivedAt: n.now(),
		}, nil

	case MethodSessionDelete:
		var params DeleteParams
		_ = json.Unmarshal(msg.Params, &params)
		logger.InfoCF("walletconnect", "Peer deleted session", map[string]any{
			"topic":  topic,
			"code":   params.Code,
			"reason": params.Message,
		})
		if err := n.reply(ctx, topic, msg.ID, true, TagSessionDeleteResponse, ttlOneDay); err != nil {
			logger.DebugCF("walletconnect", "Delete ack failed", map[string]any{"error": err.Error()})
		}
		return nil, n.OnSessionDeleted(ctx, topic)

	case MethodSessionPing:
		return nil, n.reply(ctx, topic, msg.ID, true, TagSessionPingResponse, ttlThirtySecs)

	default:
		logger.WarnCF("walletconnect", "Unhandled method", map[string]any{
			"topic":  topic,
			"method": msg.Method,
		})
		return nil, n.RespondRequest(ctx, topic, msg.ID, nil, ErrorFor(ErrUnsupportedMethod))
	}
}

// OnProposalReceived queues a proposal for the user. It is never approved
// automatically.
func (n *Negotiator) OnProposalReceived(ctx context.Context, p *Proposal) error {
	p.Proposer.Metadata = p.Proposer.Metadata.Sanitize()

	n.mu.Lock()
	if prev, dup := n.proposals[p.ID]; dup {
		n.mu.Unlock()
		if prev.PairingTopic == p.PairingTopic {
			return nil
		}
		logger.WarnCF("walletconnect", "Proposal id already pending", map[string]any{
			"id":    p.ID,
			"topic": p.PairingTopic,
		})
		return n.respondError(ctx, p.PairingTopic, p.ID, ErrDuplicateRequest, TagSessionProposeReject)
	}
	n.proposals[p.ID] = p
	if pr, ok := n.pairings[p.PairingTopic]; ok {
		pr.state = StateProposalPending
	}
	n.mu.Unlock()

	logger.InfoCF("walletconnect", "Session proposal received", map[string]any{
		"id":    p.ID,
		"topic": p.PairingTopic,
		"peer":  p.Proposer.Metadata.DisplayName(),
	})

	if err := n.queue.Push(Pending{Proposal: p}); err != nil {
		n.mu.Lock()
		delete(n.proposals, p.ID)
		n.mu.Unlock()
		return err
	}
	return nil
}

// Approve opens a session for the presented proposal, granting the requested
// chains that are also in supported. An empty intersection rejects the
// proposal with ErrUnsupportedNamespace and creates nothing.
func (n *Negotiator) Approve(ctx context.Context, id int64, addr common.Address, supported []int64) (*Session, error) {
	p, err := n.presented(id)
	if err != nil {
		return nil, err
	}

	grant, err := BuildGrant(p.Required, p.Optional, supported, n.methods)
	if err != nil {
		if rerr := n.respondError(ctx, p.PairingTopic, p.ID, err, TagSessionProposeReject); rerr != nil {
			logger.WarnCF("walletconnect", "Failed to send namespace rejection", map[string]any{
				"id":    p.ID,
				"error": rerr.Error(),
			})
		}
		n.finishProposal(p, StateIdle, "unsupported")
		return nil, err
	}

	peerPub, err := hex.DecodeString(p.Proposer.PublicKey)
	if err != nil || len(peerPub) != keySize {
		rerr := n.respondError(ctx, p.PairingTopic, p.ID, ErrInvalidParams, TagSessionProposeReject)
		n.finishProposal(p, StateIdle, "invalid")
		return nil, errors.Join(fmt.Errorf("%w: proposer public key", ErrInvalidParams), rerr)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	symKey, err := DeriveSymKey(kp.Private, peerPub)
	if err != nil {
		return nil, err
	}
	clear(kp.Private)

	now := n.now()
	s := Session{
		Topic:        TopicFor(symKey),
		PairingTopic: p.PairingTopic,
		Peer:         p.Proposer.Metadata,
		Chains:       grant.Chains,
		Methods:      grant.Methods,
		Events:       grant.Events,
		Address:      addr,
		SymKey:       hex.EncodeToString(symKey),
		Expiry:       now.Add(sessionTTL),
		CreatedAt:    now,
	}

	if err := n.transport.Subscribe(ctx, s.Topic); err != nil {
		return nil, fmt.Errorf("subscribe session: %w", err)
	}
	if err := n.sessions.Put(ctx, s); err != nil {
		_ = n.transport.Unsubscribe(ctx, s.Topic)
		return nil, err
	}

	err = n.reply(ctx, p.PairingTopic, p.ID, ProposeResult{
		Relay:              Relay{Protocol: RelayProtocol},
		ResponderPublicKey: hex.EncodeToString(kp.Public),
	}, TagSessionProposeResponse, ttlFiveMinutes)
	if err == nil {
		err = n.settle(ctx, &s)
	}
	if err != nil {
		_, _ = n.sessions.Remove(ctx, s.Topic)
		_ = n.transport.Unsubscribe(ctx, s.Topic)
		return nil, fmt.Errorf("settle session: %w", err)
	}

	n.mu.Lock()
	if pr, ok := n.pairings[p.PairingTopic]; ok {
		pr.sessionTopic = s.Topic
	}
	n.mu.Unlock()
	n.finishProposal(p, StateConnected, "approved")

	logger.InfoCF("walletconnect", "Session approved", map[string]any{
		"topic":   s.Topic,
		"peer":    s.Peer.DisplayName(),
		"chains":  s.Chains,
		"address": addr.Hex(),
	})
	n.sessionsChanged(ctx, "Connected to "+s.Peer.DisplayName())
	return &s, nil
}

// Reject answers the presented proposal with the user-rejected code.
func (n *Negotiator) Reject(ctx context.Context, id int64) error {
	p, err := n.presented(id)
	if err != nil {
		return err
	}
	err = n.respondError(ctx, p.PairingTopic, p.ID, ErrUserRejected, TagSessionProposeReject)
	n.finishProposal(p, StateIdle, "rejected")

	logger.InfoCF("walletconnect", "Session proposal rejected", map[string]any{
		"id":   p.ID,
		"peer": p.Proposer.Metadata.DisplayName(),
	})
	return err
}

// OnSessionDeleted handles a peer-initiated teardown. Unknown topics are
// ignored.
func (n *Negotiator) OnSessionDeleted(ctx context.Context, topic string) error {
	s, ok := n.sessions.Get(topic)
	if !ok {
		return nil
	}
	removed, err := n.sessions.Remove(ctx, topic)
	if err != nil || !removed {
		return err
	}
	n.teardown(ctx, &s)
	n.sessionsChanged(ctx, s.Peer.DisplayName()+" disconnected")
	return nil
}

// Disconnect tears down a session locally and tells the peer.
func (n *Negotiator) Disconnect(ctx context.Context, topic string) error {
	s, ok := n.sessions.Get(topic)
	if !ok {
		return ErrSessionNotFound
	}

	msg, err := NewRequest(MethodSessionDelete, DeleteParams{
		Code:    CodeUserDisconnected,
		Message: "User disconnected.",
	})
	if err == nil {
		err = n.publish(ctx, topic, msg, TagSessionDelete, ttlOneDay)
	}
	if err != nil {
		logger.WarnCF("walletconnect", "Failed to notify peer of disconnect", map[string]any{
			"topic": topic,
			"error": err.Error(),
		})
	}

	if _, err := n.sessions.Remove(ctx, topic); err != nil {
		return err
	}
	n.teardown(ctx, &s)

	logger.InfoCF("walletconnect", "Session disconnected", map[string]any{
		"topic": topic,
		"peer":  s.Peer.DisplayName(),
	})
	n.sessionsChanged(ctx, "Disconnected from "+s.Peer.DisplayName())
	return nil
}

// RespondRequest answers a session request with either result or rpcErr.
func (n *Negotiator) RespondRequest(ctx context.Context, topic string, id int64, result any, rpcErr *RPCError) error {
	if rpcErr != nil {
		return n.publish(ctx, topic, NewError(id, rpcErr), TagSessionRequestResponse, ttlFiveMinutes)
	}
	return n.reply(ctx, topic, id, result, TagSessionRequestResponse, ttlFiveMinutes)
}

// SweepPairings drops expired pairings together with their keys. A pairing
// with a live session or an unresolved proposal is kept.
func (n *Negotiator) SweepPairings(ctx context.Context) int {
	now := n.now()

	n.mu.Lock()
	var expired []string
	for topic, p := range n.pairings {
		if p.state == StateConnected || p.state == StateProposalPending {
			continue
		}
		if !now.Before(p.expiresAt) {
			clear(p.symKey)
			expired = append(expired, topic)
			delete(n.pairings, topic)
		}
	}
	n.mu.Unlock()

	for _, topic := range expired {
		if err := n.transport.Unsubscribe(ctx, topic); err != nil {
			logger.DebugCF("walletconnect", "Unsubscribe failed", map[string]any{
				"topic": topic,
				"error": err.Error(),
			})
		}
		logger.InfoCF("walletconnect", "Pairing expired", map[string]any{"topic": topic})
	}
	return len(expired)
}

// Topics lists every topic the transport should be subscribed to.
func (n *Negotiator) Topics() []string {
	n.mu.Lock()
	topics := make([]string, 0, len(n.pairings)+n.sessions.Len())
	for topic := range n.pairings {
		topics = append(topics, topic)
	}
	n.mu.Unlock()
	for _, s := range n.sessions.List() {
		topics = append(topics, s.Topic)
	}
	return topics
}

func (n *Negotiator) Sessions() []Session {
	return n.sessions.List()
}

func (n *Negotiator) Session(topic string) (Session, bool) {
	return n.sessions.Get(topic)
}

// Proposal returns an unresolved proposal.
func (n *Negotiator) Proposal(id int64) (*Proposal, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.proposals[id]
	return p, ok
}

// PairingState reports the negotiation state of a pairing topic.
func (n *Negotiator) PairingState(topic string) (PairingState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.pairings[topic]
	if !ok {
		return StateIdle, false
	}
	return p.state, true
}

// presented returns the proposal with id if it is the item shown to the user.
func (n *Negotiator) presented(id int64) (*Proposal, error) {
	n.mu.Lock()
	p, ok := n.proposals[id]
	n.mu.Unlock()
	if !ok {
		return nil, ErrProposalNotFound
	}
	head, ok := n.queue.Head()
	if !ok || head.Key() != (Pending{Proposal: p}).Key() {
		return nil, queue.ErrNotHead
	}
	return p, nil
}

// finishProposal discards a resolved proposal and presents the next item.
func (n *Negotiator) finishProposal(p *Proposal, state PairingState, outcome string) {
	n.mu.Lock()
	delete(n.proposals, p.ID)
	if pr, ok := n.pairings[p.PairingTopic]; ok {
		pr.state = state
	}
	n.mu.Unlock()

	n.metrics.Proposal(outcome)
	if err := n.queue.Resolve(Pending{Proposal: p}.Key()); err != nil {
		logger.WarnCF("walletconnect", "Proposal was not at the head of the queue", map[string]any{
			"id":    p.ID,
			"error": err.Error(),
		})
	}
}

func (n *Negotiator) teardown(ctx context.Context, s *Session) {
	if err := n.transport.Unsubscribe(ctx, s.Topic); err != nil {
		logger.DebugCF("walletconnect", "Unsubscribe failed", map[string]any{
			"topic": s.Topic,
			"error": err.Error(),
		})
	}
	n.mu.Lock()
	if pr, ok := n.pairings[s.PairingTopic]; ok && pr.sessionTopic == s.Topic {
		pr.state = StateDisconnected
		pr.sessionTopic = ""
	}
	n.mu.Unlock()
}

func (n *Negotiator) sessionsChanged(ctx context.Context, title string) {
	n.metrics.SetActiveSessions(n.sessions.Len())
	n.notifier.Notify(ctx, notify.Event{Kind: notify.SessionsChanged, Title: title})
}

func (n *Negotiator) settle(ctx context.Context, s *Session) error {
	msg, err := NewRequest(MethodSessionSettle, SettleParams{
		Relay:      Relay{Protocol: RelayProtocol},
		Namespaces: s.Namespaces(),
		Controller: Participant{Metadata: n.metadata},
		Expiry:     s.Expiry.Unix(),
	})
	if err != nil {
		return err
	}
	return n.publish(ctx, s.Topic, msg, TagSessionSettle, ttlFiveMinutes)
}

func (n *Negotiator) onResponse(topic string, msg *Message) {
	if msg.Error != nil {
		logger.WarnCF("walletconnect", "Peer returned error", map[string]any{
			"topic": topic,
			"id":    msg.ID,
			"code":  msg.Error.Code,
			"error": msg.Error.Message,
		})
		return
	}
	logger.DebugCF("walletconnect", "Peer acknowledged", map[string]any{
		"topic": topic,
		"id":    msg.ID,
	})
}

func (n *Negotiator) reply(ctx context.Context, topic string, id int64, result any, tag int, ttl time.Duration) error {
	msg, err := NewResult(id, result)
	if err != nil {
		return err
	}
	return n.publish(ctx, topic, msg, tag, ttl)
}

func (n *Negotiator) respondError(ctx context.Context, topic string, id int64, cause error, tag int) error {
	return n.publish(ctx, topic, NewError(id, ErrorFor(cause)), tag, ttlFiveMinutes)
}

func (n *Negotiator) publish(ctx context.Context, topic string, msg *Message, tag int, ttl time.Duration) error {
	key, err := n.keyFor(topic)
	if err != nil {
		return err
	}
	plain, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	envelope, err := Seal(key, plain)
	if err != nil {
		return err
	}
	return n.transport.Publish(ctx, topic, envelope, tag, ttl)
}

func (n *Negotiator) open(topic, envelope string) (*Message, error) {
	key, err := n.keyFor(topic)
	if err != nil {
		return nil, err
	}
	plain, err := Open(key, envelope)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(plain, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

func (n *Negotiator) keyFor(topic string) ([]byte, error) {
	if s, ok := n.sessions.Get(topic); ok {
		return s.key()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.pairings[topic]; ok {
		return p.symKey, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
}
