// Package arbiter validates signing requests from connected peers, holds
// them for the user's decision and dispatches approved ones to the signer.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/blokista/walletgate/pkg/blockchain"
	"github.com/blokista/walletgate/pkg/logger"
	"github.com/blokista/walletgate/pkg/metrics"
	"github.com/blokista/walletgate/pkg/queue"
	"github.com/blokista/walletgate/pkg/signer"
	wc "github.com/blokista/walletgate/pkg/walletconnect"
)

var ErrRequestNotFound = errors.New("request not found")

// Responder sends the answer to a session request.
type Responder interface {
	RespondRequest(ctx context.Context, topic string, id int64, result any, rpcErr *wc.RPCError) error
}

// Sessions looks up active sessions by topic.
type Sessions interface {
	Session(topic string) (wc.Session, bool)
}

// PinVerifier checks the PIN before anything is signed.
type PinVerifier interface {
	Verify(ctx context.Context, pin string) error
}

type Options struct {
	Sessions  Sessions
	Responder Responder
	Signer    signer.Signer
	Verifier  PinVerifier
	Queue     *queue.Queue[wc.Pending]
	Metrics   *metrics.Metrics
	// Symbols maps chain ids to native token symbols for summaries.
	Symbols map[int64]string
	// ABIs decodes contract calldata for summaries. Nil uses ERC-20 only.
	ABIs    *blockchain.ABIManager
	Methods []string
}

// Entry is a validated request waiting for the user.
type Entry struct {
	Request *wc.Request
	Call    *Call
	Peer    wc.Metadata
	Summary string
}

type Arbiter struct {
	sessions  Sessions
	responder Responder
	signer    signer.Signer
	verifier  PinVerifier
	queue     *queue.Queue[wc.Pending]
	metrics   *metrics.Metrics
	symbols   map[int64]string
	abis      *blockchain.ABIManager
	methods   []string

	mu      sync.Mutex
	pending map[int64]*Entry
}

func New(opts Options) *Arbiter {
	if len(opts.Methods) == 0 {
		opts.Methods = wc.AllowedMethods
	}
	if opts.ABIs == nil {
		opts.ABIs = blockchain.NewABIManager()
	}
	return &Arbiter{
		sessions:  opts.Sessions,
		responder: opts.Responder,
		signer:    opts.Signer,
		verifier:  opts.Verifier,
		queue:     opts.Queue,
		metrics:   opts.Metrics,
		symbols:   opts.Symbols,
		abis:      opts.ABIs,
		methods:   opts.Methods,
		pending:   make(map[int64]*Entry),
	}
}

// OnRequestReceived validates r and queues it for the user. Requests that
// fail validation are answered immediately and never reach the signer.
func (a *Arbiter) OnRequestReceived(ctx context.Context, r *wc.Request) error {
	s, ok := a.sessions.Session(r.Topic)
	if !ok {
		return a.refuse(ctx, r, wc.ErrSessionNotFound, "session_not_found")
	}
	if !slices.Contains(a.methods, r.Method) || !s.AllowsMethod(r.Method) {
		return a.refuse(ctx, r, wc.ErrUnsupportedMethod, "unsupported_method")
	}
	if !s.AllowsChain(r.ChainID) {
		return a.refuse(ctx, r, wc.ErrUnsupportedNamespace, "unsupported_chain")
	}

	call, err := ParseCall(r.Method, r.Params)
	if err != nil {
		return a.refuse(ctx, r, err, "invalid_params")
	}
	if call.From != nil && *call.From != s.Address {
		return a.refuse(ctx, r, fmt.Errorf("%w: account %s is not part of this session", wc.ErrInvalidParams, call.From.Hex()), "invalid_params")
	}

	e := &Entry{
		Request: r,
		Call:    call,
		Peer:    s.Peer,
		Summary: Summary(call, a.symbols[r.ChainID], a.abis),
	}

	// Pending requests are keyed by id alone. A redelivery on the same topic
	// is already queued; the same id from another session is answered so
	// that peer is not left waiting.
	a.mu.Lock()
	if prev, dup := a.pending[r.ID]; dup {
		a.mu.Unlock()
		if prev.Request.Topic == r.Topic {
			return nil
		}
		return a.refuse(ctx, r, wc.ErrDuplicateRequest, "duplicate_id")
	}
	a.pending[r.ID] = e
	a.mu.Unlock()

	logger.InfoCF("arbiter", "Request queued", map[string]any{
		"id":      r.ID,
		"method":  r.Method,
		"chainId": r.ChainID,
		"peer":    s.Peer.DisplayName(),
	})

	if err := a.queue.Push(wc.Pending{Request: r}); err != nil {
		a.mu.Lock()
		delete(a.pending, r.ID)
		a.mu.Unlock()
		return err
	}
	return nil
}

// Approve checks pin and signs the presented request. A wrong PIN leaves the
// request pending. A signer failure is terminal and reaches the peer only
// as a generic error.
func (a *Arbiter) Approve(ctx context.Context, id int64, pin string) (string, error) {
	e, err := a.presented(id)
	if err != nil {
		return "", err
	}
	if err := a.verifier.Verify(ctx, pin); err != nil {
		return "", err
	}

	r := e.Request
	s, ok := a.sessions.Session(r.Topic)
	if !ok {
		a.finish(ctx, e, nil, wc.ErrorFor(wc.ErrSessionNotFound), "session_not_found")
		return "", wc.ErrSessionNotFound
	}

	result, err := a.sign(ctx, s, r, e.Call)
	if err != nil {
		logger.ErrorCF("arbiter", "Signer failed", map[string]any{
			"id":     r.ID,
			"method": r.Method,
			"error":  err.Error(),
		})
		a.finish(ctx, e, nil, wc.ErrorFor(wc.ErrSignerFailure), "failed")
		return "", fmt.Errorf("%w: %v", wc.ErrSignerFailure, err)
	}

	a.finish(ctx, e, result, nil, "approved")
	logger.InfoCF("arbiter", "Request approved", map[string]any{
		"id":     r.ID,
		"method": r.Method,
	})
	return result, nil
}

// Reject answers the presented request with the user-rejected code.
func (a *Arbiter) Reject(ctx context.Context, id int64) error {
	e, err := a.presented(id)
	if err != nil {
		return err
	}
	a.finish(ctx, e, nil, wc.ErrorFor(wc.ErrUserRejected), "rejected")
	logger.InfoCF("arbiter", "Request rejected", map[string]any{
		"id":     id,
		"method": e.Request.Method,
	})
	return nil
}

// Get returns a pending request.
func (a *Arbiter) Get(id int64) (*Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.pending[id]
	return e, ok
}

func (a *Arbiter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Arbiter) sign(ctx context.Context, s wc.Session, r *wc.Request, call *Call) (string, error) {
	switch r.Method {
	case MethodPersonalSign, MethodEthSign:
		return a.signer.SignMessage(ctx, s.Address, call.Message)
	case MethodSignTypedData, MethodSignTypedDataV4:
		return a.signer.SignTypedData(ctx, s.Address, call.TypedData)
	case MethodSendTransaction:
		return a.signer.SendTransaction(ctx, s.Address, r.ChainID, *call.Tx)
	case MethodSignTransaction:
		return a.signer.SignTransaction(ctx, s.Address, r.ChainID, *call.Tx)
	}
	return "", fmt.Errorf("%w: %s", wc.ErrUnsupportedMethod, r.Method)
}

func (a *Arbiter) presented(id int64) (*Entry, error) {
	a.mu.Lock()
	e, ok := a.pending[id]
	a.mu.Unlock()
	if !ok {
		return nil, ErrRequestNotFound
	}
	head, ok := a.queue.Head()
	if !ok || head.Key() != (wc.Pending{Request: e.Request}).Key() {
		return nil, queue.ErrNotHead
	}
	return e, nil
}

// finish answers the peer, forgets the entry and presents the next item.
func (a *Arbiter) finish(ctx context.Context, e *Entry, result any, rpcErr *wc.RPCError, outcome string) {
	r := e.Request
	if err := a.responder.RespondRequest(ctx, r.Topic, r.ID, result, rpcErr); err != nil {
		logger.WarnCF("arbiter", "Failed to send response", map[string]any{
			"id":    r.ID,
			"topic": r.Topic,
			"error": err.Error(),
		})
	}

	a.mu.Lock()
	delete(a.pending, r.ID)
	a.mu.Unlock()

	a.metrics.Request(r.Method, outcome)
	if err := a.queue.Resolve(wc.Pending{Request: r}.Key()); err != nil {
		logger.WarnCF("arbiter", "Request was not at the head of the queue", map[string]any{
			"id":    r.ID,
			"error": err.Error(),
		})
	}
}

// refuse answers a request that failed validation.
func (a *Arbiter) refuse(ctx context.Context, r *wc.Request, cause error, outcome string) error {
	method := r.Method
	if !slices.Contains(wc.AllowedMethods, method) {
		method = "other"
	}
	a.metrics.Request(method, outcome)

	logger.WarnCF("arbiter", "Request refused", map[string]any{
		"id":     r.ID,
		"topic":  r.Topic,
		"method": r.Method,
		"reason": cause.Error(),
	})

	if err := a.responder.RespondRequest(ctx, r.Topic, r.ID, nil, wc.ErrorFor(cause)); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
