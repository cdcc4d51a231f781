// Package gateway wires the vault, wallet registry, session negotiator and
// request arbiter into one service. Relay traffic and user actions are
// handled one at a time by a single consumer loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"

	"github.com/blokista/walletgate/pkg/arbiter"
	"github.com/blokista/walletgate/pkg/blockchain"
	"github.com/blokista/walletgate/pkg/capability"
	"github.com/blokista/walletgate/pkg/config"
	"github.com/blokista/walletgate/pkg/logger"
	"github.com/blokista/walletgate/pkg/metrics"
	"github.com/blokista/walletgate/pkg/notify"
	"github.com/blokista/walletgate/pkg/queue"
	"github.com/blokista/walletgate/pkg/relay"
	"github.com/blokista/walletgate/pkg/signer"
	"github.com/blokista/walletgate/pkg/store"
	"github.com/blokista/walletgate/pkg/vault"
	"github.com/blokista/walletgate/pkg/wallet"
	wc "github.com/blokista/walletgate/pkg/walletconnect"
)

const ClipboardClearAfter = 30 * time.Second

var (
	ErrNothingPending       = errors.New("nothing pending")
	ErrNoWallet             = errors.New("no wallet configured")
	ErrStopped              = errors.New("gateway stopped")
	ErrClipboardUnavailable = errors.New("no clipboard on this host")
	ErrInvalidSweepSchedule = errors.New("invalid pairing sweep schedule")
)

type Options struct {
	Config    *config.Config
	KV        store.KV
	Transport wc.Transport
	// Inbound carries relay envelopes. It may be nil when no relay is used.
	Inbound      <-chan relay.Message
	Chains       blockchain.Provider
	Signer       signer.Signer
	Notifier     notify.Notifier
	Metrics      *metrics.Metrics
	Capabilities capability.Provider
	Now          func() time.Time
}

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

type Gateway struct {
	cfg        *config.Config
	vault      *vault.Vault
	wallets    *wallet.Registry
	negotiator *wc.Negotiator
	arbiter    *arbiter.Arbiter
	queue      *queue.Queue[wc.Pending]
	transport  wc.Transport
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	clipboard  capability.Clipboard
	supported  []int64
	inbound    <-chan relay.Message
	sweep      string
	now        func() time.Time

	tasks   chan task
	stopped chan struct{}
}

func New(ctx context.Context, opts Options) (*Gateway, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Capabilities == nil {
		opts.Capabilities = capability.Detect()
	}
	if cfg.Relay.PairingSweep != "" && !gronx.New().IsValid(cfg.Relay.PairingSweep) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSweepSchedule, cfg.Relay.PairingSweep)
	}

	wallets, err := wallet.Load(ctx, opts.KV)
	if err != nil {
		return nil, err
	}
	sessions, err := wc.LoadSessions(ctx, opts.KV)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:       cfg,
		wallets:   wallets,
		transport: opts.Transport,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		supported: cfg.SupportedChainIDs(),
		inbound:   opts.Inbound,
		sweep:     cfg.Relay.PairingSweep,
		now:       opts.Now,
		tasks:     make(chan task),
		stopped:   make(chan struct{}),
	}
	if clip := opts.Capabilities.Clipboard(); clip != nil {
		g.clipboard = capability.NewAutoClear(clip, ClipboardClearAfter)
	}

	g.vault = vault.New(opts.KV, vault.Options{
		MaxAttempts: cfg.Vault.MaxAttempts,
		Lockout:     cfg.LockoutDuration(),
		Grace:       cfg.GracePeriod(),
		Now:         opts.Now,
		Metrics:     opts.Metrics,
	})

	g.queue = queue.New(g.present)
	g.queue.OnDepth(opts.Metrics.SetQueueDepth)

	g.negotiator = wc.NewNegotiator(wc.Options{
		Transport: opts.Transport,
		Sessions:  sessions,
		Queue:     g.queue,
		Notifier:  opts.Notifier,
		Metrics:   opts.Metrics,
		Metadata: wc.Metadata{
			Name:        cfg.Metadata.Name,
			Description: cfg.Metadata.Description,
			URL:         cfg.Metadata.URL,
			Icons:       cfg.Metadata.Icons,
		},
		Now: opts.Now,
	})

	sign := opts.Signer
	if sign == nil {
		chains := opts.Chains
		if chains == nil {
			chains = blockchain.NewClient(cfg.Chains)
		}
		sign = signer.New(wallets, chains)
	}

	// Extra ABIs live next to the database, one <name>.json per contract.
	abis := blockchain.NewABIManager()
	if err := abis.LoadDir(filepath.Join(filepath.Dir(cfg.StoragePath()), "abis")); err != nil {
		logger.WarnCF("gateway", "Loading ABIs failed", map[string]any{"error": err.Error()})
	}

	symbols := make(map[int64]string, len(cfg.Chains))
	for _, c := range cfg.Chains {
		symbols[c.ChainID] = c.Currency
	}
	g.arbiter = arbiter.New(arbiter.Options{
		Sessions:  g.negotiator,
		Responder: g.negotiator,
		Signer:    sign,
		Verifier:  g.vault,
		Queue:     g.queue,
		Metrics:   opts.Metrics,
		Symbols:   symbols,
		ABIs:      abis,
	})
	return g, nil
}

// Run is the single consumer. It returns when ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	defer close(g.stopped)
	defer g.queue.Dispose()

	var (
		timer *time.Timer
		tick  <-chan time.Time
	)
	schedule := func() {
		timer, tick = g.nextSweep()
	}
	schedule()
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for _, topic := range g.negotiator.Topics() {
		if err := g.transport.Subscribe(ctx, topic); err != nil {
			logger.WarnCF("gateway", "Restoring subscription failed", map[string]any{
				"topic": topic,
				"error": err.Error(),
			})
		}
	}

	logger.InfoCF("gateway", "Gateway running", map[string]any{
		"chains":   g.supported,
		"sessions": len(g.negotiator.Sessions()),
		"wallets":  g.wallets.Len(),
	})

	for {
		select {
		case <-ctx.Done():
			logger.InfoC("gateway", "Gateway stopped")
			return nil

		case m, ok := <-g.inbound:
			if !ok {
				g.inbound = nil
				continue
			}
			g.handleInbound(ctx, m)

		case t := <-g.tasks:
			t.done <- t.fn(t.ctx)

		case <-tick:
			if n := g.negotiator.SweepPairings(ctx); n > 0 {
				logger.InfoCF("gateway", "Expired pairings swept", map[string]any{"count": n})
			}
			schedule()
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, m relay.Message) {
	req, err := g.negotiator.Dispatch(ctx, m.Topic, m.Message)
	if err != nil {
		logger.WarnCF("gateway", "Inbound message failed", map[string]any{
			"topic": m.Topic,
			"error": err.Error(),
		})
		return
	}
	if req == nil {
		return
	}
	if err := g.arbiter.OnRequestReceived(ctx, req); err != nil {
		logger.DebugCF("gateway", "Request refused", map[string]any{
			"id":    req.ID,
			"error": err.Error(),
		})
	}
}

// Submit runs fn on the consumer loop and waits for it.
func (g *Gateway) Submit(ctx context.Context, fn func(context.Context) error) error {
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case g.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.stopped:
		return ErrStopped
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) nextSweep() (*time.Timer, <-chan time.Time) {
	if g.sweep == "" {
		return nil, nil
	}
	now := g.now()
	next, err := gronx.NextTickAfter(g.sweep, now, false)
	if err != nil {
		logger.WarnCF("gateway", "Pairing sweep disabled", map[string]any{
			"schedule": g.sweep,
			"error":    err.Error(),
		})
		return nil, nil
	}
	t := time.NewTimer(next.Sub(now))
	return t, t.C
}

// present announces the item that just reached the head of the queue.
func (g *Gateway) present(p wc.Pending) {
	ctx := context.Background()
	view := g.view(p)
	switch view.Kind {
	case KindProposal:
		g.notifier.Notify(ctx, notify.Event{
			Kind:   notify.ProposalPending,
			ID:     view.ID,
			Topic:  view.Topic,
			Title:  view.Peer.DisplayName() + " wants to connect",
			Detail: view.Summary,
		})
	case KindRequest:
		g.notifier.Notify(ctx, notify.Event{
			Kind:   notify.RequestPending,
			ID:     view.ID,
			Topic:  view.Topic,
			Title:  view.Peer.DisplayName() + " requests " + view.Method,
			Detail: view.Summary,
		})
	}
}

// Vault exposes the credential vault for PIN management.
func (g *Gateway) Vault() *vault.Vault { return g.vault }

// Wallets exposes the registry.
func (g *Gateway) Wallets() *wallet.Registry { return g.wallets }
