package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/blokista/walletgate/pkg/logger"
	"github.com/blokista/walletgate/pkg/notify"
	"github.com/blokista/walletgate/pkg/vault"
	"github.com/blokista/walletgate/pkg/wallet"
	wc "github.com/blokista/walletgate/pkg/walletconnect"
)

const (
	KindProposal = "proposal"
	KindRequest  = "request"
)

// PendingView is the presented item as the UI shows it.
type PendingView struct {
	Kind    string      `json:"kind"`
	ID      int64       `json:"id"`
	Topic   string      `json:"topic"`
	Peer    wc.Metadata `json:"peer"`
	Method  string      `json:"method,omitempty"`
	ChainID int64       `json:"chain_id,omitempty"`
	// Chains is what approving a proposal would grant.
	Chains  []int64 `json:"chains,omitempty"`
	Summary string  `json:"summary"`
	Queued  int     `json:"queued"`
}

// Outcome reports what approving the head did.
type Outcome struct {
	Kind    string          `json:"kind"`
	ID      int64           `json:"id"`
	Session *wc.SessionView `json:"session,omitempty"`
	Result  string          `json:"result,omitempty"`
}

// Pair starts a pairing from a wc: URI.
func (g *Gateway) Pair(ctx context.Context, uri string) (*wc.PairingURI, error) {
	var u *wc.PairingURI
	err := g.Submit(ctx, func(ctx context.Context) error {
		var err error
		u, err = g.negotiator.Pair(ctx, uri)
		return err
	})
	return u, err
}

// Head returns the presented item.
func (g *Gateway) Head(ctx context.Context) (PendingView, error) {
	var view PendingView
	err := g.Submit(ctx, func(context.Context) error {
		p, ok := g.queue.Head()
		if !ok {
			return ErrNothingPending
		}
		view = g.view(p)
		return nil
	})
	return view, err
}

// ApproveHead approves the presented item. Proposals are bound to the
// current wallet; requests need pin.
func (g *Gateway) ApproveHead(ctx context.Context, pin string) (*Outcome, error) {
	var out *Outcome
	err := g.Submit(ctx, func(ctx context.Context) error {
		p, ok := g.queue.Head()
		if !ok {
			return ErrNothingPending
		}
		if err := g.wallets.Reload(ctx); err != nil {
			return err
		}

		if p.Proposal != nil {
			current := g.wallets.Current()
			if current == nil {
				return ErrNoWallet
			}
			s, err := g.negotiator.Approve(ctx, p.Proposal.ID, current.Address, g.supported)
			if err != nil {
				return err
			}
			view := s.View()
			out = &Outcome{Kind: KindProposal, ID: p.Proposal.ID, Session: &view}
			return nil
		}

		result, err := g.arbiter.Approve(ctx, p.Request.ID, pin)
		if err != nil {
			g.pinError(ctx, err)
			return err
		}
		out = &Outcome{Kind: KindRequest, ID: p.Request.ID, Result: result}
		return nil
	})
	return out, err
}

// RejectHead rejects the presented item.
func (g *Gateway) RejectHead(ctx context.Context) error {
	return g.Submit(ctx, func(ctx context.Context) error {
		return g.rejectHead(ctx)
	})
}

// DismissHead closes the prompt without a decision, which counts as a
// rejection.
func (g *Gateway) DismissHead(ctx context.Context) error {
	return g.Submit(ctx, func(ctx context.Context) error {
		logger.DebugC("gateway", "Prompt dismissed")
		return g.rejectHead(ctx)
	})
}

func (g *Gateway) rejectHead(ctx context.Context) error {
	p, ok := g.queue.Head()
	if !ok {
		return ErrNothingPending
	}
	if p.Proposal != nil {
		return g.negotiator.Reject(ctx, p.Proposal.ID)
	}
	return g.arbiter.Reject(ctx, p.Request.ID)
}

// Sessions lists the active sessions.
func (g *Gateway) Sessions(ctx context.Context) ([]wc.SessionView, error) {
	var out []wc.SessionView
	err := g.Submit(ctx, func(context.Context) error {
		for _, s := range g.negotiator.Sessions() {
			out = append(out, s.View())
		}
		return nil
	})
	return out, err
}

// Disconnect ends a session and tells the peer.
func (g *Gateway) Disconnect(ctx context.Context, topic string) error {
	return g.Submit(ctx, func(ctx context.Context) error {
		return g.negotiator.Disconnect(ctx, topic)
	})
}

// RevealSecret runs a PIN-gated action on a wallet's secret. Reveal actions
// return the secret; CopySecret puts it on the clipboard and returns "".
func (g *Gateway) RevealSecret(ctx context.Context, pin string, a vault.Action) (string, error) {
	var secret string
	err := g.Submit(ctx, func(ctx context.Context) error {
		if err := g.wallets.Reload(ctx); err != nil {
			return err
		}
		err := g.vault.Gate(ctx, pin, a, func(a vault.Action) error {
			w, err := g.wallets.Get(a.WalletID)
			if err != nil {
				return err
			}
			switch a.Kind {
			case vault.RevealKey:
				secret = w.PrivateKey
			case vault.RevealMnemonic:
				if w.Mnemonic == "" {
					return wallet.ErrNoMnemonic
				}
				secret = w.Mnemonic
			case vault.CopySecret:
				return g.copySecret(ctx, w, a.Field)
			default:
				return fmt.Errorf("unsupported action %s", a.Kind)
			}
			return nil
		})
		g.pinError(ctx, err)
		return err
	})
	return secret, err
}

func (g *Gateway) copySecret(ctx context.Context, w *wallet.Wallet, field vault.SecretField) error {
	if g.clipboard == nil {
		return ErrClipboardUnavailable
	}
	var text string
	switch field {
	case vault.FieldMnemonic:
		if w.Mnemonic == "" {
			return wallet.ErrNoMnemonic
		}
		text = w.Mnemonic
	case vault.FieldPrivateKey, "":
		text = w.PrivateKey
	default:
		return fmt.Errorf("unknown secret field %q", field)
	}
	if err := g.clipboard.Copy(ctx, text); err != nil {
		return err
	}
	logger.InfoCF("gateway", "Secret copied to clipboard", map[string]any{
		"wallet_id": w.ID,
		"field":     string(field),
		"clears_in": ClipboardClearAfter.String(),
	})
	return nil
}

// AddWallet stores w and makes it current.
func (g *Gateway) AddWallet(ctx context.Context, w *wallet.Wallet) (wallet.Info, error) {
	var info wallet.Info
	err := g.Submit(ctx, func(ctx context.Context) error {
		if err := g.wallets.Add(ctx, w); err != nil {
			return err
		}
		info = w.Info()
		info.Current = true
		return nil
	})
	return info, err
}

func (g *Gateway) ListWallets(ctx context.Context) ([]wallet.Info, error) {
	var out []wallet.Info
	err := g.Submit(ctx, func(ctx context.Context) error {
		if err := g.wallets.Reload(ctx); err != nil {
			return err
		}
		out = g.wallets.List()
		return nil
	})
	return out, err
}

func (g *Gateway) SwitchWallet(ctx context.Context, id string) error {
	return g.Submit(ctx, func(ctx context.Context) error {
		return g.wallets.SwitchCurrent(ctx, id)
	})
}

func (g *Gateway) RemoveWallet(ctx context.Context, id string) error {
	return g.Submit(ctx, func(ctx context.Context) error {
		return g.wallets.Remove(ctx, id)
	})
}

// pinError tells the UI about a failed PIN check.
func (g *Gateway) pinError(ctx context.Context, err error) {
	var detail string
	var locked *vault.LockedOutError
	switch {
	case err == nil:
		return
	case errors.As(err, &locked):
		detail = fmt.Sprintf("Locked for %ds", locked.RemainingSeconds())
	case errors.Is(err, vault.ErrIncorrectPin):
		detail = "Incorrect PIN"
	case errors.Is(err, vault.ErrInvalidPinFormat):
		detail = fmt.Sprintf("PIN must be %d digits", vault.PinLength)
	case errors.Is(err, vault.ErrNotConfigured):
		detail = "PIN not configured"
	default:
		return
	}
	g.notifier.Notify(ctx, notify.Event{Kind: notify.PinError, Title: "PIN check failed", Detail: detail})
}

func (g *Gateway) view(p wc.Pending) PendingView {
	v := PendingView{Queued: g.queue.Len()}
	switch {
	case p.Proposal != nil:
		v.Kind = KindProposal
		v.ID = p.Proposal.ID
		v.Topic = p.Proposal.PairingTopic
		v.Peer = p.Proposal.Proposer.Metadata
		if grant, err := wc.BuildGrant(p.Proposal.Required, p.Proposal.Optional, g.supported, wc.AllowedMethods); err == nil {
			v.Chains = grant.Chains
			v.Summary = fmt.Sprintf("Chains %s, methods %s", joinInts(grant.Chains), strings.Join(grant.Methods, ", "))
		} else {
			v.Summary = "None of the requested chains are supported"
		}

	case p.Request != nil:
		v.Kind = KindRequest
		v.ID = p.Request.ID
		v.Topic = p.Request.Topic
		v.Method = p.Request.Method
		v.ChainID = p.Request.ChainID
		if e, ok := g.arbiter.Get(p.Request.ID); ok {
			v.Peer = e.Peer
			v.Summary = e.Summary
		}
	}
	return v
}

func joinInts(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
