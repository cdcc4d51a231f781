package walletconnect

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/blokista/walletgate/pkg/store"
)

// Session is an approved pairing with a peer, keyed by topic.
type Session struct {
	Topic        string         `json:"topic"`
	PairingTopic string         `json:"pairing_topic"`
	Peer         Metadata       `json:"peer"`
	Chains       []int64        `json:"chains"`
	Methods      []string       `json:"methods"`
	Events       []string       `json:"events"`
	Address      common.Address `json:"address"`
	SymKey       string         `json:"sym_key"`
	Expiry       time.Time      `json:"expiry"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (s *Session) AllowsChain(chainID int64) bool {
	return slices.Contains(s.Chains, chainID)
}

func (s *Session) AllowsMethod(method string) bool {
	return slices.Contains(s.Methods, method)
}

func (s *Session) Namespaces() map[string]SessionNamespace {
	g := Grant{Chains: s.Chains, Methods: s.Methods, Events: s.Events}
	return g.Namespaces(s.Address)
}

func (s *Session) key() ([]byte, error) {
	return hex.DecodeString(s.SymKey)
}

// SessionView is a Session without key material.
type SessionView struct {
	Topic     string         `json:"topic"`
	Peer      Metadata       `json:"peer"`
	Chains    []int64        `json:"chains"`
	Methods   []string       `json:"methods"`
	Address   common.Address `json:"address"`
	Expiry    time.Time      `json:"expiry"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *Session) View() SessionView {
	return SessionView{
		Topic:     s.Topic,
		Peer:      s.Peer,
		Chains:    s.Chains,
		Methods:   s.Methods,
		Address:   s.Address,
		Expiry:    s.Expiry,
		CreatedAt: s.CreatedAt,
	}
}

// SessionTable holds the active sessions and mirrors them to the store.
type SessionTable struct {
	kv       store.KV
	sessions cmap.ConcurrentMap[string, Session]
	// serializes writes so the persisted list matches the map
	mu sync.Mutex
}

func LoadSessions(ctx context.Context, kv store.KV) (*SessionTable, error) {
	t := &SessionTable{kv: kv, sessions: cmap.New[Session]()}

	var saved []Session
	if _, err := kv.Get(ctx, store.KeySessions, &saved); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for _, s := range saved {
		t.sessions.Set(s.Topic, s)
	}
	return t, nil
}

// Put adds a session. A topic may only be active once.
func (t *SessionTable) Put(ctx context.Context, s Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.sessions.SetIfAbsent(s.Topic, s) {
		return ErrDuplicateTopic
	}
	err := t.persist(ctx, func(saved []Session) []Session {
		return append(without(saved, s.Topic), s)
	})
	if err != nil {
		t.sessions.Remove(s.Topic)
		return err
	}
	return nil
}

// Remove deletes the session and reports whether it existed.
func (t *SessionTable) Remove(ctx context.Context, topic string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions.Pop(topic)
	if !ok {
		return false, nil
	}
	err := t.persist(ctx, func(saved []Session) []Session {
		return without(saved, topic)
	})
	if err != nil {
		t.sessions.Set(topic, s)
		return false, err
	}
	return true, nil
}

func (t *SessionTable) Get(topic string) (Session, bool) {
	return t.sessions.Get(topic)
}

func (t *SessionTable) Len() int {
	return t.sessions.Count()
}

// List returns the sessions oldest first.
func (t *SessionTable) List() []Session {
	out := make([]Session, 0, t.sessions.Count())
	for _, s := range t.sessions.Items() {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Topic < out[j].Topic
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// persist rewrites the stored list from its current contents, not from the
// map, so entries written by another process sharing the store survive.
func (t *SessionTable) persist(ctx context.Context, edit func([]Session) []Session) error {
	err := t.kv.Update(ctx, func(tx store.Tx) error {
		var saved []Session
		if _, err := tx.Get(ctx, store.KeySessions, &saved); err != nil {
			return err
		}
		return tx.Set(ctx, store.KeySessions, edit(saved))
	})
	if err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	return nil
}

func without(sessions []Session, topic string) []Session {
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Topic != topic {
			out = append(out, s)
		}
	}
	return out
}
