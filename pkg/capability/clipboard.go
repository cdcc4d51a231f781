package capability

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/blokista/walletgate/pkg/logger"
)

// Clipboard is the system clipboard.
type Clipboard interface {
	Copy(ctx context.Context, text string) error
	Clear(ctx context.Context) error
}

// commandClipboard pipes text into a platform tool such as wl-copy or pbcopy.
type commandClipboard struct {
	name string
	args []string
}

func (c commandClipboard) Copy(ctx context.Context, text string) error {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Stdin = bytes.NewBufferString(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", c.name, err, bytes.TrimSpace(out))
	}
	return nil
}

func (c commandClipboard) Clear(ctx context.Context) error {
	return c.Copy(ctx, "")
}

// Memory is an in-process clipboard.
type Memory struct {
	mu   sync.Mutex
	text string
}

func (m *Memory) Copy(_ context.Context, text string) error {
	m.mu.Lock()
	m.text = text
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	return m.Copy(ctx, "")
}

func (m *Memory) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text
}

// AutoClear wipes the clipboard a fixed time after each copy unless
// something newer was copied in between.
type AutoClear struct {
	inner Clipboard
	after time.Duration

	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
}

func NewAutoClear(inner Clipboard, after time.Duration) *AutoClear {
	return &AutoClear{inner: inner, after: after}
}

func (a *AutoClear) Copy(ctx context.Context, text string) error {
	if err := a.inner.Copy(ctx, text); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	gen := a.gen
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.after, func() {
		a.mu.Lock()
		stale := gen != a.gen
		a.mu.Unlock()
		if stale {
			return
		}
		if err := a.inner.Clear(context.Background()); err != nil {
			logger.WarnCF("capability", "Clipboard clear failed", map[string]any{"error": err.Error()})
			return
		}
		logger.DebugC("capability", "Clipboard cleared")
	})
	return nil
}

func (a *AutoClear) Clear(ctx context.Context) error {
	a.mu.Lock()
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	return a.inner.Clear(ctx)
}
