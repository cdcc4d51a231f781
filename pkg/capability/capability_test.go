package capability

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	p := Detect()
	require.NotNil(t, p)
	caps := p.Capabilities()
	assert.Equal(t, runtime.GOOS, caps.Platform)
	assert.Equal(t, p.Clipboard() != nil, caps.Clipboard)
}

func TestAutoClear(t *testing.T) {
	ctx := context.Background()
	mem := &Memory{}
	ac := NewAutoClear(mem, 30*time.Millisecond)

	require.NoError(t, ac.Copy(ctx, "secret"))
	assert.Equal(t, "secret", mem.Text())
	assert.Eventually(t, func() bool { return mem.Text() == "" }, time.Second, 5*time.Millisecond)
}

func TestAutoClear_NewerCopyExtends(t *testing.T) {
	ctx := context.Background()
	mem := &Memory{}
	ac := NewAutoClear(mem, 80*time.Millisecond)

	require.NoError(t, ac.Copy(ctx, "first"))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ac.Copy(ctx, "second"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "second", mem.Text())
	assert.Eventually(t, func() bool { return mem.Text() == "" }, time.Second, 5*time.Millisecond)
}

func TestAutoClear_ExplicitClear(t *testing.T) {
	ctx := context.Background()
	mem := &Memory{}
	ac := NewAutoClear(mem, time.Hour)
	require.NoError(t, ac.Copy(ctx, "secret"))
	require.NoError(t, ac.Clear(ctx))
	assert.Empty(t, mem.Text())
}

type failing struct{}

func (failing) Copy(context.Context, string) error { return errors.New("no display") }
func (failing) Clear(context.Context) error        { return nil }

func TestAutoClear_CopyError(t *testing.T) {
	ac := NewAutoClear(failing{}, time.Millisecond)
	assert.Error(t, ac.Copy(context.Background(), "x"))
}

func TestStatic(t *testing.T) {
	mem := &Memory{}
	var p Provider = Static{Caps: Capabilities{Clipboard: true}, Clip: mem}
	assert.True(t, p.Capabilities().Clipboard)
	assert.Same(t, mem, p.Clipboard())
}
