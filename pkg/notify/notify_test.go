package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []*telego.SendMessageParams
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, p *telego.SendMessageParams) (*telego.Message, error) {
	f.sent = append(f.sent, p)
	return &telego.Message{}, f.err
}

func TestMulti(t *testing.T) {
	var got []Kind
	rec := Func(func(_ context.Context, e Event) { got = append(got, e.Kind) })
	m := Multi{rec, nil, Log{}, rec}

	m.Notify(context.Background(), Event{Kind: SessionsChanged, Title: "Sessions updated"})
	assert.Equal(t, []Kind{SessionsChanged, SessionsChanged}, got)
}

func TestTelegram_SendsToEveryChat(t *testing.T) {
	sender := &fakeSender{}
	tg, err := NewTelegramWithSender(sender, []string{"123", "-100456"})
	require.NoError(t, err)

	tg.Notify(context.Background(), Event{Kind: ProposalPending, Title: "Connection request", Detail: "Uniswap"})
	require.Len(t, sender.sent, 2)
	assert.Equal(t, int64(123), sender.sent[0].ChatID.ID)
	assert.Equal(t, int64(-100456), sender.sent[1].ChatID.ID)
	assert.Contains(t, sender.sent[0].Text, "Connection request")
	assert.Contains(t, sender.sent[0].Text, "Uniswap")
}

func TestTelegram_SendErrorIsNotFatal(t *testing.T) {
	sender := &fakeSender{err: errors.New("forbidden")}
	tg, err := NewTelegramWithSender(sender, []string{"1", "2"})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		tg.Notify(context.Background(), Event{Kind: PinError, Title: "Incorrect PIN"})
	})
	assert.Len(t, sender.sent, 2)
}

func TestTelegram_BadChatID(t *testing.T) {
	_, err := NewTelegramWithSender(&fakeSender{}, []string{"@channel"})
	assert.Error(t, err)
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "[pin_error] Incorrect PIN", Event{Kind: PinError, Title: "Incorrect PIN"}.String())
	assert.Equal(t, "[request_pending] Sign: personal_sign", Event{Kind: RequestPending, Title: "Sign", Detail: "personal_sign"}.String())
}
