package notify

import (
	"context"

	"github.com/blokista/walletgate/pkg/logger"
)

// Log writes events to the gateway log.
type Log struct{}

func (Log) Notify(_ context.Context, e Event) {
	fields := map[string]any{
		"kind":  string(e.Kind),
		"title": e.Title,
	}
	if e.ID != 0 {
		fields["id"] = e.ID
	}
	if e.Topic != "" {
		fields["topic"] = e.Topic
	}
	if e.Detail != "" {
		fields["detail"] = e.Detail
	}
	if e.Kind == PinError {
		logger.WarnCF("notify", "UI event", fields)
		return
	}
	logger.InfoCF("notify", "UI event", fields)
}
