package ingest

import (
	"context"

	"github.com/iaze0088/IazeConnect-sub004/pkg/provider"
)

// Sink feeds events from an in-process provider through the same path as
// remote webhooks.
func (i *Ingestor) Sink() provider.EventSink {
	return func(ctx context.Context, event string, session string, data map[string]interface{}) {
		i.Handle(ctx, nil, Payload{Event: event, Session: session, Data: data})
	}
}
