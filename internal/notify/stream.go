package notify

import (
	"context"
	"encoding/json"

	"pingup_core/internal/broker"
	"pingup_core/internal/domain"
)

// StartStream feeds the dispatcher from the broker's durable stream
// instead of a local store subscription, for deployments that run
// dispatching as its own process. Blocks until ctx is done.
func (d *Dispatcher) StartStream(ctx context.Context, br *broker.Client, streamName string) error {
	consumer, err := br.ConsumeStream(streamName, func(ev broker.Event) {
		if ev.Type != domain.EventTypeMessageCreated {
			return
		}
		var msg domain.Message
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			d.log.Warnf("failed to unmarshal stream message: %s", err)
			return
		}
		d.handle(ctx, &msg)
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	d.log.Info("stream dispatcher started")
	<-ctx.Done()
	return nil
}
