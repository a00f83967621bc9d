package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvloznov/finance-sync/internal/changefeed"
)

// ChangeRelay moves change events between processes. Writers publish to the
// fanout exchange; every API process runs Run to feed its local hub.
type ChangeRelay struct {
	client *Client
}

// NewChangeRelay creates a relay over client.
func NewChangeRelay(client *Client) *ChangeRelay {
	return &ChangeRelay{client: client}
}

// Publish sends an event to every subscribed process. Events are transient.
func (r *ChangeRelay) Publish(ctx context.Context, ev changefeed.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ChangeRelay.Publish: marshal event: %w", err)
	}
	if err := r.client.publish(ctx, r.client.changesExchange, "", body, false); err != nil {
		return fmt.Errorf("ChangeRelay.Publish: %w", err)
	}
	return nil
}

// Run consumes events into local until ctx is cancelled, reconnecting with
// exponential backoff when the broker goes away.
func (r *ChangeRelay) Run(ctx context.Context, local changefeed.Publisher) error {
	log := r.client.log.With().Str("exchange", r.client.changesExchange).Logger()

	for attempt := 0; ; attempt++ {
		err := r.consume(ctx, local, func() { attempt = 0 })
		if ctx.Err() != nil {
			log.Info().Msg("change relay stopped")
			return nil
		}

		wait := exponentialBackoff(attempt)
		log.Warn().Err(err).Dur("retry_in", wait).Msg("change relay disconnected")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *ChangeRelay) consume(ctx context.Context, local changefeed.Publisher, connected func()) error {
	ch, err := r.client.openChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", r.client.changesExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	connected()
	r.client.log.Info().Str("queue", q.Name).Msg("change relay consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			var ev changefeed.Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				r.client.log.Error().Err(err).Msg("failed to unmarshal change event")
				continue
			}
			if err := local.Publish(ctx, ev); err != nil {
				r.client.log.Warn().Err(err).Str("table", string(ev.Table)).Msg("failed to relay change event")
			}
		}
	}
}
