package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/events"
	"github.com/spec-kit/ticket-collab/internal/observability"
)

// Sink receives decoded events and tracks transport state.
type Sink interface {
	Publish(ctx context.Context, event events.Event) error
	SetConnected(connected bool)
}

// EventWorker relays ticket change events from a Redis pub/sub channel into
// a Sink, resubscribing with exponential backoff after failures.
type EventWorker struct {
	client      *redis.Client
	channel     string
	sink        Sink
	logger      *zap.Logger
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// EventWorkerDependencies bundles collaborators for the worker.
type EventWorkerDependencies struct {
	Client      *redis.Client
	Channel     string
	Sink        Sink
	Logger      *zap.Logger
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// NewEventWorker constructs the worker.
func NewEventWorker(deps EventWorkerDependencies) *EventWorker {
	base := deps.BaseBackoff
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	maxBackoff := deps.MaxBackoff
	if maxBackoff < base {
		maxBackoff = 30 * time.Second
	}
	return &EventWorker{
		client:      deps.Client,
		channel:     deps.Channel,
		sink:        deps.Sink,
		logger:      observability.OrNop(deps.Logger),
		baseBackoff: base,
		maxBackoff:  maxBackoff,
	}
}

// Run consumes the channel until ctx is cancelled.
func (w *EventWorker) Run(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.baseBackoff
	exp.Multiplier = 2
	exp.MaxInterval = w.maxBackoff
	exp.MaxElapsedTime = 0
	exp.Reset()

	for {
		err := w.session(ctx, exp)
		w.sink.SetConnected(false)
		if ctx.Err() != nil {
			return nil
		}

		wait := exp.NextBackOff()
		w.logger.Warn("event stream disconnected",
			zap.String("channel", w.channel),
			zap.Duration("retry_in", wait),
			zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// session subscribes once and relays messages until the subscription fails.
func (w *EventWorker) session(ctx context.Context, exp *backoff.ExponentialBackOff) error {
	sub := w.client.Subscribe(ctx, w.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", w.channel, err)
	}
	w.sink.SetConnected(true)
	exp.Reset()
	w.logger.Info("event stream connected", zap.String("channel", w.channel))

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		w.handle(ctx, []byte(msg.Payload))
	}
}

func (w *EventWorker) handle(ctx context.Context, payload []byte) {
	event, err := DecodeEvent(payload)
	if err != nil {
		w.logger.Warn("dropping undecodable event", zap.Error(err), zap.Int("bytes", len(payload)))
		return
	}
	if err := w.sink.Publish(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Warn("event publish failed",
			zap.String("event_id", event.ID),
			zap.String("ticket_id", event.TicketID),
			zap.Error(err))
	}
}

// DecodeEvent parses one wire payload. Shape checks are left to consumers.
func DecodeEvent(payload []byte) (events.Event, error) {
	var event events.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return events.Event{}, fmt.Errorf("%w: %v", events.ErrMalformedEvent, err)
	}
	if event.TicketID == "" && event.Ticket != nil {
		event.TicketID = event.Ticket.ID
	}
	return event, nil
}
