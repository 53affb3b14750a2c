package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Reloader is the slice of the ledger store the subscriber needs.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Subscriber listens for round events from the peer process and refreshes
// the local in-memory view so winner declarations and round clears show up
// without waiting for the next user-driven reload.
type Subscriber struct {
	nc    *nats.Conn
	store Reloader
	log   zerolog.Logger
	sub   *nats.Subscription
}

func NewSubscriber(nc *nats.Conn, store Reloader, log zerolog.Logger) *Subscriber {
	return &Subscriber{nc: nc, store: store, log: log}
}

// Start subscribes to all round-level events. Handlers run on the NATS
// delivery goroutine; the store serializes the reload internally.
func (s *Subscriber) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe(SubjectRoundAll, func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			s.log.Warn().Err(err).Str("subject", msg.Subject).Msg("bad event payload")
			return
		}

		if err := s.store.Reload(ctx); err != nil {
			s.log.Warn().Err(err).Str("subject", msg.Subject).Msg("reload after round event failed")
			return
		}
		s.log.Debug().Str("subject", msg.Subject).Str("event_id", evt.ID).Msg("reloaded after round event")
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectRoundAll, err)
	}

	s.sub = sub
	s.log.Info().Str("subject", SubjectRoundAll).Msg("subscribed to round events")
	return nil
}

// Stop drains the subscription so in-flight handlers finish.
func (s *Subscriber) Stop() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Drain(); err != nil {
		s.log.Warn().Err(err).Msg("drain subscription")
	}
}
