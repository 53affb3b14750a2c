// Package notify fans round events out between the two front-end processes
// over NATS. Events are advisory: the persisted ledger document stays the
// source of truth, a dropped event only delays the peer's next reload.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subjects follow the pattern bets.{scope}.{event_type}.
const (
	SubjectWinnerDeclared   = "bets.round.winner_declared"
	SubjectRoundCleared     = "bets.round.cleared"
	SubjectBetPlaced        = "bets.bet.placed"
	SubjectDepositConfirmed = "bets.deposit.confirmed"

	// SubjectRoundAll matches every round-level event.
	SubjectRoundAll = "bets.round.*"
)

// Event is the wire form of a notification.
type Event struct {
	ID        string    `json:"event_id"`
	Account   string    `json:"account,omitempty"`
	Team      string    `json:"team,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Connect dials NATS with unbounded reconnects. Events are advisory, so a
// flaky broker degrades freshness, never correctness.
func Connect(url string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// Publisher publishes round events. A nil Publisher is valid and publishes
// nothing, so callers never need to branch on whether NATS is configured.
type Publisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

func NewPublisher(nc *nats.Conn, log zerolog.Logger) *Publisher {
	return &Publisher{nc: nc, log: log}
}

// WinnerDeclared announces the round outcome to the peer process.
func (p *Publisher) WinnerDeclared(team string) {
	p.publish(SubjectWinnerDeclared, Event{Team: team})
}

// RoundCleared announces a fresh round.
func (p *Publisher) RoundCleared() {
	p.publish(SubjectRoundCleared, Event{})
}

// BetPlaced announces a placed bet; amount is in the reference currency.
func (p *Publisher) BetPlaced(account, team string, amount float64) {
	p.publish(SubjectBetPlaced, Event{Account: account, Team: team, Amount: amount})
}

// DepositConfirmed announces a credited deposit in the reference currency.
func (p *Publisher) DepositConfirmed(account string, amount float64) {
	p.publish(SubjectDepositConfirmed, Event{Account: account, Amount: amount})
}

func (p *Publisher) publish(subject string, evt Event) {
	if p == nil || p.nc == nil {
		return
	}

	evt.ID = uuid.NewString()
	evt.Timestamp = time.Now().UTC()

	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("marshal event")
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		// Non-fatal: the peer reloads from the shared document on its own.
		p.log.Warn().Err(err).Str("subject", subject).Msg("publish failed")
		return
	}
	p.log.Debug().Str("subject", subject).Str("event_id", evt.ID).Msg("event published")
}
