// Package mirror publishes dispatched decisions and bet settlements to
// NATS subjects for downstream consumers. Everything here is
// best-effort: a dead broker logs and never blocks the hot path.
package mirror

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/decision"
)

// Publisher mirrors runtime outputs onto NATS subjects.
type Publisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// Connect dials the broker. An empty URL returns a nil publisher,
// which every method treats as disabled.
func Connect(url string, log zerolog.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	logger := log.With().Str("component", "nats_mirror").Logger()
	nc, err := nats.Connect(url,
		nats.Name("arena-mirror"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Info().Str("url", url).Msg("NATS mirror connected")
	return &Publisher{nc: nc, log: logger}, nil
}

// Decision publishes one dispatched decision.
func (p *Publisher) Decision(traderID string, rec *decision.Record) {
	if p == nil {
		return
	}
	p.publish("arena.decisions."+traderID, rec)
}

// Settlement publishes one completed settlement.
func (p *Publisher) Settlement(mkt, dayKey string, settlement any) {
	if p == nil {
		return
	}
	p.publish("arena.bets.settlement."+mkt, map[string]any{
		"market":     mkt,
		"day_key":    dayKey,
		"settlement": settlement,
	})
}

func (p *Publisher) publish(subject string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("Mirror marshal failed")
		return
	}
	if err := p.nc.Publish(subject, raw); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("Mirror publish failed")
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
