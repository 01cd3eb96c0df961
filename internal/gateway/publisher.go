package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSRelay mirrors every published event onto a NATS subject so the
// wider platform (notification workers, analytics) can consume activity
// events without a socket into this service. Publishing is best effort:
// a relay failure never blocks or fails the in-process fan-out.
type NATSRelay struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSRelay connects to NATS. subjectPrefix is typically
// "activities.events".
func NewNATSRelay(url, subjectPrefix string) (*NATSRelay, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSRelay{conn: conn, subjectPrefix: subjectPrefix}, nil
}

func (r *NATSRelay) Publish(sessionID uuid.UUID, typ EventType, payload any) {
	event, err := NewEvent(sessionID, typ, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(typ)).Msg("failed to build relay event")
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", string(typ)).Msg("failed to marshal relay event")
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", r.subjectPrefix, typ, sessionID)
	if err := r.conn.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("nats relay publish failed")
	}
}

// Close drains the NATS connection.
func (r *NATSRelay) Close() {
	if err := r.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("nats drain failed")
	}
}

// Fanout publishes to every wrapped publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(sessionID uuid.UUID, typ EventType, payload any) {
	for _, p := range f {
		p.Publish(sessionID, typ, payload)
	}
}
