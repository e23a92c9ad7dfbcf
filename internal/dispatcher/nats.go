// internal/dispatcher/nats.go
package dispatcher

import (
	"context"
	"fmt"

	"trafficwatch/internal/model"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// DefaultNATSSubject is used when no subject is configured.
const DefaultNATSSubject = "trafficwatch.notifications"

// natsPayload is the JSON document published for every message.
type natsPayload struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Destination string `json:"destination"`
	Text        string `json:"text"`
}

// NATSSink publishes messages to a subject; a chat bridge or any other
// subscriber does the final delivery.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink connects to url. The connection reconnects forever; Send
// fails while it is down and the dispatcher retries.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("trafficwatch"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSSink{nc: nc, subject: subject}, nil
}

// Send publishes msg and waits for the server to acknowledge the flush.
func (s *NATSSink) Send(ctx context.Context, msg model.Message) error {
	data, err := json.Marshal(natsPayload{
		ID:          msg.ID,
		Kind:        string(msg.Kind),
		Destination: msg.Destination,
		Text:        msg.Text,
	})
	if err != nil {
		return fmt.Errorf("nats: encode: %w", err)
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", s.subject, err)
	}
	if err := s.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats: flush: %w", err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
