package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type RunEvent struct {
	RunID       int64     `json:"run_id"`
	Target      string    `json:"target"`
	Mode        string    `json:"mode"`
	Status      string    `json:"status"`
	FailedStage string    `json:"failed_stage,omitempty"`
	Error       string    `json:"error,omitempty"`
	URL         string    `json:"url,omitempty"`
	Time        time.Time `json:"time"`
}

// EventPublisher announces run state transitions. Publishing is best effort
// and never fails a run.
type EventPublisher interface {
	PublishRunEvent(RunEvent)
	Close()
}

type NopEventPublisher struct{}

func (NopEventPublisher) PublishRunEvent(RunEvent) {}
func (NopEventPublisher) Close()                   {}

// NATSEventPublisher publishes run events as JSON on
// <subject>.<target>.<status>.
type NATSEventPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

func NewNATSEventPublisher(url, subject string, logger zerolog.Logger) (*NATSEventPublisher, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("simplecd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNATSEventPublisher(conn, subject, logger), nil
}

func newNATSEventPublisher(conn *nats.Conn, subject string, logger zerolog.Logger) *NATSEventPublisher {
	return &NATSEventPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "events").Logger(),
	}
}

func (p *NATSEventPublisher) PublishRunEvent(e RunEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error().Err(err).Msg("err marshaling run event")
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", p.subject, natsToken(e.Target), e.Status)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("err publishing run event")
	}
}

func (p *NATSEventPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// natsToken replaces characters that would split or wildcard a subject.
func natsToken(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch c {
		case '.', '*', '>', ' ', '\t':
			b[i] = '_'
		}
	}
	return string(b)
}
