// Package natsbus publishes feedback records to a NATS JetStream stream.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sqlpilot/sqlpilot/internal/feedback"
)

type Config struct {
	URL     string
	Stream  string
	Subject string
	Timeout time.Duration
	// MaxAge bounds how long records stay in the stream.
	MaxAge time.Duration
}

const (
	DefaultURL     = "nats://localhost:4222"
	DefaultStream  = "SQLPILOT_FEEDBACK"
	DefaultSubject = "sqlpilot.feedback"
)

type publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher emits each record on <subject>.<outcome>. The record id is sent
// as the JetStream message id so redelivered emits are deduplicated.
type Publisher struct {
	conn    *nats.Conn
	js      publisher
	subject string
}

func Connect(cfg Config, logger *slog.Logger) (*Publisher, error) {
	cfg = withDefaults(cfg)
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("sqlpilot-feedback"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	if err := ensureStream(js, streamConfig(cfg)); err != nil {
		nc.Close()
		return nil, err
	}
	logger.Info("feedback stream ready", slog.String("stream", cfg.Stream), slog.String("subject", cfg.Subject))
	return &Publisher{conn: nc, js: js, subject: cfg.Subject}, nil
}

func NewWithPublisher(js publisher, subject string) (*Publisher, error) {
	if js == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{js: js, subject: subject}, nil
}

func (p *Publisher) Emit(ctx context.Context, record feedback.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal feedback record: %w", err)
	}
	subject := p.subject + "." + string(record.Outcome)
	if _, err := p.js.Publish(subject, data, nats.MsgId(record.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish feedback %s: %w", record.ID, err)
	}
	return nil
}

// Ping reports whether the connection is up.
func (p *Publisher) Ping(context.Context) error {
	if p.conn == nil {
		return nil
	}
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats connection status %s", p.conn.Status())
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if strings.TrimSpace(cfg.Stream) == "" {
		cfg.Stream = DefaultStream
	}
	if strings.TrimSpace(cfg.Subject) == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	return cfg
}

func streamConfig(cfg Config) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     cfg.MaxAge,
		Storage:    nats.FileStorage,
		Replicas:   1,
		Discard:    nats.DiscardOld,
		Duplicates: 2 * time.Minute,
	}
}

// ensureStream creates the stream or updates it to streamCfg.
func ensureStream(js nats.JetStreamManager, streamCfg *nats.StreamConfig) error {
	if _, err := js.StreamInfo(streamCfg.Name); err != nil {
		if _, err := js.AddStream(streamCfg); err != nil {
			return fmt.Errorf("create stream %s: %w", streamCfg.Name, err)
		}
		return nil
	}
	if _, err := js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("update stream %s: %w", streamCfg.Name, err)
	}
	return nil
}
