package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sqlpilot/sqlpilot/internal/feedback"
)

type fakePublisher struct {
	subject string
	data    []byte
	opts    int
	err     error
}

func (f *fakePublisher) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subject = subj
	f.data = data
	f.opts = len(opts)
	return &nats.PubAck{Stream: DefaultStream, Sequence: 1}, nil
}

func TestEmitPublishesOnOutcomeSubject(t *testing.T) {
	fake := &fakePublisher{}
	publisher, err := NewWithPublisher(fake, "sqlpilot.feedback")
	if err != nil {
		t.Fatalf("NewWithPublisher() error = %v", err)
	}

	record := feedback.NewRecord("who owns workday", "SELECT owner FROM applications", feedback.OutcomeGenerated)
	if err := publisher.Emit(context.Background(), record); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if fake.subject != "sqlpilot.feedback.generated" {
		t.Fatalf("subject = %q", fake.subject)
	}
	if fake.opts != 2 {
		t.Fatalf("publish options = %d, want msg id and context", fake.opts)
	}
	var decoded feedback.Record
	if err := json.Unmarshal(fake.data, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.ID != record.ID || decoded.SQL != record.SQL {
		t.Fatalf("payload = %+v", decoded)
	}
}

func TestEmitWrapsPublishError(t *testing.T) {
	broker := errors.New("no responders")
	publisher, err := NewWithPublisher(&fakePublisher{err: broker}, "")
	if err != nil {
		t.Fatalf("NewWithPublisher() error = %v", err)
	}
	err = publisher.Emit(context.Background(), feedback.NewRecord("q", "SELECT 1", feedback.OutcomeGenerated))
	if !errors.Is(err, broker) {
		t.Fatalf("err = %v, want wrapped broker error", err)
	}
}

func TestStreamConfigDefaults(t *testing.T) {
	cfg := streamConfig(withDefaults(Config{}))
	if cfg.Name != DefaultStream {
		t.Fatalf("Name = %q", cfg.Name)
	}
	if len(cfg.Subjects) != 1 || cfg.Subjects[0] != "sqlpilot.feedback.>" {
		t.Fatalf("Subjects = %v", cfg.Subjects)
	}
	if cfg.Retention != nats.LimitsPolicy || cfg.MaxAge != 30*24*time.Hour {
		t.Fatalf("retention/max age = %v/%s", cfg.Retention, cfg.MaxAge)
	}
}
