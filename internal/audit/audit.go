package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/kavenhq/kaven/internal/logging"
)

// Event is one authentication-relevant action, published for the audit
// trail. Payloads never include credentials or token material.
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	UserID   string    `json:"user_id,omitempty"`
	TenantID string    `json:"tenant_id,omitempty"`
	Success  bool      `json:"success"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

const (
	EventLogin          = "auth.login"
	EventRefresh        = "auth.refresh"
	EventLogout         = "auth.logout"
	EventForgotPassword = "auth.forgot_password"
	EventResetPassword  = "auth.reset_password"
	EventChangePassword = "auth.change_password"
	EventDeviceCode     = "auth.device_code"
	EventDeviceDecision = "auth.device_decision"
	EventDeviceExchange = "auth.device_exchange"
)

// Recorder accepts audit events. Recording is always best-effort: failures
// are logged, never propagated into the auth operation that produced the
// event.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Publisher writes audit events to a Kafka topic, keyed by tenant so one
// tenant's trail stays ordered within a partition.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 100 * time.Millisecond,
		},
	}
}

func (p *Publisher) Record(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		logging.FromContext(ctx).Error("audit_marshal_failed", "error", err)
		return
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TenantID),
		Value: data,
	})
	if err != nil {
		logging.FromContext(ctx).Error("audit_publish_failed", "type", ev.Type, "error", err)
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Nop discards events. Used when no brokers are configured and in tests.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
