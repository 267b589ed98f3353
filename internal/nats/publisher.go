package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/devghori1264/gpupool/internal/models"
)

// SubjectBookings carries every booking lifecycle transition.
const SubjectBookings = "gpupool.bookings.events"

type Publisher struct {
	nc  *nats.Conn
	url string
	log *zap.Logger
}

func NewPublisher(url string, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("gpupool-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, url: url, log: log}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return p.nc.Publish(subject, payload)
}

// transitionEvent is the wire shape of a booking lifecycle event.
type transitionEvent struct {
	Event      string    `json:"event"`
	BookingID  string    `json:"booking_id"`
	UserID     string    `json:"user_id"`
	InstanceID string    `json:"instance_id"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to"`
	At         time.Time `json:"at"`
}

// OnTransition implements the allocator sink: each committed booking
// transition is published as JSON. Publish failures are logged and dropped;
// the event stream is advisory, the ledger is the source of truth.
func (p *Publisher) OnTransition(b *models.Booking, from, to models.BookingStatus, at time.Time) {
	ev := transitionEvent{
		Event:      "booking." + string(to),
		BookingID:  b.ID,
		UserID:     b.UserID,
		InstanceID: b.InstanceID,
		From:       string(from),
		To:         string(to),
		At:         at,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.Publish(context.Background(), SubjectBookings, payload); err != nil {
		p.log.Warn("event publish failed", zap.String("booking_id", b.ID), zap.Error(err))
	}
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}
