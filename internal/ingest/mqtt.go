// Package ingest subscribes to the booking, maintenance and host-settings
// feeds over MQTT and hands each message to the engine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/usage-integrity/internal/engine"
	"github.com/ukydev/usage-integrity/internal/models"
)

// Topic suffixes under the configured prefix.
const (
	TopicTripsClosed    = "trips/closed"
	TopicServiceRecords = "service-records"
	TopicDeclarations   = "declarations"
)

var ErrMalformedPayload = errors.New("malformed payload")

// Sink receives decoded messages. *engine.Engine implements it.
type Sink interface {
	RecordTrip(ctx context.Context, trip models.Trip) (*engine.Output, error)
	RecordServiceRecord(ctx context.Context, rec models.ServiceRecord) (*models.ServiceRecord, error)
	ChangeDeclaration(ctx context.Context, change models.DeclarationChange) (*models.Declaration, error)
}

// Options configure the MQTT connection.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// Subscriber consumes the ingestion topics.
type Subscriber struct {
	opts   Options
	sink   Sink
	log    log.FieldLogger
	client mqtt.Client

	mu  sync.Mutex
	ctx context.Context
}

// NewSubscriber prepares a subscriber. It does not connect until Start.
func NewSubscriber(opts Options, sink Sink, logger log.FieldLogger) *Subscriber {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "usage"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	s := &Subscriber{opts: opts, sink: sink, log: logger, ctx: context.Background()}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.WithError(err).Warn("MQTT connection lost")
		})
	s.client = mqtt.NewClient(clientOpts)
	return s
}

// Topic returns the full topic name for a suffix.
func (s *Subscriber) Topic(suffix string) string {
	return s.opts.TopicPrefix + "/" + suffix
}

// Start connects to the broker. Subscriptions are (re)made on every connect.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	token := s.client.Connect()
	if !token.WaitTimeout(s.opts.Timeout) {
		return fmt.Errorf("connect to %s: timed out", s.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", s.opts.Broker, err)
	}
	return nil
}

// Stop disconnects, letting in-flight handlers finish.
func (s *Subscriber) Stop() {
	s.client.Disconnect(250)
	s.log.Info("MQTT subscriber stopped")
}

func (s *Subscriber) onConnect(c mqtt.Client) {
	filters := make(map[string]byte)
	for _, suffix := range []string{TopicTripsClosed, TopicServiceRecords, TopicDeclarations} {
		filters[s.Topic(suffix)] = s.opts.QoS
	}
	token := c.SubscribeMultiple(filters, s.route)
	if !token.WaitTimeout(s.opts.Timeout) || token.Error() != nil {
		s.log.WithError(token.Error()).Error("Failed to subscribe to ingestion topics")
		return
	}
	s.log.WithFields(log.Fields{
		"broker": s.opts.Broker,
		"prefix": s.opts.TopicPrefix,
	}).Info("MQTT subscriber connected")
}

// route dispatches a message by topic. Bad payloads are logged and dropped.
func (s *Subscriber) route(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	var err error
	switch msg.Topic() {
	case s.Topic(TopicTripsClosed):
		err = s.HandleTrip(ctx, msg.Payload())
	case s.Topic(TopicServiceRecords):
		err = s.HandleServiceRecord(ctx, msg.Payload())
	case s.Topic(TopicDeclarations):
		err = s.HandleDeclaration(ctx, msg.Payload())
	default:
		s.log.WithField("topic", msg.Topic()).Warn("Message on unexpected topic")
		return
	}

	entry := s.log.WithFields(log.Fields{
		"topic":      msg.Topic(),
		"message_id": msg.MessageID(),
	})
	switch {
	case err == nil:
		entry.Debug("Message processed")
	case errors.Is(err, engine.ErrVehicleBusy):
		entry.Info("Stored; vehicle busy, reconciliation deferred")
	case errors.Is(err, ErrMalformedPayload):
		entry.WithError(err).Warn("Dropping malformed message")
	default:
		entry.WithError(err).Error("Failed to process message")
	}
}

// HandleTrip decodes a closed trip and records it.
func (s *Subscriber) HandleTrip(ctx context.Context, payload []byte) error {
	var trip models.Trip
	if err := json.Unmarshal(payload, &trip); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := trip.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	_, err := s.sink.RecordTrip(ctx, trip)
	return err
}

// HandleServiceRecord decodes an attested reading and records it.
func (s *Subscriber) HandleServiceRecord(ctx context.Context, payload []byte) error {
	var rec models.ServiceRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	_, err := s.sink.RecordServiceRecord(ctx, rec)
	return err
}

// HandleDeclaration decodes a declaration change and applies it.
func (s *Subscriber) HandleDeclaration(ctx context.Context, payload []byte) error {
	var change models.DeclarationChange
	if err := json.Unmarshal(payload, &change); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if change.VehicleID == "" || !models.IsValidDeclaration(change.DeclarationType) {
		return fmt.Errorf("%w: vehicle_id and a known declaration_type are required", ErrMalformedPayload)
	}
	_, err := s.sink.ChangeDeclaration(ctx, change)
	return err
}
