// pkg/ingest/mqtt.go

// Package ingest bridges the normalized device telemetry feed (MQTT) into
// the reconciler, and carries outbound commands back to the devices. It is
// the device-facing boundary: protocol adapters upstream of the broker are
// assumed to already speak the normalized report/command format.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/shadowsync/shadowd/pkg/model"
)

// Reconciler is the slice of the reconciliation layer the ingestion path
// needs: one call per incoming telemetry message.
type Reconciler interface {
	ApplyReport(ctx context.Context, deviceID string, fragment map[string]interface{}, reportTS time.Time) (*model.ShadowDocument, error)
}

// Options configures the MQTT bridge.
type Options struct {
	Broker   string // e.g. "tcp://localhost:1883"
	ClientID string
	// ReportTopic is the subscription filter for device reports; the second
	// topic segment is the device ID. Default "devices/+/state/reported".
	ReportTopic string
	// CommandTopic is the outbound command topic pattern with a %s for the
	// device ID. Default "devices/%s/commands".
	CommandTopic string
}

func (o Options) withDefaults() Options {
	if o.ClientID == "" {
		o.ClientID = "shadowd"
	}
	if o.ReportTopic == "" {
		o.ReportTopic = "devices/+/state/reported"
	}
	if o.CommandTopic == "" {
		o.CommandTopic = "devices/%s/commands"
	}
	return o
}

// Service owns the MQTT client. It implements command.Sender for the
// outbound direction.
type Service struct {
	client mqtt.Client
	opts   Options
	log    *logrus.Logger
}

// New builds the MQTT client; Start connects and subscribes.
func New(opts Options, log *logrus.Logger) *Service {
	opts = opts.withDefaults()

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("mqtt connection lost")
		})

	return &Service{
		client: mqtt.NewClient(clientOpts),
		opts:   opts,
		log:    log,
	}
}

// reportPayload is the wire shape of a device report. A bare capability map
// without the envelope is accepted too.
type reportPayload struct {
	State     map[string]interface{} `json:"state"`
	Timestamp *time.Time             `json:"ts,omitempty"`
}

// Start connects to the broker and subscribes to the report topic. Each
// message becomes one ApplyReport call.
func (s *Service) Start(rec Reconciler) error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect failed: %w", token.Error())
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		s.handleReport(rec, msg)
	}
	if token := s.client.Subscribe(s.opts.ReportTopic, 1, handler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscribe failed: %w", token.Error())
	}

	s.log.WithFields(logrus.Fields{
		"broker": s.opts.Broker,
		"topic":  s.opts.ReportTopic,
	}).Info("mqtt ingestion started")
	return nil
}

// Stop disconnects from the broker.
func (s *Service) Stop() {
	s.client.Disconnect(250)
}

func (s *Service) handleReport(rec Reconciler, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 2 || parts[1] == "" {
		s.log.WithField("topic", msg.Topic()).Warn("report on unexpected topic, dropping")
		return
	}
	deviceID := parts[1]
	logger := s.log.WithField("deviceId", deviceID)

	var payload reportPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil || payload.State == nil {
		// Envelope-less reports carry the capability map directly.
		var bare map[string]interface{}
		if err := json.Unmarshal(msg.Payload(), &bare); err != nil {
			logger.WithError(err).Warn("undecodable report payload, dropping")
			return
		}
		payload = reportPayload{State: bare}
	}

	reportTS := time.Now().UTC()
	if payload.Timestamp != nil {
		// Device-report time is preferred over ingestion time.
		reportTS = payload.Timestamp.UTC()
	}

	if _, err := rec.ApplyReport(context.Background(), deviceID, payload.State, reportTS); err != nil {
		logger.WithError(err).Error("failed to apply device report")
	}
}

// Send publishes a command to the device's command topic. Implements
// command.Sender; delivery failure is surfaced to the dispatcher, which
// applies its retry budget.
func (s *Service) Send(ctx context.Context, deviceID, capability string, value interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{capability: value})
	if err != nil {
		return fmt.Errorf("failed to marshal command payload: %w", err)
	}

	topic := fmt.Sprintf(s.opts.CommandTopic, deviceID)
	token := s.client.Publish(topic, 1, false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}
