// Package sensor subscribes to field sensor telemetry over MQTT and feeds
// each reading into the season lifecycle.
//
// Readings arrive on a topic carrying the season id, for example
// furrow/sensors/<season id>, with a JSON payload such as
// {"temperature":40,"moisture":10,"ph":6.8}.
package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/genfin/furrow/internal/config"
	"github.com/genfin/furrow/internal/errs"
	"github.com/genfin/furrow/internal/metrics"
	"github.com/genfin/furrow/internal/models"
	"github.com/genfin/furrow/internal/season"
)

const (
	connectTimeout   = 30 * time.Second
	subscribeTimeout = 10 * time.Second
	ingestTimeout    = 10 * time.Second
)

// Message results, used as metric labels.
const (
	ResultIngested = "ingested"
	ResultPest     = "pest_unlock"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Ingester accepts decoded readings. *season.Service implements it.
type Ingester interface {
	IngestSensorReading(ctx context.Context, seasonID string, r season.Reading) (*models.SensorEvent, bool, error)
}

// Opts holds optional collaborators of a Subscriber.
type Opts struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// For testing: build a fake client instead of a real connection.
	NewClient func(*mqtt.ClientOptions) mqtt.Client
}

// Subscriber forwards MQTT sensor messages to an Ingester.
type Subscriber struct {
	cfg       config.SensorConfig
	ingest    Ingester
	log       *slog.Logger
	metrics   *metrics.Metrics
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// New creates a Subscriber. cfg.Broker must be set.
func New(cfg config.SensorConfig, ingest Ingester, opts Opts) (*Subscriber, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("sensor: broker is required")
	}
	if _, err := wildcardIndex(cfg.Topic); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	newClient := opts.NewClient
	if newClient == nil {
		newClient = mqtt.NewClient
	}
	return &Subscriber{
		cfg:       cfg,
		ingest:    ingest,
		log:       logger.With("module", "sensor"),
		metrics:   opts.Metrics,
		newClient: newClient,
	}, nil
}

// Run connects, subscribes and handles messages until ctx is done. The
// subscription is renewed on every reconnect.
func (s *Subscriber) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetUsername(s.cfg.Username)
	opts.SetPassword(s.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.log.Info("connected", "broker", s.cfg.Broker, "topic", s.cfg.Topic)
		token := c.Subscribe(s.cfg.Topic, byte(s.cfg.QoS), func(_ mqtt.Client, msg mqtt.Message) {
			s.handleMessage(ctx, msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(subscribeTimeout) {
			s.log.Error("subscribe timeout", "topic", s.cfg.Topic)
			return
		}
		if err := token.Error(); err != nil {
			s.log.Error("subscribe failed", "topic", s.cfg.Topic, "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.Warn("connection lost", "broker", s.cfg.Broker, "error", err)
	})

	client := s.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("sensor: connect to %s: timeout", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("sensor: connect to %s: %w", s.cfg.Broker, err)
	}

	<-ctx.Done()
	client.Disconnect(250)
	s.log.Info("disconnected", "broker", s.cfg.Broker)
	return nil
}

// handleMessage ingests one message and records the result.
func (s *Subscriber) handleMessage(ctx context.Context, topic string, payload []byte) {
	result, err := s.handle(ctx, topic, payload)
	s.metrics.SensorMessage(result)
	switch result {
	case ResultRejected:
		s.log.Warn("reading rejected", "topic", topic, "error", err)
	case ResultError:
		s.log.Error("reading failed", "topic", topic, "error", err)
	default:
		s.log.Debug("reading ingested", "topic", topic, "result", result)
	}
}

func (s *Subscriber) handle(ctx context.Context, topic string, payload []byte) (string, error) {
	seasonID, err := SeasonFromTopic(s.cfg.Topic, topic)
	if err != nil {
		return ResultRejected, err
	}
	r, err := DecodeReading(payload)
	if err != nil {
		return ResultRejected, err
	}

	ctx, cancel := context.WithTimeout(ctx, ingestTimeout)
	defer cancel()
	_, unlocked, err := s.ingest.IngestSensorReading(ctx, seasonID, r)
	switch {
	case err == nil && unlocked:
		return ResultPest, nil
	case err == nil:
		return ResultIngested, nil
	case errs.Kind(err) != "internal":
		return ResultRejected, err
	default:
		return ResultError, err
	}
}

// SeasonFromTopic extracts the season id matched by the single-level
// wildcard of pattern.
func SeasonFromTopic(pattern, topic string) (string, error) {
	idx, err := wildcardIndex(pattern)
	if err != nil {
		return "", err
	}
	want := strings.Split(pattern, "/")
	got := strings.Split(topic, "/")
	if len(got) != len(want) {
		return "", fmt.Errorf("sensor: %w: topic %q does not match %q", errs.ErrInvalidInput, topic, pattern)
	}
	for i := range want {
		if i != idx && want[i] != got[i] {
			return "", fmt.Errorf("sensor: %w: topic %q does not match %q", errs.ErrInvalidInput, topic, pattern)
		}
	}
	if got[idx] == "" {
		return "", fmt.Errorf("sensor: %w: empty season id in topic %q", errs.ErrInvalidInput, topic)
	}
	return got[idx], nil
}

// wildcardIndex returns the position of the single "+" level in pattern.
func wildcardIndex(pattern string) (int, error) {
	idx := -1
	for i, level := range strings.Split(pattern, "/") {
		switch level {
		case "+":
			if idx >= 0 {
				return 0, fmt.Errorf("sensor: topic %q has more than one wildcard", pattern)
			}
			idx = i
		case "#":
			return 0, fmt.Errorf("sensor: topic %q must not use a multi-level wildcard", pattern)
		}
	}
	if idx < 0 {
		return 0, fmt.Errorf("sensor: topic %q needs a + level for the season id", pattern)
	}
	return idx, nil
}

// DecodeReading parses a JSON reading payload. Unknown fields are
// rejected.
func DecodeReading(payload []byte) (season.Reading, error) {
	var r season.Reading
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return r, fmt.Errorf("sensor: %w: decode reading: %w", errs.ErrInvalidInput, err)
	}
	if dec.More() {
		return r, fmt.Errorf("sensor: %w: trailing data after reading", errs.ErrInvalidInput)
	}
	return r, nil
}
