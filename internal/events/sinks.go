package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fractal-lba/policyhive/internal/hive"
)

// LogSink writes every event as a structured log entry.
type LogSink struct {
	log   logrus.FieldLogger
	level logrus.Level
}

// NewLogSink creates a log sink writing at level. A nil logger uses the
// standard logger.
func NewLogSink(log logrus.FieldLogger, level logrus.Level) *LogSink {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogSink{log: log.WithField("component", "events"), level: level}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, ev Event) error {
	entry := s.log.WithFields(logrus.Fields{
		"event_id": ev.ID,
		"type":     ev.Type,
		"payload":  ev.Payload,
	})
	switch s.level {
	case logrus.DebugLevel, logrus.TraceLevel:
		entry.Debug("event")
	case logrus.WarnLevel:
		entry.Warn("event")
	default:
		entry.Info("event")
	}
	return nil
}

// EventsTopicPrefix prefixes hive topics carrying forwarded events.
const EventsTopicPrefix = "hive/events/"

// NetworkPatterns maps event types worth sharing across nodes to the
// learning pattern they feed.
var NetworkPatterns = map[string]string{
	"coi.executed":            "fulfillment_workflow",
	"pricing.quoted":          "pricing_strategy",
	"ifx.order_filled":        "execution_quality",
	"dealgraph.tranche_bound": "risk_pricing",
	"placement.auction":       "auction_dynamics",
	"bundle.attach":           "cross_sell",
	"connector.health":        "connector_reliability",
}

// HiveSink forwards events listed in NetworkPatterns to a hive channel.
type HiveSink struct {
	ch     hive.Channel
	nodeID string
}

// NewHiveSink creates a sink publishing as nodeID.
func NewHiveSink(ch hive.Channel, nodeID string) *HiveSink {
	return &HiveSink{ch: ch, nodeID: nodeID}
}

func (s *HiveSink) Name() string { return "hive" }

func (s *HiveSink) Write(ctx context.Context, ev Event) error {
	pattern, ok := NetworkPatterns[ev.Type]
	if !ok {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"event_id": ev.ID,
		"type":     ev.Type,
		"pattern":  pattern,
		"node_id":  s.nodeID,
		"payload":  ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	return s.ch.PublishArtifact(ctx, hive.Artifact{
		ID:          ev.ID,
		Topic:       EventsTopicPrefix + pattern,
		Payload:     payload,
		PublishedAt: ev.Timestamp,
	})
}
