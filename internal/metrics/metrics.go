package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the decision service
type Metrics struct {
	// Feature store
	FeatureUpdates prometheus.Counter
	FeatureHits    prometheus.Counter
	FeatureMisses  prometheus.Counter
	FeatureExpired prometheus.Counter
	FeatureRecords prometheus.Gauge

	// Policies
	Suggestions *prometheus.CounterVec
	Learns      *prometheus.CounterVec
	LastReward  *prometheus.GaugeVec
	Rejections  *prometheus.CounterVec

	// Exploration governor
	ExploreDecisions      *prometheus.CounterVec
	ExplorationRatio      prometheus.Gauge
	ExperimentTransitions *prometheus.CounterVec

	// RevSplit optimizer
	BanditPulls   *prometheus.CounterVec
	SplitOutcomes *prometheus.CounterVec
	SplitReward   *prometheus.HistogramVec

	// Apex routes
	RoutesPublished      prometheus.Counter
	RoutePublishFailures prometheus.Counter
	RoutesLoaded         prometheus.Counter
	RoutesRejected       *prometheus.CounterVec

	// Events
	EventsEmitted   *prometheus.CounterVec
	EventsInvalid   prometheus.Counter
	EventsDropped   prometheus.Counter
	EventQueueDepth prometheus.Gauge
	SinkErrors      *prometheus.CounterVec

	// Hive channel
	HiveMessages  *prometheus.CounterVec
	HiveThrottled prometheus.Counter

	// Scheduler
	JobRuns   *prometheus.CounterVec
	JobErrors *prometheus.CounterVec
}

// New creates all metrics and registers them with reg. A nil reg registers
// with the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		FeatureUpdates: f.NewCounter(prometheus.CounterOpts{
			Name: "policyhive_feature_updates_total",
			Help: "Number of feature record updates",
		}),
		FeatureHits: f.NewCounter(prometheus.CounterOpts{
			Name: "policyhive_feature_hits_total",
			Help: "Number of feature reads served from a live record",
		}),
		FeatureMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "policyhive_feature_misses_total",
			Help: "Number of feature reads for absent or expired records",
		}),
		FeatureExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "policyhive_feature_expired_total",
			Help: "Number of feature records removed after expiry",
		}),
		FeatureRecords: f.NewGauge(prometheus.GaugeOpts{
			Name: "policyhive_feature_records",
			Help: "Number of feature records currently held",
		}),

		Suggestions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyhive_policy_suggestions_total",
				Help: "Number of actions suggested per policy and mode",
			},
			[]string{"policy", "mode"},
		),
		Learns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyhive_policy_learn_total",
				Help: "Number of reward reports per policy",
			},
			[]string{"policy"},
		),
		LastReward: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "policyhive_policy_last_reward",
				Help: "Most recent reward reported per policy",
			},
			[]string{"policy"},
		),
		Rejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyhive_policy_rejections_total",
				Help: "Number of suggestions that resolved to a rejection",
			},
			[]string{"policy", "reason"},
		),

		ExploreDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyhive_explore_decisions_total",
				Help: "Exploration decisions by outcome",
			},
			[]string{"outcome"},
		),
		ExplorationRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "policyhive_exploration_ratio",
			Help: "Exploration samples divided by total decision volume",
		}),
		ExperimentTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyhive_experiment_transitions_total",
				Help: "Experiment status transitions",
			},
			[]string{"type", "status"},
		),

		BanditPulls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyhive_revsplit_pulls_total",
				Help: "Split policy selections per segment",
			},
			[]string{"segment", "policy"},
		),
		SplitOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyhive_revsplit_outcomes_total",
				Help: "Recorded split outcomes per segment",
			},
			[]string{"segment", "outcome"},
		),
		SplitReward: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "policyhive_revsplit_reward",
				Help:    "Normalized split reward per segment",
				Buckets: prometheus.LinearBuckets(-1, 0.25, 9),
			},
			[]string{"segment"},
		),

		RoutesPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "policyhive_routes_published_total",
			Help: "Number of routes handed to the hive channel",
		}),
		RoutePublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "policyhive_route_publish_failures_total",
			Help: "Number of route publications the hive channel rejected",
		}),
		RoutesLoaded: f.NewCounter(prometheus.CounterOpts{
			Name: "policyhive_routes_loaded_total",
			Help: "Number of routes hot-loaded into live policies",
		}),
		RoutesRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyhive_routes_rejected_total",
				Help: "Number of routes refused at hot-load, by reason",
			},
			[]string{"reason"},
		),

		EventsEmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyhive_events_emitted_total",
				Help: "Number of events accepted for delivery",
			},
			[]string{"type"},
		),
		EventsInvalid: f.NewCounter(prometheus.CounterOpts{
			Name: "policyhive_events_invalid_total",
			Help: "Number of events rejected by schema validation",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "policyhive_events_dropped_total",
			Help: "Number of queued items dropped because the queue was full",
		}),
		EventQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "policyhive_event_queue_depth",
			Help: "Number of items waiting in the dispatcher queue",
		}),
		SinkErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyhive_sink_errors_total",
				Help: "Number of failed deliveries per sink",
			},
			[]string{"sink"},
		),

		HiveMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyhive_hive_messages_total",
				Help: "Hive channel operations by kind and result",
			},
			[]string{"op", "result"},
		),
		HiveThrottled: f.NewCounter(prometheus.CounterOpts{
			Name: "policyhive_hive_throttled_total",
			Help: "Number of hive publications refused by the rate limiter",
		}),

		JobRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyhive_scheduler_runs_total",
				Help: "Number of scheduled job runs",
			},
			[]string{"job"},
		),
		JobErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policyhive_scheduler_errors_total",
				Help: "Number of scheduled job runs that failed",
			},
			[]string{"job"},
		),
	}
}

// OrDiscard returns m, or a set registered with a private registry when m
// is nil so components can record unconditionally.
func OrDiscard(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(prometheus.NewRegistry())
}
