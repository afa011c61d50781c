package coupling

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/notargets/gocouple/comm"
)

var (
	MetricExchangeMs  = []string{"gocouple", "exchange", "ms"}
	MetricChannels    = []string{"gocouple", "channels"}
	MetricMatchedRecv = []string{"gocouple", "matched", "recv"}
	MetricMatchedSend = []string{"gocouple", "matched", "send"}
)

type config struct {
	mode         Mode
	backoff      comm.Backoff
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
}

// Option to pass to NewCoupler.
type Option func(*config)

// WithMode sets which way this solver moves fields. Defaults to ModeBoth.
func WithMode(m Mode) Option {
	return func(c *config) {
		c.mode = m
	}
}

// WithBackoff sets the completion polling policy of field exchanges.
func WithBackoff(b comm.Backoff) Option {
	return func(c *config) {
		c.backoff = b
	}
}

// WithLog specifies which slog.Handler to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) {
		c.logHandler = handler
	}
}

func WithMetricSink(sink metrics.MetricSink) Option {
	return func(c *config) {
		c.metricSink = sink
	}
}

// WithMetricLabels adds static labels to all metrics produced by the coupler.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) {
		c.metricLabels = labels
	}
}
