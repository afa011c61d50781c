package comm

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricSendBytes  = []string{"gocouple", "comm", "send", "bytes"}
	MetricRecvBytes  = []string{"gocouple", "comm", "recv", "bytes"}
	MetricSendErrors = []string{"gocouple", "comm", "send", "error", "count"}
	MetricConnEst    = []string{"gocouple", "comm", "connection", "established", "count"}
)

type TelemetryLabel string

var (
	LabelRank     TelemetryLabel = "rank"
	LabelPeer     TelemetryLabel = "peer"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelTag      TelemetryLabel = "tag"
	LabelError    TelemetryLabel = "error"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{Key: string(lab), Value: slog.AnyValue(val)}
}

type options struct {
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
}

// Option configures a communicator.
type Option func(*options)

// WithLog specifies which slog.Handler to use.
func WithLog(handler slog.Handler) Option {
	return func(o *options) {
		o.logHandler = handler
	}
}

// WithMetricSink sets the sink receiving transfer metrics.
func WithMetricSink(sink metrics.MetricSink) Option {
	return func(o *options) {
		o.metricSink = sink
	}
}

// WithMetricLabels adds static labels to every metric emitted.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(o *options) {
		o.metricLabels = labels
	}
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.metricSink == nil {
		o.metricSink = metrics.Default()
	}
	return o
}

func (o *options) logger() *slog.Logger {
	if o.logHandler == nil {
		return slog.Default()
	}
	return slog.New(o.logHandler)
}
