package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// config collects the optional dependencies a Node can be built with;
// none of them are required; a Node built with zero Options gets a
// no-op logger and unregistered metrics.
type config struct {
	logger       *zap.Logger
	metricsReg   prometheus.Registerer
	multicastCap int
}

// Option configures optional Node dependencies at construction time.
type Option func(*config)

// WithLogger routes trace output through logger instead of a no-op
// sink.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithMetricsRegisterer registers this Node's counters and gauges with
// reg. Not calling this leaves metrics collection disabled.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.metricsReg = reg }
}

// WithMulticastRecipientCap overrides the default limit (32) on how
// many direct recipients a multicast frame is sent to; when fewer
// subscribers than this are known, a MULTICAST_GATHER is issued to find
// more.
func WithMulticastRecipientCap(n int) Option {
	return func(c *config) { c.multicastCap = n }
}

func defaultConfig() *config {
	return &config{multicastCap: 32}
}
