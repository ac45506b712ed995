// Package trace is the node core's structured diagnostics subsystem.
// It is deliberately not the same channel as hostapi.Callbacks.Event:
// events are low-volume, host-visible status changes, while Trace
// carries the high-volume detail an operator needs to explain a dropped
// packet or a stuck WHOIS. Each subsystem gets its own named
// *zap.Logger so log processors can filter by component without
// parsing message text.
package trace

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind is a closed taxonomy of trace points (bad MAC, unknown peer,
// rate limited, and so on) rather than one generic "packet dropped"
// kind.
type Kind int

const (
	KindPacketMalformed Kind = iota
	KindMACAuthFailed
	KindUnknownPeer
	KindRateLimited
	KindWhoisSent
	KindWhoisTimeout
	KindFragmentExpired
	KindRendezvous
	KindCredentialInvalid
	KindRuleReject
	KindConfigApplied
	KindPathExpired
)

func (k Kind) String() string {
	names := [...]string{
		"packet_malformed", "mac_auth_failed", "unknown_peer", "rate_limited",
		"whois_sent", "whois_timeout", "fragment_expired", "rendezvous",
		"credential_invalid", "rule_reject", "config_applied", "path_expired",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// Tracer fans structured events out to a per-component zap.Logger.
type Tracer struct {
	root *zap.Logger
}

// New builds a Tracer around logger. A nil logger yields a no-op
// tracer, matching the host's option to supply nothing.
func New(logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracer{root: logger}
}

// For returns the named component sub-logger, e.g. "switch", "topology".
func (t *Tracer) For(component string) *zap.Logger {
	return t.root.With(zap.String("component", component))
}

// NewSpanID mints a correlation id for a multi-step operation (a WHOIS
// round trip, a rendezvous introduction, a config request) so its
// stages can be grep-joined in log output.
func NewSpanID() string {
	return uuid.New().String()
}

// Emit records a single trace point with an optional correlation span.
func Emit(logger *zap.Logger, kind Kind, span string, fields ...zap.Field) {
	all := make([]zap.Field, 0, len(fields)+2)
	all = append(all, zap.Stringer("kind", kind))
	if span != "" {
		all = append(all, zap.String("span", span))
	}
	all = append(all, fields...)
	logger.Debug("trace", all...)
}
