// Package tuning collects the compile-time constants that govern timing,
// capacity and protocol limits across the node core. They are plain
// constants; nothing overrides them at construction or run time.
package tuning

import "time"

const (
	// PeerActivityTimeout is how long a Peer may go without receiving
	// traffic on any Path before it is considered unreachable.
	PeerActivityTimeout = 60 * time.Second

	// PeerIdlePurge is how long a Peer may sit idle before Topology's
	// housekeeping pass evicts it entirely.
	PeerIdlePurge = 30 * time.Minute

	// PathHeartbeatPeriod paces outbound keepalives on an active Path.
	PathHeartbeatPeriod = 25 * time.Second

	// PathReapMultiple is how many PathHeartbeatPeriod intervals a Path
	// may go silent before it is reaped from its Peer.
	PathReapMultiple = 4

	// WhoisRetryInterval is the spacing between WHOIS retransmissions.
	WhoisRetryInterval = 1 * time.Second

	// WhoisRetryCount bounds the number of retransmissions per query.
	WhoisRetryCount = 3

	// WhoisMaxInFlight bounds concurrent outstanding WHOIS queries.
	WhoisMaxInFlight = 32

	// FragmentTTL bounds how long a partially reassembled packet may
	// wait for its remaining fragments.
	FragmentTTL = 2 * time.Second

	// PingCheckInterval is the cadence of the online/upstream ping pass.
	PingCheckInterval = 5 * time.Second

	// HousekeepingPeriod is the cadence of the slower maintenance pass.
	HousekeepingPeriod = 30 * time.Second

	// NetworkAutoconfDelay is how stale a Network's config may get
	// before a fresh NETWORK_CONFIG_REQUEST is sent.
	NetworkAutoconfDelay = 30 * time.Minute

	// ComSendInterval paces how often this Node attaches its COM to
	// outbound frames for a given network member.
	ComSendInterval = 10 * time.Minute

	// MulticastLikeExpire is how long a multicast subscription is valid
	// before it must be refreshed with another MULTICAST_LIKE.
	MulticastLikeExpire = 10 * time.Minute

	// SelfAwarenessAge is how long a reflexive-address report is
	// trusted before it ages out.
	SelfAwarenessAge = 30 * time.Minute

	// CoreTimerTaskGranularity is the floor on the delay suggested by
	// ProcessBackgroundTasks back to the host.
	CoreTimerTaskGranularity = 100 * time.Millisecond

	// UDPDefaultPayloadMTU bounds outbound wire fragments.
	UDPDefaultPayloadMTU = 1432

	// CompressionThreshold is the minimum plaintext size worth
	// compressing before encryption.
	CompressionThreshold = 128

	// MaxPathsPerPeer caps how many concurrent Paths a Peer retains.
	MaxPathsPerPeer = 16

	// MaxFragmentBuffers caps how many in-flight fragmented packets are
	// tracked at once (LRU, oldest evicted first).
	MaxFragmentBuffers = 1024

	// MaxWhoisPending caps how many distinct addresses may have
	// buffered packets awaiting WHOIS resolution at once.
	MaxWhoisPending = 4096

	// MulticastGatherQueueDepth bounds the per-group pending-frame
	// queue used while waiting on a MULTICAST_GATHER response.
	MulticastGatherQueueDepth = 8

	// PendingUserMessageQueueDepth bounds how many SendUserMessage calls
	// may queue behind one in-flight WHOIS for the same destination
	// (oldest dropped first once full).
	PendingUserMessageQueueDepth = 16
)
