package node

import (
	"time"

	"github.com/quietmesh/node/internal/core/hostapi"
	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/network"
	"github.com/quietmesh/node/internal/core/switchcore"
	"github.com/quietmesh/node/internal/core/tuning"
)

// requestNetworkConfigs asks each joined network's controller for a
// fresh config, throttled per network by network.Network.RequestConfig.
// A network this Node itself controls needs no round trip: its config
// comes from SetControllerConfig directly.
func (n *Node) requestNetworkConfigs(now time.Time, tptr any) {
	for _, nw := range n.Networks() {
		if !nw.RequestConfig(now) {
			continue
		}
		controller := identity.Controller(nw.NWID())
		if controller == n.self.Address() {
			continue
		}
		p := n.topo.GetPeer(controller)
		if p == nil {
			n.sw.RequestWhois(now, tptr, controller, nil)
			continue
		}
		_ = n.sw.SendPacket(now, tptr, p, switchcore.VerbNetworkConfigRequest, encodeNetworkConfigRequest(nw.NWID()))
	}
}

// sendUpdatesToMembers re-pushes every controller-owned network's
// current config to its known members, throttled by
// tuning.ComSendInterval per network so a stable network without
// config churn does not repeat the push every housekeeping pass.
func (n *Node) sendUpdatesToMembers(now time.Time, tptr any) {
	n.mu.Lock()
	due := make(map[uint64]*network.Config, len(n.controlledConfigs))
	for nwid, cfg := range n.controlledConfigs {
		if last, ok := n.lastCredentialPush[nwid]; ok && now.Sub(last) < tuning.ComSendInterval {
			continue
		}
		n.lastCredentialPush[nwid] = now
		due[nwid] = cfg
	}
	n.mu.Unlock()

	for nwid, cfg := range due {
		nw := n.getNetwork(nwid)
		if nw == nil {
			continue
		}
		chunk := encodeConfigChunk(nwid, cfg)
		for _, addr := range nw.Members() {
			p := n.topo.GetPeer(addr)
			if p == nil {
				continue
			}
			_ = n.sw.SendPacket(now, tptr, p, switchcore.VerbNetworkConfig, chunk)
		}
	}
}

// updateOnlineStatus recomputes reachability from the live peer table
// and emits EventOnline/EventOffline on a change, mirroring
// hostapi.EventUp's one-shot semantics: only the transition is
// reported, not every steady-state pass.
func (n *Node) updateOnlineStatus(now time.Time, tptr any) {
	peers := n.topo.AllPeers()
	active := 0
	for _, p := range peers {
		if p.IsActive(now) {
			active++
		}
	}
	if n.metrics != nil {
		n.metrics.SetPeersOnline(active)
	}

	online := active > 0 || n.topo.GetUpstreamPeer(now) != nil || n.topo.AmRoot(n.self.Address())

	n.mu.Lock()
	was := n.online
	n.online = online
	n.mu.Unlock()

	if was == online || n.cb.Event == nil {
		return
	}
	if online {
		n.cb.Event(tptr, hostapi.EventOnline, nil)
	} else {
		n.cb.Event(tptr, hostapi.EventOffline, nil)
	}
}
