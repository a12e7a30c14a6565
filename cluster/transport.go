package cluster

import "github.com/tslb-project/clusterproxy/overlay"

// nodeTransport and masterTransport bind buildnode/buildmaster's
// protocol-agnostic Transport interface to a fixed overlay protocol
// number, so proxies never need to know their own protocol number.

// Both transports resolve the owning ClusterProxy's overlay node at send
// time rather than capturing it at construction time: Connect is
// idempotent and may swap in a brand-new overlay.Node on reconnect (see
// connectLocked), and every NodeProxy/MasterProxy discovered before that
// point must keep routing through whichever node is current, not the one
// that existed when it was first discovered.

type nodeTransport struct{ cluster *ClusterProxy }

func (t nodeTransport) Send(addr overlay.Addr, payload []byte) error {
	node := t.cluster.currentOverlayNode()
	if node == nil {
		return overlay.ErrNotConnected
	}
	return node.Send(overlay.ProtocolNode, addr, payload)
}

type masterTransport struct{ cluster *ClusterProxy }

func (t masterTransport) Send(addr overlay.Addr, payload []byte) error {
	node := t.cluster.currentOverlayNode()
	if node == nil {
		return overlay.ErrNotConnected
	}
	return node.Send(overlay.ProtocolMaster, addr, payload)
}
