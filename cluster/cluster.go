// Package cluster ties the overlay, discovery protocol, and per-peer
// proxies together into the single long-lived object an operator embeds:
// ClusterProxy.
package cluster

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/tslb-project/clusterproxy/buildmaster"
	"github.com/tslb-project/clusterproxy/buildnode"
	"github.com/tslb-project/clusterproxy/logger"
	"github.com/tslb-project/clusterproxy/observer"
	"github.com/tslb-project/clusterproxy/overlay"
)

// discoveryIntervalTicks and tickInterval implement spec.md §4.1's
// one-second tick / 30-second rebroadcast.
const (
	discoveryIntervalTicks = 30
	tickInterval           = time.Second
)

// ConnectionSubscriber observes the overlay connection lifecycle.
type ConnectionSubscriber struct {
	OnEstablished func()
	OnLost        func()
	OnFailed      func(err string)
}

// ListSubscriber observes additions to the node or master identity list.
type ListSubscriber struct {
	OnChanged func()
}

// ClusterProxy is the client-side representation of the remote cluster:
// it owns the overlay binding, runs discovery, and owns every discovered
// NodeProxy/MasterProxy.
type ClusterProxy struct {
	log       logger.Component
	localAddr overlay.Addr

	// ops serializes every public operation and every inbound overlay
	// envelope onto one logical goroutine, rendering spec.md §5's
	// "single-threaded cooperative, no locks" event-loop model in Go:
	// the fields below this point are touched only from run().
	ops    chan func()
	stopCh chan struct{}
	stop   sync.Once

	// overlayNode is written only from run() (via connectLocked) but read
	// from arbitrary caller goroutines through nodeTransport/masterTransport,
	// which resolve it at send time so a reconnect's replacement node
	// reaches already-discovered peers. overlayMu guards just this field;
	// everything else stays under the single-goroutine ops model.
	overlayMu   sync.RWMutex
	overlayNode overlay.Node

	nodes     map[string]*buildnode.NodeProxy
	nodeOrder []string

	masters     map[string]*buildmaster.MasterProxy
	masterOrder []string

	nodeSearchTicks   int
	masterSearchTicks int
	connected         bool

	connSubs       observer.List[ConnectionSubscriber]
	nodeListSubs   observer.List[ListSubscriber]
	masterListSubs observer.List[ListSubscriber]
}

// New creates a ClusterProxy. It does not connect to any overlay hub
// until Connect is called.
func New() *ClusterProxy {
	c := &ClusterProxy{
		log:       logger.ForComponent("cluster"),
		localAddr: overlay.Addr(rand.Uint32()>>1 + 1), // in [1, 0x80000000]: never 0 or Broadcast
		ops:       make(chan func(), 256),
		stopCh:    make(chan struct{}),
		nodes:     make(map[string]*buildnode.NodeProxy),
		masters:   make(map[string]*buildmaster.MasterProxy),
	}
	go c.run()
	return c
}

// LocalAddr returns this client's own address on the overlay, generated
// once at construction.
func (c *ClusterProxy) LocalAddr() overlay.Addr { return c.localAddr }

// Stop halts the run loop and disconnects from the overlay, if
// connected.
func (c *ClusterProxy) Stop() {
	c.stop.Do(func() {
		close(c.stopCh)
	})
}

func (c *ClusterProxy) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case fn := <-c.ops:
			fn()
		case <-ticker.C:
			c.tick()
		case <-c.stopCh:
			if node := c.currentOverlayNode(); node != nil {
				node.Stop()
			}
			return
		}
	}
}

func (c *ClusterProxy) setOverlayNode(n overlay.Node) {
	c.overlayMu.Lock()
	c.overlayNode = n
	c.overlayMu.Unlock()
}

// currentOverlayNode returns the live overlay connection, or nil if none.
// Safe to call from any goroutine, in particular nodeTransport/
// masterTransport's Send, which must always route through whichever
// connection is current rather than the one that existed at discovery.
func (c *ClusterProxy) currentOverlayNode() overlay.Node {
	c.overlayMu.RLock()
	defer c.overlayMu.RUnlock()
	return c.overlayNode
}

// call runs fn on the run loop and blocks until it completes.
func (c *ClusterProxy) call(fn func()) {
	done := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(done) }:
		<-done
	case <-c.stopCh:
	}
}

// post enqueues fn to run on the loop without waiting for it, for use
// from the overlay's own read goroutine.
func (c *ClusterProxy) post(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.stopCh:
	}
}

// Connect binds to the overlay hub at hubAddr. It is idempotent: the
// first call constructs the overlay node and initiates connection;
// subsequent calls re-attempt (e.g. after a prior failure).
func (c *ClusterProxy) Connect(hubAddr string) error {
	var connectErr error
	c.call(func() {
		connectErr = c.connectLocked(hubAddr)
	})
	return connectErr
}

func (c *ClusterProxy) connectLocked(hubAddr string) error {
	if old := c.currentOverlayNode(); old != nil {
		old.Stop()
	}

	node, err := overlay.DialTCP(context.Background(), hubAddr, c.localAddr)
	if err != nil {
		c.log.Errorf("connect to %s failed: %v", hubAddr, err)
		c.fireFailed(err.Error())
		return err
	}

	c.setOverlayNode(node)
	c.connected = true
	node.Handle(overlay.ProtocolNode, func(env overlay.Envelope) {
		c.post(func() { c.handleNodeEnvelope(env) })
	})
	node.Handle(overlay.ProtocolMaster, func(env overlay.Envelope) {
		c.post(func() { c.handleMasterEnvelope(env) })
	})

	go func() {
		<-node.Done()
		c.post(func() {
			if c.currentOverlayNode() == node {
				c.connected = false
				c.fireLost()
			}
		})
	}()

	c.fireEstablished()
	c.broadcastDiscovery()
	c.nodeSearchTicks = 0
	c.masterSearchTicks = 0
	return nil
}

func (c *ClusterProxy) fireEstablished() {
	for _, s := range c.connSubs.Snapshot() {
		if s.OnEstablished != nil {
			s.OnEstablished()
		}
	}
}

func (c *ClusterProxy) fireLost() {
	for _, s := range c.connSubs.Snapshot() {
		if s.OnLost != nil {
			s.OnLost()
		}
	}
}

func (c *ClusterProxy) fireFailed(msg string) {
	for _, s := range c.connSubs.Snapshot() {
		if s.OnFailed != nil {
			s.OnFailed(msg)
		}
	}
}

// SubscribeConnectionState registers sub under key.
func (c *ClusterProxy) SubscribeConnectionState(key any, sub ConnectionSubscriber) {
	c.call(func() { c.connSubs.Subscribe(key, sub) })
}

func (c *ClusterProxy) UnsubscribeConnectionState(key any) {
	c.call(func() { c.connSubs.Unsubscribe(key) })
}

// SubscribeNodeList registers sub under key.
func (c *ClusterProxy) SubscribeNodeList(key any, sub ListSubscriber) {
	c.call(func() { c.nodeListSubs.Subscribe(key, sub) })
}

func (c *ClusterProxy) UnsubscribeNodeList(key any) {
	c.call(func() { c.nodeListSubs.Unsubscribe(key) })
}

// SubscribeMasterList registers sub under key.
func (c *ClusterProxy) SubscribeMasterList(key any, sub ListSubscriber) {
	c.call(func() { c.masterListSubs.Subscribe(key, sub) })
}

func (c *ClusterProxy) UnsubscribeMasterList(key any) {
	c.call(func() { c.masterListSubs.Unsubscribe(key) })
}

// ListNodeIdentities returns known node identities in discovery order.
func (c *ClusterProxy) ListNodeIdentities() []string {
	var out []string
	c.call(func() { out = append([]string(nil), c.nodeOrder...) })
	return out
}

// ListMasterIdentities returns known master identities in discovery order.
func (c *ClusterProxy) ListMasterIdentities() []string {
	var out []string
	c.call(func() { out = append([]string(nil), c.masterOrder...) })
	return out
}

// GetNode returns the proxy for identity, or nil if not yet discovered.
func (c *ClusterProxy) GetNode(identity string) *buildnode.NodeProxy {
	var np *buildnode.NodeProxy
	c.call(func() { np = c.nodes[identity] })
	return np
}

// GetMaster returns the proxy for identity, or nil if not yet discovered.
func (c *ClusterProxy) GetMaster(identity string) *buildmaster.MasterProxy {
	var mp *buildmaster.MasterProxy
	c.call(func() { mp = c.masters[identity] })
	return mp
}

// SearchNow forces an immediate discovery broadcast on both protocols.
func (c *ClusterProxy) SearchNow() {
	c.call(func() {
		c.broadcastDiscovery()
		c.nodeSearchTicks = 0
		c.masterSearchTicks = 0
	})
}

func (c *ClusterProxy) broadcastDiscovery() {
	node := c.currentOverlayNode()
	if node == nil {
		return
	}
	if err := node.Send(overlay.ProtocolNode, overlay.Broadcast, nodeIdentifyPayload); err != nil {
		c.log.Errorf("node discovery broadcast: %v", err)
	}
	if err := node.Send(overlay.ProtocolMaster, overlay.Broadcast, masterIdentifyPayload); err != nil {
		c.log.Errorf("master discovery broadcast: %v", err)
	}
}

// nextDiscoveryTick advances both search counters by one second and
// reports whether either crossed the 30-second rebroadcast threshold
// (spec.md §4.1's one-second tick, step 1). Pulled out as a pure
// function so the cadence logic is testable without driving the run
// loop's real ticker.
func nextDiscoveryTick(nodeTicks, masterTicks int) (newNodeTicks, newMasterTicks int, fire bool) {
	nodeTicks++
	masterTicks++
	if nodeTicks >= discoveryIntervalTicks {
		nodeTicks = 0
		fire = true
	}
	if masterTicks >= discoveryIntervalTicks {
		masterTicks = 0
		fire = true
	}
	return nodeTicks, masterTicks, fire
}

func (c *ClusterProxy) tick() {
	var fire bool
	c.nodeSearchTicks, c.masterSearchTicks, fire = nextDiscoveryTick(c.nodeSearchTicks, c.masterSearchTicks)
	if fire {
		c.broadcastDiscovery()
	}

	for _, id := range c.nodeOrder {
		c.nodes[id].Tick()
	}
	for _, id := range c.masterOrder {
		c.masters[id].Tick()
	}
}

func (c *ClusterProxy) handleNodeEnvelope(env overlay.Envelope) {
	identity, ok := extractIdentity(env.Payload)
	if !ok {
		return
	}

	if np, exists := c.nodes[identity]; exists {
		np.SetAddr(env.From)
		np.HandleMessage(env.Payload)
		return
	}

	np := buildnode.New(identity, env.From, nodeTransport{cluster: c})
	c.nodes[identity] = np
	c.nodeOrder = append(c.nodeOrder, identity)
	np.HandleMessage(env.Payload)
	c.fireNodeListChanged()
}

func (c *ClusterProxy) handleMasterEnvelope(env overlay.Envelope) {
	identity, ok := extractIdentity(env.Payload)
	if !ok {
		return
	}

	if mp, exists := c.masters[identity]; exists {
		mp.SetAddr(env.From)
		mp.HandleMessage(env.Payload)
		return
	}

	mp := buildmaster.New(identity, env.From, masterTransport{cluster: c})
	c.masters[identity] = mp
	c.masterOrder = append(c.masterOrder, identity)
	mp.HandleMessage(env.Payload)
	c.fireMasterListChanged()
}

func extractIdentity(payload []byte) (string, bool) {
	var probe identityProbe
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", false
	}
	if probe.Identity == nil {
		return "", false
	}
	return *probe.Identity, true
}

func (c *ClusterProxy) fireNodeListChanged() {
	for _, s := range c.nodeListSubs.Snapshot() {
		if s.OnChanged != nil {
			s.OnChanged()
		}
	}
}

func (c *ClusterProxy) fireMasterListChanged() {
	for _, s := range c.masterListSubs.Snapshot() {
		if s.OnChanged != nil {
			s.OnChanged()
		}
	}
}
