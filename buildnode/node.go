package buildnode

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tslb-project/clusterproxy/console"
	"github.com/tslb-project/clusterproxy/logger"
	"github.com/tslb-project/clusterproxy/mark"
	"github.com/tslb-project/clusterproxy/observer"
	"github.com/tslb-project/clusterproxy/overlay"
)

// respondingThreshold and refreshThreshold are seconds, per spec.md §4.2.
const (
	respondingThreshold = 30
	refreshThreshold    = 20
)

// Transport sends a node-protocol payload to addr. Errors are non-fatal:
// callers log and move on (spec.md §7).
type Transport interface {
	Send(addr overlay.Addr, payload []byte) error
}

// StateSubscriber receives NodeProxy change notifications. Any of the
// three fields may be nil.
type StateSubscriber struct {
	OnRespondingChanged func(bool)
	OnStateChanged      func(State)
	OnErrorReceived     func(string)
}

// NodeProxy is the in-process representation of one remote build node.
type NodeProxy struct {
	identity  string
	transport Transport
	log       logger.Component

	mu               sync.Mutex
	addr             overlay.Addr
	state            State
	pkgName          string
	pkgArch          string
	pkgVersion       string
	failReason       string
	lastStateUpdate  int

	stateSubs observer.List[StateSubscriber]
	console   *console.Reassembler
}

// New creates a NodeProxy for identity, initially reachable at addr.
func New(identity string, addr overlay.Addr, transport Transport) *NodeProxy {
	n := &NodeProxy{
		identity:  identity,
		transport: transport,
		addr:      addr,
		state:     Unknown,
		// No status message seen yet: start out not responding, so the
		// first one reports the transition to responding.
		lastStateUpdate: respondingThreshold,
		log:             logger.ForComponent(fmt.Sprintf("node:%s", identity)),
	}
	n.console = console.New(n)
	return n
}

// Identity returns the node's stable identity.
func (n *NodeProxy) Identity() string { return n.identity }

// Addr returns the node's current overlay address.
func (n *NodeProxy) Addr() overlay.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

// SetAddr updates the node's current overlay address. A change (a
// restart behind the same identity) immediately re-issues a status
// query.
func (n *NodeProxy) SetAddr(addr overlay.Addr) {
	n.mu.Lock()
	changed := addr != n.addr
	n.addr = addr
	n.mu.Unlock()

	if changed {
		n.log.Infof("address changed to %s, re-querying status", addr)
		n.sendAction(actionGetStatus)
	}
}

// State returns the node's last known state.
func (n *NodeProxy) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// PackageInfo returns the node's last known package fields.
func (n *NodeProxy) PackageInfo() (name, arch, version, failReason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pkgName, n.pkgArch, n.pkgVersion, n.failReason
}

// IsResponding is derived, not stored: true iff a status message has
// been seen within the last respondingThreshold seconds.
func (n *NodeProxy) IsResponding() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isRespondingLocked()
}

func (n *NodeProxy) isRespondingLocked() bool {
	return n.lastStateUpdate < respondingThreshold
}

// SubscribeState registers sub under key, per observer.List semantics.
func (n *NodeProxy) SubscribeState(key any, sub StateSubscriber) bool {
	return n.stateSubs.Subscribe(key, sub)
}

// UnsubscribeState removes the subscription registered under key.
func (n *NodeProxy) UnsubscribeState(key any) {
	n.stateSubs.Unsubscribe(key)
}

// SubscribeConsole registers onData to receive console byte suffixes.
func (n *NodeProxy) SubscribeConsole(onData func([]byte), key any) console.Handle {
	return n.console.Subscribe(onData, key)
}

// UnsubscribeConsole removes a console subscription.
func (n *NodeProxy) UnsubscribeConsole(h *console.Handle) {
	n.console.Unsubscribe(h)
}

// ConsoleReconnect resets the console reassembler's replay position.
func (n *NodeProxy) ConsoleReconnect() {
	n.console.Reconnect()
}

// ConsoleSendInput forwards terminal input to the remote process.
func (n *NodeProxy) ConsoleSendInput(data []byte) {
	n.sendConsole(console.InputMessage(data))
}

// RequestStartBuild asks the node to build the named package.
func (n *NodeProxy) RequestStartBuild(name, arch, version string) {
	n.send(outboundDoc{Action: actionStartBuild, Name: name, Arch: arch, Version: version})
}

// RequestAbortBuild asks the node to abort its current build.
func (n *NodeProxy) RequestAbortBuild() { n.sendAction(actionAbortBuild) }

// RequestReset asks the node to reset to idle.
func (n *NodeProxy) RequestReset() { n.sendAction(actionReset) }

// RequestEnableMaintenance puts the node into maintenance mode.
func (n *NodeProxy) RequestEnableMaintenance() { n.sendAction(actionEnableMaintenance) }

// RequestDisableMaintenance takes the node out of maintenance mode.
func (n *NodeProxy) RequestDisableMaintenance() { n.sendAction(actionDisableMaintenance) }

// Tick advances the liveness counter by one second (spec.md §4.2).
func (n *NodeProxy) Tick() {
	n.mu.Lock()
	wasResponding := n.isRespondingLocked()
	n.lastStateUpdate++
	needsQuery := n.lastStateUpdate > refreshThreshold
	nowResponding := n.isRespondingLocked()
	n.mu.Unlock()

	if needsQuery {
		n.sendAction(actionGetStatus)
	}
	if wasResponding && !nowResponding {
		n.notifyRespondingChanged(false)
	}
}

// HandleMessage parses an inbound node-channel payload and updates state,
// per spec.md §4.2's status-update algorithm.
func (n *NodeProxy) HandleMessage(payload []byte) {
	var doc inboundDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		n.log.Warnf("malformed status message: %v", err)
		return
	}

	if doc.ConsoleStreaming != nil {
		if err := console.Dispatch(n.console, *doc.ConsoleStreaming); err != nil {
			n.log.Warnf("console dispatch: %v", err)
		}
	}

	if doc.State != nil {
		n.handleStatus(doc)
	}

	if doc.Err != nil {
		n.notifyErrorReceived(*doc.Err)
	}
}

func (n *NodeProxy) handleStatus(doc inboundDoc) {
	n.mu.Lock()
	wasResponding := n.isRespondingLocked()
	n.lastStateUpdate = 0

	newState, ok := parseState(*doc.State)
	if !ok {
		nowResponding := n.isRespondingLocked()
		n.mu.Unlock()
		n.log.Warnf("unknown node state %q", *doc.State)
		if !wasResponding && nowResponding {
			n.notifyRespondingChanged(true)
		}
		return
	}

	changed := newState != n.state
	if doc.Name != nil && *doc.Name != n.pkgName {
		changed = true
	}
	if doc.Arch != nil && *doc.Arch != n.pkgArch {
		changed = true
	}
	if doc.Version != nil && *doc.Version != n.pkgVersion {
		changed = true
	}
	if doc.Reason != nil && *doc.Reason != n.failReason {
		changed = true
	}

	n.state = newState
	if doc.Name != nil {
		n.pkgName = *doc.Name
	}
	if doc.Arch != nil {
		n.pkgArch = *doc.Arch
	}
	if doc.Version != nil {
		n.pkgVersion = *doc.Version
	}
	if doc.Reason != nil {
		n.failReason = *doc.Reason
	}
	nowResponding := n.isRespondingLocked()
	n.mu.Unlock()

	if !wasResponding && nowResponding {
		n.notifyRespondingChanged(true)
	}
	if changed {
		n.notifyStateChanged(newState)
	}
}

// Ordering for a node: responding -> state -> error (spec.md §5).
func (n *NodeProxy) notifyRespondingChanged(v bool) {
	for _, s := range n.stateSubs.Snapshot() {
		if s.OnRespondingChanged != nil {
			s.OnRespondingChanged(v)
		}
	}
}

func (n *NodeProxy) notifyStateChanged(v State) {
	for _, s := range n.stateSubs.Snapshot() {
		if s.OnStateChanged != nil {
			s.OnStateChanged(v)
		}
	}
}

func (n *NodeProxy) notifyErrorReceived(msg string) {
	for _, s := range n.stateSubs.Snapshot() {
		if s.OnErrorReceived != nil {
			s.OnErrorReceived(msg)
		}
	}
}

func (n *NodeProxy) sendAction(action string) {
	n.send(outboundDoc{Action: action})
}

func (n *NodeProxy) sendConsole(msg console.WireMessage) {
	n.send(outboundDoc{ConsoleStreaming: &msg})
}

func (n *NodeProxy) send(doc outboundDoc) {
	body, err := json.Marshal(doc)
	if err != nil {
		n.log.Errorf("encode outbound message: %v", err)
		return
	}
	if err := n.transport.Send(n.Addr(), body); err != nil {
		n.log.Errorf("send: %v", err)
	}
}

// console.Peer implementation, called by the hosted Reassembler.

func (n *NodeProxy) SendRequestUpdates() { n.sendConsole(console.RequestUpdatesMessage()) }
func (n *NodeProxy) SendAck()            { n.sendConsole(console.AckMessage()) }
func (n *NodeProxy) SendRequest(start, end mark.Mark) {
	n.sendConsole(console.RequestMessage(start, end))
}
