package buildmaster

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tslb-project/clusterproxy/console"
	"github.com/tslb-project/clusterproxy/logger"
	"github.com/tslb-project/clusterproxy/mark"
	"github.com/tslb-project/clusterproxy/observer"
	"github.com/tslb-project/clusterproxy/overlay"
)

// respondingThreshold and refreshThreshold are seconds, per spec.md §4.3.
const (
	respondingThreshold = 30
	refreshThreshold    = 10
)

// ErrInvalidArchitecture is raised by Start when asked to build with the
// parse-error sentinel architecture; this is a programmer error, not a
// wire-level condition (spec.md §7).
var ErrInvalidArchitecture = errors.New("buildmaster: invalid architecture")

// Transport sends a master-protocol payload to addr.
type Transport interface {
	Send(addr overlay.Addr, payload []byte) error
}

// StateSubscriber receives MasterProxy change notifications. Any field
// may be nil.
type StateSubscriber struct {
	OnRespondingChanged  func(bool)
	OnRemainingChanged   func([]PkgRef)
	OnBuildQueueChanged  func([]PkgRef)
	OnBuildingSetChanged func([]PkgRef)
	OnNodesChanged       func(idle, busy []string)
	OnStateChanged       func(MasterState)
	OnErrorReceived      func(string)
}

// MasterProxy is the in-process representation of one remote build
// master.
type MasterProxy struct {
	identity  string
	transport Transport
	log       logger.Component

	mu   sync.Mutex
	addr overlay.Addr

	remaining       []PkgRef
	buildQueue      []PkgRef
	buildingSet     []PkgRef
	idleNodes       []string
	busyNodes       []string
	masterState     MasterState
	architecture    Architecture
	errorFlag       bool
	valve           bool
	lastResponse    int
	lastRefreshSent int

	stateSubs observer.List[StateSubscriber]
	console   *console.Reassembler
}

// New creates a MasterProxy for identity, initially reachable at addr.
func New(identity string, addr overlay.Addr, transport Transport) *MasterProxy {
	m := &MasterProxy{
		identity:    identity,
		transport:   transport,
		addr:        addr,
		masterState: Off,
		log:         logger.ForComponent(fmt.Sprintf("master:%s", identity)),
	}
	m.console = console.New(m)
	return m
}

func (m *MasterProxy) Identity() string { return m.identity }

func (m *MasterProxy) Addr() overlay.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// SetAddr updates the master's current overlay address. A change (a
// restart behind the same identity) immediately re-issues a refresh.
func (m *MasterProxy) SetAddr(addr overlay.Addr) {
	m.mu.Lock()
	changed := addr != m.addr
	m.addr = addr
	m.mu.Unlock()

	if changed {
		m.log.Infof("address changed to %s, re-querying state", addr)
		m.refresh()
	}
}

func (m *MasterProxy) IsResponding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRespondingLocked()
}

func (m *MasterProxy) isRespondingLocked() bool { return m.lastResponse < respondingThreshold }

func (m *MasterProxy) State() MasterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.masterState
}

func (m *MasterProxy) Architecture() Architecture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.architecture
}

func (m *MasterProxy) ErrorFlag() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorFlag
}

func (m *MasterProxy) Valve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valve
}

func (m *MasterProxy) Remaining() []PkgRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PkgRef(nil), m.remaining...)
}

func (m *MasterProxy) BuildQueue() []PkgRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PkgRef(nil), m.buildQueue...)
}

func (m *MasterProxy) BuildingSet() []PkgRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PkgRef(nil), m.buildingSet...)
}

func (m *MasterProxy) Nodes() (idle, busy []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.idleNodes...), append([]string(nil), m.busyNodes...)
}

// SubscribeState registers sub under key. The first local subscriber
// (count 0→1) triggers the full subscribe handshake (spec.md §4.3).
func (m *MasterProxy) SubscribeState(key any, sub StateSubscriber) bool {
	wasEmpty := m.stateSubs.Len() == 0
	ok := m.stateSubs.Subscribe(key, sub)
	if ok && wasEmpty {
		m.sendSubscribeHandshake()
	}
	return ok
}

func (m *MasterProxy) UnsubscribeState(key any) { m.stateSubs.Unsubscribe(key) }

func (m *MasterProxy) SubscribeConsole(onData func([]byte), key any) console.Handle {
	return m.console.Subscribe(onData, key)
}

func (m *MasterProxy) UnsubscribeConsole(h *console.Handle) { m.console.Unsubscribe(h) }
func (m *MasterProxy) ConsoleReconnect()                    { m.console.Reconnect() }

// Refresh issues a full or light re-query depending on subscriber count.
func (m *MasterProxy) Refresh() { m.refresh() }

// Start asks the master to begin building on the given architecture.
func (m *MasterProxy) Start(arch Architecture) error {
	if arch == ArchInvalid {
		return ErrInvalidArchitecture
	}
	m.send(outboundDoc{Identity: m.identity, Cmd: cmdStart, Arch: arch.String()})
	return nil
}

func (m *MasterProxy) Stop()  { m.send(outboundDoc{Identity: m.identity, Cmd: cmdStop}) }
func (m *MasterProxy) Open()  { m.send(outboundDoc{Identity: m.identity, Cmd: cmdOpen}) }
func (m *MasterProxy) Close() { m.send(outboundDoc{Identity: m.identity, Cmd: cmdClose}) }

// Tick advances the liveness counters by one second (spec.md §4.3).
func (m *MasterProxy) Tick() {
	m.mu.Lock()
	wasResponding := m.isRespondingLocked()
	m.lastResponse++
	m.lastRefreshSent++
	needsRefresh := m.lastRefreshSent > refreshThreshold
	if needsRefresh {
		m.lastRefreshSent = 0
	}
	nowResponding := m.isRespondingLocked()
	m.mu.Unlock()

	if needsRefresh {
		m.refresh()
	}
	if wasResponding && !nowResponding {
		m.notifyRespondingChanged(false)
	}
}

func (m *MasterProxy) refresh() {
	if m.stateSubs.Len() > 0 {
		m.sendSubscribeHandshake()
	} else {
		m.send(outboundDoc{Identity: m.identity, Cmd: cmdIdentify})
	}
}

func (m *MasterProxy) sendSubscribeHandshake() {
	for _, cmd := range []string{cmdSubscribe, cmdGetState, cmdGetRemaining, cmdGetBuildQueue, cmdGetBuildingSet, cmdGetNodes} {
		m.send(outboundDoc{Identity: m.identity, Cmd: cmd})
	}
}

// HandleMessage parses an inbound master-channel payload and updates
// state, firing the six change-flag notifications in the order
// documented in spec.md §5.
func (m *MasterProxy) HandleMessage(payload []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		m.log.Warnf("malformed message: %v", err)
		return
	}

	if _, isReflection := raw["cmd"]; isReflection {
		return
	}

	m.mu.Lock()
	wasResponding := m.isRespondingLocked()
	m.lastResponse = 0

	var remainingChanged, buildQueueChanged, buildingSetChanged, nodesChanged, stateChanged bool

	if v, ok := raw["remaining"]; ok {
		if refs, ok := decodePkgRefArray(v); ok {
			if !equalPkgRefs(m.remaining, refs) {
				m.remaining = refs
				remainingChanged = true
			}
		} else {
			m.log.Warnf("malformed remaining field")
		}
	}
	if v, ok := raw["build-queue"]; ok {
		if refs, ok := decodePkgRefArray(v); ok {
			if !equalPkgRefs(m.buildQueue, refs) {
				m.buildQueue = refs
				buildQueueChanged = true
			}
		} else {
			m.log.Warnf("malformed build-queue field")
		}
	}
	if v, ok := raw["building-set"]; ok {
		if refs, ok := decodePkgRefArray(v); ok {
			if !equalPkgRefs(m.buildingSet, refs) {
				m.buildingSet = refs
				buildingSetChanged = true
			}
		} else {
			m.log.Warnf("malformed building-set field")
		}
	}
	if v, ok := raw["idle-nodes"]; ok {
		if nodes, ok := decodeStringArray(v); ok {
			if !equalStrings(m.idleNodes, nodes) {
				m.idleNodes = nodes
				nodesChanged = true
			}
		} else {
			m.log.Warnf("malformed idle-nodes field")
		}
	}
	if v, ok := raw["busy-nodes"]; ok {
		if nodes, ok := decodeStringArray(v); ok {
			if !equalStrings(m.busyNodes, nodes) {
				m.busyNodes = nodes
				nodesChanged = true
			}
		} else {
			m.log.Warnf("malformed busy-nodes field")
		}
	}
	if v, ok := raw["state"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if ns, ok := parseMasterState(s); ok {
				if ns != m.masterState {
					m.masterState = ns
					stateChanged = true
				}
			} else {
				m.log.Warnf("unknown master state %q", s)
			}
		}
	}
	if v, ok := raw["arch"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if a, ok := parseArchToken(s); ok {
				m.architecture = a
			} else {
				m.log.Warnf("unknown architecture %q", s)
			}
		}
	}
	if v, ok := raw["valve"]; ok {
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			m.valve = b
		}
	}

	// error is polymorphic: a bool sets the latched flag (folded into the
	// state notification, since spec.md's six flags have no dedicated
	// error_changed slot); a string is a human message and fires
	// on_error_received independently. Neither is gated on the other.
	var errMsg string
	var haveErrMsg bool
	if v, ok := raw["error"]; ok {
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			if b != m.errorFlag {
				m.errorFlag = b
				stateChanged = true
			}
		} else {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				errMsg, haveErrMsg = s, true
			}
		}
	}

	nowResponding := m.isRespondingLocked()
	currentState := m.masterState
	m.mu.Unlock()

	if v, ok := raw["console_streaming"]; ok {
		var wm console.WireMessage
		if err := json.Unmarshal(v, &wm); err != nil {
			m.log.Warnf("malformed console_streaming field")
		} else if err := console.Dispatch(m.console, wm); err != nil {
			m.log.Warnf("console dispatch: %v", err)
		}
	}

	if !wasResponding && nowResponding {
		m.notifyRespondingChanged(true)
	}
	if remainingChanged {
		m.notifyRemainingChanged()
	}
	if buildQueueChanged {
		m.notifyBuildQueueChanged()
	}
	if buildingSetChanged {
		m.notifyBuildingSetChanged()
	}
	if nodesChanged {
		m.notifyNodesChanged()
	}
	if stateChanged {
		m.notifyStateChanged(currentState)
	}
	if haveErrMsg {
		m.notifyErrorReceived(errMsg)
	}
}

func (m *MasterProxy) notifyRespondingChanged(v bool) {
	for _, s := range m.stateSubs.Snapshot() {
		if s.OnRespondingChanged != nil {
			s.OnRespondingChanged(v)
		}
	}
}

func (m *MasterProxy) notifyRemainingChanged() {
	refs := m.Remaining()
	for _, s := range m.stateSubs.Snapshot() {
		if s.OnRemainingChanged != nil {
			s.OnRemainingChanged(refs)
		}
	}
}

func (m *MasterProxy) notifyBuildQueueChanged() {
	refs := m.BuildQueue()
	for _, s := range m.stateSubs.Snapshot() {
		if s.OnBuildQueueChanged != nil {
			s.OnBuildQueueChanged(refs)
		}
	}
}

func (m *MasterProxy) notifyBuildingSetChanged() {
	refs := m.BuildingSet()
	for _, s := range m.stateSubs.Snapshot() {
		if s.OnBuildingSetChanged != nil {
			s.OnBuildingSetChanged(refs)
		}
	}
}

func (m *MasterProxy) notifyNodesChanged() {
	idle, busy := m.Nodes()
	for _, s := range m.stateSubs.Snapshot() {
		if s.OnNodesChanged != nil {
			s.OnNodesChanged(idle, busy)
		}
	}
}

func (m *MasterProxy) notifyStateChanged(v MasterState) {
	for _, s := range m.stateSubs.Snapshot() {
		if s.OnStateChanged != nil {
			s.OnStateChanged(v)
		}
	}
}

func (m *MasterProxy) notifyErrorReceived(msg string) {
	for _, s := range m.stateSubs.Snapshot() {
		if s.OnErrorReceived != nil {
			s.OnErrorReceived(msg)
		}
	}
}

func (m *MasterProxy) sendConsole(msg console.WireMessage) {
	m.send(outboundDoc{Identity: m.identity, ConsoleStreaming: &msg})
}

func (m *MasterProxy) send(doc outboundDoc) {
	body, err := json.Marshal(doc)
	if err != nil {
		m.log.Errorf("encode outbound message: %v", err)
		return
	}
	if err := m.transport.Send(m.Addr(), body); err != nil {
		m.log.Errorf("send: %v", err)
	}
}

// console.Peer implementation, called by the hosted Reassembler.

func (m *MasterProxy) SendRequestUpdates() { m.sendConsole(console.RequestUpdatesMessage()) }
func (m *MasterProxy) SendAck()            { m.sendConsole(console.AckMessage()) }
func (m *MasterProxy) SendRequest(start, end mark.Mark) {
	m.sendConsole(console.RequestMessage(start, end))
}
