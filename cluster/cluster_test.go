package cluster

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tslb-project/clusterproxy/buildnode"
	"github.com/tslb-project/clusterproxy/overlay"
)

// testEnvelope mirrors overlay's wire frame shape structurally; JSON
// field names are what matter for interop across the package boundary.
type testEnvelope struct {
	Protocol uint32          `json:"protocol"`
	From     uint32          `json:"from"`
	To       uint32          `json:"to"`
	Payload  json.RawMessage `json:"payload"`
}

type testHub struct {
	ln     net.Listener
	connCh chan net.Conn
}

func newTestHub(t *testing.T) (*testHub, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &testHub{ln: ln, connCh: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			h.connCh <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return h, ln.Addr().String()
}

func (h *testHub) acceptConn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-h.connCh:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("hub never accepted a connection")
		return nil
	}
}

func writeFrame(t *testing.T, conn net.Conn, env testEnvelope) {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	_, err = conn.Write(header[:])
	require.NoError(t, err)
	_, err = conn.Write(body)
	require.NoError(t, err)
}

func readFrame(t *testing.T, r *bufio.Reader) testEnvelope {
	t.Helper()
	var header [4]byte
	_, err := io.ReadFull(r, header[:])
	require.NoError(t, err)
	length := binary.BigEndian.Uint32(header[:])
	body := make([]byte, length)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)

	var env testEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	return env
}

func TestConnectFiresEstablishedAndBroadcastsDiscovery(t *testing.T) {
	hub, addr := newTestHub(t)
	c := New()
	defer c.Stop()

	established := make(chan struct{}, 1)
	c.SubscribeConnectionState("ui", ConnectionSubscriber{OnEstablished: func() { established <- struct{}{} }})

	require.NoError(t, c.Connect(addr))

	select {
	case <-established:
	case <-time.After(2 * time.Second):
		t.Fatal("OnEstablished never fired")
	}

	conn := hub.acceptConn(t)
	r := bufio.NewReader(conn)

	first := readFrame(t, r)
	second := readFrame(t, r)

	protocols := map[uint32]json.RawMessage{first.Protocol: first.Payload, second.Protocol: second.Payload}
	require.Contains(t, protocols, uint32(overlay.ProtocolNode))
	require.Contains(t, protocols, uint32(overlay.ProtocolMaster))
	assert.JSONEq(t, `{"action":"identify"}`, string(protocols[uint32(overlay.ProtocolNode)]))
	assert.JSONEq(t, `{"cmd":"identify"}`, string(protocols[uint32(overlay.ProtocolMaster)]))
}

// scenario 1: discovering a node fires exactly one node-list-changed
// notification and the proxy reflects the parsed status.
func TestScenarioDiscoveryCreatesNodeAndFiresListChanged(t *testing.T) {
	hub, addr := newTestHub(t)
	c := New()
	defer c.Stop()

	var listChanged int
	c.SubscribeNodeList("ui", ListSubscriber{OnChanged: func() { listChanged++ }})

	require.NoError(t, c.Connect(addr))
	conn := hub.acceptConn(t)
	r := bufio.NewReader(conn)
	readFrame(t, r)
	readFrame(t, r)

	writeFrame(t, conn, testEnvelope{
		Protocol: uint32(overlay.ProtocolNode),
		From:     0x01020304,
		To:       uint32(c.LocalAddr()),
		Payload:  json.RawMessage(`{"identity":"nodeA","state":"idle"}`),
	})

	require.Eventually(t, func() bool { return c.GetNode("nodeA") != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, listChanged)

	np := c.GetNode("nodeA")
	assert.Equal(t, buildnode.Idle, np.State())
	assert.True(t, np.IsResponding())
	assert.Equal(t, []string{"nodeA"}, c.ListNodeIdentities())
}

// scenario 2: re-discovering the same identity from a new source address
// updates the proxy's address, emits no list-changed, and re-queries
// status (restart detection).
func TestScenarioRestartDetectionReissuesStatusQuery(t *testing.T) {
	hub, addr := newTestHub(t)
	c := New()
	defer c.Stop()

	require.NoError(t, c.Connect(addr))
	conn := hub.acceptConn(t)
	r := bufio.NewReader(conn)
	readFrame(t, r)
	readFrame(t, r)

	writeFrame(t, conn, testEnvelope{
		Protocol: uint32(overlay.ProtocolNode),
		From:     0x01020304,
		To:       uint32(c.LocalAddr()),
		Payload:  json.RawMessage(`{"identity":"nodeA","state":"idle"}`),
	})
	require.Eventually(t, func() bool { return c.GetNode("nodeA") != nil }, 2*time.Second, 10*time.Millisecond)

	var listChanged int
	c.SubscribeNodeList("ui2", ListSubscriber{OnChanged: func() { listChanged++ }})

	writeFrame(t, conn, testEnvelope{
		Protocol: uint32(overlay.ProtocolNode),
		From:     0x09080706,
		To:       uint32(c.LocalAddr()),
		Payload:  json.RawMessage(`{"identity":"nodeA","state":"idle"}`),
	})

	env := readFrame(t, r)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	assert.Equal(t, "get_status", body["action"])
	assert.Equal(t, uint32(0x09080706), env.To)

	require.Eventually(t, func() bool { return c.GetNode("nodeA").Addr() == overlay.Addr(0x09080706) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, listChanged)
}

func TestSearchNowForcesImmediateDiscovery(t *testing.T) {
	hub, addr := newTestHub(t)
	c := New()
	defer c.Stop()

	require.NoError(t, c.Connect(addr))
	conn := hub.acceptConn(t)
	r := bufio.NewReader(conn)
	readFrame(t, r)
	readFrame(t, r)

	c.SearchNow()
	readFrame(t, r)
	readFrame(t, r)
}

func TestNextDiscoveryTickFiresEveryThirtySeconds(t *testing.T) {
	nodeTicks, masterTicks := 0, 0
	fires := 0
	for i := 0; i < discoveryIntervalTicks*2; i++ {
		var fire bool
		nodeTicks, masterTicks, fire = nextDiscoveryTick(nodeTicks, masterTicks)
		if fire {
			fires++
		}
	}
	assert.Equal(t, 2, fires)
}

func TestConnectFailureFiresOnFailed(t *testing.T) {
	c := New()
	defer c.Stop()

	failed := make(chan string, 1)
	c.SubscribeConnectionState("ui", ConnectionSubscriber{OnFailed: func(msg string) { failed <- msg }})

	err := c.Connect("127.0.0.1:1") // reserved, nothing listens there
	assert.Error(t, err)

	select {
	case msg := <-failed:
		assert.NotEmpty(t, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailed never fired")
	}
}
