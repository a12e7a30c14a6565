package overlay

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
)

// wireEnvelope is the length-prefixed JSON frame exchanged with the hub:
// a 4-byte big-endian length followed by exactly that many bytes of this
// struct, marshaled.
type wireEnvelope struct {
	Protocol uint32          `json:"protocol"`
	From     uint32          `json:"from"`
	To       uint32          `json:"to"`
	Payload  json.RawMessage `json:"payload"`
}

// TCPNode is a Node backed by a single TCP connection to a message-bus
// hub. The hub is responsible for delivery and fan-out; TCPNode only
// frames, filters by address, and demultiplexes by protocol.
type TCPNode struct {
	conn  net.Conn
	local Addr

	mu       sync.Mutex
	handlers map[Protocol]Handler

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// DialTCP connects to the hub at hubAddr and identifies this peer as
// local. The returned node's read loop runs until Stop is called or the
// connection is lost.
func DialTCP(ctx context.Context, hubAddr string, local Addr) (*TCPNode, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hubAddr)
	if err != nil {
		return nil, fmt.Errorf("overlay: dial hub %s: %w", hubAddr, err)
	}

	n := &TCPNode{
		conn:     conn,
		local:    local,
		handlers: make(map[Protocol]Handler),
		done:     make(chan struct{}),
	}
	go n.readLoop()
	return n, nil
}

func (n *TCPNode) LocalAddr() Addr { return n.local }

func (n *TCPNode) Handle(p Protocol, fn Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[p] = fn
}

// Send frames payload as an envelope and writes it to the hub connection.
// A returned nil error means the frame was written, not that any peer
// received it (spec.md §7: the overlay is lossy by design).
func (n *TCPNode) Send(p Protocol, to Addr, payload []byte) error {
	env := wireEnvelope{
		Protocol: uint32(p),
		From:     uint32(n.local),
		To:       uint32(to),
		Payload:  payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("overlay: encode envelope: %w", err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	if _, err := n.conn.Write(header[:]); err != nil {
		return fmt.Errorf("overlay: write header: %w", err)
	}
	if _, err := n.conn.Write(body); err != nil {
		return fmt.Errorf("overlay: write body: %w", err)
	}
	return nil
}

func (n *TCPNode) Stop() error {
	var err error
	n.closeOnce.Do(func() {
		err = n.conn.Close()
		close(n.done)
	})
	return err
}

// Done is closed once the node has stopped, for callers that want to
// observe connection loss without polling.
func (n *TCPNode) Done() <-chan struct{} { return n.done }

func (n *TCPNode) readLoop() {
	r := bufio.NewReader(n.conn)
	for {
		var header [4]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			n.Stop()
			return
		}
		length := binary.BigEndian.Uint32(header[:])

		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			n.Stop()
			return
		}

		var env wireEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			// A malformed frame from a lossy hub is dropped, not fatal.
			continue
		}

		to := Addr(env.To)
		if to != Broadcast && to != n.local {
			continue
		}
		from := Addr(env.From)
		if from == n.local {
			continue // never deliver our own broadcasts back to ourselves
		}

		n.mu.Lock()
		fn := n.handlers[Protocol(env.Protocol)]
		n.mu.Unlock()
		if fn == nil {
			continue
		}

		fn(Envelope{
			Protocol: Protocol(env.Protocol),
			From:     from,
			To:       to,
			Payload:  []byte(env.Payload),
		})
	}
}
