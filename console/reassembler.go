// Package console implements the client-side console-streaming
// reassembler described in spec.md §4.4: given lossy, possibly
// out-of-order chunks of a peer's console byte stream, each tagged with a
// modular sequence mark, it delivers each subscriber a contiguous,
// in-order suffix of the stream and drives selective retransmission
// requests when a subscriber has fallen behind what a given message can
// satisfy.
package console

import (
	"sync"

	"github.com/tslb-project/clusterproxy/mark"
)

// Peer is the subset of an owning NodeProxy/MasterProxy that the
// reassembler needs in order to talk back to the remote console stream.
type Peer interface {
	// SendRequestUpdates opts the client into unsolicited "update" pushes.
	SendRequestUpdates()
	// SendAck acknowledges a received "update" message.
	SendAck()
	// SendRequest asks the peer to (re)send the byte range [start, end].
	SendRequest(start, end mark.Mark)
}

type subscription struct {
	key    any
	onData func([]byte)

	mu               sync.Mutex
	lastMarkReceived mark.Mark
}

func (s *subscription) get() mark.Mark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMarkReceived
}

func (s *subscription) set(m mark.Mark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMarkReceived = m
}

// Handle is returned by Subscribe and is used to Unsubscribe later. An
// empty Handle (returned when the caller passed a nil key) is inert:
// Unsubscribe on it is a no-op.
type Handle struct {
	sub *subscription
}

// Reassembler reassembles one peer's console byte stream for a set of
// local subscribers.
type Reassembler struct {
	peer Peer

	mu   sync.Mutex
	subs []*subscription
}

// New creates a reassembler that talks back to the stream through peer.
func New(peer Peer) *Reassembler {
	return &Reassembler{peer: peer}
}

// Subscribe registers onData to receive console byte suffixes, keyed by
// key. A nil key yields an empty, inert Handle (spec.md §4.4). Subscribing
// immediately opts into pushed updates and requests the entire back-buffer
// from the beginning of the stream.
func (r *Reassembler) Subscribe(onData func([]byte), key any) Handle {
	if key == nil {
		return Handle{}
	}

	s := &subscription{key: key, onData: onData}

	r.mu.Lock()
	replaced := false
	for i, existing := range r.subs {
		if existing.key == key {
			r.subs[i] = s
			replaced = true
			break
		}
	}
	if !replaced {
		r.subs = append(r.subs, s)
	}
	r.mu.Unlock()

	r.peer.SendRequestUpdates()
	r.peer.SendRequest(mark.Never, mark.Now)

	return Handle{sub: s}
}

// Unsubscribe removes the subscription behind h, if any, and renders h
// unusable.
func (r *Reassembler) Unsubscribe(h *Handle) {
	if h == nil || h.sub == nil {
		return
	}

	r.mu.Lock()
	for i, s := range r.subs {
		if s == h.sub {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	h.sub = nil
}

// Reconnect resets every subscription's replay position to the beginning
// of the stream and re-issues the updates/back-buffer request pair. Used
// when a subscriber wants a clean replay (e.g. a terminal reset).
func (r *Reassembler) Reconnect() {
	r.mu.Lock()
	subs := make([]*subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, s := range subs {
		s.set(mark.Never)
	}

	r.peer.SendRequestUpdates()
	r.peer.SendRequest(mark.Never, mark.Now)
}

// HandleData processes a "data" message: a response to an explicit
// request.
func (r *Reassembler) HandleData(mdata []Chunk, blob []byte) {
	r.process(mdata, blob, false)
}

// HandleUpdate processes an "update" message: an unsolicited push, which
// additionally triggers an acknowledgement back to the peer.
func (r *Reassembler) HandleUpdate(mdata []Chunk, blob []byte) {
	r.process(mdata, blob, true)
}

// process implements the per-message algorithm of spec.md §4.4.
func (r *Reassembler) process(mdata []Chunk, blob []byte, isUpdate bool) {
	if len(mdata) == 0 {
		return
	}

	firstMark := mdata[0].Mark
	lastMark := mdata[len(mdata)-1].Mark

	minRequired := mark.Now

	r.mu.Lock()
	subs := make([]*subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, s := range subs {
		last := s.get()

		if last == mark.Never {
			deliver(s, blob)
			s.set(lastMark)
			continue
		}

		usable := mark.InRange(mark.Add(firstMark, -1), mark.Add(lastMark, -1), last)
		if usable {
			pointer := 0
			for _, c := range mdata {
				if mark.InRange(c.Mark, lastMark, last) {
					pointer += int(c.Length)
					continue
				}
				break
			}
			if pointer < len(blob) {
				deliver(s, blob[pointer:])
			}
			s.set(lastMark)
			continue
		}

		if lastMark != last && uint32(last) < uint32(minRequired) {
			minRequired = last
		}
	}

	if minRequired != mark.Now {
		r.peer.SendRequest(minRequired, mark.Now)
	}

	if isUpdate {
		r.peer.SendAck()
	}
}

func deliver(s *subscription, data []byte) {
	if s.onData == nil {
		return
	}
	// Copy: data may be a slice into a buffer the caller reuses.
	cp := make([]byte, len(data))
	copy(cp, data)
	s.onData(cp)
}
