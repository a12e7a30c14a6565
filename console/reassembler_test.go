package console

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tslb-project/clusterproxy/mark"
)

type fakePeer struct {
	requestUpdates int
	acks           int
	requests       [][2]mark.Mark
}

func (p *fakePeer) SendRequestUpdates() { p.requestUpdates++ }
func (p *fakePeer) SendAck()            { p.acks++ }
func (p *fakePeer) SendRequest(start, end mark.Mark) {
	p.requests = append(p.requests, [2]mark.Mark{start, end})
}

func chunk(m mark.Mark, length int) Chunk { return Chunk{Mark: m, Length: uint32(length)} }

// scenario 5: a subscriber whose last_mark_received falls inside the
// message's covered range receives the full blob and needs no
// retransmission.
func TestReassemblerScenarioFullyUsableMessage(t *testing.T) {
	peer := &fakePeer{}
	r := New(peer)

	var got []byte
	h := r.Subscribe(func(b []byte) { got = b }, "sub")
	require.NotNil(t, h.sub)
	peer.requests = nil // discard the initial back-buffer request

	r.subs[0].set(100)

	mdata := []Chunk{chunk(101, 3), chunk(104, 5)}
	blob := []byte("ABCDEFGH")

	r.HandleData(mdata, blob)

	assert.Equal(t, []byte("ABCDEFGH"), got)
	assert.Equal(t, mark.Mark(104), r.subs[0].get())
	assert.Empty(t, peer.requests)
}

// scenario 6: one subscriber is caught up by the message, another has
// fallen too far behind and needs exactly one selective retransmission
// request covering its gap.
func TestReassemblerScenarioPartialCoverageTriggersRequest(t *testing.T) {
	peer := &fakePeer{}
	r := New(peer)

	var caughtUp []byte
	var behind []byte
	hCaughtUp := r.Subscribe(func(b []byte) { caughtUp = b }, "caught-up")
	hBehind := r.Subscribe(func(b []byte) { behind = b }, "behind")
	_ = hCaughtUp
	_ = hBehind

	for _, s := range r.subs {
		switch s.key {
		case "caught-up":
			s.set(200)
		case "behind":
			s.set(50)
		}
	}

	peer.requests = nil

	mdata := []Chunk{chunk(201, 4)}
	blob := []byte("WXYZ")

	r.HandleUpdate(mdata, blob)

	assert.Equal(t, []byte("WXYZ"), caughtUp)
	assert.Nil(t, behind)

	require.Len(t, peer.requests, 1)
	assert.Equal(t, mark.Mark(50), peer.requests[0][0])
	assert.Equal(t, mark.Now, peer.requests[0][1])

	assert.Equal(t, 1, peer.acks, "update messages must be acked")
}

func TestReassemblerNeverReceivedGetsFullBlobImmediately(t *testing.T) {
	peer := &fakePeer{}
	r := New(peer)

	var got []byte
	r.Subscribe(func(b []byte) { got = b }, "fresh")

	r.HandleData([]Chunk{chunk(10, 5)}, []byte("hello"))

	assert.Equal(t, []byte("hello"), got)
	assert.Equal(t, mark.Mark(10), r.subs[0].get())
}

func TestSubscribeNilKeyReturnsInertHandle(t *testing.T) {
	peer := &fakePeer{}
	r := New(peer)

	h := r.Subscribe(func([]byte) {}, nil)
	assert.Nil(t, h.sub)
	assert.Equal(t, 0, peer.requestUpdates)

	r.Unsubscribe(&h) // must not panic
}

// Resubscribing under a key already in use must replace the prior
// subscription in place rather than creating a second live one racing
// over last_mark_received (mirrors observer.List.Subscribe).
func TestSubscribeSameKeyReplacesPriorSubscription(t *testing.T) {
	peer := &fakePeer{}
	r := New(peer)

	var firstCalls, secondCalls int
	r.Subscribe(func([]byte) { firstCalls++ }, "term")
	require.Len(t, r.subs, 1)

	r.Subscribe(func([]byte) { secondCalls++ }, "term")
	require.Len(t, r.subs, 1, "resubscribing under the same key must not append a second subscription")

	r.HandleData([]Chunk{chunk(10, 5)}, []byte("hello"))

	assert.Equal(t, 0, firstCalls, "the replaced subscription must not still be receiving data")
	assert.Equal(t, 1, secondCalls)
}

func TestUnsubscribeRendersHandleUnusable(t *testing.T) {
	peer := &fakePeer{}
	r := New(peer)

	h := r.Subscribe(func([]byte) {}, "k")
	require.Len(t, r.subs, 1)

	r.Unsubscribe(&h)
	assert.Nil(t, h.sub)
	assert.Empty(t, r.subs)

	r.Unsubscribe(&h) // second call is a no-op, not a double-free
}

func TestReconnectResetsReplayPosition(t *testing.T) {
	peer := &fakePeer{}
	r := New(peer)

	r.Subscribe(func([]byte) {}, "k")
	r.subs[0].set(500)
	peer.requestUpdates = 0
	peer.requests = nil

	r.Reconnect()

	assert.Equal(t, mark.Never, r.subs[0].get())
	assert.Equal(t, 1, peer.requestUpdates)
	require.Len(t, peer.requests, 1)
	assert.Equal(t, mark.Never, peer.requests[0][0])
	assert.Equal(t, mark.Now, peer.requests[0][1])
}

func TestBase64RoundTrip(t *testing.T) {
	cases := []struct {
		plain   string
		encoded string
	}{
		{"", ""},
		{"f", "Zg=="},
		{"fo", "Zm8="},
		{"foo", "Zm9v"},
		{"foob", "Zm9vYg=="},
		{"fooba", "Zm9vYmE="},
		{"foobar", "Zm9vYmFy"},
	}

	for _, c := range cases {
		assert.Equal(t, c.encoded, EncodeBlob([]byte(c.plain)))

		decoded, err := DecodeBlob(c.encoded)
		require.NoError(t, err)
		assert.Equal(t, []byte(c.plain), decoded)
	}
}

func TestDecodeBlobRejectsMalformedInput(t *testing.T) {
	_, err := DecodeBlob("not base64!!")
	assert.Error(t, err)
}

// SplitIntoChunks is a test fixture mirroring a producer-side chunk
// splitter: it carves data into chunks of at most maxLen bytes, assigning
// consecutive marks starting at start.
func SplitIntoChunks(start mark.Mark, data []byte, maxLen int) []Chunk {
	var chunks []Chunk
	m := start
	for len(data) > 0 {
		n := maxLen
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, chunk(m, n))
		m = mark.Add(m, 1)
		data = data[n:]
	}
	return chunks
}

func TestSplitIntoChunksCoversWholeBuffer(t *testing.T) {
	data := []byte("ABCDEFGHIJ")
	chunks := SplitIntoChunks(1, data, 3)

	require.Len(t, chunks, 4)
	total := 0
	for _, c := range chunks {
		total += int(c.Length)
	}
	assert.Equal(t, len(data), total)
	assert.Equal(t, mark.Mark(1), chunks[0].Mark)
	assert.Equal(t, mark.Mark(4), chunks[3].Mark)
}
