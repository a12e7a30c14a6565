package console

import (
	"encoding/base64"
	"fmt"

	"github.com/tslb-project/clusterproxy/mark"
)

// Chunk is one entry of a console update's mdata: the sequence mark
// assigned to a run of bytes, and that run's length within the message's
// concatenated blob.
type Chunk struct {
	Mark   mark.Mark
	Length uint32
}

// wireChunk is the JSON shape of a single mdata entry: [mark, length].
type wireChunk [2]uint32

// WireMessage is the JSON shape of the "console_streaming" sub-object
// carried by both node and master envelopes (spec.md §4.4, §6.2).
type WireMessage struct {
	Msg   string      `json:"msg"`
	MData []wireChunk `json:"mdata,omitempty"`
	Blob  string      `json:"blob,omitempty"`
	// Start/End are only meaningful for msg "request", but are not
	// omitempty: 0 is a valid explicit value there (mark.Never), and an
	// extra zeroed field on other message kinds is harmless.
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
	Data  string `json:"data,omitempty"`
}

const (
	msgData           = "data"
	msgUpdate         = "update"
	msgRequestUpdates = "request_updates"
	msgAck            = "ack"
	msgRequest        = "request"
	msgInput          = "input"
)

// ParseChunks converts the wire mdata representation into Chunk values.
func ParseChunks(raw []wireChunk) []Chunk {
	out := make([]Chunk, len(raw))
	for i, c := range raw {
		out[i] = Chunk{Mark: mark.Mark(c[0]), Length: c[1]}
	}
	return out
}

// DecodeBlob base64-decodes a wire blob.
func DecodeBlob(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("console: decode blob: %w", err)
	}
	return b, nil
}

// EncodeBlob base64-encodes data for the wire.
func EncodeBlob(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// RequestUpdatesMessage builds the {"msg":"request_updates"} wire message.
func RequestUpdatesMessage() WireMessage {
	return WireMessage{Msg: msgRequestUpdates}
}

// AckMessage builds the {"msg":"ack"} wire message.
func AckMessage() WireMessage {
	return WireMessage{Msg: msgAck}
}

// RequestMessage builds the {"msg":"request","start":...,"end":...} wire
// message used for selective (re)transmission requests.
func RequestMessage(start, end mark.Mark) WireMessage {
	return WireMessage{Msg: msgRequest, Start: uint32(start), End: uint32(end)}
}

// InputMessage builds the {"msg":"input","data":...} wire message (node
// consoles only): a one-way path for terminal input to reach the remote
// process.
func InputMessage(data []byte) WireMessage {
	return WireMessage{Msg: msgInput, Data: EncodeBlob(data)}
}

// Dispatch decodes an inbound console_streaming wire message and routes
// it to r's HandleData or HandleUpdate depending on its msg field. Any
// other msg value (or a malformed blob) is dropped, matching spec.md
// §7's "parse failure: logged, message dropped" policy for this
// sub-object.
func Dispatch(r *Reassembler, wm WireMessage) error {
	switch wm.Msg {
	case msgData, msgUpdate:
	default:
		return nil
	}

	blob, err := DecodeBlob(wm.Blob)
	if err != nil {
		return fmt.Errorf("console: dispatch: %w", err)
	}
	chunks := ParseChunks(wm.MData)

	if wm.Msg == msgUpdate {
		r.HandleUpdate(chunks, blob)
	} else {
		r.HandleData(chunks, blob)
	}
	return nil
}
