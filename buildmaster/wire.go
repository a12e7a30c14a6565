package buildmaster

import (
	"encoding/json"

	"github.com/tslb-project/clusterproxy/console"
)

// outboundDoc is the client → master wire shape (spec.md §6.2). Every
// outbound message to a master carries the target's identity.
type outboundDoc struct {
	Identity         string               `json:"identity"`
	Cmd              string               `json:"cmd,omitempty"`
	Arch             string               `json:"arch,omitempty"`
	ConsoleStreaming *console.WireMessage `json:"console_streaming,omitempty"`
}

const (
	cmdIdentify       = "identify"
	cmdGetState       = "get-state"
	cmdGetRemaining   = "get-remaining"
	cmdGetBuildQueue  = "get-build-queue"
	cmdGetBuildingSet = "get-building-set"
	cmdGetNodes       = "get-nodes"
	cmdSubscribe      = "subscribe"
	cmdStart          = "start"
	cmdStop           = "stop"
	cmdOpen           = "open"
	cmdClose          = "close"
)

// decodePkgRefArray parses a `remaining`/`build-queue`/`building-set`
// field: a JSON array whose elements must each be a length-2 array of
// strings. Elements that don't fit are skipped rather than failing the
// whole field (spec.md §4.3's array-field parsing rules). ok is false
// only if the field itself isn't an array at all.
func decodePkgRefArray(raw json.RawMessage) (refs []PkgRef, ok bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}

	refs = make([]PkgRef, 0, len(items))
	for _, item := range items {
		var pair []string
		if err := json.Unmarshal(item, &pair); err != nil || len(pair) != 2 {
			continue
		}
		refs = append(refs, PkgRef{Name: pair[0], Version: pair[1]})
	}
	return refs, true
}

func decodeStringArray(raw json.RawMessage) ([]string, bool) {
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

func equalPkgRefs(a, b []PkgRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
