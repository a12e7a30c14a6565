package cluster

import "encoding/json"

// Discovery messages are asymmetric by design: the node channel uses
// "action", the master channel uses "cmd" (spec.md §4.1). This asymmetry
// is part of the wire contract, not an oversight.
var (
	nodeIdentifyPayload, _   = json.Marshal(map[string]string{"action": "identify"})
	masterIdentifyPayload, _ = json.Marshal(map[string]string{"cmd": "identify"})
)

// identityProbe extracts just the identity field from an inbound
// envelope, deferring full parsing to the owning proxy.
type identityProbe struct {
	Identity *string `json:"identity"`
}
