package buildnode

import "github.com/tslb-project/clusterproxy/console"

// inboundDoc is the node → client wire shape (spec.md §6.2). Pointer
// fields distinguish "field absent" from "field present with zero value"
// so that per-field parsing failures don't clobber unrelated fields.
type inboundDoc struct {
	Identity         string                `json:"identity"`
	State            *string               `json:"state"`
	Name             *string               `json:"name"`
	Arch             *string               `json:"arch"`
	Version          *string               `json:"version"`
	Reason           *string               `json:"reason"`
	Err              *string               `json:"err"`
	ConsoleStreaming *console.WireMessage  `json:"console_streaming,omitempty"`
}

// outboundDoc is the client → node wire shape.
type outboundDoc struct {
	Action           string               `json:"action,omitempty"`
	Name             string               `json:"name,omitempty"`
	Arch             string               `json:"arch,omitempty"`
	Version          string               `json:"version,omitempty"`
	ConsoleStreaming *console.WireMessage `json:"console_streaming,omitempty"`
}

const (
	actionIdentify           = "identify"
	actionGetStatus          = "get_status"
	actionStartBuild         = "start_build"
	actionAbortBuild         = "abort_build"
	actionReset              = "reset"
	actionEnableMaintenance  = "enable_maintenance"
	actionDisableMaintenance = "disable_maintenance"
)
