package builderagent

import (
	"encoding/json"
	"fmt"

	"github.com/ejdispatch/ej/internal/ejmodel"
)

// InboundKind distinguishes the four duplex-channel frames a builder can
// receive (spec.md §6.1, §4.C).
type InboundKind int

const (
	InboundBuild InboundKind = iota
	InboundBuildAndRun
	InboundCancel
	InboundClose
)

// Inbound is a decoded dispatcher-to-builder frame.
type Inbound struct {
	Kind   InboundKind
	Job    ejmodel.DeployableJob
	Reason string
	JobID  string
}

// decodeFrame parses the externally-tagged JSON shapes of spec.md §6.1:
// `{"Build": <Job>}`, `{"BuildAndRun": <Job>}`, `{"Cancel": [reason,
// job-id]}`, or the bare string `"Close"`.
func decodeFrame(data []byte) (Inbound, error) {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		if bare == "Close" {
			return Inbound{Kind: InboundClose}, nil
		}
		return Inbound{}, fmt.Errorf("builderagent: unrecognized bare frame %q", bare)
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return Inbound{}, fmt.Errorf("builderagent: decoding frame: %w", err)
	}

	if raw, ok := tagged["Build"]; ok {
		var job ejmodel.DeployableJob
		if err := json.Unmarshal(raw, &job); err != nil {
			return Inbound{}, fmt.Errorf("builderagent: decoding Build payload: %w", err)
		}
		return Inbound{Kind: InboundBuild, Job: job}, nil
	}
	if raw, ok := tagged["BuildAndRun"]; ok {
		var job ejmodel.DeployableJob
		if err := json.Unmarshal(raw, &job); err != nil {
			return Inbound{}, fmt.Errorf("builderagent: decoding BuildAndRun payload: %w", err)
		}
		return Inbound{Kind: InboundBuildAndRun, Job: job}, nil
	}
	if raw, ok := tagged["Cancel"]; ok {
		var pair [2]string
		if err := json.Unmarshal(raw, &pair); err != nil {
			return Inbound{}, fmt.Errorf("builderagent: decoding Cancel payload: %w", err)
		}
		return Inbound{Kind: InboundCancel, Reason: pair[0], JobID: pair[1]}, nil
	}

	return Inbound{}, fmt.Errorf("builderagent: unrecognized frame: %s", data)
}
