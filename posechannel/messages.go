package posechannel

import (
	"encoding/json"

	"github.com/RainbowRobotics/teleop-editor/timeline"
)

// Message types on the motion stream.
const (
	TypeSetContext     = "set_context"
	TypeSeek           = "seek"
	TypePrefetch       = "prefetch"
	TypePose           = "pose"
	TypePrefetchResult = "prefetch_result"
	TypeAck            = "ack"
	TypeProjectUpdated = "project_updated"
)

// Default prefetch window and step, in milliseconds.
const (
	DefaultPrefetchWindowMs = 4000
	DefaultPrefetchStepMs   = 16.67
)

// Pose is one live joint-space sample.
type Pose struct {
	TMs float64
	Q   []float64
}

// PrefetchResult is a block of evaluated poses starting at T0Ms, spaced
// StepMs apart.
type PrefetchResult struct {
	T0Ms   float64
	StepMs float64
	Poses  [][]float64
}

// SetContextMessage pushes the timeline the remote side resolves clips
// against.
type SetContextMessage struct {
	Type    string            `json:"type"`
	Project timeline.Snapshot `json:"project"`
}

// SeekMessage asks for the pose at TMs.
type SeekMessage struct {
	Type string `json:"type"`
	TMs  int64  `json:"t_ms"`
}

// PrefetchMessage asks for poses over [center-window/2, center+window/2].
type PrefetchMessage struct {
	Type     string  `json:"type"`
	CenterMs int64   `json:"center_ms"`
	WindowMs int64   `json:"window_ms"`
	StepMs   float64 `json:"step_ms"`
}

// inbound is the union of the frames the remote side sends.
type inbound struct {
	Type   string      `json:"type"`
	TMs    *float64    `json:"t_ms"`
	Q      []float64   `json:"q"`
	T0Ms   float64     `json:"t0_ms"`
	StepMs float64     `json:"step_ms"`
	Poses  [][]float64 `json:"poses"`
}

// decode classifies a frame. Frames that do not parse, have an unknown type
// or miss their payload array yield neither a pose nor a result.
func decode(raw []byte) (*Pose, *PrefetchResult) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, nil
	}
	switch msg.Type {
	case TypePose:
		if msg.Q == nil {
			return nil, nil
		}
		p := &Pose{Q: msg.Q}
		if msg.TMs != nil {
			p.TMs = *msg.TMs
		}
		return p, nil
	case TypePrefetchResult:
		if msg.Poses == nil {
			return nil, nil
		}
		return nil, &PrefetchResult{T0Ms: msg.T0Ms, StepMs: msg.StepMs, Poses: msg.Poses}
	}
	return nil, nil
}
