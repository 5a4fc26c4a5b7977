package timeline

import (
	"encoding/json"
	"math"
)

// BlendMode selects how a clip's motion is composited with its neighbours.
type BlendMode string

const (
	BlendOverride  BlendMode = "override"
	BlendCrossfade BlendMode = "crossfade"
	BlendAdditive  BlendMode = "additive"
)

// BlendCurve shapes the fade-in and fade-out ramps.
type BlendCurve string

const (
	CurveLinear     BlendCurve = "linear"
	CurveSmoothstep BlendCurve = "smoothstep"
	CurveEaseInOut  BlendCurve = "easeInOut"
)

// Apply maps alpha in [0,1] onto the curve. Values outside the range are
// clamped first.
func (c BlendCurve) Apply(alpha float64) float64 {
	a := math.Max(0, math.Min(1, alpha))
	switch c {
	case CurveSmoothstep:
		return a * a * (3 - 2*a)
	case CurveEaseInOut:
		return 0.5 * (1 - math.Cos(math.Pi*a))
	default:
		return a
	}
}

// Source is an imported motion recording: fixed-width joint vectors sampled
// every Dt seconds. Frames must not be mutated once the source is added to a
// Model; only Name may change.
type Source struct {
	ID     string      `json:"id"`
	Dt     float64     `json:"dt"`
	Frames [][]float64 `json:"frames"`
	Name   string      `json:"name,omitempty"`
}

// FrameCount is the number of frames in the recording.
func (s Source) FrameCount() int { return len(s.Frames) }

// Blend holds the compositing parameters of a clip.
type Blend struct {
	Mode     BlendMode  `json:"mode"`
	InMs     int64      `json:"inMs"`
	OutMs    int64      `json:"outMs"`
	Curve    BlendCurve `json:"curve"`
	Weight   float64    `json:"weight"`
	Priority int        `json:"priority"`
}

// DefaultBlend seeds the blend template of a new Model.
func DefaultBlend() Blend {
	return Blend{
		Mode:     BlendOverride,
		InMs:     120,
		OutMs:    120,
		Curve:    CurveEaseInOut,
		Weight:   1.0,
		Priority: 0,
	}
}

// BlendPatch is a partial Blend; nil fields are left untouched by Merge.
type BlendPatch struct {
	Mode     *BlendMode  `json:"mode,omitempty"`
	InMs     *int64      `json:"inMs,omitempty"`
	OutMs    *int64      `json:"outMs,omitempty"`
	Curve    *BlendCurve `json:"curve,omitempty"`
	Weight   *float64    `json:"weight,omitempty"`
	Priority *int        `json:"priority,omitempty"`
}

// Merge returns b with every non-nil field of p applied, normalized.
func (b Blend) Merge(p BlendPatch) Blend {
	if p.Mode != nil {
		b.Mode = *p.Mode
	}
	if p.InMs != nil {
		b.InMs = *p.InMs
	}
	if p.OutMs != nil {
		b.OutMs = *p.OutMs
	}
	if p.Curve != nil {
		b.Curve = *p.Curve
	}
	if p.Weight != nil {
		b.Weight = *p.Weight
	}
	if p.Priority != nil {
		b.Priority = *p.Priority
	}
	return b.normalized()
}

func (b Blend) normalized() Blend {
	switch b.Mode {
	case BlendOverride, BlendCrossfade, BlendAdditive:
	default:
		b.Mode = BlendOverride
	}
	switch b.Curve {
	case CurveLinear, CurveSmoothstep, CurveEaseInOut:
	default:
		b.Curve = CurveLinear
	}
	b.InMs = max(b.InMs, 0)
	b.OutMs = max(b.OutMs, 0)
	if math.IsNaN(b.Weight) {
		b.Weight = 1
	}
	b.Weight = math.Max(0, math.Min(1, b.Weight))
	return b
}

// RampWeight is the fade envelope at localMs into a clip lasting lengthMs:
// attack over InMs, sustain, decay over OutMs, shaped by Curve.
func (b Blend) RampWeight(localMs, lengthMs float64) float64 {
	if lengthMs <= 1e-9 {
		return 1
	}
	w := 1.0
	if b.InMs > 0 && localMs < float64(b.InMs) {
		w *= b.Curve.Apply(localMs / float64(b.InMs))
	}
	if b.OutMs > 0 && localMs > lengthMs-float64(b.OutMs) {
		w *= b.Curve.Apply((lengthMs - localMs) / float64(b.OutMs))
	}
	return math.Max(0, math.Min(1, w))
}

// Clip places the frame range [InFrame, OutFrame) of a source on the global
// timeline starting at T0 milliseconds. SourceID is a weak reference.
type Clip struct {
	ID       string `json:"id"`
	SourceID string `json:"sourceId"`
	T0       int64  `json:"t0"`
	InFrame  int    `json:"inFrame"`
	OutFrame int    `json:"outFrame"`
	Name     string `json:"name,omitempty"`
	Blend    Blend  `json:"blend"`

	// blendPatch holds the blend fields present on the wire so Restore can
	// lay them over the model's template instead of DefaultBlend.
	blendPatch *BlendPatch
}

// UnmarshalJSON decodes a clip whose blend may be partial or absent. Missing
// blend fields come from DefaultBlend.
func (c *Clip) UnmarshalJSON(data []byte) error {
	type plain Clip
	aux := struct {
		*plain
		Blend *BlendPatch `json:"blend"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var patch BlendPatch
	if aux.Blend != nil {
		patch = *aux.Blend
	}
	c.Blend = DefaultBlend().Merge(patch)
	c.blendPatch = &patch
	return nil
}

// DurationMs is the clip length in milliseconds for a source sampled every
// dt seconds.
func (c Clip) DurationMs(dt float64) int64 {
	return int64(math.Round(float64(c.OutFrame-c.InFrame) * dt * 1000))
}

// EndMs is T0 plus the clip duration.
func (c Clip) EndMs(dt float64) int64 { return c.T0 + c.DurationMs(dt) }

// ClipOptions describe a clip to cut from a source. A nil T0 appends the clip
// at the current end of the timeline.
type ClipOptions struct {
	InFrame  int
	OutFrame int
	T0       *int64
	Name     string
	Blend    BlendPatch
}

// PlayerState is the locally displayed playback marker.
type PlayerState struct {
	TMs     int64 `json:"t_ms"`
	Playing bool  `json:"playing"`
}

// Endpoints are the device addresses remembered with a project.
type Endpoints struct {
	RobotAddress string `json:"robotAddress,omitempty"`
	QuestAddress string `json:"questAddress,omitempty"`
}
