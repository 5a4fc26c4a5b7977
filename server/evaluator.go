package main

import (
	"math"
	"sort"

	"github.com/RainbowRobotics/teleop-editor/timeline"
)

const (
	maxRangeSamples = 20000
	weightEpsilon   = 1e-12
)

// evaluator samples the blended pose of a project at a point in time.
type evaluator struct {
	clips   []timeline.Clip
	sources map[string]timeline.Source
	dof     int
}

func newEvaluator(snap timeline.Snapshot) *evaluator {
	clips := append([]timeline.Clip(nil), snap.Clips...)
	sort.SliceStable(clips, func(i, j int) bool { return clips[i].T0 < clips[j].T0 })

	dof := 0
	for _, src := range snap.Sources {
		for _, f := range src.Frames {
			dof = max(dof, len(f))
		}
	}
	if dof == 0 {
		dof = len(snap.JointNames)
	}
	if dof == 0 {
		dof = len(timeline.DefaultJointNames)
	}
	return &evaluator{clips: clips, sources: snap.Sources, dof: dof}
}

type layer struct {
	priority int
	weight   float64
	q        []float64
}

// At returns the pose at tMs. Override clips win by priority, later start
// breaking ties; crossfade clips are averaged by weight; additive clips are
// summed on top. Uncovered instants yield zeros.
func (e *evaluator) At(tMs float64) []float64 {
	var (
		override  *layer
		crossfade []layer
		additive  []layer
	)
	for _, c := range e.clips {
		q, local, length, ok := e.sample(c, tMs)
		if !ok {
			continue
		}
		w := c.Blend.Weight * c.Blend.RampWeight(local, length)
		if w <= weightEpsilon {
			continue
		}
		switch c.Blend.Mode {
		case timeline.BlendAdditive:
			additive = append(additive, layer{weight: w, q: q})
		case timeline.BlendCrossfade:
			crossfade = append(crossfade, layer{priority: c.Blend.Priority, weight: w, q: q})
		default:
			if override == nil || c.Blend.Priority >= override.priority {
				override = &layer{priority: c.Blend.Priority, weight: 1, q: q}
			}
		}
	}

	out := make([]float64, e.dof)
	switch {
	case override != nil:
		copy(out, override.q)
	case len(crossfade) > 0:
		var sum float64
		for _, l := range crossfade {
			sum += l.weight
		}
		for _, l := range crossfade {
			for i := range min(len(out), len(l.q)) {
				out[i] += l.weight / sum * l.q[i]
			}
		}
	}
	for _, l := range additive {
		for i := range min(len(out), len(l.q)) {
			out[i] += l.weight * l.q[i]
		}
	}
	return out
}

// Range samples [t0Ms, t1Ms] every stepMs. A non-positive step yields the
// single sample at t0Ms.
func (e *evaluator) Range(t0Ms, t1Ms, stepMs float64) [][]float64 {
	if t1Ms < t0Ms {
		return [][]float64{}
	}
	if stepMs <= 0 {
		return [][]float64{e.At(math.Round(t0Ms))}
	}
	var out [][]float64
	for t := t0Ms; t <= t1Ms+1e-6 && len(out) < maxRangeSamples; t += stepMs {
		out = append(out, e.At(math.Round(t)))
	}
	return out
}

// sample interpolates the clip's source frames at global time tMs. It
// reports false when the clip does not cover tMs or its source is unusable.
func (e *evaluator) sample(c timeline.Clip, tMs float64) (q []float64, localMs, lengthMs float64, ok bool) {
	src, found := e.sources[c.SourceID]
	n := len(src.Frames)
	if !found || n == 0 || src.Dt <= 0 {
		return nil, 0, 0, false
	}
	dtMs := src.Dt * 1000
	in := min(max(c.InFrame, 0), n-1)
	out := min(max(c.OutFrame, 1), n)
	lengthMs = float64(out-in) * dtMs
	localMs = tMs - float64(c.T0)
	if localMs < 0 || localMs > lengthMs {
		return nil, 0, 0, false
	}

	pos := float64(in) + localMs/dtMs
	f0 := int(math.Floor(pos))
	frac := pos - float64(f0)
	last := max(out-1, in)
	f0 = min(max(f0, in), last)
	f1 := min(f0+1, last)

	q0, q1 := src.Frames[f0], src.Frames[f1]
	q = append([]float64(nil), q0...)
	if f1 == f0 || frac <= weightEpsilon {
		return q, localMs, lengthMs, true
	}
	for i := range min(len(q), len(q1)) {
		q[i] = q0[i]*(1-frac) + q1[i]*frac
	}
	return q, localMs, lengthMs, true
}
