// Package timeline holds the motion sources and the clips composed from them
// on a single global timeline.
package timeline

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrSourceNotFound is returned when an operation references an unknown
	// source id.
	ErrSourceNotFound = errors.New("source not found")
	// ErrSourceInUse is returned when removing a source that clips still
	// reference.
	ErrSourceInUse = errors.New("source in use")
	// ErrEmptySource is returned when cutting a clip from a source with no
	// frames.
	ErrEmptySource = errors.New("source has no frames")
)

// DefaultJointNames is the joint order of the arm's pose vectors.
var DefaultJointNames = []string{
	"gripper_finger_r1", "gripper_finger_l1", "torso_0", "torso_1", "torso_2", "torso_3",
	"torso_4", "torso_5", "right_arm_0", "right_arm_1", "right_arm_2", "right_arm_3",
	"right_arm_4", "right_arm_5", "right_arm_6", "left_arm_0", "left_arm_1", "left_arm_2",
	"left_arm_3", "left_arm_4", "left_arm_5", "left_arm_6", "head_0", "head_1",
}

// Model is the source and clip table of one editing session.
//
// Every exported method takes the lock exactly once, so lengthMs is always
// updated in the same critical section as the clip it accounts for.
type Model struct {
	mu sync.RWMutex

	lengthMs      int64
	sources       map[string]Source
	clips         []Clip
	player        PlayerState
	jointNames    []string
	endpoints     Endpoints
	blendDefaults Blend
}

// NewModel returns an empty timeline with the default blend template and
// joint names.
func NewModel() *Model {
	return &Model{
		sources:       make(map[string]Source),
		jointNames:    append([]string(nil), DefaultJointNames...),
		blendDefaults: DefaultBlend(),
	}
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// AddSource stores s, assigning a fresh id when s.ID is empty, and returns
// the id used. An existing source with the same id is replaced.
func (m *Model) AddSource(s Source) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = newID("src")
	}
	m.sources[s.ID] = s
	return s.ID
}

// UpdateSourceName renames a source. It reports false when id is unknown.
func (m *Model) UpdateSourceName(id, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sources[id]
	if !ok {
		return false
	}
	s.Name = strings.TrimSpace(name)
	m.sources[id] = s
	return true
}

// RemoveSource deletes a source that no clip references.
func (m *Model) RemoveSource(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sources[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	for _, c := range m.clips {
		if c.SourceID == id {
			return fmt.Errorf("%w: %s referenced by clip %s", ErrSourceInUse, id, c.ID)
		}
	}
	delete(m.sources, id)
	return nil
}

// AddClip inserts a fully described clip, assigning a fresh id when c.ID is
// empty. The source must exist and have frames; the frame range is clamped
// into the source the same way AddClipFromSource clamps it, and a clip
// without a blend takes the blend template.
func (m *Model) AddClip(c Clip) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sources[c.SourceID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSourceNotFound, c.SourceID)
	}
	n := s.FrameCount()
	if n == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptySource, c.SourceID)
	}
	c.InFrame, c.OutFrame = clampFrames(c.InFrame, c.OutFrame, n)
	c.T0 = max(0, c.T0)
	if c.Blend == (Blend{}) {
		c.Blend = m.blendDefaults
	}
	return m.insertClip(c), nil
}

func (m *Model) insertClip(c Clip) string {
	if c.ID == "" {
		c.ID = newID("clip")
	}
	c.Blend = c.Blend.normalized()
	c.blendPatch = nil
	m.clips = append(m.clips, c)
	if s, ok := m.sources[c.SourceID]; ok {
		m.lengthMs = max(m.lengthMs, c.EndMs(s.Dt))
	}
	return c.ID
}

// clampFrames keeps 0 <= in < out <= n for a source of n > 0 frames.
func clampFrames(in, out, n int) (int, int) {
	in = max(0, min(in, n-1))
	out = max(in+1, min(out, n))
	return in, out
}

// AddClipFromSource cuts [opts.InFrame, opts.OutFrame) out of a source and
// places it on the timeline. Out-of-range bounds are clamped so that
// 0 <= in < out <= frame count always holds.
func (m *Model) AddClipFromSource(sourceID string, opts ClipOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sources[sourceID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSourceNotFound, sourceID)
	}
	n := s.FrameCount()
	if n == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptySource, sourceID)
	}

	in, out := clampFrames(opts.InFrame, opts.OutFrame, n)
	t0 := m.lengthMs
	if opts.T0 != nil {
		t0 = max(0, *opts.T0)
	}

	return m.insertClip(Clip{
		SourceID: sourceID,
		T0:       t0,
		InFrame:  in,
		OutFrame: out,
		Name:     opts.Name,
		Blend:    m.blendDefaults.Merge(opts.Blend),
	}), nil
}

// UpdateClipBlend merges patch into a clip's blend. It reports false, and
// changes nothing, when the clip does not exist.
func (m *Model) UpdateClipBlend(clipID string, patch BlendPatch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.clips {
		if m.clips[i].ID == clipID {
			m.clips[i].Blend = m.clips[i].Blend.Merge(patch)
			return true
		}
	}
	return false
}

// RemoveClip deletes a clip. The timeline length is left as is; call
// RecomputeLength to shrink it.
func (m *Model) RemoveClip(clipID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.clips {
		if m.clips[i].ID == clipID {
			m.clips = append(m.clips[:i], m.clips[i+1:]...)
			return true
		}
	}
	return false
}

// RecomputeLength sets the timeline length to the end of the last clip and
// returns it. Clips whose source is missing are ignored.
func (m *Model) RecomputeLength() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var length int64
	for _, c := range m.clips {
		if s, ok := m.sources[c.SourceID]; ok {
			length = max(length, c.EndMs(s.Dt))
		}
	}
	m.lengthMs = length
	return length
}

// SetBlendDefaults patches the template merged under new clips' blends.
func (m *Model) SetBlendDefaults(patch BlendPatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blendDefaults = m.blendDefaults.Merge(patch)
}

// BlendDefaults returns the current blend template.
func (m *Model) BlendDefaults() Blend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blendDefaults
}

// LengthMs returns the timeline length in milliseconds.
func (m *Model) LengthMs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lengthMs
}

// Source returns the source with the given id.
func (m *Model) Source(id string) (Source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	return s, ok
}

// Sources returns a copy of the source table.
func (m *Model) Sources() map[string]Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copySources(m.sources)
}

// Clip returns the clip with the given id.
func (m *Model) Clip(id string) (Clip, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clips {
		if c.ID == id {
			return c, true
		}
	}
	return Clip{}, false
}

// Clips returns the clips in insertion order.
func (m *Model) Clips() []Clip {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Clip(nil), m.clips...)
}

// JointNames returns the joint order of the pose vectors.
func (m *Model) JointNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.jointNames...)
}

// SetJointNames replaces the joint names. An empty list is ignored.
func (m *Model) SetJointNames(names []string) {
	if len(names) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jointNames = append([]string(nil), names...)
}

// SetPlayer records the marker state saved with the project.
func (m *Model) SetPlayer(p PlayerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.player = p
}

// Player returns the marker state saved with the project.
func (m *Model) Player() PlayerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.player
}

// SetEndpoints records the device addresses saved with the project.
func (m *Model) SetEndpoints(e Endpoints) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints = e
}

// Endpoints returns the device addresses saved with the project.
func (m *Model) Endpoints() Endpoints {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoints
}

func copySources(in map[string]Source) map[string]Source {
	out := make(map[string]Source, len(in))
	for id, s := range in {
		out[id] = s
	}
	return out
}
