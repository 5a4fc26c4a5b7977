package timeline

// Snapshot is the persisted project layout. Player and Endpoints are
// optional on the wire.
type Snapshot struct {
	LengthMs   int64             `json:"lengthMs"`
	Sources    map[string]Source `json:"sources"`
	Clips      []Clip            `json:"clips"`
	Player     *PlayerState      `json:"player,omitempty"`
	JointNames []string          `json:"jointNames"`
	Endpoints  *Endpoints        `json:"endpoints,omitempty"`
}

// Snapshot captures the whole model state.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	player := m.player
	endpoints := m.endpoints
	return Snapshot{
		LengthMs:   m.lengthMs,
		Sources:    copySources(m.sources),
		Clips:      append([]Clip{}, m.clips...),
		Player:     &player,
		JointNames: append([]string(nil), m.jointNames...),
		Endpoints:  &endpoints,
	}
}

// Restore replaces the model state with snap. Absent fields fall back to
// empty values, except joint names and endpoint addresses, which keep their
// current value when the snapshot does not carry them. Blend fields a
// decoded clip does not carry come from the current blend template.
func (m *Model) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lengthMs = max(snap.LengthMs, 0)

	m.sources = make(map[string]Source, len(snap.Sources))
	for id, s := range snap.Sources {
		if s.ID == "" {
			s.ID = id
		}
		m.sources[id] = s
	}

	m.clips = make([]Clip, 0, len(snap.Clips))
	for _, c := range snap.Clips {
		switch {
		case c.blendPatch != nil:
			c.Blend = m.blendDefaults.Merge(*c.blendPatch)
		case c.Blend == (Blend{}):
			c.Blend = m.blendDefaults
		default:
			c.Blend = c.Blend.normalized()
		}
		c.blendPatch = nil
		m.clips = append(m.clips, c)
	}

	m.player = PlayerState{}
	if snap.Player != nil {
		m.player = *snap.Player
	}

	if len(snap.JointNames) > 0 {
		m.jointNames = append([]string(nil), snap.JointNames...)
	}

	if snap.Endpoints != nil {
		if snap.Endpoints.RobotAddress != "" {
			m.endpoints.RobotAddress = snap.Endpoints.RobotAddress
		}
		if snap.Endpoints.QuestAddress != "" {
			m.endpoints.QuestAddress = snap.Endpoints.QuestAddress
		}
	}
}
