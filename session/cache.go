package session

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// RobotModel describes the arm the session drives.
type RobotModel struct {
	Address    string
	Connected  bool
	JointNames []string
}

// ModelCache holds the robot model and its display flags for one session.
type ModelCache struct {
	mu              sync.Mutex
	model           RobotModel
	loaded          bool
	showCoordinates bool

	group singleflight.Group
}

// Model returns the cached model and whether one has been loaded.
func (c *ModelCache) Model() (RobotModel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model, c.loaded
}

// SetModel stores m and marks the cache loaded.
func (c *ModelCache) SetModel(m RobotModel) {
	c.mu.Lock()
	c.model = m
	c.loaded = true
	c.mu.Unlock()
}

// Loaded reports whether a model is cached.
func (c *ModelCache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// Reset drops the cached model. The coordinate flag is kept.
func (c *ModelCache) Reset() {
	c.mu.Lock()
	c.model = RobotModel{}
	c.loaded = false
	c.mu.Unlock()
}

func (c *ModelCache) ShowCoordinates() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.showCoordinates
}

func (c *ModelCache) SetShowCoordinates(v bool) {
	c.mu.Lock()
	c.showCoordinates = v
	c.mu.Unlock()
}

// Load returns the cached model, calling loader at most once across
// concurrent callers when nothing is cached. Failed loads are not cached.
func (c *ModelCache) Load(ctx context.Context, loader func(context.Context) (RobotModel, error)) (RobotModel, error) {
	if m, ok := c.Model(); ok {
		return m, nil
	}
	v, err, _ := c.group.Do("model", func() (any, error) {
		if m, ok := c.Model(); ok {
			return m, nil
		}
		m, err := loader(ctx)
		if err != nil {
			return RobotModel{}, err
		}
		c.SetModel(m)
		return m, nil
	})
	return v.(RobotModel), err
}
