package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RainbowRobotics/teleop-editor/timeline"
)

// currentProject is the row the service keeps its single working project in.
const currentProject = "current"

// projectRepo persists the working project.
type projectRepo interface {
	// Get reports false when nothing has been saved yet.
	Get(ctx context.Context) (timeline.Snapshot, bool, error)
	Put(ctx context.Context, snap timeline.Snapshot) error
}

type memoryRepo struct {
	mu   sync.RWMutex
	snap *timeline.Snapshot
}

func newMemoryRepo() *memoryRepo { return &memoryRepo{} }

func (r *memoryRepo) Get(context.Context) (timeline.Snapshot, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snap == nil {
		return timeline.Snapshot{}, false, nil
	}
	return *r.snap, true, nil
}

func (r *memoryRepo) Put(_ context.Context, snap timeline.Snapshot) error {
	r.mu.Lock()
	r.snap = &snap
	r.mu.Unlock()
	return nil
}

const createProjectsTable = `
CREATE TABLE IF NOT EXISTS projects (
	name       TEXT PRIMARY KEY,
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// pgRepo stores the project as JSONB in Postgres.
type pgRepo struct {
	pool *pgxpool.Pool
}

func newPGRepo(ctx context.Context, pool *pgxpool.Pool) (*pgRepo, error) {
	if _, err := pool.Exec(ctx, createProjectsTable); err != nil {
		return nil, fmt.Errorf("create projects table: %w", err)
	}
	return &pgRepo{pool: pool}, nil
}

func (r *pgRepo) Get(ctx context.Context) (timeline.Snapshot, bool, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT body FROM projects WHERE name = $1`, currentProject).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return timeline.Snapshot{}, false, nil
	}
	if err != nil {
		return timeline.Snapshot{}, false, fmt.Errorf("select project: %w", err)
	}
	var snap timeline.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return timeline.Snapshot{}, false, fmt.Errorf("decode project: %w", err)
	}
	return snap, true, nil
}

func (r *pgRepo) Put(ctx context.Context, snap timeline.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode project: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO projects (name, body, updated_at) VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		currentProject, raw)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}
