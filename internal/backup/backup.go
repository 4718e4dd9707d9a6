// Package backup archives simulation snapshots and restores them.
package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nvandessel/reverie/internal/pathutil"
	"github.com/nvandessel/reverie/internal/store"
)

// ErrExists is returned by Restore in RestoreKeep mode when the target
// simulation is already stored.
var ErrExists = errors.New("simulation already exists")

// Backup archives the stored state of sim at path. When allowedDirs is
// given, path must lie inside one of them.
func Backup(ctx context.Context, s store.Store, sim, path string, allowedDirs ...string) (*Header, error) {
	if len(allowedDirs) > 0 {
		if err := pathutil.ValidatePath(path, allowedDirs); err != nil {
			return nil, err
		}
	}
	snap, err := s.Load(ctx, sim)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", sim, err)
	}
	h, err := Write(path, &Archive{CreatedAt: time.Now().UTC(), Snapshot: snap})
	if err != nil {
		return nil, fmt.Errorf("archiving %s: %w", sim, err)
	}
	return h, nil
}

// RestoreMode controls what Restore does with an existing simulation.
type RestoreMode string

const (
	// RestoreKeep refuses to touch an existing simulation (default).
	RestoreKeep RestoreMode = "keep"
	// RestoreReplace overwrites it.
	RestoreReplace RestoreMode = "replace"
)

// RestoreResult describes a completed restore.
type RestoreResult struct {
	SimCode  string `json:"sim_code"`
	Step     int    `json:"step"`
	Personas int    `json:"personas"`
	Replaced bool   `json:"replaced"`
}

// Restore writes the snapshot in the archive at path to the store under
// target, or under the archived sim code when target is empty.
func Restore(ctx context.Context, s store.Store, path, target string, mode RestoreMode, allowedDirs ...string) (*RestoreResult, error) {
	if len(allowedDirs) > 0 {
		if err := pathutil.ValidatePath(path, allowedDirs); err != nil {
			return nil, err
		}
	}
	h, a, err := Read(path)
	if err != nil {
		return nil, err
	}
	if target == "" {
		target = h.SimCode
	}
	if err := store.ValidateSimCode(target); err != nil {
		return nil, err
	}

	exists, err := s.Exists(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", target, err)
	}
	if exists && mode != RestoreReplace {
		return nil, fmt.Errorf("%s: %w", target, ErrExists)
	}

	snap := a.Snapshot
	snap.Meta.SimCode = target
	if err := s.Save(ctx, target, snap); err != nil {
		return nil, fmt.Errorf("restoring %s: %w", target, err)
	}
	return &RestoreResult{
		SimCode:  target,
		Step:     snap.Meta.Step,
		Personas: len(snap.Personas),
		Replaced: exists,
	}, nil
}

// GeneratePath returns a timestamped archive path for sim in dir.
func GeneratePath(dir, sim string) string {
	ts := time.Now().UTC().Format("20060102-150405")
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", sim, ts, Ext))
}
