package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// KeepAlive writes the current UTC timestamp to the status file and, when
// that actually changes the staged tree, commits and pushes it. The
// commit proves to the hosting side that the scheduled workflow is still
// alive. A failing push is logged and tolerated: liveness is best effort
// and must not fail the surrounding run for a transient reason.
func (e *Engine) KeepAlive(ctx context.Context) error {
	dir := e.cfg.Paths.RepoDir
	statusPath := filepath.Join(dir, e.cfg.Paths.StatusFile)
	now := time.Now().UTC().Format(time.RFC3339)

	if err := os.MkdirAll(filepath.Dir(statusPath), 0755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}
	content := fmt.Sprintf("Last sync check: %s\n", now)
	if err := os.WriteFile(statusPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}

	if err := e.git.Add(ctx, dir, e.cfg.Paths.StatusFile); err != nil {
		return err
	}

	staged, err := e.git.HasStagedChanges(ctx, dir)
	if err != nil {
		return err
	}
	if !staged {
		e.logger.Info("status file unchanged, skipping keep-alive commit")
		return nil
	}

	if err := e.git.Commit(ctx, dir, "Automatic sync check "+now); err != nil {
		return fmt.Errorf("failed to commit keep-alive: %w", err)
	}
	e.logger.Info("keep-alive committed", "timestamp", now)

	if e.dryRun {
		e.logger.Info("dry-run: skipping keep-alive push")
		return nil
	}

	if err := e.git.Push(ctx, dir, e.cfg.Target.Remote, e.cfg.Target.Branch); err != nil {
		e.logger.Warn("keep-alive push failed, continuing", "error", err)
		return nil
	}
	e.logger.Info("keep-alive pushed",
		"remote", e.cfg.Target.Remote,
		"branch", e.cfg.Target.Branch)
	return nil
}
