// Package sync implements the two operations forksyncd performs against
// the working checkout: the cheap change detection pass and the full
// merge with automatic conflict resolution. Both run strictly
// sequentially and assume exclusive access to the checkout for the
// duration of a run; the run itself is the unit of retry.
package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loopsync/forksyncd/internal/config"
	"github.com/loopsync/forksyncd/internal/git"
	"github.com/loopsync/forksyncd/internal/rules"
)

// Engine orchestrates detection and synchronization
type Engine struct {
	cfg    *config.Config
	git    git.Client
	rules  rules.Table
	logger *slog.Logger
	dryRun bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, gitClient git.Client, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:    cfg,
		git:    gitClient,
		rules:  rules.Default,
		logger: logger,
		dryRun: dryRun,
	}
}

// Detect compares the local branch tip with the upstream branch tip and
// reports whether new upstream commits exist. It performs no writes.
func (e *Engine) Detect(ctx context.Context) (*Result, error) {
	head, upstream, hasNew, err := e.fetchAndCompare(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{HasNewCommits: hasNew, UpstreamSHA: upstream}
	e.logger.Info("change detection complete",
		"head", head,
		"upstream", upstream,
		"has_new_commits", hasNew)
	return res, nil
}

// Sync merges the upstream branch tip into HEAD, auto-resolving the
// known conflict classes, and pushes the result to the target branch.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	head, upstream, hasNew, err := e.fetchAndCompare(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{UpstreamSHA: upstream}
	if !hasNew {
		e.logger.Info("already up to date", "head", head)
		return res, nil
	}
	res.HasNewCommits = true

	dir := e.cfg.Paths.RepoDir
	e.logger.Info("merging upstream", "sha", upstream)
	conflicted, err := e.git.Merge(ctx, dir, upstream)
	if err != nil {
		return nil, fmt.Errorf("merge failed: %w", err)
	}

	if conflicted {
		resolved, err := e.resolveConflicts(ctx, upstream)
		if err != nil {
			return nil, err
		}
		res.Resolved = true
		res.ResolvedPaths = resolved

		message := fmt.Sprintf("Merge upstream %s at %s", e.cfg.Upstream.Repo, shortSHA(upstream))
		if err := e.git.CommitMerge(ctx, dir, message); err != nil {
			return nil, fmt.Errorf("failed to commit resolved merge: %w", err)
		}
		e.logger.Info("merge committed", "resolved_paths", len(resolved))
	} else {
		e.logger.Info("merge completed cleanly")
	}

	if e.dryRun {
		e.logger.Info("dry-run: skipping push",
			"remote", e.cfg.Target.Remote,
			"branch", e.cfg.Target.Branch)
		return res, nil
	}

	if err := e.git.Push(ctx, dir, e.cfg.Target.Remote, e.cfg.Target.Branch); err != nil {
		return nil, fmt.Errorf("push failed: %w", err)
	}
	res.Pushed = true
	e.logger.Info("pushed to target",
		"remote", e.cfg.Target.Remote,
		"branch", e.cfg.Target.Branch)

	return res, nil
}

// fetchAndCompare ensures the upstream remote, fetches its branch and
// compares the tips. hasNew is false when the tips are identical or when
// history diverged with no forward commits.
func (e *Engine) fetchAndCompare(ctx context.Context) (head, upstream string, hasNew bool, err error) {
	dir := e.cfg.Paths.RepoDir

	if err := e.git.EnsureRemote(ctx, dir, e.cfg.Upstream.Remote, e.cfg.UpstreamURL()); err != nil {
		return "", "", false, err
	}

	e.logger.Info("fetching upstream",
		"repo", e.cfg.Upstream.Repo,
		"branch", e.cfg.Upstream.Branch)
	if err := e.git.Fetch(ctx, dir, e.cfg.Upstream.Remote, e.cfg.Upstream.Branch); err != nil {
		return "", "", false, err
	}

	upstream, err = e.git.RevParse(ctx, dir, "FETCH_HEAD")
	if err != nil {
		return "", "", false, err
	}
	head, err = e.git.RevParse(ctx, dir, "HEAD")
	if err != nil {
		return "", "", false, err
	}

	if head == upstream {
		return head, upstream, false, nil
	}

	count, err := e.git.AheadCount(ctx, dir, "HEAD", upstream)
	if err != nil {
		return "", "", false, err
	}
	return head, upstream, count > 0, nil
}

// resolveConflicts runs the two resolution passes over the unmerged
// paths and returns the paths it resolved. Any path still unmerged after
// both passes aborts the run; nothing is committed.
func (e *Engine) resolveConflicts(ctx context.Context, upstream string) ([]string, error) {
	dir := e.cfg.Paths.RepoDir

	entries, err := e.git.UnmergedEntries(ctx, dir)
	if err != nil {
		return nil, err
	}
	e.logger.Info("merge reported conflicts", "count", len(entries))

	var resolved []string
	for _, entry := range entries {
		action := e.rules.Resolve(entry.Path, entry.IsSubmodule())
		e.logger.Info("resolving conflict", "path", entry.Path, "action", action.String())

		switch action {
		case rules.TakeUpstreamSubmodule:
			if err := e.resolveSubmodule(ctx, upstream, entry.Path); err != nil {
				return nil, err
			}
			resolved = append(resolved, entry.Path)

		case rules.TakeUpstream:
			// Failures here are tolerated: a submodule entry whose path
			// matches a content rule cannot be checked out as content,
			// and the second pass picks it up. The residual scan below
			// is what decides success.
			if err := e.takeUpstreamContent(ctx, entry.Path); err != nil {
				e.logger.Warn("content resolution failed, deferring to second pass",
					"path", entry.Path, "error", err)
				continue
			}
			resolved = append(resolved, entry.Path)
		}
	}

	// Defensive second pass: retry submodule resolution for anything the
	// first pass left unmerged.
	remaining, err := e.git.UnmergedEntries(ctx, dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range remaining {
		if !entry.IsSubmodule() {
			continue
		}
		e.logger.Info("second pass: resolving submodule", "path", entry.Path)
		if err := e.resolveSubmodule(ctx, upstream, entry.Path); err != nil {
			return nil, err
		}
		resolved = append(resolved, entry.Path)
	}

	remaining, err = e.git.UnmergedEntries(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(remaining) > 0 {
		paths := make([]string, 0, len(remaining))
		for _, entry := range remaining {
			paths = append(paths, entry.Path)
		}
		return nil, &UnresolvedError{Paths: paths}
	}

	return resolved, nil
}

// takeUpstreamContent stages the upstream side of a content conflict
func (e *Engine) takeUpstreamContent(ctx context.Context, path string) error {
	dir := e.cfg.Paths.RepoDir
	if err := e.git.CheckoutTheirs(ctx, dir, path); err != nil {
		return err
	}
	return e.git.Add(ctx, dir, path)
}

// resolveSubmodule writes the commit recorded for path in the upstream
// tree directly into the index. A path with no upstream tree entry is
// unresolvable and fails the run.
func (e *Engine) resolveSubmodule(ctx context.Context, upstream, path string) error {
	dir := e.cfg.Paths.RepoDir

	entry, err := e.git.TreeEntry(ctx, dir, upstream, path)
	if err != nil {
		return err
	}
	if entry == nil || entry.Mode != git.ModeSubmodule {
		return fmt.Errorf("submodule %s has no entry in upstream tree %s", path, shortSHA(upstream))
	}

	if err := e.git.SetIndexEntry(ctx, dir, git.ModeSubmodule, entry.SHA, path); err != nil {
		return err
	}
	e.logger.Info("submodule pinned to upstream commit", "path", path, "sha", entry.SHA)
	return nil
}

// shortSHA abbreviates a commit SHA for log and commit messages.
func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
