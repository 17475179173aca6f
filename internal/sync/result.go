package sync

import (
	"fmt"
	"os"
)

// Result is the outcome of a single run. It is created fresh per
// invocation and surfaced to the caller through the output file and the
// process exit code.
type Result struct {
	// HasNewCommits is true when upstream has commits not reachable
	// from HEAD.
	HasNewCommits bool
	// Resolved is true when a conflicted merge was fully auto-resolved.
	Resolved bool
	// Pushed is true when the merge result reached the target remote.
	Pushed bool
	// UpstreamSHA is the fetched upstream branch tip.
	UpstreamSHA string
	// ResolvedPaths lists the conflicted paths that were auto-resolved.
	ResolvedPaths []string
}

// WriteOutput appends the run's key/value outputs to the output-capture
// file (GITHUB_OUTPUT format). An empty path is a silent no-op: local
// invocations have no capture file.
func (r *Result) WriteOutput(path string) error {
	if path == "" {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	if _, err := fmt.Fprintf(f, "has_new_commits=%t\n", r.HasNewCommits); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
