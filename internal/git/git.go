package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ModeSubmodule is the index mode git records for a submodule entry.
const ModeSubmodule = "160000"

// IndexStage is one stage of an unmerged index entry.
type IndexStage struct {
	Mode string
	SHA  string
}

// UnmergedEntry is a conflicted path together with its index stages
// (1=base, 2=ours, 3=theirs; not every stage is present for every
// conflict kind).
type UnmergedEntry struct {
	Path   string
	Stages map[int]IndexStage
}

// IsSubmodule reports whether any stage of the entry is a submodule
// pointer rather than file content.
func (e UnmergedEntry) IsSubmodule() bool {
	for _, s := range e.Stages {
		if s.Mode == ModeSubmodule {
			return true
		}
	}
	return false
}

// TreeEntry is a single entry of a committed tree.
type TreeEntry struct {
	Mode string
	Type string
	SHA  string
	Path string
}

// Client provides the git operations the sync engine needs
type Client interface {
	// EnsureRemote creates the named remote if absent, or repoints it
	// when its URL has drifted.
	EnsureRemote(ctx context.Context, dir, name, url string) error
	// Fetch fetches a single branch from the named remote.
	Fetch(ctx context.Context, dir, remote, branch string) error
	// RevParse resolves a revision to a commit SHA.
	RevParse(ctx context.Context, dir, rev string) (string, error)
	// AheadCount counts commits reachable from tip but not from base.
	AheadCount(ctx context.Context, dir, base, tip string) (int, error)
	// Merge merges rev into HEAD non-interactively, allowing unrelated
	// histories. It reports conflicted=true when the merge stopped on
	// unmerged paths rather than failing outright.
	Merge(ctx context.Context, dir, rev string) (conflicted bool, err error)
	// UnmergedEntries lists the paths currently unmerged in the index.
	UnmergedEntries(ctx context.Context, dir string) ([]UnmergedEntry, error)
	// CheckoutTheirs replaces the working-tree content of conflicted
	// paths with the incoming (upstream) side.
	CheckoutTheirs(ctx context.Context, dir string, paths ...string) error
	// Add stages paths.
	Add(ctx context.Context, dir string, paths ...string) error
	// TreeEntry looks up a single path in the tree of rev. Returns nil
	// when the tree has no entry for the path.
	TreeEntry(ctx context.Context, dir, rev, path string) (*TreeEntry, error)
	// SetIndexEntry writes an index entry directly, resolving the path.
	SetIndexEntry(ctx context.Context, dir, mode, sha, path string) error
	// HasStagedChanges reports whether the index differs from HEAD.
	HasStagedChanges(ctx context.Context, dir string) (bool, error)
	// Commit creates a commit with the given message.
	Commit(ctx context.Context, dir, message string) error
	// CommitMerge concludes an in-progress merge using git's generated
	// merge message, falling back to the given message.
	CommitMerge(ctx context.Context, dir, fallbackMessage string) error
	// Push pushes HEAD to the given branch on the named remote.
	Push(ctx context.Context, dir, remote, branch string) error
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	token          string
	committerName  string
	committerEmail string
}

// NewShellClient creates a git client that uses the git command. The
// token, when non-empty, is supplied to network operations via a
// credential helper.
func NewShellClient(token string) *ShellClient {
	return &ShellClient{
		token:          token,
		committerName:  "forksyncd",
		committerEmail: "forksyncd@users.noreply.github.com",
	}
}

// EnsureRemote creates or repoints the named remote
func (c *ShellClient) EnsureRemote(ctx context.Context, dir, name, url string) error {
	current, err := c.output(c.gitCmd(ctx, dir, "remote", "get-url", name))
	if err != nil {
		cmd := c.gitCmd(ctx, dir, "remote", "add", name, url)
		if err := c.runCommand(cmd); err != nil {
			return fmt.Errorf("git remote add %s failed: %w", name, err)
		}
		return nil
	}

	if strings.TrimSpace(current) != url {
		cmd := c.gitCmd(ctx, dir, "remote", "set-url", name, url)
		if err := c.runCommand(cmd); err != nil {
			return fmt.Errorf("git remote set-url %s failed: %w", name, err)
		}
	}
	return nil
}

// Fetch fetches a single branch from the named remote
func (c *ShellClient) Fetch(ctx context.Context, dir, remote, branch string) error {
	cmd := c.gitCmd(ctx, dir, "fetch", remote, branch)
	c.configureAuth(cmd)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git fetch %s %s failed: %w", remote, branch, err)
	}
	return nil
}

// RevParse resolves a revision to a commit SHA
func (c *ShellClient) RevParse(ctx context.Context, dir, rev string) (string, error) {
	out, err := c.output(c.gitCmd(ctx, dir, "rev-parse", "--verify", rev))
	if err != nil {
		return "", fmt.Errorf("git rev-parse %s failed: %w", rev, err)
	}
	return strings.TrimSpace(out), nil
}

// AheadCount counts commits reachable from tip but not from base
func (c *ShellClient) AheadCount(ctx context.Context, dir, base, tip string) (int, error) {
	out, err := c.output(c.gitCmd(ctx, dir, "rev-list", "--count", base+".."+tip))
	if err != nil {
		return 0, fmt.Errorf("git rev-list --count failed: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", out, err)
	}
	return n, nil
}

// Merge merges rev into HEAD. A merge that stops on conflicts is not an
// error: the caller owns resolution.
func (c *ShellClient) Merge(ctx context.Context, dir, rev string) (bool, error) {
	cmd := c.gitCmd(ctx, dir, "merge", "--no-edit", "--allow-unrelated-histories", rev)
	c.configureIdentity(cmd)
	mergeErr := c.runCommand(cmd)
	if mergeErr == nil {
		return false, nil
	}

	entries, err := c.UnmergedEntries(ctx, dir)
	if err != nil {
		return false, fmt.Errorf("git merge failed: %w", mergeErr)
	}
	if len(entries) > 0 {
		return true, nil
	}
	return false, fmt.Errorf("git merge failed: %w", mergeErr)
}

// UnmergedEntries lists currently unmerged index entries
func (c *ShellClient) UnmergedEntries(ctx context.Context, dir string) ([]UnmergedEntry, error) {
	out, err := c.output(c.gitCmd(ctx, dir, "ls-files", "-u", "-z"))
	if err != nil {
		return nil, fmt.Errorf("git ls-files -u failed: %w", err)
	}
	return parseUnmerged(out)
}

// parseUnmerged parses NUL-terminated `ls-files -u -z` records of the
// form "<mode> <sha> <stage>\t<path>", grouping stages by path in the
// order git emits them.
func parseUnmerged(out string) ([]UnmergedEntry, error) {
	var entries []UnmergedEntry
	index := make(map[string]int)

	for _, record := range strings.Split(out, "\x00") {
		if record == "" {
			continue
		}
		meta, path, ok := strings.Cut(record, "\t")
		if !ok {
			return nil, fmt.Errorf("malformed ls-files record %q", record)
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed ls-files record %q", record)
		}
		stage, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("malformed ls-files stage in %q: %w", record, err)
		}

		i, seen := index[path]
		if !seen {
			i = len(entries)
			index[path] = i
			entries = append(entries, UnmergedEntry{
				Path:   path,
				Stages: make(map[int]IndexStage),
			})
		}
		entries[i].Stages[stage] = IndexStage{Mode: fields[0], SHA: fields[1]}
	}

	return entries, nil
}

// CheckoutTheirs replaces working-tree content with the incoming side
func (c *ShellClient) CheckoutTheirs(ctx context.Context, dir string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"checkout", "--theirs", "--"}, paths...)
	if err := c.runCommand(c.gitCmd(ctx, dir, args...)); err != nil {
		return fmt.Errorf("git checkout --theirs failed: %w", err)
	}
	return nil
}

// Add stages paths
func (c *ShellClient) Add(ctx context.Context, dir string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	if err := c.runCommand(c.gitCmd(ctx, dir, args...)); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// TreeEntry looks up a single path in the tree of rev
func (c *ShellClient) TreeEntry(ctx context.Context, dir, rev, path string) (*TreeEntry, error) {
	out, err := c.output(c.gitCmd(ctx, dir, "ls-tree", rev, "--", path))
	if err != nil {
		return nil, fmt.Errorf("git ls-tree %s failed: %w", rev, err)
	}

	line := strings.TrimSuffix(out, "\n")
	if line == "" {
		return nil, nil
	}
	// "<mode> <type> <sha>\t<path>"
	meta, entryPath, ok := strings.Cut(line, "\t")
	if !ok {
		return nil, fmt.Errorf("malformed ls-tree output %q", line)
	}
	fields := strings.Fields(meta)
	if len(fields) != 3 {
		return nil, fmt.Errorf("malformed ls-tree output %q", line)
	}

	return &TreeEntry{Mode: fields[0], Type: fields[1], SHA: fields[2], Path: entryPath}, nil
}

// SetIndexEntry writes an index entry directly, marking the path resolved
func (c *ShellClient) SetIndexEntry(ctx context.Context, dir, mode, sha, path string) error {
	spec := fmt.Sprintf("%s,%s,%s", mode, sha, path)
	cmd := c.gitCmd(ctx, dir, "update-index", "--add", "--cacheinfo", spec)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git update-index --cacheinfo failed for %s: %w", path, err)
	}
	return nil
}

// HasStagedChanges reports whether the index differs from HEAD
func (c *ShellClient) HasStagedChanges(ctx context.Context, dir string) (bool, error) {
	cmd := c.gitCmd(ctx, dir, "diff", "--cached", "--quiet")
	err := cmd.Run()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("git diff --cached failed: %w", err)
}

// Commit creates a commit with the given message
func (c *ShellClient) Commit(ctx context.Context, dir, message string) error {
	cmd := c.gitCmd(ctx, dir, "commit", "-m", message)
	c.configureIdentity(cmd)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}
	return nil
}

// CommitMerge concludes an in-progress merge. Git's auto-generated merge
// message is preferred; the fallback message covers repositories where
// MERGE_MSG is gone by the time the resolved index is committed.
func (c *ShellClient) CommitMerge(ctx context.Context, dir, fallbackMessage string) error {
	cmd := c.gitCmd(ctx, dir, "commit", "--no-edit")
	c.configureIdentity(cmd)
	if err := c.runCommand(cmd); err == nil {
		return nil
	}

	cmd = c.gitCmd(ctx, dir, "commit", "-m", fallbackMessage)
	c.configureIdentity(cmd)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}
	return nil
}

// Push pushes HEAD to the given branch on the named remote
func (c *ShellClient) Push(ctx context.Context, dir, remote, branch string) error {
	cmd := c.gitCmd(ctx, dir, "push", remote, "HEAD:"+branch)
	c.configureAuth(cmd)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git push %s failed: %w", remote, err)
	}
	return nil
}

// gitCmd builds a git command rooted at dir
func (c *ShellClient) gitCmd(ctx context.Context, dir string, args ...string) *exec.Cmd {
	full := append([]string{"-C", dir}, args...)
	return exec.CommandContext(ctx, "git", full...)
}

// configureAuth sets up token authentication for network operations.
// The token is passed via environment variable and read back by a git
// credential helper, so it never appears in the process argument list.
func (c *ShellClient) configureAuth(cmd *exec.Cmd) {
	if c.token == "" {
		return
	}
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, "FORKSYNCD_GIT_TOKEN="+c.token)
	cmd.Args = insertGitFlags(cmd.Args,
		"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$FORKSYNCD_GIT_TOKEN"; }; f`,
	)
}

// configureIdentity pins the committer identity so commits work in
// checkouts without a configured user (CI runners, test fixtures).
func (c *ShellClient) configureIdentity(cmd *exec.Cmd) {
	cmd.Args = insertGitFlags(cmd.Args,
		"-c", "user.name="+c.committerName,
		"-c", "user.email="+c.committerEmail,
	)
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "merge", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}

// output executes a command and returns stdout, with stderr folded into
// the error on failure
func (c *ShellClient) output(cmd *exec.Cmd) (string, error) {
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, stderr.String())
	}
	return string(out), nil
}
