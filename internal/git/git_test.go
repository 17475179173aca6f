package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// runGit runs a raw git command for fixture setup.
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	full := append([]string{"-C", dir,
		"-c", "user.name=Test", "-c", "user.email=test@test.com"}, args...)
	out, err := exec.Command("git", full...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// initRepo creates a repository with an initial commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	out, err := exec.Command("git", "init", "-b", "main", dir).CombinedOutput()
	if err != nil {
		t.Fatalf("git init: %v: %s", err, out)
	}
	commitFile(t, dir, "seed.txt", "seed\n", "Initial commit")
	return dir
}

// commitFile creates or overwrites a file and commits it.
func commitFile(t *testing.T, dir, name, content, msg string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", name)
	runGit(t, dir, "commit", "-m", msg)
	return runGit(t, dir, "rev-parse", "HEAD")
}

func TestEnsureRemote(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	client := NewShellClient("")

	// Creates the remote when absent.
	if err := client.EnsureRemote(ctx, dir, "upstream", "/tmp/first.git"); err != nil {
		t.Fatalf("EnsureRemote: %v", err)
	}
	if got := runGit(t, dir, "remote", "get-url", "upstream"); got != "/tmp/first.git" {
		t.Errorf("expected /tmp/first.git, got %q", got)
	}

	// Repoints it when the URL drifted.
	if err := client.EnsureRemote(ctx, dir, "upstream", "/tmp/second.git"); err != nil {
		t.Fatalf("EnsureRemote repoint: %v", err)
	}
	if got := runGit(t, dir, "remote", "get-url", "upstream"); got != "/tmp/second.git" {
		t.Errorf("expected /tmp/second.git, got %q", got)
	}

	// No-op when already correct.
	if err := client.EnsureRemote(ctx, dir, "upstream", "/tmp/second.git"); err != nil {
		t.Fatalf("EnsureRemote no-op: %v", err)
	}
}

func TestRevParseAndAheadCount(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	client := NewShellClient("")

	first, err := client.RevParse(ctx, dir, "HEAD")
	if err != nil {
		t.Fatalf("RevParse: %v", err)
	}

	second := commitFile(t, dir, "a.txt", "a\n", "Second commit")
	third := commitFile(t, dir, "b.txt", "b\n", "Third commit")

	count, err := client.AheadCount(ctx, dir, first, third)
	if err != nil {
		t.Fatalf("AheadCount: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 commits ahead, got %d", count)
	}

	// Nothing ahead in the other direction.
	count, err = client.AheadCount(ctx, dir, second, first)
	if err != nil {
		t.Fatalf("AheadCount reverse: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 commits ahead, got %d", count)
	}
}

func TestRevParse_UnknownRev(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	client := NewShellClient("")

	if _, err := client.RevParse(ctx, dir, "refs/heads/missing"); err == nil {
		t.Fatal("expected error for unknown rev, got nil")
	}
}

func TestMerge_Clean(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	client := NewShellClient("")

	runGit(t, dir, "checkout", "-b", "feature")
	featureTip := commitFile(t, dir, "feature.txt", "feature\n", "Feature commit")
	runGit(t, dir, "checkout", "main")

	conflicted, err := client.Merge(ctx, dir, featureTip)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if conflicted {
		t.Error("expected clean merge")
	}
	if _, err := os.Stat(filepath.Join(dir, "feature.txt")); err != nil {
		t.Errorf("expected merged file present: %v", err)
	}
}

func TestMerge_Conflicted(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	client := NewShellClient("")

	commitFile(t, dir, "shared.txt", "base\n", "Base content")
	runGit(t, dir, "checkout", "-b", "theirs")
	theirsTip := commitFile(t, dir, "shared.txt", "upstream\n", "Their change")
	runGit(t, dir, "checkout", "main")
	commitFile(t, dir, "shared.txt", "local\n", "Our change")

	conflicted, err := client.Merge(ctx, dir, theirsTip)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !conflicted {
		t.Fatal("expected conflicted merge")
	}

	entries, err := client.UnmergedEntries(ctx, dir)
	if err != nil {
		t.Fatalf("UnmergedEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "shared.txt" {
		t.Fatalf("expected shared.txt unmerged, got %+v", entries)
	}
	if entries[0].IsSubmodule() {
		t.Error("content conflict misreported as submodule")
	}

	// Resolve by taking the incoming side.
	if err := client.CheckoutTheirs(ctx, dir, "shared.txt"); err != nil {
		t.Fatalf("CheckoutTheirs: %v", err)
	}
	if err := client.Add(ctx, dir, "shared.txt"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "shared.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "upstream\n" {
		t.Errorf("expected upstream content, got %q", string(got))
	}

	entries, err = client.UnmergedEntries(ctx, dir)
	if err != nil {
		t.Fatalf("UnmergedEntries after resolve: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no unmerged entries, got %+v", entries)
	}

	if err := client.CommitMerge(ctx, dir, "Merge fallback"); err != nil {
		t.Fatalf("CommitMerge: %v", err)
	}
}

func TestMerge_UnrelatedHistories(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	other := initRepo(t)
	client := NewShellClient("")

	otherTip := commitFile(t, other, "other.txt", "other\n", "Unrelated commit")
	runGit(t, dir, "remote", "add", "other", other)
	runGit(t, dir, "fetch", "other", "main")

	conflicted, err := client.Merge(ctx, dir, otherTip)
	if err != nil {
		t.Fatalf("Merge of unrelated history: %v", err)
	}
	// seed.txt exists in both with identical content, so no conflict.
	if conflicted {
		t.Error("expected clean merge of unrelated histories")
	}
}

func TestTreeEntry(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	client := NewShellClient("")

	tip := commitFile(t, dir, "docs/readme.md", "hello\n", "Docs")

	entry, err := client.TreeEntry(ctx, dir, tip, "docs/readme.md")
	if err != nil {
		t.Fatalf("TreeEntry: %v", err)
	}
	if entry == nil {
		t.Fatal("expected tree entry, got nil")
	}
	if entry.Type != "blob" || entry.Path != "docs/readme.md" {
		t.Errorf("unexpected entry: %+v", entry)
	}

	// Missing paths are nil, not an error.
	entry, err = client.TreeEntry(ctx, dir, tip, "no/such/path")
	if err != nil {
		t.Fatalf("TreeEntry missing path: %v", err)
	}
	if entry != nil {
		t.Errorf("expected nil for missing path, got %+v", entry)
	}
}

func TestSetIndexEntry_SubmodulePointer(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	client := NewShellClient("")

	// A gitlink may reference a commit that is not in this repository's
	// object database; that is how submodule pointers work.
	sha := strings.Repeat("a1b2", 10)
	if err := client.SetIndexEntry(ctx, dir, ModeSubmodule, sha, "modules/dep"); err != nil {
		t.Fatalf("SetIndexEntry: %v", err)
	}

	staged, err := client.HasStagedChanges(ctx, dir)
	if err != nil {
		t.Fatalf("HasStagedChanges: %v", err)
	}
	if !staged {
		t.Fatal("expected staged changes after SetIndexEntry")
	}

	if err := client.Commit(ctx, dir, "Pin modules/dep"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	entry, err := client.TreeEntry(ctx, dir, "HEAD", "modules/dep")
	if err != nil {
		t.Fatalf("TreeEntry: %v", err)
	}
	if entry == nil || entry.Mode != ModeSubmodule || entry.Type != "commit" {
		t.Fatalf("expected committed gitlink, got %+v", entry)
	}
	if entry.SHA != sha {
		t.Errorf("expected pinned sha %s, got %s", sha, entry.SHA)
	}
}

func TestHasStagedChanges_CleanTree(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	client := NewShellClient("")

	staged, err := client.HasStagedChanges(ctx, dir)
	if err != nil {
		t.Fatalf("HasStagedChanges: %v", err)
	}
	if staged {
		t.Error("expected clean index")
	}
}

func TestPush(t *testing.T) {
	ctx := context.Background()
	src := initRepo(t)
	client := NewShellClient("")

	bare := filepath.Join(t.TempDir(), "origin.git")
	if out, err := exec.Command("git", "init", "--bare", "-b", "main", bare).CombinedOutput(); err != nil {
		t.Fatalf("git init --bare: %v: %s", err, out)
	}
	runGit(t, src, "remote", "add", "origin", bare)

	tip := commitFile(t, src, "pushed.txt", "pushed\n", "To be pushed")
	if err := client.Push(ctx, src, "origin", "main"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if got := runGit(t, bare, "rev-parse", "refs/heads/main"); got != tip {
		t.Errorf("expected bare tip %s, got %s", tip, got)
	}
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	remote := initRepo(t)
	client := NewShellClient("")

	tip := commitFile(t, remote, "remote.txt", "remote\n", "Remote commit")
	runGit(t, dir, "remote", "add", "upstream", remote)

	if err := client.Fetch(ctx, dir, "upstream", "main"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err := client.RevParse(ctx, dir, "FETCH_HEAD")
	if err != nil {
		t.Fatalf("RevParse FETCH_HEAD: %v", err)
	}
	if got != tip {
		t.Errorf("expected FETCH_HEAD %s, got %s", tip, got)
	}
}

func TestFetch_MissingRemote(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	client := NewShellClient("")

	if err := client.Fetch(ctx, dir, "nosuch", "main"); err == nil {
		t.Fatal("expected error for missing remote, got nil")
	}
}

func TestParseUnmerged(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{name: "empty", input: "", want: 0},
		{
			name: "single path three stages",
			input: "100644 1111111111111111111111111111111111111111 1\tshared.txt\x00" +
				"100644 2222222222222222222222222222222222222222 2\tshared.txt\x00" +
				"100644 3333333333333333333333333333333333333333 3\tshared.txt\x00",
			want: 1,
		},
		{
			name: "two paths",
			input: "100644 1111111111111111111111111111111111111111 2\ta.txt\x00" +
				"160000 2222222222222222222222222222222222222222 3\tdep\x00",
			want: 2,
		},
		{name: "malformed record", input: "garbage\x00", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := parseUnmerged(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseUnmerged: %v", err)
			}
			if len(entries) != tt.want {
				t.Fatalf("expected %d entries, got %d", tt.want, len(entries))
			}
		})
	}
}

func TestParseUnmerged_SubmoduleDetection(t *testing.T) {
	input := "160000 1111111111111111111111111111111111111111 2\tdep\x00" +
		"160000 2222222222222222222222222222222222222222 3\tdep\x00"
	entries, err := parseUnmerged(input)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !entries[0].IsSubmodule() {
		t.Fatalf("expected single submodule entry, got %+v", entries)
	}
	if entries[0].Stages[3].SHA != strings.Repeat("2", 40) {
		t.Errorf("unexpected stage 3 sha: %+v", entries[0].Stages)
	}
}

func TestInsertGitFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		flags []string
		want  []string
	}{
		{
			name:  "insert before subcommand",
			args:  []string{"git", "-C", "/dir", "merge", "--no-edit", "abc"},
			flags: []string{"-c", "key=value"},
			want:  []string{"git", "-c", "key=value", "-C", "/dir", "merge", "--no-edit", "abc"},
		},
		{
			name:  "empty args",
			args:  []string{},
			flags: []string{"-c", "key=value"},
			want:  []string{"-c", "key=value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := insertGitFlags(tt.args, tt.flags...)
			if len(got) != len(tt.want) {
				t.Fatalf("insertGitFlags() = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("insertGitFlags()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
