package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	command := exec.Command("git", append([]string{"-C", dir}, args...)...)
	command.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@test.local",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@test.local",
	)
	output, err := command.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output))
}

// upstream is a bare repository plus a seed clone used to publish commits
// to it, standing in for the hosted remote.
type upstream struct {
	bare string
	seed string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	requireGit(t)

	root := t.TempDir()
	up := &upstream{
		bare: filepath.Join(root, "remote.git"),
		seed: filepath.Join(root, "seed"),
	}
	runGit(t, root, "init", "--quiet", "--bare", up.bare)
	runGit(t, up.bare, "symbolic-ref", "HEAD", "refs/heads/main")
	runGit(t, root, "init", "--quiet", up.seed)
	runGit(t, up.seed, "checkout", "--quiet", "-b", "main")
	runGit(t, up.seed, "remote", "add", "origin", up.bare)
	up.commit(t, "README", "initial\n")
	return up
}

// commit writes name in the seed clone, commits and pushes it, returning
// the new revision.
func (u *upstream) commit(t *testing.T, name, content string) Revision {
	t.Helper()
	if err := os.WriteFile(filepath.Join(u.seed, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	runGit(t, u.seed, "add", name)
	runGit(t, u.seed, "commit", "--quiet", "-m", "update "+name)
	runGit(t, u.seed, "push", "--quiet", "origin", "main")
	return Revision(runGit(t, u.seed, "rev-parse", "HEAD"))
}

func (u *upstream) head(t *testing.T) Revision {
	t.Helper()
	return Revision(runGit(t, u.bare, "rev-parse", "refs/heads/main"))
}

func testOptions(dir string) Options {
	return Options{
		Dir:         dir,
		Remote:      "origin",
		AuthorName:  "Test",
		AuthorEmail: "test@test.local",
	}
}

// cloneDevice clones the upstream with the given backend and opens it.
func cloneDevice(t *testing.T, up *upstream, backend string) Source {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "device")
	opts := testOptions(dir)
	if err := Clone(context.Background(), backend, up.bare, "main", opts); err != nil {
		t.Fatalf("Clone(%s): %v", backend, err)
	}
	src, err := Open(backend, opts)
	if err != nil {
		t.Fatalf("Open(%s): %v", backend, err)
	}
	return src
}
