package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CLI is a Source backed by the git binary. Every command targets the
// working copy with "git -C <dir>".
type CLI struct {
	opts Options
}

// NewCLI returns a CLI backend for opts.Dir.
func NewCLI(opts Options) *CLI {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	return &CLI{opts: opts}
}

// Dir returns the working copy directory.
func (c *CLI) Dir() string {
	return c.opts.Dir
}

// Run executes a git command against the working copy and returns stdout.
// Stderr is included in the error on failure.
func (c *CLI) Run(ctx context.Context, args ...string) (string, error) {
	command := c.Command(ctx, args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), c.opts.Dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Command returns an *exec.Cmd for a git command without running it.
func (c *CLI) Command(ctx context.Context, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-C", c.opts.Dir}, args...)
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Env = gitEnv(c.opts)
	return command
}

func (c *CLI) Fetch(ctx context.Context, branch string) error {
	refspec := fmt.Sprintf("+refs/heads/%s:%s", branch, c.trackingRef(branch))
	_, err := c.Run(ctx, "fetch", "--quiet", "--no-tags", c.opts.Remote, refspec)
	return err
}

func (c *CLI) RemoteRevision(ctx context.Context, branch string) (Revision, error) {
	return c.revParse(ctx, c.trackingRef(branch))
}

func (c *CLI) CurrentRevision(ctx context.Context) (Revision, error) {
	return c.revParse(ctx, "HEAD")
}

// Pull fast-forwards to the fetched remote-tracking ref. The fetch has
// already happened, so this is a local "merge --ff-only".
func (c *CLI) Pull(ctx context.Context, branch string) error {
	_, err := c.Run(ctx, "merge", "--ff-only", "--quiet", c.trackingRef(branch))
	return err
}

func (c *CLI) HasChanges(ctx context.Context) (bool, error) {
	out, err := c.Run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (c *CLI) Commit(ctx context.Context, message string) (Revision, error) {
	if _, err := c.Run(ctx, "add", "--all"); err != nil {
		return "", err
	}
	if _, err := c.Run(ctx, "commit", "--quiet", "--message", message); err != nil {
		return "", err
	}
	return c.CurrentRevision(ctx)
}

func (c *CLI) Push(ctx context.Context, branch string) error {
	refspec := fmt.Sprintf("HEAD:refs/heads/%s", branch)
	_, err := c.Run(ctx, "push", "--quiet", c.opts.Remote, refspec)
	return err
}

// CurrentBranch returns the checked-out branch name.
func (c *CLI) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RemoteURL returns the configured URL of the tracked remote.
func (c *CLI) RemoteURL(ctx context.Context) (string, error) {
	out, err := c.Run(ctx, "remote", "get-url", c.opts.Remote)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *CLI) trackingRef(branch string) string {
	return fmt.Sprintf("refs/remotes/%s/%s", c.opts.Remote, branch)
}

func (c *CLI) revParse(ctx context.Context, ref string) (Revision, error) {
	out, err := c.Run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return Revision(strings.TrimSpace(out)), nil
}

func cloneCLI(ctx context.Context, url, branch string, opts Options) error {
	args := []string{"clone", "--quiet", "--origin", opts.Remote}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, opts.Dir)

	var stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", args...)
	command.Env = gitEnv(opts)
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("git clone %s: %w (stderr: %s)", url, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// gitEnv disables credential prompts; nobody is attached to answer them.
func gitEnv(opts Options) []string {
	env := append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if opts.SSHKey != "" {
		env = append(env, fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o IdentitiesOnly=yes -o BatchMode=yes", opts.SSHKey))
	}
	if opts.AuthorName != "" {
		env = append(env, "GIT_AUTHOR_NAME="+opts.AuthorName, "GIT_COMMITTER_NAME="+opts.AuthorName)
	}
	if opts.AuthorEmail != "" {
		env = append(env, "GIT_AUTHOR_EMAIL="+opts.AuthorEmail, "GIT_COMMITTER_EMAIL="+opts.AuthorEmail)
	}
	return env
}
