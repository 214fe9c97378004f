package vcs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// ErrNotFastForward is returned by Native.Pull when local history has
// diverged from the remote branch.
var ErrNotFastForward = errors.New("not a fast-forward")

// Native is a Source backed by go-git. It needs no git binary.
type Native struct {
	opts Options

	mu   sync.Mutex
	repo *git.Repository
}

// NewNative returns a go-git backend for opts.Dir. The repository is opened
// lazily on first use.
func NewNative(opts Options) *Native {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	return &Native{opts: opts}
}

func (n *Native) open() (*git.Repository, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.repo != nil {
		return n.repo, nil
	}
	repo, err := git.PlainOpen(n.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", n.opts.Dir, err)
	}
	n.repo = repo
	return repo, nil
}

func (n *Native) Fetch(ctx context.Context, branch string) error {
	repo, err := n.open()
	if err != nil {
		return err
	}
	auth, err := n.auth(repo)
	if err != nil {
		return err
	}
	refspec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:%s", branch, n.trackingRef(branch)))
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: n.opts.Remote,
		RefSpecs:   []gitconfig.RefSpec{refspec},
		Auth:       auth,
		Tags:       git.NoTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s %s: %w", n.opts.Remote, branch, err)
	}
	return nil
}

func (n *Native) RemoteRevision(_ context.Context, branch string) (Revision, error) {
	repo, err := n.open()
	if err != nil {
		return "", err
	}
	ref, err := repo.Reference(n.trackingRef(branch), true)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", n.trackingRef(branch), err)
	}
	return Revision(ref.Hash().String()), nil
}

func (n *Native) CurrentRevision(_ context.Context) (Revision, error) {
	repo, err := n.open()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return Revision(head.Hash().String()), nil
}

// Pull fast-forwards HEAD to the fetched remote-tracking ref. It checks
// ancestry first so divergent history is reported, then moves the branch
// with a merge-mode reset to the target commit.
func (n *Native) Pull(ctx context.Context, branch string) error {
	repo, err := n.open()
	if err != nil {
		return err
	}
	target, err := repo.Reference(n.trackingRef(branch), true)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", n.trackingRef(branch), err)
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	if head.Hash() == target.Hash() {
		return nil
	}

	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return err
	}
	targetCommit, err := repo.CommitObject(target.Hash())
	if err != nil {
		return err
	}
	ok, err := headCommit.IsAncestor(targetCommit)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pull %s: %w", branch, ErrNotFastForward)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Reset(&git.ResetOptions{Commit: target.Hash(), Mode: git.MergeReset}); err != nil {
		return fmt.Errorf("fast-forward to %s: %w", Revision(target.Hash().String()).Short(), err)
	}
	return nil
}

func (n *Native) HasChanges(_ context.Context) (bool, error) {
	repo, err := n.open()
	if err != nil {
		return false, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("worktree status: %w", err)
	}
	return !status.IsClean(), nil
}

func (n *Native) Commit(_ context.Context, message string) (Revision, error) {
	repo, err := n.open()
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	name, email := defaultAuthor(n.opts)
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: name, Email: email, When: time.Now()},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return Revision(hash.String()), nil
}

func (n *Native) Push(ctx context.Context, branch string) error {
	repo, err := n.open()
	if err != nil {
		return err
	}
	auth, err := n.auth(repo)
	if err != nil {
		return err
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	refspec := gitconfig.RefSpec(fmt.Sprintf("%s:refs/heads/%s", head.Name(), branch))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: n.opts.Remote,
		RefSpecs:   []gitconfig.RefSpec{refspec},
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s %s: %w", n.opts.Remote, branch, err)
	}
	return nil
}

// CurrentBranch returns the checked-out branch name.
func (n *Native) CurrentBranch(_ context.Context) (string, error) {
	repo, err := n.open()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "HEAD", nil
	}
	return head.Name().Short(), nil
}

// RemoteURL returns the first configured URL of the tracked remote.
func (n *Native) RemoteURL(_ context.Context) (string, error) {
	repo, err := n.open()
	if err != nil {
		return "", err
	}
	remote, err := repo.Remote(n.opts.Remote)
	if err != nil {
		return "", fmt.Errorf("remote %s: %w", n.opts.Remote, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %s has no URL", n.opts.Remote)
	}
	return urls[0], nil
}

func (n *Native) trackingRef(branch string) plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(n.opts.Remote, branch)
}

// auth returns key-based credentials for ssh remotes and nil otherwise.
func (n *Native) auth(repo *git.Repository) (transport.AuthMethod, error) {
	if n.opts.SSHKey == "" {
		return nil, nil
	}
	remote, err := repo.Remote(n.opts.Remote)
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", n.opts.Remote, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return nil, nil
	}
	return sshAuth(urls[0], n.opts.SSHKey)
}

func sshAuth(url, keyFile string) (transport.AuthMethod, error) {
	if keyFile == "" {
		return nil, nil
	}
	endpoint, err := transport.NewEndpoint(url)
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if endpoint.Protocol != "ssh" {
		return nil, nil
	}
	user := endpoint.User
	if user == "" {
		user = "git"
	}
	keys, err := gitssh.NewPublicKeysFromFile(user, keyFile, "")
	if err != nil {
		return nil, fmt.Errorf("load ssh key %s: %w", keyFile, err)
	}
	return keys, nil
}

func cloneNative(ctx context.Context, url, branch string, opts Options) error {
	auth, err := sshAuth(url, opts.SSHKey)
	if err != nil {
		return err
	}
	cloneOpts := &git.CloneOptions{
		URL:          url,
		RemoteName:   opts.Remote,
		Auth:         auth,
		SingleBranch: branch != "",
	}
	if branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	if _, err := git.PlainCloneContext(ctx, opts.Dir, false, cloneOpts); err != nil {
		return fmt.Errorf("clone %s: %w", url, err)
	}
	return nil
}
