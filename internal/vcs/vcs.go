// Package vcs gives pindeploy and pinpush a small, backend-neutral view of a
// git working copy: fetch, compare, fast-forward, commit and push.
//
// Two backends implement Source. The cli backend drives the git binary
// with "git -C <dir>", exactly as an operator would at a shell. The native
// backend uses go-git and needs no git binary on the device.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Revision is a full commit hash. The zero value means "unknown".
type Revision string

// Short returns the seven character abbreviation used in log lines.
func (r Revision) Short() string {
	if len(r) > 7 {
		return string(r[:7])
	}
	return string(r)
}

func (r Revision) String() string {
	return string(r)
}

// IsZero reports whether the revision is unknown.
func (r Revision) IsZero() bool {
	return r == ""
}

// Source is a git working copy together with the remote it tracks.
type Source interface {
	// Fetch updates the remote-tracking ref for branch without touching
	// the working tree.
	Fetch(ctx context.Context, branch string) error
	// RemoteRevision resolves the remote-tracking ref for branch as of the
	// last Fetch.
	RemoteRevision(ctx context.Context, branch string) (Revision, error)
	// CurrentRevision resolves HEAD.
	CurrentRevision(ctx context.Context) (Revision, error)
	// Pull fast-forwards the checked-out branch to the remote-tracking ref.
	// Divergent history is an error, never a merge commit.
	Pull(ctx context.Context, branch string) error
	// HasChanges reports uncommitted or untracked changes.
	HasChanges(ctx context.Context) (bool, error)
	// Commit stages everything and records a commit.
	Commit(ctx context.Context, message string) (Revision, error)
	// Push publishes the local branch to the remote.
	Push(ctx context.Context, branch string) error
}

// Inspector reports how a working copy is set up. Both backends implement
// it; pindeploy doctor uses it.
type Inspector interface {
	CurrentBranch(ctx context.Context) (string, error)
	RemoteURL(ctx context.Context) (string, error)
}

// Options configure either backend.
type Options struct {
	Dir         string
	Remote      string
	SSHKey      string
	AuthorName  string
	AuthorEmail string
}

const (
	BackendCLI    = "cli"
	BackendNative = "native"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown vcs backend")

// Open returns the Source for the named backend.
func Open(backend string, opts Options) (Source, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("vcs: working copy directory is required")
	}
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendCLI:
		return NewCLI(opts), nil
	case BackendNative:
		return NewNative(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// Clone creates a working copy of url at opts.Dir with branch checked out.
// It refuses to clone into a directory that already has content.
func Clone(ctx context.Context, backend, url, branch string, opts Options) error {
	if err := ensureEmptyDir(opts.Dir); err != nil {
		return err
	}
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendCLI:
		return cloneCLI(ctx, url, branch, opts)
	case BackendNative:
		return cloneNative(ctx, url, branch, opts)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

func defaultAuthor(opts Options) (string, string) {
	name, email := opts.AuthorName, opts.AuthorEmail
	if name == "" {
		name = "pinpush"
	}
	if email == "" {
		email = "pinpush@localhost"
	}
	return name, email
}

var (
	_ Source = (*CLI)(nil)
	_ Source = (*Native)(nil)

	_ Inspector = (*CLI)(nil)
	_ Inspector = (*Native)(nil)
)
