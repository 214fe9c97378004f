// Package remote asks a device to run an update cycle right away by running
// "pindeploy trigger" on it over SSH. The channel is best effort: a device
// that cannot be reached picks the change up on its next scheduled check.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/wearable-pin/pindeploy/internal/backoff"
)

// ErrNotConfigured is returned when the device host or SSH key is unset.
var ErrNotConfigured = errors.New("remote trigger not configured")

// Config describes how to reach the device.
type Config struct {
	Host       string
	Port       int
	User       string
	KeyFile    string
	KnownHosts string
	Command    string
	Timeout    time.Duration
}

// Trigger runs the trigger command on the device.
type Trigger struct {
	cfg Config
}

// New returns a Trigger for cfg, filling in defaults.
func New(cfg Config) *Trigger {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.User == "" {
		cfg.User = "pi"
	}
	if cfg.Command == "" {
		cfg.Command = "pindeploy trigger"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Trigger{cfg: cfg}
}

// Address returns host:port of the device.
func (t *Trigger) Address() string {
	return net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
}

// Configured reports ErrNotConfigured when the device cannot be addressed.
func (t *Trigger) Configured() error {
	var missing []string
	if strings.TrimSpace(t.cfg.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(t.cfg.KeyFile) == "" {
		missing = append(missing, "key_file")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrNotConfigured, strings.Join(missing, ", "))
	}
	return nil
}

// Run connects once and runs the trigger command, returning its combined
// output. Errors that retrying cannot fix are marked backoff.Permanent.
func (t *Trigger) Run(ctx context.Context) (string, error) {
	if err := t.Configured(); err != nil {
		return "", backoff.Permanent(err)
	}
	clientConfig, err := t.clientConfig()
	if err != nil {
		return "", backoff.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	client, err := dial(ctx, t.Address(), clientConfig)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	done := make(chan error, 1)
	go func() {
		done <- session.Run(t.cfg.Command)
	}()

	select {
	case <-ctx.Done():
		_ = client.Close()
		return "", fmt.Errorf("run %q on %s: %w", t.cfg.Command, t.Address(), ctx.Err())
	case err := <-done:
		out := strings.TrimSpace(output.String())
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return out, fmt.Errorf("%q on %s exited with status %d: %s", t.cfg.Command, t.Address(), exitErr.ExitStatus(), out)
			}
			return out, fmt.Errorf("run %q on %s: %w", t.cfg.Command, t.Address(), err)
		}
		return out, nil
	}
}

func (t *Trigger) clientConfig() (*ssh.ClientConfig, error) {
	signer, err := loadSigner(t.cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	hostKeys, err := hostKeyCallback(t.cfg.KnownHosts)
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         t.cfg.Timeout,
	}, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("ssh key %s is passphrase protected; use an unencrypted deploy key", path)
		}
		return nil, fmt.Errorf("parse ssh key %s: %w", path, err)
	}
	return signer, nil
}

// hostKeyCallback checks host keys against known_hosts. Unknown hosts are
// rejected; there is no trust-on-first-use.
func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	callback, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return callback, nil
}

func dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctxErr)
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			if len(keyErr.Want) == 0 {
				return nil, backoff.Permanent(fmt.Errorf("host %s is not in known_hosts: %w", addr, err))
			}
			return nil, backoff.Permanent(fmt.Errorf("host key for %s does not match known_hosts: %w", addr, err))
		}
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, backoff.Permanent(fmt.Errorf("ssh authentication to %s failed: %w", addr, err))
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
