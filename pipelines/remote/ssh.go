// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"github.com/spf13/afero/sftpfs"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultDialTimeout bounds the TCP connect and SSH handshake.
const DefaultDialTimeout = 5 * time.Second

// SSHConfig holds what SSHDialer needs to reach the remote host.
type SSHConfig struct {
	User           string
	Addr           string // host:port
	KeyPath        string
	KnownHostsPath string // empty trusts any host key
	Timeout        time.Duration
}

// SSHDialer opens SSH sessions with an SFTP subsystem.
type SSHDialer struct {
	user    string
	addr    string
	timeout time.Duration
	config  *ssh.ClientConfig
	logger  hclog.Logger
}

// NewSSHDialer loads the private key and the host key policy.
func NewSSHDialer(cfg SSHConfig, logger hclog.Logger) (*SSHDialer, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDialTimeout
	}
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", cfg.KeyPath, err)
	}

	d := &SSHDialer{
		user:    cfg.User,
		addr:    cfg.Addr,
		timeout: cfg.Timeout,
		logger:  logger.Named("ssh"),
	}
	hostKeyCallback, err := d.hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, err
	}
	d.config = &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}
	return d, nil
}

// hostKeyCallback verifies against known_hosts and records keys for hosts
// that are not listed yet. A changed key is rejected.
func (d *SSHDialer) hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		d.logger.Warn("no known_hosts file configured, host keys are not verified")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("known_hosts dir: %w", err)
	}
	if f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600); err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	} else {
		f.Close()
	}
	verify, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}

	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) != 0 {
			return err
		}
		// unknown host: trust on first use
		mu.Lock()
		defer mu.Unlock()
		f, ferr := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
		if ferr != nil {
			return ferr
		}
		defer f.Close()
		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if _, ferr := fmt.Fprintln(f, line); ferr != nil {
			return ferr
		}
		d.logger.Info("added host key", "host", hostname, "type", key.Type())
		return nil
	}, nil
}

// Dial connects, authenticates and starts SFTP. Errors are classified.
func (d *SSHDialer) Dial(ctx context.Context) (Session, error) {
	dialer := net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, Classify(d.addr, err)
	}

	// the handshake has no context; bound it with a deadline
	_ = conn.SetDeadline(time.Now().Add(d.timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, d.addr, d.config)
	if err != nil {
		conn.Close()
		err = Classify(d.addr, err)
		var authErr *AuthError
		if errors.As(err, &authErr) {
			authErr.User = d.user
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("start sftp: %w", err)
	}
	return &sshSession{
		client: client,
		sftp:   sftpClient,
		fs:     sftpfs.New(sftpClient),
	}, nil
}

type sshSession struct {
	client *ssh.Client
	sftp   *sftp.Client
	fs     afero.Fs
	once   sync.Once
}

func (s *sshSession) Run(ctx context.Context, cmd string) (string, int, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return "", -1, &TimeoutError{Op: "run " + cmd, Err: ctx.Err()}
	}

	out := strings.TrimSpace(stdout.String())
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return out, exitErr.ExitStatus(), nil
		}
		return out, -1, fmt.Errorf("run %q: %w", cmd, err)
	}
	return out, 0, nil
}

func (s *sshSession) Fs() afero.Fs {
	return s.fs
}

func (s *sshSession) Home(ctx context.Context) (string, error) {
	if out, code, err := s.Run(ctx, "pwd"); err == nil && code == 0 && strings.HasPrefix(out, "/") {
		return out, nil
	}
	return s.sftp.Getwd()
}

func (s *sshSession) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.sftp.Close()
		err = s.client.Close()
	})
	return err
}
