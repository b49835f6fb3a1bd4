// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package remote

import (
	"context"
	"errors"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// Session is an authenticated command and file-transfer session on the
// remote host.
type Session interface {
	// Run executes cmd in the remote shell and returns its trimmed stdout and
	// exit status. A non-zero exit status is not an error.
	Run(ctx context.Context, cmd string) (stdout string, exit int, err error)
	// Fs is the remote filesystem.
	Fs() afero.Fs
	// Home returns the login user's home directory.
	Home(ctx context.Context) (string, error)
	Close() error
}

// Dialer opens sessions. Implementations apply their own dial timeout.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// ResolvePath resolves a configured remote path against the remote home
// directory. "~", "~/x" and relative paths are rooted at home.
func ResolvePath(home, p string) string {
	switch {
	case p == "~":
		return path.Clean(home)
	case strings.HasPrefix(p, "~/"):
		return path.Join(home, p[2:])
	case path.IsAbs(p):
		return path.Clean(p)
	}
	return path.Join(home, p)
}

// EnsureDir creates dir on fs one component at a time. A component that
// appears between our check and our mkdir is not an error.
func EnsureDir(fs afero.Fs, dir string) error {
	dir = path.Clean(dir)
	var parts []string
	for p := dir; p != "/" && p != "." && p != ""; p = path.Dir(p) {
		parts = append(parts, p)
	}
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		if sb, err := fs.Stat(p); err == nil {
			if !sb.IsDir() {
				return &os.PathError{Op: "mkdir", Path: p, Err: errors.New("not a directory")}
			}
			continue
		}
		if err := fs.Mkdir(p, 0o755); err != nil {
			if sb, statErr := fs.Stat(p); statErr == nil && sb.IsDir() {
				continue
			}
			return err
		}
	}
	return nil
}

// Quote wraps s in double quotes for the remote shell.
func Quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")
	return `"` + r.Replace(s) + `"`
}
