// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package remote

import (
	"bytes"
	"net"
	"testing"

	"github.com/spf13/afero"
)

func TestResolvePath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"~", "/home/pipeline"},
		{"~/IncomingPhotos", "/home/pipeline/IncomingPhotos"},
		{"Reports", "/home/pipeline/Reports"},
		{"/srv/photos/", "/srv/photos"},
	}
	for _, tt := range tests {
		if got := ResolvePath("/home/pipeline", tt.in); got != tt.want {
			t.Errorf("ResolvePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/home/pipeline", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := EnsureDir(fs, "/home/pipeline/IncomingPhotos/2025"); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	if ok, _ := afero.DirExists(fs, "/home/pipeline/IncomingPhotos/2025"); !ok {
		t.Error("expected directory to exist")
	}
	// existing directories are fine
	if err := EnsureDir(fs, "/home/pipeline/IncomingPhotos"); err != nil {
		t.Fatalf("ensure existing dir: %v", err)
	}

	if err := afero.WriteFile(fs, "/home/pipeline/file", []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := EnsureDir(fs, "/home/pipeline/file/sub"); err == nil {
		t.Error("expected error when a component is a file")
	}
}

func TestMagicPacket(t *testing.T) {
	mac, _ := net.ParseMAC("00:11:22:33:44:55")
	p := MagicPacket(mac)
	if len(p) != 102 {
		t.Fatalf("expected 102 bytes, got %d", len(p))
	}
	if !bytes.Equal(p[:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}) {
		t.Errorf("bad sync stream % x", p[:6])
	}
	if !bytes.Equal(p[96:], mac) {
		t.Errorf("bad final repetition % x", p[96:])
	}
}

func TestQuote(t *testing.T) {
	if got := Quote(`a "b" $c`); got != `"a \"b\" \$c"` {
		t.Errorf("unexpected quoting %s", got)
	}
}
