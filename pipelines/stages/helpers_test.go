// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package stages_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mdhender/photoxfer/config"
	"github.com/mdhender/photoxfer/model"
	"github.com/mdhender/photoxfer/pipelines/events"
	"github.com/mdhender/photoxfer/pipelines/remote"
	"github.com/mdhender/photoxfer/pipelines/stages"
	sqlite "github.com/mdhender/photoxfer/stores/sqlite"
	"github.com/mdhender/photoxfer/stores/writer"
	"github.com/spf13/afero"
)

const remoteHome = "/home/pipeline"

// fakeClock advances only when something sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

// fakeHost is the import host: a filesystem, a tiny shell and, when
// autoImport is set, an import automation that answers trigger files.
type fakeHost struct {
	mu         sync.Mutex
	fs         afero.Fs
	awake      bool
	autoImport bool
	packets    int
	dials      int
	commands   []string
	dialErr    error
	onDial     func(n int)
}

func newFakeHost() *fakeHost {
	return &fakeHost{fs: afero.NewMemMapFs(), awake: true}
}

func (h *fakeHost) Dial(ctx context.Context) (remote.Session, error) {
	h.mu.Lock()
	h.dials++
	n, awake, hook, dialErr := h.dials, h.awake, h.onDial, h.dialErr
	h.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if dialErr != nil {
		return nil, dialErr
	}
	if !awake {
		return nil, &remote.UnavailableError{Host: "import-host", Err: errors.New("connection refused")}
	}
	return &fakeSession{host: h}, nil
}

// Send implements remote.WakeSender; the third packet wakes the host.
func (h *fakeHost) Send(mac net.HardwareAddr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packets++
	if h.packets >= remote.WakeRepeats {
		h.awake = true
	}
	return nil
}

func (h *fakeHost) ran(prefix string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, cmd := range h.commands {
		if strings.HasPrefix(cmd, prefix) {
			out = append(out, cmd)
		}
	}
	return out
}

func (h *fakeHost) exists(p string) bool {
	ok, _ := afero.Exists(h.fs, p)
	return ok
}

var quotedArg = regexp.MustCompile(`"([^"]*)"`)

func args(cmd string) []string {
	var out []string
	for _, m := range quotedArg.FindAllStringSubmatch(cmd, -1) {
		out = append(out, m[1])
	}
	return out
}

type fakeSession struct {
	host *fakeHost
}

func (s *fakeSession) Run(ctx context.Context, cmd string) (string, int, error) {
	h := s.host
	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	h.mu.Unlock()

	if cmd == remote.ProbeCommand {
		return remote.ProbeReply, 0, nil
	}
	if strings.HasPrefix(cmd, "test -d ") {
		if sb, err := h.fs.Stat(args(cmd)[0]); err == nil && sb.IsDir() {
			return "OK", 0, nil
		}
		return "", 1, nil
	}
	for _, part := range strings.Split(cmd, " && ") {
		a := args(part)
		switch {
		case strings.HasPrefix(part, "mkdir -p "):
			_ = h.fs.MkdirAll(a[0], 0o755)
		case strings.HasPrefix(part, "rm -rf "):
			_ = h.fs.RemoveAll(a[0])
		case strings.HasPrefix(part, "rm "):
			_ = h.fs.Remove(a[len(a)-1])
		case strings.HasPrefix(part, "touch "):
			if !h.exists(a[0]) {
				_ = afero.WriteFile(h.fs, a[0], nil, 0o644)
			}
			h.maybeImport(a[0])
		case strings.HasPrefix(part, "echo "):
			_ = afero.WriteFile(h.fs, a[1], []byte(a[0]+"\n"), 0o644)
		}
	}
	return "", 0, nil
}

// maybeImport plays the import automation: a .trigger_<id> file in a batch
// directory produces reports/manifest_<id>.json and a processed copy.
func (h *fakeHost) maybeImport(touched string) {
	h.mu.Lock()
	auto := h.autoImport
	h.mu.Unlock()
	name := path.Base(touched)
	if !auto || !strings.HasPrefix(name, ".trigger_") {
		return
	}
	batchID := strings.TrimPrefix(name, ".trigger_")
	data, err := afero.ReadFile(h.fs, path.Join(path.Dir(touched), stages.TransferManifestName))
	if err != nil {
		return
	}
	var tm model.TransferManifest
	if err := json.Unmarshal(data, &tm); err != nil {
		return
	}
	_ = h.fs.MkdirAll(path.Join(remoteHome, "ProcessedPhotos", batchID), 0o755)
	im := model.ImportManifest{BatchID: batchID, Files: tm.Files}
	out, _ := json.Marshal(im)
	reports := path.Join(remoteHome, "ImportReports")
	_ = h.fs.MkdirAll(reports, 0o755)
	_ = afero.WriteFile(h.fs, path.Join(reports, stages.ManifestName(batchID)), out, 0o644)
}

func (s *fakeSession) Fs() afero.Fs { return s.host.fs }

func (s *fakeSession) Home(ctx context.Context) (string, error) { return remoteHome, nil }

func (s *fakeSession) Close() error { return nil }

// testEnv wires a PipelineContext to a real SQLite store, an in-memory
// local filesystem and a fake host.
type testEnv struct {
	t        *testing.T
	ctx      context.Context
	store    *sqlite.SQLiteStore
	writer   *writer.Serializer
	fs       afero.Fs
	host     *fakeHost
	clock    *fakeClock
	cfg      *config.Config
	recorder *events.Recorder
	pc       *stages.PipelineContext

	hookMu sync.Mutex
	hook   func(e events.Event)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	if err := sqlite.InitDatabase(dbPath); err != nil {
		t.Fatalf("init database: %v", err)
	}
	st, err := sqlite.NewSQLiteStoreWithConfig(sqlite.StoreConfig{Path: dbPath, ReadPoolSize: 2})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	w := writer.New(16, nil)
	t.Cleanup(func() {
		w.Close()
		st.Close()
	})

	cfg := config.Default()
	cfg.Remote.Host = "pipeline@import-host"
	cfg.Remote.HardwareAddress = "00:11:22:33:44:55"
	cfg.Paths.StagingDir = "/staging"
	cfg.Transfer.RetryCount = 0
	cfg.Cleanup.RunOrphanCleanupOnStartup = false

	e := &testEnv{
		t:        t,
		ctx:      context.Background(),
		store:    st,
		writer:   w,
		fs:       afero.NewMemMapFs(),
		host:     newFakeHost(),
		clock:    newFakeClock(),
		cfg:      cfg,
		recorder: events.NewRecorder(0, nil),
	}
	e.pc = &stages.PipelineContext{
		Config:    cfg,
		Store:     st,
		Writer:    w,
		Sink:      events.SinkFunc(e.emit),
		Cancel:    stages.NewCancelFlag(),
		Resources: stages.NewResources(),
		Clock:     e.clock,
		Fs:        e.fs,
	}
	gw, err := remote.NewGateway(remote.GatewayConfig{
		Dialer:            e.host,
		Waker:             e.host,
		HardwareAddr:      cfg.Remote.HardwareAddress,
		Host:              "import-host",
		WakeWait:          cfg.Remote.WakeWait(),
		ConnectionTimeout: cfg.Remote.ConnectionTimeout(),
		Clock:             e.pc.CancelClock(),
		Cancelled:         e.pc.Cancel.Cancelled,
		Sink:              e.pc.Sink,
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	e.pc.Gateway = gw
	return e
}

func (e *testEnv) emit(ev events.Event) {
	e.recorder.Emit(ev)
	e.hookMu.Lock()
	hook := e.hook
	e.hookMu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (e *testEnv) onEvent(fn func(ev events.Event)) {
	e.hookMu.Lock()
	e.hook = fn
	e.hookMu.Unlock()
}

// writeSource creates a local source file.
func (e *testEnv) writeSource(p, content string) string {
	e.t.Helper()
	if err := e.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		e.t.Fatalf("mkdir: %v", err)
	}
	if err := afero.WriteFile(e.fs, p, []byte(content), 0o644); err != nil {
		e.t.Fatalf("write source: %v", err)
	}
	return p
}

// newBatch creates a queued batch over paths.
func (e *testEnv) newBatch(id string, paths ...string) string {
	e.t.Helper()
	if err := e.store.CreateBatch(e.ctx, id, paths); err != nil {
		e.t.Fatalf("create batch: %v", err)
	}
	return id
}

func (e *testEnv) batch(id string) *model.Batch {
	e.t.Helper()
	b, err := e.store.GetBatch(e.ctx, id)
	if err != nil {
		e.t.Fatalf("get batch: %v", err)
	}
	return b
}

func (e *testEnv) errorTypes(batchID string) map[string]string {
	e.t.Helper()
	recs, err := e.store.ErrorsForBatch(e.ctx, batchID)
	if err != nil {
		e.t.Fatalf("errors for batch: %v", err)
	}
	out := make(map[string]string)
	for _, r := range recs {
		out[r.Filepath] = r.ErrorType
	}
	return out
}

func (e *testEnv) events(kind events.Kind) []events.Event {
	all, _ := e.recorder.Page(0, events.DefaultCapacity)
	var out []events.Event
	for _, ev := range all {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (e *testEnv) stagingDirs() []os.FileInfo {
	infos, _ := afero.ReadDir(e.fs, e.cfg.Paths.StagingDir)
	return infos
}

func incomingDir(batchID string) string {
	return path.Join(remoteHome, "IncomingPhotos", batchID)
}
