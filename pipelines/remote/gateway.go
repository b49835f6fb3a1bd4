// Copyright (c) 2025 Michael D Henderson. All rights reserved.

// Package remote manages sessions with the import host: waking it, probing
// it, and opening command and SFTP sessions.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mdhender/photoxfer/pipelines/events"
)

const (
	// ProbeCommand is run on every probe; its output must match ProbeReply.
	ProbeCommand = `echo "Connection test"`
	ProbeReply   = "Connection test"

	// ProbeTimeout bounds a whole probe, dial and command.
	ProbeTimeout = 10 * time.Second

	// WakeRepeats is how many magic packets are sent per wake.
	WakeRepeats = 3
	// WakeSpacing is the delay between magic packets.
	WakeSpacing = time.Second

	// ReconnectInterval is the delay between probes in WaitForConnection.
	ReconnectInterval = 5 * time.Second
)

// wakeCadence is the delay before each successive probe while waiting for
// the host to wake. The last value repeats.
var wakeCadence = []time.Duration{2 * time.Second, 3 * time.Second, 5 * time.Second}

// Clock abstracts time so the wait loops can be tested without sleeping.
type Clock interface {
	Now() time.Time
	// Sleep pauses for d. It returns early with an error when ctx is done or
	// when the run is cancelled.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock uses the system clock.
var RealClock Clock = realClock{}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Dialer            Dialer
	Waker             WakeSender
	HardwareAddr      string
	Host              string // for messages only
	WakeWait          time.Duration
	ConnectionTimeout time.Duration
	Clock             Clock
	Cancelled         func() bool
	Sink              events.Sink
	Logger            hclog.Logger
}

// Gateway wakes and probes the remote host and opens sessions on it.
// It never retries Open; retry policy belongs to the caller.
type Gateway struct {
	dialer      Dialer
	waker       WakeSender
	hwaddr      net.HardwareAddr
	host        string
	wakeWait    time.Duration
	connTimeout time.Duration
	clock       Clock
	cancelled   func() bool
	sink        events.Sink
	logger      hclog.Logger
}

// NewGateway validates cfg and returns a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("gateway: dialer is required")
	}
	hwaddr, err := net.ParseMAC(cfg.HardwareAddr)
	if err != nil {
		return nil, fmt.Errorf("gateway: hardware address: %w", err)
	}
	g := &Gateway{
		dialer:      cfg.Dialer,
		waker:       cfg.Waker,
		hwaddr:      hwaddr,
		host:        cfg.Host,
		wakeWait:    cfg.WakeWait,
		connTimeout: cfg.ConnectionTimeout,
		clock:       cfg.Clock,
		cancelled:   cfg.Cancelled,
		sink:        cfg.Sink,
		logger:      cfg.Logger,
	}
	if g.waker == nil {
		g.waker = UDPWaker{}
	}
	if g.clock == nil {
		g.clock = RealClock
	}
	if g.cancelled == nil {
		g.cancelled = func() bool { return false }
	}
	if g.sink == nil {
		g.sink = events.Discard
	}
	if g.logger == nil {
		g.logger = hclog.NewNullLogger()
	}
	g.logger = g.logger.Named("gateway")
	return g, nil
}

// Probe opens a session and runs ProbeCommand. It returns false on any
// failure except ConnectivityError, which is returned because retrying
// cannot fix it.
func (g *Gateway) Probe(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	sess, err := g.dialer.Dial(ctx)
	if err != nil {
		var connErr *ConnectivityError
		if errors.As(err, &connErr) {
			g.sink.Emit(events.Error(connErr.Error()))
			return false, err
		}
		g.logger.Debug("probe failed", "error", err)
		return false, nil
	}
	defer sess.Close()

	out, code, err := sess.Run(ctx, ProbeCommand)
	if err != nil {
		g.logger.Debug("probe command failed", "error", err)
		return false, nil
	}
	return code == 0 && out == ProbeReply, nil
}

// Wake returns true at once if the host answers a probe. Otherwise it sends
// WakeRepeats magic packets and probes on an increasing cadence until the
// wake-wait budget is spent, probing one last time at the end.
func (g *Gateway) Wake(ctx context.Context) (bool, error) {
	if g.cancelled() {
		return false, ErrCancelled
	}
	g.sink.Emit(events.Status(events.LevelInfo, fmt.Sprintf("Checking if %s is already awake...", g.host)))
	ok, err := g.Probe(ctx)
	if err != nil {
		return false, err
	} else if ok {
		g.sink.Emit(events.Status(events.LevelInfo, fmt.Sprintf("%s is already awake", g.host)))
		return true, nil
	}

	g.sink.Emit(events.Status(events.LevelInfo, fmt.Sprintf("Sending wake signal to %s", g.hwaddr)))
	for i := 0; i < WakeRepeats; i++ {
		if g.cancelled() {
			return false, ErrCancelled
		}
		if err := g.waker.Send(g.hwaddr); err != nil {
			g.logger.Warn("send magic packet", "error", err)
			g.sink.Emit(events.Status(events.LevelWarning, fmt.Sprintf("Failed to send wake signal: %v", err)))
		}
		if i < WakeRepeats-1 {
			if err := g.clock.Sleep(ctx, WakeSpacing); err != nil {
				return false, g.sleepErr(err)
			}
		}
	}

	g.sink.Emit(events.Status(events.LevelInfo, fmt.Sprintf("Waiting up to %s for %s to wake...", g.wakeWait, g.host)))
	start := g.clock.Now()
	deadline := start.Add(g.wakeWait)
	for attempt := 0; ; attempt++ {
		if g.cancelled() {
			return false, ErrCancelled
		}
		remaining := deadline.Sub(g.clock.Now())
		if remaining <= 0 {
			return false, nil
		}
		delay := wakeCadence[min(attempt, len(wakeCadence)-1)]
		if delay > remaining {
			delay = remaining
		}
		if err := g.clock.Sleep(ctx, delay); err != nil {
			return false, g.sleepErr(err)
		}
		ok, err := g.Probe(ctx)
		if err != nil {
			return false, err
		} else if ok {
			elapsed := g.clock.Now().Sub(start).Round(time.Second)
			g.sink.Emit(events.Status(events.LevelInfo, fmt.Sprintf("%s woke up after %s", g.host, elapsed)))
			return true, nil
		}
	}
}

// WaitForConnection probes every ReconnectInterval until the host answers
// or the connection timeout is spent.
func (g *Gateway) WaitForConnection(ctx context.Context) (bool, error) {
	deadline := g.clock.Now().Add(g.connTimeout)
	for {
		if g.cancelled() {
			return false, ErrCancelled
		}
		ok, err := g.Probe(ctx)
		if err != nil {
			return false, err
		} else if ok {
			g.sink.Emit(events.Status(events.LevelInfo, fmt.Sprintf("Successfully connected to %s", g.host)))
			return true, nil
		}
		if !g.clock.Now().Before(deadline) {
			return false, nil
		}
		g.sink.Emit(events.Status(events.LevelDebug, "Connection failed, retrying..."))
		if err := g.clock.Sleep(ctx, ReconnectInterval); err != nil {
			return false, g.sleepErr(err)
		}
	}
}

// Open dials a session bounded by the connection timeout. Errors are typed
// (AuthError, HostKeyError, TimeoutError, ConnectivityError,
// UnavailableError) and never retried here.
func (g *Gateway) Open(ctx context.Context) (Session, error) {
	if g.connTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.connTimeout)
		defer cancel()
	}
	sess, err := g.dialer.Dial(ctx)
	if err != nil {
		return nil, Classify(g.host, err)
	}
	return sess, nil
}

func (g *Gateway) sleepErr(err error) error {
	if g.cancelled() {
		return ErrCancelled
	}
	return err
}
