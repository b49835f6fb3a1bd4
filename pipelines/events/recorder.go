// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package events

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// DefaultCapacity is the number of events and output lines a Recorder keeps.
const DefaultCapacity = 1000

// Recorder is a Sink that keeps the most recent events and a parallel list of
// human-readable output lines, mirroring each event into a logger.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	events   []Event
	lines    []string
	logger   hclog.Logger
	now      func() time.Time
}

// NewRecorder returns a Recorder holding up to capacity events.
func NewRecorder(capacity int, logger hclog.Logger) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Recorder{
		capacity: capacity,
		logger:   logger.Named("pipeline"),
		now:      time.Now,
	}
}

// Emit stamps the event with an id and timestamp when missing, stores it,
// and logs it.
func (r *Recorder) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}

	r.mu.Lock()
	r.events = appendBounded(r.events, e, r.capacity)
	r.lines = appendBounded(r.lines, Line(e), r.capacity)
	r.mu.Unlock()

	r.log(e)
}

// Append adds a bare output line without an event.
func (r *Recorder) Append(line string) {
	r.mu.Lock()
	r.lines = appendBounded(r.lines, line, r.capacity)
	r.mu.Unlock()
}

// Reset drops all recorded events and lines.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events, r.lines = nil, nil
	r.mu.Unlock()
}

// Lines returns up to the last n output lines, oldest first.
func (r *Recorder) Lines(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.lines) {
		n = len(r.lines)
	}
	out := make([]string, n)
	copy(out, r.lines[len(r.lines)-n:])
	return out
}

// Page returns events[offset:offset+limit] and the total number held.
func (r *Recorder) Page(offset, limit int) ([]Event, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := len(r.events)
	if offset < 0 {
		offset = 0
	}
	if offset >= total || limit <= 0 {
		return []Event{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]Event, end-offset)
	copy(out, r.events[offset:end])
	return out, total
}

// Latest returns the most recent event of the given kind.
func (r *Recorder) Latest(kind Kind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func (r *Recorder) log(e Event) {
	switch e.Kind {
	case KindError:
		r.logger.Error(e.Message, "batch", e.BatchID)
	case KindStatus:
		switch e.Level {
		case LevelWarning:
			r.logger.Warn(e.Message)
		case LevelDebug:
			r.logger.Debug(e.Message)
		case LevelError:
			r.logger.Error(e.Message)
		default:
			r.logger.Info(e.Message)
		}
	case KindComplete, KindCancelled:
		r.logger.Info(strings.ToUpper(string(e.Kind)), "batch", e.BatchID, "message", e.Message)
	default:
		r.logger.Trace(string(e.Kind), "file", e.File, "percent", e.Percent)
	}
}

// Line renders an event as a single human-readable output line.
func Line(e Event) string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("%s: %s", strings.ToUpper(string(e.Level)), e.Message)
	case KindTransferProgress:
		return fmt.Sprintf("  %s: %d%% (%s/%s bytes)", e.File, e.Percent, humanize.Comma(e.BytesTransferred), humanize.Comma(e.TotalBytes))
	case KindStagingProgress:
		return fmt.Sprintf("  staged %s (%d/%d)", e.File, e.Current, e.Total)
	case KindError:
		return "ERROR: " + e.Message
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func appendBounded[T any](s []T, v T, capacity int) []T {
	s = append(s, v)
	if len(s) > capacity {
		// copy down so the backing array does not grow without bound
		n := copy(s, s[len(s)-capacity:])
		s = s[:n]
	}
	return s
}
