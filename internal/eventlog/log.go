package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskd/internal/bus"
)

var (
	// ErrClosed is returned when appending to an execution whose terminal
	// event has already been written.
	ErrClosed = errors.New("eventlog: execution already terminated")
	// ErrWrite wraps any failure to make a record durable.
	ErrWrite = errors.New("eventlog: write failed")
)

const ackFile = "ack"

type Options struct {
	Dir               string
	SegmentMaxRecords int
	// NoSync skips fsync. Only for tests and benchmarks.
	NoSync bool
	Bus    *bus.Bus
	Logger *slog.Logger
	Now    func() time.Time
}

// Log manages per-execution segment directories under Options.Dir.
type Log struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	execs map[string]*execLog
	// ackMu serializes ack file updates. Terminal executions are not cached,
	// so two handles for the same directory can coexist.
	ackMu sync.Mutex
}

type execLog struct {
	mu          sync.Mutex
	id          string
	dir         string
	lastSeq     uint64
	terminal    bool
	acked       uint64
	active      *os.File
	activeFirst uint64
	activeCount int
}

func Open(opts Options) (*Log, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("eventlog: dir is required")
	}
	if opts.SegmentMaxRecords <= 0 {
		opts.SegmentMaxRecords = 512
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	return &Log{
		opts:   opts,
		logger: logger.With("component", "eventlog"),
		execs:  make(map[string]*execLog),
	}, nil
}

// Close releases open segment handles. Later calls reopen lazily.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for id, el := range l.execs {
		el.mu.Lock()
		if el.active != nil {
			errs = append(errs, el.active.Close())
			el.active = nil
		}
		el.mu.Unlock()
		delete(l.execs, id)
	}
	return errors.Join(errs...)
}

func validExecutionID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

// exec returns the in-memory state for an execution, recovering it from
// disk on first use. Only executions still accepting appends stay cached.
func (l *Log) exec(id string) (*execLog, error) {
	if !validExecutionID(id) {
		return nil, fmt.Errorf("eventlog: invalid execution id %q", id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.execs[id]; ok {
		return el, nil
	}
	el := &execLog{id: id, dir: filepath.Join(l.opts.Dir, id)}
	if err := l.recover(el); err != nil {
		return nil, err
	}
	if !el.terminal {
		l.execs[id] = el
	}
	return el, nil
}

// forget drops a terminated execution from the cache.
func (l *Log) forget(el *execLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.execs[el.id] == el {
		delete(l.execs, el.id)
	}
}

func readAck(dir string) uint64 {
	raw, err := os.ReadFile(filepath.Join(dir, ackFile))
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// recover scans the newest segment, truncates a torn tail, and restores
// lastSeq and the terminal flag. Segments left empty by a crash are removed.
func (l *Log) recover(el *execLog) error {
	el.acked = readAck(el.dir)
	segs, err := listSegments(el.dir)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	for len(segs) > 0 {
		last := segs[len(segs)-1]
		events, valid, torn, err := readSegment(last.path)
		if err != nil {
			return fmt.Errorf("read segment %s: %w", last.path, err)
		}
		if torn {
			l.logger.Warn("truncating torn event log tail", "execution_id", el.id, "segment", filepath.Base(last.path), "valid_bytes", valid)
			if err := os.Truncate(last.path, valid); err != nil {
				return fmt.Errorf("truncate torn tail: %w", err)
			}
		}
		if len(events) == 0 {
			if err := os.Remove(last.path); err != nil {
				return fmt.Errorf("remove empty segment: %w", err)
			}
			segs = segs[:len(segs)-1]
			continue
		}
		tail := events[len(events)-1]
		el.lastSeq = tail.Seq
		el.terminal = tail.Terminal()
		el.activeFirst = last.firstSeq
		el.activeCount = len(events)
		return nil
	}
	return nil
}

// Append assigns the next sequence number, makes the record durable, and
// only then publishes it on the bus.
func (l *Log) Append(ctx context.Context, executionID string, d Draft) (Event, error) {
	if err := ctx.Err(); err != nil {
		// Terminal events are still written after cancellation; everything
		// else respects the caller's context.
		if !IsTerminal(d.Type) {
			return Event{}, err
		}
	}
	el, err := l.exec(executionID)
	if err != nil {
		return Event{}, err
	}

	var payload json.RawMessage
	if d.Payload != nil {
		raw, err := json.Marshal(d.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode payload: %w", err)
		}
		payload = raw
	}
	ev, err := l.appendLocked(el, d.Type, d.SubflowPath, payload)
	if err != nil {
		return Event{}, err
	}
	if ev.Terminal() {
		l.forget(el)
	}
	if l.opts.Bus != nil {
		l.opts.Bus.Publish(bus.TopicExecutionEvent, ev)
	}
	return ev, nil
}

func (l *Log) appendLocked(el *execLog, typ, subflow string, payload json.RawMessage) (Event, error) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.terminal {
		return Event{}, ErrClosed
	}

	ev := Event{
		Seq:         el.lastSeq + 1,
		ExecutionID: el.id,
		Type:        typ,
		Timestamp:   l.opts.Now().UTC(),
		SubflowPath: subflow,
		Payload:     payload,
	}
	if ev.SubflowPath == "" {
		ev.SubflowPath = "root"
	}
	ev.ID = eventID(el.id, ev.Seq)

	if err := l.write(el, ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	el.lastSeq = ev.Seq
	if ev.Terminal() {
		el.terminal = true
		if el.active != nil {
			_ = el.active.Close()
			el.active = nil
		}
	}
	return ev, nil
}

func (l *Log) write(el *execLog, ev Event) error {
	frame, err := encodeFrame(ev)
	if err != nil {
		return err
	}
	if el.active == nil || el.activeCount >= l.opts.SegmentMaxRecords {
		if err := l.openSegment(el, ev.Seq); err != nil {
			return err
		}
	}
	off, err := el.active.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := el.active.Write(frame); err != nil {
		_ = el.active.Truncate(off)
		return err
	}
	if !l.opts.NoSync {
		if err := el.active.Sync(); err != nil {
			_ = el.active.Truncate(off)
			return err
		}
	}
	el.activeCount++
	return nil
}

// openSegment reopens the current active segment for appends, or rolls to a
// new one starting at seq once the active segment is full.
func (l *Log) openSegment(el *execLog, seq uint64) error {
	if err := os.MkdirAll(el.dir, 0o755); err != nil {
		return err
	}
	first := el.activeFirst
	if first == 0 || el.activeCount >= l.opts.SegmentMaxRecords {
		first = seq
		el.activeCount = 0
	}
	if el.active != nil {
		if err := el.active.Close(); err != nil {
			return err
		}
		el.active = nil
	}
	f, err := os.OpenFile(filepath.Join(el.dir, segmentName(first)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if first == seq && !l.opts.NoSync {
		if err := syncDir(el.dir); err != nil {
			_ = f.Close()
			return err
		}
	}
	el.active = f
	el.activeFirst = first
	return nil
}

// Replay returns every durable event with Seq > afterSeq, in order. An
// execution with no log yields an empty slice.
func (l *Log) Replay(executionID string, afterSeq uint64) ([]Event, error) {
	el, err := l.exec(executionID)
	if err != nil {
		return nil, err
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	return readFrom(el.dir, afterSeq)
}

func readFrom(dir string, afterSeq uint64) ([]Event, error) {
	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	var out []Event
	for i, seg := range segs {
		if i+1 < len(segs) && segs[i+1].firstSeq <= afterSeq+1 {
			continue
		}
		events, _, torn, err := readSegment(seg.path)
		if err != nil {
			return nil, err
		}
		if torn && i+1 < len(segs) {
			return nil, fmt.Errorf("%w: %s", ErrCorrupt, filepath.Base(seg.path))
		}
		for _, ev := range events {
			if ev.Seq > afterSeq {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

// LastSeq returns the highest durable sequence for an execution.
func (l *Log) LastSeq(executionID string) (uint64, bool, error) {
	el, err := l.exec(executionID)
	if err != nil {
		return 0, false, err
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.lastSeq, el.terminal, nil
}

// Ack records that every event up to seq has been consumed downstream.
// Acks never move backwards.
func (l *Log) Ack(executionID string, seq uint64) error {
	el, err := l.exec(executionID)
	if err != nil {
		return err
	}
	l.ackMu.Lock()
	defer l.ackMu.Unlock()
	el.mu.Lock()
	defer el.mu.Unlock()
	if onDisk := readAck(el.dir); onDisk > el.acked {
		el.acked = onDisk
	}
	if seq > el.lastSeq {
		seq = el.lastSeq
	}
	if seq <= el.acked {
		return nil
	}
	if err := os.MkdirAll(el.dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(el.dir, ackFile+".tmp")
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(seq, 10)), 0o644); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(el.dir, ackFile)); err != nil {
		return fmt.Errorf("commit ack: %w", err)
	}
	el.acked = seq
	return nil
}

// Compact deletes whole segments whose every record is at or below the
// acknowledged sequence. The newest segment is always kept so sequence
// numbering survives a restart. Records are never rewritten.
func (l *Log) Compact(executionID string) (int, error) {
	el, err := l.exec(executionID)
	if err != nil {
		return 0, err
	}
	l.ackMu.Lock()
	defer l.ackMu.Unlock()
	el.mu.Lock()
	defer el.mu.Unlock()
	if onDisk := readAck(el.dir); onDisk > el.acked {
		el.acked = onDisk
	}
	segs, err := listSegments(el.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := 0; i+1 < len(segs); i++ {
		lastInSeg := segs[i+1].firstSeq - 1
		if lastInSeg > el.acked {
			break
		}
		if err := os.Remove(segs[i].path); err != nil {
			return removed, fmt.Errorf("remove segment: %w", err)
		}
		removed++
	}
	return removed, nil
}
