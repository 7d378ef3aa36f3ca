// manager.go: Active file ownership, the write critical section and rollover
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// RolloverReason tells why a rollover happened.
type RolloverReason string

const (
	ReasonSize    RolloverReason = "size"
	ReasonTime    RolloverReason = "time"
	ReasonCron    RolloverReason = "cron"
	ReasonStartup RolloverReason = "startup"
	ReasonManual  RolloverReason = "manual"
	ReasonPolicy  RolloverReason = "policy" // custom TriggeringPolicy
)

// RolloverEvent describes one completed rollover.
type RolloverEvent struct {
	Reason  RolloverReason
	Time    time.Time
	Index   int    // archive index, 0 when the pattern has none
	Archive string // final archive name
}

// trigger evaluates p and reports which leaf policy fired.
func trigger(p TriggeringPolicy, state FileState, rec Record) (RolloverReason, bool) {
	if c, ok := p.(*CompositePolicy); ok {
		for _, child := range c.Policies {
			if reason, ok := trigger(child, state, rec); ok {
				return reason, true
			}
		}
		return "", false
	}
	if !p.ShouldRollover(state, rec) {
		return "", false
	}
	switch p.(type) {
	case *SizePolicy:
		return ReasonSize, true
	case *TimePolicy:
		return ReasonTime, true
	case *CronPolicy:
		return ReasonCron, true
	default:
		return ReasonPolicy, true
	}
}

type managerOptions struct {
	truncate       bool
	bufferSize     int
	immediateFlush bool
	flushInterval  time.Duration
	createOnDemand bool
	locking        bool

	clock      Clock
	report     func(op string, err error)
	onRollover func(RolloverEvent)
	status     *slog.Logger
	metrics    *metrics
}

// fileManager owns the active file. Every field below lock is only touched
// while holding lock, a weight-1 semaphore so Stop can wait on it with a
// deadline. bg serializes background archive work with the next rollover.
type fileManager struct {
	set *settings
	opt managerOptions

	lock *semaphore.Weighted
	bg   *semaphore.Weighted

	file     *os.File
	w        *bufio.Writer // nil when unbuffered
	name     string
	size     int64
	openTime time.Time
	existed  bool // file had content before it was opened
	closed   bool

	// Mirrors for Stats, readable without the lock.
	activeName atomic.Pointer[string]
	curSize    atomic.Int64
	records    atomic.Uint64
	bytes      atomic.Uint64
	rollovers  atomic.Uint64
	lastRoll   atomic.Int64

	flushStop chan struct{}
	flushDone chan struct{}
	stopOnce  sync.Once
	done      chan struct{} // closed once the file is closed and archive work drained
}

func newFileManager(set *settings, opt managerOptions) *fileManager {
	m := &fileManager{
		set:  set,
		opt:  opt,
		lock: semaphore.NewWeighted(1),
		bg:   semaphore.NewWeighted(1),
		done: make(chan struct{}),
	}
	empty := ""
	m.activeName.Store(&empty)
	return m
}

func (m *fileManager) now() time.Time { return m.opt.clock.Now() }

// initialize opens the active file unless it is already open. Safe to call
// repeatedly. Caller holds lock.
func (m *fileManager) initialize() error {
	if m.file != nil {
		return nil
	}
	if m.closed {
		return ErrStopped
	}
	name, err := m.set.strategy.ActiveName(m.now())
	if err != nil {
		return err
	}
	return m.open(name, m.opt.truncate)
}

// open creates or opens name and makes it the active file. Caller holds lock.
func (m *fileManager) open(name string, truncate bool) error {
	if dir := filepath.Dir(name); dir != "." {
		if err := RetryFileOperation(func() error {
			return os.MkdirAll(dir, 0750)
		}, m.set.retryCount, m.set.retryDelay); err != nil {
			return fmt.Errorf("%w: create directory %q: %w", ErrIO, dir, err)
		}
	}

	info, statErr := os.Stat(name)
	created := errors.Is(statErr, fs.ErrNotExist)

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	var f *os.File
	err := RetryFileOperation(func() error {
		var err error
		f, err = os.OpenFile(name, flags, m.set.mode) // #nosec G304 -- rendered from the configured template
		return err
	}, m.set.retryCount, m.set.retryDelay)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrIO, name, err)
	}
	if created {
		if err := applyAttributes(f, m.set); err != nil {
			m.opt.report("file_attributes", err)
		}
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: stat %s: %w", ErrIO, name, err)
	}

	m.file = f
	m.name = name
	m.size = max(st.Size(), 0)
	m.existed = !created && m.size > 0
	m.openTime = m.now()
	// An appended file belongs to the period it was last written in.
	if m.existed && info != nil && info.ModTime().Before(m.openTime) {
		m.openTime = info.ModTime()
	}
	m.w = nil
	if m.opt.bufferSize > 0 {
		m.w = bufio.NewWriterSize(f, m.opt.bufferSize)
	}
	m.activeName.Store(&name)
	m.curSize.Store(m.size)
	return nil
}

func (m *fileManager) state() FileState {
	return FileState{Name: m.name, Size: m.size, OpenTime: m.openTime}
}

// start opens the file (unless on demand) and applies the startup policy.
// With CreateOnDemand only an existing file with content is rolled over.
func (m *fileManager) start() error {
	if err := m.lock.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer m.lock.Release(1)

	sp, hasStartup := m.set.policy.(StartupPolicy)
	if m.opt.createOnDemand {
		if !hasStartup || m.set.active == nil {
			return nil
		}
		name, err := m.set.strategy.ActiveName(m.now())
		if err != nil {
			return err
		}
		if info, err := os.Stat(name); err != nil || info.Size() == 0 {
			return nil
		}
	}
	if m.file == nil {
		name, err := m.set.strategy.ActiveName(m.now())
		if err != nil {
			return err
		}
		// Truncation waits until the startup policy had its chance to archive.
		if err := m.open(name, m.opt.truncate && !hasStartup); err != nil {
			return err
		}
	}
	if hasStartup && sp.ShouldRolloverOnStartup(m.state()) {
		return m.rollover(ReasonStartup, time.Time{})
	}
	if m.opt.truncate && hasStartup && m.size > 0 {
		if err := m.file.Truncate(0); err != nil {
			return fmt.Errorf("%w: truncate %s: %w", ErrIO, m.name, err)
		}
		m.size, m.existed, m.openTime = 0, false, m.now()
		m.curSize.Store(0)
	}
	return nil
}

// startFlusher runs the periodic flush when buffering and FlushInterval
// are both configured.
func (m *fileManager) startFlusher() {
	if m.opt.flushInterval <= 0 || m.opt.bufferSize <= 0 || m.flushStop != nil {
		return
	}
	m.flushStop = make(chan struct{})
	m.flushDone = make(chan struct{})
	go m.flushLoop(m.opt.flushInterval)
}

// append is the critical section: policy check, optional rollover, write.
func (m *fileManager) append(rec Record) error {
	if err := m.lock.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer m.lock.Release(1)

	if m.closed {
		return ErrStopped
	}
	if err := m.initialize(); err != nil {
		return fmt.Errorf("%w: %w", ErrNotWritten, err)
	}

	var rollErr error
	if reason, ok := trigger(m.set.policy, m.state(), rec); ok {
		rollErr = m.rollover(reason, rec.Time)
		if m.file == nil {
			// The next file could not be opened; try once more for this record.
			if err := m.initialize(); err != nil {
				return errors.Join(rollErr, fmt.Errorf("%w: %w", ErrNotWritten, err))
			}
		}
	}
	if err := m.write(rec.Data); err != nil {
		return errors.Join(rollErr, fmt.Errorf("%w: %w", ErrNotWritten, err))
	}
	return rollErr
}

// write appends p to the active file. Caller holds lock.
func (m *fileManager) write(p []byte) error {
	if m.opt.locking {
		if err := lockFile(m.file); err != nil {
			m.opt.report("lock", err)
		} else {
			defer func() { _ = unlockFile(m.file) }()
		}
	}

	var (
		n   int
		err error
	)
	if m.w != nil {
		n, err = m.w.Write(p)
		if err == nil && m.opt.immediateFlush {
			err = m.w.Flush()
		}
	} else {
		n, err = m.file.Write(p)
	}
	m.size += int64(n)
	m.curSize.Store(m.size)
	if err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrIO, m.name, err)
	}
	m.records.Add(1)
	m.bytes.Add(uint64(n)) // #nosec G115 -- n is non-negative
	m.opt.metrics.recordAppend(n)
	return nil
}

// flushLocked empties the write buffer. Caller holds lock.
func (m *fileManager) flushLocked() error {
	if m.w == nil || m.file == nil || m.w.Buffered() == 0 {
		return nil
	}
	if m.opt.locking {
		if err := lockFile(m.file); err == nil {
			defer func() { _ = unlockFile(m.file) }()
		}
	}
	if err := m.w.Flush(); err != nil {
		return fmt.Errorf("%w: flush %s: %w", ErrIO, m.name, err)
	}
	return nil
}

func (m *fileManager) flush() error {
	if err := m.lock.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer m.lock.Release(1)
	return m.flushLocked()
}

func (m *fileManager) flushLoop(every time.Duration) {
	defer close(m.flushDone)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.flushStop:
			return
		case <-t.C:
			if m.lock.TryAcquire(1) {
				if err := m.flushLocked(); err != nil {
					m.opt.report("flush", err)
				}
				m.lock.Release(1)
			}
		}
	}
}

// closeFile flushes and closes the active file. Caller holds lock.
func (m *fileManager) closeFile() error {
	if m.file == nil {
		return nil
	}
	var errs []error
	if err := m.flushLocked(); err != nil {
		errs = append(errs, err)
	}
	f := m.file
	if err := RetryFileOperation(f.Close, m.set.retryCount, m.set.retryDelay); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("%w: close %s: %w", ErrIO, m.name, err))
	}
	m.file, m.w = nil, nil
	return errors.Join(errs...)
}

// rotate performs a manual rollover. Nothing happens before the first file
// was opened.
func (m *fileManager) rotate() error {
	if err := m.lock.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer m.lock.Release(1)
	if m.closed {
		return ErrStopped
	}
	if m.file == nil {
		return nil
	}
	return m.rollover(ReasonManual, time.Time{})
}

// rollover closes the active file, runs the strategy and opens the next
// file. A failed flush, close or rename aborts it and reopens the old file;
// otherwise closing is the point of no return and the next file is opened.
// recTime is the timestamp of the triggering record, zero for startup and
// manual rollovers. Caller holds lock.
func (m *fileManager) rollover(reason RolloverReason, recTime time.Time) error {
	start := time.Now()
	// Wait for the previous rollover's background work.
	if err := m.bg.Acquire(context.Background(), 1); err != nil {
		return err
	}
	released := false
	release := func() {
		if !released {
			released = true
			m.bg.Release(1)
		}
	}
	defer release()

	closed := m.state()
	if err := m.closeFile(); err != nil {
		// Buffered bytes that did not reach the file must not be archived
		// as if they had.
		return m.abortRollover(closed, err)
	}

	now := m.now()
	desc, err := m.set.strategy.Rollover(closed, now)
	if err == nil && desc.Sync != nil {
		err = desc.Sync()
	}
	if err != nil {
		return m.abortRollover(closed, err)
	}

	var openErr error
	name, err := m.set.strategy.ActiveName(now)
	if err == nil {
		err = m.open(name, false)
	}
	// A record stamped ahead of the clock opens the next period.
	if err == nil && recTime.After(m.openTime) {
		m.openTime = recTime
	}
	if err != nil {
		openErr = err
		m.opt.report("rollover_open", err)
	}

	ev := RolloverEvent{Reason: reason, Time: now, Index: desc.Index, Archive: desc.Archive}
	m.rollovers.Add(1)
	m.lastRoll.Store(now.UnixNano())
	m.opt.metrics.recordRollover(reason, time.Since(start))
	m.opt.status.Info("rollover", "reason", string(reason), "archive", ev.Archive, "index", ev.Index, "active", name)
	if m.opt.onRollover != nil {
		m.opt.onRollover(ev)
	}

	if desc.Async != nil {
		released = true
		active := name
		go func() {
			defer m.bg.Release(1)
			if err := desc.Async(active); err != nil {
				m.opt.status.Warn("archive processing", "archive", ev.Archive, "error", err)
			}
		}()
	}
	return openErr
}

// abortRollover reopens the file a failed rollover closed, keeping its
// period, so writing continues where it was. Caller holds lock.
func (m *fileManager) abortRollover(closed FileState, cause error) error {
	err := fmt.Errorf("%w: %s: %w", ErrRollover, closed.Name, cause)
	m.opt.report("rollover", err)
	if reopenErr := m.open(closed.Name, false); reopenErr != nil {
		m.opt.report("rollover_reopen", reopenErr)
		return errors.Join(err, reopenErr)
	}
	m.openTime = closed.OpenTime
	return err
}

// stop flushes and closes the file, waiting for in-flight work until ctx
// expires. When it does, the file is closed as soon as the lock frees.
// done is closed once the file is closed and archive work has drained,
// whether or not ctx expired.
func (m *fileManager) stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() { err = m.doStop(ctx) })
	return err
}

func (m *fileManager) doStop(ctx context.Context) error {
	if m.flushStop != nil {
		close(m.flushStop)
		<-m.flushDone
	}
	if err := m.lock.Acquire(ctx, 1); err != nil {
		go func() {
			defer close(m.done)
			_ = m.lock.Acquire(context.Background(), 1)
			m.closed = true
			if err := m.closeFile(); err != nil {
				m.opt.report("close", err)
			}
			m.lock.Release(1)
			m.drain()
		}()
		return fmt.Errorf("%w: rollover still in progress: %w", ErrForcedShutdown, ctx.Err())
	}
	m.closed = true
	closeErr := m.closeFile()
	m.lock.Release(1)

	if err := m.bg.Acquire(ctx, 1); err != nil {
		go func() {
			defer close(m.done)
			m.drain()
		}()
		return errors.Join(closeErr, fmt.Errorf("%w: archive processing still running: %w", ErrForcedShutdown, ctx.Err()))
	}
	m.bg.Release(1)
	close(m.done)
	return closeErr
}

// drain waits for background archive work.
func (m *fileManager) drain() {
	_ = m.bg.Acquire(context.Background(), 1)
	m.bg.Release(1)
}
