// appender.go: Public API - rolling file appender
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	stateCreated int32 = iota
	stateStarted
	stateStopped
)

// Appender writes already formatted records to a rolling file. All methods
// are safe for concurrent use: the rollover check and the write of each
// record form one critical section, so no record is lost, duplicated or
// written to a file that is being rolled over.
//
// Lifecycle: New validates the configuration and opens the file, Start
// enables Append, Stop flushes and closes. An Appender cannot be restarted.
//
// Basic usage example:
//
//	cfg := mneme.DefaultConfig()
//	cfg.FileName = "app.log"
//	cfg.FilePattern = "app-%d-%i.log.gz"
//	cfg.Policy = mneme.SizeBased(100 << 20)
//
//	app, err := mneme.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := app.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer app.Close()
//
//	app.Append(mneme.Record{Time: time.Now(), Data: []byte("hello\n")})
type Appender struct {
	name    string
	cfg     Config
	set     *settings
	m       *fileManager
	clock   Clock
	owned   *cachedClock // stopped with the appender
	status  *slog.Logger
	sink    io.Closer
	metrics *metrics

	errorCount atomic.Uint64
	state      atomic.Int32

	startMu  sync.Mutex
	adHandle any
	adActive bool

	stopOnce sync.Once
	stopErr  error
}

// New validates cfg, binds the strategy, opens the active file (unless
// CreateOnDemand) and applies the startup policy. Configuration problems
// wrap ErrConfiguration; a malformed template also matches
// ErrMalformedPattern.
func New(cfg Config) (*Appender, error) {
	set, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	a := &Appender{name: cfg.Name, cfg: cfg, set: set, clock: cfg.Clock}
	if a.clock == nil {
		a.owned = newCachedClock()
		a.clock = a.owned
	}
	a.status, a.sink = statusLogger(&cfg)

	met, err := newMetrics(cfg.MeterProvider, cfg.Name)
	if err != nil {
		a.release()
		return nil, fmt.Errorf("%w: metrics: %w", ErrConfiguration, err)
	}
	a.metrics = met

	if err := set.strategy.Bind(Binding{
		Active:     set.active,
		Archive:    set.archive,
		Location:   set.loc,
		FileMode:   set.mode,
		RetryCount: set.retryCount,
		RetryDelay: set.retryDelay,
		Report:     a.reportError,
		Now:        a.clock.Now,
	}); err != nil {
		a.release()
		return nil, err
	}

	a.m = newFileManager(set, managerOptions{
		truncate:       cfg.Truncate,
		bufferSize:     cfg.BufferSize,
		immediateFlush: cfg.ImmediateFlush,
		flushInterval:  cfg.FlushInterval,
		createOnDemand: cfg.CreateOnDemand,
		locking:        cfg.Locking && lockingSupported,
		clock:          a.clock,
		report:         a.reportError,
		onRollover:     cfg.OnRollover,
		status:         a.status,
		metrics:        met,
	})

	if err := a.m.start(); err != nil {
		if !errors.Is(err, ErrRollover) {
			_ = a.m.stop(context.Background())
			a.release()
			return nil, err
		}
		// A failed startup rollover leaves the old file open and writable.
		a.reportError("startup_rollover", err)
	}
	a.m.startFlusher()
	return a, nil
}

// Start enables Append and registers the appender with the Advertiser when
// Advertise is set. Calling it again is a no-op; after Stop it fails with
// ErrStopped.
func (a *Appender) Start() error {
	a.startMu.Lock()
	defer a.startMu.Unlock()

	switch a.state.Load() {
	case stateStarted:
		return nil
	case stateStopped:
		return ErrStopped
	}
	if a.cfg.Advertise {
		info := advertisement(a.name, a.ActiveFileName(), a.cfg.AdvertiseURI)
		handle, err := a.cfg.Advertiser.Advertise(info)
		if err != nil {
			a.reportError("advertise", err)
		} else {
			a.adHandle, a.adActive = handle, true
		}
	}
	a.state.Store(stateStarted)
	a.status.Debug("started", "file", a.ActiveFileName(), "pattern", a.FilePattern())
	return nil
}

// Append writes one record, rolling the file over first when the policy
// says so. It fails with ErrNotStarted before Start and ErrStopped after
// Stop. With IgnoreErrors, I/O and rollover errors are reported through
// ErrorCallback and the status logger instead of being returned.
//
// A failed rollover leaves the previous file open and the record is still
// written to it: the error then matches ErrRollover but not ErrNotWritten,
// and appending the record again would duplicate it. Apart from
// ErrNotStarted and ErrStopped, only errors matching ErrNotWritten mean the
// record did not reach the file.
func (a *Appender) Append(rec Record) error {
	switch a.state.Load() {
	case stateCreated:
		return ErrNotStarted
	case stateStopped:
		return ErrStopped
	}
	err := a.m.append(rec)
	if err == nil || errors.Is(err, ErrStopped) {
		return err
	}
	a.reportError("append", err)
	if a.cfg.IgnoreErrors {
		return nil
	}
	return err
}

// Write implements io.Writer. p is written as one record stamped with the
// appender's clock; it is not retained after Write returns.
func (a *Appender) Write(p []byte) (int, error) {
	if err := a.Append(Record{Time: a.clock.Now(), Data: p}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Rotate forces a rollover regardless of the policy, e.g. on SIGHUP.
// Nothing happens while no file has been created yet.
func (a *Appender) Rotate() error {
	if a.state.Load() == stateStopped {
		return ErrStopped
	}
	if err := a.m.rotate(); err != nil {
		if !errors.Is(err, ErrStopped) {
			a.reportError("rotate", err)
		}
		return err
	}
	return nil
}

// Flush writes buffered bytes to the file.
func (a *Appender) Flush() error {
	if err := a.m.flush(); err != nil {
		a.reportError("flush", err)
		return err
	}
	return nil
}

// Stop waits up to timeout for an in-flight rollover and pending archive
// work, then flushes and closes the file, deregisters the advertisement and
// releases the clock and status sink. When the timeout expires first it
// returns ErrForcedShutdown; the file is closed as soon as the rollover
// releases it, and deregistration and release follow after that.
// Stop is idempotent: later calls return the first result.
// A timeout <= 0 selects DefaultStopTimeout.
func (a *Appender) Stop(timeout time.Duration) error {
	a.stopOnce.Do(func() {
		a.startMu.Lock()
		a.state.Store(stateStopped)
		a.startMu.Unlock()

		if timeout <= 0 {
			timeout = DefaultStopTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := a.m.stop(ctx)
		if err != nil && !errors.Is(err, ErrForcedShutdown) {
			a.reportError("stop", err)
		}
		if errors.Is(err, ErrForcedShutdown) {
			// The stream ceases only when the in-flight work lets go of the file.
			go func() {
				<-a.m.done
				a.finishStop()
			}()
		} else {
			a.finishStop()
		}
		a.stopErr = err
	})
	return a.stopErr
}

// finishStop deregisters the advertisement and releases the clock and the
// status sink. It runs once the file is closed.
func (a *Appender) finishStop() {
	if a.adActive {
		if err := a.cfg.Advertiser.Unadvertise(a.adHandle); err != nil {
			a.reportError("unadvertise", err)
		}
		a.adActive = false
	}
	a.status.Debug("stopped", "records", a.m.records.Load(), "rollovers", a.m.rollovers.Load())
	a.release()
}

// Close stops the appender with DefaultStopTimeout. It implements io.Closer.
func (a *Appender) Close() error {
	return a.Stop(DefaultStopTimeout)
}

// release frees the clock and the status sink.
func (a *Appender) release() {
	if a.owned != nil {
		a.owned.stop()
		a.owned = nil
	}
	if a.sink != nil {
		_ = a.sink.Close()
		a.sink = nil
	}
}

// ActiveFileName returns the file currently written to.
func (a *Appender) ActiveFileName() string {
	return *a.m.activeName.Load()
}

// TriggeringPolicy returns the effective policy, including the startup
// policy added by RolloverOnStartup.
func (a *Appender) TriggeringPolicy() TriggeringPolicy { return a.set.policy }

// FilePattern returns the archive template as configured.
func (a *Appender) FilePattern() string { return a.cfg.FilePattern }

// Name returns the configured appender name.
func (a *Appender) Name() string { return a.name }

// Stats is a snapshot of appender activity.
type Stats struct {
	Name            string    `json:"name"`
	ActiveFile      string    `json:"active_file"`
	CurrentFileSize int64     `json:"current_file_size"` // bytes accepted, buffered included
	RecordCount     uint64    `json:"record_count"`
	TotalBytes      uint64    `json:"total_bytes"`
	RolloverCount   uint64    `json:"rollover_count"`
	ErrorCount      uint64    `json:"error_count"`
	LastRollover    time.Time `json:"last_rollover"`
	Started         bool      `json:"started"`
	Stopped         bool      `json:"stopped"`
}

// Stats returns current counters. It never blocks on the write lock.
func (a *Appender) Stats() Stats {
	s := Stats{
		Name:            a.name,
		ActiveFile:      a.ActiveFileName(),
		CurrentFileSize: a.m.curSize.Load(),
		RecordCount:     a.m.records.Load(),
		TotalBytes:      a.m.bytes.Load(),
		RolloverCount:   a.m.rollovers.Load(),
		ErrorCount:      a.errorCount.Load(),
	}
	if ns := a.m.lastRoll.Load(); ns != 0 {
		s.LastRollover = time.Unix(0, ns)
	}
	st := a.state.Load()
	s.Started = st != stateCreated
	s.Stopped = st == stateStopped
	return s
}

// reportError hands non-fatal errors to ErrorCallback, the status logger
// and the error counter.
func (a *Appender) reportError(operation string, err error) {
	a.errorCount.Add(1)
	if a.metrics != nil {
		a.metrics.recordError(operation)
	}
	a.status.Warn("appender error", "op", operation, "error", err)
	if a.cfg.ErrorCallback != nil {
		a.cfg.ErrorCallback(operation, err)
	}
}
