// strategy.go: Rollover strategies renaming, compressing and pruning archives
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"fmt"
	"os"
	"time"
)

// Binding is what an appender hands its strategy once, during New.
type Binding struct {
	// Active is the bound active file template, nil for direct writes.
	Active *Pattern
	// Archive is the bound archive template.
	Archive *Pattern
	// Location selects the zone %d is rendered in.
	Location *time.Location

	FileMode   os.FileMode
	RetryCount int
	RetryDelay time.Duration

	// Report receives non-fatal errors.
	Report func(op string, err error)
	// Now is the clock used for age based retention.
	Now func() time.Time
}

// RolloverDescription is the plan for one rollover. Sync runs inside the
// critical section after the active file was closed; its failure aborts the
// rollover. Async runs afterwards, once the next file is open, and only
// produces warnings. Either may be nil.
type RolloverDescription struct {
	// Archive is the name the closed file ends up with, compressed or not.
	Archive string
	// Index is the archive index, 0 when the pattern has none.
	Index int

	Sync  func() error
	Async func(active string) error
}

// RolloverStrategy decides where active files live and what happens to them
// on rollover. Bind is called exactly once, before any other method.
type RolloverStrategy interface {
	Bind(b Binding) error
	ActiveName(now time.Time) (string, error)
	Rollover(closed FileState, now time.Time) (*RolloverDescription, error)
}

// DefaultStrategy writes to a fixed active file and renames it to the next
// free archive name on rollover.
type DefaultStrategy struct {
	// MaxArchives keeps at most this many archives. 0 keeps all.
	MaxArchives int
	// MaxArchiveAge removes archives older than this. 0 disables it.
	MaxArchiveAge time.Duration
	// CompressionLevel is passed to the codec. 0 selects its default.
	CompressionLevel int
	// AsyncCompression runs compression, checksum and retention in the
	// background instead of inside the rollover.
	AsyncCompression bool
	// Checksum writes a .sha256 sidecar for every archive.
	Checksum bool

	active *Pattern
	loc    *time.Location
	arch   *archiver
}

// Bind implements RolloverStrategy.
func (s *DefaultStrategy) Bind(b Binding) error {
	if s.arch != nil {
		return configErrorf("default strategy is already bound to an appender")
	}
	if b.Active == nil {
		return configErrorf("default strategy needs a file name; use DirectWriteStrategy without one")
	}
	arch, err := newArchiver(b, s.MaxArchives, s.MaxArchiveAge, s.CompressionLevel, s.Checksum)
	if err != nil {
		return err
	}
	s.active, s.loc, s.arch = b.Active, arch.loc, arch
	return nil
}

// ActiveName implements RolloverStrategy.
func (s *DefaultStrategy) ActiveName(now time.Time) (string, error) {
	if s.active == nil {
		return "", fmt.Errorf("%w: strategy is not bound", ErrConfiguration)
	}
	return s.active.Format(FormatContext{Time: now.In(s.loc)}), nil
}

// Rollover implements RolloverStrategy. The archive is named after the
// period the closed file was opened in.
func (s *DefaultStrategy) Rollover(closed FileState, now time.Time) (*RolloverDescription, error) {
	period := closed.OpenTime
	if period.IsZero() {
		period = now
	}
	raw, final, index := s.arch.next(period)
	d := &RolloverDescription{
		Archive: final,
		Index:   index,
		Sync:    func() error { return s.arch.rename(closed.Name, raw) },
	}
	finish := func(active string) error { return s.arch.finish(raw, active) }
	if s.AsyncCompression {
		d.Async = finish
	} else {
		sync := d.Sync
		d.Sync = func() error {
			if err := sync(); err != nil {
				return err
			}
			_ = finish(closed.Name)
			return nil
		}
	}
	return d, nil
}

func (s *DefaultStrategy) String() string { return "default" }

// DirectWriteStrategy has no separate active file: records go straight to
// the next archive name, and rollover only closes the file, compresses it,
// prunes old archives and opens the following index.
type DirectWriteStrategy struct {
	MaxArchives      int
	MaxArchiveAge    time.Duration
	CompressionLevel int
	AsyncCompression bool
	Checksum         bool

	arch *archiver
}

// Bind implements RolloverStrategy.
func (s *DirectWriteStrategy) Bind(b Binding) error {
	if s.arch != nil {
		return configErrorf("direct write strategy is already bound to an appender")
	}
	if b.Active != nil {
		return configErrorf("direct write strategy does not use a file name, got %q", b.Active)
	}
	arch, err := newArchiver(b, s.MaxArchives, s.MaxArchiveAge, s.CompressionLevel, s.Checksum)
	if err != nil {
		return err
	}
	s.arch = arch
	return nil
}

// ActiveName implements RolloverStrategy. It returns the first free archive
// slot of the current period in its uncompressed form.
func (s *DirectWriteStrategy) ActiveName(now time.Time) (string, error) {
	if s.arch == nil {
		return "", fmt.Errorf("%w: strategy is not bound", ErrConfiguration)
	}
	raw, _, _ := s.arch.next(now)
	return raw, nil
}

// Rollover implements RolloverStrategy. Nothing is renamed.
func (s *DirectWriteStrategy) Rollover(closed FileState, _ time.Time) (*RolloverDescription, error) {
	d := &RolloverDescription{
		Archive: closed.Name,
		Index:   s.arch.indexOf(closed.Name),
	}
	if s.arch.codec != nil {
		d.Archive += s.arch.codec.Suffix()
	}
	finish := func(active string) error { return s.arch.finish(closed.Name, active) }
	if s.AsyncCompression {
		d.Async = finish
	} else {
		// The next file is not open yet and the closed one counts as an archive.
		d.Sync = func() error {
			_ = finish("")
			return nil
		}
	}
	return d, nil
}

func (s *DirectWriteStrategy) String() string { return "direct" }
