// config.go: Appender configuration, validation and parsing helpers
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultStopTimeout bounds Close.
	DefaultStopTimeout = 10 * time.Second

	// DefaultBufferSize is the write buffer used by DefaultConfig.
	DefaultBufferSize = 8192

	defaultRetryCount = 3
	defaultRetryDelay = 10 * time.Millisecond
)

// Config describes one appender. It is validated once by New and never
// consulted again afterwards, so changing it after New has no effect.
//
// Example:
//
//	cfg := mneme.DefaultConfig()
//	cfg.FileName = "logs/app.log"
//	cfg.FilePattern = "logs/app-%d-%i.log.gz"
//	cfg.Policy = mneme.AnyOf(mneme.SizeBased(100<<20), mneme.TimeBased(24*time.Hour, true))
//	app, err := mneme.New(cfg)
type Config struct {
	// Name identifies the appender in status logs, metrics and advertisement.
	Name string `json:"name"`

	// FileName is the active file template. It may contain %d and ${...}
	// markers but not %i. Empty selects DirectWriteStrategy.
	FileName string `json:"file_name"`

	// FilePattern is the archive template. Required.
	// A codec suffix (.gz, .zst, .zip, .br) enables compression.
	FilePattern string `json:"file_pattern"`

	// Policy decides when to roll over. Required.
	Policy TriggeringPolicy `json:"-"`

	// Strategy performs the rollover. Nil selects DefaultStrategy when
	// FileName is set and DirectWriteStrategy otherwise. A strategy is bound
	// to one appender and must not be shared.
	Strategy RolloverStrategy `json:"-"`

	// RolloverOnStartup forces one rollover during New, even of an empty file.
	RolloverOnStartup bool `json:"rollover_on_startup"`

	// Truncate opens an existing active file truncated instead of appending.
	Truncate bool `json:"truncate"`

	// BufferSize is the size of the write buffer in bytes. 0 writes straight
	// through to the file.
	BufferSize int `json:"buffer_size"`

	// ImmediateFlush flushes the buffer after every record.
	ImmediateFlush bool `json:"immediate_flush"`

	// FlushInterval flushes buffered bytes periodically. 0 disables it.
	FlushInterval time.Duration `json:"flush_interval"`

	// CreateOnDemand defers creating the active file until the first record.
	CreateOnDemand bool `json:"create_on_demand"`

	// Locking holds an advisory OS lock on the file around each write.
	Locking bool `json:"locking"`

	// FilePermissions is a POSIX permission string such as "rw-r-----".
	// It takes precedence over FileMode.
	FilePermissions string `json:"file_permissions"`

	// FileOwner and FileGroup are applied to new files on a best effort basis.
	FileOwner string `json:"file_owner"`
	FileGroup string `json:"file_group"`

	// Advertise registers the active file with Advertiser on Start.
	Advertise    bool       `json:"advertise"`
	AdvertiseURI string     `json:"advertise_uri"`
	Advertiser   Advertiser `json:"-"`

	// IgnoreErrors reports I/O errors instead of returning them from Append.
	IgnoreErrors bool `json:"ignore_errors"`

	// LocalTime renders %d in local time. False (default) uses UTC.
	LocalTime bool `json:"local_time"`

	// Vars binds ${name} markers in both templates.
	Vars map[string]string `json:"vars"`

	// RetryCount and RetryDelay govern retries of open, rename and close
	// (default 3 and 10ms).
	RetryCount int           `json:"retry_count"`
	RetryDelay time.Duration `json:"retry_delay"`

	// FileMode is used for new files when FilePermissions is empty (default 0644).
	FileMode os.FileMode `json:"file_mode"`

	// ErrorCallback is called for every reported non-fatal error.
	// Parameters are the operation that failed and the error.
	ErrorCallback func(operation string, err error) `json:"-"`

	// OnRollover is called after each completed rollover. It runs while the
	// appender is locked and must not call back into it.
	OnRollover func(RolloverEvent) `json:"-"`

	// StatusLogger receives internal diagnostics. When nil, StatusFile
	// selects a rotating JSON log, otherwise warnings go to stderr.
	StatusLogger *slog.Logger `json:"-"`
	StatusFile   string       `json:"status_file"`

	// MeterProvider records appender metrics. Nil uses the global provider.
	MeterProvider metric.MeterProvider `json:"-"`

	// Clock stamps records passed through Write. Nil uses a cached clock.
	Clock Clock `json:"-"`
}

// DefaultConfig returns a Config with buffering, immediate flush and
// IgnoreErrors enabled. FilePattern and Policy still have to be set.
func DefaultConfig() Config {
	return Config{
		BufferSize:     DefaultBufferSize,
		ImmediateFlush: true,
		IgnoreErrors:   true,
		RetryCount:     defaultRetryCount,
		RetryDelay:     defaultRetryDelay,
	}
}

// settings is a validated Config.
type settings struct {
	name     string
	active   *Pattern // nil for direct write
	archive  *Pattern
	policy   TriggeringPolicy
	strategy RolloverStrategy
	loc      *time.Location

	mode       os.FileMode
	chmod      bool // mode came from FilePermissions and is enforced
	uid, gid   int  // -1 when unset
	retryCount int
	retryDelay time.Duration
}

// validate checks every field once and resolves the templates. It never
// touches the file system apart from owner lookups.
func (c *Config) validate() (*settings, error) {
	s := &settings{
		name:       c.Name,
		policy:     c.Policy,
		loc:        time.UTC,
		uid:        -1,
		gid:        -1,
		retryCount: c.RetryCount,
		retryDelay: c.RetryDelay,
	}
	if c.LocalTime {
		s.loc = time.Local
	}
	if s.retryCount <= 0 {
		s.retryCount = defaultRetryCount
	}
	if s.retryDelay <= 0 {
		s.retryDelay = defaultRetryDelay
	}

	if c.Policy == nil {
		return nil, configErrorf("a triggering policy is required")
	}
	if err := checkPolicy(c.Policy); err != nil {
		return nil, err
	}
	if c.RolloverOnStartup {
		s.policy = AnyOf(c.Policy, OnStartup(0))
	}
	if c.BufferSize < 0 {
		return nil, configErrorf("buffer size %d is negative", c.BufferSize)
	}
	if c.FlushInterval < 0 {
		return nil, configErrorf("flush interval %s is negative", c.FlushInterval)
	}

	if c.FilePattern == "" {
		return nil, configErrorf("an archive file pattern is required")
	}
	archive, err := bindPattern(c.FilePattern, c.Vars)
	if err != nil {
		return nil, err
	}
	if !archive.HasIndex() && !archive.HasDate() {
		return nil, patternErrorf(c.FilePattern, "archive pattern needs %%d or %%i")
	}
	if err := ValidatePathLength(archive.Format(FormatContext{Time: time.Now(), Index: 1})); err != nil {
		return nil, configErrorf("archive pattern: %v", err)
	}
	s.archive = archive

	if c.FileName != "" {
		active, err := bindPattern(c.FileName, c.Vars)
		if err != nil {
			return nil, err
		}
		if active.HasIndex() {
			return nil, patternErrorf(c.FileName, "%%i is only valid in the archive pattern")
		}
		name := active.Format(FormatContext{Time: time.Now().In(s.loc)})
		if err := ValidatePathLength(name); err != nil {
			return nil, configErrorf("file name: %v", err)
		}
		if SanitizeFilename(filepath.Base(name)) != filepath.Base(name) {
			return nil, configErrorf("file name %q contains characters invalid on %s", name, runtime.GOOS)
		}
		s.active = active
	}

	s.strategy = c.Strategy
	if s.strategy == nil {
		if s.active != nil {
			s.strategy = &DefaultStrategy{}
		} else {
			s.strategy = &DirectWriteStrategy{}
		}
	}

	s.mode = c.FileMode
	if s.mode == 0 {
		s.mode = GetDefaultFileMode()
	}
	if c.FilePermissions != "" {
		mode, err := ParsePermissions(c.FilePermissions)
		if err != nil {
			return nil, err
		}
		s.mode = mode
		s.chmod = true
	}
	if c.FileOwner != "" || c.FileGroup != "" {
		s.uid, s.gid, err = lookupOwner(c.FileOwner, c.FileGroup)
		if err != nil {
			return nil, configErrorf("file owner: %v", err)
		}
	}
	if c.Advertise && c.Advertiser == nil {
		return nil, configErrorf("advertise is enabled but no advertiser is configured")
	}
	return s, nil
}

func checkPolicy(p TriggeringPolicy) error {
	switch p := p.(type) {
	case *SizePolicy:
		if p.MaxSize <= 0 {
			return configErrorf("size policy needs a positive size, got %d", p.MaxSize)
		}
	case *TimePolicy:
		if p.Interval <= 0 {
			return configErrorf("time policy needs a positive interval, got %s", p.Interval)
		}
	case *CronPolicy:
		if p.Schedule == nil {
			return configErrorf("cron policy %q has no schedule", p.Expr)
		}
	case *OnStartupPolicy:
		if p.MinSize < 0 {
			return configErrorf("startup policy min size %d is negative", p.MinSize)
		}
	case *CompositePolicy:
		if len(p.Policies) == 0 {
			return configErrorf("composite policy is empty")
		}
		for _, child := range p.Policies {
			if err := checkPolicy(child); err != nil {
				return err
			}
		}
	}
	return nil
}

func bindPattern(text string, vars map[string]string) (*Pattern, error) {
	p, err := ParsePattern(text)
	if err != nil {
		return nil, err
	}
	return p.Bind(vars)
}

// ParsePermissions converts a POSIX permission string such as "rw-r-----"
// into a file mode.
func ParsePermissions(s string) (os.FileMode, error) {
	if len(s) != 9 {
		return 0, configErrorf("file permissions %q: want 9 characters like rw-r-----", s)
	}
	var mode os.FileMode
	for i := 0; i < 9; i++ {
		want := "rwx"[i%3]
		switch s[i] {
		case want:
			mode |= 1 << uint(8-i)
		case '-':
		default:
			return 0, configErrorf("file permissions %q: unexpected %q at %d", s, s[i], i)
		}
	}
	return mode, nil
}

var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"KB", 10}, {"MB", 20}, {"GB", 30}, {"TB", 40},
	{"K", 10}, {"M", 20}, {"G", 30}, {"T", 40},
	{"B", 0},
}

// ParseSize converts size strings like "100MB", "1GB" or "512" to bytes.
// Units are binary and case-insensitive (K, KB, M, MB, G, GB, T, TB).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if val, err := strconv.ParseInt(s, 10, 64); err == nil {
		return val, nil
	}

	upper := strings.ToUpper(s)
	for _, u := range sizeUnits {
		num, ok := strings.CutSuffix(upper, u.suffix)
		if !ok {
			continue
		}
		val, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number in %q: %w", s, err)
		}
		if val < 0 || val > (1<<63-1)>>u.shift {
			return 0, fmt.Errorf("size %q out of range", s)
		}
		return val << u.shift, nil
	}
	return 0, fmt.Errorf("unknown size suffix in %q (supported: KB/K, MB/M, GB/G, TB/T)", s)
}

// ParseDuration converts duration strings like "7d", "24h" to time.Duration.
// On top of Go durations it accepts d (day), w (week) and y (365 days).
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	lower := strings.ToLower(s)
	if len(lower) < 2 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var unit time.Duration
	switch lower[len(lower)-1] {
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	case 'y':
		unit = 365 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown duration suffix in %q", s)
	}
	val, err := strconv.ParseInt(lower[:len(lower)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration number in %q: %w", s, err)
	}
	return time.Duration(val) * unit, nil
}

// SanitizeFilename replaces characters that are invalid in file names on
// the current platform with underscores.
func SanitizeFilename(filename string) string {
	if runtime.GOOS != "windows" {
		return strings.ReplaceAll(filename, "\x00", "_")
	}
	return strings.Map(func(r rune) rune {
		if r < 32 || strings.ContainsRune(`<>:"|?*`, r) {
			return '_'
		}
		return r
	}, filename)
}

// ValidatePathLength checks if the path length is within OS limits.
func ValidatePathLength(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	limit := 4096
	if runtime.GOOS == "windows" {
		limit = 260
	}
	if len(absPath) > limit {
		return fmt.Errorf("path too long: %d characters (limit: %d)", len(absPath), limit)
	}
	return nil
}

// GetDefaultFileMode returns the default mode for new files.
func GetDefaultFileMode() os.FileMode {
	return 0644
}

// RetryFileOperation runs operation up to retryCount times, sleeping
// retryDelay between attempts. Windows and network file systems fail
// transiently under antivirus scans or indexing; real errors still surface
// after the last attempt and are wrapped with %w.
func RetryFileOperation(operation func() error, retryCount int, retryDelay time.Duration) error {
	if retryCount <= 0 {
		retryCount = defaultRetryCount
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	var lastErr error
	for i := 0; i < retryCount; i++ {
		if lastErr = operation(); lastErr == nil {
			return nil
		}
		if i < retryCount-1 {
			time.Sleep(retryDelay)
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", retryCount, lastErr)
}
