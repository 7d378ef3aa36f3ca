// archive.go: Archive naming, compression, checksums and retention
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const checksumSuffix = ".sha256"

// archiver owns every file operation on archives of one appender.
// Its methods run either inside the rollover critical section or on the
// serialized background slot, never concurrently with each other.
type archiver struct {
	final *Pattern // archive pattern as configured
	raw   *Pattern // final without the codec suffix
	codec Codec    // nil when archives stay uncompressed
	level int
	loc   *time.Location

	maxArchives int
	maxAge      time.Duration
	checksum    bool

	mode       os.FileMode
	retryCount int
	retryDelay time.Duration
	report     func(op string, err error)
	now        func() time.Time
}

func newArchiver(b Binding, maxArchives int, maxAge time.Duration, level int, checksum bool) (*archiver, error) {
	if maxArchives < 0 {
		return nil, configErrorf("max archives %d is negative", maxArchives)
	}
	if maxAge < 0 {
		return nil, configErrorf("max archive age %s is negative", maxAge)
	}
	if level == 0 {
		level = DefaultCompressionLevel
	}
	a := &archiver{
		final:       b.Archive,
		raw:         b.Archive,
		level:       level,
		loc:         b.Location,
		maxArchives: maxArchives,
		maxAge:      maxAge,
		checksum:    checksum,
		mode:        b.FileMode,
		retryCount:  b.RetryCount,
		retryDelay:  b.RetryDelay,
		report:      b.Report,
		now:         b.Now,
	}
	if a.loc == nil {
		a.loc = time.UTC
	}
	if a.report == nil {
		a.report = func(string, error) {}
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.mode == 0 {
		a.mode = GetDefaultFileMode()
	}
	if c := codecFor(b.Archive.String()); c != nil {
		a.codec = c
		a.raw = b.Archive.TrimSuffix(c.Suffix())
		if err := checkLevel(c, level); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// checkLevel rejects levels the codec would refuse at compression time.
func checkLevel(c Codec, level int) error {
	if level == DefaultCompressionLevel {
		return nil
	}
	lo, hi := 1, 9
	switch c.(type) {
	case zstdCodec:
		hi = 22
	case brotliCodec:
		lo, hi = 0, 11
	case gzipCodec, zipCodec:
		lo = 0
	default:
		return nil
	}
	if level < lo || level > hi {
		return configErrorf("compression level %d for %s outside %d..%d", level, c.Suffix(), lo, hi)
	}
	return nil
}

// names renders the uncompressed and final names for one slot.
func (a *archiver) names(t time.Time, index int) (raw, final string) {
	ctx := FormatContext{Time: t.In(a.loc), Index: index}
	raw = a.raw.Format(ctx)
	if a.codec == nil {
		return raw, raw
	}
	return raw, raw + a.codec.Suffix()
}

// next returns the lowest free slot for the period containing t. A slot is
// taken when either its uncompressed or its compressed file exists. Patterns
// without %i get a ".N" uniquifier once the plain name is taken.
func (a *archiver) next(t time.Time) (raw, final string, index int) {
	if a.raw.HasIndex() {
		for index = 1; ; index++ {
			raw, final = a.names(t, index)
			if !exists(raw) && !exists(final) {
				return raw, final, index
			}
		}
	}
	raw, final = a.names(t, 0)
	if !exists(raw) && !exists(final) {
		return raw, final, 0
	}
	base := raw
	for index = 1; ; index++ {
		raw = base + "." + strconv.Itoa(index)
		final = raw
		if a.codec != nil {
			final += a.codec.Suffix()
		}
		if !exists(raw) && !exists(final) {
			return raw, final, index
		}
	}
}

// indexOf extracts the index from an archive name, or 0.
func (a *archiver) indexOf(name string) int {
	re := a.raw.matcher(true, codecSuffixes())
	m := re.FindStringSubmatch(filepath.ToSlash(name))
	if m == nil {
		return 0
	}
	if i := re.SubexpIndex("index"); i >= 0 && m[i] != "" {
		n, _ := strconv.Atoi(m[i])
		return n
	}
	return 0
}

func exists(name string) bool {
	_, err := os.Lstat(name)
	return err == nil
}

// rename moves the closed active file to its archive slot.
func (a *archiver) rename(from, to string) error {
	if dir := filepath.Dir(to); dir != "." {
		if err := RetryFileOperation(func() error {
			return os.MkdirAll(dir, 0750)
		}, a.retryCount, a.retryDelay); err != nil {
			return fmt.Errorf("create archive directory %q: %w", dir, err)
		}
	}
	if err := RetryFileOperation(func() error {
		return os.Rename(from, to)
	}, a.retryCount, a.retryDelay); err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	return nil
}

// finish runs the post-rename steps on an archived file: compression,
// checksum and retention. Every failure is reported and none stops the
// remaining steps. active is excluded from retention.
func (a *archiver) finish(raw, active string) error {
	var errs []error
	name := raw
	if a.codec != nil {
		compressed, err := a.compress(raw)
		if err != nil {
			errs = append(errs, err)
		} else {
			name = compressed
		}
	}
	if a.checksum {
		if err := a.writeChecksum(name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.prune(active, raw); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// compress writes raw through the codec into a temporary file, renames it
// to the final name and removes raw only after that rename succeeded. On
// failure the uncompressed archive is left in place.
func (a *archiver) compress(raw string) (string, error) {
	final := raw + a.codec.Suffix()
	tmp := final + ".tmp"
	fail := func(op string, err error) (string, error) {
		_ = os.Remove(tmp)
		err = fmt.Errorf("%w: %s %s: %w", ErrCompression, op, raw, err)
		a.report("compress_"+op, err)
		return "", err
	}

	var source *os.File
	err := RetryFileOperation(func() error {
		var err error
		source, err = os.Open(raw) // #nosec G304 -- archive path rendered from the configured pattern
		return err
	}, a.retryCount, a.retryDelay)
	if err != nil {
		return fail("open", err)
	}
	defer source.Close()

	target, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, a.mode) // #nosec G304 -- derived from the archive path
	if err != nil {
		return fail("create", err)
	}
	if err := a.codec.Compress(target, source, raw, a.level); err != nil {
		_ = target.Close()
		return fail("copy", err)
	}
	if err := target.Sync(); err != nil {
		_ = target.Close()
		return fail("sync", err)
	}
	if err := target.Close(); err != nil {
		return fail("close", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fail("rename", err)
	}
	_ = source.Close()
	if err := os.Remove(raw); err != nil {
		a.report("compress_cleanup", fmt.Errorf("%w: remove %s: %w", ErrCompression, raw, err))
	}
	return final, nil
}

// writeChecksum creates a SHA-256 sidecar in sha256sum format.
func (a *archiver) writeChecksum(name string) error {
	fail := func(op string, err error) error {
		err = fmt.Errorf("%w: checksum %s %s: %w", ErrCompression, op, name, err)
		a.report("checksum_"+op, err)
		return err
	}
	f, err := os.Open(name) // #nosec G304 -- archive path rendered from the configured pattern
	if err != nil {
		return fail("open", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fail("read", err)
	}
	content := fmt.Sprintf("%x  %s\n", h.Sum(nil), filepath.Base(name))
	if err := os.WriteFile(name+checksumSuffix, []byte(content), 0600); err != nil {
		return fail("write", err)
	}
	return nil
}

type archiveFile struct {
	key     string   // path without codec suffix
	paths   []string // raw and/or compressed variants
	modTime time.Time
	index   int
}

// scan lists existing archives grouped by slot.
func (a *archiver) scan(active string) ([]*archiveFile, error) {
	re := a.raw.matcher(true, codecSuffixes())
	idx := re.SubexpIndex("index")
	byKey := map[string]*archiveFile{}
	activeSlash := filepath.ToSlash(filepath.Clean(active))

	prefix := a.raw.dirPrefix()
	root := prefix
	if root == "" {
		root = "."
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if active != "" && filepath.ToSlash(filepath.Clean(path)) == activeSlash {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		m := re.FindStringSubmatch(filepath.ToSlash(prefix + rel))
		if m == nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		key := path
		if c := codecFor(path); c != nil {
			key = strings.TrimSuffix(path, c.Suffix())
		}
		f := byKey[key]
		if f == nil {
			f = &archiveFile{key: key}
			if idx >= 0 && m[idx] != "" {
				f.index, _ = strconv.Atoi(m[idx])
			}
			byKey[key] = f
		}
		f.paths = append(f.paths, path)
		if info.ModTime().After(f.modTime) {
			f.modTime = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	files := make([]*archiveFile, 0, len(byKey))
	for _, f := range byKey {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		if files[i].index != files[j].index {
			return files[i].index < files[j].index
		}
		return files[i].key < files[j].key
	})
	return files, nil
}

// prune removes archives older than maxAge and then the oldest ones beyond
// maxArchives, together with their checksum sidecars. latest, the archive
// just written, always sorts as the newest: freed indexes are reused and
// file system timestamps are too coarse to order fast rollovers.
func (a *archiver) prune(active, latest string) error {
	if a.maxArchives <= 0 && a.maxAge <= 0 {
		return nil
	}
	files, err := a.scan(active)
	if err != nil {
		err = fmt.Errorf("%w: scan: %w", ErrRetention, err)
		a.report("retention_scan", err)
		return err
	}
	if latest != "" {
		latest = filepath.Clean(latest)
		for i, f := range files {
			if filepath.Clean(f.key) == latest {
				files = append(append(files[:i:i], files[i+1:]...), f)
				break
			}
		}
	}

	var errs []error
	remove := func(f *archiveFile, op string) {
		for _, p := range f.paths {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				err = fmt.Errorf("%w: remove %s: %w", ErrRetention, p, err)
				a.report(op, err)
				errs = append(errs, err)
			}
			_ = os.Remove(p + checksumSuffix)
		}
	}

	kept := files[:0]
	if a.maxAge > 0 {
		cutoff := a.now().Add(-a.maxAge)
		for _, f := range files {
			if f.modTime.Before(cutoff) {
				remove(f, "age_cleanup")
				continue
			}
			kept = append(kept, f)
		}
	} else {
		kept = files
	}

	if a.maxArchives > 0 && len(kept) > a.maxArchives {
		for _, f := range kept[:len(kept)-a.maxArchives] {
			remove(f, "count_cleanup")
		}
	}
	return errors.Join(errs...)
}
