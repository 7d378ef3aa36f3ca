// archive_test.go: Tests for archive naming, compression and retention
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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var archiveNow = time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)

func newTestArchiver(t *testing.T, pattern string, maxArchives int, maxAge time.Duration, checksum bool, log *errorLog) *archiver {
	t.Helper()
	b := Binding{
		Archive:    MustParsePattern(pattern),
		RetryCount: 1,
		RetryDelay: time.Millisecond,
		Now:        func() time.Time { return archiveNow },
	}
	if log != nil {
		b.Report = log.callback
	}
	a, err := newArchiver(b, maxArchives, maxAge, 0, checksum)
	require.NoError(t, err)
	return a
}

func TestNewArchiver_Errors(t *testing.T) {
	b := Binding{Archive: MustParsePattern("app-%i.log.zst")}
	_, err := newArchiver(b, -1, 0, 0, false)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = newArchiver(b, 0, -time.Hour, 0, false)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = newArchiver(b, 0, 0, 40, false)
	assert.ErrorIs(t, err, ErrConfiguration)

	a, err := newArchiver(b, 0, 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, DefaultCompressionLevel, a.level)
	assert.Equal(t, "app-%i.log", a.raw.String())
	assert.Equal(t, time.UTC, a.loc)
	assert.Equal(t, GetDefaultFileMode(), a.mode)
}

func TestArchiverNext_LowestFreeIndex(t *testing.T) {
	dir := t.TempDir()
	a := newTestArchiver(t, filepath.Join(dir, "app-%i.log.gz"), 0, 0, false, nil)

	raw, final, index := a.next(archiveNow)
	assert.Equal(t, 1, index)
	assert.Equal(t, filepath.Join(dir, "app-1.log"), raw)
	assert.Equal(t, filepath.Join(dir, "app-1.log.gz"), final)

	writeFile(t, filepath.Join(dir, "app-1.log.gz"), "a", time.Time{})
	writeFile(t, filepath.Join(dir, "app-2.log"), "b", time.Time{}) // compression pending
	writeFile(t, filepath.Join(dir, "app-4.log.gz"), "d", time.Time{})

	_, final, index = a.next(archiveNow)
	assert.Equal(t, 3, index, "fills the gap before 4")
	assert.Equal(t, filepath.Join(dir, "app-3.log.gz"), final)

	writeFile(t, filepath.Join(dir, "app-3.log.gz"), "c", time.Time{})
	_, _, index = a.next(archiveNow)
	assert.Equal(t, 5, index)
}

func TestArchiverNext_PerPeriod(t *testing.T) {
	dir := t.TempDir()
	a := newTestArchiver(t, filepath.Join(dir, "app-%d-%i.log"), 0, 0, false, nil)
	writeFile(t, filepath.Join(dir, "app-2025-03-04-1.log"), "x", time.Time{})

	_, final, index := a.next(archiveNow)
	assert.Equal(t, 2, index)
	assert.Equal(t, filepath.Join(dir, "app-2025-03-04-2.log"), final)

	_, final, index = a.next(archiveNow.AddDate(0, 0, 1))
	assert.Equal(t, 1, index, "a new period starts at 1")
	assert.Equal(t, filepath.Join(dir, "app-2025-03-05-1.log"), final)
}

func TestArchiverNext_Uniquifier(t *testing.T) {
	dir := t.TempDir()
	a := newTestArchiver(t, filepath.Join(dir, "app-%d.log.gz"), 0, 0, false, nil)

	_, final, index := a.next(archiveNow)
	assert.Equal(t, 0, index)
	assert.Equal(t, filepath.Join(dir, "app-2025-03-04.log.gz"), final)

	writeFile(t, final, "x", time.Time{})
	raw, final, index := a.next(archiveNow)
	assert.Equal(t, 1, index)
	assert.Equal(t, filepath.Join(dir, "app-2025-03-04.log.1"), raw)
	assert.Equal(t, filepath.Join(dir, "app-2025-03-04.log.1.gz"), final)
	assert.Equal(t, 1, a.indexOf(final))
}

func TestArchiverIndexOf(t *testing.T) {
	a := newTestArchiver(t, "logs/app-%d-%i.log.gz", 0, 0, false, nil)
	assert.Equal(t, 7, a.indexOf("logs/app-2025-03-04-7.log"))
	assert.Equal(t, 12, a.indexOf("logs/app-2025-03-04-12.log.gz"))
	assert.Equal(t, 0, a.indexOf("elsewhere/app.log"))
}

func TestArchiverFinish_CompressAndChecksum(t *testing.T) {
	dir := t.TempDir()
	a := newTestArchiver(t, filepath.Join(dir, "app-%i.log.gz"), 0, 0, true, nil)
	raw := filepath.Join(dir, "app-1.log")
	writeFile(t, raw, codecPayload, time.Time{})

	require.NoError(t, a.finish(raw, ""))

	assert.NoFileExists(t, raw)
	assert.NoFileExists(t, raw+".gz.tmp")
	data, err := os.ReadFile(raw + ".gz")
	require.NoError(t, err)
	assert.Equal(t, codecPayload, decompress(t, ".gz", data))

	sum := sha256.Sum256(data)
	assert.Equal(t, fmt.Sprintf("%x  app-1.log.gz\n", sum), readFile(t, raw+".gz"+checksumSuffix))
}

func TestArchiverFinish_UncompressedChecksum(t *testing.T) {
	dir := t.TempDir()
	a := newTestArchiver(t, filepath.Join(dir, "app-%i.log"), 0, 0, true, nil)
	raw := filepath.Join(dir, "app-1.log")
	writeFile(t, raw, "hello\n", time.Time{})

	require.NoError(t, a.finish(raw, ""))
	assert.Equal(t, "hello\n", readFile(t, raw))
	assert.FileExists(t, raw+checksumSuffix)
}

type failingCodec struct{}

func (failingCodec) Suffix() string { return ".fail" }

func (failingCodec) Compress(dst io.Writer, _ io.Reader, _ string, _ int) error {
	_, _ = dst.Write([]byte("partial"))
	return errors.New("disk full")
}

func TestArchiverFinish_CompressionFailureKeepsRaw(t *testing.T) {
	RegisterCodec(failingCodec{})
	t.Cleanup(func() {
		codecMu.Lock()
		delete(codecs, failingCodec{}.Suffix())
		codecMu.Unlock()
	})

	dir := t.TempDir()
	log := &errorLog{}
	a := newTestArchiver(t, filepath.Join(dir, "app-%i.log.fail"), 0, 0, false, log)
	raw := filepath.Join(dir, "app-1.log")
	writeFile(t, raw, "precious\n", time.Time{})

	err := a.finish(raw, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompression)
	assert.Equal(t, "precious\n", readFile(t, raw))
	assert.NoFileExists(t, raw+".fail")
	assert.NoFileExists(t, raw+".fail.tmp")
	assert.Equal(t, []string{"compress_copy"}, log.Ops())

	// The slot stays taken by the raw file.
	_, _, index := a.next(archiveNow)
	assert.Equal(t, 2, index)
}

func TestArchiverPrune_MaxArchives(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "app.log")
	a := newTestArchiver(t, filepath.Join(dir, "app-%i.log.gz"), 2, 0, false, nil)

	base := archiveNow.Add(-time.Hour)
	for i := 1; i <= 5; i++ {
		name := filepath.Join(dir, fmt.Sprintf("app-%d.log.gz", i))
		writeFile(t, name, "x", base.Add(time.Duration(i)*time.Minute))
		writeFile(t, name+checksumSuffix, "sum", time.Time{})
	}
	writeFile(t, active, "active", base)
	writeFile(t, filepath.Join(dir, "other.log"), "unrelated", base)

	require.NoError(t, a.prune(active, ""))
	assert.Equal(t, []string{
		"app-4.log.gz", "app-4.log.gz.sha256",
		"app-5.log.gz", "app-5.log.gz.sha256",
		"app.log", "other.log",
	}, listFiles(t, dir))
}

func TestArchiverPrune_GroupsRawAndCompressed(t *testing.T) {
	dir := t.TempDir()
	a := newTestArchiver(t, filepath.Join(dir, "app-%i.log.gz"), 1, 0, false, nil)

	old := archiveNow.Add(-time.Hour)
	writeFile(t, filepath.Join(dir, "app-1.log"), "raw", old)
	writeFile(t, filepath.Join(dir, "app-1.log.gz"), "gz", old)
	writeFile(t, filepath.Join(dir, "app-2.log.gz"), "gz", archiveNow)

	files, err := a.scan("")
	require.NoError(t, err)
	require.Len(t, files, 2, "raw and compressed copies form one slot")
	assert.Len(t, files[0].paths, 2)
	assert.Equal(t, 1, files[0].index)

	require.NoError(t, a.prune("", ""))
	assert.Equal(t, []string{"app-2.log.gz"}, listFiles(t, dir))
}

func TestArchiverPrune_MaxAge(t *testing.T) {
	dir := t.TempDir()
	a := newTestArchiver(t, filepath.Join(dir, "app-%d-%i.log"), 0, 48*time.Hour, false, nil)

	writeFile(t, filepath.Join(dir, "app-2025-02-01-1.log"), "x", archiveNow.Add(-30*24*time.Hour))
	writeFile(t, filepath.Join(dir, "app-2025-03-01-1.log"), "x", archiveNow.Add(-72*time.Hour))
	writeFile(t, filepath.Join(dir, "app-2025-03-03-1.log"), "x", archiveNow.Add(-24*time.Hour))
	writeFile(t, filepath.Join(dir, "app-2025-03-04-1.log"), "x", archiveNow)

	require.NoError(t, a.prune("", ""))
	assert.Equal(t, []string{"app-2025-03-03-1.log", "app-2025-03-04-1.log"}, listFiles(t, dir))
}

func TestArchiverPrune_AgeThenCount(t *testing.T) {
	dir := t.TempDir()
	a := newTestArchiver(t, filepath.Join(dir, "app-%i.log"), 1, 60*time.Hour, false, nil)
	for i := 1; i <= 5; i++ {
		writeFile(t, filepath.Join(dir, fmt.Sprintf("app-%d.log", i)), "x", archiveNow.Add(-time.Duration(6-i)*24*time.Hour))
	}
	// Ages are 5, 4, 3, 2 and 1 days: age removes 1..3, the count then removes 4.
	require.NoError(t, a.prune("", ""))
	assert.Equal(t, []string{"app-5.log"}, listFiles(t, dir))
}

func TestArchiverPrune_Disabled(t *testing.T) {
	dir := t.TempDir()
	a := newTestArchiver(t, filepath.Join(dir, "app-%i.log"), 0, 0, false, nil)
	for i := 1; i <= 3; i++ {
		writeFile(t, filepath.Join(dir, fmt.Sprintf("app-%d.log", i)), "x", time.Time{})
	}
	require.NoError(t, a.prune("", ""))
	assert.Len(t, listFiles(t, dir), 3)
}

func TestArchiverScan_RelativeAndNested(t *testing.T) {
	t.Chdir(t.TempDir())
	a := newTestArchiver(t, "./logs/%d{2006/01}/app-%i.log", 0, 0, false, nil)

	writeFile(t, filepath.Join("logs", "2025", "02", "app-1.log"), "x", archiveNow.Add(-time.Hour))
	writeFile(t, filepath.Join("logs", "2025", "03", "app-1.log"), "x", archiveNow)
	writeFile(t, filepath.Join("logs", "2025", "03", "notes.txt"), "x", archiveNow)

	files, err := a.scan("")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join("logs", "2025", "02", "app-1.log"), files[0].key)

	missing := newTestArchiver(t, "./nowhere/app-%i.log", 5, 0, false, nil)
	files, err = missing.scan("")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestArchiverRename_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	a := newTestArchiver(t, filepath.Join(dir, "%d/app-%i.log"), 0, 0, false, nil)
	from := filepath.Join(dir, "app.log")
	writeFile(t, from, "x", time.Time{})

	raw, _, _ := a.next(archiveNow)
	require.NoError(t, a.rename(from, raw))
	assert.Equal(t, "x", readFile(t, filepath.Join(dir, "2025-03-04", "app-1.log")))

	err := a.rename(from, raw)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestArchiverPrune_LatestWinsTies(t *testing.T) {
	dir := t.TempDir()
	a := newTestArchiver(t, filepath.Join(dir, "app-%i.log"), 2, 0, false, nil)
	// Slot 1 was freed and reused by the newest archive; all mtimes tie.
	for _, i := range []int{1, 2, 3} {
		writeFile(t, filepath.Join(dir, fmt.Sprintf("app-%d.log", i)), "x", archiveNow)
	}
	require.NoError(t, a.prune("", filepath.Join(dir, "app-1.log")))
	assert.Equal(t, []string{"app-1.log", "app-3.log"}, listFiles(t, dir))
}
