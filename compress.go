// compress.go: Archive compression codecs selected by file suffix
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// DefaultCompressionLevel selects each codec's own default level.
const DefaultCompressionLevel = -1

// Codec compresses one archive. The engine picks the codec whose Suffix
// ends the archive pattern, e.g. "app-%i.log.gz" selects gzip.
type Codec interface {
	Suffix() string
	Compress(dst io.Writer, src io.Reader, name string, level int) error
}

var (
	codecMu sync.RWMutex
	codecs  = map[string]Codec{}
)

func init() {
	RegisterCodec(gzipCodec{})
	RegisterCodec(zstdCodec{})
	RegisterCodec(zipCodec{})
	RegisterCodec(brotliCodec{})
}

// RegisterCodec makes a codec available to archive patterns ending with its suffix.
func RegisterCodec(c Codec) {
	codecMu.Lock()
	codecs[c.Suffix()] = c
	codecMu.Unlock()
}

// codecFor returns the codec for name, preferring the longest matching suffix.
func codecFor(name string) Codec {
	codecMu.RLock()
	defer codecMu.RUnlock()
	var best Codec
	for suffix, c := range codecs {
		if strings.HasSuffix(name, suffix) && (best == nil || len(suffix) > len(best.Suffix())) {
			best = c
		}
	}
	return best
}

// codecSuffixes lists registered suffixes, used to recognize compressed archives.
func codecSuffixes() []string {
	codecMu.RLock()
	defer codecMu.RUnlock()
	out := make([]string, 0, len(codecs))
	for s := range codecs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type gzipCodec struct{}

func (gzipCodec) Suffix() string { return ".gz" }

func (gzipCodec) Compress(dst io.Writer, src io.Reader, name string, level int) error {
	zw, err := gzip.NewWriterLevel(dst, level)
	if err != nil {
		return fmt.Errorf("gzip level %d: %w", level, err)
	}
	zw.Name = filepath.Base(name)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

type zstdCodec struct{}

func (zstdCodec) Suffix() string { return ".zst" }

func (zstdCodec) Compress(dst io.Writer, src io.Reader, _ string, level int) error {
	var opts []zstd.EOption
	if level != DefaultCompressionLevel {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	enc, err := zstd.NewWriter(dst, opts...)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := enc.ReadFrom(src); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

type zipCodec struct{}

func (zipCodec) Suffix() string { return ".zip" }

func (zipCodec) Compress(dst io.Writer, src io.Reader, name string, level int) error {
	zw := zip.NewWriter(dst)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     filepath.Base(name),
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		_ = zw.Close()
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

type brotliCodec struct{}

func (brotliCodec) Suffix() string { return ".br" }

func (brotliCodec) Compress(dst io.Writer, src io.Reader, _ string, level int) error {
	if level == DefaultCompressionLevel {
		level = brotli.DefaultCompression
	}
	bw := brotli.NewWriterLevel(dst, level)
	if _, err := io.Copy(bw, src); err != nil {
		_ = bw.Close()
		return err
	}
	return bw.Close()
}
