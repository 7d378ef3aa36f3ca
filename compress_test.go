// compress_test.go: Tests for archive codecs
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mneme

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codecPayload = strings.Repeat("2025-03-04T15:16:17Z INFO request served path=/api/v1/items status=200\n", 200)

func decompress(t *testing.T, suffix string, data []byte) string {
	t.Helper()
	var r io.Reader
	switch suffix {
	case ".gz":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		defer zr.Close()
		r = zr
	case ".zst":
		zr, err := zstd.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		defer zr.Close()
		r = zr
	case ".br":
		r = brotli.NewReader(bytes.NewReader(data))
	case ".zip":
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
		require.Len(t, zr.File, 1)
		assert.Equal(t, "app-1.log", zr.File[0].Name)
		f, err := zr.File[0].Open()
		require.NoError(t, err)
		defer f.Close()
		r = f
	default:
		t.Fatalf("unknown suffix %q", suffix)
	}
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestCodecs_RoundTrip(t *testing.T) {
	for _, suffix := range []string{".gz", ".zst", ".zip", ".br"} {
		for _, level := range []int{DefaultCompressionLevel, 1} {
			t.Run(fmt.Sprintf("%s_level%d", suffix, level), func(t *testing.T) {
				c := codecFor("logs/app-%i.log" + suffix)
				require.NotNil(t, c)
				assert.Equal(t, suffix, c.Suffix())

				var buf bytes.Buffer
				require.NoError(t, c.Compress(&buf, strings.NewReader(codecPayload), "logs/app-1.log", level))
				assert.Less(t, buf.Len(), len(codecPayload))
				assert.Equal(t, codecPayload, decompress(t, suffix, buf.Bytes()))
			})
		}
	}
}

func TestGzipCodec_HeaderName(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, gzipCodec{}.Compress(&buf, strings.NewReader("x"), "/var/log/app-3.log", DefaultCompressionLevel))
	zr, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	defer zr.Close()
	assert.Equal(t, "app-3.log", zr.Name)
}

func TestGzipCodec_InvalidLevel(t *testing.T) {
	var buf bytes.Buffer
	err := gzipCodec{}.Compress(&buf, strings.NewReader("x"), "a", 42)
	assert.Error(t, err)
}

func TestCodecFor(t *testing.T) {
	assert.Nil(t, codecFor("app-%i.log"))
	assert.Nil(t, codecFor("app-%i.gz.log"))
	assert.IsType(t, gzipCodec{}, codecFor("app-%i.log.gz"))
	assert.IsType(t, zstdCodec{}, codecFor("app-%i.zst"))
	assert.Equal(t, []string{".br", ".gz", ".zip", ".zst"}, codecSuffixes())
}

type upperCodec struct{ suffix string }

func (c upperCodec) Suffix() string { return c.suffix }

func (upperCodec) Compress(dst io.Writer, src io.Reader, _ string, _ int) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	_, err = dst.Write(bytes.ToUpper(data))
	return err
}

func TestRegisterCodec_LongestSuffixWins(t *testing.T) {
	c := upperCodec{suffix: ".tar.gz"}
	RegisterCodec(c)
	t.Cleanup(func() {
		codecMu.Lock()
		delete(codecs, c.suffix)
		codecMu.Unlock()
	})
	assert.Equal(t, c, codecFor("app-%i.tar.gz"))
	assert.IsType(t, gzipCodec{}, codecFor("app-%i.log.gz"))
}

func TestCheckLevel(t *testing.T) {
	tests := []struct {
		codec Codec
		level int
		ok    bool
	}{
		{gzipCodec{}, DefaultCompressionLevel, true},
		{gzipCodec{}, 0, true},
		{gzipCodec{}, 9, true},
		{gzipCodec{}, 10, false},
		{zipCodec{}, 9, true},
		{zstdCodec{}, 22, true},
		{zstdCodec{}, 0, false},
		{zstdCodec{}, 23, false},
		{brotliCodec{}, 0, true},
		{brotliCodec{}, 11, true},
		{brotliCodec{}, 12, false},
		{upperCodec{suffix: ".up"}, 99, true},
	}
	for _, tt := range tests {
		err := checkLevel(tt.codec, tt.level)
		if tt.ok {
			assert.NoError(t, err, "%s level %d", tt.codec.Suffix(), tt.level)
		} else {
			assert.ErrorIs(t, err, ErrConfiguration, "%s level %d", tt.codec.Suffix(), tt.level)
		}
	}
}
