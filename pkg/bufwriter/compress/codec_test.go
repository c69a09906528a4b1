// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package compress_test

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/logflow/pkg/bufwriter/compress"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 64)

	for _, codec := range []compress.Codec{
		compress.CodecNone,
		compress.CodecLZ4,
		compress.CodecLZ4HC,
		compress.CodecZSTD,
		compress.CodecSnappy,
	} {
		t.Run(codec.String(), func(t *testing.T) {
			blob, err := compress.Compress(codec, payload)
			require.NoError(t, err)

			got, err := compress.Decompress(blob)
			require.NoError(t, err)
			require.Equal(t, payload, got)
		})
	}
}

func TestDecompressIsDrivenByTagNotCallerConfig(t *testing.T) {
	payload := []byte("small")
	blob, err := compress.Compress(compress.CodecSnappy, payload)
	require.NoError(t, err)

	// A reader configured for a different codec must still decode blob
	// correctly, since the tag byte alone drives decompression.
	got, err := compress.Decompress(blob)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestSelectSkipsCompressionBelowThreshold(t *testing.T) {
	require.Equal(t, compress.CodecNone, compress.Select(compress.CodecLZ4, 10, 256))
	require.Equal(t, compress.CodecLZ4, compress.Select(compress.CodecLZ4, 1000, 256))
}

func TestDecompressRejectsEmptyBlob(t *testing.T) {
	_, err := compress.Decompress(nil)
	require.Error(t, err)
}

func TestDecompressRejectsUnknownTag(t *testing.T) {
	_, err := compress.Decompress([]byte{0xff, 1, 2, 3})
	require.Error(t, err)
}
