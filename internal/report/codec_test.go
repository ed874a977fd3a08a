package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allCompressions = []Compression{
	CompressionNone, CompressionGzip, CompressionSnappy, CompressionLZ4, CompressionZstd,
}

func TestCompressBytesRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte(`{"removed":{"reservations":3}}`), 64)
	for _, c := range allCompressions {
		t.Run(string(c), func(t *testing.T) {
			packed, err := compressBytes(c, data)
			require.NoError(t, err)
			if c != CompressionNone {
				assert.Less(t, len(packed), len(data))
			}

			raw, err := decompressBytes(c, packed)
			require.NoError(t, err)
			assert.Equal(t, data, raw)
		})
	}
}

func TestCompressBytesUnknownCodec(t *testing.T) {
	_, err := compressBytes("brotli", []byte("x"))
	assert.Error(t, err)
	_, err = decompressBytes("brotli", []byte("x"))
	assert.Error(t, err)
}

func TestParquetCodecPerCompression(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := sampleReport("run-codec", started)
	for _, c := range allCompressions {
		t.Run(string(c), func(t *testing.T) {
			require.NotNil(t, parquetCodec(c))

			data, err := encode(FormatParquet, c, want)
			require.NoError(t, err)
			got, err := decode(FormatParquet, c, data)
			require.NoError(t, err)
			assert.Equal(t, want.Summary.Removed, got.Summary.Removed)
			assert.Equal(t, want.RunID, got.RunID)
		})
	}
}
