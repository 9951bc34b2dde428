// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compressionTag identifies the codec applied to a stored payload.
// The values are stored in the database — do not renumber.
type compressionTag int64

const (
	compressionNone compressionTag = 0
	compressionZstd compressionTag = 1
)

// compressThreshold is the payload size below which compression is
// skipped. Small encrypted payloads rarely shrink and the tag byte
// plus zstd frame overhead would grow them.
const compressThreshold = 256

// zstdEncoder and zstdDecoder are reused across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// compressPayload returns the stored form of a payload and its tag.
// Payloads under the threshold, and payloads that do not shrink, are
// stored uncompressed.
func compressPayload(data []byte) ([]byte, compressionTag) {
	if len(data) < compressThreshold {
		return data, compressionNone
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, compressionNone
	}
	return compressed, compressionZstd
}

// decompressPayload reverses compressPayload.
func decompressPayload(data []byte, tag compressionTag) ([]byte, error) {
	switch tag {
	case compressionNone:
		return data, nil
	case compressionZstd:
		result, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unknown compression tag %d", tag)
	}
}
