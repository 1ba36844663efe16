// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressionTag identifies the compression algorithm applied to a
// stored blob. Tags are stored alongside the blob (one integer
// column each) and are format constants.
type compressionTag uint8

const (
	// compressionNone marks a blob stored uncompressed, either
	// because it was incompressible or because it was tiny.
	compressionNone compressionTag = 0

	// compressionLZ4 is the fast path used for event envelopes:
	// mixed CBOR with embedded JSON content, written once per event.
	compressionLZ4 compressionTag = 1

	// compressionZstd is used for state snapshots: highly repetitive
	// text (event IDs and type strings) where the better ratio pays
	// for the extra CPU.
	compressionZstd compressionTag = 2
)

// errIncompressible is returned when compression would not shrink the
// input. Callers fall back to compressionNone.
var errIncompressible = errors.New("eventstore: data is incompressible")

// zstd.Encoder and zstd.Decoder are safe for concurrent use, so one
// of each serves the whole process.
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
		panic("eventstore: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("eventstore: zstd decoder initialization failed: " + err.Error())
	}
}

// compress applies the requested algorithm, falling back to
// compressionNone when the result would not be smaller. The returned
// tag tells decompress how to read the blob back.
func compress(data []byte, want compressionTag) ([]byte, compressionTag, error) {
	var (
		compressed []byte
		err        error
	)
	switch want {
	case compressionNone:
		return data, compressionNone, nil
	case compressionLZ4:
		compressed, err = compressLZ4(data)
	case compressionZstd:
		compressed, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("eventstore: unsupported compression tag: %d", want)
	}
	if errors.Is(err, errIncompressible) {
		return data, compressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, want, nil
}

// decompress reverses compress. The uncompressedSize must match the
// original length exactly; a mismatch is data corruption and returns
// an error.
func decompress(blob []byte, tag compressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case compressionNone:
		if len(blob) != uncompressedSize {
			return nil, fmt.Errorf("eventstore: uncompressed blob: size %d does not match expected %d",
				len(blob), uncompressedSize)
		}
		return blob, nil
	case compressionLZ4:
		return decompressLZ4(blob, uncompressedSize)
	case compressionZstd:
		return decompressZstd(blob, uncompressedSize)
	default:
		return nil, fmt.Errorf("eventstore: unsupported compression tag: %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("eventstore: lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("eventstore: lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, 0, uncompressedSize)
	result, err := zstdDecoder.DecodeAll(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("eventstore: zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("eventstore: zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
	}
	return result, nil
}
