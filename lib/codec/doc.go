// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the engine's standard CBOR encoding
// configuration.
//
// The engine uses two serialization formats with a clear boundary:
//
//   - Canonical JSON (lib/canonical) for everything hashed or signed:
//     content hashes, reference hashes (event IDs), and federation
//     signatures. This format is fixed by the Matrix specification.
//   - CBOR for locally persisted artifacts: event envelopes and
//     resolved state snapshots in the sqlite store, and replay
//     fixtures. CBOR bytes never cross the federation boundary and
//     are never hashed into an event ID.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes, which keeps the state-group deduplication in eventstore
// honest: two identical state maps always serialize to the same blob.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations:
//
//	encoder := codec.NewEncoder(w)
//	decoder := codec.NewDecoder(r)
//
// Types shared with the federation surface carry `json` tags only;
// fxamacker/cbor v2 reads `json` tags as fallback when `cbor` tags are
// absent, so a single tag controls field naming and omitempty for both
// formats. Types that are only ever persisted (store envelopes) carry
// `cbor` tags. Never use both tags on one field.
package codec
