// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package canonical implements Matrix canonical JSON: the byte-stable
// encoding over which content hashes, reference hashes (event IDs),
// and signatures are computed.
//
// Canonical JSON is ordinary JSON with every freedom removed: object
// keys sorted by code point, no insignificant whitespace, shortest
// string escapes, and integers only (floats and integers outside
// ±(2^53−1) are rejected). Two servers encoding the same logical
// value always produce identical bytes, which is what makes event IDs
// content-derived and signatures independently verifiable.
//
// This is a wire-format definition fixed by the Matrix specification,
// distinct from the CBOR encoding in lib/codec, which is only ever
// used for locally persisted artifacts and never hashed or signed.
package canonical
