// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/bureau-foundation/federation/lib/canonical"
	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/roomversion"
)

// ContentHash computes the SHA-256 content hash of the unredacted
// event: the canonical JSON of the envelope with the hashes,
// signatures, and unsigned keys removed. This is the value declared
// in the event's hashes field and lets any server detect whether the
// content it holds for an event ID is original or a redacted remnant.
func ContentHash(event *Event) ([sha256.Size]byte, error) {
	envelope, err := event.envelope()
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	delete(envelope, "hashes")
	delete(envelope, "signatures")
	delete(envelope, "unsigned")

	encoded, err := canonical.JSON(envelope)
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("pdu: canonicalizing for content hash: %w", err)
	}
	return sha256.Sum256(encoded), nil
}

// WithContentHash returns a copy of the event carrying its computed
// content hash. Used when creating local events; received events
// carry the origin's declared hash, checked by VerifyContentHash.
func WithContentHash(event *Event) (*Event, error) {
	digest, err := ContentHash(event)
	if err != nil {
		return nil, err
	}
	withHash := *event
	withHash.Hashes = &Hashes{SHA256: base64.RawStdEncoding.EncodeToString(digest[:])}
	return &withHash, nil
}

// VerifyContentHash recomputes the content hash and compares it to
// the declared one. A mismatch means the event was mutated in transit
// (or the origin lied) and the event must be treated as adversarial.
func VerifyContentHash(event *Event) error {
	if event.Hashes == nil || event.Hashes.SHA256 == "" {
		return fmt.Errorf("pdu: event declares no sha256 content hash")
	}
	declared, err := base64.RawStdEncoding.DecodeString(event.Hashes.SHA256)
	if err != nil {
		return fmt.Errorf("pdu: declared content hash is not valid base64: %w", err)
	}
	computed, err := ContentHash(event)
	if err != nil {
		return err
	}
	if len(declared) != sha256.Size || subtle.ConstantTimeCompare(declared, computed[:]) != 1 {
		return fmt.Errorf("pdu: content hash mismatch")
	}
	return nil
}

// signableEnvelope returns the canonical bytes signed by origin
// servers and hashed for the event ID: the redacted envelope with
// signatures and unsigned removed. Age and other transient metadata
// never survive into this form, which is what makes signatures
// verifiable after redaction.
func signableEnvelope(event *Event, rules roomversion.RuleSet) ([]byte, error) {
	redacted, err := Redact(event, rules)
	if err != nil {
		return nil, err
	}
	envelope, err := redacted.envelope()
	if err != nil {
		return nil, err
	}
	delete(envelope, "signatures")
	delete(envelope, "unsigned")

	encoded, err := canonical.JSON(envelope)
	if err != nil {
		return nil, fmt.Errorf("pdu: canonicalizing for signing: %w", err)
	}
	return encoded, nil
}

// ReferenceHash computes the SHA-256 of the signable (redacted,
// signature-free) canonical form. The event ID is derived from this.
func ReferenceHash(event *Event, rules roomversion.RuleSet) ([sha256.Size]byte, error) {
	encoded, err := signableEnvelope(event, rules)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(encoded), nil
}

// DeriveEventID computes the event's content-derived ID: "$" followed
// by the unpadded urlsafe-base64 reference hash (room version 4+
// format, which covers every supported version).
func DeriveEventID(event *Event, rules roomversion.RuleSet) (ref.EventID, error) {
	digest, err := ReferenceHash(event, rules)
	if err != nil {
		return ref.EventID{}, err
	}
	return ref.ParseEventID("$" + base64.RawURLEncoding.EncodeToString(digest[:]))
}

// Hydrate returns a copy of the event with its derived ID populated.
// Every event entering the engine passes through this exactly once,
// during validation.
func Hydrate(event *Event, rules roomversion.RuleSet) (*Event, error) {
	id, err := DeriveEventID(event, rules)
	if err != nil {
		return nil, err
	}
	hydrated := *event
	hydrated.ID = id
	return &hydrated, nil
}
