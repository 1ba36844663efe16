// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package validator checks candidate events before they touch a
// room: structure and size, depth plausibility, the declared content
// hash, and origin signatures. Checks run in that order and stop at
// the first failure; a failure is a *reject.RejectionError with
// reason Malformed (structure, size, depth) or Unverifiable (hash,
// signatures). Authorization is a separate, later stage.
package validator

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/bureau-foundation/federation/lib/canonical"
	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/reject"
	"github.com/bureau-foundation/federation/roomversion"
)

// KeyResolver resolves a server's event-signing public key. notAfter
// is the event's origin timestamp: the key must still have been valid
// at that instant, so signatures made before a key rotation keep
// verifying afterwards. Implementations fetch over federation and
// cache; a resolution failure surfaces to the caller as an
// unverifiable event, never as an engine fault.
type KeyResolver interface {
	SigningKey(ctx context.Context, server ref.ServerName, keyID string, notAfter int64) (ed25519.PublicKey, error)
}

// MaxEventBytes is the hard ceiling on an event's canonical JSON
// encoding. Larger events are malformed regardless of content.
const MaxEventBytes = 65535

const (
	maxIdentifierBytes = 255
	maxTypeBytes       = 255
	maxStateKeyBytes   = 255
	maxPrevEvents      = 20
	maxAuthEvents      = 10
)

// DefaultDepthSlack bounds how far beyond the known graph depth an
// incoming event's depth claim may run. Depth is a hint, never ground
// truth for ordering; the bound only defends against synthetic deep
// graphs burning resources.
const DefaultDepthSlack = 4096

// Validator runs the pre-authorization checks. The zero value is not
// usable; construct with New.
type Validator struct {
	keys       KeyResolver
	depthSlack int64
}

// New returns a Validator resolving signing keys through keys.
func New(keys KeyResolver) *Validator {
	return &Validator{keys: keys, depthSlack: DefaultDepthSlack}
}

// SetDepthSlack overrides the depth plausibility bound.
func (v *Validator) SetDepthSlack(slack int64) { v.depthSlack = slack }

// Validate checks one candidate event. knownDepth is the deepest
// event currently in the room's graph (zero for a new room); the
// event must already carry its derived ID (pdu.Hydrate). The context
// bounds key resolution only; every other check is local.
func (v *Validator) Validate(ctx context.Context, event *pdu.Event, rules roomversion.RuleSet, knownDepth int64) error {
	if err := checkStructure(event); err != nil {
		return stamp(event, err)
	}
	if err := v.checkDepth(event, knownDepth); err != nil {
		return stamp(event, err)
	}
	if err := pdu.VerifyContentHash(event); err != nil {
		return stamp(event, reject.Errorf(reject.Unverifiable, "content hash: %v", err))
	}
	if err := v.checkSignatures(ctx, event, rules); err != nil {
		return stamp(event, err)
	}
	return nil
}

// stamp attaches the event ID to a rejection for logging; other
// error kinds pass through untouched.
func stamp(event *pdu.Event, err error) error {
	if rejection, ok := err.(*reject.RejectionError); ok && rejection.EventID.IsZero() {
		rejection.EventID = event.ID
	}
	return err
}

func checkStructure(event *pdu.Event) error {
	switch {
	case event.ID.IsZero():
		return reject.Errorf(reject.Malformed, "event has no derived ID")
	case event.RoomID.IsZero():
		return reject.Errorf(reject.Malformed, "event has no room ID")
	case event.Sender.IsZero():
		return reject.Errorf(reject.Malformed, "event has no sender")
	case event.Type.IsZero():
		return reject.Errorf(reject.Malformed, "event has no type")
	case event.Depth < 0:
		return reject.Errorf(reject.Malformed, "negative depth %d", event.Depth)
	}
	if len(event.RoomID.String()) > maxIdentifierBytes {
		return reject.Errorf(reject.Malformed, "room ID exceeds %d bytes", maxIdentifierBytes)
	}
	if len(event.Sender.String()) > maxIdentifierBytes {
		return reject.Errorf(reject.Malformed, "sender exceeds %d bytes", maxIdentifierBytes)
	}
	if len(event.Type) > maxTypeBytes {
		return reject.Errorf(reject.Malformed, "event type exceeds %d bytes", maxTypeBytes)
	}
	if event.IsState() && len(event.StateKeyValue()) > maxStateKeyBytes {
		return reject.Errorf(reject.Malformed, "state key exceeds %d bytes", maxStateKeyBytes)
	}
	if len(event.Content) == 0 || !json.Valid(event.Content) {
		return reject.Errorf(reject.Malformed, "content is not valid JSON")
	}

	if event.IsCreate() {
		if len(event.PrevEvents) != 0 || len(event.AuthEvents) != 0 {
			return reject.Errorf(reject.Malformed, "create event must not cite parents")
		}
	} else {
		if len(event.PrevEvents) == 0 {
			return reject.Errorf(reject.Malformed, "event cites no prev_events")
		}
		if len(event.AuthEvents) == 0 {
			return reject.Errorf(reject.Malformed, "event cites no auth_events")
		}
	}
	if len(event.PrevEvents) > maxPrevEvents {
		return reject.Errorf(reject.Malformed, "%d prev_events exceeds the cap of %d", len(event.PrevEvents), maxPrevEvents)
	}
	if len(event.AuthEvents) > maxAuthEvents {
		return reject.Errorf(reject.Malformed, "%d auth_events exceeds the cap of %d", len(event.AuthEvents), maxAuthEvents)
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return reject.Errorf(reject.Malformed, "encoding event: %v", err)
	}
	encoded, err := canonical.JSON(json.RawMessage(raw))
	if err != nil {
		return reject.Errorf(reject.Malformed, "event is not canonicalizable: %v", err)
	}
	if len(encoded) > MaxEventBytes {
		return reject.Errorf(reject.Malformed, "canonical form is %d bytes, ceiling is %d", len(encoded), MaxEventBytes)
	}
	return nil
}

func (v *Validator) checkDepth(event *pdu.Event, knownDepth int64) error {
	if event.Depth > knownDepth+v.depthSlack {
		return reject.Errorf(reject.Malformed,
			"depth %d is implausible against known depth %d", event.Depth, knownDepth)
	}
	return nil
}

// checkSignatures verifies every ed25519 signature the event carries
// and requires at least the sender's homeserver to have signed.
// Signatures under unknown algorithms are ignored, but a server whose
// only signatures are unknown-algorithm has not vouched for the
// event.
func (v *Validator) checkSignatures(ctx context.Context, event *pdu.Event, rules roomversion.RuleSet) error {
	origin := event.Sender.Server()
	if _, ok := event.Signatures[origin.String()]; !ok {
		return reject.Errorf(reject.Unverifiable, "no signature from origin server %s", origin)
	}

	servers := make([]string, 0, len(event.Signatures))
	for name := range event.Signatures {
		servers = append(servers, name)
	}
	sort.Strings(servers)

	for _, name := range servers {
		server, err := ref.ParseServerName(name)
		if err != nil {
			return reject.Errorf(reject.Unverifiable, "signature from malformed server name %q", name)
		}

		keyIDs := make([]string, 0, len(event.Signatures[name]))
		for keyID := range event.Signatures[name] {
			keyIDs = append(keyIDs, keyID)
		}
		sort.Strings(keyIDs)

		verified := false
		for _, keyID := range keyIDs {
			algorithm, _, err := pdu.ParseKeyID(keyID)
			if err != nil {
				return reject.Errorf(reject.Unverifiable, "signature from %s under malformed key ID %q", server, keyID)
			}
			if algorithm != pdu.SigningKeyAlgorithm {
				continue
			}
			key, err := v.keys.SigningKey(ctx, server, keyID, event.OriginServerTS)
			if err != nil {
				if ctx.Err() != nil {
					return fmt.Errorf("validator: resolving key %s for %s: %w", keyID, server, err)
				}
				return reject.Errorf(reject.Unverifiable, "resolving key %s for %s: %v", keyID, server, err)
			}
			if err := pdu.VerifySignature(event, server, keyID, key, rules); err != nil {
				return reject.Errorf(reject.Unverifiable, "%v", err)
			}
			verified = true
		}
		if !verified {
			return reject.Errorf(reject.Unverifiable, "%s signed under no supported algorithm", server)
		}
	}
	return nil
}
