// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/roomversion"
)

// Signer holds a server's event-signing identity.
type Signer struct {
	Server     ref.ServerName
	KeyVersion string
	Key        ed25519.PrivateKey
}

// KeyID returns the signer's key identifier ("ed25519:<version>").
func (s Signer) KeyID() string { return KeyID(s.KeyVersion) }

// Template holds the caller-chosen fields of a locally originated
// event. Build fills in everything derived: the content hash, the
// origin signature, and the event ID.
type Template struct {
	RoomID     ref.RoomID
	Sender     ref.UserID
	Type       ref.EventType
	StateKey   *string
	Content    any
	Redacts    ref.EventID
	PrevEvents []ref.EventID
	AuthEvents []ref.EventID
	Depth      int64
	Timestamp  int64
}

// StateKeyOf is a convenience for building state-event templates.
func StateKeyOf(key string) *string { return &key }

// Build constructs, hashes, signs, and hydrates a local event. The
// result is immutable and ready for graph insertion and federation
// broadcast.
func Build(template Template, signer Signer, rules roomversion.RuleSet) (*Event, error) {
	content, err := json.Marshal(template.Content)
	if err != nil {
		return nil, fmt.Errorf("pdu: marshalling content for %s: %w", template.Type, err)
	}

	event := &Event{
		AuthEvents:     template.AuthEvents,
		Content:        content,
		Depth:          template.Depth,
		Origin:         signer.Server,
		OriginServerTS: template.Timestamp,
		PrevEvents:     template.PrevEvents,
		Redacts:        template.Redacts,
		RoomID:         template.RoomID,
		Sender:         template.Sender,
		StateKey:       template.StateKey,
		Type:           template.Type,
	}
	if event.PrevEvents == nil {
		event.PrevEvents = []ref.EventID{}
	}
	if event.AuthEvents == nil {
		event.AuthEvents = []ref.EventID{}
	}

	event, err = WithContentHash(event)
	if err != nil {
		return nil, err
	}
	event, err = Sign(event, signer.Server, signer.KeyID(), signer.Key, rules)
	if err != nil {
		return nil, err
	}
	return Hydrate(event, rules)
}

// NewSigner generates a fresh Ed25519 signing identity. Production
// deployments load persisted keys; tests and the replay CLI generate
// throwaway ones.
func NewSigner(server ref.ServerName, keyVersion string) (Signer, ed25519.PublicKey, error) {
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		return Signer{}, nil, fmt.Errorf("pdu: generating signing key: %w", err)
	}
	return Signer{Server: server, KeyVersion: keyVersion, Key: private}, public, nil
}
