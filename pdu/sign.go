// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/roomversion"
)

// SigningKeyAlgorithm is the only signature algorithm defined for
// event signing. Key identifiers are "ed25519:<version>".
const SigningKeyAlgorithm = "ed25519"

// KeyID formats a signing key identifier from its version tag.
func KeyID(version string) string {
	return SigningKeyAlgorithm + ":" + version
}

// ParseKeyID splits a key identifier into algorithm and version.
func ParseKeyID(keyID string) (algorithm, version string, err error) {
	algorithm, version, found := strings.Cut(keyID, ":")
	if !found || algorithm == "" || version == "" {
		return "", "", fmt.Errorf("pdu: malformed key ID %q", keyID)
	}
	return algorithm, version, nil
}

// Sign returns a copy of the event carrying a detached signature by
// the given server over the event's signable form (redacted, without
// signatures or unsigned). Existing signatures from other servers are
// preserved — an event gains one signature per origin that vouches
// for it.
func Sign(event *Event, server ref.ServerName, keyID string, key ed25519.PrivateKey, rules roomversion.RuleSet) (*Event, error) {
	payload, err := signableEnvelope(event, rules)
	if err != nil {
		return nil, err
	}
	signature := ed25519.Sign(key, payload)

	signed := *event
	signed.Signatures = make(Signatures, len(event.Signatures)+1)
	for name, keys := range event.Signatures {
		copied := make(map[string]string, len(keys))
		for id, sig := range keys {
			copied[id] = sig
		}
		signed.Signatures[name] = copied
	}
	serverKeys := signed.Signatures[server.String()]
	if serverKeys == nil {
		serverKeys = make(map[string]string, 1)
		signed.Signatures[server.String()] = serverKeys
	}
	serverKeys[keyID] = base64.RawStdEncoding.EncodeToString(signature)
	return &signed, nil
}

// VerifySignature checks the named server's signature under the given
// key. The caller resolves the public key (through the key-resolution
// collaborator); this function is pure crypto.
func VerifySignature(event *Event, server ref.ServerName, keyID string, key ed25519.PublicKey, rules roomversion.RuleSet) error {
	serverKeys, ok := event.Signatures[server.String()]
	if !ok {
		return fmt.Errorf("pdu: event has no signatures from %s", server)
	}
	encoded, ok := serverKeys[keyID]
	if !ok {
		return fmt.Errorf("pdu: event has no signature from %s under key %s", server, keyID)
	}
	signature, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return fmt.Errorf("pdu: signature from %s is not valid base64: %w", server, err)
	}
	payload, err := signableEnvelope(event, rules)
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, payload, signature) {
		return fmt.Errorf("pdu: signature from %s under key %s does not verify", server, keyID)
	}
	return nil
}
