// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pdu

import (
	"fmt"
	"strings"

	"github.com/bureau-foundation/federation/roomversion"
)

// Redact returns a copy of the event stripped to the fields the room
// version declares essential: the structural top-level keys plus, for
// the handful of event types whose content carries authorization
// semantics, their protected content sub-fields. All other content is
// removed.
//
// Redaction is idempotent: redacting an already-redacted event is a
// no-op. The reference hash (and therefore the event ID) is computed
// over this form, which is why redaction never changes identity.
func Redact(event *Event, rules roomversion.RuleSet) (*Event, error) {
	envelope, err := event.envelope()
	if err != nil {
		return nil, err
	}

	keep := rules.KeepTopLevel(event.Type)
	redacted := make(map[string]any, len(keep))
	for _, key := range keep {
		if value, ok := envelope[key]; ok {
			redacted[key] = value
		}
	}

	contentKeep := rules.KeepContent(event.Type)
	switch {
	case roomversion.KeepsAllContent(contentKeep):
		// Content survives in full (m.room.create, version 11+).
	case contentKeep == nil:
		redacted["content"] = map[string]any{}
	default:
		content, _ := redacted["content"].(map[string]any)
		redacted["content"] = filterContent(content, contentKeep)
	}

	result, err := fromEnvelope(redacted)
	if err != nil {
		return nil, fmt.Errorf("pdu: rebuilding redacted event: %w", err)
	}
	result.ID = event.ID
	return result, nil
}

// filterContent keeps only the named keys of content. A key of the
// form "outer.inner" retains only sub-key inner of object outer.
func filterContent(content map[string]any, keep []string) map[string]any {
	filtered := make(map[string]any, len(keep))
	for _, key := range keep {
		outer, inner, nested := strings.Cut(key, ".")
		value, ok := content[outer]
		if !ok {
			continue
		}
		if !nested {
			filtered[outer] = value
			continue
		}
		object, ok := value.(map[string]any)
		if !ok {
			continue
		}
		innerValue, ok := object[inner]
		if !ok {
			continue
		}
		existing, ok := filtered[outer].(map[string]any)
		if !ok {
			existing = make(map[string]any, 1)
			filtered[outer] = existing
		}
		existing[inner] = innerValue
	}
	return filtered
}
