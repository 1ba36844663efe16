// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/roomversion"
)

// scenario is the parsed form of a scenario file: a room version and
// a list of events referencing each other by label instead of by
// (content-derived, unknowable in advance) event ID.
type scenario struct {
	RoomVersion string          `json:"room_version"`
	Room        string          `json:"room"`
	Events      []scenarioEvent `json:"events"`
}

type scenarioEvent struct {
	Label     string          `json:"label"`
	Sender    string          `json:"sender"`
	Type      string          `json:"type"`
	StateKey  *string         `json:"state_key"`
	Content   json.RawMessage `json:"content"`
	Prev      []string        `json:"prev"`
	Auth      []string        `json:"auth"`
	Timestamp int64           `json:"origin_server_ts"`
}

func loadScenario(path string) (*scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s scenario
	if err := json.Unmarshal(jsonc.ToJSON(data), &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(s.Events) == 0 {
		return nil, fmt.Errorf("%s: scenario has no events", path)
	}

	seen := make(map[string]bool, len(s.Events))
	for i, event := range s.Events {
		if event.Label == "" {
			return nil, fmt.Errorf("%s: event %d has no label", path, i)
		}
		if seen[event.Label] {
			return nil, fmt.Errorf("%s: duplicate label %q", path, event.Label)
		}
		for _, parent := range append(append([]string{}, event.Prev...), event.Auth...) {
			if !seen[parent] {
				return nil, fmt.Errorf("%s: event %q references label %q before it is defined",
					path, event.Label, parent)
			}
		}
		seen[event.Label] = true
	}
	return &s, nil
}

// keyDirectory resolves the signing keys generated for the replay.
type keyDirectory map[string]ed25519.PublicKey

func (d keyDirectory) SigningKey(ctx context.Context, server ref.ServerName, keyID string, notAfter int64) (ed25519.PublicKey, error) {
	key, ok := d[server.String()+"/"+keyID]
	if !ok {
		return nil, fmt.Errorf("no key %s for %s", keyID, server)
	}
	return key, nil
}

// builtScenario holds the signed events in file order plus everything
// a replay needs to process them.
type builtScenario struct {
	version roomversion.Version
	rules   roomversion.RuleSet
	room    ref.RoomID
	events  []*pdu.Event
	labels  map[ref.EventID]string
	keys    keyDirectory
}

// buildScenario signs the scenario's events with freshly generated
// per-server keys. Depths are derived from the prev graph, timestamps
// default to the event's file position so label order is the
// tie-break order unless the file says otherwise.
func buildScenario(s *scenario) (*builtScenario, error) {
	version := roomversion.Version(s.RoomVersion)
	if version == "" {
		version = roomversion.Default
	}
	rules, err := roomversion.Rules(version)
	if err != nil {
		return nil, err
	}

	signers := make(map[ref.ServerName]pdu.Signer)
	keys := make(keyDirectory)
	signerFor := func(server ref.ServerName) (pdu.Signer, error) {
		if signer, ok := signers[server]; ok {
			return signer, nil
		}
		signer, public, err := pdu.NewSigner(server, "replay")
		if err != nil {
			return pdu.Signer{}, err
		}
		signers[server] = signer
		keys[server.String()+"/"+signer.KeyID()] = public
		return signer, nil
	}

	firstSender, err := ref.ParseUserID(s.Events[0].Sender)
	if err != nil {
		return nil, fmt.Errorf("event %q: sender: %w", s.Events[0].Label, err)
	}
	roomID := s.Room
	if roomID == "" {
		roomID = "!replay:" + firstSender.Server().String()
	}
	room, err := ref.ParseRoomID(roomID)
	if err != nil {
		return nil, err
	}

	built := &builtScenario{
		version: version,
		rules:   rules,
		room:    room,
		labels:  make(map[ref.EventID]string, len(s.Events)),
		keys:    keys,
	}
	byLabel := make(map[string]*pdu.Event, len(s.Events))

	for i, se := range s.Events {
		sender, err := ref.ParseUserID(se.Sender)
		if err != nil {
			return nil, fmt.Errorf("event %q: sender: %w", se.Label, err)
		}
		signer, err := signerFor(sender.Server())
		if err != nil {
			return nil, fmt.Errorf("event %q: %w", se.Label, err)
		}

		var depth int64
		prev := make([]ref.EventID, len(se.Prev))
		for j, label := range se.Prev {
			parent := byLabel[label]
			prev[j] = parent.ID
			if parent.Depth+1 > depth {
				depth = parent.Depth + 1
			}
		}
		auth := make([]ref.EventID, len(se.Auth))
		for j, label := range se.Auth {
			auth[j] = byLabel[label].ID
		}

		timestamp := se.Timestamp
		if timestamp == 0 {
			timestamp = 1700000000000 + int64(i)
		}
		content := se.Content
		if content == nil {
			content = json.RawMessage(`{}`)
		}

		event, err := pdu.Build(pdu.Template{
			RoomID:     room,
			Sender:     sender,
			Type:       ref.EventType(se.Type),
			StateKey:   se.StateKey,
			Content:    content,
			PrevEvents: prev,
			AuthEvents: auth,
			Depth:      depth,
			Timestamp:  timestamp,
		}, signer, rules)
		if err != nil {
			return nil, fmt.Errorf("event %q: %w", se.Label, err)
		}

		built.events = append(built.events, event)
		built.labels[event.ID] = se.Label
		byLabel[se.Label] = event
	}
	return built, nil
}
