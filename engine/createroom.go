// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/roomversion"
	"github.com/bureau-foundation/federation/statecache"
)

// CreateRoom creates a local room: the creation event, the creator's
// join, the initial power levels granting the creator level 100, and
// the join rule. Every event runs through the same pipeline as
// federation input and is broadcast to peers when a transport is
// configured. joinRule defaults to "invite" when empty.
func (e *Engine) CreateRoom(ctx context.Context, creator ref.UserID, version roomversion.Version, joinRule string) (ref.RoomID, *statecache.Snapshot, error) {
	if len(e.signer.Key) == 0 {
		return ref.RoomID{}, nil, errors.New("engine: CreateRoom requires Options.Signer")
	}
	if creator.Server() != e.signer.Server {
		return ref.RoomID{}, nil, fmt.Errorf("engine: creator %s is not on this server (%s)", creator, e.signer.Server)
	}
	rules, err := roomversion.Rules(version)
	if err != nil {
		return ref.RoomID{}, nil, err
	}
	if joinRule == "" {
		joinRule = "invite"
	}

	room, err := newRoomID(e.signer.Server)
	if err != nil {
		return ref.RoomID{}, nil, err
	}
	now := e.clock.Now().UnixMilli()

	createContent := map[string]any{"room_version": string(version)}
	if !rules.ImplicitRoomCreator {
		createContent["creator"] = creator.String()
	}
	create, _, err := e.appendLocal(ctx, pdu.Template{
		RoomID:    room,
		Sender:    creator,
		Type:      ref.TypeCreate,
		StateKey:  pdu.StateKeyOf(""),
		Content:   createContent,
		Timestamp: now,
	}, rules)
	if err != nil {
		return ref.RoomID{}, nil, err
	}

	join, _, err := e.appendLocal(ctx, pdu.Template{
		RoomID:     room,
		Sender:     creator,
		Type:       ref.TypeMember,
		StateKey:   pdu.StateKeyOf(creator.String()),
		Content:    map[string]any{"membership": "join"},
		PrevEvents: []ref.EventID{create.ID},
		AuthEvents: []ref.EventID{create.ID},
		Depth:      1,
		Timestamp:  now,
	}, rules)
	if err != nil {
		return ref.RoomID{}, nil, err
	}

	power, _, err := e.appendLocal(ctx, pdu.Template{
		RoomID:   room,
		Sender:   creator,
		Type:     ref.TypePowerLevels,
		StateKey: pdu.StateKeyOf(""),
		Content: map[string]any{
			"users":          map[string]any{creator.String(): 100},
			"users_default":  0,
			"events_default": 0,
			"state_default":  50,
			"ban":            50,
			"kick":           50,
			"redact":         50,
			"invite":         50,
		},
		PrevEvents: []ref.EventID{join.ID},
		AuthEvents: []ref.EventID{create.ID, join.ID},
		Depth:      2,
		Timestamp:  now,
	}, rules)
	if err != nil {
		return ref.RoomID{}, nil, err
	}

	_, snapshot, err := e.appendLocal(ctx, pdu.Template{
		RoomID:     room,
		Sender:     creator,
		Type:       ref.TypeJoinRules,
		StateKey:   pdu.StateKeyOf(""),
		Content:    map[string]any{"join_rule": joinRule},
		PrevEvents: []ref.EventID{power.ID},
		AuthEvents: []ref.EventID{create.ID, join.ID, power.ID},
		Depth:      3,
		Timestamp:  now,
	}, rules)
	if err != nil {
		return ref.RoomID{}, nil, err
	}
	return room, snapshot, nil
}

// appendLocal builds, signs, submits, and broadcasts one locally
// originated event, returning it with the room state after it.
func (e *Engine) appendLocal(ctx context.Context, template pdu.Template, rules roomversion.RuleSet) (*pdu.Event, *statecache.Snapshot, error) {
	event, err := pdu.Build(template, e.signer, rules)
	if err != nil {
		return nil, nil, err
	}
	snapshot, err := e.Submit(ctx, e.signer.Server, event)
	if err != nil {
		return nil, nil, err
	}
	if e.transport != nil {
		if err := e.transport.Broadcast(ctx, event); err != nil {
			// Peers can backfill; local acceptance stands.
			e.logger.Warn("broadcast failed", "room", template.RoomID, "event", event.ID, "error", err)
		}
	}
	return event, snapshot, nil
}

func newRoomID(server ref.ServerName) (ref.RoomID, error) {
	opaque := make([]byte, 18)
	if _, err := rand.Read(opaque); err != nil {
		return ref.RoomID{}, fmt.Errorf("engine: generating room ID: %w", err)
	}
	return ref.ParseRoomID("!" + base64.RawURLEncoding.EncodeToString(opaque) + ":" + server.String())
}
