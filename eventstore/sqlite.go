// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventstore persists the event graph: content-addressed
// event envelopes, resolved state snapshots, and room version rows.
// The sqlite Store is the durable implementation; MemoryStore backs
// tests and the replay tool.
//
// Events are stored as deterministic-CBOR envelopes compressed with
// lz4. State snapshots are deduplicated by their state-group
// fingerprint: many events share one resolved state, so the snapshot
// bytes are written once (zstd-compressed) and each event carries
// only a fingerprint reference.
package eventstore

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/federation/lib/codec"
	"github.com/bureau-foundation/federation/lib/ref"
	"github.com/bureau-foundation/federation/lib/sqlitepool"
	"github.com/bureau-foundation/federation/pdu"
	"github.com/bureau-foundation/federation/roomversion"
	"github.com/bureau-foundation/federation/statecache"
	"github.com/bureau-foundation/federation/stateres"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id    TEXT PRIMARY KEY,
	room_id     TEXT NOT NULL,
	envelope    BLOB NOT NULL,
	raw_size    INTEGER NOT NULL,
	compression INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS events_by_room ON events (room_id);

CREATE TABLE IF NOT EXISTS state_groups (
	fingerprint BLOB PRIMARY KEY,
	state       BLOB NOT NULL,
	raw_size    INTEGER NOT NULL,
	compression INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS event_state (
	event_id    TEXT PRIMARY KEY,
	fingerprint BLOB NOT NULL REFERENCES state_groups (fingerprint)
);

CREATE TABLE IF NOT EXISTS rooms (
	room_id TEXT PRIMARY KEY,
	version TEXT NOT NULL
);
`

// Config holds the parameters for opening a sqlite event store.
type Config struct {
	// Path is the filesystem path to the database file. The parent
	// directory must exist. ":memory:" works for single-connection
	// test stores.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4 if
	// zero or negative.
	PoolSize int

	// Logger receives operational messages. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Store is the sqlite-backed persistence collaborator. Safe for
// concurrent use; writes to one room arrive serialized by the
// engine's room queue, but the store does not depend on that.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open creates an event store backed by sqlite. The database file is
// created and the schema applied if missing.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// PutEvent persists an event envelope. The ID column is the content
// address, so re-storing a present ID is a no-op: the bytes cannot
// differ.
func (s *Store) PutEvent(ctx context.Context, event *pdu.Event) error {
	if event.ID.IsZero() {
		return fmt.Errorf("eventstore: put event: event has no derived ID")
	}

	envelope, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventstore: encoding event %s: %w", event.ID, err)
	}
	blob, tag, err := compress(envelope, compressionLZ4)
	if err != nil {
		return fmt.Errorf("eventstore: compressing event %s: %w", event.ID, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: put event: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO events (event_id, room_id, envelope, raw_size, compression)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				event.ID.String(),
				event.RoomID.String(),
				blob,
				len(envelope),
				int(tag),
			},
		})
	if err != nil {
		return fmt.Errorf("eventstore: put event %s: %w", event.ID, err)
	}
	return nil
}

// Event returns the stored event with its ID reattached, or nil when
// absent.
func (s *Store) Event(ctx context.Context, id ref.EventID) (*pdu.Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: event: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		blob    []byte
		rawSize int
		tag     compressionTag
		found   bool
	)
	err = sqlitex.Execute(conn,
		`SELECT envelope, raw_size, compression FROM events WHERE event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				rawSize = stmt.ColumnInt(1)
				tag = compressionTag(stmt.ColumnInt(2))
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("eventstore: event %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}

	envelope, err := decompress(blob, tag, rawSize)
	if err != nil {
		return nil, fmt.Errorf("eventstore: event %s: %w", id, err)
	}

	var event pdu.Event
	if err := codec.Unmarshal(envelope, &event); err != nil {
		return nil, fmt.Errorf("eventstore: decoding event %s: %w", id, err)
	}
	// The ID is derived, never stored inside the envelope.
	event.ID = id
	return &event, nil
}

// stateRecord is the persisted form of one state-map entry. Records
// are written in tuple-sorted order so the serialized form is
// deterministic.
type stateRecord struct {
	Type     ref.EventType `json:"type"`
	StateKey string        `json:"state_key"`
	EventID  ref.EventID   `json:"event_id"`
}

// PutStateAt stores the resolved state after an event. The snapshot
// bytes are deduplicated by state-group fingerprint: only the first
// event to reach a given resolved state writes the blob, later events
// add a reference row.
func (s *Store) PutStateAt(ctx context.Context, id ref.EventID, state stateres.StateMap) error {
	fingerprint := statecache.NewSnapshot(state).Fingerprint()

	records := make([]stateRecord, 0, len(state))
	for _, tuple := range state.SortedTuples() {
		records = append(records, stateRecord{
			Type:     tuple.Type,
			StateKey: tuple.StateKey,
			EventID:  state[tuple],
		})
	}
	serialized, err := codec.Marshal(records)
	if err != nil {
		return fmt.Errorf("eventstore: encoding state at %s: %w", id, err)
	}
	blob, tag, err := compress(serialized, compressionZstd)
	if err != nil {
		return fmt.Errorf("eventstore: compressing state at %s: %w", id, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: put state: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("eventstore: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO state_groups (fingerprint, state, raw_size, compression)
		 VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{fingerprint[:], blob, len(serialized), int(tag)},
		})
	if err != nil {
		return fmt.Errorf("eventstore: put state group: %w", err)
	}

	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO event_state (event_id, fingerprint) VALUES (?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{id.String(), fingerprint[:]},
		})
	if err != nil {
		return fmt.Errorf("eventstore: put state at %s: %w", id, err)
	}
	return nil
}

// StateAt returns the stored resolved state after an event, or nil
// when no snapshot is stored for it.
func (s *Store) StateAt(ctx context.Context, id ref.EventID) (stateres.StateMap, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: state at: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		blob    []byte
		rawSize int
		tag     compressionTag
		found   bool
	)
	err = sqlitex.Execute(conn,
		`SELECT sg.state, sg.raw_size, sg.compression
		 FROM event_state es JOIN state_groups sg ON sg.fingerprint = es.fingerprint
		 WHERE es.event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				rawSize = stmt.ColumnInt(1)
				tag = compressionTag(stmt.ColumnInt(2))
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("eventstore: state at %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}

	serialized, err := decompress(blob, tag, rawSize)
	if err != nil {
		return nil, fmt.Errorf("eventstore: state at %s: %w", id, err)
	}

	var records []stateRecord
	if err := codec.Unmarshal(serialized, &records); err != nil {
		return nil, fmt.Errorf("eventstore: decoding state at %s: %w", id, err)
	}
	state := make(stateres.StateMap, len(records))
	for _, record := range records {
		state[stateres.Tuple{Type: record.Type, StateKey: record.StateKey}] = record.EventID
	}
	return state, nil
}

// PutRoomVersion records a room's version. The version is fixed at
// creation, so a second write for the same room is ignored.
func (s *Store) PutRoomVersion(ctx context.Context, room ref.RoomID, version roomversion.Version) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: put room version: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO rooms (room_id, version) VALUES (?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{room.String(), string(version)},
		})
	if err != nil {
		return fmt.Errorf("eventstore: put room version %s: %w", room, err)
	}
	return nil
}

// RoomVersion returns the recorded version, or "" when the room is
// unknown.
func (s *Store) RoomVersion(ctx context.Context, room ref.RoomID) (roomversion.Version, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("eventstore: room version: %w", err)
	}
	defer s.pool.Put(conn)

	var version roomversion.Version
	err = sqlitex.Execute(conn,
		`SELECT version FROM rooms WHERE room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{room.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = roomversion.Version(stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("eventstore: room version %s: %w", room, err)
	}
	return version, nil
}
