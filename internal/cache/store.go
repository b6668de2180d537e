package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/flowdeck/flowdeck/internal/transcript"
)

// DefaultMaxMessages bounds how much transcript each session keeps locally.
const DefaultMaxMessages = 200

// Store provides CRUD over cached transcripts.
type Store struct {
	db  *sql.DB
	max int
}

// NewStore creates a Store. max <= 0 selects DefaultMaxMessages.
func NewStore(db *sql.DB, max int) *Store {
	if max <= 0 {
		max = DefaultMaxMessages
	}
	return &Store{db: db, max: max}
}

// Snapshot is one cached transcript.
type Snapshot struct {
	SessionID string
	Agent     string
	Messages  []transcript.Message
	TotalCost float64
	UpdatedAt time.Time
}

// Put upserts a session's transcript, trimming to the most recent bound.
func (s *Store) Put(ctx context.Context, agent, sessionID string, messages []transcript.Message, totalCost float64) error {
	if len(messages) > s.max {
		messages = messages[len(messages)-s.max:]
	}
	blob, err := msgpack.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcripts (session_id, agent, messages, total_cost, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   agent = excluded.agent,
		   messages = excluded.messages,
		   total_cost = excluded.total_cost,
		   updated_at = excluded.updated_at`,
		sessionID, agent, blob, totalCost, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

// Get loads a session's cached transcript. A missing session returns an
// empty snapshot, not an error: an empty cache is a normal cold start.
func (s *Store) Get(ctx context.Context, sessionID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent, messages, total_cost, updated_at FROM transcripts WHERE session_id = ?`,
		sessionID,
	)

	var snap Snapshot
	var blob []byte
	var updated string
	err := row.Scan(&snap.Agent, &blob, &snap.TotalCost, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &Snapshot{SessionID: sessionID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	snap.SessionID = sessionID
	if err := msgpack.Unmarshal(blob, &snap.Messages); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		snap.UpdatedAt = t
	}
	return &snap, nil
}

// Delete drops a session's cached transcript.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	return nil
}
