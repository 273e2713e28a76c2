package main

import (
	"context"
	"database/sql"
	"time"
)

// Session event types
const (
	EvtPlayerConnected    = "player_connected"
	EvtPlayerDisconnected = "player_disconnected"
	EvtPlayerBooted       = "player_booted"
	EvtHandshakeFailed    = "handshake_failed"
	EvtAssetServed        = "asset_served"
)

const (
	journalBuffer    = 1024
	journalBatchSize = 50
	journalFlush     = 5 * time.Second

	// fixed width so stored timestamps sort as text
	journalTimeFormat = "2006-01-02T15:04:05.000000000Z"
)

// SessionEvent is one journal entry.
type SessionEvent struct {
	Type      string    `json:"type"`
	Player    string    `json:"player,omitempty"`
	ConnID    string    `json:"conn,omitempty"`
	Data      string    `json:"data,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Journal records session events with batched background writes. A nil
// *Journal discards everything.
type Journal struct {
	db     *DB
	events chan SessionEvent
}

func NewJournal(db *DB) *Journal {
	return &Journal{db: db, events: make(chan SessionEvent, journalBuffer)}
}

// Track enqueues an event without blocking.
func (j *Journal) Track(evtType, player, connID, data string) {
	if j == nil {
		return
	}
	select {
	case j.events <- SessionEvent{
		Type:      evtType,
		Player:    player,
		ConnID:    connID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}:
	default:
		// full: drop rather than stall a connection
	}
}

// Run writes batches until ctx is done, then flushes what is queued.
func (j *Journal) Run(ctx context.Context) error {
	batch := make([]SessionEvent, 0, journalBatchSize)
	ticker := time.NewTicker(journalFlush)
	defer ticker.Stop()

	for {
		select {
		case evt := <-j.events:
			batch = append(batch, evt)
			if len(batch) >= journalBatchSize {
				j.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				j.flush(batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
		drain:
			for {
				select {
				case evt := <-j.events:
					batch = append(batch, evt)
				default:
					break drain
				}
			}
			j.flush(batch)
			return ctx.Err()
		}
	}
}

func (j *Journal) flush(events []SessionEvent) {
	if len(events) == 0 {
		return
	}
	tx, err := j.db.conn.Begin()
	if err != nil {
		Log.WithError(err).Error("journal: begin tx")
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO session_events (event_type, player, conn_id, data, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		Log.WithError(err).Error("journal: prepare")
		return
	}
	defer stmt.Close()

	for _, evt := range events {
		data := sql.NullString{String: evt.Data, Valid: evt.Data != ""}
		if _, err := stmt.Exec(evt.Type, evt.Player, evt.ConnID, data, evt.Timestamp.Format(journalTimeFormat)); err != nil {
			Log.WithError(err).Error("journal: insert")
		}
	}
	if err := tx.Commit(); err != nil {
		Log.WithError(err).Error("journal: commit")
	}
}

// EventCounts returns the number of events per type since the given time.
func (j *Journal) EventCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := j.db.conn.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM session_events WHERE created_at >= ? GROUP BY event_type`,
		since.UTC().Format(journalTimeFormat),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// RecentEvents returns the newest events first.
func (j *Journal) RecentEvents(ctx context.Context, limit int) ([]SessionEvent, error) {
	rows, err := j.db.conn.QueryContext(ctx,
		`SELECT event_type, player, conn_id, data, created_at FROM session_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SessionEvent{}
	for rows.Next() {
		var e SessionEvent
		var data sql.NullString
		var ts string
		if err := rows.Scan(&e.Type, &e.Player, &e.ConnID, &data, &ts); err != nil {
			return nil, err
		}
		e.Data = data.String
		e.Timestamp, _ = time.Parse(journalTimeFormat, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
