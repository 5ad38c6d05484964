package store

import (
	"fmt"
	"time"

	"github.com/pixelbao/chatflow/internal/domain"
	"github.com/pixelbao/chatflow/internal/logging"
)

// RequestLog records every admitted inbound context and every outbound
// reply. It satisfies the engine's Recorder interface; write failures
// are logged and swallowed so the pipeline never stalls on the log.
type RequestLog struct {
	db  *DB
	log *logging.Logger
}

// LogEntry is one row of the request log.
type LogEntry struct {
	ID        int64
	MsgID     string
	SessionID string
	ChannelID string
	Direction string // "in" | "out"
	Kind      string
	Content   string
	CreatedAt time.Time
}

// NewRequestLog creates a request log on an open database.
func NewRequestLog(db *DB, log *logging.Logger) *RequestLog {
	return &RequestLog{db: db, log: log.Sub("requestlog")}
}

// RecordInbound logs an admitted inbound context.
func (r *RequestLog) RecordInbound(mc *domain.Context) {
	r.insert(mc.MsgID, mc.SessionID, mc.ChannelID, "in", string(mc.Type), mc.Content)
}

// RecordOutbound logs a reply on its way out.
func (r *RequestLog) RecordOutbound(mc *domain.Context, reply domain.Reply) {
	r.insert(mc.MsgID, mc.SessionID, mc.ChannelID, "out", string(reply.Type), reply.Content)
}

func (r *RequestLog) insert(msgID, sessionID, channelID, direction, kind, content string) {
	_, err := r.db.sql.Exec(`
		INSERT INTO request_log (msg_id, session_id, channel_id, direction, kind, content)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msgID, sessionID, channelID, direction, kind, content,
	)
	if err != nil {
		r.log.Error().Err(err).Str("session", sessionID).Msg("failed to write request log")
	}
}

// Recent returns the newest entries for a session, oldest first.
func (r *RequestLog) Recent(sessionID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.sql.Query(`
		SELECT id, msg_id, session_id, channel_id, direction, kind, content, created_at
		FROM request_log WHERE session_id = ?
		ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying request log: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.MsgID, &e.SessionID, &e.ChannelID, &e.Direction, &e.Kind, &e.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning request log row: %w", err)
		}
		e.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest-first from the query, flip to chronological
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// CountBySession returns how many entries a session has logged.
func (r *RequestLog) CountBySession(sessionID string) (int, error) {
	var n int
	err := r.db.sql.QueryRow("SELECT COUNT(*) FROM request_log WHERE session_id = ?", sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting request log: %w", err)
	}
	return n, nil
}

// Prune deletes entries older than the retention window and reports how
// many rows were removed.
func (r *RequestLog) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format("2006-01-02 15:04:05")
	res, err := r.db.sql.Exec("DELETE FROM request_log WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning request log: %w", err)
	}
	return res.RowsAffected()
}
