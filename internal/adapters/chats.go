package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Napageneral/dossier/internal/store"
)

// ChatsAdapter reads assistant chat sessions from an external SQLite
// database, always read-only. Expected schema:
//
//	sessions(id TEXT, title TEXT, started_at INTEGER, updated_at INTEGER)
//	messages(session_id TEXT, seq INTEGER, role TEXT, body TEXT)
//
// Timestamps are unix seconds. The database belongs to the assistant
// that wrote it; this adapter never mutates it.
type ChatsAdapter struct {
	dbPath string
}

// NewChatsAdapter creates a chats adapter over the given session
// database path.
func NewChatsAdapter(dbPath string) *ChatsAdapter {
	return &ChatsAdapter{dbPath: dbPath}
}

func (a *ChatsAdapter) Name() string {
	return "chats"
}

func (a *ChatsAdapter) Type() string {
	return store.SourceTypeChat
}

// List returns one source per session, oldest first. A missing
// database yields an empty list.
func (a *ChatsAdapter) List(ctx context.Context) ([]SourceInfo, error) {
	if _, err := os.Stat(a.dbPath); os.IsNotExist(err) {
		return nil, nil
	}

	db, err := a.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT id, COALESCE(title, ''), started_at, COALESCE(updated_at, started_at)
		FROM sessions
		ORDER BY started_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SourceInfo
	for rows.Next() {
		var (
			id, title            string
			startedAt, updatedAt int64
		)
		if err := rows.Scan(&id, &title, &startedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if title == "" {
			title = "session " + id
		}
		out = append(out, SourceInfo{
			Type:      store.SourceTypeChat,
			Title:     title,
			Ref:       id,
			CreatedAt: time.Unix(startedAt, 0).UTC(),
			UpdatedAt: time.Unix(updatedAt, 0).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating sessions: %w", err)
	}
	return out, nil
}

// Fetch renders one session's message log as "role: body" lines.
func (a *ChatsAdapter) Fetch(ctx context.Context, ref string) (string, error) {
	db, err := a.open()
	if err != nil {
		return "", err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT role, body
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`, ref)
	if err != nil {
		return "", fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var sb strings.Builder
	count := 0
	for rows.Next() {
		var role, body string
		if err := rows.Scan(&role, &body); err != nil {
			return "", fmt.Errorf("failed to scan message: %w", err)
		}
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(body)
		sb.WriteString("\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed iterating messages: %w", err)
	}
	if count == 0 {
		return "", fmt.Errorf("session %s has no messages: %w", ref, store.ErrNotFound)
	}
	return sb.String(), nil
}

func (a *ChatsAdapter) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+a.dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	return db, nil
}
