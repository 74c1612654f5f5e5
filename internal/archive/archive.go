// Package archive keeps extracted notes in a local sqlite database. A note
// extracted again replaces its earlier row.
package archive

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/pkg/note"
	"github.com/jmylchreest/notedown/pkg/urlnorm"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when no archived note matches.
var ErrNotFound = errors.New("note not found")

// DefaultListLimit applies when List is called without a limit.
const DefaultListLimit = 50

// Entry is an archived note.
type Entry struct {
	ID        string          `json:"id"`
	NoteID    string          `json:"noteId,omitempty"`
	Source    string          `json:"source"`
	Title     string          `json:"title"`
	Note      note.Extraction `json:"note"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Summary is an archived note without its body.
type Summary struct {
	ID        string    `json:"id"`
	NoteID    string    `json:"noteId,omitempty"`
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Archive handles database operations.
type Archive struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory archive.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Debug("archive opened", "path", path)
	return &Archive{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// dedupKey identifies a note across extractions: its id when known,
// otherwise its source URL.
func dedupKey(e note.Extraction) string {
	if id := e.NoteID; id != "" {
		return "id:" + id
	}
	if id := urlnorm.NoteID(e.Source); id != "" {
		return "id:" + id
	}
	return "url:" + e.Source
}

// Save inserts or replaces the note.
func (a *Archive) Save(e note.Extraction) error {
	if e.Source == "" && e.NoteID == "" {
		return errors.New("archive: note has neither source nor id")
	}

	record, err := json.Marshal(e.Record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	noteID := e.NoteID
	if noteID == "" {
		noteID = urlnorm.NoteID(e.Source)
	}
	now := a.now().UTC()

	_, err = a.db.Exec(`
		INSERT INTO notes (id, dedup_key, note_id, source, title, record, markdown, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO UPDATE SET
			note_id = excluded.note_id,
			source = excluded.source,
			title = excluded.title,
			record = excluded.record,
			markdown = excluded.markdown,
			updated_at = excluded.updated_at`,
		uuid.NewString(), dedupKey(e), nullable(noteID), e.Source, e.Title, string(record), e.Markdown, now, now,
	)
	if err != nil {
		return fmt.Errorf("save note: %w", err)
	}
	return nil
}

// Get returns the note with the given row id or note id.
func (a *Archive) Get(key string) (*Entry, error) {
	var (
		entry  Entry
		noteID sql.NullString
		record string
	)
	err := a.db.QueryRow(`
		SELECT id, note_id, source, title, record, markdown, created_at, updated_at
		FROM notes WHERE id = ? OR note_id = ?
		ORDER BY updated_at DESC LIMIT 1`,
		key, key,
	).Scan(&entry.ID, &noteID, &entry.Source, &entry.Title, &record, &entry.Note.Markdown, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get note: %w", err)
	}

	if err := json.Unmarshal([]byte(record), &entry.Note.Record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	entry.NoteID = noteID.String
	return &entry, nil
}

// List returns the most recently updated notes first.
func (a *Archive) List(limit, offset int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := a.db.Query(`
		SELECT id, note_id, source, title, updated_at
		FROM notes ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summaries := []Summary{}
	for rows.Next() {
		var (
			s      Summary
			noteID sql.NullString
		)
		if err := rows.Scan(&s.ID, &noteID, &s.Source, &s.Title, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		s.NoteID = noteID.String
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Count returns the number of archived notes.
func (a *Archive) Count() (int, error) {
	var n int
	if err := a.db.QueryRow("SELECT COUNT(*) FROM notes").Scan(&n); err != nil {
		return 0, fmt.Errorf("count notes: %w", err)
	}
	return n, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
