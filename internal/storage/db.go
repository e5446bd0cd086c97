package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"pimsync/internal"
)

// DB keeps generation sessions between CLI invocations: the results of a run,
// the operator's selection and which items were committed.
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

type Session struct {
	ID        string
	CreatedAt time.Time
	Channel   string
	Locale    string
	Provider  string
	Model     string
	Profile   string
	Total     int
	Succeeded int
	Committed int
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn, now: time.Now}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  channel TEXT NOT NULL,
  locale TEXT NOT NULL,
  provider TEXT NOT NULL,
  model TEXT NOT NULL,
  profile TEXT NOT NULL,
  createdAt TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS results (
  sessionId TEXT NOT NULL,
  itemKey TEXT NOT NULL,
  title TEXT NOT NULL,
  html TEXT,
  error TEXT,
  qualityLevel TEXT NOT NULL,
  qualityMessage TEXT NOT NULL,
  sourceLength INTEGER NOT NULL,
  derivedUrl TEXT NOT NULL,
  metaTitle TEXT NOT NULL DEFAULT '',
  metaDescription TEXT NOT NULL DEFAULT '',
  selected INTEGER NOT NULL DEFAULT 0,
  committedAt TEXT,
  commitError TEXT,
  PRIMARY KEY(sessionId, itemKey),
  FOREIGN KEY(sessionId) REFERENCES sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_results_session ON results(sessionId);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

	_, err := d.conn.Exec(schema)
	return err
}

// CreateSession records a new run and returns its time-ordered id.
func (d *DB) CreateSession(s Session) (Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Session{}, err
	}
	s.ID = id.String()
	s.CreatedAt = d.now().UTC()
	_, err = d.conn.Exec(`
INSERT INTO sessions (id, channel, locale, provider, model, profile, createdAt)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, s.ID, s.Channel, s.Locale, s.Provider, s.Model, s.Profile, s.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// SaveResults stores the results of a session. Successful results start out
// selected; a re-saved result keeps its commit state.
func (d *DB) SaveResults(sessionID string, results []internal.GenerationResult) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
INSERT INTO results (
  sessionId, itemKey, title, html, error, qualityLevel, qualityMessage,
  sourceLength, derivedUrl, metaTitle, metaDescription, selected
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(sessionId, itemKey) DO UPDATE SET
  title=excluded.title,
  html=excluded.html,
  error=excluded.error,
  qualityLevel=excluded.qualityLevel,
  qualityMessage=excluded.qualityMessage,
  sourceLength=excluded.sourceLength,
  derivedUrl=excluded.derivedUrl,
  metaTitle=excluded.metaTitle,
  metaDescription=excluded.metaDescription,
  selected=excluded.selected
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.Exec(
			sessionID, string(r.Key), r.Title, r.HTML, r.Error, string(r.Quality.Level), r.Quality.Message,
			r.Quality.SourceLength, r.DerivedURL, r.MetaTitle, r.MetaDescription, boolToInt(r.Succeeded()),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadSession returns nil when the session does not exist. Results are sorted
// by key.
func (d *DB) LoadSession(sessionID string) (*Session, []internal.GenerationResult, internal.SelectionSet, error) {
	s, err := d.getSession(sessionID)
	if err != nil || s == nil {
		return nil, nil, nil, err
	}

	rows, err := d.conn.Query(`
SELECT itemKey, title, html, error, qualityLevel, qualityMessage, sourceLength,
       derivedUrl, metaTitle, metaDescription, selected
FROM results WHERE sessionId = ? ORDER BY itemKey ASC
`, sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()

	results := make([]internal.GenerationResult, 0)
	selection := internal.SelectionSet{}
	for rows.Next() {
		var r internal.GenerationResult
		var key, level string
		var html, errMsg sql.NullString
		var selected int
		if err := rows.Scan(&key, &r.Title, &html, &errMsg, &level, &r.Quality.Message, &r.Quality.SourceLength,
			&r.DerivedURL, &r.MetaTitle, &r.MetaDescription, &selected); err != nil {
			return nil, nil, nil, err
		}
		r.Key = internal.ItemKey(key)
		r.Quality.Level = internal.QualityLevel(level)
		if html.Valid {
			r.HTML = internal.StringPtr(html.String)
		}
		if errMsg.Valid {
			r.Error = internal.StringPtr(errMsg.String)
		}
		if r.Succeeded() {
			selection[r.Key] = selected == 1
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}
	return s, results, selection, nil
}

func (d *DB) getSession(sessionID string) (*Session, error) {
	var s Session
	var createdAt string
	err := d.conn.QueryRow(`
SELECT s.id, s.channel, s.locale, s.provider, s.model, s.profile, s.createdAt,
       COUNT(r.itemKey),
       COALESCE(SUM(CASE WHEN r.html IS NOT NULL THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN r.committedAt IS NOT NULL THEN 1 ELSE 0 END), 0)
FROM sessions s LEFT JOIN results r ON r.sessionId = s.id
WHERE s.id = ?
GROUP BY s.id
`, sessionID).Scan(&s.ID, &s.Channel, &s.Locale, &s.Provider, &s.Model, &s.Profile, &createdAt, &s.Total, &s.Succeeded, &s.Committed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &s, nil
}

// LatestSessionID returns "" when no session exists.
func (d *DB) LatestSessionID() (string, error) {
	var id string
	err := d.conn.QueryRow(`SELECT id FROM sessions ORDER BY createdAt DESC, id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (d *DB) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.conn.Query(`SELECT id FROM sessions ORDER BY createdAt DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		s, err := d.getSession(id)
		if err != nil {
			return nil, err
		}
		if s != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

// SetSelection stores the operator's selection. Keys of failed results are
// ignored.
func (d *DB) SetSelection(sessionID string, selection internal.SelectionSet) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for key, selected := range selection {
		if _, err := tx.Exec(`
UPDATE results SET selected = ? WHERE sessionId = ? AND itemKey = ? AND html IS NOT NULL
`, boolToInt(selected), sessionID, string(key)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *DB) MarkCommitted(sessionID string, key internal.ItemKey) error {
	return d.execOne(`
UPDATE results SET committedAt = ?, commitError = NULL WHERE sessionId = ? AND itemKey = ?
`, d.now().UTC().Format(time.RFC3339Nano), sessionID, string(key))
}

func (d *DB) MarkCommitError(sessionID string, key internal.ItemKey, msg string) error {
	return d.execOne(`UPDATE results SET commitError = ? WHERE sessionId = ? AND itemKey = ?`, msg, sessionID, string(key))
}

// CommittedKeys lists the items already written back in this session.
func (d *DB) CommittedKeys(sessionID string) (map[internal.ItemKey]bool, error) {
	rows, err := d.conn.Query(`SELECT itemKey FROM results WHERE sessionId = ? AND committedAt IS NOT NULL`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[internal.ItemKey]bool{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out[internal.ItemKey(key)] = true
	}
	return out, rows.Err()
}

// CommitErrors returns the last commit failure per item.
func (d *DB) CommitErrors(sessionID string) (map[internal.ItemKey]string, error) {
	rows, err := d.conn.Query(`SELECT itemKey, commitError FROM results WHERE sessionId = ? AND commitError IS NOT NULL`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[internal.ItemKey]string{}
	for rows.Next() {
		var key, msg string
		if err := rows.Scan(&key, &msg); err != nil {
			return nil, err
		}
		out[internal.ItemKey(key)] = msg
	}
	return out, rows.Err()
}

func (d *DB) PurgeSession(sessionID string) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM results WHERE sessionId = ?`, sessionID); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return tx.Commit()
}

func (d *DB) SetMetadata(key, value string) error {
	_, err := d.conn.Exec(`
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

func (d *DB) GetMetadata(key string) (*string, error) {
	var value string
	err := d.conn.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func (d *DB) execOne(query string, args ...any) error {
	res, err := d.conn.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("no matching result row")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
