// Package persistence provides SQLite-based session storage.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/taskswitch/internal/engine"
	"github.com/talgya/taskswitch/internal/task"
)

// ErrNotFound is returned when a session ID has no stored row.
var ErrNotFound = errors.New("session not found")

// DB wraps a SQLite connection for session persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer keeps :memory: databases on a single connection.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		mode TEXT NOT NULL,
		disclose_task INTEGER NOT NULL,
		color_level TEXT NOT NULL,
		shape_level TEXT NOT NULL,
		running INTEGER NOT NULL,
		task TEXT NOT NULL,
		axis INTEGER NOT NULL,
		block INTEGER NOT NULL,
		trials INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trials (
		session_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		block INTEGER NOT NULL,
		task TEXT NOT NULL,
		correct INTEGER NOT NULL,
		rt_ms REAL NOT NULL,
		color_level INTEGER NOT NULL,
		shape_level INTEGER NOT NULL,
		chosen TEXT NOT NULL,
		correct_target TEXT NOT NULL,
		ambiguous INTEGER NOT NULL,
		at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, idx)
	);

	CREATE TABLE IF NOT EXISTS blocks (
		session_id TEXT NOT NULL,
		block INTEGER NOT NULL,
		task TEXT NOT NULL,
		axis INTEGER NOT NULL,
		trials INTEGER NOT NULL,
		trials_in_block INTEGER NOT NULL,
		accuracy REAL NOT NULL,
		PRIMARY KEY (session_id, block)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SessionRow is the stored summary of a session.
type SessionRow struct {
	ID           string    `db:"id" json:"id"`
	StartedAt    time.Time `db:"started_at" json:"started_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
	Mode         string    `db:"mode" json:"mode"`
	DiscloseTask bool      `db:"disclose_task" json:"disclose_task"`
	ColorLevel   string    `db:"color_level" json:"color_level"`
	ShapeLevel   string    `db:"shape_level" json:"shape_level"`
	Running      bool      `db:"running" json:"running"`
	Task         string    `db:"task" json:"task"`
	Axis         int       `db:"axis" json:"axis"`
	Block        int       `db:"block" json:"block"`
	Trials       int       `db:"trials" json:"trials"`
}

type trialRow struct {
	SessionID     string    `db:"session_id"`
	Index         int       `db:"idx"`
	Block         int       `db:"block"`
	Task          string    `db:"task"`
	Correct       bool      `db:"correct"`
	RTMs          float64   `db:"rt_ms"`
	ColorLevel    int       `db:"color_level"`
	ShapeLevel    int       `db:"shape_level"`
	Chosen        string    `db:"chosen"`
	CorrectTarget string    `db:"correct_target"`
	Ambiguous     bool      `db:"ambiguous"`
	At            time.Time `db:"at"`
}

type blockRow struct {
	SessionID     string  `db:"session_id"`
	Block         int     `db:"block"`
	Task          string  `db:"task"`
	Axis          int     `db:"axis"`
	Trials        int     `db:"trials"`
	TrialsInBlock int     `db:"trials_in_block"`
	Accuracy      float64 `db:"accuracy"`
}

const insertTrial = `INSERT OR REPLACE INTO trials
	(session_id, idx, block, task, correct, rt_ms, color_level, shape_level,
	 chosen, correct_target, ambiguous, at)
	VALUES (:session_id, :idx, :block, :task, :correct, :rt_ms, :color_level, :shape_level,
	 :chosen, :correct_target, :ambiguous, :at)`

const insertBlock = `INSERT OR REPLACE INTO blocks
	(session_id, block, task, axis, trials, trials_in_block, accuracy)
	VALUES (:session_id, :block, :task, :axis, :trials, :trials_in_block, :accuracy)`

const upsertSession = `INSERT OR REPLACE INTO sessions
	(id, started_at, updated_at, mode, disclose_task, color_level, shape_level,
	 running, task, axis, block, trials)
	VALUES (:id, :started_at, :updated_at, :mode, :disclose_task, :color_level, :shape_level,
	 :running, :task, :axis, :block, :trials)`

func toTrialRow(sessionID string, t engine.Trial) trialRow {
	return trialRow{
		SessionID:     sessionID,
		Index:         t.Index,
		Block:         t.Block,
		Task:          string(t.Task),
		Correct:       t.Correct,
		RTMs:          float64(t.RT) / float64(time.Millisecond),
		ColorLevel:    int(t.Stimulus.Color),
		ShapeLevel:    int(t.Stimulus.Shape),
		Chosen:        string(t.Chosen),
		CorrectTarget: string(t.CorrectTarget),
		Ambiguous:     t.Ambiguous,
		At:            t.At.UTC(),
	}
}

func toBlockRow(sessionID string, b engine.BlockRecord) blockRow {
	return blockRow{
		SessionID:     sessionID,
		Block:         b.Block,
		Task:          string(b.Task),
		Axis:          int(b.Axis),
		Trials:        b.Trials,
		TrialsInBlock: b.TrialsInBlock,
		Accuracy:      b.Accuracy,
	}
}

func toSessionRow(s engine.Session) SessionRow {
	return SessionRow{
		ID:           s.ID,
		StartedAt:    s.StartedAt.UTC(),
		UpdatedAt:    time.Now().UTC(),
		Mode:         string(s.Config.Mode),
		DiscloseTask: s.Config.DiscloseTask,
		ColorLevel:   s.Config.Color.String(),
		ShapeLevel:   s.Config.Shape.String(),
		Running:      s.Running,
		Task:         string(s.Task),
		Axis:         int(s.Axis),
		Block:        s.Block,
		Trials:       s.Trial,
	}
}

// SaveTrial appends one trial record.
func (db *DB) SaveTrial(sessionID string, t engine.Trial) error {
	if _, err := db.conn.NamedExec(insertTrial, toTrialRow(sessionID, t)); err != nil {
		return fmt.Errorf("insert trial %d: %w", t.Index, err)
	}
	return nil
}

// SaveBlock appends one block boundary.
func (db *DB) SaveBlock(sessionID string, b engine.BlockRecord) error {
	if _, err := db.conn.NamedExec(insertBlock, toBlockRow(sessionID, b)); err != nil {
		return fmt.Errorf("insert block %d: %w", b.Block, err)
	}
	return nil
}

// SaveSession writes the session summary and replaces its trials and blocks.
func (db *DB) SaveSession(s engine.Session) error {
	if s.ID == "" {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.NamedExec(upsertSession, toSessionRow(s)); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM trials WHERE session_id = ?", s.ID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM blocks WHERE session_id = ?", s.ID); err != nil {
		return err
	}

	for _, t := range s.History {
		if _, err := tx.NamedExec(insertTrial, toTrialRow(s.ID, t)); err != nil {
			return fmt.Errorf("insert trial %d: %w", t.Index, err)
		}
	}
	for _, b := range s.Blocks {
		if _, err := tx.NamedExec(insertBlock, toBlockRow(s.ID, b)); err != nil {
			return fmt.Errorf("insert block %d: %w", b.Block, err)
		}
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", MetaLastSession, s.ID,
	); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("session saved", "session", s.ID, "trials", len(s.History), "blocks", len(s.Blocks))
	return nil
}

// Meta keys.
const (
	MetaLastSession = "last_session" // ID of the most recently saved session
	MetaSeed        = "seed"         // entropy seed of the last run that opened the store
)

// SaveMeta stores a key-value pair.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM meta WHERE key = ?", key)
	return value, err
}

// ListSessions returns the most recently started sessions first.
func (db *DB) ListSessions(limit int) ([]SessionRow, error) {
	var rows []SessionRow
	err := db.conn.Select(&rows,
		"SELECT * FROM sessions ORDER BY started_at DESC LIMIT ?",
		limit,
	)
	return rows, err
}

// LoadSession rebuilds a stored session with its history and block records.
// Tallies are not stored; analysis recomputes them from the history.
func (db *DB) LoadSession(id string) (*engine.Session, error) {
	var row SessionRow
	if err := db.conn.Get(&row, "SELECT * FROM sessions WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	color, err := engine.ParseLevelControl(row.ColorLevel)
	if err != nil {
		return nil, fmt.Errorf("session %s color level: %w", id, err)
	}
	shape, err := engine.ParseLevelControl(row.ShapeLevel)
	if err != nil {
		return nil, fmt.Errorf("session %s shape level: %w", id, err)
	}

	s := &engine.Session{
		ID: row.ID,
		Config: engine.Config{
			Mode:         engine.Mode(row.Mode),
			DiscloseTask: row.DiscloseTask,
			Color:        color,
			Shape:        shape,
		},
		StartedAt: row.StartedAt,
		Running:   false,
		Phase:     engine.PhaseIdle,
		Task:      task.ID(row.Task),
		Axis:      task.Axis(row.Axis),
		Block:     row.Block,
		Trial:     row.Trials,
	}

	var trials []trialRow
	if err := db.conn.Select(&trials,
		"SELECT * FROM trials WHERE session_id = ? ORDER BY idx", id,
	); err != nil {
		return nil, fmt.Errorf("load trials: %w", err)
	}
	for _, t := range trials {
		s.History = append(s.History, engine.Trial{
			Index:         t.Index,
			Block:         t.Block,
			Task:          task.ID(t.Task),
			Correct:       t.Correct,
			RT:            time.Duration(t.RTMs * float64(time.Millisecond)),
			Stimulus:      task.Stimulus{Color: task.Level(t.ColorLevel), Shape: task.Level(t.ShapeLevel)},
			Chosen:        task.Target(t.Chosen),
			CorrectTarget: task.Target(t.CorrectTarget),
			Ambiguous:     t.Ambiguous,
			At:            t.At,
		})
	}

	var blocks []blockRow
	if err := db.conn.Select(&blocks,
		"SELECT * FROM blocks WHERE session_id = ? ORDER BY block", id,
	); err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	for _, b := range blocks {
		s.Blocks = append(s.Blocks, engine.BlockRecord{
			Block:         b.Block,
			Task:          task.ID(b.Task),
			Axis:          task.Axis(b.Axis),
			Trials:        b.Trials,
			TrialsInBlock: b.TrialsInBlock,
			Accuracy:      b.Accuracy,
		})
	}

	for _, t := range s.History {
		if t.Block == s.Block {
			s.TrialInBlock++
		}
	}

	return s, nil
}
