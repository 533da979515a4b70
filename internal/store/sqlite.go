package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avelier/panelforge/internal/domain"
	"github.com/avelier/panelforge/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	turnMu sync.Mutex // Serializes turn appends to avoid SQLITE_BUSY under write contention
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS games (
		game_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		genre TEXT NOT NULL,
		subgenre TEXT,
		tagline TEXT,
		backend TEXT NOT NULL,
		source_context TEXT,
		image_url TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		turn_id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		game_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('system','user','assistant')),
		content TEXT NOT NULL,
		backend TEXT NOT NULL,
		parent_id INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_pair ON turns(session_id, game_id, turn_id);
	CREATE INDEX IF NOT EXISTS idx_turns_pair_role ON turns(session_id, game_id, role);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, created_at FROM sessions WHERE session_id = ?`, sessionID)

	var sess domain.Session
	var createdAt int64
	err := row.Scan(&sess.ID, &sess.UserID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	return &sess, nil
}

// CreateSession inserts a session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, created_at) VALUES (?, ?, ?)`,
		session.ID, session.UserID, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetGame retrieves a game by ID.
func (s *SQLiteStore) GetGame(ctx context.Context, gameID string) (*domain.Game, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT game_id, title, genre, subgenre, tagline, backend,
		       source_context, image_url, created_at
		FROM games WHERE game_id = ?`, gameID)

	var game domain.Game
	var subgenre, tagline, sourceContext, imageURL sql.NullString
	var createdAt int64
	err := row.Scan(
		&game.ID, &game.Title, &game.Genre, &subgenre, &tagline,
		&game.Backend, &sourceContext, &imageURL, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan game row: %w", err)
	}

	game.Subgenre = subgenre.String
	game.Tagline = tagline.String
	game.SourceContext = sourceContext.String
	game.ImageURL = imageURL.String
	game.CreatedAt = time.Unix(createdAt, 0)
	return &game, nil
}

// CreateGame inserts a game record.
func (s *SQLiteStore) CreateGame(ctx context.Context, game *domain.Game) error {
	createdAt := game.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO games (game_id, title, genre, subgenre, tagline, backend,
		                   source_context, image_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		game.ID, game.Title, game.Genre, nullable(game.Subgenre),
		nullable(game.Tagline), game.Backend, nullable(game.SourceContext),
		nullable(game.ImageURL), createdAt.Unix())
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

// UpdateGameImage sets the cover-image reference for a game.
func (s *SQLiteStore) UpdateGameImage(ctx context.Context, gameID, imageURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE games SET image_url = ? WHERE game_id = ?`, imageURL, gameID)
	if err != nil {
		return fmt.Errorf("update game image: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update game image rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update game image: game %s not found", gameID)
	}
	return nil
}

// AppendTurn inserts a turn and returns its ID.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *domain.Turn) (int64, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.execWithRetry(ctx, `
		INSERT INTO turns (session_id, game_id, role, content, backend, parent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.GameID, string(turn.Role), turn.Content,
		turn.Backend, nullableID(turn.ParentID), createdAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert turn id: %w", err)
	}
	turn.ID = id
	turn.CreatedAt = createdAt
	return id, nil
}

// AppendAssistantTurnCapped inserts an assistant turn only while the pair's
// assistant count is below maxPanels. The count predicate lives inside the
// INSERT statement, so the check-then-insert cannot interleave with another
// appender.
func (s *SQLiteStore) AppendAssistantTurnCapped(ctx context.Context, turn *domain.Turn, maxPanels int) (int64, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.execWithRetry(ctx, `
		INSERT INTO turns (session_id, game_id, role, content, backend, parent_id, created_at)
		SELECT ?, ?, 'assistant', ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM turns
		       WHERE session_id = ? AND game_id = ? AND role = 'assistant') < ?`,
		turn.SessionID, turn.GameID, turn.Content, turn.Backend,
		nullableID(turn.ParentID), createdAt.UnixNano(),
		turn.SessionID, turn.GameID, maxPanels)
	if err != nil {
		return 0, fmt.Errorf("insert assistant turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert assistant turn rows: %w", err)
	}
	if n == 0 {
		return 0, ErrPanelLimit
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert assistant turn id: %w", err)
	}
	turn.ID = id
	turn.Role = domain.RoleAssistant
	turn.CreatedAt = createdAt
	return id, nil
}

// ListRecentTurns returns the most recent limit turns, oldest first.
func (s *SQLiteStore) ListRecentTurns(ctx context.Context, sessionID, gameID string, limit int) ([]*domain.Turn, error) {
	query := `
		SELECT turn_id, session_id, game_id, role, content, backend, parent_id, created_at
		FROM (
			SELECT turn_id, session_id, game_id, role, content, backend, parent_id, created_at
			FROM turns
			WHERE session_id = ? AND game_id = ?
			ORDER BY turn_id DESC
			LIMIT ?
		)
		ORDER BY turn_id ASC`
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT means no limit
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID, gameID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []*domain.Turn
	for rows.Next() {
		var turn domain.Turn
		var role string
		var parentID sql.NullInt64
		var createdAt int64
		if err := rows.Scan(
			&turn.ID, &turn.SessionID, &turn.GameID, &role, &turn.Content,
			&turn.Backend, &parentID, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turn.Role = domain.Role(role)
		if parentID.Valid {
			pid := parentID.Int64
			turn.ParentID = &pid
		}
		turn.CreatedAt = time.Unix(0, createdAt)
		turns = append(turns, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return turns, nil
}

// CountAssistantTurns returns the persisted panel count for the pair.
func (s *SQLiteStore) CountAssistantTurns(ctx context.Context, sessionID, gameID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM turns
		WHERE session_id = ? AND game_id = ? AND role = 'assistant'`,
		sessionID, gameID)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count assistant turns: %w", err)
	}
	return count, nil
}

// execWithRetry retries a write briefly when SQLite reports a lock
// conflict. WAL plus busy_timeout covers most contention; this backstops
// the rare conflict that escapes both.
func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		res, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return res, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return res, err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}
