package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"bankrun-lab/internal/game"
)

var ErrNotFound = errors.New("not_found")

// Store wraps DB access. It is a pure sink from the game core's
// perspective; only the admin API reads.
type Store struct {
	DB *sql.DB
}

func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() {
	if s.DB != nil {
		_ = s.DB.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.DB.PingContext(ctx)
}

// Bootstrap creates the schema when missing.
func (s *Store) Bootstrap(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS game_results (
    id                  TEXT PRIMARY KEY,
    game_id             TEXT UNIQUE NOT NULL,
    room_code           TEXT NOT NULL,
    mode                TEXT NOT NULL,
    ts                  TIMESTAMPTZ NOT NULL,
    chat_enabled        BOOLEAN NOT NULL DEFAULT FALSE,
    rounds              JSONB NOT NULL,
    total_payoffs       JSONB NOT NULL,
    player_types        JSONB NOT NULL,
    metadata            JSONB NOT NULL,
    reconnection_tokens JSONB
);
CREATE INDEX IF NOT EXISTS game_results_room_code_idx ON game_results (room_code);
CREATE INDEX IF NOT EXISTS game_results_ts_idx ON game_results (ts);

CREATE TABLE IF NOT EXISTS global_config (
    id                SMALLINT PRIMARY KEY CHECK (id = 1),
    opponent_type     TEXT NOT NULL,
    game_mode         TEXT NOT NULL,
    total_rounds      INT NOT NULL,
    chat_enabled      BOOLEAN NOT NULL,
    chat_duration_sec INT NOT NULL,
    chat_frequency    TEXT NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);`)
	return err
}

// SaveGameResult writes the end-of-game document.
func (s *Store) SaveGameResult(ctx context.Context, doc GameResultDoc) error {
	rounds, err := json.Marshal(doc.Rounds)
	if err != nil {
		return fmt.Errorf("marshal rounds: %w", err)
	}
	totals, err := json.Marshal(doc.TotalPayoffs)
	if err != nil {
		return fmt.Errorf("marshal totals: %w", err)
	}
	playerTypes, err := json.Marshal(doc.PlayerTypes)
	if err != nil {
		return fmt.Errorf("marshal player types: %w", err)
	}
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tokens, err := json.Marshal(doc.ReconnectionTokens)
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
INSERT INTO game_results (id, game_id, room_code, mode, ts, chat_enabled, rounds, total_payoffs, player_types, metadata, reconnection_tokens)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		NewID(), doc.GameID, doc.RoomCode, string(doc.Mode), doc.Timestamp, doc.ChatEnabled,
		rounds, totals, playerTypes, metadata, tokens)
	return err
}

// ListGameResults returns one page plus the unpaginated total.
func (s *Store) ListGameResults(ctx context.Context, f ResultFilter, limit, offset int) ([]GameResultDoc, int, error) {
	where, args := buildResultFilter(f)

	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM game_results`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT game_id, room_code, mode, ts, chat_enabled, rounds, total_payoffs, player_types, metadata, reconnection_tokens
FROM game_results` + where + fmt.Sprintf(` ORDER BY ts DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := s.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	docs := []GameResultDoc{}
	for rows.Next() {
		doc, err := scanResult(rows)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	return docs, total, rows.Err()
}

// ExportGameResults streams every matching document, newest first.
func (s *Store) ExportGameResults(ctx context.Context, f ResultFilter) ([]GameResultDoc, error) {
	where, args := buildResultFilter(f)
	rows, err := s.DB.QueryContext(ctx, `SELECT game_id, room_code, mode, ts, chat_enabled, rounds, total_payoffs, player_types, metadata, reconnection_tokens
FROM game_results`+where+` ORDER BY ts DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []GameResultDoc{}
	for rows.Next() {
		doc, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// GetGameResult fetches one document by game id.
func (s *Store) GetGameResult(ctx context.Context, gameID string) (GameResultDoc, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT game_id, room_code, mode, ts, chat_enabled, rounds, total_payoffs, player_types, metadata, reconnection_tokens
FROM game_results WHERE game_id = $1`, gameID)
	doc, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return GameResultDoc{}, ErrNotFound
	}
	return doc, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (GameResultDoc, error) {
	var (
		doc                                         GameResultDoc
		mode                                        string
		rounds, totals, playerTypes, metadata, toks []byte
	)
	if err := row.Scan(&doc.GameID, &doc.RoomCode, &mode, &doc.Timestamp, &doc.ChatEnabled,
		&rounds, &totals, &playerTypes, &metadata, &toks); err != nil {
		return GameResultDoc{}, err
	}
	doc.Mode = game.Mode(mode)
	if err := json.Unmarshal(rounds, &doc.Rounds); err != nil {
		return GameResultDoc{}, fmt.Errorf("unmarshal rounds: %w", err)
	}
	if err := json.Unmarshal(totals, &doc.TotalPayoffs); err != nil {
		return GameResultDoc{}, fmt.Errorf("unmarshal totals: %w", err)
	}
	if err := json.Unmarshal(playerTypes, &doc.PlayerTypes); err != nil {
		return GameResultDoc{}, fmt.Errorf("unmarshal player types: %w", err)
	}
	if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
		return GameResultDoc{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(toks) > 0 {
		if err := json.Unmarshal(toks, &doc.ReconnectionTokens); err != nil {
			return GameResultDoc{}, fmt.Errorf("unmarshal tokens: %w", err)
		}
	}
	return doc, nil
}

func buildResultFilter(f ResultFilter) (string, []any) {
	clauses := []string{}
	args := []any{}
	if f.Mode != "" {
		args = append(args, f.Mode)
		clauses = append(clauses, fmt.Sprintf("mode = $%d", len(args)))
	}
	if f.PlayerType != "" {
		args = append(args, fmt.Sprintf(`["%s"]`, f.PlayerType))
		clauses = append(clauses, fmt.Sprintf("player_types @> $%d::jsonb", len(args)))
	}
	if f.From != nil {
		args = append(args, *f.From)
		clauses = append(clauses, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		clauses = append(clauses, fmt.Sprintf("ts <= $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

// GetGlobalConfig reads the singleton row; ErrNotFound when it was
// never written.
func (s *Store) GetGlobalConfig(ctx context.Context) (GlobalConfig, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT opponent_type, game_mode, total_rounds, chat_enabled, chat_duration_sec, chat_frequency, updated_at
FROM global_config WHERE id = 1`)
	var (
		cfg  GlobalConfig
		mode string
	)
	err := row.Scan(&cfg.OpponentType, &mode, &cfg.TotalRounds, &cfg.ChatEnabled, &cfg.ChatDurationSec, &cfg.ChatFrequency, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return GlobalConfig{}, ErrNotFound
	}
	cfg.GameMode = game.Mode(mode)
	return cfg, err
}

// UpdateGlobalConfig upserts the singleton row.
func (s *Store) UpdateGlobalConfig(ctx context.Context, cfg GlobalConfig) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO global_config (id, opponent_type, game_mode, total_rounds, chat_enabled, chat_duration_sec, chat_frequency, updated_at)
VALUES (1, $1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    opponent_type = EXCLUDED.opponent_type,
    game_mode = EXCLUDED.game_mode,
    total_rounds = EXCLUDED.total_rounds,
    chat_enabled = EXCLUDED.chat_enabled,
    chat_duration_sec = EXCLUDED.chat_duration_sec,
    chat_frequency = EXCLUDED.chat_frequency,
    updated_at = EXCLUDED.updated_at`,
		cfg.OpponentType, string(cfg.GameMode), cfg.TotalRounds, cfg.ChatEnabled, cfg.ChatDurationSec, cfg.ChatFrequency, time.Now())
	return err
}
