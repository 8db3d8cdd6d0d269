// Package stats keeps a persistent play log so shuffle policies and
// listening history survive restarts.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Store records song plays in SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// PlayedSong is one row of the play log, aggregated per song.
type PlayedSong struct {
	SongID     int
	Title      string
	Artist     string
	PlayCount  int
	LastPlayed time.Time
}

// Open opens (creating if needed) the play log at dbPath.
func Open(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS plays (
			song_id INTEGER PRIMARY KEY,
			title TEXT NOT NULL,
			artist TEXT,
			play_count INTEGER NOT NULL DEFAULT 0,
			last_played INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_last_played ON plays(last_played);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With().Str("component", "stats").Logger(),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SongPlayed bumps the song's play count. Failures are logged and
// swallowed; a broken play log must never stop playback.
func (s *Store) SongPlayed(id int, title, artist string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
		INSERT INTO plays (song_id, title, artist, play_count, last_played)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(song_id) DO UPDATE SET
			title = excluded.title,
			artist = excluded.artist,
			play_count = play_count + 1,
			last_played = excluded.last_played
	`
	if _, err := s.db.ExecContext(ctx, query, id, title, artist, time.Now().Unix()); err != nil {
		s.logger.Warn().Err(err).Int("song", id).Msg("failed to record play")
	}
}

// PlayInfo returns the play count and last-played time for a song, zero
// values when it has never been played.
func (s *Store) PlayInfo(id int) (int, time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var count int
	var lastUnix int64
	err := s.db.QueryRowContext(ctx,
		"SELECT play_count, last_played FROM plays WHERE song_id = ?", id,
	).Scan(&count, &lastUnix)
	if err == sql.ErrNoRows {
		return 0, time.Time{}
	}
	if err != nil {
		s.logger.Warn().Err(err).Int("song", id).Msg("failed to read play info")
		return 0, time.Time{}
	}
	if lastUnix == 0 {
		return count, time.Time{}
	}
	return count, time.Unix(lastUnix, 0)
}

// TopPlayed returns the most-played songs, ordered by play count.
func (s *Store) TopPlayed(ctx context.Context, limit int) ([]PlayedSong, error) {
	query := `
		SELECT song_id, title, COALESCE(artist, ''), play_count, last_played
		FROM plays
		ORDER BY play_count DESC, last_played DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query plays: %w", err)
	}
	defer rows.Close()

	var songs []PlayedSong
	for rows.Next() {
		var p PlayedSong
		var lastUnix int64
		if err := rows.Scan(&p.SongID, &p.Title, &p.Artist, &p.PlayCount, &lastUnix); err != nil {
			return nil, fmt.Errorf("failed to scan play: %w", err)
		}
		if lastUnix > 0 {
			p.LastPlayed = time.Unix(lastUnix, 0)
		}
		songs = append(songs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plays: %w", err)
	}
	return songs, nil
}
