// Package prefs persists the bot's per-guild settings: which voice each
// member speaks with and which text channel is read aloud.
package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed settings store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS voice_prefs (
		guild_id   TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		voice      TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (guild_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS speak_channels (
		guild_id   TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SetVoice stores a member's voice preference, replacing any previous
// one.
func (s *Store) SetVoice(ctx context.Context, guildID, userID, voice string) error {
	query := `
		INSERT INTO voice_prefs (guild_id, user_id, voice, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			voice = excluded.voice,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, guildID, userID, voice); err != nil {
		return fmt.Errorf("set voice: %w", err)
	}
	return nil
}

// VoiceFor returns a member's stored voice, or "" when they have none.
func (s *Store) VoiceFor(ctx context.Context, guildID, userID string) (string, error) {
	var voice string
	err := s.db.QueryRowContext(ctx,
		`SELECT voice FROM voice_prefs WHERE guild_id = ? AND user_id = ?`,
		guildID, userID,
	).Scan(&voice)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get voice: %w", err)
	}
	return voice, nil
}

// ClearVoice removes a member's voice preference.
func (s *Store) ClearVoice(ctx context.Context, guildID, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM voice_prefs WHERE guild_id = ? AND user_id = ?`,
		guildID, userID,
	); err != nil {
		return fmt.Errorf("clear voice: %w", err)
	}
	return nil
}

// SetSpeakChannel marks the guild's text channel whose messages are
// read aloud.
func (s *Store) SetSpeakChannel(ctx context.Context, guildID, channelID string) error {
	query := `
		INSERT INTO speak_channels (guild_id, channel_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(guild_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, guildID, channelID); err != nil {
		return fmt.Errorf("set speak channel: %w", err)
	}
	return nil
}

// SpeakChannel returns the guild's speak channel, or "" when none is
// configured.
func (s *Store) SpeakChannel(ctx context.Context, guildID string) (string, error) {
	var channelID string
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id FROM speak_channels WHERE guild_id = ?`,
		guildID,
	).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get speak channel: %w", err)
	}
	return channelID, nil
}

// ClearSpeakChannel removes the guild's speak channel.
func (s *Store) ClearSpeakChannel(ctx context.Context, guildID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM speak_channels WHERE guild_id = ?`,
		guildID,
	); err != nil {
		return fmt.Errorf("clear speak channel: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
