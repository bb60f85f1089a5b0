package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shmooki/royal-mail-ship/models"
)

var ErrNoRows = errors.New("no rows found")

// DB is the audit store: join history, presence and completed uploads.
// Nothing in it is consulted for membership or authentication.
type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS presence (
			user_id INTEGER PRIMARY KEY,
			username TEXT NOT NULL,
			last_online TEXT NOT NULL DEFAULT '',
			last_offline TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			joined_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS uploads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			file_name TEXT NOT NULL,
			size INTEGER NOT NULL,
			path TEXT NOT NULL,
			completed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_channel ON subscriptions(channel_id, joined_at)`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_channel ON uploads(channel_id, completed_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// Presence methods

// UpdateLastOnline records a login, creating the presence row if needed.
func (db *DB) UpdateLastOnline(userID uint64, username string, t time.Time) error {
	_, err := db.conn.Exec(
		`INSERT INTO presence (user_id, username, last_online) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET username = excluded.username, last_online = excluded.last_online`,
		userID, username, t.UTC().Format(time.RFC3339),
	)
	return err
}

func (db *DB) UpdateLastOffline(userID uint64, t time.Time) error {
	result, err := db.conn.Exec(
		"UPDATE presence SET last_offline = ? WHERE user_id = ?",
		t.UTC().Format(time.RFC3339), userID,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

func (db *DB) GetPresence(userID uint64) (models.Presence, error) {
	var p models.Presence
	var onlineStr, offlineStr string
	err := db.conn.QueryRow(
		"SELECT user_id, username, last_online, last_offline FROM presence WHERE user_id = ?",
		userID,
	).Scan(&p.UserID, &p.Username, &onlineStr, &offlineStr)
	if err == sql.ErrNoRows {
		return p, ErrNoRows
	}
	if err != nil {
		return p, err
	}

	if onlineStr != "" {
		p.LastOnline, _ = time.Parse(time.RFC3339, onlineStr)
	}
	if offlineStr != "" {
		p.LastOffline, _ = time.Parse(time.RFC3339, offlineStr)
	}
	return p, nil
}

// Subscription methods

func (db *DB) RecordSubscription(sub models.Subscription) error {
	_, err := db.conn.Exec(
		"INSERT INTO subscriptions (channel_id, user_id, joined_at) VALUES (?, ?, ?)",
		sub.ChannelID, sub.UserID, sub.JoinedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (db *DB) GetSubscriptions(channelID uint64) ([]models.Subscription, error) {
	rows, err := db.conn.Query(
		"SELECT channel_id, user_id, joined_at FROM subscriptions WHERE channel_id = ? ORDER BY id ASC",
		channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		var s models.Subscription
		var joinedStr string
		if err := rows.Scan(&s.ChannelID, &s.UserID, &joinedStr); err != nil {
			return nil, err
		}
		s.JoinedAt, err = time.Parse(time.RFC3339Nano, joinedStr)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}

	return subs, rows.Err()
}

// Upload methods

func (db *DB) RecordUpload(u models.Upload) error {
	_, err := db.conn.Exec(
		"INSERT INTO uploads (channel_id, sender_id, file_name, size, path, completed_at) VALUES (?, ?, ?, ?, ?, ?)",
		u.ChannelID, u.SenderID, u.FileName, u.Size, u.Path, u.CompletedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (db *DB) GetUploads(channelID uint64) ([]models.Upload, error) {
	rows, err := db.conn.Query(
		"SELECT channel_id, sender_id, file_name, size, path, completed_at FROM uploads WHERE channel_id = ? ORDER BY id ASC",
		channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uploads []models.Upload
	for rows.Next() {
		var u models.Upload
		var completedStr string
		if err := rows.Scan(&u.ChannelID, &u.SenderID, &u.FileName, &u.Size, &u.Path, &completedStr); err != nil {
			return nil, err
		}
		u.CompletedAt, err = time.Parse(time.RFC3339, completedStr)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}

	return uploads, rows.Err()
}
