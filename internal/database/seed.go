package database

import (
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var defaultRooms = []struct {
	name        string
	description string
}{
	{"一般", "みんなで自由に話しましょう"},
	{"雑談", "気軽な雑談はこちら"},
	{"質問・相談", "困りごとを相談できます"},
}

const (
	seedAdminName     = "管理者"
	seedAdminEmail    = "admin@example.com"
	seedAdminPassword = "admin123"
)

// Seed bootstraps the default rooms and the initial admin account. It is
// idempotent: rooms are only created when none exist, and the admin account
// only when no admin exists.
func (db *PgChatRepository) Seed() error {
	var roomCount int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return fmt.Errorf("count rooms: %w", err)
	}

	if roomCount == 0 {
		for _, room := range defaultRooms {
			_, err := db.conn.Exec(
				"INSERT INTO rooms (name, description, created_at) VALUES ($1, $2, $3)",
				room.name,
				room.description,
				time.Now().UTC(),
			)
			if err != nil {
				return fmt.Errorf("seed room %q: %w", room.name, err)
			}
		}
	}

	var adminCount int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE role = 'admin'").Scan(&adminCount); err != nil {
		return fmt.Errorf("count admins: %w", err)
	}

	if adminCount == 0 {
		pwdHash, err := bcrypt.GenerateFromPassword([]byte(seedAdminPassword), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}

		_, err = db.conn.Exec(
			"INSERT INTO users (name, email, password_hash, role, created_at, updated_at) "+
				"VALUES ($1, $2, $3, 'admin', $4, $4)",
			seedAdminName,
			seedAdminEmail,
			string(pwdHash),
			time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
	}

	return nil
}
