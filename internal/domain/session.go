// Package domain contains core domain types for the voice relay.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"time"
)

const (
	sessionIDLength = 12
	roomPrefix      = "vmux_"
)

// Session is a point-in-time view of one relayed assistant session.
// It never carries the live transport; callers look that up by ID.
type Session struct {
	ID            string            `json:"session_id"`
	Name          string            `json:"name"`
	Cwd           string            `json:"cwd"`
	DirName       string            `json:"dir_name"`
	Room          string            `json:"room"`
	CreatedAt     time.Time         `json:"created_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Viewers       map[string]string `json:"viewers,omitempty"`
}

// IsStale reports whether the heartbeat is older than timeout at now.
func (s Session) IsStale(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastHeartbeat) > timeout
}

// SessionIDFromCwd derives the stable session identity for a working directory.
func SessionIDFromCwd(cwd string) string {
	sum := sha256.Sum256([]byte(cwd))
	return hex.EncodeToString(sum[:])[:sessionIDLength]
}

// RoomName returns the audio room for a session. It depends only on the ID,
// so two sessions with the same display name never share a room.
func RoomName(sessionID string) string {
	return roomPrefix + sessionID
}

// DirName returns the last path element of cwd, or "" for an empty path.
func DirName(cwd string) string {
	if cwd == "" {
		return ""
	}
	return filepath.Base(filepath.Clean(cwd))
}
