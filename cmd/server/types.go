package main

import (
	"fmt"
)

// Default limits for round preparation requests.
const (
	// DefaultDailyLimit is the per-player rounds-per-day cap; zero disables it.
	DefaultDailyLimit = 0

	// DefaultLeaderboardSize is how many rows the leaderboard returns.
	DefaultLeaderboardSize = 10
)

// PrepareRoundRequest is the request body for POST /api/rounds
type PrepareRoundRequest struct {
	// Mode is a mode key or name; "random" draws a weighted combination.
	// Empty means normal mode.
	Mode string `json:"mode"`

	// VocalistBundle pins the round to one rendition for a
	// guess-the-vocalist game; it overrides Mode.
	VocalistBundle string `json:"vocalist_bundle,omitempty"`

	// UserID and GroupID identify the player for daily-limit accounting.
	// Both empty skips the limit check.
	UserID  string `json:"user_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

// Validate checks if the request is valid
func (r *PrepareRoundRequest) Validate() error {
	if (r.UserID == "") != (r.GroupID == "") {
		return fmt.Errorf("user_id and group_id must be provided together")
	}
	return nil
}

// RoundDTO is a prepared round in API responses. The answer fields are
// returned to the caller (the bot), which reveals them only after guessing.
type RoundDTO struct {
	SongID    int    `json:"song_id"`
	Title     string `json:"title"`
	Bundle    string `json:"bundle"`
	ClipPath  string `json:"clip_path"`
	Score     int    `json:"score"`
	ModeKey   string `json:"mode_key"`
	ModeLabel string `json:"mode_label"`
}

// SongDTO represents a catalog entry in listing responses
type SongDTO struct {
	ID      int      `json:"id"`
	Title   string   `json:"title"`
	Bundles []string `json:"bundles"`
}

// ListSongsResponse is the response for GET /api/songs
type ListSongsResponse struct {
	Songs []SongDTO `json:"songs"`
	Count int       `json:"count"`
}

// ModeDTO describes one selectable mode
type ModeDTO struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// ListModesResponse is the response for GET /api/modes
type ListModesResponse struct {
	Modes []ModeDTO `json:"modes"`
	Count int       `json:"count"`
}

// RandomModeResponse is the response for GET /api/modes/random
type RandomModeResponse struct {
	ModeKey   string `json:"mode_key"`
	ModeLabel string `json:"mode_label"`
	Score     int    `json:"score"`
}

// AwardScoreRequest is the request body for POST /api/scores
type AwardScoreRequest struct {
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id"`
	Delta   int    `json:"delta"`
}

// Validate checks if the request is valid
func (r *AwardScoreRequest) Validate() error {
	if r.UserID == "" || r.GroupID == "" {
		return fmt.Errorf("user_id and group_id are required")
	}
	if r.Delta == 0 {
		return fmt.Errorf("delta must be non-zero")
	}
	return nil
}

// AwardScoreResponse is the response for POST /api/scores
type AwardScoreResponse struct {
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id"`
	Total   int    `json:"total"`
}

// LeaderboardEntryDTO is one leaderboard row
type LeaderboardEntryDTO struct {
	UserID string `json:"user_id"`
	Score  int    `json:"score"`
}

// LeaderboardResponse is the response for GET /api/leaderboard
type LeaderboardResponse struct {
	GroupID string                `json:"group_id"`
	Entries []LeaderboardEntryDTO `json:"entries"`
	Count   int                   `json:"count"`
}

// StatusResponse provides server health and degradation state
type StatusResponse struct {
	Status           string `json:"status"`
	SongCount        int    `json:"song_count"`
	SilenceDetection bool   `json:"silence_detection"`
	ClipDir          string `json:"clip_dir"`
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
