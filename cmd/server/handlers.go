package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/HakuchumuHYX/HakuBot-sub002/internal/catalog"
	"github.com/HakuchumuHYX/HakuBot-sub002/internal/game"
	"github.com/HakuchumuHYX/HakuBot-sub002/internal/storage"
	"github.com/HakuchumuHYX/HakuBot-sub002/pkg/logger"
)

// Server encapsulates the HTTP server and its dependencies
type Server struct {
	svc    *game.Service
	cat    *catalog.Catalog
	db     *storage.DBClient
	config *ServerConfig
	log    *logger.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	ClipDir        string
	DailyLimit     int
	AllowedOrigins []string
}

// NewServer creates a new server instance
func NewServer(svc *game.Service, cat *catalog.Catalog, db *storage.DBClient, config *ServerConfig) *Server {
	return &Server{
		svc:    svc,
		cat:    cat,
		db:     db,
		config: config,
		log:    logger.GetLogger(),
	}
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// handleRoot handles GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "Song Guessing Game API",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"health":      "GET /health",
			"status":      "GET /api/status",
			"songs":       "GET /api/songs",
			"modes":       "GET /api/modes",
			"randomMode":  "GET /api/modes/random",
			"prepare":     "POST /api/rounds",
			"awardScore":  "POST /api/scores",
			"leaderboard": "GET /api/leaderboard?group={id}",
		},
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, StatusResponse{
		Status:           "healthy",
		SongCount:        len(s.cat.Songs()),
		SilenceDetection: s.svc.SilenceDetectionEnabled(),
		ClipDir:          s.config.ClipDir,
	})
}

// handleListSongs handles GET /api/songs?stem={kind}&anvo=1
func (s *Server) handleListSongs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var songs []*catalog.Song
	switch {
	case r.URL.Query().Get("anvo") != "":
		songs = s.cat.AnotherVocalSongs()
	case r.URL.Query().Get("stem") != "":
		kind := catalog.StemKind(r.URL.Query().Get("stem"))
		valid := false
		for _, k := range catalog.AllStems() {
			if k == kind {
				valid = true
				break
			}
		}
		if !valid {
			s.respondError(w, http.StatusBadRequest, "Unknown stem kind: "+string(kind))
			return
		}
		songs = s.cat.SongsWithStem(kind)
	default:
		songs = s.cat.Songs()
	}

	dtos := make([]SongDTO, 0, len(songs))
	for _, song := range songs {
		dtos = append(dtos, SongDTO{ID: song.ID, Title: song.Title, Bundles: song.Bundles()})
	}
	s.respondJSON(w, http.StatusOK, ListSongsResponse{Songs: dtos, Count: len(dtos)})
}

// handleListModes handles GET /api/modes
func (s *Server) handleListModes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	modes := s.svc.ListModes()
	dtos := make([]ModeDTO, 0, len(modes))
	for _, m := range modes {
		dtos = append(dtos, ModeDTO{Key: m.Key, Name: m.Name, Score: m.Score})
	}
	s.respondJSON(w, http.StatusOK, ListModesResponse{Modes: dtos, Count: len(dtos)})
}

// handleRandomMode handles GET /api/modes/random
func (s *Server) handleRandomMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	combo, err := s.svc.RandomCombination()
	if err != nil {
		s.log.Errorf("Failed to draw random mode: %v", err)
		s.respondError(w, http.StatusServiceUnavailable, "No playable random combinations")
		return
	}
	s.respondJSON(w, http.StatusOK, RandomModeResponse{
		ModeKey:   combo.ModeKey(),
		ModeLabel: combo.DisplayLabel(),
		Score:     combo.Score,
	})
}

// handlePrepareRound handles POST /api/rounds
func (s *Server) handlePrepareRound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req PrepareRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.UserID != "" && s.config.DailyLimit > 0 {
		granted, err := s.db.ConsumePlay(req.UserID, req.GroupID, s.config.DailyLimit)
		if err != nil {
			s.log.Errorf("Failed to check daily limit: %v", err)
			s.respondError(w, http.StatusInternalServerError, "Failed to check daily limit")
			return
		}
		if !granted {
			s.respondError(w, http.StatusTooManyRequests, "Daily play limit reached")
			return
		}
	}

	var roundReq game.RoundRequest
	if req.VocalistBundle != "" {
		song := s.cat.SongForBundle(req.VocalistBundle)
		if song == nil {
			s.respondError(w, http.StatusBadRequest, "Unknown bundle: "+req.VocalistBundle)
			return
		}
		var vocal *catalog.VocalVariant
		for i := range song.Vocals {
			if song.Vocals[i].Bundle == req.VocalistBundle {
				vocal = &song.Vocals[i]
				break
			}
		}
		roundReq = s.svc.VocalistRequest(song, vocal)
	} else {
		var err error
		roundReq, err = s.svc.BuildRequest(req.Mode)
		if err != nil {
			if errors.Is(err, game.ErrUnknownMode) {
				s.respondError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}

	res, err := s.svc.PrepareRound(r.Context(), roundReq)
	if err != nil {
		s.log.Errorf("Failed to prepare round: %v", err)
		switch {
		case errors.Is(err, game.ErrNoCandidates):
			s.respondError(w, http.StatusServiceUnavailable, "No candidate songs for this mode")
		case errors.Is(err, game.ErrNoPlayableRound):
			s.respondError(w, http.StatusServiceUnavailable, "Could not prepare a playable round")
		default:
			s.respondError(w, http.StatusInternalServerError, "Round preparation failed")
		}
		return
	}

	s.respondJSON(w, http.StatusOK, RoundDTO{
		SongID:    res.Song.ID,
		Title:     res.Song.Title,
		Bundle:    res.Bundle,
		ClipPath:  res.ClipPath,
		Score:     res.Score,
		ModeKey:   res.ModeKey,
		ModeLabel: res.ModeLabel,
	})
}

// handleAwardScore handles POST /api/scores
func (s *Server) handleAwardScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req AwardScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	total, err := s.db.AddScore(req.UserID, req.GroupID, req.Delta)
	if err != nil {
		s.log.Errorf("Failed to award score: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to award score")
		return
	}
	s.respondJSON(w, http.StatusOK, AwardScoreResponse{
		UserID:  req.UserID,
		GroupID: req.GroupID,
		Total:   total,
	})
}

// handleLeaderboard handles GET /api/leaderboard?group={id}&limit={n}
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	groupID := r.URL.Query().Get("group")
	if groupID == "" {
		s.respondError(w, http.StatusBadRequest, "group query parameter is required")
		return
	}

	limit := DefaultLeaderboardSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	rows, err := s.db.TopScores(groupID, limit)
	if err != nil {
		s.log.Errorf("Failed to query leaderboard: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to query leaderboard")
		return
	}

	entries := make([]LeaderboardEntryDTO, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, LeaderboardEntryDTO{UserID: row.UserID, Score: row.Score})
	}
	s.respondJSON(w, http.StatusOK, LeaderboardResponse{
		GroupID: groupID,
		Entries: entries,
		Count:   len(entries),
	})
}
