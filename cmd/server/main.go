package main

import (
	"flag"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/HakuchumuHYX/HakuBot-sub002/internal/audioproc"
	"github.com/HakuchumuHYX/HakuBot-sub002/internal/catalog"
	"github.com/HakuchumuHYX/HakuBot-sub002/internal/game"
	"github.com/HakuchumuHYX/HakuBot-sub002/internal/storage"
	"github.com/HakuchumuHYX/HakuBot-sub002/pkg/utils"
)

var (
	port           int
	songsFile      string
	resourceDir    string
	remoteBase     string
	clipDir        string
	dbPath         string
	clipDuration   int
	dailyLimit     int
	lightweight    bool
	allowedOrigins string
)

func init() {
	flag.IntVar(&port, "port", 8080, "HTTP server port")
	flag.StringVar(&songsFile, "songs", getEnvOrDefault("GAME_SONGS_FILE", "data/songs.json"), "Path to songs metadata JSON")
	flag.StringVar(&resourceDir, "resources", getEnvOrDefault("GAME_RESOURCE_DIR", "resources"), "Root of the local resource library")
	flag.StringVar(&remoteBase, "remote", os.Getenv("GAME_REMOTE_BASE"), "Remote base URL for resources missing locally")
	flag.StringVar(&clipDir, "clips", getEnvOrDefault("GAME_CLIP_DIR", "clips"), "Directory for finished clips")
	flag.StringVar(&dbPath, "db", getEnvOrDefault("GAME_DB_PATH", storage.DefaultDBFile), "Path to SQLite database")
	flag.IntVar(&clipDuration, "duration", getEnvIntOrDefault("GAME_CLIP_SECONDS", 10), "Base clip duration in seconds")
	flag.IntVar(&dailyLimit, "daily-limit", getEnvIntOrDefault("GAME_DAILY_LIMIT", DefaultDailyLimit), "Per-player rounds per day (0 = unlimited)")
	flag.BoolVar(&lightweight, "lightweight", os.Getenv("GAME_LIGHTWEIGHT") != "", "Downgrade transform-heavy modes to normal")
	flag.StringVar(&allowedOrigins, "origins", "*", "Comma-separated list of allowed CORS origins (use * for all)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func main() {
	flag.Parse()

	var origins []string
	if allowedOrigins == "*" {
		origins = []string{"*"}
	} else {
		origins = strings.Split(allowedOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	if err := utils.MakeDir(clipDir); err != nil {
		log.Fatalf("Failed to create clip directory: %v", err)
	}

	cat, err := catalog.Load(catalog.Config{
		SongsFile:     songsFile,
		ResourceDir:   resourceDir,
		RemoteBaseURL: remoteBase,
	})
	if err != nil {
		log.Fatalf("Failed to load catalog: %v", err)
	}

	db, err := storage.NewDBClientWithPath(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	proc := audioproc.NewProcessor()
	svc := game.NewService(cat, proc,
		game.WithClipDuration(clipDuration),
		game.WithClipDir(clipDir),
		game.WithLightweight(lightweight),
	)

	config := &ServerConfig{
		Port:           port,
		ClipDir:        clipDir,
		DailyLimit:     dailyLimit,
		AllowedOrigins: origins,
	}

	server := NewServer(svc, cat, db, config)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
