package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/HakuchumuHYX/HakuBot-sub002/internal/audioproc"
	"github.com/HakuchumuHYX/HakuBot-sub002/internal/catalog"
	"github.com/HakuchumuHYX/HakuBot-sub002/internal/game"
	"github.com/HakuchumuHYX/HakuBot-sub002/internal/storage"
	"github.com/HakuchumuHYX/HakuBot-sub002/pkg/logger"
	"github.com/HakuchumuHYX/HakuBot-sub002/pkg/utils"
)

// Global flags
var (
	songsFile   string
	resourceDir string
	remoteBase  string
	clipDir     string
	dbPath      string
)

func init() {
	flag.StringVar(&songsFile, "songs", getEnvOrDefault("GAME_SONGS_FILE", "data/songs.json"), "Path to songs metadata JSON")
	flag.StringVar(&resourceDir, "resources", getEnvOrDefault("GAME_RESOURCE_DIR", "resources"), "Root of the local resource library")
	flag.StringVar(&remoteBase, "remote", os.Getenv("GAME_REMOTE_BASE"), "Remote base URL for resources missing locally")
	flag.StringVar(&clipDir, "clips", getEnvOrDefault("GAME_CLIP_DIR", "clips"), "Directory for finished clips")
	flag.StringVar(&dbPath, "db", getEnvOrDefault("GAME_DB_PATH", storage.DefaultDBFile), "Path to the SQLite database file")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// createService loads the catalog and wires the game service
func createService() (*game.Service, *catalog.Catalog, error) {
	cat, err := catalog.Load(catalog.Config{
		SongsFile:     songsFile,
		ResourceDir:   resourceDir,
		RemoteBaseURL: remoteBase,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := utils.MakeDir(clipDir); err != nil {
		return nil, nil, err
	}
	proc := audioproc.NewProcessor()
	svc := game.NewService(cat, proc, game.WithClipDir(clipDir))
	return svc, cat, nil
}

func main() {
	log := logger.GetLogger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	log.Debugf("Executing command: %s", command)

	switch command {
	case "round":
		handleRound()
	case "modes":
		handleModes()
	case "random":
		handleRandom()
	case "leaderboard":
		handleLeaderboard()
	case "ingest":
		handleIngest()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Song guessing game CLI

Usage:
  songgame round [--mode <key>]        Prepare a round clip
  songgame round --vocalist <bundle>   Prepare a guess-the-vocalist round
  songgame modes                       List fixed game modes
  songgame random [--n <count>]        Draw random-mode combinations
  songgame leaderboard --group <id>    Show a group leaderboard
  songgame ingest <url> --bundle <b>   Download a song into the library

Global flags:
  --songs      Path to songs metadata JSON
  --resources  Root of the local resource library
  --clips      Directory for finished clips
  --db         Path to the SQLite database file`)
}

func handleRound() {
	log := logger.GetLogger()

	roundCmd := flag.NewFlagSet("round", flag.ExitOnError)
	mode := roundCmd.String("mode", "normal", "Mode key or name, or 'random'")
	vocalist := roundCmd.String("vocalist", "", "Bundle name for a guess-the-vocalist round")
	timeout := roundCmd.Duration("timeout", 2*time.Minute, "Overall preparation timeout")
	roundCmd.Parse(os.Args[2:])

	svc, cat, err := createService()
	if err != nil {
		fmt.Printf("Failed to initialize: %v\n", err)
		os.Exit(1)
	}

	var req game.RoundRequest
	if *vocalist != "" {
		song := cat.SongForBundle(*vocalist)
		if song == nil {
			fmt.Printf("Unknown bundle: %s\n", *vocalist)
			os.Exit(1)
		}
		var vocal *catalog.VocalVariant
		for i := range song.Vocals {
			if song.Vocals[i].Bundle == *vocalist {
				vocal = &song.Vocals[i]
				break
			}
		}
		req = svc.VocalistRequest(song, vocal)
	} else {
		req, err = svc.BuildRequest(*mode)
		if err != nil {
			fmt.Printf("Cannot build round: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := svc.PrepareRound(ctx, req)
	if err != nil {
		log.Errorf("Round preparation failed: %v", err)
		fmt.Printf("Round preparation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Mode:   %s\n", res.ModeLabel)
	fmt.Printf("Song:   %s (id %d, bundle %s)\n", res.Song.Title, res.Song.ID, res.Bundle)
	fmt.Printf("Score:  %d\n", res.Score)
	fmt.Printf("Clip:   %s\n", res.ClipPath)
}

func handleModes() {
	svc, _, err := createService()
	if err != nil {
		fmt.Printf("Failed to initialize: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Key      Score  Name")
	for _, m := range svc.ListModes() {
		fmt.Printf("%-8s %-6d %s\n", m.Key, m.Score, m.Name)
	}
}

func handleRandom() {
	randomCmd := flag.NewFlagSet("random", flag.ExitOnError)
	n := randomCmd.Int("n", 1, "Number of combinations to draw")
	randomCmd.Parse(os.Args[2:])

	svc, _, err := createService()
	if err != nil {
		fmt.Printf("Failed to initialize: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < *n; i++ {
		combo, err := svc.RandomCombination()
		if err != nil {
			fmt.Printf("No playable combinations: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%-40s score %d  (%s)\n", combo.DisplayLabel(), combo.Score, combo.ModeKey())
	}
}

func handleLeaderboard() {
	lbCmd := flag.NewFlagSet("leaderboard", flag.ExitOnError)
	group := lbCmd.String("group", "", "Group identifier (required)")
	limit := lbCmd.Int("limit", 10, "Number of rows to show")
	lbCmd.Parse(os.Args[2:])

	if *group == "" {
		fmt.Println("Error: --group is required")
		os.Exit(1)
	}

	db, err := storage.NewDBClientWithPath(dbPath)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	rows, err := db.TopScores(*group, *limit)
	if err != nil {
		fmt.Printf("Failed to query leaderboard: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("No scores recorded for this group yet.")
		return
	}
	for i, row := range rows {
		fmt.Printf("%2d. %-24s %d\n", i+1, row.UserID, row.Score)
	}
}

// handleIngest downloads a song into the local resource library under the
// given bundle name, ready for the catalog to pick up on next load.
func handleIngest() {
	log := logger.GetLogger()

	args := os.Args[2:]
	var url string
	var flagArgs []string
	for i, arg := range args {
		if len(arg) > 0 && arg[0] != '-' && url == "" {
			url = arg
		} else {
			flagArgs = append(flagArgs, args[i:]...)
			break
		}
	}

	ingestCmd := flag.NewFlagSet("ingest", flag.ExitOnError)
	bundle := ingestCmd.String("bundle", "", "Bundle name to store the song under (required)")
	timeout := ingestCmd.Duration("timeout", 10*time.Minute, "Download timeout")
	ingestCmd.Parse(flagArgs)

	if url == "" || *bundle == "" {
		fmt.Println("Usage: songgame ingest <url> --bundle <bundle_name>")
		os.Exit(1)
	}

	destDir := filepath.Join(resourceDir, "songs", *bundle)
	if err := utils.MakeDir(destDir); err != nil {
		fmt.Printf("Failed to create destination: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if _, err := ytdlp.Install(ctx, nil); err != nil {
		fmt.Printf("Failed to provision yt-dlp: %v\n", err)
		os.Exit(1)
	}

	dl := ytdlp.New().
		NoPlaylist().
		ExtractAudio().
		AudioFormat("mp3").
		Output(filepath.Join(destDir, *bundle+".%(ext)s"))

	log.Infof("Downloading %s into %s", url, destDir)
	if _, err := dl.Run(ctx, url); err != nil {
		fmt.Printf("Download failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Stored %s\n", filepath.Join(destDir, *bundle+".mp3"))
	fmt.Println("Add the song to the metadata file with id/title/fillerSec, then reload.")
}
