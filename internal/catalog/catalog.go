// Package catalog maintains the index of known songs and the audio renditions
// available for them: per-song vocal bundles, precomputed stem tracks, and
// piano renditions. It resolves logical resource names to a local path or a
// remote URL.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/HakuchumuHYX/HakuBot-sub002/pkg/logger"
	"github.com/HakuchumuHYX/HakuBot-sub002/pkg/utils"
)

// VocalType tags one rendition of a song.
type VocalType string

const (
	VocalSekai         VocalType = "sekai"
	VocalVirtualSinger VocalType = "virtual_singer"
	VocalAnother       VocalType = "another_vocal"
	VocalInstrumental  VocalType = "instrumental"
)

// StemKind identifies a precomputed isolated track of a song.
type StemKind string

const (
	StemVocals        StemKind = "vocals_only"
	StemBass          StemKind = "bass_only"
	StemDrums         StemKind = "drums_only"
	StemAccompaniment StemKind = "accompaniment"
)

// AllStems lists every stem directory the catalog scans.
func AllStems() []StemKind {
	return []StemKind{StemVocals, StemBass, StemDrums, StemAccompaniment}
}

// VocalVariant is one audio rendition of a song, identified by its bundle
// name. CharacterIDs is populated for another-vocal variants only.
type VocalVariant struct {
	Bundle       string    `json:"vocalAssetbundleName"`
	Type         VocalType `json:"musicVocalType"`
	CharacterIDs []int     `json:"characterIds,omitempty"`
}

// Song is an immutable catalog entry. FillerSec marks a lead-in region at the
// start of the track that clip selection should skip.
type Song struct {
	ID        int            `json:"id"`
	Title     string         `json:"title"`
	FillerSec float64        `json:"fillerSec"`
	Vocals    []VocalVariant `json:"vocals"`
}

// MainVocal returns the sekai-version variant if the song has one.
func (s *Song) MainVocal() *VocalVariant {
	for i := range s.Vocals {
		if s.Vocals[i].Type == VocalSekai {
			return &s.Vocals[i]
		}
	}
	return nil
}

// Bundles returns every bundle name the song has a vocal variant for.
func (s *Song) Bundles() []string {
	out := make([]string, 0, len(s.Vocals))
	for i := range s.Vocals {
		out = append(out, s.Vocals[i].Bundle)
	}
	return out
}

// Config locates the song metadata and the resource library.
type Config struct {
	// SongsFile is the JSON file holding the song list.
	SongsFile string
	// ResourceDir is the root of the local resource library.
	ResourceDir string
	// RemoteBaseURL, when set, is used for resources missing locally.
	RemoteBaseURL string
	Logger        *logger.Logger
}

// Catalog is the loaded, read-only resource index.
type Catalog struct {
	cfg      Config
	songs    []*Song
	byBundle map[string]*Song
	stems    map[StemKind]map[string]bool
	piano    map[string]bool
	log      *logger.Logger
}

const pianoDir = "songs_piano"

// Load reads the songs metadata file and scans the resource library for
// precomputed stem and piano renditions.
func Load(cfg Config) (*Catalog, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	raw, err := os.ReadFile(cfg.SongsFile)
	if err != nil {
		return nil, fmt.Errorf("reading songs metadata: %w", err)
	}

	var songs []*Song
	if err := json.Unmarshal(raw, &songs); err != nil {
		return nil, fmt.Errorf("parsing songs metadata: %w", err)
	}

	c := &Catalog{
		cfg:      cfg,
		songs:    songs,
		byBundle: make(map[string]*Song),
		stems:    make(map[StemKind]map[string]bool),
		piano:    make(map[string]bool),
		log:      cfg.Logger,
	}

	for _, song := range songs {
		for i := range song.Vocals {
			c.byBundle[song.Vocals[i].Bundle] = song
		}
	}

	for _, kind := range AllStems() {
		c.stems[kind] = scanStemDir(filepath.Join(cfg.ResourceDir, string(kind)))
	}
	c.piano = scanPianoDir(filepath.Join(cfg.ResourceDir, pianoDir))

	c.log.Infof("catalog loaded: %d songs, %d piano bundles", len(songs), len(c.piano))
	for kind, set := range c.stems {
		c.log.Debugf("catalog: %d bundles with %s stem", len(set), kind)
	}
	return c, nil
}

// scanStemDir collects bundle names from <dir>/<bundle>.mp3 entries.
func scanStemDir(dir string) map[string]bool {
	set := make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return set
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mp3") {
			continue
		}
		set[strings.TrimSuffix(e.Name(), ".mp3")] = true
	}
	return set
}

// scanPianoDir collects bundle names from <dir>/<bundle>/<bundle>.mp3 entries.
func scanPianoDir(dir string) map[string]bool {
	set := make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return set
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if utils.FileExists(filepath.Join(dir, e.Name(), e.Name()+".mp3")) {
			set[e.Name()] = true
		}
	}
	return set
}

// Songs returns every song in the catalog.
func (c *Catalog) Songs() []*Song { return c.songs }

// SongForBundle maps a bundle name back to its owning song.
func (c *Catalog) SongForBundle(bundle string) *Song { return c.byBundle[bundle] }

// BundlesWithStem returns the sorted bundle names with a precomputed stem of
// the given kind.
func (c *Catalog) BundlesWithStem(kind StemKind) []string {
	return sortedKeys(c.stems[kind])
}

// HasStem reports whether the bundle has a precomputed stem of the given kind.
func (c *Catalog) HasStem(kind StemKind, bundle string) bool {
	return c.stems[kind][bundle]
}

// BundlesWithPiano returns the sorted bundle names with a piano rendition.
func (c *Catalog) BundlesWithPiano() []string { return sortedKeys(c.piano) }

// HasPiano reports whether the bundle has a piano rendition.
func (c *Catalog) HasPiano(bundle string) bool { return c.piano[bundle] }

// SongsWithPiano returns songs with at least one piano-rendered bundle.
func (c *Catalog) SongsWithPiano() []*Song {
	var out []*Song
	for _, song := range c.songs {
		for i := range song.Vocals {
			if c.piano[song.Vocals[i].Bundle] {
				out = append(out, song)
				break
			}
		}
	}
	return out
}

// SongsWithStem returns songs with at least one bundle carrying the given
// stem. Used by the listing endpoints to advertise what is playable.
func (c *Catalog) SongsWithStem(kind StemKind) []*Song {
	var out []*Song
	for _, song := range c.songs {
		for i := range song.Vocals {
			if c.stems[kind][song.Vocals[i].Bundle] {
				out = append(out, song)
				break
			}
		}
	}
	return out
}

// AnotherVocalSongs returns songs carrying at least one another-vocal variant.
func (c *Catalog) AnotherVocalSongs() []*Song {
	var out []*Song
	for _, song := range c.songs {
		for i := range song.Vocals {
			if song.Vocals[i].Type == VocalAnother {
				out = append(out, song)
				break
			}
		}
	}
	return out
}

// Resolve maps a relative resource name to a local path when the file exists,
// or to a remote URL when a remote base is configured. The second return is
// false when the resource cannot be located at all.
func (c *Catalog) Resolve(rel string) (string, bool) {
	local := filepath.Join(c.cfg.ResourceDir, filepath.FromSlash(rel))
	if utils.FileExists(local) {
		return local, true
	}
	if c.cfg.RemoteBaseURL != "" {
		return strings.TrimSuffix(c.cfg.RemoteBaseURL, "/") + "/" + rel, true
	}
	return "", false
}

// VocalResource is the relative resource name of a bundle's full mix.
func VocalResource(bundle string) string {
	return "songs/" + bundle + "/" + bundle + ".mp3"
}

// StemResource is the relative resource name of a bundle's precomputed stem.
func StemResource(kind StemKind, bundle string) string {
	return string(kind) + "/" + bundle + ".mp3"
}

// PianoResource is the relative resource name of a bundle's piano rendition.
func PianoResource(bundle string) string {
	return pianoDir + "/" + bundle + "/" + bundle + ".mp3"
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
