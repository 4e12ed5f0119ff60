package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

const testSongsJSON = `[
  {
    "id": 1,
    "title": "First Song",
    "fillerSec": 8.5,
    "vocals": [
      {"vocalAssetbundleName": "first_sekai", "musicVocalType": "sekai"},
      {"vocalAssetbundleName": "first_vs", "musicVocalType": "virtual_singer"},
      {"vocalAssetbundleName": "first_an", "musicVocalType": "another_vocal", "characterIds": [3, 7]}
    ]
  },
  {
    "id": 2,
    "title": "Second Song",
    "fillerSec": 0,
    "vocals": [
      {"vocalAssetbundleName": "second_vs", "musicVocalType": "virtual_singer"}
    ]
  }
]`

// buildTestLibrary lays out a resource tree with one vocals stem and one
// piano rendition.
func buildTestLibrary(t *testing.T) (songsFile, resourceDir string) {
	t.Helper()
	dir := t.TempDir()

	songsFile = filepath.Join(dir, "songs.json")
	if err := os.WriteFile(songsFile, []byte(testSongsJSON), 0o644); err != nil {
		t.Fatalf("Failed to write songs file: %v", err)
	}

	resourceDir = filepath.Join(dir, "resources")
	mustWrite := func(rel string) {
		t.Helper()
		path := filepath.Join(resourceDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("Failed to create dir for %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte("mp3"), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", rel, err)
		}
	}

	mustWrite("songs/first_sekai/first_sekai.mp3")
	mustWrite("vocals_only/first_sekai.mp3")
	mustWrite("songs_piano/second_vs/second_vs.mp3")
	// a stray file in the stem dir that must not count as a bundle
	mustWrite("vocals_only/notes.txt")

	return songsFile, resourceDir
}

func TestLoadCatalog(t *testing.T) {
	songsFile, resourceDir := buildTestLibrary(t)

	cat, err := Load(Config{SongsFile: songsFile, ResourceDir: resourceDir})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := len(cat.Songs()); got != 2 {
		t.Fatalf("Expected 2 songs, got %d", got)
	}

	if song := cat.SongForBundle("first_an"); song == nil || song.ID != 1 {
		t.Errorf("SongForBundle(first_an) = %v, want song 1", song)
	}
	if song := cat.SongForBundle("missing"); song != nil {
		t.Errorf("SongForBundle(missing) should be nil, got %v", song)
	}
}

func TestStemScan(t *testing.T) {
	songsFile, resourceDir := buildTestLibrary(t)

	cat, err := Load(Config{SongsFile: songsFile, ResourceDir: resourceDir})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	bundles := cat.BundlesWithStem(StemVocals)
	if len(bundles) != 1 || bundles[0] != "first_sekai" {
		t.Errorf("BundlesWithStem(vocals) = %v, want [first_sekai]", bundles)
	}
	if !cat.HasStem(StemVocals, "first_sekai") {
		t.Error("HasStem should report first_sekai vocals stem")
	}
	if cat.HasStem(StemBass, "first_sekai") {
		t.Error("HasStem should not report a bass stem")
	}
	if got := cat.BundlesWithStem(StemDrums); len(got) != 0 {
		t.Errorf("Expected no drum stems, got %v", got)
	}
}

func TestPianoScan(t *testing.T) {
	songsFile, resourceDir := buildTestLibrary(t)

	cat, err := Load(Config{SongsFile: songsFile, ResourceDir: resourceDir})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cat.HasPiano("second_vs") {
		t.Error("HasPiano should report second_vs")
	}
	songs := cat.SongsWithPiano()
	if len(songs) != 1 || songs[0].ID != 2 {
		t.Errorf("SongsWithPiano = %v, want song 2", songs)
	}
}

func TestResolve(t *testing.T) {
	songsFile, resourceDir := buildTestLibrary(t)

	cat, err := Load(Config{
		SongsFile:     songsFile,
		ResourceDir:   resourceDir,
		RemoteBaseURL: "https://assets.example.com/lib/",
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	local, ok := cat.Resolve(VocalResource("first_sekai"))
	if !ok {
		t.Fatal("Resolve should find the local file")
	}
	if filepath.Base(local) != "first_sekai.mp3" {
		t.Errorf("Unexpected local path: %s", local)
	}

	remote, ok := cat.Resolve(VocalResource("second_vs"))
	if !ok {
		t.Fatal("Resolve should fall back to the remote base")
	}
	want := "https://assets.example.com/lib/songs/second_vs/second_vs.mp3"
	if remote != want {
		t.Errorf("Remote URL = %s, want %s", remote, want)
	}
}

func TestResolveWithoutRemote(t *testing.T) {
	songsFile, resourceDir := buildTestLibrary(t)

	cat, err := Load(Config{SongsFile: songsFile, ResourceDir: resourceDir})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got, ok := cat.Resolve(VocalResource("second_vs")); ok {
		t.Errorf("Resolve should fail with no remote base, got %s", got)
	}
}

func TestMainVocal(t *testing.T) {
	songsFile, resourceDir := buildTestLibrary(t)

	cat, err := Load(Config{SongsFile: songsFile, ResourceDir: resourceDir})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	first := cat.SongForBundle("first_sekai")
	if v := first.MainVocal(); v == nil || v.Bundle != "first_sekai" {
		t.Errorf("MainVocal = %v, want first_sekai", v)
	}

	second := cat.SongForBundle("second_vs")
	if v := second.MainVocal(); v != nil {
		t.Errorf("MainVocal should be nil for a song without a sekai variant, got %v", v)
	}
}

func TestAnotherVocalSongs(t *testing.T) {
	songsFile, resourceDir := buildTestLibrary(t)

	cat, err := Load(Config{SongsFile: songsFile, ResourceDir: resourceDir})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	songs := cat.AnotherVocalSongs()
	if len(songs) != 1 || songs[0].ID != 1 {
		t.Errorf("AnotherVocalSongs = %v, want song 1", songs)
	}
}

func TestLoadMissingSongsFile(t *testing.T) {
	_, err := Load(Config{SongsFile: filepath.Join(t.TempDir(), "nope.json")})
	if err == nil {
		t.Fatal("Load should fail for a missing songs file")
	}
}
