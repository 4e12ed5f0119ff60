package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/HakuchumuHYX/HakuBot-sub002/internal/audioproc"
	"github.com/HakuchumuHYX/HakuBot-sub002/internal/catalog"
)

// fakeCatalog is an in-memory Catalog with every resource resolvable.
type fakeCatalog struct {
	songs []*catalog.Song
	stems map[catalog.StemKind]map[string]bool
	piano map[string]bool
}

func newFakeCatalog() *fakeCatalog {
	stems := make(map[catalog.StemKind]map[string]bool)
	for _, k := range catalog.AllStems() {
		stems[k] = make(map[string]bool)
	}
	return &fakeCatalog{stems: stems, piano: make(map[string]bool)}
}

func (f *fakeCatalog) addSong(id int, title string, fillerSec float64, bundles ...string) *catalog.Song {
	song := &catalog.Song{ID: id, Title: title, FillerSec: fillerSec}
	for _, b := range bundles {
		song.Vocals = append(song.Vocals, catalog.VocalVariant{Bundle: b, Type: catalog.VocalSekai})
	}
	f.songs = append(f.songs, song)
	return song
}

func (f *fakeCatalog) Songs() []*catalog.Song { return f.songs }

func (f *fakeCatalog) SongForBundle(bundle string) *catalog.Song {
	for _, s := range f.songs {
		for _, v := range s.Vocals {
			if v.Bundle == bundle {
				return s
			}
		}
	}
	return nil
}

func (f *fakeCatalog) BundlesWithStem(kind catalog.StemKind) []string {
	var out []string
	for b := range f.stems[kind] {
		out = append(out, b)
	}
	return out
}

func (f *fakeCatalog) HasStem(kind catalog.StemKind, bundle string) bool {
	return f.stems[kind][bundle]
}

func (f *fakeCatalog) BundlesWithPiano() []string {
	var out []string
	for b := range f.piano {
		out = append(out, b)
	}
	return out
}

func (f *fakeCatalog) HasPiano(bundle string) bool { return f.piano[bundle] }

func (f *fakeCatalog) SongsWithPiano() []*catalog.Song {
	var out []*catalog.Song
	for _, s := range f.songs {
		for _, v := range s.Vocals {
			if f.piano[v.Bundle] {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func (f *fakeCatalog) Resolve(rel string) (string, bool) { return "/lib/" + rel, true }

// fakeProcessor scripts per-operation behavior and records call counts.
type fakeProcessor struct {
	durationMS float64

	dbfsQueue []float64 // consumed per SegmentMeanDBFS call
	dbfsErr   error

	durationErr  error
	fastCutErr   error
	fetchErr     error
	transformErr error

	durationCalls  int
	dbfsCalls      int
	fastCutCalls   int
	fetchCalls     int
	transformCalls int

	lastTransform audioproc.TransformOptions
	lastFastStart float64
	lastFastDur   float64
}

func (f *fakeProcessor) DurationMS(ctx context.Context, source string) (float64, error) {
	f.durationCalls++
	if f.durationErr != nil {
		return 0, f.durationErr
	}
	return f.durationMS, nil
}

func (f *fakeProcessor) SegmentMeanDBFS(ctx context.Context, source string, startSec, durationSec float64) (float64, error) {
	f.dbfsCalls++
	if f.dbfsErr != nil {
		return 0, f.dbfsErr
	}
	if len(f.dbfsQueue) == 0 {
		return audioproc.QuietSentinelDBFS, nil
	}
	v := f.dbfsQueue[0]
	f.dbfsQueue = f.dbfsQueue[1:]
	return v, nil
}

func (f *fakeProcessor) FastCut(ctx context.Context, source, dest string, startMS, durationSec float64) error {
	f.fastCutCalls++
	f.lastFastStart = startMS
	f.lastFastDur = durationSec
	return f.fastCutErr
}

func (f *fakeProcessor) FetchAudio(ctx context.Context, source string) ([]byte, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return []byte("audio"), nil
}

func (f *fakeProcessor) Transform(ctx context.Context, data []byte, dest string, opts audioproc.TransformOptions) error {
	f.transformCalls++
	f.lastTransform = opts
	return f.transformErr
}

func newTestService(cat Catalog, pro Processor, opts ...Option) *Service {
	opts = append(opts, WithRand(rand.New(rand.NewSource(1))), WithClipDir("clips"))
	return NewService(cat, pro, opts...)
}

func basicCatalog() *fakeCatalog {
	cat := newFakeCatalog()
	cat.addSong(1, "Alpha", 5, "alpha_sekai")
	cat.addSong(2, "Beta", 0, "beta_sekai")
	return cat
}

func TestPrepareRoundNormalFastPath(t *testing.T) {
	pro := &fakeProcessor{durationMS: 180000}
	svc := newTestService(basicCatalog(), pro)

	req, err := svc.BuildRequest("normal")
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}

	res, err := svc.PrepareRound(context.Background(), req)
	if err != nil {
		t.Fatalf("PrepareRound failed: %v", err)
	}
	if res.Song == nil || res.Score != 1 || res.ModeKey != "normal" {
		t.Errorf("Unexpected result: %+v", res)
	}
	if !strings.HasPrefix(res.ClipPath, "clips") || !strings.HasSuffix(res.ClipPath, ".mp3") {
		t.Errorf("Unexpected clip path: %s", res.ClipPath)
	}
	if pro.fastCutCalls != 1 || pro.transformCalls != 0 {
		t.Errorf("Normal mode should use the fast path: %d cuts, %d transforms",
			pro.fastCutCalls, pro.transformCalls)
	}
	if pro.lastFastDur != 10 {
		t.Errorf("Normal clip duration = %vs, want 10s", pro.lastFastDur)
	}
}

func TestPrepareRoundFastPathFallsBackToSlow(t *testing.T) {
	pro := &fakeProcessor{durationMS: 180000, fastCutErr: errors.New("codec mismatch")}
	svc := newTestService(basicCatalog(), pro)

	req, _ := svc.BuildRequest("normal")
	res, err := svc.PrepareRound(context.Background(), req)
	if err != nil {
		t.Fatalf("PrepareRound failed: %v", err)
	}
	if res == nil || pro.transformCalls != 1 {
		t.Errorf("Fast-cut failure should fall back to the slow path, transforms=%d", pro.transformCalls)
	}
}

func TestPrepareRoundReverseUsesSlowPath(t *testing.T) {
	pro := &fakeProcessor{durationMS: 180000}
	svc := newTestService(basicCatalog(), pro)

	req, _ := svc.BuildRequest("2")
	res, err := svc.PrepareRound(context.Background(), req)
	if err != nil {
		t.Fatalf("PrepareRound failed: %v", err)
	}
	if pro.fastCutCalls != 0 {
		t.Error("Reversed mode must not attempt a stream copy")
	}
	if pro.transformCalls != 1 || !pro.lastTransform.Reverse {
		t.Errorf("Expected one reversing transform, got %+v", pro.lastTransform)
	}
	if res.Score != 3 {
		t.Errorf("Reversed score = %d, want 3", res.Score)
	}
}

func TestPrepareRoundDrumsDoublesDuration(t *testing.T) {
	cat := basicCatalog()
	cat.stems[catalog.StemDrums]["alpha_sekai"] = true

	pro := &fakeProcessor{durationMS: 180000}
	svc := newTestService(cat, pro)

	req, _ := svc.BuildRequest("6")
	if _, err := svc.PrepareRound(context.Background(), req); err != nil {
		t.Fatalf("PrepareRound failed: %v", err)
	}
	// drums stay on the fast path but the clip runs 2x long
	if pro.fastCutCalls != 1 {
		t.Fatalf("Drums mode should fast-cut, got %d cuts", pro.fastCutCalls)
	}
	if pro.lastFastDur != 20 {
		t.Errorf("Drums clip duration = %vs, want 20s", pro.lastFastDur)
	}
}

func TestPrepareRoundBassSlowPathWithGain(t *testing.T) {
	cat := basicCatalog()
	cat.stems[catalog.StemBass]["alpha_sekai"] = true

	pro := &fakeProcessor{durationMS: 180000}
	svc := newTestService(cat, pro)

	req, _ := svc.BuildRequest("5")
	if _, err := svc.PrepareRound(context.Background(), req); err != nil {
		t.Fatalf("PrepareRound failed: %v", err)
	}
	if pro.transformCalls != 1 {
		t.Fatalf("Bass mode must use the slow path, transforms=%d", pro.transformCalls)
	}
	if pro.lastTransform.GainDB != 6 {
		t.Errorf("Bass gain = %v dB, want 6", pro.lastTransform.GainDB)
	}
	if pro.lastTransform.TargetDurationMS != 20000 {
		t.Errorf("Bass duration = %dms, want 20000", pro.lastTransform.TargetDurationMS)
	}
}

func TestPrepareRoundVocalsSilenceGate(t *testing.T) {
	cat := basicCatalog()
	cat.stems[catalog.StemVocals]["alpha_sekai"] = true

	// first two windows quiet, third loud
	pro := &fakeProcessor{durationMS: 180000, dbfsQueue: []float64{-60, -41.2, -20}}
	svc := newTestService(cat, pro)

	req, _ := svc.BuildRequest("7")
	res, err := svc.PrepareRound(context.Background(), req)
	if err != nil {
		t.Fatalf("PrepareRound failed: %v", err)
	}
	if pro.dbfsCalls != 3 {
		t.Errorf("Expected 3 loudness probes, got %d", pro.dbfsCalls)
	}
	if pro.fastCutCalls != 1 {
		t.Errorf("Gated vocals should fast-cut the found window, cuts=%d", pro.fastCutCalls)
	}
	if res.ModeLabel != "vocals only" {
		t.Errorf("Mode label = %q", res.ModeLabel)
	}
}

func TestPrepareRoundAllQuietExhaustsRetries(t *testing.T) {
	cat := basicCatalog()
	cat.stems[catalog.StemVocals]["alpha_sekai"] = true

	pro := &fakeProcessor{durationMS: 180000} // empty queue: every window quiet
	svc := newTestService(cat, pro)

	req, _ := svc.BuildRequest("7")
	_, err := svc.PrepareRound(context.Background(), req)
	if !errors.Is(err, ErrNoPlayableRound) {
		t.Fatalf("Expected ErrNoPlayableRound, got %v", err)
	}
	// 3 song attempts x 3 window probes
	if pro.dbfsCalls != 9 {
		t.Errorf("Expected 9 probes, got %d", pro.dbfsCalls)
	}
	if pro.fastCutCalls != 0 || pro.transformCalls != 0 {
		t.Error("No clip work should happen when every window is quiet")
	}
}

func TestPrepareRoundToolMissingDisablesGateForever(t *testing.T) {
	cat := basicCatalog()
	cat.stems[catalog.StemVocals]["alpha_sekai"] = true

	pro := &fakeProcessor{
		durationMS:  180000,
		durationErr: fmt.Errorf("ffprobe: %w", audioproc.ErrToolMissing),
	}
	svc := newTestService(cat, pro)

	req, _ := svc.BuildRequest("7")
	res, err := svc.PrepareRound(context.Background(), req)
	if err != nil {
		t.Fatalf("Round should degrade, not fail: %v", err)
	}
	if res == nil || svc.SilenceDetectionEnabled() {
		t.Fatal("Tool-missing must disable silence detection")
	}
	// the slow path still works: probing fails, so fast random cut cannot
	// pick a window and the transform takes over
	if pro.transformCalls != 1 {
		t.Errorf("Expected slow-path transform after degradation, got %d", pro.transformCalls)
	}

	// second round must not probe loudness at all
	probesBefore := pro.dbfsCalls
	if _, err := svc.PrepareRound(context.Background(), req); err != nil {
		t.Fatalf("Second round failed: %v", err)
	}
	if pro.dbfsCalls != probesBefore {
		t.Error("Degradation flag must be sticky across rounds")
	}
}

func TestPrepareRoundEmptyCatalogFailsFast(t *testing.T) {
	pro := &fakeProcessor{}
	svc := newTestService(newFakeCatalog(), pro)

	req, _ := svc.BuildRequest("normal")
	_, err := svc.PrepareRound(context.Background(), req)
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("Expected ErrNoCandidates, got %v", err)
	}
	if pro.durationCalls+pro.fastCutCalls+pro.transformCalls+pro.fetchCalls != 0 {
		t.Error("Empty catalog must not trigger any audio work")
	}
}

func TestPrepareRoundNoStemsFailsFast(t *testing.T) {
	pro := &fakeProcessor{}
	svc := newTestService(basicCatalog(), pro)

	req, _ := svc.BuildRequest("6")
	_, err := svc.PrepareRound(context.Background(), req)
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("Expected ErrNoCandidates, got %v", err)
	}
	if pro.durationCalls != 0 {
		t.Error("Missing stems must fail before probing")
	}
}

func TestPrepareRoundTransformFailureConsumesRetries(t *testing.T) {
	pro := &fakeProcessor{durationMS: 180000, transformErr: errors.New("decode error")}
	svc := newTestService(basicCatalog(), pro)

	req, _ := svc.BuildRequest("2")
	_, err := svc.PrepareRound(context.Background(), req)
	if !errors.Is(err, ErrNoPlayableRound) {
		t.Fatalf("Expected ErrNoPlayableRound, got %v", err)
	}
	if pro.transformCalls != 3 {
		t.Errorf("Each failed transform should consume one song attempt, got %d", pro.transformCalls)
	}
}

func TestPrepareRoundForceSong(t *testing.T) {
	cat := basicCatalog()
	pro := &fakeProcessor{durationMS: 180000}
	svc := newTestService(cat, pro)

	req, _ := svc.BuildRequest("normal")
	req.ForceSong = cat.songs[1]

	res, err := svc.PrepareRound(context.Background(), req)
	if err != nil {
		t.Fatalf("PrepareRound failed: %v", err)
	}
	if res.Song.ID != 2 {
		t.Errorf("Forced song ignored, got song %d", res.Song.ID)
	}
}

func TestVocalistRequest(t *testing.T) {
	cat := basicCatalog()
	pro := &fakeProcessor{durationMS: 180000}
	svc := newTestService(cat, pro)

	song := cat.songs[0]
	req := svc.VocalistRequest(song, &song.Vocals[0])
	if req.Params.SpeedMultiplier != 1.5 {
		t.Errorf("Vocalist speed = %v, want 1.5", req.Params.SpeedMultiplier)
	}

	res, err := svc.PrepareRound(context.Background(), req)
	if err != nil {
		t.Fatalf("PrepareRound failed: %v", err)
	}
	if res.Song.ID != song.ID || res.Bundle != song.Vocals[0].Bundle {
		t.Errorf("Vocalist round used %d/%s, want %d/%s",
			res.Song.ID, res.Bundle, song.ID, song.Vocals[0].Bundle)
	}
	// 1.5x speed forces the slow path
	if pro.transformCalls != 1 || pro.lastTransform.SpeedMultiplier != 1.5 {
		t.Errorf("Expected one 1.5x transform, got %d calls (%+v)",
			pro.transformCalls, pro.lastTransform)
	}
}

func TestBuildRequestUnknownMode(t *testing.T) {
	svc := newTestService(basicCatalog(), &fakeProcessor{})
	if _, err := svc.BuildRequest("definitely-not-a-mode"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("Expected ErrUnknownMode, got %v", err)
	}
}

func TestBuildRequestLightweightDowngrade(t *testing.T) {
	svc := newTestService(basicCatalog(), &fakeProcessor{}, WithLightweight(true))

	req, err := svc.BuildRequest("1")
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}
	if req.ModeKey != "normal" {
		t.Errorf("Lightweight host should downgrade 2x speed to normal, got %q", req.ModeKey)
	}

	// modes without transforms pass through
	req, _ = svc.BuildRequest("7")
	if req.ModeKey != "7" {
		t.Errorf("Vocals mode should not be downgraded, got %q", req.ModeKey)
	}
}

func TestBuildRequestRandom(t *testing.T) {
	cat := basicCatalog()
	cat.stems[catalog.StemDrums]["alpha_sekai"] = true

	svc := newTestService(cat, &fakeProcessor{durationMS: 180000})
	req, err := svc.BuildRequest("random")
	if err != nil {
		t.Fatalf("BuildRequest(random) failed: %v", err)
	}
	if !strings.HasPrefix(req.ModeKey, "random_") {
		t.Errorf("Random mode key = %q", req.ModeKey)
	}
	if req.Score < 1 {
		t.Errorf("Random mode score = %d", req.Score)
	}
}

func TestBuildRequestRandomNoSources(t *testing.T) {
	// songs but no stem or piano assets: random mode has nothing to offer
	svc := newTestService(basicCatalog(), &fakeProcessor{})

	if _, err := svc.BuildRequest("random"); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("Expected ErrNoCandidates without source assets, got %v", err)
	}
}

func TestLookupModeAliases(t *testing.T) {
	svc := newTestService(basicCatalog(), &fakeProcessor{})

	for _, name := range []string{"2", "reversed", "REVERSED", " Reversed "} {
		m, ok := svc.LookupMode(name)
		if !ok || m.Key != "2" {
			t.Errorf("LookupMode(%q) = %v/%v, want mode 2", name, m, ok)
		}
	}
	if _, ok := svc.LookupMode("polka"); ok {
		t.Error("LookupMode should reject unknown names")
	}
}

func TestListModes(t *testing.T) {
	svc := newTestService(basicCatalog(), &fakeProcessor{})
	modes := svc.ListModes()
	if len(modes) != 8 {
		t.Fatalf("Expected 8 fixed modes, got %d", len(modes))
	}
}
