// Package game prepares guessing-game rounds: it picks a song and rendition,
// selects a playable window, produces the audio clip through the fast or slow
// path, and reports the score and label for the chosen mode.
package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/HakuchumuHYX/HakuBot-sub002/internal/audioproc"
	"github.com/HakuchumuHYX/HakuBot-sub002/internal/catalog"
	"github.com/HakuchumuHYX/HakuBot-sub002/pkg/logger"
)

var (
	// ErrNoPlayableRound means every song attempt was exhausted.
	ErrNoPlayableRound = errors.New("no playable round could be prepared")
	// ErrNoCandidates means the catalog holds nothing eligible for the
	// requested mode; no audio work is attempted.
	ErrNoCandidates = errors.New("no candidate songs for mode")
	// ErrUnknownMode is returned for mode names the registry cannot resolve.
	ErrUnknownMode = errors.New("unknown game mode")
)

const (
	maxSongAttempts    = 3
	maxSegmentAttempts = 3
)

// Catalog is the read-only song/resource index the service draws from.
type Catalog interface {
	Songs() []*catalog.Song
	SongForBundle(bundle string) *catalog.Song
	BundlesWithStem(kind catalog.StemKind) []string
	HasStem(kind catalog.StemKind, bundle string) bool
	BundlesWithPiano() []string
	HasPiano(bundle string) bool
	SongsWithPiano() []*catalog.Song
	Resolve(rel string) (string, bool)
}

// Processor produces clips. Satisfied by *audioproc.Processor.
type Processor interface {
	DurationMS(ctx context.Context, source string) (float64, error)
	SegmentMeanDBFS(ctx context.Context, source string, startSec, durationSec float64) (float64, error)
	FastCut(ctx context.Context, source, dest string, startMS, durationSec float64) error
	FetchAudio(ctx context.Context, source string) ([]byte, error)
	Transform(ctx context.Context, data []byte, dest string, opts audioproc.TransformOptions) error
}

// Config holds service settings; construct with NewService and options.
type Config struct {
	// ClipDurationSec is the base clip length; drum and bass rounds double it.
	ClipDurationSec int
	// ClipDir receives finished clip files.
	ClipDir string
	// SilenceThresholdDBFS gates vocal-stem windows: quieter windows are
	// rerolled.
	SilenceThresholdDBFS float64
	// ScoreDecay shapes the random-mode score distribution; probability of a
	// score level is proportional to ScoreDecay^score.
	ScoreDecay float64
	// Lightweight downgrades transform-heavy fixed modes to normal, for
	// hosts without the CPU headroom for the slow path.
	Lightweight bool
	Logger      *logger.Logger
	// Rand allows tests to pin the random source.
	Rand *rand.Rand
}

type Option func(*Config)

func WithClipDuration(sec int) Option          { return func(c *Config) { c.ClipDurationSec = sec } }
func WithClipDir(dir string) Option            { return func(c *Config) { c.ClipDir = dir } }
func WithSilenceThreshold(dbfs float64) Option { return func(c *Config) { c.SilenceThresholdDBFS = dbfs } }
func WithScoreDecay(decay float64) Option      { return func(c *Config) { c.ScoreDecay = decay } }
func WithLightweight(on bool) Option           { return func(c *Config) { c.Lightweight = on } }
func WithLogger(l *logger.Logger) Option       { return func(c *Config) { c.Logger = l } }
func WithRand(r *rand.Rand) Option             { return func(c *Config) { c.Rand = r } }

func defaultConfig() *Config {
	return &Config{
		ClipDurationSec:      10,
		ClipDir:              "clips",
		SilenceThresholdDBFS: -35,
		ScoreDecay:           0.75,
	}
}

// Service prepares rounds. Safe for concurrent use.
type Service struct {
	cfg *Config
	cat Catalog
	pro Processor
	reg *registry
	log *logger.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	combosOnce sync.Once
	combos     []Combination

	// silenceDisabled is the sticky process-wide degradation set when the
	// probing tool turns out to be missing.
	silenceDisabled atomic.Bool
}

func NewService(cat Catalog, pro Processor, opts ...Option) *Service {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Service{
		cfg: cfg,
		cat: cat,
		pro: pro,
		reg: newRegistry(),
		log: cfg.Logger,
		rng: cfg.Rand,
	}
}

// RoundRequest describes one round to prepare. Either fill Params directly or
// build the request from a mode name with BuildRequest.
type RoundRequest struct {
	ModeKey   string
	ModeLabel string
	Score     int
	Params    EffectParams

	// ForceSong pins the song instead of drawing one; retries then reroll
	// only the window, not the song.
	ForceSong *catalog.Song
	// ForceVocal pins the rendition of the chosen song.
	ForceVocal *catalog.VocalVariant
}

// RoundResult is a prepared round ready to present to players.
type RoundResult struct {
	Song      *catalog.Song
	Bundle    string
	ClipPath  string
	Score     int
	ModeKey   string
	ModeLabel string
}

// ListModes returns the fixed mode table.
func (s *Service) ListModes() []Mode { return s.reg.listModes() }

// LookupMode resolves a mode key or name, case-insensitively.
func (s *Service) LookupMode(name string) (Mode, bool) { return s.reg.lookupMode(name) }

// SilenceDetectionEnabled reports whether vocal-stem windows are still being
// loudness-gated. It flips to false for the rest of the process once the
// probing tool is found missing.
func (s *Service) SilenceDetectionEnabled() bool { return !s.silenceDisabled.Load() }

// BuildRequest resolves a mode name (or "random") into a round request.
func (s *Service) BuildRequest(mode string) (RoundRequest, error) {
	if mode == "" {
		mode = "normal"
	}
	if mode == "random" {
		combo, err := s.RandomCombination()
		if err != nil {
			return RoundRequest{}, err
		}
		return RoundRequest{
			ModeKey:   combo.ModeKey(),
			ModeLabel: combo.DisplayLabel(),
			Score:     combo.Score,
			Params:    combo.Params,
		}, nil
	}

	m, ok := s.reg.lookupMode(mode)
	if !ok {
		return RoundRequest{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	if s.cfg.Lightweight && (m.Params.SpeedMultiplier != 0 || m.Params.Reverse) {
		s.log.Infof("lightweight host: downgrading mode %q to normal", m.Key)
		m = s.reg.modes["normal"]
	}
	return RoundRequest{ModeKey: m.Key, ModeLabel: m.Name, Score: m.Score, Params: m.Params}, nil
}

// VocalistRequest builds a round pinned to one rendition of one song, played
// at 1.5x speed so the timbre stays recognizable but harder to place. Used
// for guess-the-vocalist rounds over another-vocal variants.
func (s *Service) VocalistRequest(song *catalog.Song, vocal *catalog.VocalVariant) RoundRequest {
	return RoundRequest{
		ModeKey:    "vocalist",
		ModeLabel:  "guess the vocalist",
		Score:      1,
		Params:     EffectParams{SpeedMultiplier: 1.5},
		ForceSong:  song,
		ForceVocal: vocal,
	}
}

// RandomCombination draws a weighted random effect combination. Combinations
// are enumerated once per process; the catalog's stem inventory is static
// after load.
func (s *Service) RandomCombination() (*Combination, error) {
	s.combosOnce.Do(func() {
		s.combos = buildCombinations(s.reg, s.cat, s.cfg.Lightweight)
		s.log.Debugf("random mode: %d playable combinations", len(s.combos))
	})
	if len(s.combos) == 0 {
		return nil, ErrNoCandidates
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return drawCombination(s.combos, s.cfg.ScoreDecay, s.rng), nil
}

// PrepareRound produces a clip for the request, retrying up to three songs
// before giving up. Per-song failures (missing assets, all-quiet windows,
// clip production errors) consume one attempt each.
func (s *Service) PrepareRound(ctx context.Context, req RoundRequest) (*RoundResult, error) {
	if err := s.checkCandidates(req); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxSongAttempts; attempt++ {
		song := req.ForceSong
		if song == nil {
			song = s.pickSong(req.Params)
		}
		if song == nil {
			return nil, ErrNoCandidates
		}

		source, bundle, ok := s.resolveSource(song, req)
		if !ok {
			s.log.Warnf("round attempt %d/%d: no playable source for song %d (%s)",
				attempt, maxSongAttempts, song.ID, song.Title)
			continue
		}

		var forcedStart *int
		if req.Params.Stem == catalog.StemVocals && !s.silenceDisabled.Load() {
			start, err := s.findLoudWindow(ctx, song, source)
			switch {
			case errors.Is(err, audioproc.ErrToolMissing):
				s.disableSilenceDetection()
			case err != nil:
				s.log.Warnf("round attempt %d/%d: song %d: %v", attempt, maxSongAttempts, song.ID, err)
				continue
			default:
				forcedStart = &start
			}
		}

		res, err := s.produceClip(ctx, req, song, bundle, source, forcedStart)
		if err != nil {
			s.log.Warnf("round attempt %d/%d: song %d clip failed: %v",
				attempt, maxSongAttempts, song.ID, err)
			continue
		}
		return res, nil
	}
	return nil, ErrNoPlayableRound
}

// checkCandidates fails fast, before any audio work, when the catalog cannot
// serve the requested mode at all.
func (s *Service) checkCandidates(req RoundRequest) error {
	if len(s.cat.Songs()) == 0 {
		return ErrNoCandidates
	}
	if req.ForceSong != nil {
		return nil
	}
	if stem := req.Params.Stem; stem != "" && len(s.cat.BundlesWithStem(stem)) == 0 {
		return fmt.Errorf("%w: no %s stems", ErrNoCandidates, stem)
	}
	if req.Params.Piano && len(s.cat.SongsWithPiano()) == 0 {
		return fmt.Errorf("%w: no piano renditions", ErrNoCandidates)
	}
	return nil
}

func (s *Service) intn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

// deriveRand spawns an independent source seeded from the service's rand, so
// concurrent transforms don't contend on one lock and tests stay
// deterministic.
func (s *Service) deriveRand() *rand.Rand {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return rand.New(rand.NewSource(s.rng.Int63()))
}

// pickSong draws a random song eligible for the parameter set.
func (s *Service) pickSong(p EffectParams) *catalog.Song {
	switch {
	case p.Stem != "":
		bundles := s.cat.BundlesWithStem(p.Stem)
		if len(bundles) == 0 {
			return nil
		}
		return s.cat.SongForBundle(bundles[s.intn(len(bundles))])
	case p.Piano:
		songs := s.cat.SongsWithPiano()
		if len(songs) == 0 {
			return nil
		}
		return songs[s.intn(len(songs))]
	default:
		songs := s.cat.Songs()
		if len(songs) == 0 {
			return nil
		}
		return songs[s.intn(len(songs))]
	}
}

// resolveSource picks the concrete rendition of the song for the parameter
// set and resolves it to a local path or URL.
func (s *Service) resolveSource(song *catalog.Song, req RoundRequest) (source, bundle string, ok bool) {
	p := req.Params

	var rel string
	switch {
	case p.Stem != "":
		var candidates []string
		for _, b := range song.Bundles() {
			if s.cat.HasStem(p.Stem, b) {
				candidates = append(candidates, b)
			}
		}
		if len(candidates) == 0 {
			return "", "", false
		}
		bundle = candidates[s.intn(len(candidates))]
		rel = catalog.StemResource(p.Stem, bundle)
	case p.Piano:
		var candidates []string
		for _, b := range song.Bundles() {
			if s.cat.HasPiano(b) {
				candidates = append(candidates, b)
			}
		}
		if len(candidates) == 0 {
			return "", "", false
		}
		bundle = candidates[s.intn(len(candidates))]
		rel = catalog.PianoResource(bundle)
	default:
		vocal := req.ForceVocal
		if vocal == nil {
			vocal = song.MainVocal()
		}
		if vocal == nil && len(song.Vocals) > 0 {
			vocal = &song.Vocals[s.intn(len(song.Vocals))]
		}
		if vocal == nil {
			return "", "", false
		}
		bundle = vocal.Bundle
		rel = catalog.VocalResource(bundle)
	}

	source, ok = s.cat.Resolve(rel)
	return source, bundle, ok
}

// findLoudWindow probes up to three random windows of the source and returns
// the start of the first one louder than the silence threshold. A missing
// probing tool surfaces as ErrToolMissing so the caller can degrade; every
// other failure counts the window as quiet.
func (s *Service) findLoudWindow(ctx context.Context, song *catalog.Song, source string) (int, error) {
	totalMS, err := s.pro.DurationMS(ctx, source)
	if err != nil {
		if errors.Is(err, audioproc.ErrToolMissing) {
			return 0, err
		}
		return 0, fmt.Errorf("probing duration: %w", err)
	}

	clipSec := s.cfg.ClipDurationSec
	lo := int(song.FillerSec * 1000)
	hi := int(totalMS) - clipSec*1000

	for i := 0; i < maxSegmentAttempts; i++ {
		start := lo
		if lo < hi {
			start = lo + s.intn(hi-lo+1)
		}
		dbfs, err := s.pro.SegmentMeanDBFS(ctx, source, float64(start)/1000, float64(clipSec))
		if err != nil {
			if errors.Is(err, audioproc.ErrToolMissing) {
				return 0, err
			}
			s.log.Warnf("loudness probe failed for %s: %v", source, err)
			continue
		}
		if dbfs > s.cfg.SilenceThresholdDBFS {
			return start, nil
		}
		s.log.Debugf("window at %dms is quiet (%.1f dBFS), rerolling", start, dbfs)
	}
	return 0, fmt.Errorf("no window above %.0f dBFS in %d tries", s.cfg.SilenceThresholdDBFS, maxSegmentAttempts)
}

// disableSilenceDetection flips the sticky degradation flag. Only the first
// caller logs; later rounds skip probing silently.
func (s *Service) disableSilenceDetection() {
	if s.silenceDisabled.CompareAndSwap(false, true) {
		s.log.Errorf("loudness probing tool missing; disabling silence detection for this process")
	}
}

// produceClip runs the fast path when the parameters allow a lossless
// stream-copy cut, falling back to the in-process slow path on any fast-path
// failure or when a transform is required.
func (s *Service) produceClip(ctx context.Context, req RoundRequest, song *catalog.Song, bundle, source string, forcedStart *int) (*RoundResult, error) {
	p := req.Params
	dest := filepath.Join(s.cfg.ClipDir, fmt.Sprintf("clip_%d_%s.mp3", time.Now().Unix(), uuid.NewString()))

	slow := p.Stem == catalog.StemBass ||
		(p.SpeedMultiplier != 0 && p.SpeedMultiplier != 1.0) ||
		p.Reverse ||
		p.BandPassHz != nil

	result := &RoundResult{
		Song:      song,
		Bundle:    bundle,
		ClipPath:  dest,
		Score:     req.Score,
		ModeKey:   req.ModeKey,
		ModeLabel: req.ModeLabel,
	}

	clipSec := s.cfg.ClipDurationSec

	// Loudness-gated vocal cut: the window is already chosen, copy it out.
	if !slow && forcedStart != nil {
		err := s.pro.FastCut(ctx, source, dest, float64(*forcedStart), float64(clipSec))
		if err == nil {
			return result, nil
		}
		s.log.Warnf("gated fast cut failed for %s, falling back to slow path: %v", source, err)
		slow = true
	}

	targetMS := clipSec * 1000
	if p.Stem == catalog.StemDrums || p.Stem == catalog.StemBass {
		// Isolated rhythm tracks carry less to guess from, so the clip
		// runs twice as long.
		targetMS *= 2
	}

	// The lead-in skip only applies to the full mix; stems and piano
	// renditions start at musical content already.
	startFloorMS := 0
	if p.Stem == "" && !p.Piano {
		startFloorMS = int(song.FillerSec * 1000)
	}

	if !slow {
		err := s.fastRandomCut(ctx, source, dest, startFloorMS, targetMS)
		if err == nil {
			return result, nil
		}
		s.log.Warnf("fast cut failed for %s, falling back to slow path: %v", source, err)
	}

	data, err := s.pro.FetchAudio(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("fetching audio: %w", err)
	}

	opts := audioproc.TransformOptions{
		TargetDurationMS: targetMS,
		SpeedMultiplier:  p.SpeedMultiplier,
		Reverse:          p.Reverse,
		BandPassHz:       p.BandPassHz,
		StartFloorMS:     startFloorMS,
		ForceStartMS:     forcedStart,
		Rand:             s.deriveRand(),
	}
	if p.Stem == catalog.StemBass {
		// The bass stem sits too quiet for small speakers.
		opts.GainDB = 6
	}
	if err := s.pro.Transform(ctx, data, dest, opts); err != nil {
		return nil, fmt.Errorf("transforming audio: %w", err)
	}
	return result, nil
}

// fastRandomCut probes the duration, draws a window start, and stream-copies
// the window out.
func (s *Service) fastRandomCut(ctx context.Context, source, dest string, startFloorMS, targetMS int) error {
	totalMS, err := s.pro.DurationMS(ctx, source)
	if err != nil {
		return fmt.Errorf("probing duration: %w", err)
	}
	lo, hi := startFloorMS, int(totalMS)-targetMS
	start := lo
	if lo < hi {
		start = lo + s.intn(hi-lo+1)
	}
	return s.pro.FastCut(ctx, source, dest, float64(start), float64(targetMS)/1000)
}
