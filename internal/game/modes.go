package game

import (
	"sort"
	"strings"

	"github.com/HakuchumuHYX/HakuBot-sub002/internal/catalog"
)

// EffectParams is the merged parameter set of one or more effects. The zero
// value means "plain clip, no transformation".
type EffectParams struct {
	// SpeedMultiplier of 0 or 1 leaves tempo unchanged.
	SpeedMultiplier float64
	Reverse         bool
	// Stem substitutes a precomputed isolated track as the audio source.
	Stem catalog.StemKind
	// Piano substitutes the pre-rendered piano transcription.
	Piano bool
	// BandPassHz keeps only the [low, high] frequency band.
	BandPassHz *[2]int
}

// merge overlays o onto p; set fields in o win.
func (p EffectParams) merge(o EffectParams) EffectParams {
	if o.SpeedMultiplier != 0 {
		p.SpeedMultiplier = o.SpeedMultiplier
	}
	if o.Reverse {
		p.Reverse = true
	}
	if o.Stem != "" {
		p.Stem = o.Stem
	}
	if o.Piano {
		p.Piano = true
	}
	if o.BandPassHz != nil {
		p.BandPassHz = o.BandPassHz
	}
	return p
}

// Effect is a named, scored audio transformation. Source effects fix the
// audio source (stems, piano) and are mutually exclusive; independent effects
// (speed, reverse) combine with anything.
type Effect struct {
	Key         string
	Name        string
	Score       int
	Params      EffectParams
	Independent bool
}

// Mode is a user-selectable game mode backed by a parameter set.
type Mode struct {
	Key    string
	Name   string
	Score  int
	Params EffectParams
}

// registry holds the static mode and effect tables, built once per service.
type registry struct {
	modes   map[string]Mode
	effects map[string]Effect
	aliases map[string]string // lowercased key or name -> mode key
}

func newRegistry() *registry {
	r := &registry{
		modes:   make(map[string]Mode),
		effects: make(map[string]Effect),
		aliases: make(map[string]string),
	}

	modes := []Mode{
		{Key: "normal", Name: "normal", Score: 1},
		{Key: "1", Name: "2x speed", Score: 1, Params: EffectParams{SpeedMultiplier: 2.0}},
		{Key: "2", Name: "reversed", Score: 3, Params: EffectParams{Reverse: true}},
		{Key: "3", Name: "piano", Score: 2, Params: EffectParams{Piano: true}},
		{Key: "4", Name: "accompaniment", Score: 1, Params: EffectParams{Stem: catalog.StemAccompaniment}},
		{Key: "5", Name: "bass only", Score: 3, Params: EffectParams{Stem: catalog.StemBass}},
		{Key: "6", Name: "drums only", Score: 4, Params: EffectParams{Stem: catalog.StemDrums}},
		{Key: "7", Name: "vocals only", Score: 1, Params: EffectParams{Stem: catalog.StemVocals}},
	}
	for _, m := range modes {
		r.modes[m.Key] = m
		r.aliases[strings.ToLower(m.Key)] = m.Key
		r.aliases[strings.ToLower(m.Name)] = m.Key
	}

	effects := []Effect{
		{Key: "speed", Name: "2x speed", Score: 1, Params: EffectParams{SpeedMultiplier: 2.0}, Independent: true},
		{Key: "reverse", Name: "reversed", Score: 3, Params: EffectParams{Reverse: true}, Independent: true},
		{Key: "piano", Name: "piano", Score: 2, Params: EffectParams{Piano: true}},
		{Key: "vocals", Name: "vocals only", Score: 1, Params: EffectParams{Stem: catalog.StemVocals}},
		{Key: "bass", Name: "bass only", Score: 3, Params: EffectParams{Stem: catalog.StemBass}},
		{Key: "drums", Name: "drums only", Score: 4, Params: EffectParams{Stem: catalog.StemDrums}},
		{Key: "acc", Name: "accompaniment", Score: 1, Params: EffectParams{Stem: catalog.StemAccompaniment}},
	}
	for _, e := range effects {
		r.effects[e.Key] = e
	}

	return r
}

// lookupMode resolves a mode key or human name, case-insensitively.
func (r *registry) lookupMode(name string) (Mode, bool) {
	key, ok := r.aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Mode{}, false
	}
	return r.modes[key], true
}

// listModes returns all fixed modes in stable key order.
func (r *registry) listModes() []Mode {
	out := make([]Mode, 0, len(r.modes))
	for _, m := range r.modes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// independentEffects returns the toggleable effects in declaration order.
func (r *registry) independentEffects() []Effect {
	return []Effect{r.effects["speed"], r.effects["reverse"]}
}

// sourceEffects returns the mutually-exclusive source effects.
func (r *registry) sourceEffects() []Effect {
	return []Effect{
		r.effects["piano"],
		r.effects["vocals"],
		r.effects["bass"],
		r.effects["drums"],
		r.effects["acc"],
	}
}
