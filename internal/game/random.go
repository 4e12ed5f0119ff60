package game

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
)

// cappedSpeedMultiplier replaces the 2x speed-up when the speed effect is
// combined with any other effect, keeping multi-effect rounds guessable.
const cappedSpeedMultiplier = 1.5

// Combination is one playable random-mode draw: the resolved effects, their
// merged parameters, and the total score awarded for a correct guess.
type Combination struct {
	Effects []Effect
	Params  EffectParams
	Score   int
}

// Keys returns the stable effect keys of the combination, sorted.
func (c *Combination) Keys() []string {
	keys := make([]string, len(c.Effects))
	for i, e := range c.Effects {
		keys[i] = e.Key
	}
	sort.Strings(keys)
	return keys
}

// ModeKey is the machine identifier recorded for a random-mode round.
func (c *Combination) ModeKey() string {
	return "random_" + strings.Join(c.Keys(), "+")
}

// DisplayLabel renders the human-readable mode description. A combined
// speed+reverse pair is collapsed into a single combo label since that pairing
// awards a bonus point.
func (c *Combination) DisplayLabel() string {
	names := make([]string, 0, len(c.Effects))
	speedName := ""
	hasReverse := false
	for _, e := range c.Effects {
		if e.Params.SpeedMultiplier != 0 {
			speedName = e.Name
			continue
		}
		if e.Params.Reverse {
			hasReverse = true
			continue
		}
		names = append(names, e.Name)
	}
	if speedName != "" && hasReverse {
		names = append(names, fmt.Sprintf("reversed %s combo (+1)", speedName))
	} else {
		if speedName != "" {
			names = append(names, speedName)
		}
		if hasReverse {
			names = append(names, "reversed")
		}
	}
	sort.Strings(names)
	return strings.Join(names, " + ")
}

// buildCombinations enumerates every playable combination: each available
// source effect crossed with every subset of the independent effects. Every
// combination carries exactly one source effect; with no source assets in the
// library there is nothing to draw from and the result is empty. Piano
// crossed with reverse is excluded: a reversed piano roll is unguessable.
// Lightweight hosts drop the independent effects, whose transforms need the
// slow path.
func buildCombinations(reg *registry, cat Catalog, lightweight bool) []Combination {
	var sources []Effect
	for _, e := range reg.sourceEffects() {
		if e.Params.Piano {
			if len(cat.BundlesWithPiano()) == 0 {
				continue
			}
		} else if len(cat.BundlesWithStem(e.Params.Stem)) == 0 {
			continue
		}
		sources = append(sources, e)
	}

	independents := reg.independentEffects()
	if lightweight {
		independents = nil
	}
	var combos []Combination
	for _, src := range sources {
		for mask := 0; mask < 1<<len(independents); mask++ {
			picked := []Effect{src}
			for i, e := range independents {
				if mask&(1<<i) != 0 {
					picked = append(picked, e)
				}
			}
			if excludedPair(picked) {
				continue
			}
			combos = append(combos, resolveCombination(picked))
		}
	}
	return combos
}

// excludedPair rejects combinations that are unguessable in practice.
func excludedPair(effects []Effect) bool {
	piano, reverse := false, false
	for _, e := range effects {
		if e.Params.Piano {
			piano = true
		}
		if e.Params.Reverse {
			reverse = true
		}
	}
	return piano && reverse
}

// resolveCombination merges parameters and sums scores. Multi-effect draws
// cap the speed-up at 1.5x, and pairing speed with reverse earns a bonus
// point on top of the sum.
func resolveCombination(effects []Effect) Combination {
	multi := len(effects) > 1
	c := Combination{Effects: make([]Effect, 0, len(effects))}
	for _, e := range effects {
		if multi && e.Params.SpeedMultiplier != 0 {
			e.Params.SpeedMultiplier = cappedSpeedMultiplier
			e.Name = fmt.Sprintf("%gx speed", cappedSpeedMultiplier)
		}
		c.Params = c.Params.merge(e.Params)
		c.Score += e.Score
		c.Effects = append(c.Effects, e)
	}
	if c.Params.SpeedMultiplier != 0 && c.Params.Reverse {
		c.Score++
	}
	return c
}

// drawCombination picks a score level with probability proportional to
// decay^score, then a uniform combination within that level. Higher decay
// flattens the distribution; weights summing to zero fall back to uniform.
func drawCombination(combos []Combination, decay float64, rng *rand.Rand) *Combination {
	if len(combos) == 0 {
		return nil
	}

	byScore := make(map[int][]*Combination)
	for i := range combos {
		byScore[combos[i].Score] = append(byScore[combos[i].Score], &combos[i])
	}
	scores := make([]int, 0, len(byScore))
	for s := range byScore {
		scores = append(scores, s)
	}
	sort.Ints(scores)

	weights := make([]float64, len(scores))
	total := 0.0
	for i, s := range scores {
		weights[i] = math.Pow(decay, float64(s))
		total += weights[i]
	}

	var score int
	if total <= 0 {
		score = scores[rng.Intn(len(scores))]
	} else {
		r := rng.Float64() * total
		score = scores[len(scores)-1]
		for i, w := range weights {
			if r < w {
				score = scores[i]
				break
			}
			r -= w
		}
	}

	bucket := byScore[score]
	return bucket[rng.Intn(len(bucket))]
}
