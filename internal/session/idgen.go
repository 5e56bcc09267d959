package session

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// Session ids are human-readable adjective-noun-NNN triples ("brave-otter-417")
// so speakers can read them out loud. Both word lists are vetted to stay
// short, pronounceable and inoffensive; the pair blacklist catches the
// combinations that are fine alone but unfortunate together.

var adjectives = []string{
	"amber", "bold", "brave", "bright", "calm", "clever", "coral", "crisp",
	"eager", "fair", "fleet", "gentle", "glad", "golden", "grand", "happy",
	"humble", "ivory", "jolly", "keen", "kind", "lively", "lucky", "mellow",
	"merry", "noble", "polar", "proud", "quick", "quiet", "rapid", "royal",
	"silver", "smooth", "solar", "stable", "steady", "sunny", "swift", "tidy",
	"vivid", "warm", "wise", "witty", "zesty",
}

var nouns = []string{
	"badger", "bison", "canyon", "cedar", "comet", "condor", "coral", "crane",
	"delta", "falcon", "fjord", "gecko", "glacier", "harbor", "heron", "lagoon",
	"lantern", "lemur", "linden", "lynx", "maple", "marmot", "meadow", "merlin",
	"onyx", "osprey", "otter", "panda", "pebble", "pine", "plover", "prairie",
	"quartz", "raven", "reef", "river", "sparrow", "spruce", "summit", "tundra",
	"walnut", "willow", "wren", "zephyr",
}

// pairBlacklist lists adjective-noun pairs that must never be issued.
var pairBlacklist = map[string]bool{
	"bold-badger": true,
	"quick-lynx":  true,
}

// idGenerator draws candidate session ids.
type idGenerator struct {
	rng       *rand.Rand
	blacklist map[string]bool
}

// newIDGenerator seeds a generator; extraBlacklist adds deployment-specific
// banned words, matched against either half of the pair.
func newIDGenerator(extraBlacklist []string) *idGenerator {
	bl := map[string]bool{}
	for _, w := range extraBlacklist {
		bl[strings.ToLower(w)] = true
	}
	return &idGenerator{
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		blacklist: bl,
	}
}

// next returns one candidate id. The pair rejection loop always terminates:
// the blacklist is a tiny fraction of the adjective-noun product.
func (g *idGenerator) next() string {
	for {
		adj := adjectives[g.rng.IntN(len(adjectives))]
		noun := nouns[g.rng.IntN(len(nouns))]
		if pairBlacklist[adj+"-"+noun] || g.blacklist[adj] || g.blacklist[noun] {
			continue
		}
		n := 100 + g.rng.IntN(900)
		return fmt.Sprintf("%s-%s-%d", adj, noun, n)
	}
}
