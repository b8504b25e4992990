// Package mutate implements the payload-mutation operator used to
// produce the "control" variant of a recorded packet payload. Apply's
// only side effect is advancing its Applier's random source: two
// Appliers built from the same seed and given the same sequence of
// calls return the same bytes.
package mutate

import (
	"fmt"
	"hash/fnv"
	"math/rand"

	"github.com/sirupsen/logrus"
)

// Kind names one of the mutation operators.
type Kind int

const (
	Random Kind = iota
	Invert
	Delete
	Prepend
	ReplaceR
	ReplaceI
	ReplaceW
)

func (k Kind) String() string {
	switch k {
	case Random:
		return "Random"
	case Invert:
		return "Invert"
	case Delete:
		return "Delete"
	case Prepend:
		return "Prepend"
	case ReplaceR:
		return "ReplaceR"
	case ReplaceI:
		return "ReplaceI"
	case ReplaceW:
		return "ReplaceW"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Region is a half-open byte range [L, R) within a payload.
type Region struct {
	L, R int
}

// Action describes one mutation to apply. Only the fields relevant to
// Kind are populated by callers; the rest are ignored.
type Action struct {
	Kind Kind

	// Prepend
	Count  int
	Length int

	// ReplaceR / ReplaceI / ReplaceW
	Regions []Region
	Text    []byte // ReplaceW only

	// Name identifies this mutation in logs and seeds Prepend's
	// deterministic RNG; sidechannel.ParseMutationSpec sets it to the
	// spec's action name, e.g. "Prepend".
	Name string
}

// An Applier holds one random source for the lifetime of a single
// mutation call so that a sequence of Apply invocations against one
// client session is reproducible, without requiring determinism across
// separate replay runs.
type Applier struct {
	rng *rand.Rand
	log *logrus.Entry
}

// NewApplier seeds a fresh Applier. seed is typically derived from the
// client's real ID and test ID so repeated runs of the same test by
// the same client are independently reproducible.
func NewApplier(seed string, log *logrus.Entry) *Applier {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Applier{
		rng: rand.New(rand.NewSource(fnvSeed(seed))),
		log: log,
	}
}

func fnvSeed(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum64())
}

// Apply mutates payload according to action and returns the result.
// deleted reports whether the action removes the packet from the
// client event sequence entirely (the Delete action on a non-first
// packet); callers must drop the packet when deleted is true.
func (a *Applier) Apply(payload []byte, action Action, isFirstPacket bool) (out []byte, deleted bool, err error) {
	switch action.Kind {
	case Random:
		return a.randomBytes(len(payload)), false, nil

	case Invert:
		return invert(payload), false, nil

	case Delete:
		if isFirstPacket {
			// The flow must still initiate with something; replace
			// the first packet with a single random byte rather than
			// removing it outright.
			return []byte{randomAlnum(a.rng)}, false, nil
		}
		return nil, true, nil

	case Prepend:
		if action.Count < 0 || action.Length < 0 {
			return nil, false, fmt.Errorf("mutate: Prepend count/length must be non-negative, got %d/%d", action.Count, action.Length)
		}
		seeded := rand.New(rand.NewSource(fnvSeed(action.Name)))
		block := randomBytesFrom(seeded, action.Length)
		prefix := make([]byte, 0, action.Count*action.Length+len(payload))
		for i := 0; i < action.Count; i++ {
			prefix = append(prefix, block...)
		}
		prefix = append(prefix, payload...)
		return prefix, false, nil

	case ReplaceR:
		rpayload := a.randomBytes(len(payload))
		return a.multiReplace(payload, action.Regions, rpayload), false, nil

	case ReplaceI:
		rpayload := invert(payload)
		return a.multiReplace(payload, action.Regions, rpayload), false, nil

	case ReplaceW:
		return a.multiReplace(payload, action.Regions, action.Text), false, nil

	default:
		a.log.Warnf("mutate: unrecognized action %v, no mutation applied", action.Kind)
		return payload, false, nil
	}
}

func (a *Applier) randomBytes(n int) []byte {
	return randomBytesFrom(a.rng, n)
}

func randomBytesFrom(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Intn(256))
	}
	return b
}

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomAlnum(r *rand.Rand) byte {
	return alnum[r.Intn(len(alnum))]
}

// invert bit-complements every byte of payload. Inversion always
// operates on the payload bytes only, never any surrounding request
// structure.
func invert(payload []byte) []byte {
	out := make([]byte, len(payload))
	for i, b := range payload {
		out[i] = ^b
	}
	return out
}

// multiReplace substitutes replacement[L:R] into payload[L:R] for each
// region, in order. Regions outside [0, len(payload)) are left
// untouched and logged; a bad region is an operator mistake, not a
// reason to abort the replay.
func (a *Applier) multiReplace(payload []byte, regions []Region, replacement []byte) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)

	for _, reg := range regions {
		if reg.L < 0 || reg.R > len(out) || reg.L > reg.R {
			a.log.Warnf("mutate: region [%d,%d) out of bounds for payload of length %d, leaving unchanged", reg.L, reg.R, len(out))
			continue
		}
		if reg.R > len(replacement) {
			a.log.Warnf("mutate: region [%d,%d) exceeds replacement length %d, leaving unchanged", reg.L, reg.R, len(replacement))
			continue
		}
		copy(out[reg.L:reg.R], replacement[reg.L:reg.R])
	}
	return out
}
