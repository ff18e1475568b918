// Package garbler implements the sender's injectable loss hook: a
// predicate consulted immediately before each DATA send, the only
// point it participates, per the base spec's design note that the
// garbler belongs at the send boundary as an injected function rather
// than a global random source.
package garbler

import "math/rand"

// Garbler decides, for a given outgoing record index, whether its
// datagram should be silently dropped instead of sent. The sender
// consults it once per DATA frame, passing the frame's first record
// index; a drop loses every record the frame carries.
type Garbler interface {
	ShouldDrop(recordIndex uint32) bool
}

// None never drops anything; it is the default when loss_rate is 0.
type None struct{}

// ShouldDrop implements Garbler.
func (None) ShouldDrop(uint32) bool { return false }

// Rate drops a datagram with independent probability rate on each
// consultation, mirroring original_source/sender.cpp's
// should_drop_packet.
type Rate struct {
	rate float64
	rng  *rand.Rand
}

// NewRate builds a rate-based Garbler. rate must be in [0.0,1.0];
// validation happens at the CLI boundary, not here.
func NewRate(rate float64, seed int64) *Rate {
	return &Rate{rate: rate, rng: rand.New(rand.NewSource(seed))}
}

// ShouldDrop implements Garbler.
func (g *Rate) ShouldDrop(uint32) bool {
	if g.rate <= 0 {
		return false
	}
	return g.rng.Float64() < g.rate
}

// IndexSet deterministically drops only the named record indices, for
// tests that need to force a specific, reproducible loss pattern
// (e.g. base spec scenario S4: a single dropped record mid-blast).
type IndexSet struct {
	drop map[uint32]bool
}

// NewIndexSet builds an IndexSet garbler that drops exactly the given
// record indices, once each time they are consulted.
func NewIndexSet(indices ...uint32) *IndexSet {
	drop := make(map[uint32]bool, len(indices))
	for _, i := range indices {
		drop[i] = true
	}
	return &IndexSet{drop: drop}
}

// ShouldDrop implements Garbler. Once a dropped index has been
// consulted, it is cleared so a retransmission of the same record
// succeeds — otherwise the test transfer could never complete.
func (g *IndexSet) ShouldDrop(recordIndex uint32) bool {
	if g.drop[recordIndex] {
		delete(g.drop, recordIndex)
		return true
	}
	return false
}
