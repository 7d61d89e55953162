package store

import "maps"

// Reserved channel names.
const (
	ErrorChannel     = "__error__"
	ScheduledChannel = "__scheduled__"
	InterruptChannel = "__interrupt__"
	ResumeChannel    = "__resume__"
)

// ReservedChannels maps channel names to the fixed write index they occupy.
// A write to a reserved channel replaces any previous write at that index;
// writes to every other channel keep the first value stored at their index.
type ReservedChannels map[string]int

// DefaultReservedChannels returns the built-in reserved channel set.
func DefaultReservedChannels() ReservedChannels {
	return ReservedChannels{
		ErrorChannel:     -1,
		ScheduledChannel: -2,
		InterruptChannel: -3,
		ResumeChannel:    -4,
	}
}

// With returns a copy of r extended with extra channels.
func (r ReservedChannels) With(extra map[string]int) ReservedChannels {
	out := maps.Clone(r)
	if out == nil {
		out = make(ReservedChannels, len(extra))
	}
	maps.Copy(out, extra)
	return out
}

// Index returns the index a write to channel should be stored under, given its
// position in the batch, and whether the channel is reserved.
func (r ReservedChannels) Index(channel string, position int) (int, bool) {
	if idx, ok := r[channel]; ok {
		return idx, true
	}
	return position, false
}

// IndexedWrite is a write resolved to its storage index.
type IndexedWrite struct {
	Write
	Idx       int
	Overwrite bool
}

// Resolve assigns storage indexes to a batch of writes.
func (r ReservedChannels) Resolve(writes []Write) []IndexedWrite {
	out := make([]IndexedWrite, len(writes))
	for i, w := range writes {
		idx, reserved := r.Index(w.Channel, i)
		out[i] = IndexedWrite{Write: w, Idx: idx, Overwrite: reserved}
	}
	return out
}
