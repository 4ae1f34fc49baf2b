package field

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strconv"
)

// DescriptorHash identifies a TaskDescriptor by content.
//
// Any change to a field that influences the engine's output produces a
// different hash, so a result can be checked against the task it claims to
// answer.
type DescriptorHash string

func (h DescriptorHash) String() string { return string(h) }

// Hash computes the descriptor's content hash.
//
// Every component is length-prefixed and written in a fixed order; floats are
// written as their IEEE-754 bits so that 0.1 and 0.1000000000000000055 never
// collide through formatting.
func (d TaskDescriptor) Hash() DescriptorHash {
	hasher := sha256.New()

	var prefix [8]byte
	writeField := func(data []byte) {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
		hasher.Write(prefix[:])
		hasher.Write(data)
	}
	writeFloat := func(v float64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
		writeField(b[:])
	}
	writeInt := func(v int64) {
		writeField([]byte(strconv.FormatInt(v, 10)))
	}

	writeField([]byte(d.Job))
	writeInt(int64(d.WorkerID))
	writeField([]byte(d.Role))
	writeField([]byte(d.Quantity))
	writeField([]byte(d.Plane))
	writeFloat(d.EnergyEV)
	writeInt(int64(d.NPoints[0]))
	writeInt(int64(d.NPoints[1]))
	writeFloat(d.Width[0])
	writeFloat(d.Width[1])
	for _, t := range d.Translation {
		writeFloat(t)
	}
	writeInt(int64(d.Particles))
	if d.Seed == nil {
		writeField(nil)
	} else {
		writeField([]byte{1})
		writeInt(*d.Seed)
	}

	return DescriptorHash(hex.EncodeToString(hasher.Sum(nil)))
}
