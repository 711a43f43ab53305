package node

import (
	"fmt"
	"sort"

	"github.com/nmxmxh/fedmesh/internal/p2p"
)

// assignRoundRobin distributes chunks [0..totalChunks) over the frozen
// trainer set, round-robin in ascending peer-id order so every node
// derives the same list from the same inputs.
func assignRoundRobin(totalChunks uint64, trainers []string) ([]p2p.ChunkAssignment, error) {
	if len(trainers) == 0 {
		return nil, ErrNoTrainers
	}
	ordered := append([]string(nil), trainers...)
	sort.Strings(ordered)

	out := make([]p2p.ChunkAssignment, 0, totalChunks)
	for chunk := uint64(0); chunk < totalChunks; chunk++ {
		out = append(out, p2p.ChunkAssignment{
			Chunk: chunk,
			Peer:  ordered[chunk%uint64(len(ordered))],
		})
	}
	return out, nil
}

// validateAssignments rejects duplicate or out-of-range chunk indices
// before a round starts; a violated assignment aborts the round.
func validateAssignments(assignments []p2p.ChunkAssignment, totalChunks uint64) error {
	seen := make(map[uint64]struct{}, len(assignments))
	for _, a := range assignments {
		if a.Chunk >= totalChunks {
			return fmt.Errorf("chunk %d out of range [0,%d)", a.Chunk, totalChunks)
		}
		if _, dup := seen[a.Chunk]; dup {
			return fmt.Errorf("chunk %d assigned twice", a.Chunk)
		}
		seen[a.Chunk] = struct{}{}
	}
	if uint64(len(seen)) != totalChunks {
		return fmt.Errorf("assignment covers %d of %d chunks", len(seen), totalChunks)
	}
	return nil
}
