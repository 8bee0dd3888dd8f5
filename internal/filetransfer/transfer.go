package filetransfer

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle of one transfer.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Done reports whether s is final.
func (s State) Done() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Transfer is a snapshot of one upload or download.
type Transfer struct {
	ID          uuid.UUID
	Direction   Direction
	Filename    string
	Path        string
	TotalSize   uint64
	Transferred uint64
	State       State
	SpeedBPS    uint64
	ETA         time.Duration
	Error       string
	StartedAt   time.Time
}

// chunkBuffer holds received chunks by sequence until complete arrives.
type chunkBuffer struct {
	chunks   [][]byte
	received uint32
	size     uint64
}

func newChunkBuffer(total uint32) *chunkBuffer {
	return &chunkBuffer{chunks: make([][]byte, total)}
}

// store keeps data at seq. It reports false for out-of-range or duplicate sequences.
func (b *chunkBuffer) store(seq uint32, data []byte) bool {
	if int(seq) >= len(b.chunks) || b.chunks[seq] != nil {
		return false
	}
	b.chunks[seq] = append([]byte{}, data...)
	b.received++
	b.size += uint64(len(data))
	return true
}

func (b *chunkBuffer) complete() bool {
	return int(b.received) == len(b.chunks)
}

// contiguous returns the highest sequence with no gaps before it, or nil when chunk 0 is missing.
func (b *chunkBuffer) contiguous() *uint32 {
	var last *uint32
	for i, c := range b.chunks {
		if c == nil {
			break
		}
		seq := uint32(i)
		last = &seq
	}
	return last
}

func (b *chunkBuffer) assemble() []byte {
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}
