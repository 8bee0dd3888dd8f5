package filetransfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/deskline/internal/logging"
	"github.com/postalsys/deskline/internal/peer"
	"github.com/postalsys/deskline/internal/recovery"
)

// runUpload streams chunks [from, total) of an accepted upload, then sends
// complete with the file checksum. It stops as soon as the transfer leaves
// the in-progress state or up is replaced.
func (m *Manager) runUpload(id uuid.UUID, up *upload, chunkSize uint32, from uint32) {
	defer recovery.RecoverWithLog(m.logger, "filetransfer.Manager.runUpload")

	size := uint64(up.src.Size)
	total := TotalChunks(size, chunkSize)
	offset := int64(from) * int64(chunkSize)
	if offset > int64(size) {
		offset = int64(size)
	}

	section := io.NewSectionReader(up.src.Data, offset, int64(size)-offset)
	reader := NewRateLimitedReader(up.ctx, section, m.cfg.RateLimit, int(chunkSize))

	// A resumed upload cannot hash incrementally.
	var hasher hash.Hash
	if from == 0 {
		hasher = sha256.New()
	}

	buf := make([]byte, chunkSize)
	for seq := from; seq < total; seq++ {
		if !m.uploading(id, up) {
			return
		}
		if err := m.waitBuffered(up.ctx); err != nil {
			m.abortUpload(id, up, err)
			return
		}

		n := uint64(chunkSize)
		if remaining := size - uint64(seq)*uint64(chunkSize); remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(reader, buf[:n]); err != nil {
			m.abortUpload(id, up, fmt.Errorf("failed to read %s: %w", up.src.Name, err))
			return
		}
		if hasher != nil {
			hasher.Write(buf[:n])
		}

		chunk := Message{
			Type:       TypeChunk,
			TransferID: id,
			Sequence:   seq,
			Data:       buf[:n],
			IsLast:     seq == total-1,
		}
		if err := m.sendChunk(chunk); err != nil {
			m.abortUpload(id, up, err)
			return
		}
		m.advance(id, up, n)

		if m.cfg.ChunkDelay > 0 {
			select {
			case <-time.After(m.cfg.ChunkDelay):
			case <-up.ctx.Done():
				return
			}
		} else {
			runtime.Gosched()
		}
	}

	if !m.uploading(id, up) {
		return
	}

	var sum string
	if hasher != nil {
		sum = hex.EncodeToString(hasher.Sum(nil))
	} else {
		var err error
		sum, err = ReaderChecksum(io.NewSectionReader(up.src.Data, 0, int64(size)))
		if err != nil {
			m.abortUpload(id, up, fmt.Errorf("failed to hash %s: %w", up.src.Name, err))
			return
		}
	}
	if err := m.send(Message{Type: TypeComplete, TransferID: id, Checksum: sum}); err != nil {
		m.abortUpload(id, up, err)
		return
	}

	m.mu.Lock()
	e, ok := m.transfers[id]
	if !ok || e.up != up || e.State != StateInProgress {
		m.mu.Unlock()
		return
	}
	e.ETA = 0
	wasActive := m.finishLocked(e, StateCompleted, "")
	snapshot := e.Transfer
	m.mu.Unlock()

	m.logger.Info("upload complete",
		logging.KeyTransferID, id.String(),
		logging.KeyPath, snapshot.Filename,
		logging.KeySize, snapshot.TotalSize,
		logging.KeyDuration, time.Since(snapshot.StartedAt))
	m.recordEnd(snapshot, wasActive)
	m.notify(snapshot)
}

func (m *Manager) uploading(id uuid.UUID, up *upload) bool {
	if up.ctx.Err() != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[id]
	return ok && e.up == up && e.State == StateInProgress
}

// waitBuffered blocks while the channel holds more than the high watermark.
func (m *Manager) waitBuffered(ctx context.Context) error {
	if m.cfg.BufferedAmountHigh == 0 {
		return nil
	}
	for {
		m.mu.Lock()
		ch := m.ch
		m.mu.Unlock()
		if ch == nil {
			return ErrNotBound
		}
		if !ch.IsOpen() {
			return peer.ErrChannelClosed
		}
		if ch.BufferedAmount() <= m.cfg.BufferedAmountHigh {
			return nil
		}
		select {
		case <-m.low:
		case <-time.After(bufferedPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) sendChunk(msg Message) error {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil {
		return ErrNotBound
	}
	text, err := Encode(msg)
	if err != nil {
		return err
	}
	return ch.SendText(text)
}

func (m *Manager) advance(id uuid.UUID, up *upload, n uint64) {
	m.mu.Lock()
	e, ok := m.transfers[id]
	if !ok || e.up != up {
		m.mu.Unlock()
		return
	}
	e.Transferred += n
	if elapsed := time.Since(e.StartedAt).Seconds(); elapsed > 0 {
		e.SpeedBPS = uint64(float64(e.Transferred) / elapsed)
	}
	if e.SpeedBPS > 0 && e.TotalSize > e.Transferred {
		e.ETA = time.Duration(float64(e.TotalSize-e.Transferred)/float64(e.SpeedBPS)) * time.Second
	}
	snapshot := e.Transfer
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordChunk(string(DirectionUpload), int(n))
	}
	m.notify(snapshot)
}

// abortUpload fails an upload whose loop hit an error. Cancelled or
// superseded uploads are left alone.
func (m *Manager) abortUpload(id uuid.UUID, up *upload, err error) {
	m.mu.Lock()
	e, ok := m.transfers[id]
	if !ok || e.up != up || e.State.Done() {
		m.mu.Unlock()
		return
	}
	wasActive := m.finishLocked(e, StateFailed, err.Error())
	snapshot := e.Transfer
	m.mu.Unlock()

	m.logger.Warn("upload failed", logging.KeyTransferID, id.String(), logging.KeyError, err)
	if sendErr := m.send(Message{Type: TypeError, TransferID: id, Code: CodeIOError, Message: err.Error()}); sendErr != nil {
		m.logger.Debug("failed to report upload error", logging.KeyError, sendErr)
	}
	m.recordEnd(snapshot, wasActive)
	m.notify(snapshot)
}
