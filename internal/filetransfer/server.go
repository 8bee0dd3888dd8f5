package filetransfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/deskline/internal/logging"
	"github.com/postalsys/deskline/internal/metrics"
	"github.com/postalsys/deskline/internal/peer"
	"github.com/postalsys/deskline/internal/recovery"
)

const defaultProgressInterval = 500 * time.Millisecond

// ServerConfig configures the agent side.
type ServerConfig struct {
	Policy PathPolicy
	// UploadDir receives uploads that name no directory. Empty selects the policy root.
	UploadDir   string
	MaxFileSize int64 // 0 = unlimited
	ChunkSize   int
	RateLimit   int64 // bytes per second, 0 = unlimited

	BufferedAmountHigh uint64
	BufferedAmountLow  uint64
	ProgressInterval   time.Duration
}

type outgoing struct {
	path   string
	size   uint64
	chunk  uint32
	cancel context.CancelFunc
}

type incoming struct {
	dest     string
	partial  string
	file     *os.File
	size     uint64
	chunk    uint32
	received []bool
	count    int
	written  uint64
}

// Server is the agent side of the file transfer protocol: it lists
// directories, streams downloads and stores uploads under a PathPolicy.
type Server struct {
	cfg     ServerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	low     chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	ch        peer.Channel
	downloads map[uuid.UUID]*outgoing
	uploads   map[uuid.UUID]*incoming
}

// NewServer creates a file server. m may be nil.
func NewServer(cfg ServerConfig, logger *slog.Logger, m *metrics.Metrics) *Server {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		logger:    logging.Component(logger, "file-server"),
		metrics:   m,
		low:       make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		downloads: make(map[uuid.UUID]*outgoing),
		uploads:   make(map[uuid.UUID]*incoming),
	}
}

// Serve handles transfer messages on ch until it closes.
func (s *Server) Serve(ch peer.Channel) {
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	ch.SetBufferedAmountLowThreshold(s.cfg.BufferedAmountLow)
	ch.OnBufferedAmountLow(func() {
		select {
		case s.low <- struct{}{}:
		default:
		}
	})
	ch.OnMessage(s.handle)
	ch.OnClose(s.Close)
}

// Close stops every stream and discards partial uploads.
func (s *Server) Close() {
	s.cancel()

	s.mu.Lock()
	uploads := s.uploads
	downloads := s.downloads
	s.uploads = make(map[uuid.UUID]*incoming)
	s.downloads = make(map[uuid.UUID]*outgoing)
	s.mu.Unlock()

	for _, out := range downloads {
		out.cancel()
		s.recordEnd(DirectionDownload, StateCancelled)
	}
	for _, in := range uploads {
		in.discard()
		s.recordEnd(DirectionUpload, StateCancelled)
	}
}

func (s *Server) handle(data []byte) {
	defer recovery.RecoverWithLog(s.logger, "filetransfer.Server.handle")

	msg, err := Decode(data)
	if err != nil {
		s.logger.Warn("dropping malformed transfer message", logging.KeyError, err)
		if s.metrics != nil {
			s.metrics.RecordMalformed(peer.LabelFileTransfer)
		}
		return
	}

	switch msg.Type {
	case TypeListFiles:
		s.handleList(msg)
	case TypeRequest:
		switch msg.Direction {
		case DirectionDownload:
			s.startDownload(msg)
		case DirectionUpload:
			s.startUpload(msg)
		default:
			s.sendError(msg.TransferID, CodeInternal, fmt.Sprintf("unknown direction %q", msg.Direction))
		}
	case TypeChunk:
		s.handleChunk(msg)
	case TypeComplete:
		s.finishUpload(msg)
	case TypeCancel:
		s.abort(msg.TransferID, StateCancelled, msg.Reason)
	case TypeError:
		s.abort(msg.TransferID, StateFailed, msg.Message)
	case TypeResume:
		s.resumeDownload(msg)
	case TypeAck:
		// Delivery is reliable; acks only confirm progress.
	default:
		s.logger.Debug("ignoring transfer message", logging.KeyType, string(msg.Type))
	}
}

func (s *Server) handleList(msg Message) {
	path := msg.Path
	if path == "" {
		path = s.cfg.Policy.Root()
	}
	reply := Message{Type: TypeFileList, Path: path}

	clean, err := s.cfg.Policy.ValidateExisting(path)
	if err == nil {
		reply.Path = clean
		reply.Entries, err = listDirectory(clean, msg.IncludeHidden)
	}
	if err != nil {
		reply.Error = err.Error()
		s.logger.Debug("listing failed", logging.KeyPath, path, logging.KeyError, err)
	}
	s.send(reply)
}

func (s *Server) startDownload(msg Message) {
	id := msg.TransferID
	s.mu.Lock()
	_, exists := s.downloads[id]
	s.mu.Unlock()
	if exists {
		s.sendError(id, CodeTransferExists, "transfer already exists")
		return
	}

	path, err := s.cfg.Policy.ValidateExisting(msg.Path)
	if err != nil {
		s.reject(id, err)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		s.reject(id, err)
		return
	}
	if !info.Mode().IsRegular() {
		s.sendError(id, CodeNotAFile, "path is not a file")
		return
	}
	if s.cfg.MaxFileSize > 0 && info.Size() > s.cfg.MaxFileSize {
		s.sendError(id, CodeFileTooLarge, fmt.Sprintf("file exceeds maximum size of %s", FormatSize(uint64(s.cfg.MaxFileSize))))
		return
	}
	if _, err := ChunkCount(uint64(info.Size()), uint32(s.cfg.ChunkSize)); err != nil {
		s.sendError(id, CodeFileTooLarge, err.Error())
		return
	}
	if readable, _ := accessFor(path); !readable {
		s.sendError(id, CodeAccessDenied, "file is not readable")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	out := &outgoing{path: path, size: uint64(info.Size()), chunk: uint32(s.cfg.ChunkSize), cancel: cancel}
	s.mu.Lock()
	s.downloads[id] = out
	s.mu.Unlock()

	s.send(Message{
		Type:       TypeResponse,
		TransferID: id,
		Accepted:   true,
		FileSize:   out.size,
		Filename:   filepath.Base(path),
		ChunkSize:  out.chunk,
	})
	s.logger.Info("download started", logging.KeyTransferID, id.String(), logging.KeyPath, path, logging.KeySize, out.size)
	if s.metrics != nil {
		s.metrics.RecordTransferStart()
	}
	go s.stream(ctx, id, out, 0)
}

// stream sends chunks [from, total) of out followed by progress and complete.
func (s *Server) stream(ctx context.Context, id uuid.UUID, out *outgoing, from uint32) {
	defer recovery.RecoverWithLog(s.logger, "filetransfer.Server.stream")

	f, err := os.Open(out.path)
	if err != nil {
		s.failDownload(id, out, codeFor(err), err.Error())
		return
	}
	defer f.Close()

	offset := int64(from) * int64(out.chunk)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		s.failDownload(id, out, CodeIOError, err.Error())
		return
	}
	reader := NewRateLimitedReader(ctx, f, s.cfg.RateLimit, int(out.chunk))

	var hasher hash.Hash
	if from == 0 {
		hasher = sha256.New()
	}

	total := TotalChunks(out.size, out.chunk)
	sent := uint64(offset)
	started := time.Now()
	lastProgress := started
	buf := make([]byte, out.chunk)

	for seq := from; seq < total; seq++ {
		if err := s.waitBuffered(ctx); err != nil {
			return
		}
		n := uint64(out.chunk)
		if remaining := out.size - uint64(seq)*uint64(out.chunk); remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(reader, buf[:n]); err != nil {
			if ctx.Err() == nil {
				s.failDownload(id, out, CodeIOError, fmt.Sprintf("read failed: %v", err))
			}
			return
		}
		if hasher != nil {
			hasher.Write(buf[:n])
		}
		if ctx.Err() != nil {
			return
		}
		if err := s.send(Message{Type: TypeChunk, TransferID: id, Sequence: seq, Data: buf[:n], IsLast: seq == total-1}); err != nil {
			return
		}
		sent += n
		if s.metrics != nil {
			s.metrics.RecordChunk(string(DirectionDownload), int(n))
		}

		if now := time.Now(); now.Sub(lastProgress) >= s.cfg.ProgressInterval || seq == total-1 {
			lastProgress = now
			s.send(progressMessage(id, sent-uint64(offset), sent, out.size, now.Sub(started)))
		}
	}

	var sum string
	if hasher != nil {
		sum = hex.EncodeToString(hasher.Sum(nil))
	} else if sum, err = fileChecksum(out.path); err != nil {
		s.failDownload(id, out, CodeIOError, err.Error())
		return
	}

	if !s.releaseDownload(id, out) {
		return
	}
	s.send(Message{Type: TypeComplete, TransferID: id, Checksum: sum})
	s.logger.Info("download complete",
		logging.KeyTransferID, id.String(),
		logging.KeyPath, out.path,
		logging.KeyDuration, time.Since(started))
	s.recordEnd(DirectionDownload, StateCompleted)
}

func progressMessage(id uuid.UUID, delta, sent, total uint64, elapsed time.Duration) Message {
	msg := Message{Type: TypeProgress, TransferID: id, Transferred: sent, Total: total}
	if secs := elapsed.Seconds(); secs > 0 {
		msg.SpeedBPS = uint64(float64(delta) / secs)
	}
	if msg.SpeedBPS > 0 && total > sent {
		eta := uint32((total - sent) / msg.SpeedBPS)
		msg.ETASeconds = &eta
	}
	return msg
}

func (s *Server) resumeDownload(msg Message) {
	id := msg.TransferID
	s.mu.Lock()
	old, ok := s.downloads[id]
	if !ok {
		s.mu.Unlock()
		s.sendError(id, CodeTransferNotFound, "transfer not found")
		return
	}
	old.cancel()
	ctx, cancel := context.WithCancel(s.ctx)
	out := &outgoing{path: old.path, size: old.size, chunk: old.chunk, cancel: cancel}
	s.downloads[id] = out
	s.mu.Unlock()

	var from uint32
	if msg.LastSequence != nil {
		from = *msg.LastSequence + 1
	}
	s.logger.Info("resuming download", logging.KeyTransferID, id.String(), "sequence", from)
	go s.stream(ctx, id, out, from)
}

// releaseDownload removes out if it is still the current stream for id.
func (s *Server) releaseDownload(id uuid.UUID, out *outgoing) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downloads[id] != out {
		return false
	}
	delete(s.downloads, id)
	out.cancel()
	return true
}

func (s *Server) failDownload(id uuid.UUID, out *outgoing, code ErrorCode, message string) {
	if !s.releaseDownload(id, out) {
		return
	}
	s.logger.Warn("download failed", logging.KeyTransferID, id.String(), logging.KeyError, message)
	s.sendError(id, code, message)
	s.recordEnd(DirectionDownload, StateFailed)
}

func (s *Server) startUpload(msg Message) {
	id := msg.TransferID
	s.mu.Lock()
	_, exists := s.uploads[id]
	s.mu.Unlock()
	if exists {
		s.sendError(id, CodeTransferExists, "transfer already exists")
		return
	}

	name, err := sanitizeFilename(msg.Filename)
	if err != nil {
		s.reject(id, err)
		return
	}
	dir := msg.Path
	if dir == "" {
		dir = s.cfg.UploadDir
	}
	if dir == "" {
		dir = s.cfg.Policy.Root()
	}
	dest, err := s.cfg.Policy.Validate(filepath.Join(dir, name))
	if err != nil {
		s.reject(id, err)
		return
	}
	if s.cfg.MaxFileSize > 0 && msg.FileSize > uint64(s.cfg.MaxFileSize) {
		s.sendError(id, CodeFileTooLarge, fmt.Sprintf("file exceeds maximum size of %s", FormatSize(uint64(s.cfg.MaxFileSize))))
		return
	}
	total, err := ChunkCount(msg.FileSize, uint32(s.cfg.ChunkSize))
	if err != nil {
		s.sendError(id, CodeFileTooLarge, err.Error())
		return
	}
	if info, err := os.Stat(filepath.Dir(dest)); err != nil {
		s.reject(id, err)
		return
	} else if !info.IsDir() {
		s.sendError(id, CodeInvalidPath, "destination is not a directory")
		return
	}

	partial := dest + ".partial"
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		s.reject(id, err)
		return
	}

	chunk := uint32(s.cfg.ChunkSize)
	in := &incoming{
		dest:     dest,
		partial:  partial,
		file:     f,
		size:     msg.FileSize,
		chunk:    chunk,
		received: make([]bool, total),
	}
	s.mu.Lock()
	s.uploads[id] = in
	s.mu.Unlock()

	s.send(Message{
		Type:       TypeResponse,
		TransferID: id,
		Accepted:   true,
		FileSize:   msg.FileSize,
		Filename:   name,
		ChunkSize:  chunk,
	})
	s.logger.Info("upload started", logging.KeyTransferID, id.String(), logging.KeyPath, dest, logging.KeySize, msg.FileSize)
	if s.metrics != nil {
		s.metrics.RecordTransferStart()
	}
}

func (s *Server) handleChunk(msg Message) {
	id := msg.TransferID
	s.mu.Lock()
	in, ok := s.uploads[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if int(msg.Sequence) >= len(in.received) {
		s.mu.Unlock()
		s.abortWith(id, CodeInternal, fmt.Sprintf("chunk %d out of range", msg.Sequence))
		return
	}
	if in.received[msg.Sequence] {
		s.mu.Unlock()
		return
	}
	if in.written+uint64(len(msg.Data)) > in.size {
		s.mu.Unlock()
		s.abortWith(id, CodeFileTooLarge, "upload exceeds announced size")
		return
	}
	if _, err := in.file.WriteAt(msg.Data, int64(msg.Sequence)*int64(in.chunk)); err != nil {
		s.mu.Unlock()
		s.abortWith(id, codeFor(err), err.Error())
		return
	}
	in.received[msg.Sequence] = true
	in.count++
	in.written += uint64(len(msg.Data))
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordChunk(string(DirectionUpload), len(msg.Data))
	}
	if err := s.send(Message{Type: TypeAck, TransferID: id, Sequence: msg.Sequence}); err != nil {
		s.logger.Debug("ack failed", logging.KeyTransferID, id.String(), logging.KeyError, err)
	}
}

func (s *Server) finishUpload(msg Message) {
	id := msg.TransferID
	s.mu.Lock()
	in, ok := s.uploads[id]
	if ok {
		delete(s.uploads, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	fail := func(code ErrorCode, message string) {
		in.discard()
		s.logger.Warn("upload failed", logging.KeyTransferID, id.String(), logging.KeyError, message)
		s.sendError(id, code, message)
		s.recordEnd(DirectionUpload, StateFailed)
	}

	if in.count != len(in.received) || in.written != in.size {
		fail(CodeIOError, fmt.Sprintf("incomplete upload: %d of %d chunks", in.count, len(in.received)))
		return
	}
	if err := in.file.Sync(); err != nil {
		fail(codeFor(err), err.Error())
		return
	}
	if msg.Checksum != "" {
		if _, err := in.file.Seek(0, io.SeekStart); err != nil {
			fail(CodeIOError, err.Error())
			return
		}
		sum, err := ReaderChecksum(in.file)
		if err != nil {
			fail(CodeIOError, err.Error())
			return
		}
		if !strings.EqualFold(sum, msg.Checksum) {
			fail(CodeChecksumMismatch, "checksum verification failed")
			return
		}
	}
	if err := in.file.Close(); err != nil {
		fail(codeFor(err), err.Error())
		return
	}
	if err := os.Rename(in.partial, in.dest); err != nil {
		fail(codeFor(err), err.Error())
		return
	}

	s.logger.Info("upload stored", logging.KeyTransferID, id.String(), logging.KeyPath, in.dest, logging.KeySize, in.size)
	s.send(Message{Type: TypeComplete, TransferID: id})
	s.recordEnd(DirectionUpload, StateCompleted)
}

// abort ends a transfer at the viewer's request.
func (s *Server) abort(id uuid.UUID, state State, reason string) {
	s.mu.Lock()
	out, isDownload := s.downloads[id]
	in, isUpload := s.uploads[id]
	delete(s.downloads, id)
	delete(s.uploads, id)
	s.mu.Unlock()

	if isDownload {
		out.cancel()
		s.recordEnd(DirectionDownload, state)
	}
	if isUpload {
		in.discard()
		s.recordEnd(DirectionUpload, state)
	}
	if isDownload || isUpload {
		s.logger.Info("transfer ended by viewer",
			logging.KeyTransferID, id.String(),
			logging.KeyState, string(state),
			"reason", reason)
	}
}

// abortWith ends an upload on an agent-side failure and reports it.
func (s *Server) abortWith(id uuid.UUID, code ErrorCode, message string) {
	s.abort(id, StateFailed, message)
	s.sendError(id, code, message)
}

func (in *incoming) discard() {
	in.file.Close()
	os.Remove(in.partial)
}

// reject answers a request with an error derived from err.
func (s *Server) reject(id uuid.UUID, err error) {
	s.logger.Debug("transfer rejected", logging.KeyTransferID, id.String(), logging.KeyError, err)
	s.sendError(id, codeFor(err), err.Error())
}

func codeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, errInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, os.ErrNotExist):
		return CodeNotFound
	case errors.Is(err, os.ErrPermission):
		return CodeAccessDenied
	case errors.Is(err, syscall.ENOSPC):
		return CodeDiskFull
	default:
		return CodeIOError
	}
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return ReaderChecksum(f)
}

func (s *Server) waitBuffered(ctx context.Context) error {
	if s.cfg.BufferedAmountHigh == 0 {
		return ctx.Err()
	}
	for {
		s.mu.Lock()
		ch := s.ch
		s.mu.Unlock()
		if ch == nil || !ch.IsOpen() {
			return peer.ErrChannelClosed
		}
		if ch.BufferedAmount() <= s.cfg.BufferedAmountHigh {
			return ctx.Err()
		}
		select {
		case <-s.low:
		case <-time.After(bufferedPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) sendError(id uuid.UUID, code ErrorCode, message string) {
	s.send(Message{Type: TypeError, TransferID: id, Code: code, Message: message})
}

func (s *Server) send(msg Message) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return ErrNotBound
	}
	text, err := Encode(msg)
	if err != nil {
		s.logger.Error("failed to encode transfer message", logging.KeyError, err)
		return err
	}
	if err := ch.SendText(text); err != nil {
		s.logger.Debug("transfer send failed", logging.KeyType, string(msg.Type), logging.KeyError, err)
		return err
	}
	return nil
}

func (s *Server) recordEnd(direction Direction, state State) {
	if s.metrics != nil {
		s.metrics.RecordTransferEnd(string(direction), string(state))
	}
}
