package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/deskline/internal/logging"
	"github.com/postalsys/deskline/internal/metrics"
	"github.com/postalsys/deskline/internal/peer"
)

var (
	// ErrFileTooLarge is returned by Upload without contacting the agent.
	ErrFileTooLarge = errors.New("file exceeds the upload size limit")
	// ErrTransferNotFound is returned for ids the manager does not track.
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrNothingToResume is returned by Resume before chunk 0 has arrived.
	ErrNothingToResume = errors.New("no chunk received yet")
	// ErrNotBound is returned before a channel has been bound.
	ErrNotBound = errors.New("file transfer channel not bound")
)

const bufferedPoll = 100 * time.Millisecond

// Config tunes the viewer side of a transfer.
type Config struct {
	ChunkSize     int
	MaxUploadSize int64 // 0 = unlimited

	// Downloads are reassembled in memory; larger ones fail on the response.
	MaxDownloadSize int64 // 0 = unlimited

	// Chunk sends pause while the channel buffers more than BufferedAmountHigh
	// bytes and resume once it drains to BufferedAmountLow.
	BufferedAmountHigh uint64
	BufferedAmountLow  uint64

	ChunkDelay    time.Duration
	RateLimit     int64 // bytes per second, 0 = unlimited
	IncludeHidden bool
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		ChunkSize:          DefaultChunkSize,
		MaxUploadSize:      1 << 30,
		MaxDownloadSize:    1 << 30,
		BufferedAmountHigh: 1 << 20,
		BufferedAmountLow:  256 << 10,
		ChunkDelay:         time.Millisecond,
	}
}

// Events are the manager's callbacks. They run on the goroutine that
// delivered the triggering message and must not block.
type Events struct {
	OnFileList func(path string, entries []FileEntry, errMsg string)
	OnUpdate   func(t Transfer)
	// OnDownload receives the reassembled file of a completed download.
	OnDownload func(t Transfer, data []byte)
}

// UploadSource is a local file offered for upload.
type UploadSource struct {
	Name     string
	Size     int64
	MimeType string
	Data     io.ReaderAt
}

// OpenUploadSource opens a local file for Upload. The caller closes the
// returned file once the transfer is finished.
func OpenUploadSource(path string) (UploadSource, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return UploadSource{}, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return UploadSource{}, nil, err
	}
	if info.IsDir() {
		f.Close()
		return UploadSource{}, nil, fmt.Errorf("%s is a directory", path)
	}
	name := filepath.Base(path)
	return UploadSource{Name: name, Size: info.Size(), MimeType: DetectMimeType(name), Data: f}, f, nil
}

type upload struct {
	src    UploadSource
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
}

type entry struct {
	Transfer
	chunkSize uint32
	active    bool
	up        *upload
}

// Manager is the viewer side of the file transfer protocol. Chunk buffers
// are keyed by transfer id; a missing buffer means the transfer is no longer
// tracked and its messages are dropped.
type Manager struct {
	cfg     Config
	events  Events
	logger  *slog.Logger
	metrics *metrics.Metrics
	low     chan struct{}

	mu        sync.Mutex
	ch        peer.Channel
	queue     []string
	transfers map[uuid.UUID]*entry
	buffers   map[uuid.UUID]*chunkBuffer
}

// NewManager creates a manager. m may be nil.
func NewManager(cfg Config, events Events, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Manager{
		cfg:       cfg,
		events:    events,
		logger:    logging.Component(logger, "filetransfer"),
		metrics:   m,
		low:       make(chan struct{}, 1),
		transfers: make(map[uuid.UUID]*entry),
		buffers:   make(map[uuid.UUID]*chunkBuffer),
	}
}

// Bind attaches the "file-transfer" channel. Requests made before it opens are queued.
func (m *Manager) Bind(ch peer.Channel) {
	m.mu.Lock()
	m.ch = ch
	m.mu.Unlock()

	ch.SetBufferedAmountLowThreshold(m.cfg.BufferedAmountLow)
	ch.OnBufferedAmountLow(func() {
		select {
		case m.low <- struct{}{}:
		default:
		}
	})
	ch.OnMessage(m.handleMessage)
	ch.OnOpen(m.flush)
	ch.OnClose(m.channelClosed)
}

// ListFiles asks the agent for the contents of a directory. An empty path
// lists the agent's default directory.
func (m *Manager) ListFiles(path string) error {
	return m.send(Message{Type: TypeListFiles, Path: path, IncludeHidden: m.cfg.IncludeHidden})
}

// Open lists a directory entry or downloads a file entry. The returned id
// is uuid.Nil for directories.
func (m *Manager) Open(e FileEntry) (uuid.UUID, error) {
	if e.IsDirectory {
		return uuid.Nil, m.ListFiles(e.Path)
	}
	return m.Download(e.Path)
}

// Download requests a file from the agent.
func (m *Manager) Download(path string) (uuid.UUID, error) {
	e := &entry{Transfer: Transfer{
		ID:        uuid.New(),
		Direction: DirectionDownload,
		Filename:  baseName(path),
		Path:      path,
		State:     StatePending,
		StartedAt: time.Now(),
	}}
	if err := m.start(e, Message{Type: TypeRequest, TransferID: e.ID, Direction: DirectionDownload, Path: path}); err != nil {
		return uuid.Nil, err
	}
	return e.ID, nil
}

// Upload offers src to the agent for storage in remoteDir (empty selects the
// agent's upload directory). Oversized files fail with ErrFileTooLarge
// before any message is sent. Chunks flow once the agent accepts; ctx
// bounds the whole upload.
func (m *Manager) Upload(ctx context.Context, src UploadSource, remoteDir string) (uuid.UUID, error) {
	if src.Size < 0 {
		return uuid.Nil, fmt.Errorf("invalid size %d", src.Size)
	}
	if m.cfg.MaxUploadSize > 0 && src.Size > m.cfg.MaxUploadSize {
		return uuid.Nil, fmt.Errorf("%w: %s is %s, limit is %s", ErrFileTooLarge,
			src.Name, FormatSize(uint64(src.Size)), FormatSize(uint64(m.cfg.MaxUploadSize)))
	}

	uctx, cancel := context.WithCancel(ctx)
	e := &entry{
		Transfer: Transfer{
			ID:        uuid.New(),
			Direction: DirectionUpload,
			Filename:  src.Name,
			Path:      remoteDir,
			TotalSize: uint64(src.Size),
			State:     StatePending,
			StartedAt: time.Now(),
		},
		up: &upload{src: src, parent: ctx, ctx: uctx, cancel: cancel},
	}
	req := Message{
		Type:       TypeRequest,
		TransferID: e.ID,
		Direction:  DirectionUpload,
		Path:       remoteDir,
		Filename:   src.Name,
		FileSize:   uint64(src.Size),
		MimeType:   src.MimeType,
	}
	if err := m.start(e, req); err != nil {
		cancel()
		return uuid.Nil, err
	}
	return e.ID, nil
}

func (m *Manager) start(e *entry, req Message) error {
	m.mu.Lock()
	m.transfers[e.ID] = e
	m.mu.Unlock()

	if err := m.send(req); err != nil {
		m.mu.Lock()
		delete(m.transfers, e.ID)
		m.mu.Unlock()
		return err
	}
	m.logger.Debug("transfer requested",
		logging.KeyTransferID, e.ID.String(),
		"direction", string(e.Direction),
		logging.KeyPath, e.Path)
	m.notify(e.Transfer)
	return nil
}

// Cancel stops a transfer, frees its buffer and tells the agent.
func (m *Manager) Cancel(id uuid.UUID, reason string) error {
	m.mu.Lock()
	e, ok := m.transfers[id]
	if !ok {
		m.mu.Unlock()
		return ErrTransferNotFound
	}
	if e.State.Done() {
		m.mu.Unlock()
		return nil
	}
	wasActive := m.finishLocked(e, StateCancelled, reason)
	snapshot := e.Transfer
	m.mu.Unlock()

	if reason == "" {
		reason = "Cancelled by user"
	}
	err := m.send(Message{Type: TypeCancel, TransferID: id, Reason: reason})
	m.recordEnd(snapshot, wasActive)
	m.notify(snapshot)
	return err
}

// Resume asks the agent to resend a download from the first missing chunk.
func (m *Manager) Resume(id uuid.UUID) error {
	m.mu.Lock()
	e, ok := m.transfers[id]
	buf := m.buffers[id]
	if !ok || buf == nil || e.Direction != DirectionDownload || e.State != StateInProgress {
		m.mu.Unlock()
		return ErrTransferNotFound
	}
	last := buf.contiguous()
	m.mu.Unlock()
	if last == nil {
		return ErrNothingToResume
	}

	return m.send(Message{Type: TypeResume, TransferID: id, LastSequence: last})
}

// Transfer returns a snapshot of one transfer.
func (m *Manager) Transfer(id uuid.UUID) (Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return e.Transfer, true
}

// Transfers returns snapshots of every known transfer, oldest first.
func (m *Manager) Transfers() []Transfer {
	m.mu.Lock()
	out := make([]Transfer, 0, len(m.transfers))
	for _, e := range m.transfers {
		out = append(out, e.Transfer)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// hasBuffer reports whether a chunk buffer exists for id.
func (m *Manager) hasBuffer(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buffers[id]
	return ok
}

func (m *Manager) handleMessage(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		m.logger.Warn("dropping malformed transfer message", logging.KeyError, err)
		if m.metrics != nil {
			m.metrics.RecordMalformed(peer.LabelFileTransfer)
		}
		return
	}

	switch msg.Type {
	case TypeFileList:
		if m.events.OnFileList != nil {
			m.events.OnFileList(msg.Path, msg.Entries, msg.Error)
		}
	case TypeResponse:
		m.handleResponse(msg)
	case TypeChunk:
		m.handleChunk(msg)
	case TypeAck:
		m.logger.Debug("chunk acknowledged", logging.KeyTransferID, msg.TransferID.String(), "sequence", msg.Sequence)
	case TypeProgress:
		m.handleProgress(msg)
	case TypeComplete:
		m.handleComplete(msg)
	case TypeError:
		m.handleRemoteEnd(msg.TransferID, StateFailed, msg.Message)
	case TypeCancel:
		m.handleRemoteEnd(msg.TransferID, StateCancelled, msg.Reason)
	case TypeResume:
		m.handleResume(msg)
	default:
		m.logger.Debug("ignoring transfer message", logging.KeyType, string(msg.Type))
	}
}

func (m *Manager) handleResponse(msg Message) {
	m.mu.Lock()
	e, ok := m.transfers[msg.TransferID]
	if !ok || e.State != StatePending {
		m.mu.Unlock()
		return
	}

	if !msg.Accepted {
		reason := msg.Error
		if reason == "" {
			reason = "transfer rejected by agent"
		}
		m.finishLocked(e, StateFailed, reason)
		snapshot := e.Transfer
		m.mu.Unlock()
		m.notify(snapshot)
		return
	}

	chunk := msg.ChunkSize
	if chunk == 0 {
		chunk = uint32(m.cfg.ChunkSize)
	}
	size := e.TotalSize
	if e.Direction == DirectionDownload {
		size = msg.FileSize
	}
	total, err := m.checkSize(e.Direction, size, chunk)
	if err != nil {
		m.finishLocked(e, StateFailed, err.Error())
		snapshot := e.Transfer
		m.mu.Unlock()
		m.notify(snapshot)
		if err := m.send(Message{Type: TypeCancel, TransferID: e.ID, Reason: err.Error()}); err != nil {
			m.logger.Debug("failed to cancel oversized transfer", logging.KeyTransferID, e.ID.String(), logging.KeyError, err)
		}
		return
	}
	e.chunkSize = chunk
	e.State = StateInProgress
	e.active = true

	var up *upload
	if e.Direction == DirectionDownload {
		e.TotalSize = msg.FileSize
		if msg.Filename != "" {
			e.Filename = msg.Filename
		}
		m.buffers[e.ID] = newChunkBuffer(total)
	} else {
		up = e.up
	}
	snapshot := e.Transfer
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordTransferStart()
	}
	m.notify(snapshot)
	if up != nil {
		go m.runUpload(e.ID, up, chunk, 0)
	}
}

// checkSize validates an accepted transfer before any buffer is allocated
// for it.
func (m *Manager) checkSize(dir Direction, size uint64, chunk uint32) (uint32, error) {
	if dir == DirectionDownload && m.cfg.MaxDownloadSize > 0 && size > uint64(m.cfg.MaxDownloadSize) {
		return 0, fmt.Errorf("file size %s exceeds the download limit of %s", FormatSize(size), FormatSize(uint64(m.cfg.MaxDownloadSize)))
	}
	return ChunkCount(size, chunk)
}

func (m *Manager) handleChunk(msg Message) {
	m.mu.Lock()
	buf, ok := m.buffers[msg.TransferID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("dropping chunk for untracked transfer", logging.KeyTransferID, msg.TransferID.String())
		return
	}
	e := m.transfers[msg.TransferID]
	if !buf.store(msg.Sequence, msg.Data) {
		m.mu.Unlock()
		m.logger.Debug("dropping duplicate or out of range chunk",
			logging.KeyTransferID, msg.TransferID.String(), "sequence", msg.Sequence)
		return
	}
	e.Transferred += uint64(len(msg.Data))
	snapshot := e.Transfer
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordChunk(string(DirectionDownload), len(msg.Data))
	}
	if err := m.send(Message{Type: TypeAck, TransferID: msg.TransferID, Sequence: msg.Sequence}); err != nil {
		m.logger.Debug("ack failed", logging.KeyTransferID, msg.TransferID.String(), logging.KeyError, err)
	}
	m.notify(snapshot)
}

// handleProgress updates rate and ETA only; Transferred follows chunk receipt.
func (m *Manager) handleProgress(msg Message) {
	m.mu.Lock()
	e, ok := m.transfers[msg.TransferID]
	if !ok || e.State.Done() {
		m.mu.Unlock()
		return
	}
	e.SpeedBPS = msg.SpeedBPS
	e.ETA = 0
	if msg.ETASeconds != nil {
		e.ETA = time.Duration(*msg.ETASeconds) * time.Second
	}
	snapshot := e.Transfer
	m.mu.Unlock()
	m.notify(snapshot)
}

func (m *Manager) handleComplete(msg Message) {
	m.mu.Lock()
	e, ok := m.transfers[msg.TransferID]
	if !ok || e.State.Done() {
		m.mu.Unlock()
		return
	}
	if e.Direction == DirectionUpload {
		// The agent confirms a stored upload.
		m.mu.Unlock()
		return
	}
	buf, ok := m.buffers[msg.TransferID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.buffers, msg.TransferID)

	var data []byte
	var wasActive bool
	switch {
	case !buf.complete():
		wasActive = m.finishLocked(e, StateFailed,
			fmt.Sprintf("incomplete transfer: received %d of %d chunks", buf.received, len(buf.chunks)))
	default:
		data = buf.assemble()
		if msg.Checksum != "" && !strings.EqualFold(Checksum(data), msg.Checksum) {
			wasActive = m.finishLocked(e, StateFailed, "checksum verification failed")
			data = nil
		} else {
			e.Transferred = uint64(len(data))
			e.ETA = 0
			wasActive = m.finishLocked(e, StateCompleted, "")
		}
	}
	snapshot := e.Transfer
	m.mu.Unlock()

	m.recordEnd(snapshot, wasActive)
	m.notify(snapshot)
	if snapshot.State == StateCompleted {
		m.logger.Info("download complete",
			logging.KeyTransferID, snapshot.ID.String(),
			logging.KeyPath, snapshot.Path,
			logging.KeySize, len(data))
		if m.events.OnDownload != nil {
			m.events.OnDownload(snapshot, data)
		}
	}
}

// handleRemoteEnd applies an error or cancel sent by the agent. Other transfers are untouched.
func (m *Manager) handleRemoteEnd(id uuid.UUID, state State, message string) {
	m.mu.Lock()
	e, ok := m.transfers[id]
	if !ok || e.State.Done() {
		m.mu.Unlock()
		return
	}
	if message == "" && state == StateCancelled {
		message = "cancelled by agent"
	}
	wasActive := m.finishLocked(e, state, message)
	snapshot := e.Transfer
	m.mu.Unlock()

	m.logger.Warn("transfer ended by agent",
		logging.KeyTransferID, id.String(),
		logging.KeyState, string(state),
		logging.KeyError, message)
	m.recordEnd(snapshot, wasActive)
	m.notify(snapshot)
}

// handleResume restarts an upload after the last sequence the agent stored.
func (m *Manager) handleResume(msg Message) {
	m.mu.Lock()
	e, ok := m.transfers[msg.TransferID]
	if !ok || e.Direction != DirectionUpload || e.State != StateInProgress || e.up == nil {
		m.mu.Unlock()
		return
	}
	var from uint32
	if msg.LastSequence != nil {
		from = *msg.LastSequence + 1
	}
	e.up.cancel()
	ctx, cancel := context.WithCancel(e.up.parent)
	up := &upload{src: e.up.src, parent: e.up.parent, ctx: ctx, cancel: cancel}
	e.up = up
	e.Transferred = uint64(from) * uint64(e.chunkSize)
	if e.Transferred > e.TotalSize {
		e.Transferred = e.TotalSize
	}
	chunk := e.chunkSize
	m.mu.Unlock()

	m.logger.Info("resuming upload", logging.KeyTransferID, msg.TransferID.String(), "sequence", from)
	go m.runUpload(msg.TransferID, up, chunk, from)
}

// finishLocked moves e to a final state and releases its buffer and upload
// loop. It reports whether the transfer had been counted as active.
func (m *Manager) finishLocked(e *entry, state State, message string) bool {
	e.State = state
	e.Error = message
	delete(m.buffers, e.ID)
	if e.up != nil {
		e.up.cancel()
		e.up = nil
	}
	wasActive := e.active
	e.active = false
	return wasActive
}

func (m *Manager) recordEnd(t Transfer, wasActive bool) {
	if wasActive && m.metrics != nil {
		m.metrics.RecordTransferEnd(string(t.Direction), string(t.State))
	}
}

func (m *Manager) channelClosed() {
	m.mu.Lock()
	var ended []Transfer
	var active []bool
	for _, e := range m.transfers {
		if e.State.Done() {
			continue
		}
		active = append(active, m.finishLocked(e, StateFailed, "file transfer channel closed"))
		ended = append(ended, e.Transfer)
	}
	m.queue = nil
	m.mu.Unlock()

	for i, t := range ended {
		m.recordEnd(t, active[i])
		m.notify(t)
	}
}

func (m *Manager) send(msg Message) error {
	text, err := Encode(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	ch := m.ch
	if ch == nil {
		m.mu.Unlock()
		return ErrNotBound
	}
	if !ch.IsOpen() {
		m.queue = append(m.queue, text)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return ch.SendText(text)
}

func (m *Manager) flush() {
	m.mu.Lock()
	ch, queued := m.ch, m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, text := range queued {
		if err := ch.SendText(text); err != nil {
			m.logger.Warn("failed to send queued transfer message", logging.KeyError, err)
			return
		}
	}
}

func (m *Manager) notify(t Transfer) {
	if m.events.OnUpdate != nil {
		m.events.OnUpdate(t)
	}
}

// baseName handles both slash styles since the agent may run on Windows.
func baseName(path string) string {
	path = strings.TrimRight(path, `/\`)
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
