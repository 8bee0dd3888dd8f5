// Package filetransfer moves files and directory listings over the
// "file-transfer" data channel. Manager is the viewer side; Server is the
// agent side that owns the remote filesystem.
package filetransfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// DefaultChunkSize is the chunk size used when neither side configures one.
const DefaultChunkSize = 16 * 1024

// MessageType tags a transfer channel message.
type MessageType string

const (
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
	TypeChunk     MessageType = "chunk"
	TypeAck       MessageType = "ack"
	TypeProgress  MessageType = "progress"
	TypeComplete  MessageType = "complete"
	TypeError     MessageType = "error"
	TypeCancel    MessageType = "cancel"
	TypeResume    MessageType = "resume"
	TypeListFiles MessageType = "list_files"
	TypeFileList  MessageType = "file_list"
)

// Direction is seen from the viewer: uploads go to the agent, downloads come from it.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// ErrorCode classifies a transfer failure.
type ErrorCode string

const (
	CodeNotFound         ErrorCode = "not_found"
	CodeAccessDenied     ErrorCode = "access_denied"
	CodeFileTooLarge     ErrorCode = "file_too_large"
	CodeNotAFile         ErrorCode = "not_a_file"
	CodeInvalidPath      ErrorCode = "invalid_path"
	CodeDiskFull         ErrorCode = "disk_full"
	CodeIOError          ErrorCode = "io_error"
	CodeTransferExists   ErrorCode = "transfer_exists"
	CodeTransferNotFound ErrorCode = "transfer_not_found"
	CodeChecksumMismatch ErrorCode = "checksum_mismatch"
	CodeCancelled        ErrorCode = "cancelled"
	CodeInternal         ErrorCode = "internal"
)

// Message is the decoded form of every transfer channel message. Which
// fields are set depends on Type. MarshalJSON writes only the fields that
// belong to Type, and always writes the ones the peer requires.
type Message struct {
	Type       MessageType `json:"type"`
	TransferID uuid.UUID   `json:"transfer_id,omitzero"`

	// request / response
	Direction Direction `json:"direction,omitempty"`
	Path      string    `json:"path,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	FileSize  uint64    `json:"file_size,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
	Accepted  bool      `json:"accepted,omitempty"`
	ChunkSize uint32    `json:"chunk_size,omitempty"`
	Error     string    `json:"error,omitempty"`

	// chunk / ack / resume
	Sequence     uint32  `json:"sequence,omitempty"`
	Data         []byte  `json:"data,omitempty"`
	IsLast       bool    `json:"is_last,omitempty"`
	LastSequence *uint32 `json:"last_sequence,omitempty"`

	// complete
	Checksum string `json:"checksum,omitempty"`

	// error / cancel
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
	Reason  string    `json:"reason,omitempty"`

	// progress
	Transferred uint64  `json:"transferred,omitempty"`
	Total       uint64  `json:"total,omitempty"`
	SpeedBPS    uint64  `json:"speed_bps,omitempty"`
	ETASeconds  *uint32 `json:"eta_seconds,omitempty"`

	// list_files / file_list
	IncludeHidden bool        `json:"include_hidden,omitempty"`
	Entries       []FileEntry `json:"entries,omitempty"`
}

// FileEntry is one row of a remote directory listing.
type FileEntry struct {
	Name        string  `json:"name"`
	Path        string  `json:"path"`
	IsDirectory bool    `json:"is_directory"`
	Size        uint64  `json:"size"`
	Modified    *uint64 `json:"modified,omitempty"` // Unix seconds
	MimeType    string  `json:"mime_type,omitempty"`
	Hidden      bool    `json:"hidden"`
	Readable    bool    `json:"readable"`
	Writable    bool    `json:"writable"`
}

type idField struct {
	Type       MessageType `json:"type"`
	TransferID uuid.UUID   `json:"transfer_id"`
}

type requestWire struct {
	idField
	Direction Direction `json:"direction"`
	Path      string    `json:"path"`
	Filename  *string   `json:"filename,omitempty"`
	FileSize  *uint64   `json:"file_size,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
}

type responseWire struct {
	idField
	Accepted  bool   `json:"accepted"`
	FileSize  uint64 `json:"file_size"`
	Filename  string `json:"filename"`
	ChunkSize uint32 `json:"chunk_size"`
	Error     string `json:"error,omitempty"`
}

type chunkWire struct {
	idField
	Sequence uint32 `json:"sequence"`
	Data     []byte `json:"data"`
	IsLast   bool   `json:"is_last"`
}

type ackWire struct {
	idField
	Sequence uint32 `json:"sequence"`
}

type progressWire struct {
	idField
	Transferred uint64  `json:"transferred"`
	Total       uint64  `json:"total"`
	SpeedBPS    uint64  `json:"speed_bps"`
	ETASeconds  *uint32 `json:"eta_seconds,omitempty"`
}

type completeWire struct {
	idField
	Checksum string `json:"checksum,omitempty"`
}

type errorWire struct {
	idField
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type cancelWire struct {
	idField
	Reason string `json:"reason,omitempty"`
}

type resumeWire struct {
	idField
	LastSequence uint32 `json:"last_sequence"`
}

type listFilesWire struct {
	Type          MessageType `json:"type"`
	Path          string      `json:"path"`
	IncludeHidden bool        `json:"include_hidden"`
}

type fileListWire struct {
	Type    MessageType `json:"type"`
	Path    string      `json:"path"`
	Entries []FileEntry `json:"entries"`
	Error   string      `json:"error,omitempty"`
}

// MarshalJSON encodes m with the field set of its type.
func (m Message) MarshalJSON() ([]byte, error) {
	id := idField{Type: m.Type, TransferID: m.TransferID}
	var v any
	switch m.Type {
	case TypeRequest:
		w := requestWire{idField: id, Direction: m.Direction, Path: m.Path, MimeType: m.MimeType}
		if m.Direction == DirectionUpload {
			w.Filename = &m.Filename
			w.FileSize = &m.FileSize
		}
		v = w
	case TypeResponse:
		v = responseWire{id, m.Accepted, m.FileSize, m.Filename, m.ChunkSize, m.Error}
	case TypeChunk:
		data := m.Data
		if data == nil {
			data = []byte{}
		}
		v = chunkWire{id, m.Sequence, data, m.IsLast}
	case TypeAck:
		v = ackWire{id, m.Sequence}
	case TypeProgress:
		v = progressWire{id, m.Transferred, m.Total, m.SpeedBPS, m.ETASeconds}
	case TypeComplete:
		v = completeWire{id, m.Checksum}
	case TypeError:
		v = errorWire{id, m.Code, m.Message}
	case TypeCancel:
		v = cancelWire{id, m.Reason}
	case TypeResume:
		var last uint32
		if m.LastSequence != nil {
			last = *m.LastSequence
		}
		v = resumeWire{id, last}
	case TypeListFiles:
		v = listFilesWire{m.Type, m.Path, m.IncludeHidden}
	case TypeFileList:
		entries := m.Entries
		if entries == nil {
			entries = []FileEntry{}
		}
		v = fileListWire{m.Type, m.Path, entries, m.Error}
	default:
		return nil, fmt.Errorf("unknown transfer message type %q", m.Type)
	}
	return json.Marshal(v)
}

// Encode marshals m for SendText.
func Encode(m Message) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", m.Type, err)
	}
	return string(data), nil
}

// Decode parses a transfer message and rejects unknown types.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode transfer message: %w", err)
	}
	switch m.Type {
	case TypeRequest, TypeResponse, TypeChunk, TypeAck, TypeProgress, TypeComplete,
		TypeError, TypeCancel, TypeResume, TypeListFiles, TypeFileList:
	default:
		return Message{}, fmt.Errorf("unknown transfer message type %q", m.Type)
	}
	if m.Type != TypeListFiles && m.Type != TypeFileList && m.TransferID == uuid.Nil {
		return Message{}, fmt.Errorf("%s message without transfer_id", m.Type)
	}
	return m, nil
}

// ChunkCount returns ceil(size / chunkSize). It fails when chunkSize is
// zero or the count does not fit a uint32 sequence number.
func ChunkCount(size uint64, chunkSize uint32) (uint32, error) {
	if chunkSize == 0 {
		return 0, errors.New("chunk size must be positive")
	}
	n := size / uint64(chunkSize)
	if size%uint64(chunkSize) != 0 {
		n++
	}
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("%s in %s chunks exceeds %d chunks", FormatSize(size), FormatSize(uint64(chunkSize)), uint64(math.MaxUint32))
	}
	return uint32(n), nil
}

// TotalChunks is ChunkCount for sizes already checked with it. It returns
// 0 when the count is invalid.
func TotalChunks(size uint64, chunkSize uint32) uint32 {
	n, err := ChunkCount(size, chunkSize)
	if err != nil {
		return 0
	}
	return n
}
