package filetransfer

import (
	"math"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestEncode_WireFields(t *testing.T) {
	id := uuid.MustParse("6f1c2d3e-4a5b-4c6d-8e7f-901234567890")
	zero := uint32(0)
	eta := uint32(4)

	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			"first chunk",
			Message{Type: TypeChunk, TransferID: id, Sequence: 0, Data: []byte{1, 2, 3}},
			`{"type":"chunk","transfer_id":"$ID","sequence":0,"data":"AQID","is_last":false}`,
		},
		{
			"empty chunk",
			Message{Type: TypeChunk, TransferID: id, IsLast: true},
			`{"type":"chunk","transfer_id":"$ID","sequence":0,"data":"","is_last":true}`,
		},
		{
			"ack zero",
			Message{Type: TypeAck, TransferID: id},
			`{"type":"ack","transfer_id":"$ID","sequence":0}`,
		},
		{
			"rejected response",
			Message{Type: TypeResponse, TransferID: id, Error: "file not found"},
			`{"type":"response","transfer_id":"$ID","accepted":false,"file_size":0,"filename":"","chunk_size":0,"error":"file not found"}`,
		},
		{
			"accepted response",
			Message{Type: TypeResponse, TransferID: id, Accepted: true, FileSize: 0, Filename: "empty.txt", ChunkSize: 16384},
			`{"type":"response","transfer_id":"$ID","accepted":true,"file_size":0,"filename":"empty.txt","chunk_size":16384}`,
		},
		{
			"download request",
			Message{Type: TypeRequest, TransferID: id, Direction: DirectionDownload},
			`{"type":"request","transfer_id":"$ID","direction":"download","path":""}`,
		},
		{
			"upload request of empty file",
			Message{Type: TypeRequest, TransferID: id, Direction: DirectionUpload, Filename: "e.txt", MimeType: "text/plain"},
			`{"type":"request","transfer_id":"$ID","direction":"upload","path":"","filename":"e.txt","file_size":0,"mime_type":"text/plain"}`,
		},
		{
			"progress",
			Message{Type: TypeProgress, TransferID: id},
			`{"type":"progress","transfer_id":"$ID","transferred":0,"total":0,"speed_bps":0}`,
		},
		{
			"progress with eta",
			Message{Type: TypeProgress, TransferID: id, Transferred: 10, Total: 20, SpeedBPS: 5, ETASeconds: &eta},
			`{"type":"progress","transfer_id":"$ID","transferred":10,"total":20,"speed_bps":5,"eta_seconds":4}`,
		},
		{
			"complete",
			Message{Type: TypeComplete, TransferID: id},
			`{"type":"complete","transfer_id":"$ID"}`,
		},
		{
			"error",
			Message{Type: TypeError, TransferID: id, Code: CodeNotFound, Message: "gone"},
			`{"type":"error","transfer_id":"$ID","code":"not_found","message":"gone"}`,
		},
		{
			"cancel",
			Message{Type: TypeCancel, TransferID: id, Reason: "Cancelled by user"},
			`{"type":"cancel","transfer_id":"$ID","reason":"Cancelled by user"}`,
		},
		{
			"resume after first chunk",
			Message{Type: TypeResume, TransferID: id, LastSequence: &zero},
			`{"type":"resume","transfer_id":"$ID","last_sequence":0}`,
		},
		{
			"list home",
			Message{Type: TypeListFiles},
			`{"type":"list_files","path":"","include_hidden":false}`,
		},
		{
			"empty listing",
			Message{Type: TypeFileList, Path: "/srv"},
			`{"type":"file_list","path":"/srv","entries":[]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			want := strings.ReplaceAll(tt.want, "$ID", id.String())
			if got != want {
				t.Errorf("Encode() =\n  %s\nwant\n  %s", got, want)
			}
			back, err := Decode([]byte(got))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if back.Type != tt.msg.Type || back.TransferID != tt.msg.TransferID {
				t.Errorf("Decode() = %+v", back)
			}
		})
	}
}

func TestEncode_UnknownType(t *testing.T) {
	if _, err := Encode(Message{Type: "teleport"}); err == nil {
		t.Error("Encode() of unknown type succeeded")
	}
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		size    uint64
		chunk   uint32
		want    uint32
		wantErr bool
	}{
		{0, 16384, 0, false},
		{1, 16384, 1, false},
		{16385, 16384, 2, false},
		{math.MaxUint32, 1, math.MaxUint32, false},
		{math.MaxUint32 + 1, 1, 0, true},
		{1 << 40, 16, 0, true},
		{math.MaxUint64, 16384, 0, true},
		{10, 0, 0, true},
	}
	for _, tt := range tests {
		got, err := ChunkCount(tt.size, tt.chunk)
		if (err != nil) != tt.wantErr {
			t.Errorf("ChunkCount(%d, %d) error = %v, wantErr %v", tt.size, tt.chunk, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ChunkCount(%d, %d) = %d, want %d", tt.size, tt.chunk, got, tt.want)
		}
	}
}
