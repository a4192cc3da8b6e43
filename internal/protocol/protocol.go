// Package protocol defines the wire contract spoken over a peer session:
// JSON-encoded control messages (text frames) interleaved with raw payload
// chunks (binary frames).
//
// Every payload stream — the run of binary frames between a *-header and its
// completion — carries an explicit correlation id. The id appears as the
// "stream" field of the header/end control messages and as a 4-byte big-endian
// prefix on each binary frame, so receivers demultiplex strictly by id and
// several streams may be open concurrently on one session.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/peerdrive/peerdrive/internal/common"
)

// Control message types.
const (
	TypeListFiles         = "list-files"
	TypeFileList          = "file-list"
	TypeRequestFile       = "request-file"
	TypeFileHeader        = "file-header"
	TypeFileEnd           = "file-end"
	TypeFileError         = "file-error"
	TypeUploadHeader      = "upload-header"
	TypeUploadEnd         = "upload-end"
	TypeRequestFolder     = "request-folder"
	TypeFolderHeader      = "folder-header"
	TypeFolderFileHeader  = "folder-file-header"
	TypeFolderEnd         = "folder-end"
	TypeCancelTransfer    = "cancel-transfer"
	TypeCancelAck         = "cancel-ack"
	TypeGetWebPreviewFile = "get-webreview-file"
)

// ChunkSize is the uniform payload chunk size used by every sender.
// 64 KiB stays below common SCTP message limits on data channels.
const ChunkSize = 64 * 1024

// streamIDLen is the length of the stream-id prefix on binary frames.
const streamIDLen = 4

// Entry kinds in a directory listing.
const (
	KindFile      = "file"
	KindDirectory = "directory"
)

// Envelope is the tagged record every control message is wrapped in.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Entry is one row of a directory listing.
type Entry struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// FolderFile is one entry of a folder transfer descriptor: a path relative to
// the folder root plus the file's size in bytes.
type FolderFile struct {
	Path []string `json:"path"`
	Size int64    `json:"size"`
}

type ListFiles struct {
	Path []string `json:"path"`
}

type FileList struct {
	Path    []string `json:"path"`
	Entries []Entry  `json:"entries"`
}

type RequestFile struct {
	FileName string   `json:"fileName"`
	Path     []string `json:"path"`
}

type FileHeader struct {
	Stream uint32 `json:"stream"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
}

type FileEnd struct {
	Stream uint32 `json:"stream"`
	Name   string `json:"name"`
}

type FileError struct {
	Stream  uint32 `json:"stream,omitempty"`
	Path    string `json:"path"`
	Message string `json:"message,omitempty"`
}

type UploadHeader struct {
	Stream uint32   `json:"stream"`
	Name   string   `json:"name"`
	Path   []string `json:"path"`
}

type UploadEnd struct {
	Stream uint32 `json:"stream"`
	Name   string `json:"name"`
}

type RequestFolder struct {
	FolderName string   `json:"folderName"`
	Path       []string `json:"path"`
}

type FolderHeader struct {
	Stream     uint32       `json:"stream"`
	FolderName string       `json:"folderName"`
	TotalSize  int64        `json:"totalSize"`
	Files      []FolderFile `json:"files"`
}

type FolderFileHeader struct {
	Stream uint32   `json:"stream"`
	Path   []string `json:"path"`
	Size   int64    `json:"size"`
}

type FolderEnd struct {
	Stream     uint32 `json:"stream"`
	FolderName string `json:"folderName"`
}

type CancelTransfer struct {
	Stream uint32 `json:"stream"`
}

type CancelAck struct {
	Stream uint32 `json:"stream"`
}

type GetWebPreviewFile struct {
	Path string `json:"path"`
}

// Encode wraps a payload in an Envelope and marshals it for a text frame.
func Encode(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// Decode parses a text frame into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: bad control frame: %v", common.ErrProtocolViolation, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: control frame without type", common.ErrProtocolViolation)
	}
	return env, nil
}

// Unmarshal decodes the envelope payload into v.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", common.ErrProtocolViolation, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: bad %s payload: %v", common.ErrProtocolViolation, e.Type, err)
	}
	return nil
}

// EncodeChunk prefixes a payload chunk with its stream id for a binary frame.
func EncodeChunk(stream uint32, data []byte) []byte {
	frame := make([]byte, streamIDLen+len(data))
	binary.BigEndian.PutUint32(frame, stream)
	copy(frame[streamIDLen:], data)
	return frame
}

// DecodeChunk splits a binary frame into its stream id and payload bytes.
func DecodeChunk(frame []byte) (uint32, []byte, error) {
	if len(frame) < streamIDLen {
		return 0, nil, fmt.Errorf("%w: binary frame shorter than stream id", common.ErrProtocolViolation)
	}
	return binary.BigEndian.Uint32(frame), frame[streamIDLen:], nil
}

// Progress computes the integer download percentage, floor(100*received/total).
// An empty transfer (0 of 0 bytes) counts as complete.
func Progress(received, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(received * 100 / total)
	if p > 100 {
		p = 100
	}
	return p
}

// ValidatePath rejects path segments that could escape the hosted root.
// The empty slice (the root itself) is valid.
func ValidatePath(path []string) error {
	for _, seg := range path {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", common.ErrInvalidPath, seg)
		}
		if strings.ContainsAny(seg, `/\`) {
			return fmt.Errorf("%w: %q", common.ErrInvalidPath, seg)
		}
	}
	return nil
}

// SplitPreviewPath converts a slash-joined webreview path into validated
// segments. Leading and doubled slashes are tolerated the way URL paths are.
func SplitPreviewPath(p string) ([]string, error) {
	var segs []string
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		segs = append(segs, seg)
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: empty path", common.ErrInvalidPath)
	}
	if err := ValidatePath(segs); err != nil {
		return nil, err
	}
	return segs, nil
}

var projectIDPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidateProjectID enforces the public slug format: lowercase letters,
// digits and single hyphens.
func ValidateProjectID(id string) error {
	if !projectIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", common.ErrInvalidProjectID, id)
	}
	return nil
}
