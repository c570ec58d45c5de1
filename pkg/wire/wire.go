// Package wire implements the framing primitive of spec.md §6: a fixed
// header { kind, pathLen, totalLen, pathBytes, payload } followed by a
// kind-specific payload, plus the five message kinds that matter to the
// block-cache core (OPEN_FILE, OPEN_FILE_REPLY, REQUEST_BLK, SEND_BLK,
// CLOSE_FILE). This is deliberately not a general RPC stack -- just enough
// marshalling to make NetworkCache's wire fetch and ServeFile's reply path
// concrete, per spec.md §1's framing being an "opaque collaborator" that
// still needs a real seam to attach to.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

type Kind uint32

const (
	KindOpenFile Kind = iota + 1
	KindOpenFileReply
	KindRequestBlock
	KindSendBlock
	KindCloseFile
	KindErrorReply
)

// Frame is the decoded form of one wire message.
type Frame struct {
	Kind    Kind
	Path    string
	Payload []byte
}

const maxPathLen = 4096
const maxPayloadLen = 256 << 20 // 256MB, comfortably above any realistic block size

// WriteFrame encodes and writes f to w: { kind u32, pathLen u32, totalLen
// u64, pathBytes, payload }. totalLen is len(payload); it lets a reader
// that doesn't care about path skip straight past it.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Path) > maxPathLen {
		return fmt.Errorf("wire: path too long (%d bytes)", len(f.Path))
	}

	header := make([]byte, 4+4+8)
	binary.BigEndian.PutUint32(header[0:4], uint32(f.Kind))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(f.Path)))
	binary.BigEndian.PutUint64(header[8:16], uint64(len(f.Payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(f.Path) > 0 {
		if _, err := io.WriteString(w, f.Path); err != nil {
			return fmt.Errorf("wire: write path: %w", err)
		}
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads and decodes one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 4+4+8)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, fmt.Errorf("wire: read header: %w", err)
	}

	kind := Kind(binary.BigEndian.Uint32(header[0:4]))
	pathLen := binary.BigEndian.Uint32(header[4:8])
	totalLen := binary.BigEndian.Uint64(header[8:16])

	if pathLen > maxPathLen {
		return Frame{}, fmt.Errorf("wire: path length %d exceeds maximum", pathLen)
	}
	if totalLen > maxPayloadLen {
		return Frame{}, fmt.Errorf("wire: payload length %d exceeds maximum", totalLen)
	}

	path := ""
	if pathLen > 0 {
		buf := make([]byte, pathLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Frame{}, fmt.Errorf("wire: read path: %w", err)
		}
		path = string(buf)
	}

	payload := make([]byte, totalLen)
	if totalLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("wire: read payload: %w", err)
		}
	}

	return Frame{Kind: kind, Path: path, Payload: payload}, nil
}

// OpenFileReply is OPEN_FILE_REPLY's payload on success.
type OpenFileReply struct {
	Size uint64
}

func EncodeOpenFileReply(r OpenFileReply) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, r.Size)
	return buf
}

func DecodeOpenFileReply(b []byte) (OpenFileReply, error) {
	if len(b) < 8 {
		return OpenFileReply{}, fmt.Errorf("wire: short OPEN_FILE_REPLY payload")
	}
	return OpenFileReply{Size: binary.BigEndian.Uint64(b[0:8])}, nil
}

// RequestBlockMsg is REQUEST_BLK_MSG's payload.
type RequestBlockMsg struct {
	Block          uint64
	WantCompressed bool
}

func EncodeRequestBlockMsg(m RequestBlockMsg) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf[0:8], m.Block)
	if m.WantCompressed {
		buf[8] = 1
	}
	return buf
}

func DecodeRequestBlockMsg(b []byte) (RequestBlockMsg, error) {
	if len(b) < 9 {
		return RequestBlockMsg{}, fmt.Errorf("wire: short REQUEST_BLK_MSG payload")
	}
	return RequestBlockMsg{
		Block:          binary.BigEndian.Uint64(b[0:8]),
		WantCompressed: b[8] != 0,
	}, nil
}

// Compression encodes SEND_BLK_MSG's compression field: negative values are
// LZ4 fast at -compression, zero is LZ4 default, positive is LZ4 HC at that
// level (spec.md §6). CompressionNone is a sentinel meaning "uncompressed".
type Compression int32

const CompressionNone Compression = 1 << 30

// SendBlockMsg is SEND_BLK_MSG's payload header; Payload itself is the
// frame's Payload with this header prefixed.
type SendBlockMsg struct {
	Block       uint64
	Compression Compression
	DataSize    uint64
}

const sendBlockHeaderLen = 8 + 4 + 8

func EncodeSendBlockMsg(m SendBlockMsg, data []byte) []byte {
	buf := make([]byte, sendBlockHeaderLen+len(data))
	binary.BigEndian.PutUint64(buf[0:8], m.Block)
	binary.BigEndian.PutUint32(buf[8:12], uint32(m.Compression))
	binary.BigEndian.PutUint64(buf[12:20], uint64(len(data)))
	copy(buf[sendBlockHeaderLen:], data)
	return buf
}

func DecodeSendBlockMsg(b []byte) (SendBlockMsg, []byte, error) {
	if len(b) < sendBlockHeaderLen {
		return SendBlockMsg{}, nil, fmt.Errorf("wire: short SEND_BLK_MSG payload")
	}
	m := SendBlockMsg{
		Block:       binary.BigEndian.Uint64(b[0:8]),
		Compression: Compression(int32(binary.BigEndian.Uint32(b[8:12]))),
		DataSize:    binary.BigEndian.Uint64(b[12:20]),
	}
	rest := b[sendBlockHeaderLen:]
	if uint64(len(rest)) < m.DataSize {
		return SendBlockMsg{}, nil, fmt.Errorf("wire: SEND_BLK_MSG declares %d bytes, got %d", m.DataSize, len(rest))
	}
	return m, rest[:m.DataSize], nil
}
