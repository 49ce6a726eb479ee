// Package transfer implements the content-addressed file transfer plane
// of spec §4.G: a length-prefixed binary framing over one stream per file,
// a bounded-session server, a resuming client, and a bounded concurrent
// download pool. Session/slot bookkeeping is adapted from the teacher's
// internal/torrent/queue.go worker-slot pattern; speed averaging is
// adapted from reporter.go's delta-over-interval calculation.
package transfer

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// FrameType tags a transfer-plane frame (spec §4.G).
type FrameType byte

const (
	FrameFileRequest  FrameType = 0x01
	FrameFileHeader   FrameType = 0x02
	FrameFileChunk    FrameType = 0x03
	FrameFileComplete FrameType = 0x04
	FrameFileError    FrameType = 0x05
)

// ChunkSize is the fixed size of each FILE_CHUNK payload (spec §4.G).
const ChunkSize = 64 * 1024

// FileRequest is the JSON payload of a FILE_REQUEST frame.
type FileRequest struct {
	ContentHash string `json:"content_hash"`
	StartOffset int64  `json:"start_offset"`
}

// FileHeader is the JSON payload of a FILE_HEADER frame.
type FileHeader struct {
	ContentHash string `json:"content_hash"`
	Filename    string `json:"filename"`
	TotalSize   int64  `json:"total_size"`
	StartOffset int64  `json:"start_offset"`
}

// writeFileRequest writes a FILE_REQUEST frame: type, u32 len, JSON body.
func writeFileRequest(w io.Writer, req FileRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal file_request: %w", err)
	}
	return writeTypeAndJSON(w, FrameFileRequest, body)
}

func writeFileHeader(w io.Writer, h FileHeader) error {
	body, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal file_header: %w", err)
	}
	return writeTypeAndJSON(w, FrameFileHeader, body)
}

func writeTypeAndJSON(w io.Writer, t FrameType, body []byte) error {
	if _, err := w.Write([]byte{byte(t)}); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// writeFileChunk writes a FILE_CHUNK frame: type, u32 len, u64 offset, data.
func writeFileChunk(w io.Writer, offset int64, data []byte) error {
	var hdr [13]byte
	hdr[0] = byte(FrameFileChunk)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(data)))
	binary.BigEndian.PutUint64(hdr[5:13], uint64(offset))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// writeFileComplete writes a FILE_COMPLETE frame: type, u64 final_size.
func writeFileComplete(w io.Writer, finalSize int64) error {
	var hdr [9]byte
	hdr[0] = byte(FrameFileComplete)
	binary.BigEndian.PutUint64(hdr[1:9], uint64(finalSize))
	_, err := w.Write(hdr[:])
	return err
}

// writeFileError writes a FILE_ERROR frame: type, u32 len, UTF-8 message.
func writeFileError(w io.Writer, msg string) error {
	return writeTypeAndJSON(w, FrameFileError, []byte(msg))
}

// frame is a single decoded transfer-plane frame.
type frame struct {
	Type    FrameType
	Offset  int64  // valid for FrameFileChunk
	Size    int64  // valid for FrameFileComplete (final_size)
	Payload []byte // raw JSON/string body for request/header/error; chunk data for chunk
}

// frameReader incrementally decodes frames from a stream, tolerant of
// partial reads arriving across arbitrary buffer boundaries (spec §8
// testable property: frame parser re-entrancy).
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// readFrame blocks until one full frame is available or an error occurs.
func (fr *frameReader) readFrame() (*frame, error) {
	typByte, err := fr.r.ReadByte()
	if err != nil {
		return nil, err
	}
	t := FrameType(typByte)

	switch t {
	case FrameFileRequest, FrameFileHeader, FrameFileError:
		body, err := fr.readLengthPrefixed()
		if err != nil {
			return nil, err
		}
		return &frame{Type: t, Payload: body}, nil

	case FrameFileChunk:
		var hdr [12]byte
		if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		n := binary.BigEndian.Uint32(hdr[0:4])
		offset := int64(binary.BigEndian.Uint64(hdr[4:12]))
		data := make([]byte, n)
		if _, err := io.ReadFull(fr.r, data); err != nil {
			return nil, fmt.Errorf("read chunk data: %w", err)
		}
		return &frame{Type: t, Offset: offset, Payload: data}, nil

	case FrameFileComplete:
		var hdr [8]byte
		if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
			return nil, fmt.Errorf("read complete footer: %w", err)
		}
		return &frame{Type: t, Size: int64(binary.BigEndian.Uint64(hdr[:]))}, nil

	default:
		return nil, fmt.Errorf("unknown frame type 0x%02x", typByte)
	}
}

func (fr *frameReader) readLengthPrefixed() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}
