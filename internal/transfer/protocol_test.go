package transfer

import (
	"bytes"
	"io"
	"testing"
)

// oneByteReader forces every downstream read to observe at most one byte at
// a time, exercising the frame reader across arbitrary buffer partitions.
type oneByteReader struct {
	data []byte
	pos  int
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}

func TestFrameReaderSurvivesOneByteReads(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFileRequest(&buf, FileRequest{ContentHash: "abc123", StartOffset: 42}); err != nil {
		t.Fatalf("write file_request: %v", err)
	}
	if err := writeFileHeader(&buf, FileHeader{ContentHash: "abc123", Filename: "x.bin", TotalSize: 100, StartOffset: 42}); err != nil {
		t.Fatalf("write file_header: %v", err)
	}
	chunk := bytes.Repeat([]byte{0xAB}, 1000)
	if err := writeFileChunk(&buf, 42, chunk); err != nil {
		t.Fatalf("write file_chunk: %v", err)
	}
	if err := writeFileComplete(&buf, 1042); err != nil {
		t.Fatalf("write file_complete: %v", err)
	}
	if err := writeFileError(&buf, "boom"); err != nil {
		t.Fatalf("write file_error: %v", err)
	}

	fr := newFrameReader(&oneByteReader{data: buf.Bytes()})

	f, err := fr.readFrame()
	if err != nil || f.Type != FrameFileRequest {
		t.Fatalf("file_request: got %+v, err %v", f, err)
	}
	var req FileRequest
	if err := unmarshalJSON(f.Payload, &req); err != nil || req.ContentHash != "abc123" || req.StartOffset != 42 {
		t.Fatalf("file_request payload mismatch: %+v err %v", req, err)
	}

	f, err = fr.readFrame()
	if err != nil || f.Type != FrameFileHeader {
		t.Fatalf("file_header: got %+v, err %v", f, err)
	}

	f, err = fr.readFrame()
	if err != nil || f.Type != FrameFileChunk || f.Offset != 42 || !bytes.Equal(f.Payload, chunk) {
		t.Fatalf("file_chunk mismatch: offset=%d len=%d err=%v", f.Offset, len(f.Payload), err)
	}

	f, err = fr.readFrame()
	if err != nil || f.Type != FrameFileComplete || f.Size != 1042 {
		t.Fatalf("file_complete mismatch: %+v err %v", f, err)
	}

	f, err = fr.readFrame()
	if err != nil || f.Type != FrameFileError || string(f.Payload) != "boom" {
		t.Fatalf("file_error mismatch: %+v err %v", f, err)
	}

	if _, err := fr.readFrame(); err == nil {
		t.Fatal("expected EOF after the final frame")
	}
}

func TestFrameReaderRejectsUnknownType(t *testing.T) {
	fr := newFrameReader(bytes.NewReader([]byte{0x99, 0, 0, 0, 0}))
	if _, err := fr.readFrame(); err == nil {
		t.Fatal("expected an error for an unrecognized frame type")
	}
}
