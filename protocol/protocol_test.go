package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"testing"
)

// TestRoundTrip encodes and decodes one message of every wire type.
func TestRoundTrip(t *testing.T) {
	messages := []*Message{
		{Type: TypeNickname, Nickname: "alice"},
		NewServerResponse(StatusOK, "Welcome to the chat!"),
		NewGroupList([]string{"General", "Dev"}),
		NewChatMessage("alice", "hi", "12:30:45", "General"),
		NewSystemMessage("alice has joined the chat!", "12:30:45", "General"),
		{Type: TypeSearchUsers, Query: "al"},
		NewSearchResults([]string{"alice", "albert"}),
		{Type: TypeCreateGroup, GroupName: "Dev", Members: []string{"bob", "carol"}},
		{Type: TypeLeaveGroup, GroupName: "Dev"},
		{Type: TypeGetHistory, GroupName: "General"},
		NewGroupHistory([]Message{
			*NewChatMessage("bob", "earlier", "09:00:00", "General"),
		}),
		{Type: TypeUploadRequest, GroupName: "General", Filename: "notes.txt", Filesize: 10000},
		NewUploadReady(12395, "1700000000_notes.txt"),
		{Type: TypeDownloadRequest, UniqueFilename: "1700000000_notes.txt"},
		NewDownloadReady(12396, "notes.txt", 10000),
		NewFileNotification("alice", "notes.txt", "1700000000_notes.txt", "General", "12:30:45"),
		// Edge payloads.
		NewChatMessage("алиса", "héllo 🌍 | специальные символы", "12:30:45", "General"),
		NewSystemMessage("", "12:30:45", ""),
	}

	for _, in := range messages {
		var buf bytes.Buffer
		if err := Write(&buf, in); err != nil {
			t.Fatalf("Write(%q): %v", in.Type, err)
		}
		out, err := Read(&buf)
		if err != nil {
			t.Fatalf("Read(%q): %v", in.Type, err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Errorf("round trip mismatch for %q:\n in:  %+v\n out: %+v", in.Type, in, out)
		}
	}
}

// chunkReader delivers at most one byte per Read call.
type chunkReader struct {
	data []byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	p[0] = c.data[0]
	c.data = c.data[1:]
	return 1, nil
}

// TestReadShortReads verifies the decoder loops until a full frame arrives
// even when the transport hands over a single byte at a time.
func TestReadShortReads(t *testing.T) {
	in := NewChatMessage("alice", "one byte at a time", "12:00:00", "General")
	frame, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	out, err := Read(&chunkReader{data: frame})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("mismatch: in %+v, out %+v", in, out)
	}
}

func TestReadCleanEOF(t *testing.T) {
	_, err := Read(bytes.NewReader(nil))
	if err != io.EOF {
		t.Errorf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestReadTruncatedHeader(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte{0x00, 0x01}))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame on partial header, got %v", err)
	}
}

func TestReadTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString(`{"type":`) // far fewer than 100 bytes

	_, err := Read(&buf)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame on truncated body, got %v", err)
	}
}

func TestReadMalformedPayload(t *testing.T) {
	payload := []byte("this is not json")
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	buf.Write(header[:])
	buf.Write(payload)

	_, err := Read(&buf)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame on bad payload, got %v", err)
	}
}
