package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Type discriminates the wire messages. The set is closed: the server's
// dispatch switches over these constants exhaustively.
type Type string

const (
	TypeNickname         Type = "nickname"
	TypeServerResponse   Type = "server_response"
	TypeUpdateGroupList  Type = "update_group_list"
	TypeChat             Type = "chat"
	TypeSystem           Type = "system"
	TypeSearchUsers      Type = "search_users"
	TypeSearchResults    Type = "search_results"
	TypeCreateGroup      Type = "create_group"
	TypeLeaveGroup       Type = "leave_group"
	TypeGetHistory       Type = "get_history"
	TypeGroupHistory     Type = "group_history_response"
	TypeUploadRequest    Type = "upload_request"
	TypeUploadReady      Type = "upload_ready"
	TypeDownloadRequest  Type = "download_request"
	TypeDownloadReady    Type = "download_ready"
	TypeFileNotification Type = "file_notification"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Message is the wire envelope. Only the fields relevant to a given Type are
// populated; the rest are omitted from the JSON payload.
type Message struct {
	Type           Type      `json:"type"`
	Nickname       string    `json:"nickname,omitempty"`
	Status         string    `json:"status,omitempty"`
	Message        string    `json:"message,omitempty"`
	Timestamp      string    `json:"timestamp,omitempty"`
	GroupName      string    `json:"group_name,omitempty"`
	Groups         []string  `json:"groups,omitempty"`
	Query          string    `json:"query,omitempty"`
	Results        []string  `json:"results,omitempty"`
	Members        []string  `json:"members,omitempty"`
	History        []Message `json:"history,omitempty"`
	Sender         string    `json:"sender,omitempty"`
	Filename       string    `json:"filename,omitempty"`
	UniqueFilename string    `json:"unique_filename,omitempty"`
	Filesize       int64     `json:"filesize,omitempty"`
	Port           int       `json:"port,omitempty"`
}

// Encode serializes a message to a frame: a 4-byte big-endian length header
// followed by the JSON payload. No size cap is enforced.
func Encode(m *Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// Write encodes m and writes the whole frame to w.
func Write(w io.Writer, m *Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Read reads one complete frame from r. A connection closed cleanly between
// frames yields io.EOF; a stream cut mid-frame or an unparseable payload
// yields an error wrapping ErrMalformedFrame. Short reads are retried until
// the exact byte count arrives.
func Read(r io.Reader) (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading length header: %v", ErrMalformedFrame, err)
	}

	length := binary.BigEndian.Uint32(header[:])
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: reading %d-byte payload: %v", ErrMalformedFrame, length, err)
	}

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %v", ErrMalformedFrame, err)
	}
	return &m, nil
}

// Constructors for the server-built envelopes.

func NewServerResponse(status, text string) *Message {
	return &Message{Type: TypeServerResponse, Status: status, Message: text}
}

func NewChatMessage(nickname, text, timestamp, groupName string) *Message {
	return &Message{Type: TypeChat, Nickname: nickname, Message: text, Timestamp: timestamp, GroupName: groupName}
}

func NewSystemMessage(text, timestamp, groupName string) *Message {
	return &Message{Type: TypeSystem, Message: text, Timestamp: timestamp, GroupName: groupName}
}

func NewGroupList(groups []string) *Message {
	return &Message{Type: TypeUpdateGroupList, Groups: groups}
}

func NewSearchResults(results []string) *Message {
	return &Message{Type: TypeSearchResults, Results: results}
}

func NewGroupHistory(history []Message) *Message {
	return &Message{Type: TypeGroupHistory, History: history}
}

func NewUploadReady(port int, uniqueFilename string) *Message {
	return &Message{Type: TypeUploadReady, Port: port, UniqueFilename: uniqueFilename}
}

func NewDownloadReady(port int, filename string, filesize int64) *Message {
	return &Message{Type: TypeDownloadReady, Port: port, Filename: filename, Filesize: filesize}
}

func NewFileNotification(sender, filename, uniqueFilename, groupName, timestamp string) *Message {
	return &Message{
		Type:           TypeFileNotification,
		Sender:         sender,
		Filename:       filename,
		UniqueFilename: uniqueFilename,
		GroupName:      groupName,
		Timestamp:      timestamp,
	}
}
