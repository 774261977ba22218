package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ronsh138/chat-application-with-file-sending/db"
	"github.com/ronsh138/chat-application-with-file-sending/protocol"
)

type Server struct {
	db        *db.DB
	config    *ServerConfig
	mu        sync.Mutex // guards sessions and groups
	sessions  map[string]*Session
	groups    map[string]*Group
	transfers *TransferManager
}

type ServerConfig struct {
	Port          int
	FilesDir      string
	FilePortStart int
	WriteTimeout  time.Duration
}

// Session is one client's live connection. The nickname is assigned once
// during registration and never changes. Concurrent broadcasts serialize on
// the write mutex so frames from different goroutines cannot interleave.
type Session struct {
	ID       string
	Nickname string
	Conn     net.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (sess *Session) sendFrame(frame []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if sess.writeTimeout > 0 {
		sess.Conn.SetWriteDeadline(time.Now().Add(sess.writeTimeout))
	}
	_, err := sess.Conn.Write(frame)
	return err
}

// Send encodes and writes one message to the session's connection.
func (sess *Session) Send(m *protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return sess.sendFrame(frame)
}

// New builds a server and loads the persisted group names into the live
// registry. General is present even on a fresh database.
func New(database *db.DB, config *ServerConfig) (*Server, error) {
	if config.FilePortStart == 0 {
		config.FilePortStart = 12395
	}
	if config.FilesDir == "" {
		config.FilesDir = "server_files"
	}

	names, err := database.ListAllGroupNames()
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*Group)
	for _, name := range names {
		groups[name] = newGroup(name)
	}
	if _, ok := groups[db.GeneralGroup]; !ok {
		groups[db.GeneralGroup] = newGroup(db.GeneralGroup)
	}
	log.Printf("[SERVER] Loaded %d groups from database", len(groups))

	return &Server{
		db:        database,
		config:    config,
		sessions:  make(map[string]*Session),
		groups:    groups,
		transfers: NewTransferManager(config.FilesDir, config.FilePortStart),
	}, nil
}

// Start binds the main listening port and accepts connections until the
// listener fails. Each connection gets its own goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	defer listener.Close()

	log.Printf("[SERVER] Listening on port %d", s.config.Port)

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("[SERVER] Accept error: %v", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

// handleConnection runs a connection through its lifecycle: registration,
// the active dispatch loop, and cleanup. Cleanup runs exactly once; a
// connection that never registered has no state to tear down beyond the
// socket itself.
func (s *Server) handleConnection(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	log.Printf("[CONNECT] %s", remoteAddr)

	sess, err := s.register(conn)
	if err != nil {
		log.Printf("[DISCONNECT] %s: %v", remoteAddr, err)
		conn.Close()
		return
	}
	defer s.cleanup(sess, remoteAddr)

	if err := s.enterChat(sess, remoteAddr); err != nil {
		log.Printf("[SESSION %s] setup failed for %s: %v", sess.ID, sess.Nickname, err)
		return
	}

	for {
		msg, err := protocol.Read(conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("[SESSION %s] read error: %v", sess.ID, err)
			}
			return
		}
		s.dispatch(sess, msg)
	}
}

// register handles the Registering state: the first frame must carry a
// non-empty nickname not held by any live session. The uniqueness check and
// the session-map insert happen under one lock acquisition, so two
// simultaneous registrations of the same name cannot both win.
func (s *Server) register(conn net.Conn) (*Session, error) {
	msg, err := protocol.Read(conn)
	if err != nil {
		return nil, err
	}
	if msg.Type != protocol.TypeNickname {
		return nil, fmt.Errorf("expected nickname message, got %q", msg.Type)
	}

	sess := &Session{
		ID:           uuid.NewString(),
		Conn:         conn,
		writeTimeout: s.config.WriteTimeout,
	}

	nickname := strings.TrimSpace(msg.Nickname)

	s.mu.Lock()
	_, taken := s.sessions[nickname]
	if nickname == "" || taken {
		s.mu.Unlock()
		sess.Send(protocol.NewServerResponse(protocol.StatusError, "Nickname is empty or already in use."))
		return nil, fmt.Errorf("nickname %q rejected", nickname)
	}
	sess.Nickname = nickname
	s.sessions[nickname] = sess
	s.mu.Unlock()

	// A failed welcome write is caught by the read loop right after; cleanup
	// then releases the reserved nickname.
	sess.Send(protocol.NewServerResponse(protocol.StatusOK, "Welcome to the chat!"))
	return sess, nil
}

// enterChat transitions a freshly registered session to Active: persist the
// user, guarantee General membership, join the persisted groups in memory,
// hand the client its group list, and announce the arrival in General.
func (s *Server) enterChat(sess *Session, remoteAddr string) error {
	ip := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		ip = host
	}

	if err := s.db.UpsertUser(sess.Nickname, ip); err != nil {
		return err
	}
	if err := s.db.AddMembership(sess.Nickname, db.GeneralGroup); err != nil {
		return err
	}

	userGroups, err := s.db.GetUserGroups(sess.Nickname)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, name := range userGroups {
		if group, ok := s.groups[name]; ok {
			group.addMember(sess)
		}
	}
	s.mu.Unlock()

	log.Printf("[NICKNAME SET] %s is now known as %s (session %s)", remoteAddr, sess.Nickname, sess.ID)

	if err := sess.Send(protocol.NewGroupList(userGroups)); err != nil {
		return err
	}

	join := protocol.NewSystemMessage(
		sess.Nickname+" has joined the chat!",
		time.Now().Format(db.ShortTimeLayout),
		db.GeneralGroup,
	)
	s.broadcastToGroup(db.GeneralGroup, join, nil)
	return nil
}

// cleanup removes the session from the global set and from every group's
// live membership in one critical section, then closes the transport.
func (s *Server) cleanup(sess *Session, remoteAddr string) {
	s.mu.Lock()
	delete(s.sessions, sess.Nickname)
	for _, group := range s.groups {
		group.removeMember(sess)
	}
	s.mu.Unlock()

	log.Printf("[DISCONNECT] %s (%s)", remoteAddr, sess.Nickname)
	sess.Conn.Close()
}

// GetStats returns server statistics as a formatted string.
func (s *Server) GetStats() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []string
	for nickname := range s.sessions {
		users = append(users, nickname)
	}

	return "connections=" + strconv.Itoa(len(s.sessions)) +
		",groups=" + strconv.Itoa(len(s.groups)) +
		",users=" + strings.Join(users, ";")
}

// Shutdown notifies every connected client and closes its connection. The
// read loops observe the closed transports and run their own cleanup.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	notice := protocol.NewSystemMessage(
		"Server is shutting down: "+reason,
		time.Now().Format(db.ShortTimeLayout),
		"",
	)
	for _, sess := range sessions {
		if err := sess.Send(notice); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("[SERVER] shutdown notice to %s failed: %v", sess.Nickname, err)
		}
		sess.Conn.Close()
	}
}
