package server

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/ronsh138/chat-application-with-file-sending/db"
	"github.com/ronsh138/chat-application-with-file-sending/protocol"
)

const (
	searchLimit  = 10
	historyLimit = 50
)

// dispatch routes one inbound frame by type. The switch covers the full
// message set: server-built types arriving from a client are dropped with a
// log line rather than treated as protocol errors.
func (s *Server) dispatch(sess *Session, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeChat:
		s.handleChat(sess, msg)
	case protocol.TypeSearchUsers:
		s.handleSearchUsers(sess, msg)
	case protocol.TypeCreateGroup:
		s.handleCreateGroup(sess, msg)
	case protocol.TypeLeaveGroup:
		s.handleLeaveGroup(sess, msg)
	case protocol.TypeGetHistory:
		s.handleGetHistory(sess, msg)
	case protocol.TypeUploadRequest:
		s.handleUploadRequest(sess, msg)
	case protocol.TypeDownloadRequest:
		s.handleDownloadRequest(sess, msg)
	case protocol.TypeNickname:
		// Already registered; the nickname is immutable.
		log.Printf("[SESSION %s] ignoring repeated nickname message", sess.ID)
	case protocol.TypeServerResponse, protocol.TypeSystem, protocol.TypeUpdateGroupList,
		protocol.TypeSearchResults, protocol.TypeGroupHistory, protocol.TypeUploadReady,
		protocol.TypeDownloadReady, protocol.TypeFileNotification:
		log.Printf("[SESSION %s] ignoring server-only message type %q", sess.ID, msg.Type)
	default:
		log.Printf("[SESSION %s] unknown message type %q", sess.ID, msg.Type)
	}
}

// handleChat persists the message and fans it out to every other live member
// of the group. Messages naming an unknown group are dropped.
func (s *Server) handleChat(sess *Session, msg *protocol.Message) {
	if s.getGroup(msg.GroupName) == nil {
		return
	}

	now := time.Now()
	if err := s.db.SaveMessage(msg.GroupName, sess.Nickname, msg.Message, now.Format(db.FullTimeLayout)); err != nil {
		log.Printf("[SESSION %s] saving chat message failed: %v", sess.ID, err)
	}

	out := protocol.NewChatMessage(sess.Nickname, msg.Message, now.Format(db.ShortTimeLayout), msg.GroupName)
	s.broadcastToGroup(msg.GroupName, out, sess)
}

func (s *Server) handleSearchUsers(sess *Session, msg *protocol.Message) {
	results, err := s.db.SearchUsersByPrefix(msg.Query, searchLimit)
	if err != nil {
		log.Printf("[SESSION %s] user search failed: %v", sess.ID, err)
		return
	}
	if err := sess.Send(protocol.NewSearchResults(results)); err != nil {
		log.Printf("[SESSION %s] sending search results failed: %v", sess.ID, err)
	}
}

// handleCreateGroup persists the group first; the live registry is only
// touched once the database accepted the name. Every named member who is
// currently connected joins the live group and gets a refreshed group list.
func (s *Server) handleCreateGroup(sess *Session, msg *protocol.Message) {
	err := s.db.CreateGroupAndMembers(msg.GroupName, sess.Nickname, msg.Members)
	if errors.Is(err, db.ErrGroupExists) {
		sess.Send(protocol.NewServerResponse(protocol.StatusError, "Group name is already taken: "+msg.GroupName))
		return
	}
	if err != nil {
		log.Printf("[SESSION %s] creating group %q failed: %v", sess.ID, msg.GroupName, err)
		return
	}

	wanted := map[string]bool{sess.Nickname: true}
	for _, member := range msg.Members {
		wanted[member] = true
	}

	var joined []*Session
	s.mu.Lock()
	group, ok := s.groups[msg.GroupName]
	if !ok {
		group = newGroup(msg.GroupName)
		s.groups[msg.GroupName] = group
	}
	for nickname, member := range s.sessions {
		if wanted[nickname] {
			group.addMember(member)
			joined = append(joined, member)
		}
	}
	s.mu.Unlock()

	for _, member := range joined {
		groups, err := s.db.GetUserGroups(member.Nickname)
		if err != nil {
			log.Printf("[SESSION %s] loading groups for %s failed: %v", sess.ID, member.Nickname, err)
			continue
		}
		if err := member.Send(protocol.NewGroupList(groups)); err != nil {
			log.Printf("[SESSION %s] pushing group list to %s failed: %v", sess.ID, member.Nickname, err)
		}
	}
}

// handleLeaveGroup removes the persisted membership, tells the remaining
// members, drops the live membership, and hands the leaver a fresh group
// list. Leaving General is rejected before anything is persisted.
func (s *Server) handleLeaveGroup(sess *Session, msg *protocol.Message) {
	if msg.GroupName == db.GeneralGroup {
		return
	}

	if err := s.db.RemoveMembership(sess.Nickname, msg.GroupName); err != nil {
		log.Printf("[SESSION %s] leaving group %q failed: %v", sess.ID, msg.GroupName, err)
		return
	}

	s.mu.Lock()
	if group, ok := s.groups[msg.GroupName]; ok {
		notice := protocol.NewSystemMessage(
			sess.Nickname+" has left the group.",
			time.Now().Format(db.ShortTimeLayout),
			msg.GroupName,
		)
		group.broadcast(notice, sess)
		group.removeMember(sess)
	}
	s.mu.Unlock()

	groups, err := s.db.GetUserGroups(sess.Nickname)
	if err != nil {
		log.Printf("[SESSION %s] loading groups failed: %v", sess.ID, err)
		return
	}
	if err := sess.Send(protocol.NewGroupList(groups)); err != nil {
		log.Printf("[SESSION %s] pushing group list failed: %v", sess.ID, err)
	}
}

func (s *Server) handleGetHistory(sess *Session, msg *protocol.Message) {
	history, err := s.db.GetRecentHistory(msg.GroupName, historyLimit)
	if err != nil {
		log.Printf("[SESSION %s] loading history for %q failed: %v", sess.ID, msg.GroupName, err)
		return
	}
	if err := sess.Send(protocol.NewGroupHistory(history)); err != nil {
		log.Printf("[SESSION %s] sending history failed: %v", sess.ID, err)
	}
}

// handleUploadRequest allocates a port, spawns the receiver, and immediately
// answers the uploader and notifies the group. The notification goes out
// before any file byte arrives; a failed upload leaves it pointing at a file
// that never materializes.
func (s *Server) handleUploadRequest(sess *Session, msg *protocol.Message) {
	port := s.transfers.AllocatePort()
	key := s.transfers.UniqueKey(msg.Filename)

	go s.transfers.Receive(port, key, msg.Filesize)

	if err := sess.Send(protocol.NewUploadReady(port, key)); err != nil {
		log.Printf("[SESSION %s] sending upload_ready failed: %v", sess.ID, err)
	}

	now := time.Now()
	notification := protocol.NewFileNotification(
		sess.Nickname, msg.Filename, key, msg.GroupName,
		now.Format(db.ShortTimeLayout),
	)

	payload, err := json.Marshal(notification)
	if err != nil {
		log.Printf("[SESSION %s] encoding file notification failed: %v", sess.ID, err)
	} else if err := s.db.SaveMessage(msg.GroupName, "system", string(payload), now.Format(db.FullTimeLayout)); err != nil {
		log.Printf("[SESSION %s] saving file notification failed: %v", sess.ID, err)
	}

	s.broadcastToGroup(msg.GroupName, notification, nil)
}

// handleDownloadRequest looks the key up in storage and, if present, spawns
// a sender on a fresh port and tells the requester where to connect.
func (s *Server) handleDownloadRequest(sess *Session, msg *protocol.Message) {
	path, size, err := s.transfers.Stat(msg.UniqueFilename)
	if err != nil {
		log.Printf("[SESSION %s] download request for missing file %q", sess.ID, msg.UniqueFilename)
		sess.Send(protocol.NewServerResponse(protocol.StatusError, "File not found: "+msg.UniqueFilename))
		return
	}

	port := s.transfers.AllocatePort()
	go s.transfers.Send(port, path)

	ready := protocol.NewDownloadReady(port, OriginalFilename(msg.UniqueFilename), size)
	if err := sess.Send(ready); err != nil {
		log.Printf("[SESSION %s] sending download_ready failed: %v", sess.ID, err)
	}
}
