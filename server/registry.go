package server

import (
	"log"

	"github.com/ronsh138/chat-application-with-file-sending/protocol"
)

// Group is a chat room's live state: the sessions currently connected and
// joined. Persisted membership lives in the database; this set only tracks
// who can receive a broadcast right now. All methods must be called with the
// server lock held.
type Group struct {
	Name    string
	members map[*Session]bool
}

func newGroup(name string) *Group {
	return &Group{Name: name, members: make(map[*Session]bool)}
}

func (g *Group) addMember(sess *Session) {
	g.members[sess] = true
}

func (g *Group) removeMember(sess *Session) {
	delete(g.members, sess)
}

// broadcast sends one encoded frame to every member except exclude. Pass nil
// to deliver to everyone. Write failures are logged and do not stop delivery
// to the remaining members.
func (g *Group) broadcast(m *protocol.Message, exclude *Session) {
	frame, err := protocol.Encode(m)
	if err != nil {
		log.Printf("[GROUP %s] encode error: %v", g.Name, err)
		return
	}
	for member := range g.members {
		if member == exclude {
			continue
		}
		if err := member.sendFrame(frame); err != nil {
			log.Printf("[GROUP %s] write to %s failed: %v", g.Name, member.Nickname, err)
		}
	}
}

// getGroup resolves a live group by name under the server lock.
func (s *Server) getGroup(name string) *Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[name]
}

// broadcastToGroup resolves the group and broadcasts under the lock, so the
// member set cannot change while it is being iterated. Unknown groups are
// dropped silently.
func (s *Server) broadcastToGroup(name string, m *protocol.Message, exclude *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if group, ok := s.groups[name]; ok {
		group.broadcast(m, exclude)
	}
}
