package client

import (
	"errors"
	"sort"
	"sync"

	"github.com/hexforge/wargame-backend/pkg/hierarchy"
	"github.com/hexforge/wargame-backend/pkg/protocol"
)

// ErrEndpointMismatch is the hard error for a message whose sender/recipient
// pair resolves to neither the viewer's own channel key nor one of its
// destinations - a resolver bug or a forged frame, always surfaced.
var ErrEndpointMismatch = errors.New("message endpoint mismatch")

// Store is the client-side presence roster and per-channel message store.
// All methods are safe for concurrent use, though in practice mutation
// arrives serially from the read loop.
type Store struct {
	mu         sync.Mutex
	viewer     protocol.RoleInstance
	viewerKey  hierarchy.ChannelKey
	roster     map[uint]protocol.RoleInstance
	messages   map[hierarchy.ChannelKey][]protocol.Message
	unread     map[hierarchy.ChannelKey]bool
	active     *hierarchy.ChannelKey
	nearBottom bool
}

func NewStore(viewer protocol.RoleInstance) *Store {
	return &Store{
		viewer:     viewer,
		viewerKey:  keyOf(viewer),
		roster:     make(map[uint]protocol.RoleInstance),
		messages:   make(map[hierarchy.ChannelKey][]protocol.Message),
		unread:     make(map[hierarchy.ChannelKey]bool),
		nearBottom: true,
	}
}

func keyOf(ri protocol.RoleInstance) hierarchy.ChannelKey {
	return hierarchy.ChannelKey{
		TeamName: ri.TeamInstance.Team.Name,
		RoleName: ri.Role.Name,
	}
}

// ViewerKey is the viewer's own channel key.
func (s *Store) ViewerKey() hierarchy.ChannelKey { return s.viewerKey }

// ApplyRoster replaces the roster with a users/list snapshot.
func (s *Store) ApplyRoster(ris []protocol.RoleInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster = make(map[uint]protocol.RoleInstance, len(ris))
	for _, ri := range ris {
		s.roster[ri.ID] = ri
	}
}

// AddUser records a join. A repeat join for a known id overwrites the entry,
// which is how ready-flag updates propagate.
func (s *Store) AddUser(ri protocol.RoleInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster[ri.ID] = ri
}

func (s *Store) RemoveUser(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roster, id)
}

// Roster returns the connected role instances ordered by id.
func (s *Store) Roster() []protocol.RoleInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.RoleInstance, 0, len(s.roster))
	for _, ri := range s.roster {
		out = append(out, ri)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetReady updates the ready flag of a roster entry in place.
func (s *Store) SetReady(id uint, ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ri, ok := s.roster[id]; ok {
		ri.Ready = ready
		s.roster[id] = ri
	}
}

// ResetReadiness clears the ready flag of every non-gamemaster roster entry
// (start-of-turn reset).
func (s *Store) ResetReadiness() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ri := range s.roster {
		if ri.Role.Name == hierarchy.GamemasterRole {
			continue
		}
		ri.Ready = false
		s.roster[id] = ri
	}
}

// AllNonGamemastersReady reports unanimous readiness. False when no
// non-gamemaster is connected: an empty session never auto-advances.
func (s *Store) AllNonGamemastersReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := false
	for _, ri := range s.roster {
		if ri.Role.Name == hierarchy.GamemasterRole {
			continue
		}
		seen = true
		if !ri.Ready {
			return false
		}
	}
	return seen
}

// LowestGamemasterID returns the smallest role-instance id among connected
// gamemasters; the second return is false when none is connected.
func (s *Store) LowestGamemasterID() (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lowest uint
	found := false
	for _, ri := range s.roster {
		if ri.Role.Name != hierarchy.GamemasterRole {
			continue
		}
		if !found || ri.ID < lowest {
			lowest = ri.ID
			found = true
		}
	}
	return lowest, found
}

// Classify resolves a delivered message to the one channel key it belongs to
// from the viewer's perspective: an outgoing message (sent from the viewer's
// channel) files under the recipient key, an incoming one under the sender
// key. Within the viewer's self channel both coincide. Anything else is an
// endpoint mismatch.
func (s *Store) Classify(m protocol.Message) (hierarchy.ChannelKey, error) {
	senderKey := keyOf(m.Sender)
	if m.Type == protocol.MessageTypeSystem && m.Sender.ID == 0 {
		senderKey = hierarchy.ChannelKey{TeamName: hierarchy.GamemasterTeam, RoleName: hierarchy.GamemasterRole}
	}
	recipientKey := hierarchy.ChannelKey{TeamName: m.RecipientTeamName, RoleName: m.RecipientRoleName}

	switch {
	case senderKey == s.viewerKey && recipientKey == s.viewerKey:
		return s.viewerKey, nil
	case senderKey == s.viewerKey:
		return recipientKey, nil
	case recipientKey == s.viewerKey:
		return senderKey, nil
	default:
		return hierarchy.ChannelKey{}, ErrEndpointMismatch
	}
}

// Append files one delivered message under its channel key in arrival order
// and updates the unread flag: a channel becomes unread when a message lands
// while it is not open, or while it is open but the viewer has scrolled away
// and the message is not self-authored.
func (s *Store) Append(m protocol.Message) (hierarchy.ChannelKey, error) {
	key, err := s.Classify(m)
	if err != nil {
		return hierarchy.ChannelKey{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[key] = append(s.messages[key], m)

	isActive := s.active != nil && *s.active == key
	selfAuthored := m.Sender.ID == s.viewer.ID
	if !isActive {
		s.unread[key] = true
	} else if !s.nearBottom && !selfAuthored {
		s.unread[key] = true
	}
	return key, nil
}

// AppendSystem files a synthesized notice (supply-point transfers and the
// like) directly under the given key, bypassing endpoint classification.
func (s *Store) AppendSystem(key hierarchy.ChannelKey, text string) {
	m := protocol.NewSystemMessage(key.TeamName, key.RoleName, text)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[key] = append(s.messages[key], m)
	if s.active == nil || *s.active != key {
		s.unread[key] = true
	}
}

// Messages returns the channel's messages in arrival order.
func (s *Store) Messages(key hierarchy.ChannelKey) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, len(s.messages[key]))
	copy(out, s.messages[key])
	return out
}

func (s *Store) Unread(key hierarchy.ChannelKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[key]
}

// Open makes key the active channel, clears its unread flag and resets the
// scroll position to the bottom.
func (s *Store) Open(key hierarchy.ChannelKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = &key
	s.nearBottom = true
	delete(s.unread, key)
}

// CloseChannel clears the active channel (viewer navigated away).
func (s *Store) CloseChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
}

// SetScroll records whether the viewer is within the near-bottom threshold
// of the active channel; scrolling back to the bottom clears its unread flag.
func (s *Store) SetScroll(nearBottom bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nearBottom = nearBottom
	if nearBottom && s.active != nil {
		delete(s.unread, *s.active)
	}
}
