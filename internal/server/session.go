package server

import (
	"log"
	"sync"
	"time"

	"github.com/gravitas-games/crafting/internal/crafting"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/network"
)

// Sessions tracks live connections per player and forwards crafting events
// to them. A player's event subscription lives while they have at least one
// connection.
type Sessions struct {
	events    crafting.EventBus
	createdAt time.Time

	mu      sync.RWMutex
	players map[inventory.PlayerID]*playerSession
}

type playerSession struct {
	connections map[*Connection]bool
	cancel      func()
}

// SessionStatus summarizes the live connections
type SessionStatus struct {
	Players     int   `json:"players"`
	Connections int   `json:"connections"`
	Uptime      int64 `json:"uptime"` // seconds
}

// NewSessions creates an empty registry.
func NewSessions(events crafting.EventBus) *Sessions {
	return &Sessions{
		events:    events,
		createdAt: time.Now(),
		players:   make(map[inventory.PlayerID]*playerSession),
	}
}

// Add registers conn for player.
func (s *Sessions) Add(player inventory.PlayerID, conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.players[player]
	if !ok {
		ps = &playerSession{connections: make(map[*Connection]bool)}
		ps.cancel = s.events.Subscribe(player, func(e crafting.Event) { s.deliver(player, e) })
		s.players[player] = ps
		log.Printf("Player %s online", player)
	}
	ps.connections[conn] = true
}

// Remove drops conn. The player's event subscription ends with their last connection.
func (s *Sessions) Remove(player inventory.PlayerID, conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.players[player]
	if !ok {
		return
	}
	delete(ps.connections, conn)
	if len(ps.connections) == 0 {
		ps.cancel()
		delete(s.players, player)
		log.Printf("Player %s offline", player)
	}
}

// deliver converts a crafting event into a server message. Manual craft
// results are already answered on the requesting connection.
func (s *Sessions) deliver(player inventory.PlayerID, e crafting.Event) {
	var msg *network.ServerMessage
	switch e.Type {
	case crafting.EventCraftAttempted:
		if !e.Auto || e.Result == nil {
			return
		}
		msg = &network.ServerMessage{
			Type:    network.MsgTypeCraftResult,
			Payload: network.NewCraftResultPayload(*e.Result, true),
		}
	case crafting.EventAutoCraftStopped:
		msg = &network.ServerMessage{
			Type:    network.MsgTypeAutoCraftStopped,
			Payload: network.AutoCraftStoppedPayload{Recipe: e.Recipe, Reason: e.Reason},
		}
	default:
		return
	}
	s.SendToPlayer(player, msg)
}

// SendToPlayer sends msg to every connection of player.
func (s *Sessions) SendToPlayer(player inventory.PlayerID, msg *network.ServerMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ps, ok := s.players[player]; ok {
		for conn := range ps.connections {
			conn.SendMessage(msg)
		}
	}
}

// CloseAll closes every connection.
func (s *Sessions) CloseAll() {
	s.mu.RLock()
	var conns []*Connection
	for _, ps := range s.players {
		for conn := range ps.connections {
			conns = append(conns, conn)
		}
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// Status returns the current connection counts
func (s *Sessions) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SessionStatus{
		Players: len(s.players),
		Uptime:  int64(time.Since(s.createdAt).Seconds()),
	}
	for _, ps := range s.players {
		status.Connections += len(ps.connections)
	}
	return status
}
