package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/gravitas-games/crafting/internal/crafting"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/network"
	"github.com/gravitas-games/crafting/internal/recipe"
	"github.com/gravitas-games/crafting/pkg/models"
)

const (
	// Deadline for a single frame write.
	writeWait = 10 * time.Second

	// Idle read deadline, extended by every pong.
	pongWait = 60 * time.Second

	// Ping interval; must stay below pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Commands are small JSON objects.
	maxMessageSize = 8192
)

// Connection represents a WebSocket connection to a player
type Connection struct {
	ws     *websocket.Conn
	server *Server
	player *models.Player

	// Outbound frames, drained by writePump.
	send chan []byte

	limiter *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	sendMu    sync.RWMutex
	closed    bool
}

// NewConnection creates a connection for an authenticated player
func NewConnection(ws *websocket.Conn, server *Server, player *models.Player) *Connection {
	ctx, cancel := context.WithCancel(server.ctx)
	return &Connection{
		ws:      ws,
		server:  server,
		player:  player,
		send:    make(chan []byte, 256),
		limiter: rate.NewLimiter(rate.Limit(server.config.RateLimit.CommandsPerSecond), server.config.RateLimit.Burst),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Connection) playerID() inventory.PlayerID {
	return inventory.PlayerID(c.player.ID)
}

// Handle runs the connection until the client goes away or the server stops.
func (c *Connection) Handle() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.writePump()
	c.readPump() // Blocking
}

// readPump pumps messages from the WebSocket connection to the handlers
func (c *Connection) readPump() {
	defer c.Close()

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			break
		}

		var clientMsg network.ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			c.SendError(network.ErrCodeInvalidMessage, "Failed to parse message")
			continue
		}

		if !c.limiter.Allow() {
			c.SendError(network.ErrCodeRateLimited, "Too many commands, slow down")
			continue
		}

		c.handleMessage(&clientMsg)
	}
}

// writePump is the only goroutine that writes to ws.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// handleMessage dispatches one client command.
func (c *Connection) handleMessage(msg *network.ClientMessage) {
	switch msg.Type {
	case network.MsgTypeListRecipes:
		c.handleListRecipes()

	case network.MsgTypeCraft:
		c.handleCraft(msg.Payload)

	case network.MsgTypeAutoCraft:
		c.handleAutoCraft(msg.Payload)

	case network.MsgTypeAutoStatus:
		c.handleAutoStatus()

	case network.MsgTypeCraftable:
		c.handleCraftable()

	case network.MsgTypePing:
		c.SendMessage(&network.ServerMessage{Type: network.MsgTypePong, Payload: network.NewPong(time.Now())})

	default:
		log.Printf("Unknown message type from %s: %s", c.player.ID, msg.Type)
		c.SendError(network.ErrCodeUnknownType, "Unknown message type")
	}
}

func (c *Connection) handleListRecipes() {
	recipes, err := c.server.service.ListRecipes(c.ctx)
	if err != nil {
		c.sendFailure("list recipes", err)
		return
	}
	c.SendMessage(&network.ServerMessage{
		Type:    network.MsgTypeRecipes,
		Payload: network.NewRecipesPayload(recipes, c.server.items),
	})
}

func (c *Connection) handleCraft(payload json.RawMessage) {
	var req network.CraftPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.Recipe == "" {
		c.SendError(network.ErrCodeInvalidMessage, "craft needs a recipe")
		return
	}
	res, err := c.server.service.Craft(c.ctx, c.playerID(), req.Recipe, req.Balls...)
	if err != nil {
		c.sendFailure("craft", err)
		return
	}
	c.SendMessage(&network.ServerMessage{
		Type:    network.MsgTypeCraftResult,
		Payload: network.NewCraftResultPayload(res, false),
	})
}

func (c *Connection) handleAutoCraft(payload json.RawMessage) {
	var req network.AutoCraftPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			c.SendError(network.ErrCodeInvalidMessage, "Invalid auto_craft payload")
			return
		}
	}
	sub, err := c.server.service.SetAutoCraft(c.ctx, c.playerID(), req.Recipe)
	if err != nil {
		c.sendFailure("auto craft", err)
		return
	}
	c.SendMessage(&network.ServerMessage{
		Type:    network.MsgTypeAutoCraftSet,
		Payload: network.NewAutoStatusPayload(sub),
	})
}

func (c *Connection) handleAutoStatus() {
	sub, err := c.server.service.AutoCraftStatus(c.ctx, c.playerID())
	if err != nil {
		c.sendFailure("auto status", err)
		return
	}
	c.SendMessage(&network.ServerMessage{
		Type:    network.MsgTypeAutoStatusReply,
		Payload: network.NewAutoStatusPayload(sub),
	})
}

func (c *Connection) handleCraftable() {
	recipes, err := c.server.service.Craftable(c.ctx, c.playerID())
	if err != nil {
		c.sendFailure("craftable", err)
		return
	}
	c.SendMessage(&network.ServerMessage{
		Type:    network.MsgTypeCraftableReply,
		Payload: network.NewRecipesPayload(recipes, c.server.items),
	})
}

// sendFailure maps service errors onto protocol error codes.
func (c *Connection) sendFailure(op string, err error) {
	var nf *recipe.NotFoundError
	switch {
	case errors.As(err, &nf):
		c.SendMessage(&network.ServerMessage{
			Type: network.MsgTypeError,
			Payload: network.ErrorPayload{
				Code:        network.ErrCodeRecipeNotFound,
				Message:     nf.Error(),
				Suggestions: nf.Suggestions,
			},
		})
	case errors.Is(err, recipe.ErrNotFound):
		c.SendError(network.ErrCodeRecipeNotFound, err.Error())
	case errors.Is(err, crafting.ErrAutoCraftNotAllowed):
		c.SendError(network.ErrCodeAutoNotAllowed, err.Error())
	default:
		log.Printf("%s for %s failed: %v", op, c.player.ID, err)
		c.SendError(network.ErrCodeInternal, "Something went wrong, try again later")
	}
}

// SendMessage queues a message for the client. Messages to a closed
// connection are dropped.
func (c *Connection) SendMessage(msg *network.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return
	}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("Send buffer full for %s, dropping %s", c.player.ID, msg.Type)
	}
}

// SendError queues an error reply.
func (c *Connection) SendError(code, message string) {
	c.SendMessage(&network.ServerMessage{
		Type: network.MsgTypeError,
		Payload: network.ErrorPayload{
			Code:    code,
			Message: message,
		},
	})
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.server.sessions.Remove(c.playerID(), c)
		c.sendMu.Lock()
		c.closed = true
		close(c.send)
		c.sendMu.Unlock()
		c.cancel()
		c.ws.Close()
	})
}
