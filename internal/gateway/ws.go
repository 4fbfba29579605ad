package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is one WebSocket subscriber. An empty vaults set receives every
// event; otherwise only events for the subscribed vaults.
type wsClient struct {
	id       uuid.UUID
	identity string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}

	mu     sync.Mutex
	vaults map[string]struct{}
}

func (cl *wsClient) wants(vaultID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(cl.vaults) == 0 {
		return true
	}
	_, ok := cl.vaults[vaultID]
	return ok
}

type wsMessage struct {
	Type    string `json:"type"`
	VaultID string `json:"vault_id"`
}

// wsEvent is the frame pushed to subscribers.
type wsEvent struct {
	Subject string          `json:"subject"`
	Payload json.RawMessage `json:"payload"`
}

// StartEventFeed bridges NATS vault and proposal subjects onto connected
// WebSocket clients. No-op when no messaging client is wired.
func (g *Gateway) StartEventFeed() error {
	if g.events == nil {
		return nil
	}
	for _, subject := range []string{"vault.>", "proposal.>"} {
		if err := g.events.Subscribe(subject, g.relay); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) relay(msg *nats.Msg) {
	frame, err := json.Marshal(wsEvent{Subject: msg.Subject, Payload: msg.Data})
	if err != nil {
		return
	}

	// Events carry vault_id in the payload for routing.
	var envelope struct {
		VaultID string `json:"vault_id"`
	}
	_ = json.Unmarshal(msg.Data, &envelope)

	g.wsMu.RLock()
	defer g.wsMu.RUnlock()
	for _, client := range g.wsClients {
		if !client.wants(envelope.VaultID) {
			continue
		}
		select {
		case client.send <- frame:
		default:
			// Slow consumer; drop the frame rather than block the feed.
		}
	}
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:       uuid.New(),
		identity: identity(c),
		conn:     conn,
		send:     make(chan []byte, 64),
		done:     make(chan struct{}),
		vaults:   make(map[string]struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *wsClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		g.handleWSMessage(client, message)
	}
}

func (g *Gateway) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (g *Gateway) handleWSMessage(client *wsClient, message []byte) {
	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "subscribe":
		if msg.VaultID == "" {
			return
		}
		client.mu.Lock()
		client.vaults[msg.VaultID] = struct{}{}
		client.mu.Unlock()
	case "unsubscribe":
		client.mu.Lock()
		delete(client.vaults, msg.VaultID)
		client.mu.Unlock()
	}
}
