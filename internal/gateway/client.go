package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"pingup_core/internal/domain"
	"pingup_core/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 4096
)

type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	UID      string
	DeviceID uuid.UUID
	Send     chan []byte

	session    *store.Session
	armedChats map[string]bool
}

// NewClient opens the store session up front: frames can arrive before
// the hub loop has processed the registration, and handling them needs a
// live session.
func NewClient(hub *Hub, conn *websocket.Conn, uid string, deviceID uuid.UUID) *Client {
	return &Client{
		Hub:        hub,
		Conn:       conn,
		UID:        uid,
		DeviceID:   deviceID,
		Send:       make(chan []byte, 256),
		session:    hub.st.Connect(uid + ":" + deviceID.String()),
		armedChats: make(map[string]bool),
	}
}

// frame is the client-to-server protocol. Type selects the operation;
// the other fields are filled as each operation needs.
type frame struct {
	Type      string `json:"type"`
	PeerID    string `json:"peerId,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
	Text      string `json:"text,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
	VoiceURL  string `json:"voiceUrl,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
	At        int64  `json:"at,omitempty"`
}

// ReadPump consumes client frames until the connection dies. The read
// deadline driven by pongs is the disconnect detector: a severed
// connection errors out within one pong interval and unregisters the
// client, committing its fallback writes.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxFrame)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.Hub.log.Warnf("malformed frame from %s: %s", c.UID, err)
			continue
		}
		c.handle(ctx, f)
	}
}

func (c *Client) handle(ctx context.Context, f frame) {
	hub := c.Hub
	var err error

	switch f.Type {
	case "open":
		var chatID string
		if chatID, err = hub.messages.EnsureChat(ctx, c.UID, f.PeerID); err == nil {
			reply, _ := json.Marshal(frame{Type: "opened", ChatID: chatID, PeerID: f.PeerID})
			hub.BroadcastToUser(c.UID, reply)
		}
	case "typing":
		if !c.armedChats[f.ChatID] {
			hub.typing.Arm(c.session, f.ChatID, c.UID)
			c.armedChats[f.ChatID] = true
		}
		err = hub.typing.Keystroke(ctx, f.ChatID, c.UID)
	case "send":
		payload := domain.Payload{Text: f.Text, ImageURL: f.ImageURL, VoiceURL: f.VoiceURL}
		if _, err = hub.messages.Append(ctx, f.ChatID, c.UID, payload); err == nil {
			err = hub.typing.Stop(ctx, f.ChatID, c.UID)
		}
	case "read":
		at := f.At
		if at == 0 {
			at = time.Now().UnixMilli()
		}
		err = hub.messages.MarkChatRead(ctx, f.ChatID, c.UID, at)
	case "react":
		err = hub.messages.React(ctx, f.ChatID, f.MessageID, c.UID, f.Emoji)
	case "delete":
		err = hub.messages.SoftDelete(ctx, f.ChatID, f.MessageID)
	default:
		hub.log.Warnf("unknown frame type %q from %s", f.Type, c.UID)
	}

	if err != nil {
		hub.log.WithFields(log.Fields{
			"uid":  c.UID,
			"type": f.Type,
		}).Warnf("frame handling failed: %s", err)
	}
}

// WritePump forwards queued frames and keeps the connection alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
