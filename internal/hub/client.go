package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendQueueSize  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Client is a websocket connection with a bounded outbound queue drained by
// its own writer goroutine.
type Client struct {
	id       string
	conn     *websocket.Conn
	sendChan chan []byte
	done     chan struct{}
	once     sync.Once
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		id:       "ws_" + uuid.NewString(),
		conn:     conn,
		sendChan: make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues msg without blocking.
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.sendChan <- msg:
		return nil
	default:
		return ErrSlowClient
	}
}

func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sendChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; it exists to process control frames
// and notice disconnects.
func (c *Client) readPump(h *Hub) {
	defer func() {
		h.Unregister(c)
		_ = c.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn", c.id).Msg("websocket read")
			}
			return
		}
	}
}

// ServeWS upgrades the request and registers the connection until the peer
// goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	c := newClient(conn)
	h.Register(c)
	go c.writePump()
	go c.readPump(h)
}
