package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 1024

	sendBuffer = 256
)

var errConnClosed = errors.New("connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // no auth; any origin may connect
	},
}

// wsConn is a session's connection. Frames are queued and written by a
// single writer goroutine so that their order is preserved.
type wsConn struct {
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

func newWSConn(conn *websocket.Conn, log zerolog.Logger) *wsConn {
	return &wsConn{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
		log:    log,
	}
}

// Send queues f for delivery. It blocks while the queue is full and fails
// once the connection is closed.
func (c *wsConn) Send(f protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return errConnClosed
	}
}

// close stops the connection. The writer flushes queued frames and sends
// a close message before the socket is closed.
func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("websocket write error")
				c.close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.closed:
			c.flush()
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// readPump delivers client messages to handle until the connection fails.
func (c *wsConn) readPump(handle func([]byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		handle(message)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newWSConn(conn, s.log)
	s.track(c)
	defer s.untrack(c)

	sess, err := s.sup.Connect(c)
	if err != nil {
		s.log.Warn().Err(err).Msg("registering session")
		conn.Close()
		return
	}
	c.log = s.log.With().Str("session", sess.ID).Logger()

	go c.writePump()
	c.readPump(func(data []byte) {
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("ignoring malformed message")
			return
		}
		s.sup.HandleMessage(sess.ID, msg)
	})

	s.sup.Disconnect(sess.ID)
	c.close()
}
