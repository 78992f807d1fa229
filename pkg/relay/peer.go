package relay

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// peer is one WebSocket connection in a room. Frames are queued on send and
// written by writePump; the room closes send when the peer is removed.
type peer struct {
	id     string
	user   string
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

func newPeer(id, user string, conn *websocket.Conn, queueSize int, logger *slog.Logger) *peer {
	return &peer{
		id:     id,
		user:   user,
		conn:   conn,
		send:   make(chan []byte, queueSize),
		logger: logger.With("peer", id),
	}
}

// writePump writes queued frames until send is closed, then closes the
// connection, which also ends the peer's read loop.
func (p *peer) writePump(writeTimeout, pingInterval time.Duration) {
	var ping <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer p.conn.Close()

	for {
		select {
		case frame, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				p.logger.Debug("peer write failed", "error", err)
				return
			}

		case <-ping:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
