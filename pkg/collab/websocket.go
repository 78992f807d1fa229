package collab

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/collab/pkg/protocol"
)

// serve reads frames from conn until it fails. Pings run alongside for the
// lifetime of the connection.
func (s *Session) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	pingDone := make(chan struct{})
	go s.pingLoop(conn, stop, pingDone)
	defer func() {
		close(stop)
		<-pingDone
	}()

	for {
		if s.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read error", "error", err)
				s.metrics.WebSocketError("read")
			}
			return err
		}

		if msgType != websocket.BinaryMessage {
			s.logger.Debug("ignoring non-binary message", "type", msgType, "size", len(data))
			continue
		}
		s.handleMessage(data)
	}
}

// handleMessage dispatches one binary frame. Failures are logged and
// dropped; the session keeps running.
func (s *Session) handleMessage(data []byte) {
	t, payload, err := protocol.Decode(data)
	if err != nil {
		s.decodeErrors.Add(1)
		s.metrics.DecodeError()
		s.logger.Warn("dropping undecodable frame", "error", err, "size", len(data))
		s.reportError(err)
		return
	}

	s.framesReceived.Add(1)
	s.bytesReceived.Add(uint64(len(data)))
	s.metrics.FrameReceived(t.String(), len(data))

	switch t {
	case protocol.StateVectorRequest:
		update, err := s.doc.EncodeStateAsUpdate(payload)
		if err != nil {
			s.applyErrors.Add(1)
			s.metrics.ApplyError()
			s.logger.Warn("cannot answer state vector request", "error", err)
			s.reportError(err)
			return
		}
		if err := s.send(protocol.StateVectorResponse, update); err != nil {
			s.logger.Debug("state vector response not sent", "error", err)
		}

	case protocol.StateVectorResponse, protocol.UpdateBroadcast:
		// The session is the origin so the forwarder skips the resulting
		// update event.
		if err := s.doc.ApplyUpdate(payload, s); err != nil {
			s.applyErrors.Add(1)
			s.metrics.ApplyError()
			s.logger.Warn("failed to apply update", "type", t, "error", err)
			s.reportError(err)
			return
		}
		if t == protocol.StateVectorResponse && s.observer != nil {
			s.observer.OnSynced(s)
		}
	}
}

// forward is the local change forwarder: one UpdateBroadcast per update
// event, except events this session caused by applying remote data.
func (s *Session) forward(update []byte, origin any) {
	if origin == s {
		return
	}
	if err := s.send(protocol.UpdateBroadcast, update); err != nil {
		s.logger.Debug("update not forwarded", "error", err)
	}
}

// send writes one frame. It never blocks on the peer beyond WriteTimeout and
// never queues: if the session is not open the frame is dropped.
func (s *Session) send(t protocol.MessageType, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.conn == nil || State(s.state.Load()) != StateOpen {
		return ErrNotOpen
	}
	return s.writeLocked(t, payload)
}

// writeLocked writes a frame on s.conn. Caller must hold s.mu.
func (s *Session) writeLocked(t protocol.MessageType, payload []byte) error {
	frame := protocol.Encode(t, payload)

	if s.config.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		s.metrics.WebSocketError("write")
		s.logger.Warn("websocket write error", "type", t, "error", err)
		// Unblock the reader so the connection is torn down or re-dialed.
		s.conn.Close()
		return fmt.Errorf("collab: write %s: %w", t, err)
	}

	s.framesSent.Add(1)
	s.bytesSent.Add(uint64(len(frame)))
	s.metrics.FrameSent(t.String(), len(frame))
	return nil
}

// pingLoop sends WebSocket pings until stop is closed.
func (s *Session) pingLoop(conn *websocket.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if s.config.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.config.WriteTimeout)
			s.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, deadline)
			s.mu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				s.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}
