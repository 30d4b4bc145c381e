package web

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/bulwark/internal/capture"
)

// WebSocket message types sent on the capture stream.
const (
	WSMsgTypeCaptureStarted = "capture_started"
	WSMsgTypeCaptureEvent   = "capture_event"
	WSMsgTypeCaptureStopped = "capture_stopped"
	WSMsgTypeCaptureError   = "capture_error"
)

// WSMessage is the envelope of every capture stream message.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CaptureStartRequest is the body of POST /api/capture.
type CaptureStartRequest struct {
	Device string `json:"device,omitempty"`
}

// handleCaptureStatus handles GET /api/capture.
func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := s.config.Capture.Status(id.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, st)
}

// handleCaptureStart handles POST /api/capture. Frames are classified and
// logged; use the websocket endpoint to receive them.
func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req CaptureStartRequest
	if !parseJSONBody(w, r, &req) {
		return
	}
	st, err := s.config.Capture.Start(r.Context(), id.Subject, req.Device, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONCreated(w, st)
}

// handleCaptureStop handles DELETE /api/capture.
func (s *Server) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := s.config.Capture.Stop(id.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONOK(w, st)
}

// CaptureClient is one websocket streaming the caller's capture session.
// Closing the socket stops the session; the session ending closes the
// socket.
type CaptureClient struct {
	server    *Server
	conn      *websocket.Conn
	owner     string
	sessionID string
	clientIP  string
	send      chan []byte
	done      chan struct{}
	// sessionDone is closed when the capture session ends.
	sessionDone <-chan struct{}
	dropped     atomic.Uint64
}

// handleCaptureWS handles GET /api/capture/ws?device=NAME. It starts (or
// replaces) the caller's capture session and streams every classified frame.
func (s *Server) handleCaptureWS(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	clientIP := s.proxyChecker.ClientIP(r)

	if !s.connectionTracker.TryAdd(clientIP) {
		s.logger.Warn("capture_ws_rejected", "reason", "too many connections", "client_ip", clientIP)
		writeErrorJSON(w, http.StatusTooManyRequests, "too_many_connections", "too many capture streams from this address")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connectionTracker.Remove(clientIP)
		s.logger.Warn("capture_ws_upgrade_failed", "client_ip", clientIP, "error", err)
		return
	}
	configureWebSocketConn(conn, s.wsSecurityConfig)

	client := &CaptureClient{
		server:   s,
		conn:     conn,
		owner:    id.Subject,
		clientIP: clientIP,
		send:     make(chan []byte, s.wsSecurityConfig.SendBuffer),
		done:     make(chan struct{}),
	}

	st, err := s.config.Capture.Start(r.Context(), id.Subject, r.URL.Query().Get("device"), client.deliver)
	if err != nil {
		status, code := errorStatus(err)
		s.logger.Warn("capture_ws_start_failed", "owner", id.Subject, "status", status, "error", err)
		client.writeFinal(WSMsgTypeCaptureError, map[string]string{"error": code, "message": err.Error()})
		conn.Close()
		s.connectionTracker.Remove(clientIP)
		return
	}
	client.sessionID = st.ID
	if sess, ok := s.config.Capture.Session(id.Subject); ok && sess.ID == st.ID {
		client.sessionDone = sess.Done()
	} else {
		// Replaced or ended before we looked.
		closed := make(chan struct{})
		close(closed)
		client.sessionDone = closed
	}

	client.sendMessage(WSMsgTypeCaptureStarted, st)
	go client.writePump()
	go client.readPump()
}

// deliver is the session sink. It never blocks: events beyond the send
// buffer are dropped.
func (c *CaptureClient) deliver(ev capture.Event) {
	if !c.sendMessage(WSMsgTypeCaptureEvent, ev) {
		c.dropped.Add(1)
	}
}

func (c *CaptureClient) sendMessage(msgType string, data interface{}) bool {
	msgBytes, err := encodeMessage(msgType, data)
	if err != nil {
		return false
	}
	select {
	case c.send <- msgBytes:
		return true
	default:
		return false
	}
}

func encodeMessage(msgType string, data interface{}) ([]byte, error) {
	msg := WSMessage{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// writeFinal writes one message and a close frame directly. It is only used
// before the pumps start.
func (c *CaptureClient) writeFinal(msgType string, data interface{}) {
	msgBytes, err := encodeMessage(msgType, data)
	if err != nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.server.wsSecurityConfig.WriteWait))
	c.conn.WriteMessage(websocket.TextMessage, msgBytes)
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, msgType))
}

// readPump detects the client going away and stops its session, unless a
// newer session has replaced it in the meantime.
func (c *CaptureClient) readPump() {
	defer func() {
		if _, err := c.server.config.Capture.StopSession(c.owner, c.sessionID); err == nil {
			c.server.logger.Info("capture_stopped_on_disconnect", "owner", c.owner, "session", c.sessionID)
		}
		c.server.connectionTracker.Remove(c.clientIP)
		close(c.done)
		c.conn.Close()
	}()

	// The client sends nothing but control frames; read to see them.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *CaptureClient) writePump() {
	cfg := c.server.wsSecurityConfig
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.sessionDone:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			msgBytes, _ := encodeMessage(WSMsgTypeCaptureStopped, map[string]interface{}{
				"session": c.sessionID,
				"dropped": c.dropped.Load(),
			})
			c.conn.WriteMessage(websocket.TextMessage, msgBytes)
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "capture stopped"))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// flush writes whatever is still buffered.
func (c *CaptureClient) flush() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.wsSecurityConfig.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
