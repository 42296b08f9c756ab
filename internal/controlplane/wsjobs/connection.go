// Package wsjobs implements the control channel over a websocket to the job
// service. Status reports made while disconnected are kept in a persistent
// buffer and replayed on reconnect.
package wsjobs

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ZerkerEOD/otaagent/internal/buffer"
	"github.com/ZerkerEOD/otaagent/internal/controlplane"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
	"github.com/ZerkerEOD/otaagent/pkg/env"
	"github.com/gorilla/websocket"
)

// WSMessageType represents different types of WebSocket messages
type WSMessageType string

const (
	WSTypeJobDocument WSMessageType = "job_document"
	WSTypeGetNextJob  WSMessageType = "get_next_job"
	WSTypeJobStatus   WSMessageType = "job_status"
	WSTypeHeartbeat   WSMessageType = "heartbeat"
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type      WSMessageType   `json:"type"`
	JobID     string          `json:"job_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Default connection timing values
const (
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultPingPeriod   = 54 * time.Second
	defaultMinReconnect = time.Second
	maxReconnect        = 10 * time.Minute
	maxMessageSize      = 64 * 1024
	outboundDepth       = 64
)

// Timing holds connection timing configuration
type Timing struct {
	WriteWait    time.Duration
	PongWait     time.Duration
	PingPeriod   time.Duration
	MinReconnect time.Duration
}

// TimingFromEnv loads timing from OTA_WS_* environment variables
func TimingFromEnv() Timing {
	t := Timing{
		WriteWait:    env.GetDurationOrDefault("OTA_WS_WRITE_WAIT", defaultWriteWait),
		PongWait:     env.GetDurationOrDefault("OTA_WS_PONG_WAIT", defaultPongWait),
		PingPeriod:   env.GetDurationOrDefault("OTA_WS_PING_PERIOD", defaultPingPeriod),
		MinReconnect: env.GetDurationOrDefault("OTA_WS_MIN_RECONNECT", defaultMinReconnect),
	}
	if t.PingPeriod >= t.PongWait {
		debug.Warning("Ping period %v not below pong wait %v, using %v", t.PingPeriod, t.PongWait, t.PongWait*9/10)
		t.PingPeriod = t.PongWait * 9 / 10
	}
	return t
}

// Connection is the websocket control channel
type Connection struct {
	url    string
	header http.Header
	dialer websocket.Dialer
	timing Timing
	buffer *buffer.StatusBuffer

	mu      sync.Mutex
	session *session
	deliver controlplane.DeliverFunc

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// session is one live websocket. A new one is made on every reconnect.
type session struct {
	ws        *websocket.Conn
	outbound  chan *WSMessage
	closed    chan struct{}
	closeOnce sync.Once
	writeMux  sync.Mutex
}

func (s *session) alive() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMux.Lock()
		s.ws.Close()
		s.writeMux.Unlock()
	})
}

// NewConnection returns a channel dialing url. thing is sent as X-Thing-Name;
// statusBuffer may be nil, in which case reports made while offline fail.
func NewConnection(url, thing string, tlsConfig *tls.Config, statusBuffer *buffer.StatusBuffer, timing Timing) *Connection {
	header := http.Header{}
	header.Set("X-Thing-Name", thing)

	if timing.WriteWait <= 0 {
		timing.WriteWait = defaultWriteWait
	}
	if timing.PongWait <= 0 {
		timing.PongWait = defaultPongWait
	}
	if timing.PingPeriod <= 0 || timing.PingPeriod >= timing.PongWait {
		timing.PingPeriod = timing.PongWait * 9 / 10
	}
	if timing.MinReconnect <= 0 {
		timing.MinReconnect = defaultMinReconnect
	}

	return &Connection{
		url:    url,
		header: header,
		dialer: websocket.Dialer{
			ReadBufferSize:   maxMessageSize,
			WriteBufferSize:  maxMessageSize,
			HandshakeTimeout: timing.WriteWait,
			TLSClientConfig:  tlsConfig,
		},
		timing: timing,
		buffer: statusBuffer,
		done:   make(chan struct{}),
	}
}

// Subscribe connects and keeps the connection alive until Close. A failed
// first attempt is returned but reconnection keeps trying in the background.
func (c *Connection) Subscribe(ctx context.Context, deliver controlplane.DeliverFunc) error {
	c.mu.Lock()
	c.deliver = deliver
	c.mu.Unlock()

	err := c.connect(ctx)
	if err != nil {
		debug.Error("Initial connection failed: %v", err)
	}

	c.wg.Add(1)
	go c.maintainConnection()
	return err
}

// connect establishes a websocket connection and starts its pumps
func (c *Connection) connect(ctx context.Context) error {
	debug.Info("Attempting WebSocket connection to: %s", c.url)

	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			debug.Error("WebSocket connection failed with status: %d", resp.StatusCode)
			debug.Debug("Response body: %s", string(body))
		}
		return fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}

	s := &session{
		ws:       ws,
		outbound: make(chan *WSMessage, outboundDepth),
		closed:   make(chan struct{}),
	}

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	debug.Info("Successfully established WebSocket connection")

	c.wg.Add(2)
	go c.readPump(s)
	go c.writePump(s)

	c.replayBuffered()
	return nil
}

// maintainConnection reconnects with exponential backoff whenever the
// current session ends
func (c *Connection) maintainConnection() {
	defer c.wg.Done()

	backoff := c.timing.MinReconnect
	attempt := 1

	for {
		c.mu.Lock()
		s := c.session
		c.mu.Unlock()

		if s != nil {
			select {
			case <-s.closed:
			case <-c.done:
				return
			}
		}

		debug.Info("Reconnection attempt %d - Waiting %v before retry", attempt, backoff)
		select {
		case <-time.After(backoff):
		case <-c.done:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.timing.WriteWait)
		err := c.connect(ctx)
		cancel()
		if err != nil {
			debug.Error("Reconnection attempt %d failed: %v", attempt, err)
			c.mu.Lock()
			c.session = nil
			c.mu.Unlock()
			backoff = min(backoff*2, maxReconnect)
			attempt++
			continue
		}

		debug.Info("Reconnection successful after %d attempts - Resetting backoff", attempt)
		backoff = c.timing.MinReconnect
		attempt = 1
	}
}

// readPump hands job documents to the agent and answers heartbeats
func (c *Connection) readPump(s *session) {
	defer func() {
		c.wg.Done()
		s.close()
	}()

	s.ws.SetReadLimit(maxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(c.timing.PongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(c.timing.PongWait))
	})

	for {
		var msg WSMessage
		if err := s.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				debug.Error("Unexpected WebSocket close error: %v", err)
			} else {
				debug.Info("WebSocket connection closed: %v", err)
			}
			return
		}

		switch msg.Type {
		case WSTypeJobDocument:
			c.mu.Lock()
			deliver := c.deliver
			c.mu.Unlock()
			if deliver == nil {
				continue
			}
			if err := deliver(msg.Payload); err != nil {
				debug.Warning("Job document dropped: %v", err)
			}
		case WSTypeHeartbeat:
			c.sendOn(s, &WSMessage{Type: WSTypeHeartbeat, Timestamp: time.Now()})
		default:
			debug.Warning("Unknown message type: %s", msg.Type)
		}
	}
}

// writePump serializes writes and keeps the connection alive with pings
func (c *Connection) writePump(s *session) {
	ticker := time.NewTicker(c.timing.PingPeriod)
	defer func() {
		ticker.Stop()
		c.wg.Done()
		s.close()
	}()

	for {
		select {
		case message := <-s.outbound:
			s.writeMux.Lock()
			s.ws.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
			err := s.ws.WriteJSON(message)
			s.writeMux.Unlock()
			if err != nil {
				debug.Error("Failed to send message type %s: %v", message.Type, err)
				return
			}
			debug.Debug("Successfully sent message type: %s", message.Type)

		case <-ticker.C:
			s.writeMux.Lock()
			s.ws.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
			err := s.ws.WriteMessage(websocket.PingMessage, nil)
			s.writeMux.Unlock()
			if err != nil {
				debug.Error("Failed to send ping: %v", err)
				return
			}

		case <-s.closed:
			return

		case <-c.done:
			s.writeMux.Lock()
			s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.timing.WriteWait))
			s.writeMux.Unlock()
			return
		}
	}
}

// send queues msg on the live session
func (c *Connection) send(msg *WSMessage) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return controlplane.ErrNotConnected
	}
	return c.sendOn(s, msg)
}

func (c *Connection) sendOn(s *session, msg *WSMessage) error {
	if !s.alive() {
		return controlplane.ErrNotConnected
	}

	timer := time.NewTimer(c.timing.WriteWait)
	defer timer.Stop()

	select {
	case s.outbound <- msg:
		return nil
	case <-s.closed:
		return controlplane.ErrNotConnected
	case <-timer.C:
		debug.Warning("Timeout sending message of type %s", msg.Type)
		return fmt.Errorf("send timeout: channel blocked")
	}
}

// RequestJobDocument asks the service to push the next pending job
func (c *Connection) RequestJobDocument(_ context.Context, clientToken string) error {
	payload, err := json.Marshal(map[string]string{"clientToken": clientToken})
	if err != nil {
		return fmt.Errorf("failed to marshal job request: %w", err)
	}
	return c.send(&WSMessage{Type: WSTypeGetNextJob, Payload: payload, Timestamp: time.Now()})
}

// PublishStatus sends a status report, buffering it when offline
func (c *Connection) PublishStatus(_ context.Context, jobID string, doc []byte) error {
	err := c.send(&WSMessage{
		Type:      WSTypeJobStatus,
		JobID:     jobID,
		Payload:   append(json.RawMessage(nil), doc...),
		Timestamp: time.Now(),
	})
	if err == nil {
		return nil
	}
	if c.buffer == nil {
		return err
	}

	debug.Warning("Status for job %s not sent (%v), buffering", jobID, err)
	if bufErr := c.buffer.Add(buffer.TypeFor(doc), jobID, doc); bufErr != nil {
		return errors.Join(err, bufErr)
	}
	return nil
}

// replayBuffered sends buffered status reports, oldest first
func (c *Connection) replayBuffered() {
	if c.buffer == nil || c.buffer.Count() == 0 {
		return
	}

	messages := c.buffer.GetAll()
	sent := make([]string, 0, len(messages))
	for _, m := range messages {
		err := c.send(&WSMessage{Type: WSTypeJobStatus, JobID: m.JobID, Payload: m.Payload, Timestamp: m.Timestamp})
		if err != nil {
			debug.Warning("Replay of buffered status stopped: %v", err)
			break
		}
		sent = append(sent, m.ID)
	}

	if len(sent) > 0 {
		if err := c.buffer.RemoveMessages(sent); err != nil {
			debug.Error("Failed to remove replayed messages: %v", err)
		}
		debug.Info("Replayed %d buffered status reports", len(sent))
	}
}

// IsConnected reports whether a session is live
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	return s != nil && s.alive()
}

// Close stops reconnection and closes the live session
func (c *Connection) Close() error {
	c.stopOnce.Do(func() {
		debug.Info("Closing control connection")
		close(c.done)

		c.mu.Lock()
		s := c.session
		c.mu.Unlock()
		if s != nil {
			// give the write pump a moment to send the close frame
			select {
			case <-s.closed:
			case <-time.After(100 * time.Millisecond):
			}
			s.close()
		}
	})
	c.wg.Wait()
	return nil
}
