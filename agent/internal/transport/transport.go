// Package transport maintains the websocket control channel. One Conn
// wraps one connection; reconnecting is the supervisor's job, so a Conn
// that drops simply closes its event stream and reports the error.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fleetguard/agent/internal/logger"
	"fleetguard/agent/internal/supervisor"
	"fleetguard/network"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
	eventBuffer    = 64
)

// Conn is a live control channel. Server pushes arrive on Events; agent
// signaling goes out through Send*.
type Conn struct {
	log zerolog.Logger
	ws  *websocket.Conn

	events chan network.ServerEvent
	send   chan []byte

	closeOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// Dial opens the control channel. A handshake rejected with 401 maps to
// the supervisor's credential sentinel so reconnecting stops.
func Dial(ctx context.Context, serverURL, agentID, credential string) (*Conn, error) {
	wsURL, err := buildWSURL(serverURL, agentID)
	if err != nil {
		return nil, fmt.Errorf("build websocket url: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, supervisor.ErrCredentialInvalid
		}
		return nil, fmt.Errorf("dial control channel: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &Conn{
		log:    logger.C("transport"),
		ws:     ws,
		events: make(chan network.ServerEvent, eventBuffer),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()

	c.log.Info().Str("agentId", agentID).Msg("control channel established")
	return c, nil
}

// Events streams server pushes. The channel closes when the connection
// drops; Err then reports why.
func (c *Conn) Events() <-chan network.ServerEvent { return c.events }

// Done closes when the connection is gone for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports the failure that ended the connection, nil after a clean
// local Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SendAnswer transmits a session answer to the server.
func (c *Conn) SendAnswer(a network.SessionAnswer) error {
	return c.sendMessage(network.AgentMessage{Kind: network.AgentMsgSessionAnswer, Answer: &a})
}

// SendClose notifies the server that a session ended on the agent side.
func (c *Conn) SendClose(cl network.SessionClose) error {
	return c.sendMessage(network.AgentMessage{Kind: network.AgentMsgSessionClose, Close: &cl})
}

func (c *Conn) sendMessage(msg network.AgentMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- raw:
		return nil
	case <-c.done:
		return errors.New("control channel is closed")
	}
}

// Close shuts the connection down cleanly.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.ws.Close()
		close(c.done)
	})
}

func (c *Conn) readPump() {
	defer close(c.events)

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("control channel read failed")
				c.shutdown(err)
			} else {
				c.shutdown(nil)
			}
			return
		}

		var ev network.ServerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed server event")
			continue
		}
		if ev.Kind == "" {
			continue
		}

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case raw := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.log.Warn().Err(err).Msg("control channel write failed")
				c.shutdown(err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

func buildWSURL(serverURL, agentID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/agent/ws"
	q := u.Query()
	q.Set("agentId", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
