package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"pixelagents/internal/events"
	"pixelagents/internal/logging"
	"pixelagents/internal/process"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	replyBuffer    = 64
)

// wsConn is one presentation connection. A single writer goroutine owns
// every write except control frames; hub events and direct replies both go
// through it.
type wsConn struct {
	conn        *websocket.Conn
	events      <-chan events.Event
	unsubscribe func()
	replies     chan any
	done        chan struct{}
	closeOnce   sync.Once
	logger      logging.Logger
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Warn("server: websocket upgrade: %v", err)
		return
	}

	ch, unsubscribe := s.hub.Subscribe(s.cfg.SubscriberBuffer)
	wc := &wsConn{
		conn:        conn,
		events:      ch,
		unsubscribe: unsubscribe,
		replies:     make(chan any, replyBuffer),
		done:        make(chan struct{}),
		logger:      s.logger,
	}
	if !s.track(wc) {
		wc.close()
		return
	}
	defer s.untrack(wc)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		wc.writeLoop()
	}()

	s.logger.Debug("server: websocket connected from %s", c.ClientIP())
	s.readLoop(ctx, wc)
	wc.close()
	<-writerDone
	s.logger.Debug("server: websocket from %s closed", c.ClientIP())
}

func (s *Server) readLoop(ctx context.Context, wc *wsConn) {
	wc.conn.SetReadLimit(maxMessageSize)
	_ = wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("server: websocket read: %v", err)
			}
			return
		}
		_ = wc.conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			wc.send(Reply{Type: replyError, Error: "malformed command"})
			continue
		}
		s.dispatch(ctx, wc, cmd)
	}
}

// dispatch runs one inbound command to completion before the next is read.
func (s *Server) dispatch(ctx context.Context, wc *wsConn, cmd Command) {
	var err error
	switch cmd.Type {
	case CommandOpenBilly:
		_, err = s.supervisor.Create(ctx)
	case CommandFocusAgent:
		err = s.supervisor.Focus(cmd.ID)
		if errors.Is(err, process.ErrNoTerminal) {
			err = nil
		}
	case CommandCloseAgent:
		err = s.supervisor.Close(cmd.ID)
	case CommandSendPrompt:
		err = s.supervisor.Prompt(cmd.ID, cmd.Text)
	case CommandSaveSeats:
		err = s.supervisor.SaveSeats(ctx, cmd.Seats)
	case CommandWebviewReady:
		err = s.replay(ctx, wc)
	case CommandSessionsDir:
		var path string
		path, err = s.sessionsDir()
		if err == nil {
			wc.send(Reply{Type: replySessionsDir, Path: path})
		}
	default:
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}
	if err != nil {
		s.logger.Warn("server: command %s: %v", cmd.Type, err)
		wc.send(Reply{Type: replyError, Command: cmd.Type, ID: cmd.ID, Error: err.Error()})
	}
}

// replay restores persisted agents on first use and sends the current state
// to this connection only. A failed restore still replays what is live.
func (s *Server) replay(ctx context.Context, wc *wsConn) error {
	restoreErr := s.supervisor.EnsureRestored(ctx)
	for _, ev := range s.supervisor.Replay(ctx) {
		if !wc.send(ev) {
			return nil
		}
	}
	return restoreErr
}

func (c *wsConn) send(v any) bool {
	select {
	case c.replies <- v:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		// Direct replies go first so a replay is not overtaken by later
		// broadcasts already queued.
		select {
		case v := <-c.replies:
			if err := c.write(v); err != nil {
				return
			}
			continue
		default:
		}

		select {
		case <-c.done:
			return
		case v := <-c.replies:
			if err := c.write(v); err != nil {
				return
			}
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if err := c.write(ev); err != nil {
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

func (c *wsConn) write(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Debug("server: websocket write: %v", err)
		return err
	}
	return nil
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.unsubscribe()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}
