package chat

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one accepted websocket connection and the session behind it.
// It runs three goroutines: the reader, the session loop and the writer.
type Client struct {
	ConnID    string          // Unique connection ID (unique within the local gateway)
	UserID    int64           // User ID (determined by the ticket)
	WS        *websocket.Conn // WebSocket connection object
	CreatedAt time.Time

	session *Session
	cfg     ServerConfig
	log     *zap.Logger

	closeOnce sync.Once
}

// NewClient creates a new client connection object.
func NewClient(connID string, ws *websocket.Conn, session *Session, cfg ServerConfig, log *zap.Logger) *Client {
	return &Client{
		ConnID:  connID,
		UserID:  session.User().ID,
		WS:      ws,
		session: session,
		cfg:     cfg,
		log:     log.With(zap.String("conn", connID), zap.Int64("user", session.User().ID)),
	}
}

func (c *Client) Session() *Session { return c.session }

// Serve blocks until the connection ends. The session must be active.
func (c *Client) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.session.Run(ctx)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(cancel)
	}()

	c.readPump()
	cancel()
	<-writerDone
	<-c.session.Done()
}

// Close ends the connection from outside. The reader fails, which winds
// down the session and the writer; Serve returns shortly after.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.WS.Close()
	})
}

// ---- 读循环：只读，不写；出错即退出（写协程收尾） ----
func (c *Client) readPump() {
	c.WS.SetReadLimit(c.cfg.ReadLimit)
	_ = c.WS.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.WS.SetPongHandler(func(string) error {
		return c.WS.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	for {
		mt, data, err := c.WS.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived):
				c.log.Debug("[WS] peer closed", zap.Error(err))
			case errors.As(err, &ne) && ne.Timeout():
				c.log.Info("[WS] read timeout", zap.Error(err))
			default:
				c.log.Debug("[WS] read err", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if !c.session.Enqueue(data) {
			return
		}
	}
}

// writePump drains the session's outbound queue and keeps the peer alive
// with pings. It is the only writer of the connection.
func (c *Client) writePump(cancel context.CancelFunc) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		cancel()
		_ = c.WS.Close()
	}()
	out := c.session.Outbound()
	for {
		select {
		case payload, ok := <-out:
			_ = c.WS.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				// 统一由写协程发 Close
				_ = c.WS.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.WS.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("[WS] write payload err", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.WS.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.log.Debug("[WS] ping err", zap.Error(err))
				return
			}
		}
	}
}
