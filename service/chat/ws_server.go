package chat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"PPMessenger/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ServerConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	ReadLimit    int64

	SendQueue    int
	InboxSize    int
	CommandQueue int

	MaxConnsPerUser int
	EvictOldest     bool
}

func (c *ServerConfig) norm() {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20 // 1MB
	}
}

// Server accepts websocket connections. Tickets are checked before the
// upgrade, so a rejected attempt gets a plain 403 and never a frame.
type Server struct {
	cfg    ServerConfig
	auth   *Authorizer
	reg    *Registry
	store  MembershipStore
	poster MessagePoster
	conns  *ConnManager
	log    *zap.Logger

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // guards closing and wg.Add against Shutdown
	closing bool
	wg      sync.WaitGroup
}

func NewServer(cfg ServerConfig, auth *Authorizer, reg *Registry, st MembershipStore, poster MessagePoster, log *zap.Logger) *Server {
	cfg.norm()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		auth:   auth,
		reg:    reg,
		store:  st,
		poster: poster,
		conns:  NewConnManager(ManagerConf{MaxPerUser: cfg.MaxConnsPerUser, EvictOldest: cfg.EvictOldest}),
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) Conns() *ConnManager { return s.conns }
func (s *Server) Registry() *Registry { return s.reg }

// Register mounts the websocket routes.
func (s *Server) Register(r gin.IRoutes) {
	r.GET("/ws/:ticket", s.HandleDynamic)
	r.GET("/ws/chat/:conversation", s.HandleFixed)
	r.GET("/ws/chat/:conversation/:ticket", s.HandleFixed)
}

// HandleDynamic serves /ws/:ticket?conversations=all|[ids].
func (s *Server) HandleDynamic(c *gin.Context) {
	ticketID := c.Param("ticket")
	scope, err := ParseScope(c.Query("conversations"))
	if err != nil {
		scope = MalformedScope(err)
	}
	at := s.auth.Authorize(c.Request.Context(), ticketID, scope)
	if at.State != Authorized {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	s.serve(c, at, 0)
}

// HandleFixed serves the single-conversation variant. The ticket comes from
// the path or the ticket_uuid query parameter.
func (s *Server) HandleFixed(c *gin.Context) {
	ticketID := c.Param("ticket")
	if ticketID == "" {
		ticketID = c.Query("ticket_uuid")
	}
	convID, err := ParseConversationID(c.Param("conversation"))
	scope := SingleScope(convID)
	if err != nil {
		scope = MalformedScope(err)
	}
	at := s.auth.Authorize(c.Request.Context(), ticketID, scope)
	if at.State != Authorized {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	s.serve(c, at, convID)
}

// track registers a connection with the shutdown wait group. It fails once
// Shutdown has started.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) serve(c *gin.Context, at *Attempt, fixed int64) {
	if !s.track() {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		s.log.Info("[HandleWS] upgrade websocket error", zap.Error(err))
		return
	}

	connID := ids.GenerateString()
	session := NewSession(SessionConfig{
		ID:           connID,
		User:         at.User,
		Fixed:        fixed,
		Registry:     s.reg,
		Store:        s.store,
		Poster:       s.poster,
		Log:          s.log,
		InboxSize:    s.cfg.InboxSize,
		CommandQueue: s.cfg.CommandQueue,
		SendQueue:    s.cfg.SendQueue,
	})
	client := NewClient(connID, ws, session, s.cfg, s.log)

	evicted, ok := s.conns.Add(client)
	if !ok {
		s.log.Info("[HandleWS] too many connections", zap.Int64("user", at.User.ID),
			zap.Int("open", s.conns.UserCount(at.User.ID)))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(s.cfg.WriteWait))
		_ = ws.Close()
		return
	}
	if evicted != nil {
		evicted.Close()
	}

	defer s.conns.Remove(client)

	session.Activate(at.Conversations, fixed == 0)
	s.log.Info("[HandleWS] connected", zap.String("conn", connID), zap.Int64("user", at.User.ID),
		zap.Int64s("conversations", at.Conversations), zap.Int64("fixed", fixed),
		zap.Int("user_conns", s.conns.UserCount(at.User.ID)))
	client.Serve(s.ctx)
	s.log.Info("[HandleWS] disconnected", zap.String("conn", connID), zap.Int64("user", at.User.ID))
}

// Shutdown closes every connection and waits for their goroutines, or for
// ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	s.conns.CloseAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
