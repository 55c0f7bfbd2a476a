package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"PPMessenger/global/config"
	"PPMessenger/logger"
	"PPMessenger/middleware"
	midsec "PPMessenger/middleware/security"
	"PPMessenger/module/chat/api"
	"PPMessenger/module/chat/service"
	"PPMessenger/module/chat/store"
	"PPMessenger/module/user"
	"PPMessenger/service/chat"
	"PPMessenger/service/natsx"
	redisx "PPMessenger/service/storage/redis"
	"PPMessenger/service/ticket"
	"PPMessenger/tools/ids"
	"PPMessenger/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.FromArgs("ppmessenger", os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ppmessenger: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		logger.Error("exit", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(cfg *config.Config) error {
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	ids.SetNodeID(cfg.Node.ID)
	log := logger.Named("ppm").With(zap.Int64("node", cfg.Node.ID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tickets, closeTickets, err := openTickets(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTickets()

	reg := chat.NewRegistry()
	fan := chat.NewFanout(reg, logger.Named("fanout"), cfg.Fanout.Workers, cfg.Fanout.Queue)
	defer fan.Stop()

	var broker chat.Broker = chat.NewLocalBroker(fan)
	if len(cfg.NATS.Servers) > 0 {
		nb, err := natsx.NewBroker(ctx, natsx.NatsxConfig{
			Servers:  cfg.NATS.Servers,
			Name:     "ppmessenger-" + strconv.FormatInt(cfg.Node.ID, 10),
			User:     cfg.NATS.User,
			Password: cfg.NATS.Password,
		}, natsx.BrokerConfig{
			Subject: cfg.NATS.Subject,
			NodeID:  strconv.FormatInt(cfg.Node.ID, 10),
		}, broker, logger.Named("natsx"))
		if err != nil {
			return err
		}
		broker = nb
		log.Info("cross-node fan-out enabled", zap.Strings("nats", cfg.NATS.Servers))
	}
	defer broker.Close()

	dispatcher := chat.NewDispatcher(broker, logger.Named("dispatcher"))
	msgs := service.NewMessageService(st, dispatcher, logger.Named("message"))
	auth := chat.NewAuthorizer(tickets, st, logger.Named("auth"))

	wsCfg := cfg.WebSocket
	ws := chat.NewServer(chat.ServerConfig{
		PingInterval:    wsCfg.PingInterval,
		PongWait:        wsCfg.PongWait,
		WriteWait:       wsCfg.WriteWait,
		ReadLimit:       wsCfg.ReadLimit,
		SendQueue:       wsCfg.SendQueue,
		InboxSize:       wsCfg.InboxSize,
		CommandQueue:    wsCfg.CommandQueue,
		MaxConnsPerUser: wsCfg.MaxConnsPerUser,
		EvictOldest:     wsCfg.EvictOldest,
	}, auth, reg, st, msgs, logger.Named("ws"))

	jwtOpts := security.Options{Secret: []byte(cfg.JWT.Secret), Alg: cfg.JWT.Alg, TTL: cfg.JWT.TTL}
	engine := newEngine(cfg, log, jwtOpts, ws, msgs, tickets, st)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: engine}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		// websocket connections are hijacked; http.Server does not track them
		wsErr := ws.Shutdown(sctx)
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		return wsErr
	})
	return g.Wait()
}

func newEngine(cfg *config.Config, log *zap.Logger, jwtOpts security.Options, ws *chat.Server,
	msgs *service.MessageService, tickets ticket.Store, st store.Store) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	mids := middleware.NewManager(middleware.Recovery(log), middleware.AccessLog(logger.Named("http")))
	if len(cfg.HTTP.AllowOrigins) > 0 {
		mids.Add(middleware.Origin(cfg.HTTP.AllowOrigins...))
	}
	engine.Use(mids.Handlers()...)

	health := api.Health{NodeID: cfg.Node.ID, Connections: ws.Conns().Count}
	engine.GET("/healthz", health.HandlerHealthz)
	ws.Register(engine)

	r := middleware.NewRouter(engine.Group("/api"), midsec.Middleware(midsec.DefaultOptions(jwtOpts)))
	api.NewHandler(msgs, tickets, logger.Named("api")).Mount(r)
	user.NewHandler(st, jwtOpts, logger.Named("user")).Mount(r, cfg.HTTP.OpenRegistration)
	return engine
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Postgres.DSN == "" {
		logger.Warn("postgres.dsn empty, using in-memory store")
		return store.NewMemory(), nil
	}
	return store.NewPostgres(ctx, store.PostgresConfig{
		DSN:         cfg.Postgres.DSN,
		MaxConns:    cfg.Postgres.MaxConns,
		AutoMigrate: cfg.Postgres.AutoMigrate,
	})
}

func openTickets(ctx context.Context, cfg *config.Config) (ticket.Store, func(), error) {
	if cfg.Ticket.Backend != config.TicketBackendRedis {
		ms := ticket.NewMemoryStore(cfg.Ticket.TTL)
		return ms, ms.Stop, nil
	}
	rdb, err := redisx.NewClient(ctx, redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, nil, err
	}
	return ticket.NewRedisStore(rdb, cfg.Ticket.TTL), func() { _ = rdb.Close() }, nil
}
