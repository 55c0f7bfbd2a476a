package config

import (
	"os"
	"strings"
	"time"

	"PPMessenger/tools/errs"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	TicketBackendMemory = "memory"
	TicketBackendRedis  = "redis"
)

// Config is the whole process configuration. Durations are Go duration
// strings in YAML ("60s", "10m").
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	HTTP      HTTPConfig      `yaml:"http"`
	Ticket    TicketConfig    `yaml:"ticket"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	NATS      NATSConfig      `yaml:"nats"`
	JWT       JWTConfig       `yaml:"jwt"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Log       LogConfig       `yaml:"log"`
}

func (Config) GetConfigFileName() string {
	return "ppmessenger.yaml"
}

type NodeConfig struct {
	ID int64 `yaml:"id"` // 节点ID，参与雪花ID与跨节点去重
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// OpenRegistration exposes POST /api/user/ for creating users.
	OpenRegistration bool     `yaml:"open_registration"`
	AllowOrigins     []string `yaml:"allow_origins"`
}

type TicketConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	Backend string        `yaml:"backend"` // memory | redis
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// PostgresConfig selects the store. An empty DSN keeps everything in memory.
type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	MaxConns    int32  `yaml:"max_conns"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// NATSConfig enables cross-node fan-out when Servers is set.
type NATSConfig struct {
	Servers  []string `yaml:"servers"`
	Subject  string   `yaml:"subject"`
	User     string   `yaml:"user"`
	Password string   `yaml:"password"`
}

type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Alg    string        `yaml:"alg"`
	TTL    time.Duration `yaml:"ttl"`
}

type WebSocketConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteWait       time.Duration `yaml:"write_wait"`
	ReadLimit       int64         `yaml:"read_limit"`
	SendQueue       int           `yaml:"send_queue"`
	InboxSize       int           `yaml:"inbox_size"`
	CommandQueue    int           `yaml:"command_queue"`
	MaxConnsPerUser int           `yaml:"max_conns_per_user"`
	EvictOldest     bool          `yaml:"evict_oldest"`
}

type FanoutConfig struct {
	Workers int `yaml:"workers"`
	Queue   int `yaml:"queue"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration that runs a single in-memory node.
func Default() *Config {
	c := &Config{}
	c.norm()
	return c
}

func (c *Config) norm() {
	// 多节点时必须显式配置节点ID
	if c.Node.ID <= 0 && len(c.NATS.Servers) == 0 {
		c.Node.ID = 1
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.Ticket.TTL <= 0 {
		c.Ticket.TTL = 60 * time.Second
	}
	c.Ticket.Backend = strings.ToLower(strings.TrimSpace(c.Ticket.Backend))
	if c.Ticket.Backend == "" {
		c.Ticket.Backend = TicketBackendMemory
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "ppm.chat.events"
	}
	if c.JWT.Alg == "" {
		c.JWT.Alg = "HS256"
	}
	if c.JWT.TTL <= 0 {
		c.JWT.TTL = 24 * time.Hour
	}
	if c.WebSocket.PongWait <= 0 {
		c.WebSocket.PongWait = 60 * time.Second
	}
	if c.WebSocket.PingInterval <= 0 {
		c.WebSocket.PingInterval = 25 * time.Second
	}
	if c.WebSocket.WriteWait <= 0 {
		c.WebSocket.WriteWait = 10 * time.Second
	}
	if c.WebSocket.ReadLimit <= 0 {
		c.WebSocket.ReadLimit = 1 << 20
	}
	if c.WebSocket.SendQueue <= 0 {
		c.WebSocket.SendQueue = 256
	}
	if c.WebSocket.InboxSize <= 0 {
		c.WebSocket.InboxSize = 256
	}
	if c.WebSocket.CommandQueue <= 0 {
		c.WebSocket.CommandQueue = 16
	}
	if c.Fanout.Workers <= 0 {
		c.Fanout.Workers = 8
	}
	if c.Fanout.Queue <= 0 {
		c.Fanout.Queue = 1024
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports settings that have no usable default.
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return errs.ErrInternal.WrapMsg("config: jwt.secret is required")
	}
	if c.Node.ID <= 0 {
		return errs.ErrInternal.WrapMsg("config: node.id is required when nats.servers is set")
	}
	switch c.Ticket.Backend {
	case TicketBackendMemory, TicketBackendRedis:
	default:
		return errs.ErrInternal.WrapMsg("config: unknown ticket backend", "backend", c.Ticket.Backend)
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return errs.ErrInternal.WrapMsg("config: websocket.ping_interval must be below pong_wait")
	}
	return nil
}

// Load reads path (or the default file name when path is empty and the file
// exists) over the defaults.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path == "" {
		if _, err := os.Stat(c.GetConfigFileName()); err == nil {
			path = c.GetConfigFileName()
		}
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, errs.WrapMsg(err, "parse config", "path", path)
		}
	}
	c.norm()
	return c, nil
}

// FromArgs parses command-line flags, loads the config file they name and
// applies flag overrides.
func FromArgs(name string, args []string) (*Config, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	var (
		path     = fs.StringP("config", "c", "", "path to the YAML config file")
		addr     = fs.String("addr", "", "HTTP listen address, overrides http.addr")
		logLevel = fs.String("log-level", "", "log level, overrides log.level")
		nodeID   = fs.Int64("node-id", 0, "node id, overrides node.id")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	c, err := Load(*path)
	if err != nil {
		return nil, err
	}
	if *addr != "" {
		c.HTTP.Addr = *addr
	}
	if *logLevel != "" {
		c.Log.Level = *logLevel
	}
	if *nodeID > 0 {
		c.Node.ID = *nodeID
	}
	if v := os.Getenv("PPM_JWT_SECRET"); v != "" && c.JWT.Secret == "" {
		c.JWT.Secret = v
	}
	return c, c.Validate()
}
