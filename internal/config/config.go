package config

import "time"

// BrokerConfig is the root configuration for a broker process.
type BrokerConfig struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Server      ServerConfig      `yaml:"server"`
	Connections ConnectionsConfig `yaml:"connections"`
	Audit       AuditConfig       `yaml:"audit"`
	Log         LogConfig         `yaml:"log"`
}

// InstanceConfig identifies this broker.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	Path              string        `yaml:"path"` // websocket endpoint
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ConnectionsConfig holds per-connection limits.
type ConnectionsConfig struct {
	SendBufferSize    int           `yaml:"send_buffer_size"`     // initial outbound queue capacity
	MaxSendBufferSize int           `yaml:"max_send_buffer_size"` // outbound queue ceiling
	MaxMessageSize    int64         `yaml:"max_message_size"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout"`
}

// AuditConfig holds the broker event journal settings.
// The journal is off unless Enabled is set.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
