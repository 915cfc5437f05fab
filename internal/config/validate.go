package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *BrokerConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("server.addr %q is not host:port: %w", c.Server.Addr, err)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /, got %q", c.Server.Path)
	}

	if c.Connections.SendBufferSize < 1 {
		return errors.New("connections.send_buffer_size must be >= 1")
	}
	if c.Connections.MaxSendBufferSize < c.Connections.SendBufferSize {
		return fmt.Errorf("connections.max_send_buffer_size (%d) cannot be below send_buffer_size (%d)",
			c.Connections.MaxSendBufferSize, c.Connections.SendBufferSize)
	}
	if c.Connections.MaxMessageSize < 1 {
		return errors.New("connections.max_message_size must be >= 1")
	}
	if c.Connections.PingInterval >= c.Connections.PongTimeout {
		return fmt.Errorf("connections.ping_interval (%v) must be shorter than pong_timeout (%v)",
			c.Connections.PingInterval, c.Connections.PongTimeout)
	}

	if c.Audit.Enabled {
		if err := c.Audit.Database.validate("audit.database"); err != nil {
			return err
		}
		if c.Audit.BatchSize < 1 {
			return errors.New("audit.batch_size must be >= 1")
		}
		if c.Audit.BufferSize < 1 {
			return errors.New("audit.buffer_size must be >= 1")
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
