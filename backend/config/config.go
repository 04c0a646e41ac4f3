package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"collabSync/backend/internal/breaker"
	"collabSync/backend/internal/transport"
	"collabSync/backend/internal/ws"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queue_size"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"max_retry"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret    string        `mapstructure:"secret"`
		AccessTTL time.Duration `mapstructure:"access_ttl"`
	} `mapstructure:"auth"`
	Relay struct {
		RingCapacity      int           `mapstructure:"ring_capacity"`
		SubmitConcurrency int           `mapstructure:"submit_concurrency"`
		SendQueue         int           `mapstructure:"send_queue"`
		IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
		SubmitTimeout     time.Duration `mapstructure:"submit_timeout"`
		PresenceTTL       time.Duration `mapstructure:"presence_ttl"`
	} `mapstructure:"relay"`
	Client struct {
		ServerURL   string        `mapstructure:"server_url"`
		HTTPURL     string        `mapstructure:"http_url"`
		Token       string        `mapstructure:"token"`
		Heartbeat   time.Duration `mapstructure:"heartbeat"`
		PongTimeout time.Duration `mapstructure:"pong_timeout"`
		IdleDelay   time.Duration `mapstructure:"idle_delay"`
		Reconnect   struct {
			MaxAttempts int           `mapstructure:"max_attempts"`
			Base        time.Duration `mapstructure:"base"`
			Max         time.Duration `mapstructure:"max"`
			Multiplier  float64       `mapstructure:"multiplier"`
			Jitter      time.Duration `mapstructure:"jitter"`
		} `mapstructure:"reconnect"`
		Breaker struct {
			Threshold  int           `mapstructure:"threshold"`
			Timeout    time.Duration `mapstructure:"timeout"`
			MaxRetries int           `mapstructure:"max_retries"`
			BaseDelay  time.Duration `mapstructure:"base_delay"`
			MaxDelay   time.Duration `mapstructure:"max_delay"`
		} `mapstructure:"breaker"`
		Presence struct {
			Throttle time.Duration `mapstructure:"throttle"`
			Timeout  time.Duration `mapstructure:"timeout"`
		} `mapstructure:"presence"`
	} `mapstructure:"client"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8081)
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.max_retry", 3)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.access_ttl", 24*time.Hour)

	rs := ws.DefaultSettings()
	v.SetDefault("relay.ring_capacity", 1024)
	v.SetDefault("relay.submit_concurrency", 100)
	v.SetDefault("relay.send_queue", rs.SendQueue)
	v.SetDefault("relay.idle_timeout", rs.IdleTimeout)
	v.SetDefault("relay.submit_timeout", rs.SubmitTimeout)
	v.SetDefault("relay.presence_ttl", rs.PresenceTTL)

	ts := transport.DefaultSettings()
	bo := breaker.DefaultOptions()
	v.SetDefault("client.server_url", "ws://localhost:8081/collab/ws")
	v.SetDefault("client.http_url", "http://localhost:8081")
	v.SetDefault("client.token", "")
	v.SetDefault("client.heartbeat", ts.HeartbeatInterval)
	v.SetDefault("client.pong_timeout", ts.PongTimeout)
	v.SetDefault("client.idle_delay", 100*time.Millisecond)
	v.SetDefault("client.reconnect.max_attempts", ts.MaxReconnectAttempts)
	v.SetDefault("client.reconnect.base", ts.ReconnectBase)
	v.SetDefault("client.reconnect.max", ts.ReconnectMax)
	v.SetDefault("client.reconnect.multiplier", ts.ReconnectMultiplier)
	v.SetDefault("client.reconnect.jitter", ts.ReconnectJitter)
	v.SetDefault("client.breaker.threshold", bo.Threshold)
	v.SetDefault("client.breaker.timeout", bo.Timeout)
	v.SetDefault("client.breaker.max_retries", bo.MaxRetries)
	v.SetDefault("client.breaker.base_delay", bo.BaseDelay)
	v.SetDefault("client.breaker.max_delay", bo.MaxDelay)
	v.SetDefault("client.presence.throttle", 50*time.Millisecond)
	v.SetDefault("client.presence.timeout", 30*time.Second)
}

// Load reads collabConfig.yaml from paths (default: ./backend/config, ./config,
// .), so binaries start from the repo root or from backend/. A missing
// file is fine; COLLAB_* variables override either, e.g.
// COLLAB_CLIENT_SERVER_URL.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) TransportSettings() *transport.Settings {
	s := transport.DefaultSettings()
	s.HeartbeatInterval = c.Client.Heartbeat
	s.PongTimeout = c.Client.PongTimeout
	s.MaxReconnectAttempts = c.Client.Reconnect.MaxAttempts
	s.ReconnectBase = c.Client.Reconnect.Base
	s.ReconnectMax = c.Client.Reconnect.Max
	s.ReconnectMultiplier = c.Client.Reconnect.Multiplier
	s.ReconnectJitter = c.Client.Reconnect.Jitter
	return s
}

func (c *Config) BreakerOptions() breaker.Options {
	b := c.Client.Breaker
	o := breaker.DefaultOptions()
	o.Threshold = b.Threshold
	o.Timeout = b.Timeout
	o.MaxRetries = b.MaxRetries
	o.BaseDelay = b.BaseDelay
	o.MaxDelay = b.MaxDelay
	return o
}

func (c *Config) RelaySettings() ws.Settings {
	s := ws.DefaultSettings()
	r := c.Relay
	if r.SendQueue > 0 {
		s.SendQueue = r.SendQueue
	}
	if r.IdleTimeout > 0 {
		s.IdleTimeout = r.IdleTimeout
	}
	if r.SubmitTimeout > 0 {
		s.SubmitTimeout = r.SubmitTimeout
	}
	if r.PresenceTTL > 0 {
		s.PresenceTTL = r.PresenceTTL
	}
	return s
}
