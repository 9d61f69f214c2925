package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Server configures cmd/fleet-api.
type Server struct {
	Debug bool

	StorageConnection string
	WorkOrdersTable   string
	BoardEventsQueue  string

	RedisConnection     string
	BoardUpdatesChannel string
	DeduperTTL          time.Duration
	SnapshotCacheTTL    time.Duration

	Auth0Domain   string
	Auth0Audience string
	// LocalAuth accepts HS256 tokens signed with LocalAuthSecret instead of Auth0 tokens.
	LocalAuth       bool
	LocalAuthSecret string

	ListenAddr string
}

// Client configures cmd/board-watch.
type Client struct {
	Debug bool

	APIURL    string
	StreamURL string
	Token     string
	BoardID   string

	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	SeenEventsCap     int
	MoveTimeout       time.Duration
}

// LoadServer reads the server configuration from the environment.
func LoadServer() (Server, error) {
	var errs []error
	cfg := Server{
		Debug:               envBool("DEBUG", false, &errs),
		StorageConnection:   os.Getenv("STORAGE_CONNECTION_STRING"),
		WorkOrdersTable:     envString("WORK_ORDERS_TABLE", "WorkOrders"),
		BoardEventsQueue:    envString("BOARD_EVENTS_QUEUE", "board-events"),
		RedisConnection:     os.Getenv("REDIS_CONNECTION_STRING"),
		BoardUpdatesChannel: envString("BOARD_UPDATES_CHANNEL", "board-updates"),
		DeduperTTL:          envDur("DEDUPER_TTL", 24*time.Hour, &errs),
		SnapshotCacheTTL:    envDur("SNAPSHOT_CACHE_TTL", time.Minute, &errs),
		Auth0Domain:         os.Getenv("AUTH0_DOMAIN"),
		Auth0Audience:       os.Getenv("AUTH0_AUDIENCE"),
		LocalAuth:           envBool("LOCAL_AUTH_MODE", false, &errs),
		LocalAuthSecret:     os.Getenv("LOCAL_AUTH_SHARED_SECRET"),
		ListenAddr:          ":" + envString("FLEET_API_PORT", "8080"),
	}
	if cfg.StorageConnection == "" {
		errs = append(errs, errors.New("missing STORAGE_CONNECTION_STRING"))
	}
	if cfg.RedisConnection == "" {
		errs = append(errs, errors.New("missing REDIS_CONNECTION_STRING"))
	}
	if cfg.LocalAuth {
		if cfg.LocalAuthSecret == "" {
			errs = append(errs, errors.New("LOCAL_AUTH_MODE requires LOCAL_AUTH_SHARED_SECRET"))
		}
	} else if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
		errs = append(errs, errors.New("missing Auth0 config"))
	}
	return cfg, errors.Join(errs...)
}

// LoadClient reads the board client configuration from the environment.
func LoadClient() (Client, error) {
	var errs []error
	cfg := Client{
		Debug:             envBool("DEBUG", false, &errs),
		APIURL:            strings.TrimRight(os.Getenv("FLEET_API_URL"), "/"),
		StreamURL:         strings.TrimRight(os.Getenv("FLEET_WS_URL"), "/"),
		Token:             os.Getenv("FLEET_TOKEN"),
		BoardID:           os.Getenv("BOARD_ID"),
		ReconnectBase:     envDur("RECONNECT_BASE", time.Second, &errs),
		ReconnectMax:      envDur("RECONNECT_MAX", 30*time.Second, &errs),
		ReconnectAttempts: envInt("RECONNECT_ATTEMPTS", 10, &errs),
		SeenEventsCap:     envInt("SEEN_EVENTS_CAP", 4096, &errs),
		MoveTimeout:       envDur("MOVE_TIMEOUT", 15*time.Second, &errs),
	}
	if cfg.APIURL == "" {
		errs = append(errs, errors.New("missing FLEET_API_URL"))
	}
	if cfg.BoardID == "" {
		errs = append(errs, errors.New("missing BOARD_ID"))
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = cfg.APIURL
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		errs = append(errs, fmt.Errorf("RECONNECT_MAX %s is below RECONNECT_BASE %s", cfg.ReconnectMax, cfg.ReconnectBase))
	}
	return cfg, errors.Join(errs...)
}

// RedisOptions accepts either a redis:// URL or an Azure style
// "host:port,password=...,ssl=true" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s: %q", key, v))
		return def
	}
	return n
}

func envDur(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s: %q", key, v))
		return def
	}
	return d
}

func envBool(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %q", key, v))
		return def
	}
	return b
}
