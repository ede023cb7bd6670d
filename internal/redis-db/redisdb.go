package redis_db

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Redis wraps the client shared by the broker, the terminal outcome cache,
// the reconciler lock and the webhook queue.
type Redis struct {
	addresses []string
	opts      *redis.Options
	client    redis.UniversalClient
}

// ParseRedisURL turns a configured address into client options. Plain
// host:port values are used as is, redis:// and rediss:// URLs are parsed, and
// a password-only userinfo ("redis://secret@host") is accepted.
func ParseRedisURL(rawURL string, skipTLSVerify bool) (*redis.Options, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	if !strings.Contains(rawURL, "//") && !strings.Contains(rawURL, "@") {
		return &redis.Options{Addr: rawURL}, nil
	}

	if rest, ok := strings.CutPrefix(rawURL, "redis://"); ok {
		if userinfo, host, found := strings.Cut(rest, "@"); found && !strings.Contains(userinfo, ":") {
			rawURL = fmt.Sprintf("redis://:%s@%s", userinfo, host)
		}
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	if opts.TLSConfig != nil && skipTLSVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return opts, nil
}

// NewRedisClient connects to a single instance, or to a cluster when
// addresses holds more than one entry, and pings it before returning.
func NewRedisClient(addresses []string, skipTLSVerify bool) (*Redis, error) {
	if len(addresses) == 0 {
		return nil, errors.New("redis addresses list cannot be empty")
	}

	opts, err := ParseRedisURL(addresses[0], skipTLSVerify)
	if err != nil {
		return nil, err
	}

	var client redis.UniversalClient
	if len(addresses) == 1 {
		client = redis.NewClient(opts)
	} else {
		clusterAddrs := make([]string, 0, len(addresses))
		for _, addr := range addresses {
			o, err := ParseRedisURL(addr, skipTLSVerify)
			if err != nil {
				return nil, err
			}
			clusterAddrs = append(clusterAddrs, o.Addr)
		}
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:     clusterAddrs,
			Username:  opts.Username,
			Password:  opts.Password,
			TLSConfig: opts.TLSConfig,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{addresses: addresses, opts: opts, client: client}, nil
}

// SplitAddresses reads a comma separated DNS setting.
func SplitAddresses(dns string) []string {
	var addresses []string
	for _, addr := range strings.Split(dns, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			addresses = append(addresses, addr)
		}
	}
	return addresses
}

func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// AsynqConnOpt returns connection options for the webhook queue.
func (r *Redis) AsynqConnOpt() asynq.RedisConnOpt {
	if len(r.addresses) > 1 {
		addrs := make([]string, 0, len(r.addresses))
		for _, a := range r.addresses {
			if o, err := ParseRedisURL(a, false); err == nil {
				addrs = append(addrs, o.Addr)
			}
		}
		return asynq.RedisClusterClientOpt{Addrs: addrs, Username: r.opts.Username, Password: r.opts.Password, TLSConfig: r.opts.TLSConfig}
	}
	return asynq.RedisClientOpt{
		Addr:      r.opts.Addr,
		Username:  r.opts.Username,
		Password:  r.opts.Password,
		DB:        r.opts.DB,
		TLSConfig: r.opts.TLSConfig,
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
