/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redis_db

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Redis wraps the universal client shared by locks, the routing cache and queues.
type Redis struct {
	addresses []string
	client    redis.UniversalClient
}

// ParseRedisURL turns a configured address into client options. Plain
// host:port addresses are used as-is; redis:// and rediss:// URLs are parsed,
// including password-only credentials.
func ParseRedisURL(rawURL string, skipTLSVerify bool) (*redis.Options, error) {
	if rawURL == "" {
		return nil, errors.New("redis address is empty")
	}

	if !strings.Contains(rawURL, "://") {
		host, password := rawURL, ""
		if at := strings.LastIndex(rawURL, "@"); at >= 0 {
			password = strings.TrimPrefix(rawURL[:at], ":")
			host = rawURL[at+1:]
		}
		return &redis.Options{Addr: host, Password: password}, nil
	}

	// redis://password@host is accepted as a password without a username.
	if strings.HasPrefix(rawURL, "redis://") {
		rest := strings.TrimPrefix(rawURL, "redis://")
		if at := strings.LastIndex(rest, "@"); at >= 0 && !strings.Contains(rest[:at], ":") {
			rawURL = "redis://:" + rest
		}
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	if opts.TLSConfig != nil && skipTLSVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 operator opt-in
	}
	return opts, nil
}

// NewRedisClient connects to a single node when one address is given and to a
// cluster otherwise. The connection is verified with a ping.
//
// Parameters:
// - addresses []string: One address for a standalone node, several for a cluster.
// - skipTLSVerify bool: Whether to skip TLS certificate verification.
//
// Returns:
// - *Redis: The connected client wrapper.
// - error: An error if an address is invalid or the ping fails.
func NewRedisClient(addresses []string, skipTLSVerify bool) (*Redis, error) {
	if len(addresses) == 0 {
		return nil, errors.New("redis addresses list cannot be empty")
	}

	var client redis.UniversalClient
	if len(addresses) == 1 {
		opts, err := ParseRedisURL(addresses[0], skipTLSVerify)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opts)
	} else {
		clusterOpts := &redis.UniversalOptions{}
		for _, addr := range addresses {
			opts, err := ParseRedisURL(addr, skipTLSVerify)
			if err != nil {
				return nil, err
			}
			clusterOpts.Addrs = append(clusterOpts.Addrs, opts.Addr)
			if clusterOpts.Password == "" {
				clusterOpts.Password = opts.Password
			}
			if opts.TLSConfig != nil && clusterOpts.TLSConfig == nil {
				clusterOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: skipTLSVerify} // #nosec G402
			}
		}
		client = redis.NewUniversalClient(clusterOpts)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{addresses: addresses, client: client}, nil
}

// Client returns the underlying universal client.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// AsynqOptions converts a configured address into asynq connection options.
func AsynqOptions(rawURL string, skipTLSVerify bool) (asynq.RedisClientOpt, error) {
	opts, err := ParseRedisURL(rawURL, skipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      opts.Addr,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}, nil
}
