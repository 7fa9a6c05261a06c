package userstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const accountKeyPrefix = "account:"

// RedisStore reads accounts the user service mirrors into redis hashes:
//
//	HSET account:<id> username alice role editor permissions content.write,theme.write active 1
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func AccountKey(userID string) string { return accountKeyPrefix + userID }

func (s *RedisStore) Lookup(ctx context.Context, userID string) (Account, error) {
	fields, err := s.client.HGetAll(ctx, AccountKey(userID)).Result()
	if err != nil {
		return Account{}, fmt.Errorf("redis lookup %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return Account{}, ErrNotFound
	}
	return accountFromHash(userID, fields), nil
}

func accountFromHash(userID string, fields map[string]string) Account {
	a := Account{
		ID:       userID,
		Username: fields["username"],
		Role:     fields["role"],
		Active:   true,
	}
	if raw, ok := fields["active"]; ok {
		if v, err := strconv.ParseBool(raw); err == nil {
			a.Active = v
		} else {
			a.Active = false
		}
	}
	for _, p := range strings.Split(fields["permissions"], ",") {
		if p = strings.TrimSpace(p); p != "" {
			a.Permissions = append(a.Permissions, p)
		}
	}
	return a
}
