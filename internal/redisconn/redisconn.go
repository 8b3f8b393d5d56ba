// Package redisconn turns a configuration section into a go-redis client.
package redisconn

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polisai/polis-mta/pkg/config"
)

// DefaultAddress is used when the section has no address key.
const DefaultAddress = "localhost:6379"

// Options reads address, db, username, password, and dial_timeout.
func Options(sec *config.Section) (*redis.Options, error) {
	db, err := sec.Int("db", 0)
	if err != nil {
		return nil, err
	}
	timeout, err := sec.Float("dial_timeout", 5)
	if err != nil {
		return nil, err
	}
	return &redis.Options{
		Addr:        sec.String("address", DefaultAddress),
		DB:          db,
		Username:    sec.String("username", ""),
		Password:    sec.String("password", ""),
		DialTimeout: time.Duration(timeout * float64(time.Second)),
	}, nil
}

// New builds a client from sec. The client connects lazily.
func New(sec *config.Section) (*redis.Client, error) {
	opts, err := Options(sec)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
