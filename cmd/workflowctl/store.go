package main

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	goredis "github.com/redis/go-redis/v9"

	"github.com/goliatone/go-workflow/checkpoint"
)

// openStore resolves a store spec:
//
//	memory
//	sqlite:<path>        (sqlite::memory: for a throwaway database)
//	redis://host:port/db
func openStore(spec, codecName string, ttl time.Duration) (checkpoint.Store, func() error, error) {
	codec, ok := checkpoint.CodecByName(codecName)
	if !ok {
		return nil, nil, fmt.Errorf("unknown codec %q", codecName)
	}
	nop := func() error { return nil }

	switch {
	case spec == "" || spec == "memory":
		return checkpoint.NewMemoryStore(), nop, nil

	case strings.HasPrefix(spec, "sqlite:"):
		path := strings.TrimPrefix(spec, "sqlite:")
		if path == "" {
			return nil, nil, fmt.Errorf("sqlite store requires a path")
		}
		db, err := sql.Open("sqlite3", path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", path, err)
		}
		// sqlite serialises writers anyway, one connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
		return checkpoint.NewSQLStore(db), db.Close, nil

	case strings.HasPrefix(spec, "redis://"), strings.HasPrefix(spec, "rediss://"):
		opts, err := goredis.ParseURL(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		store := checkpoint.NewRedisStore(
			checkpoint.NewGoRedisClient(client),
			checkpoint.WithCodec(codec),
			checkpoint.WithTTL(ttl),
		)
		return store, client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store %q, want memory, sqlite:<path> or redis://", spec)
	}
}
