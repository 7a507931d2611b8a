package store

import "fmt"

// Options selects and configures a StateStore backend.
type Options struct {
	Backend   string // "memory", "badger", "redis"
	Path      string // badger data dir
	RedisAddr string
	RedisPass string
	RedisDB   int
}

// Open creates a StateStore based on the backend configuration.
func Open(opts Options) (StateStore, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "badger":
		if opts.Path == "" {
			return nil, fmt.Errorf("badger backend requires a data path")
		}
		return OpenBadgerStore(opts.Path)
	case "redis":
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("redis backend requires an address")
		}
		return OpenRedisStore(opts.RedisAddr, opts.RedisPass, opts.RedisDB)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", opts.Backend)
	}
}
