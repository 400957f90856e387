package store

import (
	"flag"
	"fmt"

	"github.com/coocood/freecache"
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
)

const (
	EngineLRU       = "lru"
	EngineFreecache = "freecache"
)

// Store is a bounded key/value engine. Implementations are not safe for
// concurrent use; callers serialise access.
type Store interface {
	// Add inserts or overwrites key and marks it most recently used.
	// It reports whether an older entry was evicted to make room. On error
	// key is left absent.
	Add(key, value string) (evicted bool, err error)
	// Get returns the value for key and marks it most recently used.
	Get(key string) (string, bool)
	// Peek returns the value for key without touching recency.
	Peek(key string) (string, bool)
	Remove(key string) (string, bool)
	Len() int
	Purge()
}

// ErrTooLarge is returned by Add when an entry cannot fit the engine.
var ErrTooLarge = errors.New("entry too large")

type Config struct {
	Engine             string `yaml:"engine"`
	Capacity           int    `yaml:"capacity"`
	FreecacheSizeBytes int    `yaml:"freecache_size_bytes"`
}

// RegisterFlagsWithPrefix adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Engine, prefix+"engine", EngineLRU, "Cache engine: lru (entry bounded, strict LRU) or freecache (byte bounded).")
	f.IntVar(&cfg.Capacity, prefix+"capacity", 10, "Maximum number of entries held by the lru engine.")
	f.IntVar(&cfg.FreecacheSizeBytes, prefix+"freecache-size-bytes", 100*1024*1024, "Memory size in bytes of the freecache engine.")
}

func (cfg *Config) Validate() error {
	switch cfg.Engine {
	case EngineLRU:
		if cfg.Capacity <= 0 {
			return fmt.Errorf("invalid cache capacity %d, must be positive", cfg.Capacity)
		}
	case EngineFreecache:
		if cfg.FreecacheSizeBytes <= 0 {
			return fmt.Errorf("invalid freecache size %d, must be positive", cfg.FreecacheSizeBytes)
		}
	default:
		return fmt.Errorf("unknown cache engine %q", cfg.Engine)
	}
	return nil
}

func New(cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Engine {
	case EngineFreecache:
		return &freecacheStore{db: freecache.NewCache(cfg.FreecacheSizeBytes)}, nil
	default:
		db, err := lru.NewLRU[string, string](cfg.Capacity, nil)
		if err != nil {
			return nil, errors.Wrap(err, "creating lru store")
		}
		return &lruStore{db: db}, nil
	}
}

type lruStore struct {
	db *lru.LRU[string, string]
}

func (p *lruStore) Add(key, value string) (bool, error) { return p.db.Add(key, value), nil }
func (p *lruStore) Get(key string) (string, bool) { return p.db.Get(key) }
func (p *lruStore) Peek(key string) (string, bool) { return p.db.Peek(key) }
func (p *lruStore) Len() int { return p.db.Len() }
func (p *lruStore) Purge() { p.db.Purge() }
func (p *lruStore) Remove(key string) (string, bool) {
	value, ok := p.db.Peek(key)
	if !ok {
		return "", false
	}
	p.db.Remove(key)
	return value, true
}

// freecacheStore bounds memory rather than entry count. Eviction is the
// approximate LRU freecache runs per segment.
type freecacheStore struct {
	db *freecache.Cache
}

func (p *freecacheStore) Add(key, value string) (bool, error) {
	before := p.db.EvacuateCount()
	if err := p.db.Set([]byte(key), []byte(value), 0); err != nil {
		// freecache keeps the previous entry on a failed set.
		p.db.Del([]byte(key))
		return false, errors.Wrapf(ErrTooLarge, "%d byte entry: %v", len(key)+len(value), err)
	}
	return p.db.EvacuateCount() > before, nil
}

func (p *freecacheStore) Get(key string) (string, bool) {
	value, err := p.db.Get([]byte(key))
	if err != nil {
		return "", false
	}
	return string(value), true
}

func (p *freecacheStore) Peek(key string) (string, bool) {
	value, err := p.db.Peek([]byte(key))
	if err != nil {
		return "", false
	}
	return string(value), true
}

func (p *freecacheStore) Remove(key string) (string, bool) {
	value, err := p.db.Peek([]byte(key))
	if err != nil {
		return "", false
	}
	p.db.Del([]byte(key))
	return string(value), true
}

func (p *freecacheStore) Len() int { return int(p.db.EntryCount()) }
func (p *freecacheStore) Purge() { p.db.Clear() }
