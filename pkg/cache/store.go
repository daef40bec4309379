package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/tataru-assistant/tataru"
	"go.uber.org/zap"
)

// Config holds configuration for the translation cache
type Config struct {
	MaxSize          int           // Main tier capacity
	SessionMaxSize   int           // Session tier capacity (0 disables promotion)
	PromoteThreshold int           // Hits needed before a main entry moves to the session tier
	DemoteThreshold  int           // Session entries below this frequency are demoted on cleanup
	CleanupInterval  time.Duration // How often the session tier is swept (0 = never)
	AutosaveInterval time.Duration // How often a dirty cache is saved (0 = never)
	MaxPreloadLength int           // Preloaded source texts must be shorter than this, in runes
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		MaxSize:          10000,
		SessionMaxSize:   500,
		PromoteThreshold: 3,
		DemoteThreshold:  2,
		CleanupInterval:  10 * time.Minute,
		AutosaveInterval: 5 * time.Minute,
		MaxPreloadLength: 200,
	}
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used for persistence and maintenance events
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPersister sets the backend used by Load and Save
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithKeyBuilder sets the key builder used by Preload
func WithKeyBuilder(kb *KeyBuilder) Option {
	return func(s *Store) {
		if kb != nil {
			s.keys = kb
		}
	}
}

// Store is a two-tier translation cache.
//
// The main tier is an LRU of fixed capacity. Keys hit PromoteThreshold times
// move into the smaller session tier, which is checked first. A key lives in
// exactly one tier at a time.
type Store struct {
	mu      sync.Mutex
	main    *simplelru.LRU[string, string]
	session map[string]string
	freq    map[string]int
	stats   Stats
	version uint64 // bumped on every content change
	saved   uint64 // version of the last successful save

	config    *Config
	keys      *KeyBuilder
	persister Persister
	logger    *zap.Logger

	saveMu      sync.Mutex
	stopCleanup chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

// NewStore creates a cache and starts its background maintenance
func NewStore(config *Config, opts ...Option) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SessionMaxSize < 0 {
		return nil, errors.New("session tier size must not be negative")
	}

	main, err := simplelru.NewLRU[string, string](config.MaxSize, nil)
	if err != nil {
		return nil, fmt.Errorf("create main tier: %w", err)
	}

	s := &Store{
		main:        main,
		session:     make(map[string]string),
		freq:        make(map[string]int),
		config:      config,
		keys:        NewKeyBuilder(),
		logger:      zap.NewNop(),
		stopCleanup: make(chan struct{}),
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if config.CleanupInterval > 0 || config.AutosaveInterval > 0 {
		go s.startCleanup()
	} else {
		close(s.done)
	}

	return s, nil
}

// Get looks a key up in the session tier, then the main tier.
// A main tier hit refreshes recency and may promote the entry.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.session[key]; ok {
		s.freq[key]++
		s.stats.Hits++
		s.stats.SessionHits++
		return value, true
	}

	value, ok := s.main.Get(key)
	if !ok {
		s.stats.Misses++
		return "", false
	}

	s.stats.Hits++
	s.freq[key]++
	if s.config.SessionMaxSize > 0 && s.freq[key] >= s.config.PromoteThreshold {
		s.promote(key, value)
	}

	return value, true
}

// Peek looks a key up without touching recency, frequency or statistics
func (s *Store) Peek(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.session[key]; ok {
		return value, true
	}
	return s.main.Peek(key)
}

// Set stores a translation. Session members are overwritten in place,
// everything else goes to the main tier.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.session[key]; ok {
		s.session[key] = value
	} else {
		s.addMain(key, value)
	}
	s.version++
}

// Preload inserts source/translation pairs for engine and target language.
// Empty pairs and sources of MaxPreloadLength runes or more are skipped.
// Entries are keyed as sentences unless types are given.
func (s *Store) Preload(pairs []Pair, engine, to string, types ...tataru.TextType) int {
	if len(types) == 0 {
		types = []tataru.TextType{tataru.TypeSentence}
	}

	count := 0
	for _, p := range pairs {
		if p.Source == "" || p.Translation == "" {
			continue
		}
		if s.config.MaxPreloadLength > 0 && utf8.RuneCountInString(p.Source) >= s.config.MaxPreloadLength {
			continue
		}
		for _, typ := range types {
			s.Set(s.keys.Build(p.Source, engine, nil, to, typ), p.Translation)
		}
		count++
	}

	s.logger.Info("translation cache preloaded",
		zap.Int("entries", count),
		zap.String("engine", engine),
		zap.String("to", to),
	)

	return count
}

// Clear empties both tiers and the frequency records, resets the statistics,
// then saves the empty cache
func (s *Store) Clear() {
	s.mu.Lock()
	size := s.main.Len() + len(s.session)
	s.main.Purge()
	s.session = make(map[string]string)
	s.freq = make(map[string]int)
	s.version++
	s.mu.Unlock()

	s.ResetStats()
	s.logger.Info("translation cache cleared", zap.Int("removed", size))

	if err := s.Save(context.Background()); err != nil {
		s.logger.Warn("failed to save cleared translation cache", zap.Error(err))
	}
}

// CleanupSession demotes session entries whose frequency fell below
// DemoteThreshold and halves the frequency of the rest.
// It returns the number of demoted entries.
func (s *Store) CleanupSession() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	demoted := 0
	for key := range s.session {
		frequency := s.freq[key]
		if frequency < s.config.DemoteThreshold {
			s.demote(key)
			demoted++
		} else {
			s.freq[key] = frequency / 2
		}
	}

	return demoted
}

// Stats returns cache statistics
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.Size = s.main.Len()
	st.MaxSize = s.config.MaxSize
	st.SessionSize = len(s.session)
	st.SessionMaxSize = s.config.SessionMaxSize
	st.Tracked = len(s.freq)

	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	if st.Hits > 0 {
		st.SessionHitRate = float64(st.SessionHits) / float64(st.Hits)
	}
	if st.MaxSize > 0 {
		st.Usage = float64(st.Size) / float64(st.MaxSize)
	}

	return st
}

// ResetStats zeroes the counters
func (s *Store) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats = Stats{}
}

// Dirty reports whether the cache changed since the last save
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.version != s.saved
}

// Load replaces the main tier with the persisted snapshot.
// On failure the cache stays empty and the error is returned for logging.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	entries, err := s.persister.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to load translation cache, starting empty", zap.Error(err))
		return fmt.Errorf("load cache: %w", err)
	}

	s.mu.Lock()
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		s.main.Add(e.Key, e.Value)
	}
	s.saved = s.version
	size := s.main.Len()
	s.mu.Unlock()

	s.logger.Info("translation cache loaded", zap.Int("entries", size))
	return nil
}

// Save writes a snapshot if anything changed since the last save.
// Saves never overlap.
func (s *Store) Save(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if s.version == s.saved {
		s.mu.Unlock()
		return nil
	}
	entries := s.snapshot()
	version := s.version
	s.mu.Unlock()

	if err := s.persister.Save(ctx, entries); err != nil {
		return fmt.Errorf("save cache: %w", err)
	}

	s.mu.Lock()
	s.saved = version
	s.mu.Unlock()

	s.logger.Debug("translation cache saved", zap.Int("entries", len(entries)))
	return nil
}

// Close stops background maintenance, saves pending changes and closes the persister
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.done

		err = s.Save(context.Background())
		if s.persister != nil {
			if cerr := s.persister.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// promote moves key from the main tier into the session tier.
// A full session tier first demotes its least frequently used member.
func (s *Store) promote(key, value string) {
	s.main.Remove(key)

	if len(s.session) >= s.config.SessionMaxSize {
		victim, lowest := "", 0
		for k := range s.session {
			if f := s.freq[k]; victim == "" || f < lowest {
				victim, lowest = k, f
			}
		}
		if victim != "" {
			s.demote(victim)
		}
	}

	s.session[key] = value
	s.stats.Promotions++
}

// demote moves key from the session tier back into the main tier.
// Its frequency is forgotten so it has to earn promotion again.
func (s *Store) demote(key string) {
	value := s.session[key]
	delete(s.session, key)
	delete(s.freq, key)
	s.addMain(key, value)
	s.stats.Demotions++
}

// addMain inserts into the main tier, counting an eviction if one happens
func (s *Store) addMain(key, value string) {
	var victim string
	if !s.main.Contains(key) && s.main.Len() >= s.config.MaxSize {
		victim, _, _ = s.main.GetOldest()
	}

	if evicted := s.main.Add(key, value); evicted {
		s.stats.Evictions++
		delete(s.freq, victim)
	}
}

// snapshot lists main entries from oldest to newest, then session entries
func (s *Store) snapshot() []Entry {
	entries := make([]Entry, 0, s.main.Len()+len(s.session))
	for _, key := range s.main.Keys() {
		if value, ok := s.main.Peek(key); ok {
			entries = append(entries, Entry{Key: key, Value: value})
		}
	}
	for key, value := range s.session {
		entries = append(entries, Entry{Key: key, Value: value})
	}
	return entries
}

// startCleanup runs session sweeps and autosaves until Close
func (s *Store) startCleanup() {
	defer close(s.done)

	var cleanupC, autosaveC <-chan time.Time
	if s.config.CleanupInterval > 0 {
		ticker := time.NewTicker(s.config.CleanupInterval)
		defer ticker.Stop()
		cleanupC = ticker.C
	}
	if s.config.AutosaveInterval > 0 {
		ticker := time.NewTicker(s.config.AutosaveInterval)
		defer ticker.Stop()
		autosaveC = ticker.C
	}

	for {
		select {
		case <-cleanupC:
			if demoted := s.CleanupSession(); demoted > 0 {
				s.logger.Debug("session tier cleaned", zap.Int("demoted", demoted))
			}
		case <-autosaveC:
			if err := s.Save(context.Background()); err != nil {
				s.logger.Warn("translation cache autosave failed", zap.Error(err))
			}
		case <-s.stopCleanup:
			return
		}
	}
}
