package genstore

import (
	"context"
	"sync"
	"time"
)

type localGen struct {
	gen      uint64
	bumpedAt time.Time
}

// LocalGenStore keeps generations in-process.
// With cleanupInterval and retention > 0 a goroutine prunes generations
// untouched for longer than retention; a pruned key reads as 0 again, which is
// only observable by a read that stayed in flight for the whole retention.
type LocalGenStore struct {
	mu   sync.RWMutex
	gens map[string]localGen

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ GenStore = (*LocalGenStore)(nil)

func NewLocalGenStore(cleanupInterval, retention time.Duration) *LocalGenStore {
	s := &LocalGenStore{gens: make(map[string]localGen)}
	if cleanupInterval > 0 && retention > 0 {
		s.ticker = time.NewTicker(cleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.loop(retention)
	}
	return s
}

func (s *LocalGenStore) loop(retention time.Duration) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.Cleanup(retention)
		case <-s.stopCh:
			return
		}
	}
}

func (s *LocalGenStore) Snapshot(_ context.Context, k string) (uint64, error) {
	s.mu.RLock()
	g := s.gens[k].gen
	s.mu.RUnlock()
	return g, nil
}

func (s *LocalGenStore) Bump(_ context.Context, k string) (uint64, error) {
	now := time.Now()
	s.mu.Lock()
	e := s.gens[k]
	e.gen++
	e.bumpedAt = now
	s.gens[k] = e
	s.mu.Unlock()
	return e.gen, nil
}

// BumpMany takes the write lock once for all keys.
func (s *LocalGenStore) BumpMany(_ context.Context, ks []string) error {
	if len(ks) == 0 {
		return nil
	}
	now := time.Now()
	s.mu.Lock()
	for _, k := range ks {
		e := s.gens[k]
		e.gen++
		e.bumpedAt = now
		s.gens[k] = e
	}
	s.mu.Unlock()
	return nil
}

func (s *LocalGenStore) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	for k, e := range s.gens {
		if e.bumpedAt.Before(cutoff) {
			delete(s.gens, k)
		}
	}
	s.mu.Unlock()
}

func (s *LocalGenStore) Close(_ context.Context) error {
	s.once.Do(func() {
		if s.stopCh != nil {
			s.ticker.Stop()
			close(s.stopCh)
			s.wg.Wait()
		}
	})
	return nil
}
