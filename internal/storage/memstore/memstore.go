package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/kyrie2014/UsbRelay/internal/storage"
)

// Store 纯内存实现，供单测与无数据库的独立运行使用
type Store struct {
	mu       sync.RWMutex
	bindings map[string]storage.Binding

	records []Record
}

// Record 内存中的一条恢复记录
type Record struct {
	Serial   string
	Outcome  storage.Outcome
	Attempts int
	At       time.Time
}

// New 创建空存储
func New() *Store {
	return &Store{bindings: make(map[string]storage.Binding)}
}

var (
	_ storage.BindingStore = (*Store)(nil)
	_ storage.StatsSink    = (*Store)(nil)
)

func (s *Store) Get(_ context.Context, serial string) (storage.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[serial]
	if !ok {
		return storage.Binding{}, storage.ErrNotFound
	}
	return b, nil
}

func (s *Store) Put(_ context.Context, b storage.Binding, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !force && b.PortIndex != 0 {
		for _, existing := range s.bindings {
			if existing.PortIndex == b.PortIndex && existing.Serial != b.Serial {
				return storage.ErrBindingConflict
			}
		}
	}
	s.bindings[b.Serial] = b
	return nil
}

func (s *Store) Delete(_ context.Context, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, serial)
	return nil
}

func (s *Store) List(_ context.Context) ([]storage.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b)
	}
	return out, nil
}

func (s *Store) RecordRecovery(_ context.Context, serial string, outcome storage.Outcome, attempts int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, Record{Serial: serial, Outcome: outcome, Attempts: attempts, At: at})
	return nil
}

// Records 返回已落库记录的副本（测试用）
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}
