package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is the in-process backend, used by tests and AUTH-less dev runs.
type Memory struct {
	mu      sync.Mutex
	records map[string][]byte // "kind/id" -> JSON document
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string][]byte)}
}

func memKey(kind, id string) string { return kind + "/" + id }

func (m *Memory) Get(ctx context.Context, kind, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.records[memKey(kind, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Save(ctx context.Context, kind, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[memKey(kind, id)] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Update(ctx context.Context, kind, id string, partial map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.records[memKey(kind, id)]
	if !ok {
		return ErrNotFound
	}
	merged, err := mergeJSON(data, partial)
	if err != nil {
		return err
	}
	m.records[memKey(kind, id)] = merged
	return nil
}

func (m *Memory) Delete(ctx context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, memKey(kind, id))
	return nil
}

func (m *Memory) Keys(ctx context.Context, kind, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	head := memKey(kind, prefix)
	var out []string
	for key := range m.records {
		if strings.HasPrefix(key, head) {
			out = append(out, strings.TrimPrefix(key, kind+"/"))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }
