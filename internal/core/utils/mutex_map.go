package utils

import (
	"fmt"
	"sync"
)

// MutexMap hands out one mutex per key. Entries are dropped once nobody holds
// or waits on them, so the map only grows with the number of active keys.
type MutexMap struct {
	edit         sync.Mutex
	queueLengths map[string]int
	mutexes      map[string]*sync.Mutex
	maxSize      int
}

func NewMutexMap(maxSize int) *MutexMap {
	return &MutexMap{
		queueLengths: make(map[string]int),
		mutexes:      make(map[string]*sync.Mutex),
		maxSize:      maxSize,
	}
}

func (m *MutexMap) entry(key string) (*sync.Mutex, error) {
	mu := m.mutexes[key]
	if mu == nil {
		if len(m.mutexes) >= m.maxSize {
			return nil, fmt.Errorf("max size reached")
		}
		mu = &sync.Mutex{}
		m.mutexes[key] = mu
	}
	m.queueLengths[key]++
	return mu, nil
}

func (m *MutexMap) release(key string) {
	m.queueLengths[key]--
	if m.queueLengths[key] == 0 {
		delete(m.mutexes, key)
		delete(m.queueLengths, key)
	}
}

func (m *MutexMap) Lock(key string) error {
	m.edit.Lock()
	mu, err := m.entry(key)
	m.edit.Unlock()
	if err != nil {
		return err
	}

	mu.Lock()
	return nil
}

// TryLock acquires the key only if nobody else holds it.
func (m *MutexMap) TryLock(key string) (bool, error) {
	m.edit.Lock()
	defer m.edit.Unlock()

	mu, err := m.entry(key)
	if err != nil {
		return false, err
	}

	if !mu.TryLock() {
		m.release(key)
		return false, nil
	}
	return true, nil
}

func (m *MutexMap) Unlock(key string) error {
	m.edit.Lock()
	defer m.edit.Unlock()

	mu := m.mutexes[key]
	if mu == nil {
		return fmt.Errorf("key %s not found", key)
	}

	mu.Unlock()
	m.release(key)

	return nil
}
