package cache

import (
	"sync"
	"time"
)

// Clock abstracts time for TTL expiry so tests can advance it manually.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type entry struct {
	value   []byte
	token   Token
	expires time.Time // zero means no expiry
}

// Memory is an in-process Store with per-key CAS tokens and lazy TTL
// expiry. It mirrors the external cache protocol closely enough that the
// repository's retry loops behave identically against either.
type Memory struct {
	mx  *sync.Mutex
	db  map[string]*entry
	clk Clock
}

func NewMemory() *Memory {
	return NewMemoryWithClock(systemClock{})
}

func NewMemoryWithClock(clk Clock) *Memory {
	return &Memory{
		mx:  &sync.Mutex{},
		db:  make(map[string]*entry),
		clk: clk,
	}
}

// get returns the live entry for key, reaping it if expired. Caller must
// hold the mutex.
func (m *Memory) get(key string) (*entry, bool) {
	e, ok := m.db[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !m.clk.Now().Before(e.expires) {
		delete(m.db, key)
		return nil, false
	}
	return e, true
}

func (m *Memory) Get(key string) ([]byte, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()

	e, ok := m.get(key)
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (m *Memory) GetWithToken(key string) ([]byte, Token, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()

	e, ok := m.get(key)
	if !ok {
		return nil, 0, false
	}
	return e.value, e.token, true
}

func (m *Memory) Set(key string, value []byte, ttl time.Duration) bool {
	m.mx.Lock()
	defer m.mx.Unlock()

	e, ok := m.get(key)
	if !ok {
		e = &entry{}
		m.db[key] = e
	}
	e.value = value
	e.token++
	e.expires = m.expiry(ttl)
	return true
}

func (m *Memory) CompareAndSwap(key string, token Token, value []byte, ttl time.Duration) bool {
	m.mx.Lock()
	defer m.mx.Unlock()

	e, ok := m.get(key)
	if !ok || e.token != token {
		return false
	}
	e.value = value
	e.token++
	e.expires = m.expiry(ttl)
	return true
}

func (m *Memory) Delete(key string) {
	m.mx.Lock()
	defer m.mx.Unlock()
	delete(m.db, key)
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clk.Now().Add(ttl)
}
