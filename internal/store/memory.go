package store

import (
	"context"
	"sync"
	"time"
)

// subscriberBuffer bounds how far a slow subscriber may fall behind
// before publishes to it are dropped.
const subscriberBuffer = 64

// Memory is an in-process Store. It is the default for single-node
// deployments and the fixture every test runs against.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry

	subMu sync.RWMutex
	subs  map[string]map[*memSub]struct{}

	stop   chan struct{}
	closed bool
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemory creates an in-process store with a background reaper that
// evicts expired keys.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]memEntry),
		subs:    make(map[string]map[*memSub]struct{}),
		stop:    make(chan struct{}),
	}
	go m.reap()
	return m
}

func (m *Memory) reap() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for k, e := range m.entries {
				if e.expired(now) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	m.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: deadline(ttl)}
	return true, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(key)
}

func (m *Memory) GetEx(_ context.Context, key string, ttl time.Duration) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, err := m.get(key)
	if err != nil {
		return nil, err
	}
	m.entries[key] = memEntry{value: value, expiresAt: deadline(ttl)}
	return value, nil
}

// get assumes the caller holds at least a read lock.
func (m *Memory) get(key string) ([]byte, error) {
	e, ok := m.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	e.expiresAt = deadline(ttl)
	m.entries[key] = e
	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for sub := range m.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		default:
			// Subscriber is not draining; dropping beats blocking the
			// publisher, and the broker re-reads the stored response on
			// signal anyway.
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &memSub{
		store:   m,
		channel: channel,
		ch:      make(chan []byte, subscriberBuffer),
	}

	m.subMu.Lock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memSub]struct{})
	}
	m.subs[channel][sub] = struct{}{}
	m.subMu.Unlock()

	return sub, nil
}

func (m *Memory) Close() error {
	m.subMu.Lock()
	if m.closed {
		m.subMu.Unlock()
		return nil
	}
	m.closed = true
	for channel, subs := range m.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(m.subs, channel)
	}
	m.subMu.Unlock()

	close(m.stop)
	return nil
}

// Len reports the number of live keys. Test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, e := range m.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

type memSub struct {
	store   *Memory
	channel string
	ch      chan []byte

	closeOnce sync.Once
}

func (s *memSub) Messages() <-chan []byte { return s.ch }

func (s *memSub) Close() error {
	s.closeOnce.Do(func() {
		s.store.subMu.Lock()
		defer s.store.subMu.Unlock()
		if s.store.closed {
			return
		}
		if subs, ok := s.store.subs[s.channel]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.store.subs, s.channel)
			}
		}
		close(s.ch)
	})
	return nil
}
