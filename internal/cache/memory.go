package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 是 Store 的进程内实现，语义对齐 Redis，主要用于测试和
// 单机开发。过期采用惰性检查，访问时剔除已过期的键。
type MemoryStore struct {
	mu        sync.Mutex
	values    map[string]memoryValue
	lists     map[string][]string
	sets      map[string]map[string]struct{}
	deadlines map[string]time.Time
	subs      map[string][]*memorySubscription
	closed    bool
}

type memoryValue struct {
	data string
}

// NewMemoryStore 创建空的内存缓存。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:    make(map[string]memoryValue),
		lists:     make(map[string][]string),
		sets:      make(map[string]map[string]struct{}),
		deadlines: make(map[string]time.Time),
		subs:      make(map[string][]*memorySubscription),
	}
}

// expireLocked 删除已经过期的键。调用方必须持有 mu。
func (s *MemoryStore) expireLocked(key string) {
	deadline, ok := s.deadlines[key]
	if !ok || time.Now().Before(deadline) {
		return
	}
	delete(s.values, key)
	delete(s.lists, key)
	delete(s.sets, key)
	delete(s.deadlines, key)
}

func (s *MemoryStore) setDeadlineLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		s.deadlines[key] = time.Now().Add(ttl)
	} else {
		delete(s.deadlines, key)
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	value, ok := s.values[key]
	if !ok {
		return "", ErrMiss
	}
	return value.data, nil
}

func (s *MemoryStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = memoryValue{data: value}
	s.setDeadlineLocked(key, ttl)
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	if _, exists := s.values[key]; exists {
		return false, nil
	}
	s.values[key] = memoryValue{data: value}
	s.setDeadlineLocked(key, ttl)
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.lists, key)
	delete(s.sets, key)
	delete(s.deadlines, key)
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	_, hasValue := s.values[key]
	_, hasList := s.lists[key]
	_, hasSet := s.sets[key]
	if hasValue || hasList || hasSet {
		s.setDeadlineLocked(key, ttl)
	}
	return nil
}

func (s *MemoryStore) ListPush(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	s.lists[key] = append([]string{value}, s.lists[key]...)
	return nil
}

func (s *MemoryStore) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	list := s.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (s *MemoryStore) ListLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) SetAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SetRemove(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	set := s.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

func (s *MemoryStore) Publish(_ context.Context, channel, message string) error {
	s.mu.Lock()
	subs := append([]*memorySubscription(nil), s.subs[channel]...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(message)
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		store:    s,
		channel:  channel,
		messages: make(chan string, 64),
	}
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.mu.Unlock()
	return sub, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrMiss
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.subs {
		for _, sub := range subs {
			sub.closeLocked()
		}
	}
	s.subs = make(map[string][]*memorySubscription)
	return nil
}

type memorySubscription struct {
	store    *MemoryStore
	channel  string
	messages chan string

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) deliver(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.messages <- message:
	default:
		// 慢消费者丢弃消息，与 Redis pub/sub 的尽力而为语义一致。
	}
}

func (s *memorySubscription) Messages() <-chan string {
	return s.messages
}

func (s *memorySubscription) closeLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.messages)
}

func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	subs := s.store.subs[s.channel]
	for i, candidate := range subs {
		if candidate == s {
			s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.store.mu.Unlock()
	s.closeLocked()
	return nil
}

var _ Store = (*MemoryStore)(nil)
