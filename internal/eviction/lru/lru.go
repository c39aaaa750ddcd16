package lru

import (
	"container/list"
	"sync"
	"time"

	"github.com/lucasew/contentcache/internal/eviction"
)

// LRU implements the eviction.Strategy interface using Least Recently Used logic.
type LRU struct {
	mu    sync.Mutex
	list  *list.List
	items map[string]*list.Element
}

type entry struct {
	key        string
	size       int64
	accessedAt time.Time
}

func init() {
	eviction.Register("lru", func() eviction.Strategy {
		return New()
	})
}

func New() *LRU {
	return &LRU{
		list:  list.New(),
		items: make(map[string]*list.Element),
	}
}

func (l *LRU) OnAdd(key string, size int64, at time.Time) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		l.list.MoveToFront(elem)
		ent := elem.Value.(*entry)
		oldSize := ent.size
		ent.size = size
		ent.accessedAt = at
		return size - oldSize
	}

	l.items[key] = l.list.PushFront(&entry{key: key, size: size, accessedAt: at})
	return size
}

func (l *LRU) OnAccess(key string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		elem.Value.(*entry).accessedAt = at
		l.list.MoveToFront(elem)
	}
}

func (l *LRU) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		l.list.Remove(elem)
		delete(l.items, key)
	}
}

func (l *LRU) GetVictims(currentSize int64, targetSize int64) []eviction.Victim {
	l.mu.Lock()
	defer l.mu.Unlock()

	var victims []eviction.Victim
	size := currentSize

	for elem := l.list.Back(); size > targetSize && elem != nil; elem = elem.Prev() {
		ent := elem.Value.(*entry)
		victims = append(victims, eviction.Victim{Key: ent.key, Size: ent.size, AccessedAt: ent.accessedAt})
		size -= ent.size
	}

	return victims
}
