// Package addrbook remembers which peers discovery has already reported.
package addrbook

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type entry struct {
	name     string
	endpoint string
	expireAt time.Time
}

// Book maps peer names to endpoints with optional TTL and LRU eviction once
// more than capacity names are held.
type Book struct {
	mu   sync.Mutex
	clk  clock.Clock
	data map[string]*list.Element
	ll   *list.List
	cap  int
}

func New(capacity int) *Book {
	return NewWithClock(capacity, clock.New())
}

func NewWithClock(capacity int, clk clock.Clock) *Book {
	return &Book{
		clk:  clk,
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacity,
	}
}

// Put records name at endpoint and reports whether it is news: the name was
// unknown, had expired, or moved to another endpoint. A ttl of 0 never
// expires.
func (b *Book) Put(name, endpoint string, ttl time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = b.clk.Now().Add(ttl)
	}

	if el, ok := b.data[name]; ok {
		e := el.Value.(*entry)
		fresh := b.expired(e) || e.endpoint != endpoint
		e.endpoint = endpoint
		e.expireAt = exp
		b.ll.MoveToFront(el)
		return fresh
	}
	b.data[name] = b.ll.PushFront(&entry{name: name, endpoint: endpoint, expireAt: exp})
	b.evictIfNeeded()
	return true
}

func (b *Book) Get(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.data[name]
	if !ok {
		return "", false
	}
	e := el.Value.(*entry)
	if b.expired(e) {
		b.removeElement(el)
		return "", false
	}
	b.ll.MoveToFront(el)
	return e.endpoint, true
}

// Delete forgets name and reports whether it was present.
func (b *Book) Delete(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.data[name]
	if ok {
		b.removeElement(el)
	}
	return ok
}

func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Names returns the unexpired names, sorted.
func (b *Book) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.data))
	for n, el := range b.data {
		if !b.expired(el.Value.(*entry)) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func (b *Book) expired(e *entry) bool {
	return !e.expireAt.IsZero() && b.clk.Now().After(e.expireAt)
}

func (b *Book) evictIfNeeded() {
	for b.cap > 0 && b.ll.Len() > b.cap {
		b.removeElement(b.ll.Back())
	}
}

func (b *Book) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(b.data, e.name)
	b.ll.Remove(el)
}
