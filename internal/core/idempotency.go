package core

import (
	"container/list"
	"fmt"
)

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU
// for the hot path and a Postgres lookup for keys that aged out of it.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker
}

// DBIdempotencyChecker is the interface for the cold-path Postgres lookup.
type DBIdempotencyChecker interface {
	IsDuplicate(opType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

func compositeKey(opType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", opType, idempotencyKey)
}

// IsDuplicate reports whether the operation was already processed.
// A DB lookup failure is treated as not-duplicate so a storage hiccup
// cannot block operation processing; the unique index on the operation
// log catches any write-side duplicate.
func (ic *IdempotencyChecker) IsDuplicate(opType, idempotencyKey string) bool {
	key := compositeKey(opType, idempotencyKey)

	if ic.lru.contains(key) {
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(opType, idempotencyKey)
		if err != nil {
			return false
		}
		if isDup {
			ic.lru.add(key)
			return true
		}
	}

	return false
}

// MarkProcessed records the key after a successful commit.
func (ic *IdempotencyChecker) MarkProcessed(opType, idempotencyKey string) {
	ic.lru.add(compositeKey(opType, idempotencyKey))
}

// Warm loads recent composite keys into the LRU (startup recovery).
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.lru.add(key)
	}
}

// Keys returns every cached composite key (snapshot capture).
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.keys()
}

// Size returns current LRU occupancy.
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.size()
}

// idempotencyLRU caches recently processed keys.
// Not thread-safe — only accessed from the single-writer core.
type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

func (lru *idempotencyLRU) add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.order.PushFront(key)

	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		if oldest != nil {
			lru.order.Remove(oldest)
			delete(lru.cache, oldest.Value.(string))
		}
	}
}

func (lru *idempotencyLRU) keys() []string {
	out := make([]string, 0, lru.order.Len())
	for elem := lru.order.Back(); elem != nil; elem = elem.Prev() {
		out = append(out, elem.Value.(string))
	}
	return out
}

func (lru *idempotencyLRU) size() int {
	return lru.order.Len()
}
