package service

import "sync"

const lockStripes = 64

// stripedLock hands out one of a fixed set of mutexes per key, so work on
// one conversation is serialized without a lock per conversation.
type stripedLock struct {
	mus [lockStripes]sync.Mutex
}

// lock locks the stripe of key and returns its unlock.
func (l *stripedLock) lock(key int64) func() {
	mu := &l.mus[uint64(key)%lockStripes]
	mu.Lock()
	return mu.Unlock
}
