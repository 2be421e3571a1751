package season

import "sync"

// seasonLocks hands out one mutex per season id. Entries are dropped once
// no goroutine holds or waits for them.
type seasonLocks struct {
	mu sync.Mutex
	m  map[string]*seasonLock
}

type seasonLock struct {
	mu   sync.Mutex
	refs int
}

func newSeasonLocks() *seasonLocks {
	return &seasonLocks{m: make(map[string]*seasonLock)}
}

// lock blocks until the season's mutex is held and returns its release.
func (l *seasonLocks) lock(id string) func() {
	l.mu.Lock()
	sl, ok := l.m[id]
	if !ok {
		sl = &seasonLock{}
		l.m[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}

// size reports how many seasons currently have a lock entry.
func (l *seasonLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
