package engine

import "sync"

// keyedMutex serializes work per (session, game) pair. The panel-count
// check, the trigger-turn write and the assistant-turn write must not
// interleave with a racing request for the same pair, or two requests can
// both pass the exhaustion check.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

// lock blocks until the key is held and returns the unlock function.
// Entries are reference-counted so the map does not grow with dead keys.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

func pairKey(sessionID, gameID string) string {
	return sessionID + ":" + gameID
}
