package gateway

import "sync"

// memory handler store for local sessions.
type handlerStore struct {
	sync.RWMutex
	handlers map[string]*handler
}

func newHandlerStore() *handlerStore {
	return &handlerStore{handlers: make(map[string]*handler)}
}

func (hs *handlerStore) get(sid string) *handler {
	hs.RLock()
	h := hs.handlers[sid]
	hs.RUnlock()
	return h
}

func (hs *handlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; ok {
		delete(hs.handlers, sid)
		return true
	}
	return false
}

func (hs *handlerStore) add(h *handler) {
	hs.Lock()
	hs.handlers[h.sid] = h
	hs.Unlock()
}

func (hs *handlerStore) getByUser(userId string) []*handler {
	hs.RLock()
	defer hs.RUnlock()

	var out []*handler
	for _, h := range hs.handlers {
		if h.userId == userId && h.isJoined() {
			out = append(out, h)
		}
	}
	return out
}

// joinedCount counts the sessions of the user that completed the join
// handshake. Presence flips on the 0 <-> 1 transitions.
func (hs *handlerStore) joinedCount(userId string) int {
	hs.RLock()
	defer hs.RUnlock()

	var n int
	for _, h := range hs.handlers {
		if h.userId == userId && h.isJoined() {
			n++
		}
	}
	return n
}

func (hs *handlerStore) close() {
	hs.RLock()
	defer hs.RUnlock()
	for _, h := range hs.handlers {
		h.close(serverStop)
	}
}
