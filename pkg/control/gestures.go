package control

import "sync"

// Gestures источник пользовательских жестов для stream_binder:
// жестом считается любой успешный изменяющий запрос к API.
type Gestures struct {
	mu      sync.Mutex
	waiters map[uint64]func()
	nextID  uint64
}

func NewGestures() *Gestures {
	return &Gestures{waiters: make(map[uint64]func())}
}

// OnceUserGesture реализует stream_binder.GestureSource.
func (g *Gestures) OnceUserGesture(fn func()) (cancel func()) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.waiters[id] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.waiters, id)
		g.mu.Unlock()
	}
}

// Fire вызывает и снимает все ожидающие обработчики.
func (g *Gestures) Fire() {
	g.mu.Lock()
	waiters := g.waiters
	g.waiters = make(map[uint64]func())
	g.mu.Unlock()

	for _, fn := range waiters {
		fn()
	}
}

// Pending количество взведенных обработчиков
func (g *Gestures) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
