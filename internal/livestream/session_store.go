package livestream

import (
	"sync"

	"go.uber.org/zap"
)

// StreamListener is invoked on every stream change; nil signals stream end.
// Listeners observe the stream only and must never stop tracks they did not
// acquire.
type StreamListener func(*MediaStream)

// SessionStore is the single source of truth for "is there a stream available
// right now" within one process. It is an explicitly constructed service
// injected into the coordinator and the transport layer, never a package
// global.
type SessionStore struct {
	mu        sync.Mutex
	current   *MediaStream
	listeners map[int]StreamListener
	nextID    int
	log       *zap.Logger
}

func NewSessionStore(log *zap.Logger) *SessionStore {
	return &SessionStore{
		listeners: make(map[int]StreamListener),
		log:       log,
	}
}

// SetStream replaces the current stream reference and synchronously notifies
// every listener. The caller retains track ownership; the store manages no
// track lifecycle.
func (s *SessionStore) SetStream(stream *MediaStream) {
	s.mu.Lock()
	s.current = stream
	snapshot := make([]StreamListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		snapshot = append(snapshot, l)
	}
	s.mu.Unlock()

	// Invoke outside the lock so listeners may re-enter the store.
	for _, l := range snapshot {
		s.invoke(l, stream)
	}
}

func (s *SessionStore) GetStream() *MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// AddListener registers a callback for stream changes. If a stream is already
// present the callback fires immediately, so late subscribers never miss
// current state. The returned unsubscribe function is idempotent.
func (s *SessionStore) AddListener(fn StreamListener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	current := s.current
	s.mu.Unlock()

	if current != nil {
		s.invoke(fn, current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *SessionStore) ClearStream() {
	s.SetStream(nil)
}

// invoke isolates listener failures: a panicking listener must not prevent
// the others from being notified.
func (s *SessionStore) invoke(fn StreamListener, stream *MediaStream) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("stream listener panicked", zap.Any("panic", r))
		}
	}()
	fn(stream)
}
