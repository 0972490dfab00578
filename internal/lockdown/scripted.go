package lockdown

import (
	"sync"

	"github.com/stemsi/exstem-proctor/internal/violation"
)

// ScriptedSurface is an in-process Surface driven by Dispatch. The agent CLI
// feeds it from stdin and tests drive it directly.
type ScriptedSurface struct {
	mu         sync.Mutex
	nextID     int
	listeners  map[violation.SignalKind]map[int]Handler
	fullscreen bool
	sentinels  int

	// FullscreenErr, when set, is returned by RequestFullscreen.
	FullscreenErr error
}

// NewScriptedSurface creates an empty surface.
func NewScriptedSurface() *ScriptedSurface {
	return &ScriptedSurface{listeners: make(map[violation.SignalKind]map[int]Handler)}
}

func (s *ScriptedSurface) AddListener(kind violation.SignalKind, h Handler) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	if s.listeners[kind] == nil {
		s.listeners[kind] = make(map[int]Handler)
	}
	s.listeners[kind][id] = h

	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[kind], id)
		return nil
	}, nil
}

func (s *ScriptedSurface) PushHistorySentinel() error {
	s.mu.Lock()
	s.sentinels++
	s.mu.Unlock()
	return nil
}

func (s *ScriptedSurface) RequestFullscreen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FullscreenErr != nil {
		return s.FullscreenErr
	}
	s.fullscreen = true
	return nil
}

func (s *ScriptedSurface) ExitFullscreen() error {
	s.mu.Lock()
	s.fullscreen = false
	s.mu.Unlock()
	return nil
}

func (s *ScriptedSurface) IsFullscreen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullscreen
}

// Dispatch delivers sig to every listener of its kind and reports whether any
// handler prevented the default action. Fullscreen signals also flip the
// surface's fullscreen state, as a browser would.
func (s *ScriptedSurface) Dispatch(sig violation.Signal) bool {
	s.mu.Lock()
	switch sig.Kind {
	case violation.SignalFullscreenExit:
		s.fullscreen = false
	case violation.SignalFullscreenEnter:
		s.fullscreen = true
	}
	handlers := make([]Handler, 0, len(s.listeners[sig.Kind]))
	for _, h := range s.listeners[sig.Kind] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	ev := NewEvent(sig)
	for _, h := range handlers {
		h(ev)
	}
	return ev.Prevented()
}

// ListenerCount returns the number of installed listeners across all kinds.
func (s *ScriptedSurface) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, hs := range s.listeners {
		n += len(hs)
	}
	return n
}

// Sentinels returns how many history sentinels were pushed.
func (s *ScriptedSurface) Sentinels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentinels
}
