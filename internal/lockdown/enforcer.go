package lockdown

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/violation"
)

// ErrNotEngaged is returned by Reassert on a released lease.
var ErrNotEngaged = errors.New("lockdown not engaged")

// Enforcer installs the exam restrictions on a Surface.
type Enforcer struct {
	surface Surface
	log     zerolog.Logger

	mu    sync.Mutex
	lease *Lease
}

// NewEnforcer creates a new Enforcer.
func NewEnforcer(surface Surface, log zerolog.Logger) *Enforcer {
	return &Enforcer{
		surface: surface,
		log:     log.With().Str("component", "lockdown").Logger(),
	}
}

// Engage installs every listener, pushes the history sentinel and requests
// fullscreen. Calling Engage while a lease is active returns that lease.
func (e *Enforcer) Engage(sink Sink) (*Lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lease != nil && e.lease.Active() {
		return e.lease, nil
	}

	l := &Lease{enforcer: e, active: true}
	for kind, h := range e.handlers(sink) {
		remove, err := e.surface.AddListener(kind, h)
		if err != nil {
			l.active = false
			rerr := l.removeAll()
			return nil, errors.Join(fmt.Errorf("lockdown: add %s listener: %w", kind, err), rerr)
		}
		l.removers = append(l.removers, remove)
	}

	if err := e.surface.PushHistorySentinel(); err != nil {
		e.log.Warn().Err(err).Msg("Failed to push history sentinel")
	}
	// Browsers may refuse fullscreen without a user gesture; the exam proceeds
	// and the exit listener records the state.
	if err := e.surface.RequestFullscreen(); err != nil {
		e.log.Warn().Err(err).Msg("Fullscreen request rejected")
	}

	e.lease = l
	e.log.Info().Int("listeners", len(l.removers)).Msg("Lockdown engaged")
	return l, nil
}

func (e *Enforcer) handlers(sink Sink) map[violation.SignalKind]Handler {
	forward := func(ev *Event) { sink(ev.Signal) }
	block := func(ev *Event) {
		ev.PreventDefault()
		sink(ev.Signal)
	}

	return map[violation.SignalKind]Handler{
		violation.SignalVisibilityHidden:  forward,
		violation.SignalVisibilityVisible: forward,
		violation.SignalBlur:              forward,
		violation.SignalFocus:             forward,
		violation.SignalFullscreenExit:    forward,
		violation.SignalFullscreenEnter:   forward,
		violation.SignalDevTools:          forward,
		violation.SignalContextMenu:       block,
		violation.SignalCopy:              block,
		violation.SignalCut:               block,
		violation.SignalPaste:             block,
		violation.SignalBeforeUnload:      block,
		violation.SignalSelectStart: func(ev *Event) {
			ev.PreventDefault()
		},
		violation.SignalKeyDown: func(ev *Event) {
			if violation.ClassifyKey(ev.Signal).Blocked {
				ev.PreventDefault()
				sink(ev.Signal)
			}
		},
		violation.SignalPopState: func(ev *Event) {
			if err := e.surface.PushHistorySentinel(); err != nil {
				e.log.Warn().Err(err).Msg("Failed to re-push history sentinel")
			}
		},
	}
}

// Lease is one engagement of the lockdown. Release runs at most once.
type Lease struct {
	enforcer *Enforcer
	removers []func() error

	once   sync.Once
	mu     sync.Mutex
	active bool
	err    error
}

// Active reports whether the lease still holds the surface.
func (l *Lease) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Release removes every listener and leaves fullscreen. A failing or
// panicking remover does not stop the others. Later calls return the first
// result.
func (l *Lease) Release() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.active = false
		l.mu.Unlock()

		errs := []error{l.removeAll()}
		if l.enforcer.surface.IsFullscreen() {
			if err := l.enforcer.surface.ExitFullscreen(); err != nil {
				errs = append(errs, fmt.Errorf("lockdown: exit fullscreen: %w", err))
			}
		}
		l.err = errors.Join(errs...)

		l.enforcer.mu.Lock()
		if l.enforcer.lease == l {
			l.enforcer.lease = nil
		}
		l.enforcer.mu.Unlock()

		if l.err != nil {
			l.enforcer.log.Warn().Err(l.err).Msg("Lockdown released with errors")
		} else {
			l.enforcer.log.Info().Msg("Lockdown released")
		}
	})
	return l.err
}

// Reassert requests fullscreen again after the student left it.
func (l *Lease) Reassert() error {
	if !l.Active() {
		return ErrNotEngaged
	}
	if l.enforcer.surface.IsFullscreen() {
		return nil
	}
	return l.enforcer.surface.RequestFullscreen()
}

func (l *Lease) removeAll() error {
	var errs []error
	for _, remove := range l.removers {
		if err := safeRemove(remove); err != nil {
			errs = append(errs, err)
		}
	}
	l.removers = nil
	return errors.Join(errs...)
}

func safeRemove(remove func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lockdown: remove listener panicked: %v", r)
		}
	}()
	return remove()
}
