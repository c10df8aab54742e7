// Package screen models a mounted view: independent per-collection panels
// whose results are discarded once the view is torn down.
package screen

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"campus.org/internal/obs"
)

// Scope is the lifetime of one mounted view.
type Scope struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	mounted bool
}

// Mount starts a scope derived from parent.
func Mount(parent context.Context, name string) *Scope {
	ctx, cancel := context.WithCancel(parent)
	return &Scope{name: name, ctx: ctx, cancel: cancel, mounted: true}
}

// Context is cancelled on Unmount.
func (s *Scope) Context() context.Context { return s.ctx }

// Name returns the view name.
func (s *Scope) Name() string { return s.name }

// Mounted reports whether results may still be applied.
func (s *Scope) Mounted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mounted
}

// Unmount tears the view down. Late results are dropped.
func (s *Scope) Unmount() {
	s.mu.Lock()
	s.mounted = false
	s.mu.Unlock()
	s.cancel()
}

// apply runs fn only while the scope is mounted.
func (s *Scope) apply(fn func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.mounted {
		return false
	}
	fn()
	return true
}

// State is a panel's loading state.
type State int

const (
	Idle State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Panel tracks one independently fetched collection.
type Panel[T any] struct {
	name string

	mu    sync.Mutex
	state State
	items []T
	err   error
	gen   uint64
}

// NewPanel creates an idle panel.
func NewPanel[T any](name string) *Panel[T] {
	return &Panel[T]{name: name}
}

// Name returns the panel name.
func (p *Panel[T]) Name() string { return p.name }

// Snapshot returns the current state, items and error.
func (p *Panel[T]) Snapshot() (State, []T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.items, p.err
}

// Items returns the loaded collection (empty when failed).
func (p *Panel[T]) Items() []T {
	_, items, _ := p.Snapshot()
	return items
}

// Err returns the last fetch error.
func (p *Panel[T]) Err() error {
	_, _, err := p.Snapshot()
	return err
}

// Load fetches into the panel. A failure leaves an empty collection and the
// error; a result arriving after Unmount, or after a newer Load started, is
// discarded.
func (p *Panel[T]) Load(scope *Scope, fetch func(context.Context) ([]T, error)) error {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.state = Loading
	p.mu.Unlock()

	items, err := fetch(scope.Context())

	applied := scope.apply(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if gen != p.gen {
			return
		}
		if err != nil {
			p.state, p.items, p.err = Failed, []T{}, err
			return
		}
		if items == nil {
			items = []T{}
		}
		p.state, p.items, p.err = Ready, items, nil
	})
	if !applied {
		obs.Logger().WithFields(logrus.Fields{"view": scope.Name(), "panel": p.name}).Debug("result discarded after unmount")
	}
	if err != nil {
		obs.Logger().WithError(err).WithFields(logrus.Fields{"view": scope.Name(), "panel": p.name}).Warn("panel fetch failed")
	}
	return err
}

// Task binds a panel to its fetch for Gather.
type Task func(*Scope)

// Fetch builds a Task loading p with fetch.
func Fetch[T any](p *Panel[T], fetch func(context.Context) ([]T, error)) Task {
	return func(s *Scope) { _ = p.Load(s, fetch) }
}

// Gather runs every task concurrently and returns once all have settled.
// One failing task never fails its siblings.
func Gather(scope *Scope, tasks ...Task) {
	var wg sync.WaitGroup
	for _, task := range tasks {
		if task == nil {
			continue
		}
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			task(scope)
		}(task)
	}
	wg.Wait()
}
