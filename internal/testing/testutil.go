// Package testing provides in-memory stores and goroutine-safe helpers
// for adsync tests.
package testing

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// Group runs test goroutines and reports their errors on Wait. Goroutines
// return errors instead of calling t.Fatal, which only stops the calling
// goroutine.
type Group struct {
	t  *testing.T
	wg sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// NewGroup returns a Group reporting to t.
func NewGroup(t *testing.T) *Group {
	return &Group{t: t}
}

// Go runs fn in a new goroutine.
func (g *Group) Go(fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(); err != nil {
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}
	}()
}

// Wait blocks until every goroutine returned and fails the test if any
// returned an error.
func (g *Group) Wait() {
	g.t.Helper()
	g.wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, err := range g.errs {
		g.t.Error(err)
	}
	if len(g.errs) > 0 {
		g.t.FailNow()
	}
}

// WithTimeout returns fn's error, or a timeout error when fn has not
// returned within d. fn keeps running after a timeout.
func WithTimeout(d time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(d):
		return fmt.Errorf("not done after %v", d)
	}
}
