package alert

import (
	"context"
	"sync"

	"codeberg.org/mutker/zemo/internal/sensor"
)

// Fake records every alert for test assertions.
type Fake struct {
	mu    sync.Mutex
	calls [][]sensor.Kind
	err   error
}

func NewFake() *Fake {
	return &Fake{}
}

// Fail makes every following SendOutOfRange return err.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) SendOutOfRange(_ context.Context, handles []sensor.Handle) error {
	kinds := make([]sensor.Kind, 0, len(handles))
	for _, h := range handles {
		kinds = append(kinds, h.Kind())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kinds)
	return f.err
}

// Calls returns the sensors of each recorded alert, one entry per call.
func (f *Fake) Calls() [][]sensor.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]sensor.Kind(nil), f.calls...)
}
