// Package consumer runs completed frames through a chain of stages. Each stage
// gets its own goroutine; a buffer moves to the next stage when the current one
// releases it and goes back to the pool after the last.
package consumer

import (
	"github.com/abihf/framecap/frame"
)

// Release hands a buffer back to the pipeline. It must be called exactly once
// per accepted buffer; the buffer must not be touched afterwards.
type Release func(b *frame.Buffer)

// Stage processes frames. Accept runs on the stage's own goroutine and may
// keep the buffer after it returns, as long as release is eventually called.
type Stage interface {
	Name() string
	Accept(b *frame.Buffer, info frame.Info, release Release)
}

// StageFunc turns a function into a Stage that releases the buffer as soon as
// the function returns.
type StageFunc struct {
	Label string
	Fn    func(b *frame.Buffer, info frame.Info)
}

func (s StageFunc) Name() string { return s.Label }

func (s StageFunc) Accept(b *frame.Buffer, info frame.Info, release Release) {
	s.Fn(b, info)
	release(b)
}
