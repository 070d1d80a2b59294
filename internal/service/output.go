package service

import (
	"bytes"
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type RunOutputWriter interface {
	AppendRunOutput(context.Context, int64, string) error
}

// runOutput collects a run's log. Complete lines are appended to the stored
// run output and mirrored to the run logger at debug level.
type runOutput struct {
	runID  int64
	store  RunOutputWriter
	logger zerolog.Logger

	mu      sync.Mutex
	partial []byte
}

func newRunOutput(runID int64, store RunOutputWriter, logger zerolog.Logger) *runOutput {
	return &runOutput{runID: runID, store: store, logger: logger}
}

func (o *runOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.partial = append(o.partial, p...)
	i := bytes.LastIndexByte(o.partial, '\n')
	if i < 0 {
		return len(p), nil
	}
	complete := o.partial[:i+1]
	o.emit(complete)
	o.partial = append(o.partial[:0], o.partial[i+1:]...)
	return len(p), nil
}

// Flush stores a trailing line that was never terminated.
func (o *runOutput) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.partial) == 0 {
		return
	}
	o.emit(append(o.partial, '\n'))
	o.partial = o.partial[:0]
}

func (o *runOutput) emit(lines []byte) {
	for line := range bytes.Lines(lines) {
		o.logger.Debug().Str("line", string(bytes.TrimRight(line, "\r\n"))).Msg("output")
	}
	if err := o.store.AppendRunOutput(context.Background(), o.runID, string(lines)); err != nil {
		o.logger.Error().Err(err).Msg("err appending run output")
	}
}
