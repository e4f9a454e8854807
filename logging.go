package czmil

import "go.uber.org/zap"

// nopLogger is shared by handles that were not given an explicit
// logger; it keeps every call site free of nil checks.
var nopLogger = zap.NewNop()

// progressFunc is the process-wide progress-callback slot from spec §6.
// It is invoked with a coarse stage name and a 0-100 percent complete
// value during long sequential scans (index regeneration in particular).
type progressFunc func(stage string, percent int)

var progressMu struct{ fn progressFunc }

// SetProgressCallback registers the process-wide progress callback. A
// nil value disables callbacks. Like open/create/close, this mutates
// process-wide state and must not be called concurrently with itself.
func SetProgressCallback(fn func(stage string, percent int)) {
	progressMu.fn = fn
}

func reportProgress(stage string, percent int) {
	if progressMu.fn != nil {
		progressMu.fn(stage, percent)
	}
}
