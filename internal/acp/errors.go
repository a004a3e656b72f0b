package acp

import "errors"

// ErrEngineUnavailable is returned when the engine subprocess cannot be
// started or a session cannot be opened. This is the one fatal condition in
// the orchestration core: without a live engine no stage can run.
var ErrEngineUnavailable = errors.New("engine is not available")

// ErrSessionBusy is returned when a prompt is sent on a session that is
// already streaming a turn. Sessions carry one turn at a time.
var ErrSessionBusy = errors.New("session already has an active turn")

// ErrClientClosed is returned when an operation is attempted on a closed
// client.
var ErrClientClosed = errors.New("client is closed")
