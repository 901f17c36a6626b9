package voice

import "errors"

// Failure classes delivered through a request's failure notifier.
// Timeouts and dropped connections are operational conditions here, not
// bugs; callers distinguish them with errors.Is.
var (
	// ErrConnectionTimeout is reported when a voice connection cannot be
	// brought to the ready state within the connect bound.
	ErrConnectionTimeout = errors.New("voice: connection not ready in time")

	// ErrConnectionLost is reported when the connection dropped without
	// recovering inside the grace window, or when a session is torn down
	// with work still queued.
	ErrConnectionLost = errors.New("voice: connection lost")

	// ErrSynthesisFailed is reported when the synthesis provider could
	// not produce audio for an utterance.
	ErrSynthesisFailed = errors.New("voice: synthesis failed")

	// ErrPlaybackStartTimeout is reported when the player accepts a clip
	// but never reports it playing.
	ErrPlaybackStartTimeout = errors.New("voice: playback failed to start")

	// ErrPlaybackTimeout is reported when playback runs past the bound
	// derived from the utterance length.
	ErrPlaybackTimeout = errors.New("voice: playback did not finish in time")

	// ErrQueueFull is reported when a session's queue is at capacity and
	// the request is rejected instead of accepted unbounded.
	ErrQueueFull = errors.New("voice: playback queue full")
)

// failureLabel maps a task failure to its metrics label.
func failureLabel(err error) string {
	switch {
	case errors.Is(err, ErrSynthesisFailed):
		return "synthesis_failed"
	case errors.Is(err, ErrPlaybackStartTimeout):
		return "start_timeout"
	case errors.Is(err, ErrPlaybackTimeout):
		return "playback_timeout"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrConnectionTimeout):
		return "connection_timeout"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	default:
		return "error"
	}
}
