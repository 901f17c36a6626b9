package voice

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/blurtlabs/blurt/internal/audio"
)

// Request is one utterance submitted through Registry.Speak.
type Request struct {
	// GuildID scopes the session; at most one voice connection exists
	// per guild.
	GuildID string
	// ChannelID is the voice channel to speak in. A request for a
	// different channel than the guild's live session replaces that
	// session.
	ChannelID string
	// Text is the sanitized utterance to synthesize and play.
	Text string
	// Voice is the voice identifier to synthesize with, already
	// resolved by the caller.
	Voice string
	// OnFailure is invoked at most once if the utterance cannot be
	// played, with an error matching one of this package's failure
	// classes. May be nil.
	OnFailure func(err error)
}

// synthResult is the outcome of one synthesis call.
type synthResult struct {
	clip *audio.Clip
	err  error
}

// task is one queued utterance: its text, the in-flight synthesis
// result, and the caller's failure notifier. Synthesis is kicked off
// when the task is accepted, so the result channel may already hold a
// clip by the time the worker reaches the task.
type task struct {
	id     string
	text   string
	voice  string
	result chan synthResult // buffered 1, written exactly once
	onFail func(error)

	failOnce sync.Once
}

// fail delivers the task's failure to its notifier, at most once. A
// panicking notifier must not take down the queue worker.
func (t *task) fail(logger zerolog.Logger, err error) {
	t.failOnce.Do(func() {
		if t.onFail == nil {
			return
		}
		defer func() {
			if v := recover(); v != nil {
				logger.Error().Interface("panic", v).Str("task_id", t.id).Msg("Failure notifier panicked")
			}
		}()
		t.onFail(err)
	})
}
