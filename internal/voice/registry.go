package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blurtlabs/blurt/internal/audio"
	"github.com/blurtlabs/blurt/internal/observability"
)

// Synthesizer produces a playable clip for one utterance. Synthesize is
// called from multiple goroutines at once; implementations must be safe
// for concurrent use.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (*audio.Clip, error)
}

// Defaults for Options fields left zero.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectGrace = 5 * time.Second
	DefaultStartTimeout   = 5 * time.Second
	DefaultSynthTimeout   = 30 * time.Second
	DefaultQueueDepth     = 64
)

// Options tunes session behavior. The zero value takes every default.
type Options struct {
	// ConnectTimeout bounds how long a speak request may wait for its
	// voice connection to become ready.
	ConnectTimeout time.Duration
	// ReconnectGrace bounds how long a dropped connection may take to
	// show evidence of recovery before the session is declared dead.
	ReconnectGrace time.Duration
	// StartTimeout bounds the wait for the player to report a clip
	// playing.
	StartTimeout time.Duration
	// SynthTimeout bounds one synthesis call.
	SynthTimeout time.Duration
	// QueueDepth is how many utterances a session holds before
	// rejecting new ones with ErrQueueFull.
	QueueDepth int
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = DefaultReconnectGrace
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.SynthTimeout <= 0 {
		o.SynthTimeout = DefaultSynthTimeout
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	return o
}

// Registry owns every live voice session, keyed by guild. It is the
// only mutable state shared between speak requests; each session's
// connection and player belong to that session alone.
type Registry struct {
	transport Transport
	synth     Synthesizer
	opts      Options
	log       zerolog.Logger

	// playWait derives the playback bound from utterance length.
	// Swapped by tests that cannot afford the real bounds.
	playWait func(textLen int) time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewRegistry builds the session registry. One registry serves the
// whole process and is shut down when the process stops.
func NewRegistry(transport Transport, synth Synthesizer, opts Options) *Registry {
	return &Registry{
		transport: transport,
		synth:     synth,
		opts:      opts.withDefaults(),
		log:       observability.Component("voice"),
		playWait:  playbackWait,
		sessions:  make(map[string]*session),
	}
}

// Speak submits one utterance. It returns once the utterance is queued
// on its guild's session; synthesis and playback proceed in the
// background and any failure reaches req.OnFailure at most once.
//
// Utterances for the same guild play in submission order, exactly one
// at a time. Different guilds are fully independent: a stuck queue in
// one guild never delays another.
func (r *Registry) Speak(ctx context.Context, req Request) {
	tk := &task{
		id:     uuid.NewString(),
		text:   req.Text,
		voice:  req.Voice,
		result: make(chan synthResult, 1),
		onFail: req.OnFailure,
	}
	logger := r.log.With().Str("task_id", tk.id).Str("guild_id", req.GuildID).Logger()

	s, err := r.ensure(ctx, req.GuildID, req.ChannelID)
	if err != nil {
		logger.Warn().Err(err).Msg("Speak request rejected")
		observability.RecordError(failureLabel(err), "voice")
		tk.fail(logger, err)
		return
	}

	if err := s.enqueue(tk); err != nil {
		if errors.Is(err, ErrQueueFull) {
			observability.RecordQueueRejected()
		}
		logger.Warn().Err(err).Msg("Speak request rejected")
		observability.RecordError(failureLabel(err), "voice")
		tk.fail(logger, err)
		return
	}

	// Synthesis starts immediately so the network call for this
	// utterance overlaps playback of the ones queued ahead of it.
	go r.runSynthesis(s, tk)
	logger.Debug().Int("text_len", len(req.Text)).Msg("Utterance queued")
}

// runSynthesis performs the task's synthesis call and parks the result
// for the queue worker. Bounded by SynthTimeout and cut short when the
// session closes.
func (r *Registry) runSynthesis(s *session, tk *task) {
	ctx, cancel := context.WithTimeout(s.ctx, r.opts.SynthTimeout)
	defer cancel()

	start := time.Now()
	clip, err := r.synth.Synthesize(ctx, tk.text, tk.voice)
	size := 0
	if clip != nil {
		size = len(clip.Data)
	}
	observability.RecordSynthesis(time.Since(start), err == nil, size)
	tk.result <- synthResult{clip: clip, err: err}
}

// ensure returns a ready session for the guild, creating or replacing
// one as needed. A live session bound to a different channel is torn
// down before the new one is built: the bot follows the requester.
func (r *Registry) ensure(ctx context.Context, guildID, channelID string) (*session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrConnectionLost
		}
		s := r.sessions[guildID]
		if s == nil {
			s = newSession(r, guildID, channelID)
			r.sessions[guildID] = s
			r.mu.Unlock()
			if err := s.connect(ctx); err != nil {
				s.close(closeReasonJoinFailed)
				return nil, err
			}
			return s, nil
		}
		r.mu.Unlock()

		if s.channelID == channelID {
			if err := s.awaitReady(ctx); err != nil {
				return nil, err
			}
			return s, nil
		}
		s.close(closeReasonReplaced)
	}
}

// remove drops the session from the registry if it is still the
// registered one. A replacement session for the same guild is left
// alone.
func (r *Registry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.guildID] == s {
		delete(r.sessions, s.guildID)
	}
}

// Leave tears down the guild's session if one exists. Safe to call
// when none does, and safe to call repeatedly.
func (r *Registry) Leave(guildID string) bool {
	r.mu.Lock()
	s := r.sessions[guildID]
	r.mu.Unlock()
	if s == nil {
		return false
	}
	s.close(closeReasonLeave)
	return true
}

// Shutdown closes every live session and refuses new work. Called once
// at process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.close(closeReasonShutdown)
	}
}
