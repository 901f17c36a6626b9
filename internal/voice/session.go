package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blurtlabs/blurt/internal/observability"
)

// Teardown reasons, recorded with the session metrics.
const (
	closeReasonLeave      = "leave"
	closeReasonLost       = "connection_lost"
	closeReasonDestroyed  = "destroyed"
	closeReasonReplaced   = "replaced"
	closeReasonJoinFailed = "join_failed"
	closeReasonShutdown   = "shutdown"
)

// session owns one guild's voice connection, player, and utterance
// queue. The connection's channel never changes for the life of the
// session; a request for a different channel replaces the session
// wholesale.
type session struct {
	reg       *Registry
	guildID   string
	channelID string
	log       zerolog.Logger
	metrics   *observability.SessionMetrics

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{} // closed once conn and player are set
	tasks  chan *task

	mu     sync.Mutex // guards conn/player against a close racing connect
	conn   Conn
	player Player

	closeOnce sync.Once
}

func newSession(r *Registry, guildID, channelID string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		reg:       r,
		guildID:   guildID,
		channelID: channelID,
		log:       r.log.With().Str("guild_id", guildID).Str("channel_id", channelID).Logger(),
		metrics:   observability.NewSessionMetrics(guildID),
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		tasks:     make(chan *task, r.opts.QueueDepth),
	}
	s.metrics.RecordSessionStart()
	return s
}

// connect joins the voice channel, attaches a fresh player, and starts
// the session's queue worker and health watcher. The whole attempt is
// bounded by ConnectTimeout.
func (s *session) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.reg.opts.ConnectTimeout)
	defer cancel()

	conn, err := s.reg.transport.Join(ctx, s.guildID, s.channelID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
	}
	player := s.reg.transport.NewPlayer()
	if err := conn.Subscribe(player); err != nil {
		_ = conn.Destroy()
		return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		// close ran while we were joining; it saw no connection to
		// release, so release this one here.
		s.mu.Unlock()
		_ = conn.Destroy()
		return ErrConnectionLost
	}
	s.conn = conn
	s.player = player
	s.mu.Unlock()
	close(s.ready)

	go s.watchHealth()
	go s.work()

	if err := awaitConn(ctx, conn, ConnReady); err != nil {
		return readyWaitError(err)
	}
	s.log.Info().Msg("Voice session established")
	return nil
}

// awaitReady blocks a follow-up speak request until the session's
// connection is ready, within ConnectTimeout. Used when a request finds
// an existing session that may still be joining or mid-recovery.
func (s *session) awaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.reg.opts.ConnectTimeout)
	defer cancel()

	select {
	case <-s.ready:
	case <-s.ctx.Done():
		return ErrConnectionLost
	case <-ctx.Done():
		return ErrConnectionTimeout
	}
	if err := awaitConn(ctx, s.conn, ConnReady); err != nil {
		return readyWaitError(err)
	}
	return nil
}

func readyWaitError(err error) error {
	if errors.Is(err, ErrConnectionLost) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
}

// enqueue adds a task without blocking. A full queue rejects it; a
// session already closing fails it with ErrConnectionLost.
func (s *session) enqueue(tk *task) error {
	select {
	case <-s.ctx.Done():
		return ErrConnectionLost
	default:
	}
	select {
	case s.tasks <- tk:
	default:
		return ErrQueueFull
	}
	observability.QueueEnqueued()
	select {
	case <-s.ctx.Done():
		// Teardown raced the enqueue and the worker may already have
		// drained past this task; fail it here, the once-guard on the
		// task deduplicates against the drain path.
		tk.fail(s.log, ErrConnectionLost)
	default:
	}
	return nil
}

// work is the session's queue worker: it pulls tasks in FIFO order and
// drives each one to a terminal state before touching the next. This
// loop is what serializes playback within a guild.
func (s *session) work() {
	for {
		select {
		case tk := <-s.tasks:
			observability.QueueDequeued()
			s.runTask(tk)
		case <-s.ctx.Done():
			s.drain()
			return
		}
	}
}

// runTask plays one task and reports its outcome. A failing task never
// stops the worker; the queue survives for the tasks behind it.
func (s *session) runTask(tk *task) {
	logger := s.log.With().Str("task_id", tk.id).Logger()
	s.metrics.RecordPlaybackStart()
	if err := s.playTask(tk); err != nil {
		s.metrics.RecordPlaybackEnd(failureLabel(err))
		logger.Warn().Err(err).Msg("Playback task failed")
		tk.fail(logger, err)
		return
	}
	s.metrics.RecordPlaybackEnd("ok")
	logger.Debug().Msg("Playback task finished")
}

// drain fails whatever is still queued after teardown so no caller is
// left holding a notifier that will never fire.
func (s *session) drain() {
	for {
		select {
		case tk := <-s.tasks:
			observability.QueueDequeued()
			tk.fail(s.log, ErrConnectionLost)
		default:
			return
		}
	}
}

// watchHealth reacts to connection state transitions. A disconnect gets
// one grace window to show evidence of recovery; a destroyed connection
// ends the session immediately.
func (s *session) watchHealth() {
	ch := make(chan ConnState, watchBuffer)
	s.conn.Watch(ch)
	defer s.conn.Unwatch(ch)

	for {
		select {
		case st := <-ch:
			switch st {
			case ConnDestroyed:
				s.log.Info().Msg("Voice connection destroyed")
				s.close(closeReasonDestroyed)
				return
			case ConnDisconnected:
				if s.sawRecovery(ch) {
					s.log.Info().Msg("Voice connection recovering after drop")
					continue
				}
				s.log.Warn().Msg("Voice connection lost")
				s.close(closeReasonLost)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// sawRecovery waits one grace window for a transition that shows the
// transport re-establishing the link: renegotiation (signalling),
// reconnection (connecting), or a direct return to ready. Either kind
// of evidence keeps the session alive.
func (s *session) sawRecovery(ch chan ConnState) bool {
	timer := time.NewTimer(s.reg.opts.ReconnectGrace)
	defer timer.Stop()

	for {
		select {
		case st := <-ch:
			switch st {
			case ConnSignalling, ConnConnecting, ConnReady:
				return true
			case ConnDestroyed:
				return false
			}
			// Repeated disconnect reports don't restart the window.
		case <-timer.C:
			return false
		case <-s.ctx.Done():
			return false
		}
	}
}

// close tears the session down: unblock every in-flight wait, stop
// playback, release the connection, drop the registry entry, fail the
// queued tasks. Every step is best effort; close never panics and is
// safe to call from any goroutine, repeatedly.
func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		conn, player := s.conn, s.player
		s.mu.Unlock()

		if player != nil {
			player.Stop(true)
		}
		if conn != nil {
			if err := conn.Destroy(); err != nil {
				s.log.Debug().Err(err).Msg("Destroying connection on close")
			}
		}
		s.reg.remove(s)
		s.metrics.RecordSessionEnd(reason)
		s.log.Info().Str("reason", reason).Msg("Voice session closed")
	})
}
