package voice

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Playback wait bounds. Synthesized speech duration grows roughly with
// its text, so the finish wait scales per rune between a floor for very
// short clips and a ceiling that keeps a stuck player from wedging the
// queue.
const (
	minPlaybackWait = 10 * time.Second
	perRuneWait     = 600 * time.Millisecond
	maxPlaybackWait = 120 * time.Second
)

// playbackWait returns the bound on the playing phase for an utterance
// of textLen runes.
func playbackWait(textLen int) time.Duration {
	d := time.Duration(textLen) * perRuneWait
	if d < minPlaybackWait {
		return minPlaybackWait
	}
	if d > maxPlaybackWait {
		return maxPlaybackWait
	}
	return d
}

// playTask drives one utterance through its three phases: await the
// synthesized clip, start the player, wait for playback to finish.
// Each phase is bounded; a failure in any phase ends the task with no
// retry and the next task starts from an idle player.
func (s *session) playTask(tk *task) error {
	// Phase 1: the clip. Synthesis was kicked off at accept time, so
	// this usually resolves immediately once the task reaches the
	// front of the queue.
	var res synthResult
	select {
	case res = <-tk.result:
	case <-s.ctx.Done():
		return ErrConnectionLost
	}
	if res.err != nil {
		return fmt.Errorf("%w: %v", ErrSynthesisFailed, res.err)
	}

	// Watch the player before handing it the clip so a clip that
	// starts and finishes quickly cannot slip its transitions past us.
	ch := make(chan PlayerState, watchBuffer)
	s.player.Watch(ch)
	defer s.player.Unwatch(ch)

	if err := s.player.Play(res.clip); err != nil {
		return fmt.Errorf("%w: %v", ErrPlaybackStartTimeout, err)
	}

	// Phase 2: the playing transition.
	startTimer := time.NewTimer(s.reg.opts.StartTimeout)
	defer startTimer.Stop()
waitStart:
	for {
		select {
		case st := <-ch:
			if st == PlayerPlaying {
				break waitStart
			}
		case <-startTimer.C:
			s.player.Stop(true)
			return fmt.Errorf("%w: no playing transition within %s", ErrPlaybackStartTimeout, s.reg.opts.StartTimeout)
		case <-s.ctx.Done():
			return ErrConnectionLost
		}
	}

	// Phase 3: the idle transition, bounded by utterance length.
	bound := s.reg.playWait(utf8.RuneCountInString(tk.text))
	finishTimer := time.NewTimer(bound)
	defer finishTimer.Stop()
	for {
		select {
		case st := <-ch:
			if st == PlayerIdle {
				if s.ctx.Err() != nil {
					// Teardown force-stopped the player; the idle it
					// caused is not a finished clip.
					return ErrConnectionLost
				}
				return nil
			}
		case <-finishTimer.C:
			s.player.Stop(true)
			return fmt.Errorf("%w: still playing after %s", ErrPlaybackTimeout, bound)
		case <-s.ctx.Done():
			return ErrConnectionLost
		}
	}
}
