package voice

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/blurtlabs/blurt/internal/observability"
)

func TestMain(m *testing.M) {
	observability.InitLogger("error", false)
	os.Exit(m.Run())
}

func fastOpts() Options {
	return Options{
		ConnectTimeout: 2 * time.Second,
		ReconnectGrace: 150 * time.Millisecond,
		StartTimeout:   500 * time.Millisecond,
		SynthTimeout:   2 * time.Second,
		QueueDepth:     8,
	}
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *fakeTransport, *fakeSynth) {
	t.Helper()
	ft := &fakeTransport{}
	fs := newFakeSynth()
	r := NewRegistry(ft, fs, opts)
	t.Cleanup(r.Shutdown)
	return r, ft, fs
}

func sessionCount(r *Registry) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func speak(r *Registry, guildID, channelID, text string, f *failures) {
	r.Speak(context.Background(), Request{
		GuildID:   guildID,
		ChannelID: channelID,
		Text:      text,
		Voice:     "narrator",
		OnFailure: f.callback(),
	})
}

func TestRegistry_SpeakPlaysInSubmissionOrder(t *testing.T) {
	r, ft, fs := newTestRegistry(t, fastOpts())
	var f failures

	// Earlier utterances synthesize slower than later ones, so only the
	// queue keeps them in order.
	fs.setDelay("one", 60*time.Millisecond)
	fs.setDelay("two", 30*time.Millisecond)
	fs.setDelay("three", 5*time.Millisecond)

	speak(r, "g1", "c1", "one", &f)
	speak(r, "g1", "c1", "two", &f)
	speak(r, "g1", "c1", "three", &f)

	p := ft.player(0)
	if p == nil {
		t.Fatal("Expected a player to be created")
	}
	if !waitUntil(t, 3*time.Second, func() bool { return len(p.endTimes()) == 3 }) {
		t.Fatalf("Expected 3 finished clips, got %d", len(p.endTimes()))
	}

	plays := p.playCalls()
	want := []string{"one", "two", "three"}
	for i, rec := range plays {
		if got := string(rec.clip.Data); got != want[i] {
			t.Errorf("Expected clip %d to be %q, got %q", i, want[i], got)
		}
	}

	ends := p.endTimes()
	for i := 0; i < len(plays)-1; i++ {
		if plays[i+1].at.Before(ends[i]) {
			t.Errorf("Clip %d started before clip %d finished", i+1, i)
		}
	}
	if f.count() != 0 {
		t.Errorf("Expected no failures, got %v", f.list())
	}
}

func TestRegistry_SynthesisOverlapsPlayback(t *testing.T) {
	r, ft, fs := newTestRegistry(t, fastOpts())
	var f failures

	ft.setPlayerSetup(func(p *fakePlayer) { p.playFor = 150 * time.Millisecond })

	speak(r, "g1", "c1", "first", &f)
	speak(r, "g1", "c1", "second", &f)

	p := ft.player(0)
	if !waitUntil(t, 3*time.Second, func() bool {
		return len(fs.callTimes()) == 2 && len(p.endTimes()) >= 1
	}) {
		t.Fatalf("Expected 2 synthesis calls and a finished clip, got %d and %d",
			len(fs.callTimes()), len(p.endTimes()))
	}

	calls := fs.callTimes()
	firstEnd := p.endTimes()[0]
	if !calls[1].at.Before(firstEnd) {
		t.Error("Expected the second utterance to synthesize while the first was still playing")
	}
}

func TestRegistry_SynthesisFailureSkipsTask(t *testing.T) {
	r, ft, fs := newTestRegistry(t, fastOpts())
	var f failures

	fs.setErr("bad", errors.New("tts upstream 500"))

	speak(r, "g1", "c1", "bad", &f)
	speak(r, "g1", "c1", "ok", &f)

	p := ft.player(0)
	if !waitUntil(t, 3*time.Second, func() bool { return len(p.endTimes()) == 1 }) {
		t.Fatal("Expected the utterance behind the failure to play")
	}

	plays := p.playCalls()
	if len(plays) != 1 {
		t.Fatalf("Expected 1 play call, got %d", len(plays))
	}
	if got := string(plays[0].clip.Data); got != "ok" {
		t.Errorf("Expected the surviving clip to be %q, got %q", "ok", got)
	}
	if f.count() != 1 {
		t.Fatalf("Expected 1 failure notification, got %d", f.count())
	}
	if !errors.Is(f.list()[0], ErrSynthesisFailed) {
		t.Errorf("Expected ErrSynthesisFailed, got %v", f.list()[0])
	}
}

func TestRegistry_ChannelSwitchReplacesSession(t *testing.T) {
	r, ft, _ := newTestRegistry(t, fastOpts())
	var f failures

	speak(r, "g1", "alpha", "hello", &f)
	p0 := ft.player(0)
	if !waitUntil(t, 3*time.Second, func() bool { return len(p0.endTimes()) == 1 }) {
		t.Fatal("Expected the first utterance to play")
	}

	speak(r, "g1", "beta", "hello again", &f)
	p1 := ft.player(1)
	if p1 == nil {
		t.Fatal("Expected a second player for the replacement session")
	}
	if !waitUntil(t, 3*time.Second, func() bool { return len(p1.endTimes()) == 1 }) {
		t.Fatal("Expected the second utterance to play on the new session")
	}

	if got := ft.joins(); got != 2 {
		t.Errorf("Expected 2 joins, got %d", got)
	}
	old, fresh := ft.conn(0), ft.conn(1)
	if old.destroyCount() == 0 {
		t.Error("Expected the old connection to be destroyed")
	}
	if old.destroyTime().After(fresh.createdAt) {
		t.Error("Expected the old connection destroyed before the new join")
	}
	if got := sessionCount(r); got != 1 {
		t.Errorf("Expected 1 live session, got %d", got)
	}
	if f.count() != 0 {
		t.Errorf("Expected no failures, got %v", f.list())
	}
}

func TestRegistry_IndependentGuilds(t *testing.T) {
	r, ft, _ := newTestRegistry(t, fastOpts())
	var f failures

	// First guild's player wedges mid-clip; the second guild must not
	// wait behind it.
	ft.setPlayerSetup(func(p *fakePlayer) { p.stallFinish = true })
	speak(r, "g1", "c1", "stuck", &f)
	p0 := ft.player(0)
	if !waitUntil(t, 3*time.Second, func() bool { return len(p0.playCalls()) == 1 }) {
		t.Fatal("Expected the first guild's clip to start")
	}

	ft.setPlayerSetup(nil)
	speak(r, "g2", "c9", "free", &f)
	p1 := ft.player(1)
	if !waitUntil(t, 3*time.Second, func() bool { return len(p1.endTimes()) == 1 }) {
		t.Fatal("Expected the second guild's clip to finish")
	}

	if got := len(p0.endTimes()); got != 0 {
		t.Errorf("Expected the stuck clip to still be playing, got %d ends", got)
	}
	if got := sessionCount(r); got != 2 {
		t.Errorf("Expected 2 live sessions, got %d", got)
	}
}

func TestRegistry_ConnectTimeout(t *testing.T) {
	opts := fastOpts()
	opts.ConnectTimeout = 80 * time.Millisecond
	r, ft, _ := newTestRegistry(t, opts)
	var f failures

	ft.stayUnready = true
	speak(r, "g1", "c1", "hello", &f)

	if !waitUntil(t, 2*time.Second, func() bool { return f.count() == 1 }) {
		t.Fatalf("Expected 1 failure notification, got %d", f.count())
	}
	if !errors.Is(f.list()[0], ErrConnectionTimeout) {
		t.Errorf("Expected ErrConnectionTimeout, got %v", f.list()[0])
	}
	if got := ft.conn(0).destroyCount(); got == 0 {
		t.Error("Expected the half-built connection to be destroyed")
	}
	if got := sessionCount(r); got != 0 {
		t.Errorf("Expected no live sessions, got %d", got)
	}
}

func TestRegistry_QueueFullRejects(t *testing.T) {
	opts := fastOpts()
	opts.QueueDepth = 1
	r, ft, _ := newTestRegistry(t, opts)
	var f failures

	ft.setPlayerSetup(func(p *fakePlayer) { p.stallFinish = true })

	speak(r, "g1", "c1", "playing", &f)
	p := ft.player(0)
	if !waitUntil(t, 3*time.Second, func() bool { return len(p.playCalls()) == 1 }) {
		t.Fatal("Expected the first utterance to start playing")
	}

	speak(r, "g1", "c1", "queued", &f)
	speak(r, "g1", "c1", "rejected", &f)

	if f.count() != 1 {
		t.Fatalf("Expected 1 failure notification, got %d", f.count())
	}
	if !errors.Is(f.list()[0], ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", f.list()[0])
	}
}

func TestRegistry_LeaveMidPlayback(t *testing.T) {
	r, ft, _ := newTestRegistry(t, fastOpts())
	var f failures

	ft.setPlayerSetup(func(p *fakePlayer) { p.stallFinish = true })
	speak(r, "g1", "c1", "interrupted", &f)
	p0 := ft.player(0)
	if !waitUntil(t, 3*time.Second, func() bool { return len(p0.playCalls()) == 1 }) {
		t.Fatal("Expected the utterance to start playing")
	}

	if !r.Leave("g1") {
		t.Error("Expected Leave to report a torn-down session")
	}
	if r.Leave("g1") {
		t.Error("Expected a second Leave to be a no-op")
	}

	stops := p0.stopCalls()
	if len(stops) == 0 || !stops[0] {
		t.Errorf("Expected a forced stop, got %v", stops)
	}
	if got := ft.conn(0).destroyCount(); got != 1 {
		t.Errorf("Expected 1 destroy, got %d", got)
	}
	if got := sessionCount(r); got != 0 {
		t.Errorf("Expected no live sessions, got %d", got)
	}
	if !waitUntil(t, 2*time.Second, func() bool { return f.count() == 1 }) {
		t.Fatalf("Expected 1 failure notification, got %d", f.count())
	}
	if !errors.Is(f.list()[0], ErrConnectionLost) {
		t.Errorf("Expected ErrConnectionLost, got %v", f.list()[0])
	}

	// A later speak request builds a fresh session.
	ft.setPlayerSetup(nil)
	speak(r, "g1", "c1", "back", &f)
	p1 := ft.player(1)
	if !waitUntil(t, 3*time.Second, func() bool { return p1 != nil && len(p1.endTimes()) == 1 }) {
		t.Fatal("Expected a fresh session to play the next utterance")
	}
	if got := ft.joins(); got != 2 {
		t.Errorf("Expected 2 joins, got %d", got)
	}
}

func TestRegistry_LeaveWithoutSession(t *testing.T) {
	r, _, _ := newTestRegistry(t, fastOpts())
	if r.Leave("nope") {
		t.Error("Expected Leave with no session to report false")
	}
}

func TestRegistry_QueuedTasksFailOnTeardown(t *testing.T) {
	r, ft, _ := newTestRegistry(t, fastOpts())
	var f failures

	ft.setPlayerSetup(func(p *fakePlayer) { p.stallFinish = true })
	speak(r, "g1", "c1", "first", &f)
	p := ft.player(0)
	if !waitUntil(t, 3*time.Second, func() bool { return len(p.playCalls()) == 1 }) {
		t.Fatal("Expected the first utterance to start playing")
	}
	speak(r, "g1", "c1", "second", &f)
	speak(r, "g1", "c1", "third", &f)

	r.Leave("g1")

	if !waitUntil(t, 2*time.Second, func() bool { return f.count() == 3 }) {
		t.Fatalf("Expected 3 failure notifications, got %d", f.count())
	}
	for i, err := range f.list() {
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("Expected failure %d to be ErrConnectionLost, got %v", i, err)
		}
	}

	// Each task is notified exactly once.
	time.Sleep(50 * time.Millisecond)
	if got := f.count(); got != 3 {
		t.Errorf("Expected failure count to stay 3, got %d", got)
	}
}

func TestRegistry_ShutdownRefusesNewWork(t *testing.T) {
	r, ft, _ := newTestRegistry(t, fastOpts())
	var f failures

	speak(r, "g1", "c1", "hello", &f)
	p := ft.player(0)
	if !waitUntil(t, 3*time.Second, func() bool { return len(p.endTimes()) == 1 }) {
		t.Fatal("Expected the utterance to play")
	}

	r.Shutdown()

	if got := sessionCount(r); got != 0 {
		t.Errorf("Expected no live sessions after shutdown, got %d", got)
	}
	if got := ft.conn(0).destroyCount(); got == 0 {
		t.Error("Expected the connection to be destroyed on shutdown")
	}

	speak(r, "g1", "c1", "too late", &f)
	if f.count() != 1 {
		t.Fatalf("Expected 1 failure notification, got %d", f.count())
	}
	if !errors.Is(f.list()[0], ErrConnectionLost) {
		t.Errorf("Expected ErrConnectionLost, got %v", f.list()[0])
	}
	if got := ft.joins(); got != 1 {
		t.Errorf("Expected no new joins after shutdown, got %d", got)
	}
}

func TestSession_DisconnectRecoveryWithinGrace(t *testing.T) {
	r, ft, _ := newTestRegistry(t, fastOpts())
	var f failures

	speak(r, "g1", "c1", "before", &f)
	p := ft.player(0)
	if !waitUntil(t, 3*time.Second, func() bool { return len(p.endTimes()) == 1 }) {
		t.Fatal("Expected the first utterance to play")
	}

	// Transient drop followed by reconnection evidence inside the
	// grace window.
	c := ft.conn(0)
	c.Set(ConnDisconnected)
	c.Set(ConnConnecting)
	c.Set(ConnReady)

	speak(r, "g1", "c1", "after", &f)
	if !waitUntil(t, 3*time.Second, func() bool { return len(p.endTimes()) == 2 }) {
		t.Fatal("Expected the session to survive the drop and keep playing")
	}
	if got := ft.joins(); got != 1 {
		t.Errorf("Expected the original connection to be reused, got %d joins", got)
	}
	if got := c.destroyCount(); got != 0 {
		t.Errorf("Expected no destroy during recovery, got %d", got)
	}
}

func TestSession_DisconnectWithoutRecoveryTearsDown(t *testing.T) {
	opts := fastOpts()
	opts.ReconnectGrace = 100 * time.Millisecond
	r, ft, _ := newTestRegistry(t, opts)
	var f failures

	speak(r, "g1", "c1", "before", &f)
	p := ft.player(0)
	if !waitUntil(t, 3*time.Second, func() bool { return len(p.endTimes()) == 1 }) {
		t.Fatal("Expected the first utterance to play")
	}

	ft.conn(0).Set(ConnDisconnected)

	if !waitUntil(t, 2*time.Second, func() bool { return ft.conn(0).destroyCount() > 0 }) {
		t.Fatal("Expected the dead connection to be destroyed after the grace window")
	}
	if !waitUntil(t, 2*time.Second, func() bool { return sessionCount(r) == 0 }) {
		t.Fatalf("Expected the session to be removed, got %d", sessionCount(r))
	}

	// The guild is speakable again through a fresh session.
	speak(r, "g1", "c1", "after", &f)
	p1 := ft.player(1)
	if !waitUntil(t, 3*time.Second, func() bool { return p1 != nil && len(p1.endTimes()) == 1 }) {
		t.Fatal("Expected a fresh session to play the next utterance")
	}
	if got := ft.joins(); got != 2 {
		t.Errorf("Expected 2 joins, got %d", got)
	}
}

func TestSession_PlaybackStartTimeout(t *testing.T) {
	opts := fastOpts()
	opts.StartTimeout = 120 * time.Millisecond
	r, ft, _ := newTestRegistry(t, opts)
	var f failures

	ft.setPlayerSetup(func(p *fakePlayer) { p.stallStart = true })
	speak(r, "g1", "c1", "silent", &f)

	if !waitUntil(t, 2*time.Second, func() bool { return f.count() == 1 }) {
		t.Fatalf("Expected 1 failure notification, got %d", f.count())
	}
	if !errors.Is(f.list()[0], ErrPlaybackStartTimeout) {
		t.Errorf("Expected ErrPlaybackStartTimeout, got %v", f.list()[0])
	}
	p := ft.player(0)
	stops := p.stopCalls()
	if len(stops) == 0 || !stops[0] {
		t.Errorf("Expected a forced stop after the start timeout, got %v", stops)
	}

	// The worker survives and plays the next utterance on the same
	// session.
	p.setStall(false, false)
	speak(r, "g1", "c1", "audible", &f)
	if !waitUntil(t, 3*time.Second, func() bool { return len(p.endTimes()) == 1 }) {
		t.Fatal("Expected the next utterance to play")
	}
	if got := ft.joins(); got != 1 {
		t.Errorf("Expected the session to survive the timeout, got %d joins", got)
	}
}

func TestSession_PlaybackTimeoutForcesStop(t *testing.T) {
	r, ft, _ := newTestRegistry(t, fastOpts())
	var f failures

	ft.setPlayerSetup(func(p *fakePlayer) { p.stallFinish = true })
	r.playWait = func(int) time.Duration { return 70 * time.Millisecond }

	speak(r, "g1", "c1", "endless", &f)

	if !waitUntil(t, 2*time.Second, func() bool { return f.count() == 1 }) {
		t.Fatalf("Expected 1 failure notification, got %d", f.count())
	}
	if !errors.Is(f.list()[0], ErrPlaybackTimeout) {
		t.Errorf("Expected ErrPlaybackTimeout, got %v", f.list()[0])
	}
	stops := ft.player(0).stopCalls()
	if len(stops) == 0 || !stops[0] {
		t.Errorf("Expected a forced stop after the playback timeout, got %v", stops)
	}
	if got := sessionCount(r); got != 1 {
		t.Errorf("Expected the session to survive the timeout, got %d", got)
	}
}

func TestTask_FailNotifiesOnce(t *testing.T) {
	var f failures
	tk := &task{
		id:     "t1",
		result: make(chan synthResult, 1),
		onFail: f.callback(),
	}
	logger := observability.Component("voice")

	tk.fail(logger, ErrConnectionLost)
	tk.fail(logger, ErrPlaybackTimeout)

	if got := f.count(); got != 1 {
		t.Fatalf("Expected 1 notification, got %d", got)
	}
	if !errors.Is(f.list()[0], ErrConnectionLost) {
		t.Errorf("Expected the first error to win, got %v", f.list()[0])
	}
}

func TestTask_FailSurvivesPanickingNotifier(t *testing.T) {
	tk := &task{
		id:     "t1",
		result: make(chan synthResult, 1),
		onFail: func(error) { panic("listener bug") },
	}
	logger := observability.Component("voice")

	tk.fail(logger, ErrConnectionLost)

	tk2 := &task{id: "t2", result: make(chan synthResult, 1)}
	tk2.fail(logger, ErrConnectionLost)
}
