package voice

import (
	"context"
	"sync"
	"time"

	"github.com/blurtlabs/blurt/internal/audio"
)

// fakeConn is a scriptable transport connection. Tests drive its state
// through the embedded feed.
type fakeConn struct {
	ConnFeed
	channelID string
	createdAt time.Time

	recMu       sync.Mutex
	destroys    int
	destroyedAt time.Time
	subscribed  Player
}

func (c *fakeConn) ChannelID() string { return c.channelID }

func (c *fakeConn) Subscribe(p Player) error {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	c.subscribed = p
	return nil
}

func (c *fakeConn) Destroy() error {
	c.recMu.Lock()
	if c.destroys == 0 {
		c.destroyedAt = time.Now()
	}
	c.destroys++
	c.recMu.Unlock()
	c.Set(ConnDestroyed)
	return nil
}

func (c *fakeConn) destroyCount() int {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return c.destroys
}

func (c *fakeConn) destroyTime() time.Time {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return c.destroyedAt
}

// playRecord is one Play call observed by a fakePlayer.
type playRecord struct {
	clip *audio.Clip
	at   time.Time
}

// fakePlayer simulates playback. Each accepted clip reports playing
// immediately and idle after playFor, unless stalled by a test.
type fakePlayer struct {
	PlayerFeed

	recMu       sync.Mutex
	playFor     time.Duration
	stallStart  bool // accept clips but never report playing
	stallFinish bool // report playing but never idle until stopped
	plays       []playRecord
	ends        []time.Time
	stops       []bool
	timer       *time.Timer
}

func (p *fakePlayer) Play(clip *audio.Clip) error {
	p.recMu.Lock()
	p.plays = append(p.plays, playRecord{clip: clip, at: time.Now()})
	stallStart, stallFinish := p.stallStart, p.stallFinish
	d := p.playFor
	if d <= 0 {
		d = 20 * time.Millisecond
	}
	p.recMu.Unlock()

	if stallStart {
		return nil
	}
	p.Set(PlayerPlaying)
	if stallFinish {
		return nil
	}
	p.recMu.Lock()
	p.timer = time.AfterFunc(d, func() {
		p.recMu.Lock()
		p.ends = append(p.ends, time.Now())
		p.recMu.Unlock()
		p.Set(PlayerIdle)
	})
	p.recMu.Unlock()
	return nil
}

func (p *fakePlayer) Stop(force bool) {
	p.recMu.Lock()
	p.stops = append(p.stops, force)
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.recMu.Unlock()

	if p.State() == PlayerPlaying {
		p.recMu.Lock()
		p.ends = append(p.ends, time.Now())
		p.recMu.Unlock()
	}
	p.Set(PlayerIdle)
}

func (p *fakePlayer) setStall(start, finish bool) {
	p.recMu.Lock()
	defer p.recMu.Unlock()
	p.stallStart = start
	p.stallFinish = finish
}

func (p *fakePlayer) playCalls() []playRecord {
	p.recMu.Lock()
	defer p.recMu.Unlock()
	return append([]playRecord(nil), p.plays...)
}

func (p *fakePlayer) endTimes() []time.Time {
	p.recMu.Lock()
	defer p.recMu.Unlock()
	return append([]time.Time(nil), p.ends...)
}

func (p *fakePlayer) stopCalls() []bool {
	p.recMu.Lock()
	defer p.recMu.Unlock()
	return append([]bool(nil), p.stops...)
}

// fakeTransport hands out fake connections and players and records
// every join.
type fakeTransport struct {
	recMu       sync.Mutex
	joinDelay   time.Duration
	joinErr     error
	stayUnready bool
	playerSetup func(*fakePlayer)
	conns       []*fakeConn
	players     []*fakePlayer
}

func (t *fakeTransport) Join(ctx context.Context, guildID, channelID string) (Conn, error) {
	t.recMu.Lock()
	delay, joinErr, unready := t.joinDelay, t.joinErr, t.stayUnready
	t.recMu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if joinErr != nil {
		return nil, joinErr
	}

	c := &fakeConn{channelID: channelID, createdAt: time.Now()}
	if !unready {
		c.Set(ConnReady)
	}
	t.recMu.Lock()
	t.conns = append(t.conns, c)
	t.recMu.Unlock()
	return c, nil
}

func (t *fakeTransport) NewPlayer() Player {
	p := &fakePlayer{}
	t.recMu.Lock()
	if t.playerSetup != nil {
		t.playerSetup(p)
	}
	t.players = append(t.players, p)
	t.recMu.Unlock()
	return p
}

func (t *fakeTransport) joins() int {
	t.recMu.Lock()
	defer t.recMu.Unlock()
	return len(t.conns)
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.recMu.Lock()
	defer t.recMu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

func (t *fakeTransport) player(i int) *fakePlayer {
	t.recMu.Lock()
	defer t.recMu.Unlock()
	if i >= len(t.players) {
		return nil
	}
	return t.players[i]
}

func (t *fakeTransport) setPlayerSetup(fn func(*fakePlayer)) {
	t.recMu.Lock()
	defer t.recMu.Unlock()
	t.playerSetup = fn
}

// synthCall is one Synthesize call observed by a fakeSynth.
type synthCall struct {
	text string
	at   time.Time
}

// fakeSynth produces clips whose data is the utterance text, after a
// per-text delay, or a per-text scripted error.
type fakeSynth struct {
	recMu  sync.Mutex
	delays map[string]time.Duration
	errs   map[string]error
	calls  []synthCall
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{
		delays: make(map[string]time.Duration),
		errs:   make(map[string]error),
	}
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, voice string) (*audio.Clip, error) {
	f.recMu.Lock()
	f.calls = append(f.calls, synthCall{text: text, at: time.Now()})
	d := f.delays[text]
	err := f.errs[text]
	f.recMu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &audio.Clip{Data: []byte(text), Container: audio.ContainerOggOpus}, nil
}

func (f *fakeSynth) setDelay(text string, d time.Duration) {
	f.recMu.Lock()
	defer f.recMu.Unlock()
	f.delays[text] = d
}

func (f *fakeSynth) setErr(text string, err error) {
	f.recMu.Lock()
	defer f.recMu.Unlock()
	f.errs[text] = err
}

func (f *fakeSynth) callTimes() []synthCall {
	f.recMu.Lock()
	defer f.recMu.Unlock()
	return append([]synthCall(nil), f.calls...)
}

// failures collects notifier invocations across goroutines.
type failures struct {
	recMu sync.Mutex
	errs  []error
}

func (f *failures) callback() func(error) {
	return func(err error) {
		f.recMu.Lock()
		defer f.recMu.Unlock()
		f.errs = append(f.errs, err)
	}
}

func (f *failures) list() []error {
	f.recMu.Lock()
	defer f.recMu.Unlock()
	return append([]error(nil), f.errs...)
}

func (f *failures) count() int {
	f.recMu.Lock()
	defer f.recMu.Unlock()
	return len(f.errs)
}
