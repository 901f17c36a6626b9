package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/blurtlabs/blurt/internal/audio"
	"github.com/blurtlabs/blurt/internal/voice"
)

// frameSendTimeout bounds one opus frame handoff to discordgo. The
// library paces frames at real time, so a healthy link consumes them
// every 20ms; a stall this long means the link is gone.
const frameSendTimeout = 5 * time.Second

// silenceFrames of opusSilence trail every clip so the remote decoder
// settles instead of extrapolating the last frame.
const silenceFrames = 5

var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// player renders clips on a bound voice connection, one at a time.
type player struct {
	voice.PlayerFeed
	ffmpeg string
	log    zerolog.Logger

	mu     sync.Mutex
	vc     *discordgo.VoiceConnection
	cancel context.CancelFunc
}

func newPlayer(ffmpegPath string, log zerolog.Logger) *player {
	return &player{ffmpeg: ffmpegPath, log: log}
}

// bind attaches the player to its connection. A player serves exactly
// one connection for its lifetime.
func (p *player) bind(vc *discordgo.VoiceConnection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vc != nil {
		return fmt.Errorf("player already bound")
	}
	p.vc = vc
	return nil
}

// Play starts rendering the clip and returns. Clips that are not
// Ogg/Opus are transcoded first; a clip that cannot be turned into
// opus packets fails here, before any playing transition.
func (p *player) Play(clip *audio.Clip) error {
	p.mu.Lock()
	if p.vc == nil {
		p.mu.Unlock()
		return fmt.Errorf("player not bound to a connection")
	}
	if p.cancel != nil {
		p.mu.Unlock()
		return fmt.Errorf("a clip is already playing")
	}
	vc := p.vc
	p.mu.Unlock()

	packets, err := p.packets(clip)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go p.stream(ctx, vc, packets)
	return nil
}

// packets extracts the opus frames for a clip, transcoding through
// ffmpeg when the clip arrived in some other container.
func (p *player) packets(clip *audio.Clip) ([][]byte, error) {
	data := clip.Data
	if clip.Container != audio.ContainerOggOpus {
		transcoded, err := transcodeToOgg(p.ffmpeg, data)
		if err != nil {
			return nil, fmt.Errorf("transcode %s clip: %w", clip.Container, err)
		}
		data = transcoded
	}
	packets, err := audio.OpusPackets(data)
	if err != nil {
		return nil, fmt.Errorf("extract opus packets: %w", err)
	}
	return packets, nil
}

// stream hands the frames to discordgo, which paces them onto the wire.
func (p *player) stream(ctx context.Context, vc *discordgo.VoiceConnection, packets [][]byte) {
	if err := vc.Speaking(true); err != nil {
		p.log.Warn().Err(err).Msg("Failed to set speaking flag")
	}
	p.Set(voice.PlayerPlaying)

	defer func() {
		if err := vc.Speaking(false); err != nil {
			p.log.Debug().Err(err).Msg("Failed to clear speaking flag")
		}
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
		p.Set(voice.PlayerIdle)
	}()

	for _, frame := range packets {
		select {
		case vc.OpusSend <- frame:
		case <-time.After(frameSendTimeout):
			p.log.Warn().Msg("Timed out handing frame to voice link")
			return
		case <-ctx.Done():
			return
		}
	}

	for i := 0; i < silenceFrames; i++ {
		select {
		case vc.OpusSend <- opusSilence:
		case <-time.After(frameSendTimeout):
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop interrupts the in-flight clip, if any. This player starts clips
// immediately, so force has nothing extra to cover.
func (p *player) Stop(force bool) {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
