// Package discord adapts a Discord gateway session to the voice
// coordinator: it joins voice channels, renders clips over them, and
// feeds chat messages and slash commands into the registry.
package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/blurtlabs/blurt/internal/observability"
	"github.com/blurtlabs/blurt/internal/voice"
)

// readyPollInterval is how often a connection samples the underlying
// voice link's ready flag. discordgo reconnects a dropped link on its
// own; polling turns that into the state transitions the session
// watcher consumes.
const readyPollInterval = 500 * time.Millisecond

// Transport hands out Discord voice connections and players.
type Transport struct {
	session *discordgo.Session
	ffmpeg  string
	log     zerolog.Logger
}

// NewTransport builds the transport over an open gateway session.
// ffmpegPath is the transcoder binary used for clips that arrive in a
// container the player cannot stream directly.
func NewTransport(session *discordgo.Session, ffmpegPath string) *Transport {
	return &Transport{
		session: session,
		ffmpeg:  ffmpegPath,
		log:     observability.Component("discord"),
	}
}

// Join connects to a voice channel, self-deafened. ChannelVoiceJoin
// blocks until the link is usable, so it runs on its own goroutine and
// a join that outlives ctx is released as soon as it completes.
func (t *Transport) Join(ctx context.Context, guildID, channelID string) (voice.Conn, error) {
	type joinResult struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	res := make(chan joinResult, 1)
	go func() {
		vc, err := t.session.ChannelVoiceJoin(guildID, channelID, false, true)
		res <- joinResult{vc: vc, err: err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return nil, fmt.Errorf("join voice channel: %w", r.err)
		}
		return newConn(t.session, r.vc, guildID, channelID, t.log), nil
	case <-ctx.Done():
		go func() {
			if r := <-res; r.err == nil && r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

// NewPlayer builds an unbound player. Subscribe attaches it to a
// connection.
func (t *Transport) NewPlayer() voice.Player {
	return newPlayer(t.ffmpeg, t.log)
}

// conn wraps one discordgo voice connection and publishes its lifecycle
// through the embedded feed.
type conn struct {
	voice.ConnFeed
	session   *discordgo.Session
	vc        *discordgo.VoiceConnection
	guildID   string
	channelID string
	log       zerolog.Logger

	stop        chan struct{}
	removers    []func()
	destroyOnce sync.Once
}

func newConn(session *discordgo.Session, vc *discordgo.VoiceConnection, guildID, channelID string, log zerolog.Logger) *conn {
	c := &conn{
		session:   session,
		vc:        vc,
		guildID:   guildID,
		channelID: channelID,
		log:       log.With().Str("guild_id", guildID).Str("channel_id", channelID).Logger(),
		stop:      make(chan struct{}),
	}
	c.Set(voice.ConnReady)

	c.removers = append(c.removers,
		session.AddHandler(c.onVoiceStateUpdate),
		session.AddHandler(c.onVoiceServerUpdate),
	)
	go c.monitor()
	return c
}

func (c *conn) ChannelID() string { return c.channelID }

// onVoiceStateUpdate watches the bot's own voice state. Being removed
// from the channel, or dragged to another one, disconnects this
// connection; the session layer decides whether that is fatal.
func (c *conn) onVoiceStateUpdate(s *discordgo.Session, e *discordgo.VoiceStateUpdate) {
	if e.GuildID != c.guildID || s.State.User == nil || e.UserID != s.State.User.ID {
		return
	}
	if e.ChannelID != c.channelID {
		c.log.Debug().Str("new_channel", e.ChannelID).Msg("Bot left or was moved from voice channel")
		c.Set(voice.ConnDisconnected)
	}
}

// onVoiceServerUpdate fires when Discord moves the guild to another
// voice server. discordgo renegotiates the link; surfacing the event as
// signalling gives the watcher its recovery evidence right away.
func (c *conn) onVoiceServerUpdate(s *discordgo.Session, e *discordgo.VoiceServerUpdate) {
	if e.GuildID != c.guildID {
		return
	}
	c.log.Debug().Msg("Voice server update, renegotiating")
	c.Set(voice.ConnSignalling)
}

// monitor samples the link's ready flag and turns flips into state
// transitions. The feed dedupes, so steady states cost nothing.
func (c *conn) monitor() {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.vc.RLock()
			ready := c.vc.Ready
			c.vc.RUnlock()

			if ready {
				c.Set(voice.ConnReady)
			} else if c.State() == voice.ConnReady {
				c.Set(voice.ConnDisconnected)
			}
		case <-c.stop:
			return
		}
	}
}

// Subscribe binds a player built by this transport to the connection.
func (c *conn) Subscribe(p voice.Player) error {
	dp, ok := p.(*player)
	if !ok {
		return fmt.Errorf("player type %T is not a discord player", p)
	}
	return dp.bind(c.vc)
}

// Destroy leaves the voice channel and ends the feed. Repeated calls
// are no-ops.
func (c *conn) Destroy() error {
	var err error
	c.destroyOnce.Do(func() {
		close(c.stop)
		for _, remove := range c.removers {
			remove()
		}
		err = c.vc.Disconnect()
		c.Set(voice.ConnDestroyed)
	})
	return err
}
