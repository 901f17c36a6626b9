package discord

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/blurtlabs/blurt/internal/config"
	"github.com/blurtlabs/blurt/internal/observability"
	"github.com/blurtlabs/blurt/internal/prefs"
	"github.com/blurtlabs/blurt/internal/resilience"
	"github.com/blurtlabs/blurt/internal/sanitize"
	"github.com/blurtlabs/blurt/internal/tts"
	"github.com/blurtlabs/blurt/internal/voice"
)

// storeTimeout bounds the preference lookups done inside gateway
// handlers.
const storeTimeout = 3 * time.Second

// NewSession builds a gateway session with the intents the bot needs:
// guilds and voice states for joining, message content for the speak
// channel.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentGuildVoiceStates |
		discordgo.IntentMessageContent
	return session, nil
}

// Bot glues the gateway to the voice registry: speak-channel messages
// and slash commands become utterances, playback failures become
// replies.
type Bot struct {
	cfg       *config.Config
	session   *discordgo.Session
	registry  *voice.Registry
	store     *prefs.Store
	sanitizer *sanitize.MessageSanitizer
	log       zerolog.Logger

	ready    atomic.Bool
	cmdOnce  sync.Once
	removers []func()
}

func NewBot(cfg *config.Config, session *discordgo.Session, registry *voice.Registry, store *prefs.Store) *Bot {
	return &Bot{
		cfg:       cfg,
		session:   session,
		registry:  registry,
		store:     store,
		sanitizer: sanitize.NewMessageSanitizer(),
		log:       observability.Component("discord"),
	}
}

// Start registers the bot's handlers and opens the gateway, retrying
// transient failures.
func (b *Bot) Start(ctx context.Context) error {
	b.removers = append(b.removers,
		b.session.AddHandler(b.onReady),
		b.session.AddHandler(b.onDisconnect),
		b.session.AddHandler(b.onMessageCreate),
		b.session.AddHandler(b.onInteraction),
	)

	err := resilience.Retry(ctx, func() error {
		return b.session.Open()
	}, resilience.DefaultRetryConfig(), resilience.IsRetryableNetworkError)
	if err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	return nil
}

// Stop detaches the handlers and closes the gateway.
func (b *Bot) Stop() {
	for _, remove := range b.removers {
		remove()
	}
	b.removers = nil
	if err := b.session.Close(); err != nil {
		b.log.Warn().Err(err).Msg("Closing gateway session")
	}
}

// GatewayHealthy is the readiness check for the gateway connection.
func (b *Bot) GatewayHealthy(ctx context.Context) (bool, error) {
	if !b.ready.Load() {
		return false, fmt.Errorf("gateway not connected")
	}
	return true, nil
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.ready.Store(true)
	b.log.Info().
		Str("user", r.User.Username).
		Int("guilds", len(r.Guilds)).
		Msg("Gateway ready")
	b.cmdOnce.Do(func() { go b.registerCommands() })
}

func (b *Bot) onDisconnect(s *discordgo.Session, d *discordgo.Disconnect) {
	b.ready.Store(false)
	b.log.Warn().Msg("Gateway disconnected")
}

func (b *Bot) registerCommands() {
	defs := commandDefinitions()
	err := resilience.Retry(context.Background(), func() error {
		_, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, "", defs)
		return err
	}, resilience.DefaultRetryConfig(), resilience.IsRetryableNetworkError)
	if err != nil {
		observability.RecordError("command_registration", "discord")
		b.log.Error().Err(err).Msg("Failed to register commands")
		return
	}
	b.log.Info().Int("count", len(defs)).Msg("Commands registered")
}

// onMessageCreate reads speak-channel messages aloud. The author must
// be in a voice channel; their message, cleaned up, plays there in the
// voice they configured.
func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	speakCh, err := b.store.SpeakChannel(ctx, m.GuildID)
	if err != nil {
		observability.RecordError("store", "discord")
		b.log.Warn().Err(err).Msg("Speak channel lookup failed")
		return
	}
	if speakCh == "" || speakCh != m.ChannelID {
		return
	}

	text := b.sanitizer.Clean(m.Content)
	if text == "" {
		return
	}
	voiceCh := b.memberVoiceChannel(m.GuildID, m.Author.ID)
	if voiceCh == "" {
		b.log.Debug().Str("user_id", m.Author.ID).Msg("Author not in a voice channel, skipping")
		return
	}

	b.registry.Speak(context.Background(), voice.Request{
		GuildID:   m.GuildID,
		ChannelID: voiceCh,
		Text:      text,
		Voice:     b.voiceFor(ctx, m.GuildID, m.Author.ID),
		OnFailure: b.notifyMessageFailure(m),
	})

	if b.cfg.DeleteAfterSpeak {
		if err := s.ChannelMessageDelete(m.ChannelID, m.ID); err != nil {
			b.log.Debug().Err(err).Msg("Failed to delete spoken message")
		}
	}
}

// voiceFor resolves the member's stored preference to a provider voice
// ID.
func (b *Bot) voiceFor(ctx context.Context, guildID, userID string) string {
	name, err := b.store.VoiceFor(ctx, guildID, userID)
	if err != nil {
		b.log.Warn().Err(err).Msg("Voice preference lookup failed")
	}
	return resolveVoice(name)
}

// resolveVoice maps a friendly voice name to its provider ID. Unknown
// or empty names, including stale preferences for voices that left the
// catalog, fall back to the default.
func resolveVoice(name string) string {
	if id, ok := tts.VoiceID(name); ok {
		return id
	}
	id, _ := tts.VoiceID(tts.DefaultVoice)
	return id
}

// notifyMessageFailure replies to the triggering message with a short
// explanation. Delivery is best effort; a failed reply is logged and
// dropped.
func (b *Bot) notifyMessageFailure(m *discordgo.MessageCreate) func(error) {
	return func(err error) {
		if _, serr := b.session.ChannelMessageSendReply(m.ChannelID, friendlyMessage(err), m.Reference()); serr != nil {
			b.log.Warn().Err(serr).Msg("Failed to deliver failure notice")
		}
	}
}

func (b *Bot) memberVoiceChannel(guildID, userID string) string {
	return memberVoiceChannel(b.session.State, guildID, userID)
}

// memberVoiceChannel returns the voice channel the member is currently
// in, or "" when they are not in one.
func memberVoiceChannel(st *discordgo.State, guildID, userID string) string {
	vs, err := st.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}
