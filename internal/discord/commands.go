package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/blurtlabs/blurt/internal/observability"
	"github.com/blurtlabs/blurt/internal/tts"
	"github.com/blurtlabs/blurt/internal/voice"
)

// commandDefinitions is the slash command surface, registered in bulk
// once the gateway reports ready.
func commandDefinitions() []*discordgo.ApplicationCommand {
	names := tts.Voices()
	voiceChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(names))
	for _, name := range names {
		voiceChoices = append(voiceChoices, &discordgo.ApplicationCommandOptionChoice{
			Name:  name,
			Value: name,
		})
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        "say",
			Description: "Speak a message in your voice channel",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "text",
					Description: "What to say",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "voice",
					Description: "Voice for this message only",
					Choices:     voiceChoices,
				},
			},
		},
		{
			Name:        "voice",
			Description: "Choose the voice your messages are spoken with",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "set",
					Description: "Set your voice",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "name",
							Description: "Voice name",
							Required:    true,
							Choices:     voiceChoices,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "clear",
					Description: "Go back to the default voice",
				},
			},
		},
		{
			Name:        "voices",
			Description: "List the available voices",
		},
		{
			Name:        "speakchannel",
			Description: "Configure which channel is read aloud",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "set",
					Description: "Read this channel aloud",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "clear",
					Description: "Stop reading messages aloud",
				},
			},
		},
		{
			Name:        "leave",
			Description: "Leave the voice channel",
		},
	}
}

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	observability.RecordCommand(data.Name)

	if i.GuildID == "" {
		b.respond(i, "This command only works in a server.")
		return
	}

	switch data.Name {
	case "say":
		b.handleSay(i, data)
	case "voice":
		b.handleVoice(i, data)
	case "voices":
		b.handleVoices(i)
	case "speakchannel":
		b.handleSpeakChannel(i, data)
	case "leave":
		b.handleLeave(i)
	default:
		b.respond(i, "Unknown command.")
	}
}

func (b *Bot) handleSay(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	text := b.sanitizer.Clean(stringOption(data.Options, "text"))
	if text == "" {
		b.respond(i, "There's nothing left to say once that message is cleaned up.")
		return
	}

	userID := i.Member.User.ID
	voiceCh := b.memberVoiceChannel(i.GuildID, userID)
	if voiceCh == "" {
		b.respond(i, "Join a voice channel first.")
		return
	}

	var voiceID string
	if name := stringOption(data.Options, "voice"); name != "" {
		voiceID = resolveVoice(name)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		voiceID = b.voiceFor(ctx, i.GuildID, userID)
	}

	b.respond(i, "Speaking!")
	b.registry.Speak(context.Background(), voice.Request{
		GuildID:   i.GuildID,
		ChannelID: voiceCh,
		Text:      text,
		Voice:     voiceID,
		OnFailure: b.notifyInteractionFailure(i),
	})
}

func (b *Bot) handleVoice(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if len(data.Options) == 0 {
		b.respond(i, "Use /voice set or /voice clear.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	userID := i.Member.User.ID

	sub := data.Options[0]
	switch sub.Name {
	case "set":
		name := stringOption(sub.Options, "name")
		if _, ok := tts.VoiceID(name); !ok {
			b.respond(i, fmt.Sprintf("I don't know the voice %q. Try /voices.", name))
			return
		}
		if err := b.store.SetVoice(ctx, i.GuildID, userID, name); err != nil {
			observability.RecordError("store", "discord")
			b.log.Error().Err(err).Msg("Failed to store voice preference")
			b.respond(i, "I couldn't save that, try again.")
			return
		}
		b.respond(i, fmt.Sprintf("You now speak as %s.", name))
	case "clear":
		if err := b.store.ClearVoice(ctx, i.GuildID, userID); err != nil {
			observability.RecordError("store", "discord")
			b.log.Error().Err(err).Msg("Failed to clear voice preference")
			b.respond(i, "I couldn't save that, try again.")
			return
		}
		b.respond(i, fmt.Sprintf("Back to the default voice (%s).", tts.DefaultVoice))
	default:
		b.respond(i, "Use /voice set or /voice clear.")
	}
}

func (b *Bot) handleVoices(i *discordgo.InteractionCreate) {
	var sb strings.Builder
	sb.WriteString("Available voices:\n")
	for _, name := range tts.Voices() {
		if name == tts.DefaultVoice {
			fmt.Fprintf(&sb, "• %s (default)\n", name)
		} else {
			fmt.Fprintf(&sb, "• %s\n", name)
		}
	}
	b.respond(i, sb.String())
}

func (b *Bot) handleSpeakChannel(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if len(data.Options) == 0 {
		b.respond(i, "Use /speakchannel set or /speakchannel clear.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	switch data.Options[0].Name {
	case "set":
		if err := b.store.SetSpeakChannel(ctx, i.GuildID, i.ChannelID); err != nil {
			observability.RecordError("store", "discord")
			b.log.Error().Err(err).Msg("Failed to store speak channel")
			b.respond(i, "I couldn't save that, try again.")
			return
		}
		b.respond(i, "I'll read messages from this channel aloud.")
	case "clear":
		if err := b.store.ClearSpeakChannel(ctx, i.GuildID); err != nil {
			observability.RecordError("store", "discord")
			b.log.Error().Err(err).Msg("Failed to clear speak channel")
			b.respond(i, "I couldn't save that, try again.")
			return
		}
		b.respond(i, "I'll stop reading messages aloud.")
	default:
		b.respond(i, "Use /speakchannel set or /speakchannel clear.")
	}
}

func (b *Bot) handleLeave(i *discordgo.InteractionCreate) {
	if b.registry.Leave(i.GuildID) {
		b.respond(i, "Left the voice channel.")
		return
	}
	b.respond(i, "I'm not in a voice channel.")
}

// respond answers an interaction with an ephemeral message. Interaction
// tokens expire quickly, so a failed response is only logged.
func (b *Bot) respond(i *discordgo.InteractionCreate, content string) {
	err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("Failed to respond to interaction")
	}
}

// notifyInteractionFailure reports a playback failure as an ephemeral
// followup to the original command.
func (b *Bot) notifyInteractionFailure(i *discordgo.InteractionCreate) func(error) {
	return func(err error) {
		_, serr := b.session.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
			Content: friendlyMessage(err),
			Flags:   discordgo.MessageFlagsEphemeral,
		})
		if serr != nil {
			b.log.Warn().Err(serr).Msg("Failed to deliver failure notice")
		}
	}
}

// friendlyMessage turns a playback failure into something worth posting
// back to the user.
func friendlyMessage(err error) string {
	switch {
	case errors.Is(err, voice.ErrQueueFull):
		return "I'm a bit backed up right now, try again in a moment."
	case errors.Is(err, voice.ErrConnectionTimeout):
		return "I couldn't reach the voice channel in time."
	case errors.Is(err, voice.ErrConnectionLost):
		return "I lost the voice connection before that message played."
	case errors.Is(err, voice.ErrSynthesisFailed):
		return "I couldn't turn that message into speech."
	case errors.Is(err, voice.ErrPlaybackStartTimeout), errors.Is(err, voice.ErrPlaybackTimeout):
		return "Playback got stuck, so I skipped that message."
	default:
		return "Something went wrong with that message."
	}
}

func stringOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, o := range opts {
		if o.Name == name {
			return o.StringValue()
		}
	}
	return ""
}
