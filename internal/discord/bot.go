// /internal/discord/bot.go
package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"nekobeat/internal/config"
	"nekobeat/internal/logger"
	"nekobeat/internal/metadata"
	"nekobeat/internal/voice"
)

const commandPrefix = "!"

// Bot is the thin Discord front of the playback core: it parses prefix
// commands and forwards them to the voice session manager.
type Bot struct {
	dg       *discordgo.Session
	cfg      *config.Config
	voice    *voice.Manager
	metadata *metadata.Service
	log      zerolog.Logger
}

func NewBot(cfg *config.Config, md *metadata.Service) *Bot {
	return &Bot{
		cfg:      cfg,
		metadata: md,
		log:      logger.With("discord"),
	}
}

// Session exposes the underlying discordgo session for voice wiring.
func (b *Bot) Session() *discordgo.Session { return b.dg }

// SetVoiceManager finishes wiring once the voice manager (which needs the
// opened session's connector) exists.
func (b *Bot) SetVoiceManager(vm *voice.Manager) { b.voice = vm }

// Open creates and opens the Discord session.
func (b *Bot) Open() error {
	dg, err := discordgo.New("Bot " + b.cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	b.dg = dg

	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentMessageContent

	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onMessageCreate)

	if err := dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	return nil
}

// Run blocks until ctx is done, then closes the session.
func (b *Bot) Run(ctx context.Context) error {
	<-ctx.Done()
	b.log.Info().Msg("Shutdown signal received, closing Discord session")
	b.voice.Shutdown()
	return b.dg.Close()
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.log.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("Discord bot is running")
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.GuildID == "" {
		return
	}
	if !strings.HasPrefix(m.Content, commandPrefix) {
		return
	}

	fields := strings.Fields(strings.TrimPrefix(m.Content, commandPrefix))
	if len(fields) == 0 {
		return
	}
	command := fields[0]
	arg := strings.TrimSpace(strings.TrimPrefix(m.Content, commandPrefix+command))

	var err error
	switch command {
	case "play":
		err = b.handlePlay(s, m, arg)
	case "skip":
		err = b.voice.Skip(m.GuildID)
	case "pause":
		err = b.voice.Pause(m.GuildID)
	case "resume":
		err = b.voice.Resume(m.GuildID)
	case "stop", "leave":
		b.voice.Leave(m.GuildID)
	case "np":
		b.handleNowPlaying(s, m)
	case "queue":
		b.handleQueue(s, m)
	default:
		return
	}

	if err != nil {
		b.log.Warn().Err(err).Str("command", command).Str("guild", m.GuildID).Msg("Command failed")
		b.reply(s, m.ChannelID, fmt.Sprintf("❌ %v", err))
	}
}

func (b *Bot) handlePlay(s *discordgo.Session, m *discordgo.MessageCreate, query string) error {
	if query == "" {
		return fmt.Errorf("usage: %splay <url or search query>", commandPrefix)
	}

	channelID, err := b.findUserVoiceChannel(s, m.GuildID, m.Author.ID)
	if err != nil {
		return err
	}

	ctx := context.Background()
	tracks, err := b.metadata.Resolve(ctx, query, m.Author.Username)
	if err != nil {
		return fmt.Errorf("could not find anything for %q: %w", query, err)
	}

	if !b.voice.IsPlaying(m.GuildID) {
		if err := b.voice.Join(m.GuildID, channelID); err != nil {
			return err
		}
	}

	for _, t := range tracks {
		if err := b.voice.Play(ctx, m.GuildID, t); err != nil {
			return err
		}
	}

	b.reply(s, m.ChannelID, fmt.Sprintf("🎶 **%s**", tracks[0].Title))
	return nil
}

func (b *Bot) handleNowPlaying(s *discordgo.Session, m *discordgo.MessageCreate) {
	t := b.voice.NowPlaying(m.GuildID)
	if t == nil {
		b.reply(s, m.ChannelID, "Nothing is playing.")
		return
	}
	b.reply(s, m.ChannelID, fmt.Sprintf("▶️ **%s** (requested by %s)", t.Title, t.RequestedBy))
}

func (b *Bot) handleQueue(s *discordgo.Session, m *discordgo.MessageCreate) {
	queue := b.voice.Queue(m.GuildID)
	if len(queue) == 0 {
		b.reply(s, m.ChannelID, "The queue is empty.")
		return
	}
	var sb strings.Builder
	for n, t := range queue {
		fmt.Fprintf(&sb, "%d. %s\n", n+1, t.Title)
		if n == 9 {
			fmt.Fprintf(&sb, "… and %d more", len(queue)-10)
			break
		}
	}
	b.reply(s, m.ChannelID, sb.String())
}

// findUserVoiceChannel locates the voice channel the author currently
// occupies.
func (b *Bot) findUserVoiceChannel(s *discordgo.Session, guildID, userID string) (string, error) {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return "", fmt.Errorf("guild lookup failed: %w", err)
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID, nil
		}
	}
	return "", fmt.Errorf("join a voice channel first")
}

func (b *Bot) reply(s *discordgo.Session, channelID, content string) {
	if _, err := s.ChannelMessageSend(channelID, content); err != nil {
		b.log.Warn().Err(err).Msg("Failed to send reply")
	}
}
