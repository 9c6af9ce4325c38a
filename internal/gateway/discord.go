// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Discord talks to a single channel; other channels and the bot's own
// messages are ignored.
type Discord struct {
	*Bridge

	session   *discordgo.Session
	channelID string
	logger    *slog.Logger
}

func NewDiscord(token, channelID string, resolver Resolver, logger *slog.Logger) (*Discord, error) {
	if channelID == "" {
		return nil, fmt.Errorf("discord channel id is required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	if logger == nil {
		logger = slog.Default()
	}

	return &Discord{
		Bridge:    NewBridge("discord", resolver, logger),
		session:   s,
		channelID: channelID,
		logger:    logger,
	}, nil
}

func (d *Discord) Send(_ context.Context, text string) error {
	_, err := d.session.ChannelMessageSend(d.channelID, text)
	return err
}

// Run opens the gateway connection and relays until ctx is done.
func (d *Discord) Run(ctx context.Context) error {
	remove := d.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.ChannelID != d.channelID || m.Author == nil || (s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID) {
			return
		}
		if ack := d.Reply(ctx, m.Content); ack != "" {
			if err := d.Send(ctx, ack); err != nil {
				d.logger.Warn("discord reply failed", "error", err)
			}
		}
	})
	defer remove()

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	defer d.session.Close()

	go d.Bridge.Run(ctx, d)
	<-ctx.Done()
	return nil
}
