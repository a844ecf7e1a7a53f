package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/loqalabs/loqa-speak/internal/audio/opus"
)

const sendTimeout = 5 * time.Second

// connection streams synthesized WAV audio into a discordgo voice connection.
type connection struct {
	vc      *discordgo.VoiceConnection
	bitrate int
	log     *slog.Logger
}

func (c *connection) Play(ctx context.Context, data []byte) error {
	frames, err := opus.PrepareWAV(data)
	if err != nil {
		return err
	}
	enc, err := opus.NewEncoder(c.bitrate)
	if err != nil {
		return err
	}

	if err := c.vc.Speaking(true); err != nil {
		c.log.Warn("failed to set speaking state", slog.String("error", err.Error()))
	}
	defer func() {
		if err := c.vc.Speaking(false); err != nil {
			c.log.Debug("failed to clear speaking state", slog.String("error", err.Error()))
		}
	}()

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	for _, frame := range frames {
		packet, err := enc.Encode(frame)
		if err != nil {
			return err
		}
		timer.Reset(sendTimeout)
		select {
		case c.vc.OpusSend <- packet:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("discord: timeout sending audio")
		}
	}
	return nil
}

func (c *connection) Disconnect() error {
	return c.vc.Disconnect()
}
