// Command discord joins one voice channel and plays the links given on the
// command line, then keeps reading playback commands from stdin.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/keshon/voice-dispatcher/internal/config"
	"github.com/keshon/voice-dispatcher/internal/console"
	"github.com/keshon/voice-dispatcher/internal/logger"
	"github.com/keshon/voice-dispatcher/internal/music/dispatcher"
	"github.com/keshon/voice-dispatcher/internal/music/player"
	"github.com/keshon/voice-dispatcher/internal/music/session"
	"github.com/keshon/voice-dispatcher/internal/music/sources"
	"github.com/keshon/voice-dispatcher/internal/music/voice"
)

const appName = "voice-dispatcher"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("info", true)
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.Init(cfg.LogLevel, cfg.LogPretty)

	log.Info().Str("app", appName).Msg("Starting")
	if err := run(cfg, os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("Exited with error")
	}
	log.Info().Msg("Exited cleanly")
}

func run(cfg *config.Config, links []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := dg.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	defer dg.Close()

	joinCtx, joinCancel := context.WithTimeout(ctx, dispatcher.ReadyTimeout)
	conn, err := voice.Join(joinCtx, dg, cfg.GuildID, cfg.ChannelID)
	joinCancel()
	if err != nil {
		return err
	}

	behavior, err := cfg.NoSubscriberBehavior()
	if err != nil {
		return err
	}
	d := dispatcher.New(conn, cfg.ChannelID,
		dispatcher.WithMovedCloseCodes(cfg.MovedCloseCodes...),
		dispatcher.WithPlayerOptions(player.WithNoSubscriberBehavior(behavior)),
	)
	defer func() {
		d.Disconnect()
		d.Close()
	}()

	d.AddHandler(func(e dispatcher.Event) {
		if e.Type == dispatcher.EventDebug {
			log.Debug().Str("component", "dispatcher").Msg(e.Message)
		}
	})

	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	conn.OnStateChange(func(_, newState voice.State) {
		if newState.Status == voice.StatusDestroyed {
			stop(voice.ErrDestroyed)
		}
	})

	sess := session.New(d, sources.NewResolver(), session.WithVolume(cfg.DefaultVolume))
	defer sess.Close()

	for _, link := range links {
		if _, err := sess.Enqueue(ctx, link); err != nil {
			log.Warn().Err(err).Str("link", link).Msg("Failed to queue link")
		}
	}

	go func() {
		err := console.Run(ctx, console.NewRegistry(sess), os.Stdin, os.Stdout)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Console stopped")
		}
	}()

	err = sess.Run(ctx)
	if cause := context.Cause(ctx); errors.Is(cause, voice.ErrDestroyed) {
		return fmt.Errorf("voice connection lost: %w", cause)
	}
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("Received signal, shutting down")
		return nil
	}
	return err
}
