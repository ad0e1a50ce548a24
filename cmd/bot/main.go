// Command bot is an echo-test bot. It sits in a channel and plays each
// member's voice back to the channel after a delay, so people can check
// their microphone and latency.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aeolun/reverb/pkg/botlib"
	"github.com/aeolun/reverb/pkg/protocol"
	"go.uber.org/zap"
)

func main() {
	server := flag.String("server", "tcp://localhost:7465", "Server address")
	username := flag.String("username", "echo-bot", "Bot username")
	secret := flag.String("secret", os.Getenv("REVERB_BOT_SECRET"), "Bot secret (default $REVERB_BOT_SECRET)")
	channel := flag.String("channel", "General", "Channel to join")
	delay := flag.Duration("delay", 2*time.Second, "Echo delay")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logConfig := zap.NewDevelopmentConfig()
	if !*debug {
		logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := logConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bot: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	bot := botlib.New(botlib.Config{
		Server:   *server,
		Username: *username,
		Secret:   *secret,
		Channel:  *channel,
		Logger:   logger,
	})

	bot.OnMemberJoined(func(ctx *botlib.Context, member protocol.IdentityInfo) {
		ctx.Logger().Info("Member joined", zap.String("member", member.Username))
	})
	bot.OnMemberLeft(func(ctx *botlib.Context, member protocol.IdentityInfo) {
		ctx.Logger().Info("Member left", zap.String("member", member.Username))
	})
	bot.OnMedia(func(ctx *botlib.Context, msg protocol.MediaMessage) {
		if msg.Type() != protocol.TypeVoiceData {
			return
		}
		data := msg.Media().Data
		time.AfterFunc(*delay, func() {
			if err := ctx.SendVoice(data); err != nil {
				ctx.Logger().Debug("Echo dropped", zap.Error(err))
			}
		})
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil {
		logger.Error("Bot failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}
