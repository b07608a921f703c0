package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
)

// ErrInvalidToken means the gateway rejected the bot credentials; it is never retried.
var ErrInvalidToken = errors.New("discord: invalid bot token")

const connectMaxElapsed = 2 * time.Minute

func newConnectBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectMaxElapsed
	return bo
}

// Connect creates a session, validates the token and opens the gateway,
// retrying transient failures with exponential backoff.
func Connect(ctx context.Context, token string, logger *slog.Logger) (*discordgo.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: DISCORD_BOT_TOKEN is empty", ErrInvalidToken)
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if _, err := s.User("@me", discordgo.WithContext(ctx)); err != nil {
			var rest *discordgo.RESTError
			if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(ErrInvalidToken)
			}
			logger.Warn("discord login failed, retrying", "attempt", attempt, "err", err)
			return err
		}
		if err := s.Open(); err != nil {
			logger.Warn("discord gateway open failed, retrying", "attempt", attempt, "err", err)
			return err
		}
		return nil
	}, backoff.WithContext(newConnectBackoff(), ctx))
	if err != nil {
		return nil, fmt.Errorf("discord connect: %w", err)
	}
	logger.Info("discord gateway connected", "attempts", attempt)
	return s, nil
}

// TrackConnection returns a probe that reports whether the gateway is up. It
// starts true because it is installed after Connect has opened the session.
func TrackConnection(s *discordgo.Session) func() bool {
	var up atomic.Bool
	up.Store(true)
	s.AddHandler(func(*discordgo.Session, *discordgo.Connect) { up.Store(true) })
	s.AddHandler(func(*discordgo.Session, *discordgo.Disconnect) { up.Store(false) })
	return up.Load
}
