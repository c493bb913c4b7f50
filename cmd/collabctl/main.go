// collabctl is a terminal client for the chat channels of a collaboration
// relay.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/mossy-p/collab-relay/internal/chat"
	"github.com/mossy-p/collab-relay/internal/membership"
	"github.com/mossy-p/collab-relay/internal/models"
	"github.com/mossy-p/collab-relay/internal/transport"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("collabctl", pflag.ContinueOnError)

	var (
		server   = fs.StringP("server", "s", "http://localhost:8080", "relay base URL")
		user     = fs.StringP("user", "u", "", "user name to log in as")
		name     = fs.StringP("name", "n", "", "display name (defaults to the user name)")
		room     = fs.StringP("room", "r", "lobby", "chat channel to join")
		backlog  = fs.Int("history", 50, "number of past messages to load")
		logLevel = fs.StringP("log-level", "l", "warn", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if *user == "" {
		logger.Fatal().Msg("--user is required")
	}
	if *name == "" {
		*name = *user
	}
	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *server, *user, *name, *room, *backlog, &logger); err != nil {
		logger.Fatal().Err(err).Msg("collabctl failed")
	}
}

func run(ctx context.Context, server, user, name, room string, backlog int, logger *zerolog.Logger) error {
	token, err := login(ctx, server, user, name)
	if err != nil {
		return err
	}
	wsURL, err := socketURL(server)
	if err != nil {
		return err
	}

	m := transport.Init(transport.Config{
		URL:         wsURL,
		Token:       token,
		DisplayName: name,
		Logger:      logger,
		OnError: func(err error) {
			logger.Error().Err(err).Msg("connection lost")
		},
	})
	defer transport.Teardown()
	if _, err := m.Connect(ctx, token); err != nil {
		return err
	}

	tracker := membership.New(membership.Config{Bus: m, Self: models.User{ID: user, Name: name}, Logger: logger})
	defer tracker.Close()

	history, err := chat.NewHTTPHistory(server, token, chat.WithHistoryLogger(logger))
	if err != nil {
		return err
	}
	ch, err := chat.Join(ctx, chat.Config{Tracker: tracker, RoomID: room, History: history, Logger: logger})
	if err != nil {
		return fmt.Errorf("joining %s: %w", room, err)
	}
	defer ch.Close()

	ch.OnMessage(printMessage)
	ch.OnTyping(func(ev chat.TypingEvent) {
		if ev.IsTyping {
			fmt.Printf("  %s is typing...\n", ev.UserName)
		}
	})
	if _, err := ch.Refresh(ctx, backlog); err != nil {
		logger.Warn().Err(err).Msg("failed to load history")
	}
	fmt.Printf("joined #%s as %s, /quit to leave\n", room, name)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			ch.Keystroke()
			if _, err := ch.Send(ctx, line); err != nil {
				logger.Error().Err(err).Msg("failed to send message")
			}
		}
	}
}

func printMessage(msg models.ChatMessage) {
	ts := msg.CreatedAt.Local().Format("15:04")
	switch {
	case msg.Attachment != nil:
		fmt.Printf("[%s] %s: %s (%s)\n", ts, msg.Username, msg.Text, msg.Attachment.URL)
	default:
		fmt.Printf("[%s] %s: %s\n", ts, msg.Username, msg.Text)
	}
}

func socketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parsing server address: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.JoinPath("ws").String(), nil
}

func login(ctx context.Context, server, user, name string) (string, error) {
	body, err := json.Marshal(map[string]string{"username": user, "password": user, "display_name": name})
	if err != nil {
		return "", err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(server, "/")+"/api/auth/login", body)
	if err != nil {
		return "", fmt.Errorf("creating login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := retryablehttp.NewClient()
	client.Logger = nil
	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrConnection, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: login returned %s", models.ErrAuth, res.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding login response: %w", err)
	}
	return out.Token, nil
}
