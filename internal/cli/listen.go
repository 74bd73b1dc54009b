package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"quotewire/internal/config"
	"quotewire/internal/status"
	"quotewire/internal/transport"
	"quotewire/pkg/logger"
)

func newListenCmd() *cobra.Command {
	var (
		token    string
		quoteIDs []int64
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect to the broker and stream negotiation events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()

			authToken := token
			if authToken == "" {
				authToken = cfg.Auth.Token
			}
			if authToken == "" {
				var err error
				authToken, err = promptToken()
				if err != nil {
					return err
				}
			}
			if authToken == "" {
				return fmt.Errorf("no auth token provided")
			}

			manager := transport.NewManager(transport.Config{
				BrokerURL:            cfg.Broker.URL,
				BaseDelay:            cfg.Broker.ReconnectBaseDelay,
				MaxAttempts:          cfg.Broker.ReconnectMaxAttempts,
				ChatResubscribeDelay: cfg.Broker.ChatResubscribeDelay,
			})

			creds := transport.Credentials{
				Token:     authToken,
				UserID:    cfg.Auth.UserID,
				CompanyID: cfg.Auth.CompanyID,
				AccountID: cfg.Auth.AccountID,
			}

			for _, id := range quoteIDs {
				if _, err := manager.SubscribeQuoteChat(id); err != nil {
					logger.Warn().Err(err).Int64("quote_id", id).Msg("pre-subscription failed")
				}
			}

			if err := manager.Connect(cmd.Context(), creds); err != nil {
				// The reconnection policy is armed; keep running and report.
				logger.Warn().Err(err).Msg("initial connect failed, retrying in background")
			}

			var statusServer *status.Server
			if cfg.Status.Enabled {
				statusServer = status.NewServer(cfg.Status.Addr, manager)
				statusServer.Start()
			}

			events, cancelEvents := manager.Feed().SubscribeEvents()
			defer cancelEvents()
			states, cancelStates := manager.Feed().SubscribeStates()
			defer cancelStates()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			for {
				select {
				case ev := <-events:
					logEvent(ev)
				case st := <-states:
					logger.Info().
						Str("phase", st.Phase.String()).
						Str("reason", st.Reason).
						Int("attempt", st.ReconnectAttempt).
						Msg("connection state")
				case sig := <-sigCh:
					logger.Info().Str("signal", sig.String()).Msg("shutting down")
					manager.Disconnect()
					if statusServer != nil {
						ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						_ = statusServer.Shutdown(ctx)
					}
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "bearer token (overrides config; prompted if absent)")
	cmd.Flags().Int64SliceVar(&quoteIDs, "quote", nil, "quote ids to subscribe chat topics for")

	return cmd
}

func logEvent(ev transport.Event) {
	entry := logger.Info().
		Str("kind", ev.Kind.String()).
		Int64("quote_id", ev.QuoteID)
	if ev.RequestID > 0 {
		entry = entry.Int64("request_id", ev.RequestID)
	}
	if ev.Message != nil {
		entry = entry.
			Str("type", ev.Message.TypeCode).
			Str("content", ev.Message.ContentCode).
			Str("subtype", string(ev.Message.SystemSubtype))
	}
	entry.Msg("event")
}

func promptToken() (string, error) {
	fmt.Fprint(os.Stderr, "Auth token: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
