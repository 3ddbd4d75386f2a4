package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"classchat/internal/backend"
	"classchat/internal/session"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var (
		limit  int
		before string
	)
	cmd := &cobra.Command{
		Use:   "history [conversation]",
		Short: "Print a page of messages and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID := defaultConversation
			if len(args) == 1 {
				convID = args[0]
			}
			return runHistory(convID, limit, before)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "messages per page (default from config)")
	cmd.Flags().StringVar(&before, "before", "", "page before this message id")
	return cmd
}

func runHistory(convID string, limit int, before string) error {
	cfg := loadConfigOrDefaults()
	logger = buildLogger(cfg)

	sess, err := session.Load(session.Config{
		Token:     cfg.Auth.Token,
		TokenFile: cfg.Auth.TokenFile,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := sess.Valid(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := backend.NewClient(backend.Config{
		BaseURL: cfg.Server.BaseURL,
		Token:   sess.Token(),
		Timeout: cfg.Server.RequestTimeout(),
		Logger:  logger,
	})

	if limit <= 0 {
		limit = cfg.History.PageSize
	}
	page, err := client.History(ctx, convID, limit, before)
	if err != nil {
		return err
	}

	if len(page.Messages) == 0 {
		fmt.Println("no messages")
		return nil
	}
	for _, m := range page.Messages {
		fmt.Println(formatMessage(m))
	}
	if page.HasMore {
		fmt.Fprintf(os.Stderr, "more: classchat history %s --before %s\n", convID, page.Messages[0].ID)
	}
	return nil
}
