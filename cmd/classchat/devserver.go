package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classchat/internal/devserver"

	"github.com/spf13/cobra"
)

// devSecretDefault is shared by the serve and mint paths so the zero-config
// flow works: run the server, mint a token, chat.
const devSecretDefault = "classchat-dev-secret"

func devserverCmd() *cobra.Command {
	var (
		addr      string
		secret    string
		uploadDir string
		mintUser  string
		mintName  string
		mintTTL   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local stand-in for the course platform",
		Long: "Run an in-memory chat API on localhost for development and demos.\n" +
			"State is not persisted. Use --mint-token to print a session token\n" +
			"accepted by this server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mintUser != "" {
				name := mintName
				if name == "" {
					name = mintUser
				}
				token, err := devserver.MintToken(secret, mintUser, name, mintTTL)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			}
			return runDevserver(addr, secret, uploadDir)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default 127.0.0.1:8080)")
	cmd.Flags().StringVar(&secret, "secret", devSecretDefault, "HMAC secret for session tokens")
	cmd.Flags().StringVar(&uploadDir, "upload-dir", "", "directory for uploaded files (default: a temp dir)")
	cmd.Flags().StringVar(&mintUser, "mint-token", "", "print a session token for this user id and exit")
	cmd.Flags().StringVar(&mintName, "name", "", "display name for --mint-token (default: the user id)")
	cmd.Flags().DurationVar(&mintTTL, "ttl", 24*time.Hour, "token lifetime for --mint-token")
	return cmd
}

func runDevserver(addr, secret, uploadDir string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := devserver.New(devserver.Config{
		Addr:      addr,
		Secret:    secret,
		UploadDir: uploadDir,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	logger.Info("mint a session token with: classchat devserver --mint-token <user-id>")
	return srv.Start(ctx)
}
