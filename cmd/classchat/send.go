package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"classchat/internal/backend"
	"classchat/internal/config"
	"classchat/internal/domain"
	"classchat/internal/emoji"
	"classchat/internal/session"
	"classchat/internal/upload"

	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	var (
		to    string
		files []string
	)
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send one message and exit",
		Long:  "Send a single message without opening the interactive view.\nAttach images or videos with --file (repeatable).",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(to, strings.Join(args, " "), files)
		},
	}
	cmd.Flags().StringVarP(&to, "to", "t", defaultConversation, "conversation to post into")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "attach a file (repeatable)")
	return cmd
}

func runSend(to, text string, files []string) error {
	cfg := loadConfigOrDefaults()
	logger = buildLogger(cfg)

	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return errors.New("nothing to send: give message text or --file")
	}

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

	table := emoji.NewTable()
	emojiPath := filepath.Join(config.ExpandPath(cfg.General.DataDir), "emoji.yaml")
	if err := table.LoadFile(emojiPath, logger); err != nil {
		logger.Warn("emoji overrides not loaded", "path", emojiPath, "err", err)
	}

	var atts []domain.Attachment
	for _, path := range files {
		att, err := uploadOne(ctx, client, cfg.Uploads.MaxSizeBytes(), path)
		if err != nil {
			return err
		}
		atts = append(atts, *att)
	}

	msg, err := client.CreateMessage(ctx, to, domain.Draft{
		Content:     table.Expand(text),
		Attachments: atts,
	})
	if err != nil {
		return err
	}
	fmt.Println(msg.ID)
	return nil
}

// uploadOne validates and uploads a single file, reporting progress on stderr
// so the message id stays the only thing on stdout.
func uploadOne(ctx context.Context, client *backend.Client, maxSize int64, path string) (*domain.Attachment, error) {
	name := filepath.Base(path)
	_, mimeType, ok := upload.DetectType(name)
	if !ok {
		return nil, fmt.Errorf("%s is not an accepted image or video", name)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if err := upload.CheckSize(name, st.Size(), maxSize); err != nil {
		return nil, err
	}

	att, err := client.UploadFile(ctx, f, name, st.Size(), mimeType, func(pct int) {
		fmt.Fprintf(os.Stderr, "\r%s %3d%%", name, pct)
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return att, nil
}
