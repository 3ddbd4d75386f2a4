package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"classchat/internal/backend"
	"classchat/internal/bus"
	"classchat/internal/cache"
	"classchat/internal/config"
	"classchat/internal/conversation"
	"classchat/internal/domain"
	"classchat/internal/emoji"
	"classchat/internal/metrics"
	"classchat/internal/session"
	"classchat/internal/upload"

	"github.com/spf13/cobra"
)

const defaultConversation = "general"

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [conversation]",
		Short: "Open a conversation (interactive)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfigOrDefaults()
	logger = buildLogger(cfg)

	convID := defaultConversation
	if len(args) == 1 {
		convID = args[0]
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

	messageBus := bus.New(logger)
	client := backend.NewClient(backend.Config{
		BaseURL: cfg.Server.BaseURL,
		Token:   sess.Token(),
		Timeout: cfg.Server.RequestTimeout(),
		Logger:  logger,
	})

	ctrlCfg := conversation.ControllerConfig{
		Backend:         client,
		Subscriber:      newSubscriber(cfg, sess.Token()),
		Bus:             messageBus,
		Conversation:    convID,
		Identity:        sess.Identity(),
		PageSize:        cfg.History.PageSize,
		ReconcileWindow: cfg.Send.ReconcileTimeout(),
		TypingThrottle:  cfg.Typing.Throttle(),
		TypingExpiry:    cfg.Typing.Expiry(),
		Logger:          logger,
	}
	if cfg.Cache.Enabled {
		store, err := cache.NewSQLiteCache(cfg.Cache.DBPath, logger)
		if err != nil {
			logger.Warn("cache unavailable, running without it", "path", cfg.Cache.DBPath, "err", err)
		} else {
			defer store.Close()
			ctrlCfg.Cache = store
		}
	}

	uploads := upload.NewPipeline(upload.PipelineConfig{
		Backend:      client,
		Bus:          messageBus,
		MaxSizeBytes: cfg.Uploads.MaxSizeBytes(),
		Concurrency:  cfg.Uploads.Concurrency,
		Logger:       logger,
	})

	emojiTable := emoji.NewTable()
	emojiPath := filepath.Join(config.ExpandPath(cfg.General.DataDir), "emoji.yaml")
	if err := emojiTable.LoadFile(emojiPath, logger); err != nil {
		logger.Warn("emoji overrides not loaded", "path", emojiPath, "err", err)
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Addr)
	}

	ctrl := conversation.NewController(ctrlCfg)
	view := newChatView(os.Stdout, ctrl, uploads, emojiTable)
	view.register(messageBus)

	view.printf("── %s ──\n", convID)
	view.printf("type a message, or /help for commands\n")

	if err := ctrl.Open(ctx); err != nil {
		return err
	}
	defer ctrl.Close()

	if info, ok := ctrl.Info(); ok && info.Title != "" && info.Title != convID {
		view.printf("* topic: %s\n", info.Title)
	}
	if ctrl.Muted() {
		view.printf("* you are muted here; reading only\n")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := view.dispatch(ctx, strings.TrimSpace(line))
			if err != nil {
				view.printf("! %s\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// chatView turns bus updates into terminal lines. It prints whole lines only;
// there is no full-screen redraw, so updates interleave with the prompt the
// way tail -f output does.
type chatView struct {
	out   io.Writer
	ctrl  *conversation.Controller
	ups   *upload.Pipeline
	emoji *emoji.Table

	mu         sync.Mutex
	seen       map[string]bool
	lastTyping string
	lastUpload map[string]upload.Status
}

func newChatView(out io.Writer, ctrl *conversation.Controller, ups *upload.Pipeline, table *emoji.Table) *chatView {
	return &chatView{
		out:        out,
		ctrl:       ctrl,
		ups:        ups,
		emoji:      table,
		seen:       make(map[string]bool),
		lastUpload: make(map[string]upload.Status),
	}
}

func (v *chatView) register(b *bus.Bus) {
	b.On(bus.TimelineUpdated, v.onTimeline)
	b.On(bus.TypingUpdated, v.onTyping)
	b.On(bus.ConnectionChanged, v.onConnection)
	b.On(bus.SendConfirmed, v.onConfirmed)
	b.On(bus.SendFailed, v.onFailed)
	b.On(bus.UploadsUpdated, v.onUploads)
}

func (v *chatView) printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}

// onTimeline prints entries it has not shown yet, keyed by temp id for
// optimistic entries so the confirmed replacement is not printed twice.
func (v *chatView) onTimeline(bus.Update) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.ctrl.Messages() {
		key := m.TempID
		if key == "" {
			key = m.ID
		}
		if key == "" || v.seen[key] {
			continue
		}
		v.seen[key] = true
		fmt.Fprintln(v.out, formatMessage(m))
	}
}

func (v *chatView) onTyping(bus.Update) {
	phrase := v.ctrl.TypingPhrase()
	v.mu.Lock()
	defer v.mu.Unlock()
	if phrase != "" && phrase != v.lastTyping {
		fmt.Fprintln(v.out, "* "+phrase)
	}
	v.lastTyping = phrase
}

func (v *chatView) onConnection(u bus.Update) {
	if connected, _ := u.Payload["connected"].(bool); connected {
		v.printf("* realtime connected\n")
	} else {
		v.printf("* realtime connection lost, reconnecting\n")
	}
}

func (v *chatView) onConfirmed(u bus.Update) {
	metrics.MessagesTotal.Inc()
	if id, _ := u.Payload["id"].(string); id != "" {
		v.printf("✓ delivered (#%s)\n", shortID(id))
	}
}

func (v *chatView) onFailed(u bus.Update) {
	tempID, _ := u.Payload["temp_id"].(string)
	reason, _ := u.Payload["reason"].(string)
	v.printf("✗ not delivered: %s (/retry %s or /discard %s)\n", reason, shortID(tempID), shortID(tempID))
}

// onUploads announces terminal states; live progress stays behind /uploads.
func (v *chatView) onUploads(bus.Update) {
	items := v.ups.Items()
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, it := range items {
		if v.lastUpload[it.ID] == it.Status {
			continue
		}
		v.lastUpload[it.ID] = it.Status
		switch it.Status {
		case upload.StatusComplete:
			metrics.UploadsTotal.Inc()
			fmt.Fprintf(v.out, "⇡ %s ready to send\n", it.Name)
		case upload.StatusError:
			fmt.Fprintf(v.out, "⇡ %s failed: %s\n", it.Name, it.Reason)
		}
	}
}

func (v *chatView) dispatch(ctx context.Context, line string) (quit bool, err error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, v.sendText(ctx, line, nil)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/help":
		v.printHelp()
		return false, nil

	case "/quit", "/exit":
		return true, nil

	// Attachment-only messages have no plain-line form; /send flushes the
	// ready uploads with or without text.
	case "/send":
		return false, v.sendText(ctx, rest, nil)

	case "/history":
		added, err := v.ctrl.LoadMore(ctx)
		if err != nil {
			return false, err
		}
		if added == 0 && !v.ctrl.HasMore() {
			v.printf("* no older messages\n")
		}
		return false, nil

	case "/retry":
		tempID, err := v.resolveFailed(rest)
		if err != nil {
			return false, err
		}
		_, err = v.ctrl.Retry(ctx, tempID)
		return false, err

	case "/discard":
		tempID, err := v.resolveFailed(rest)
		if err != nil {
			return false, err
		}
		if err := v.ctrl.Discard(tempID); err != nil {
			return false, err
		}
		v.printf("* discarded\n")
		return false, nil

	case "/react":
		target, emojiArg, ok := strings.Cut(rest, " ")
		if !ok {
			return false, errors.New("usage: /react <message-id> <emoji>")
		}
		msg, err := v.resolveMessage(target)
		if err != nil {
			return false, err
		}
		glyph := strings.TrimSpace(emojiArg)
		if g, ok := v.emoji.Lookup(glyph); ok {
			glyph = g
		}
		if err := v.ctrl.React(ctx, msg.ID, glyph); err != nil {
			return false, err
		}
		metrics.ReactionsTotal.Inc()
		return false, nil

	case "/reply":
		target, text, ok := strings.Cut(rest, " ")
		if !ok {
			return false, errors.New("usage: /reply <message-id> <text>")
		}
		msg, err := v.resolveMessage(target)
		if err != nil {
			return false, err
		}
		ref := &domain.ReplyRef{
			MessageID:  msg.ID,
			AuthorName: msg.Author.Name,
			Preview:    preview(msg.Content),
		}
		return false, v.sendText(ctx, text, ref)

	case "/attach":
		if rest == "" {
			return false, errors.New("usage: /attach <path>")
		}
		it, err := v.ups.Add(ctx, rest)
		if err != nil {
			return false, err
		}
		v.printf("⇡ %s queued (#%s)\n", it.Name, shortID(it.ID))
		return false, nil

	case "/detach":
		id, err := v.resolveUpload(rest)
		if err != nil {
			return false, err
		}
		v.ups.Remove(id)
		v.printf("* removed\n")
		return false, nil

	case "/uploads":
		v.printUploads()
		return false, nil

	case "/status":
		v.printStatus(ctx)
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

// sendText submits one message through the optimistic pipeline, consuming any
// completed uploads as its attachments.
func (v *chatView) sendText(ctx context.Context, text string, ref *domain.ReplyRef) error {
	if v.ctrl.Muted() {
		return domain.ErrMuted
	}
	if v.ctrl.Sending() {
		return conversation.ErrSendInFlight
	}
	if text != "" {
		v.ctrl.SignalTyping(ctx)
	}

	draft := domain.Draft{
		Content:     v.emoji.Expand(text),
		ReplyTo:     ref,
		Attachments: v.ups.Take(),
	}
	if draft.Empty() {
		return conversation.ErrEmptyMessage
	}
	_, err := v.ctrl.Send(ctx, draft)
	return err
}

// resolveFailed matches a short id prefix against the failed entries.
func (v *chatView) resolveFailed(prefix string) (string, error) {
	if prefix == "" {
		return "", errors.New("which one? give the id shown next to the failed message")
	}
	var match string
	for _, m := range v.ctrl.Failed() {
		if strings.HasPrefix(m.TempID, prefix) {
			if match != "" {
				return "", fmt.Errorf("id %q matches more than one failed message", prefix)
			}
			match = m.TempID
		}
	}
	if match == "" {
		return "", conversation.ErrUnknownEntry
	}
	return match, nil
}

// resolveMessage matches a short id prefix against confirmed messages.
func (v *chatView) resolveMessage(prefix string) (domain.Message, error) {
	if prefix == "" {
		return domain.Message{}, errors.New("which message? give an id prefix")
	}
	var match domain.Message
	found := false
	for _, m := range v.ctrl.Messages() {
		if m.ID == "" || !strings.HasPrefix(m.ID, prefix) {
			continue
		}
		if found {
			return domain.Message{}, fmt.Errorf("id %q matches more than one message", prefix)
		}
		match, found = m, true
	}
	if !found {
		return domain.Message{}, fmt.Errorf("no message with id %q", prefix)
	}
	return match, nil
}

func (v *chatView) resolveUpload(prefix string) (string, error) {
	if prefix == "" {
		return "", errors.New("which upload? give the id from /uploads")
	}
	var match string
	for _, it := range v.ups.Items() {
		if strings.HasPrefix(it.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("id %q matches more than one upload", prefix)
			}
			match = it.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no upload with id %q", prefix)
	}
	return match, nil
}

func (v *chatView) printHelp() {
	v.printf(`commands:
  /history             load older messages
  /retry <id>          resend a failed message
  /discard <id>        drop a failed message
  /reply <id> <text>   reply to a message
  /react <id> <emoji>  toggle a reaction (:+1: works)
  /attach <path>       upload a file for the next message
  /send [text]         send now, even with attachments only
  /detach <id>         remove a queued upload
  /uploads             show upload progress
  /status              connection and conversation state
  /quit                leave
anything else is sent as a message; :shortcodes: are expanded
`)
}

func (v *chatView) printUploads() {
	items := v.ups.Items()
	if len(items) == 0 {
		v.printf("* no pending uploads\n")
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, it := range items {
		switch it.Status {
		case upload.StatusUploading:
			fmt.Fprintf(v.out, "⇡ %s %d%% (#%s)\n", it.Name, it.Progress, shortID(it.ID))
		case upload.StatusComplete:
			fmt.Fprintf(v.out, "⇡ %s ready (#%s)\n", it.Name, shortID(it.ID))
		case upload.StatusError:
			fmt.Fprintf(v.out, "⇡ %s failed: %s (#%s)\n", it.Name, it.Reason, shortID(it.ID))
		}
	}
}

func (v *chatView) printStatus(ctx context.Context) {
	// Pick up mute changes made while the conversation was open.
	if err := v.ctrl.Refresh(ctx); err != nil {
		logger.Debug("refresh failed", "err", err)
	}
	v.printf("* connected=%v muted=%v sending=%v older-history=%v uploads=%d\n",
		v.ctrl.Connected(), v.ctrl.Muted(), v.ctrl.Sending(), v.ctrl.HasMore(), len(v.ups.Items()))
}

func formatMessage(m domain.Message) string {
	var sb strings.Builder
	sb.WriteString(m.CreatedAt.Local().Format("15:04"))
	sb.WriteString(" ")
	sb.WriteString(m.Author.Name)
	if m.ID != "" {
		fmt.Fprintf(&sb, " (#%s)", shortID(m.ID))
	}
	sb.WriteString(": ")
	if m.ReplyTo != nil {
		fmt.Fprintf(&sb, "(re %s: %s) ", m.ReplyTo.AuthorName, m.ReplyTo.Preview)
	}
	sb.WriteString(m.Content)
	for _, a := range m.Attachments {
		fmt.Fprintf(&sb, " [%s %s]", a.Kind, a.Name)
	}
	if len(m.Reactions) > 0 {
		emojis := make([]string, 0, len(m.Reactions))
		for e := range m.Reactions {
			emojis = append(emojis, e)
		}
		sort.Strings(emojis)
		for _, e := range emojis {
			fmt.Fprintf(&sb, " %s×%d", e, len(m.Reactions[e]))
		}
	}
	switch m.State {
	case domain.StateSending:
		sb.WriteString("  …sending")
	case domain.StateFailed:
		fmt.Fprintf(&sb, "  ✗ %s (#%s)", m.FailReason, shortID(m.TempID))
	}
	return sb.String()
}

func preview(s string) string {
	const max = 40
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
