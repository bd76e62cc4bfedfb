// Package telegram connects Telegram chats to the gateway. Each chat is one
// session, "telegram:<chat id>".
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/vizlearn/internal/delivery"
	"github.com/user/vizlearn/internal/gateway"
	"github.com/user/vizlearn/internal/pipeline"
	"github.com/user/vizlearn/internal/types"
)

const (
	maxTelegramMessage = 4096
	SessionPrefix      = "telegram:"
)

// Sender is the part of the bot API the adapter sends through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Inbound accepts turns. *gateway.Gateway implements it.
type Inbound interface {
	HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...gateway.RunOption) (*gateway.Run, error)
}

// ArtifactResolver maps an artifact URL to its file.
type ArtifactResolver interface {
	Resolve(ref string) (string, error)
}

// Snapshotter renders an HTML artifact to PNG.
type Snapshotter interface {
	Snapshot(ctx context.Context, ref types.ArtifactRef, viewport types.Viewport) ([]byte, error)
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	bot       *tgbotapi.BotAPI
	sender    Sender
	gateway   Inbound
	store     types.ContextStore
	artifacts ArtifactResolver
	snapshots Snapshotter
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSnapshots sends a PNG preview alongside HTML artifacts.
func WithSnapshots(s Snapshotter) Option {
	return func(a *Adapter) { a.snapshots = s }
}

// New creates a Telegram adapter.
func New(token string, gw Inbound, store types.ContextStore, artifacts ArtifactResolver, opts ...Option) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, gw, store, artifacts, opts...)
	a.bot = bot
	return a, nil
}

func newAdapter(sender Sender, gw Inbound, store types.ContextStore, artifacts ArtifactResolver, opts ...Option) *Adapter {
	a := &Adapter{sender: sender, gateway: gw, store: store, artifacts: artifacts}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	event := &types.InboundEvent{
		Source:    "telegram",
		SessionID: sessionID(chatID),
		Text:      msg.Text,
	}
	if msg.From != nil {
		event.UserID = strconv.FormatInt(msg.From.ID, 10)
	}

	_, err := a.gateway.HandleInbound(ctx, event, gateway.WithOnComplete(func(res *pipeline.Result, err error) {
		if err != nil {
			a.sendText(chatID, failureMessage(err))
			return
		}
		a.sendResult(ctx, chatID, delivery.Message{Text: res.Explanation, Artifact: res.Artifact})
	}))
	if err != nil {
		slog.Error("telegram inbound rejected", "chat_id", chatID, "error", err)
		a.sendText(chatID, "Sorry, I could not accept your message right now.")
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	id := sessionID(chatID)

	switch msg.Command() {
	case "start":
		a.sendText(chatID, "Hello! Ask me about a concept and I will explain it, with a plot, animation or interactive visualization when it helps.")

	case "new":
		if err := a.store.Delete(ctx, id); err != nil {
			slog.Error("clear session", "session_id", string(id), "error", err)
			a.sendText(chatID, "Could not clear the conversation.")
			return
		}
		a.sendText(chatID, "Started a new conversation.")

	case "status":
		sc, err := a.store.GetOrCreate(ctx, id)
		if err != nil {
			a.sendText(chatID, "Error fetching status.")
			return
		}
		a.sendText(chatID, statusText(sc))

	default:
		a.sendText(chatID, "Unknown command. Available: /start, /new, /status")
	}
}

func statusText(sc *types.SessionContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\nMessages: %d", sc.SessionID, len(sc.Messages))
	if sc.CurrentTopic != "" {
		fmt.Fprintf(&b, "\nTopic: %s", sc.CurrentTopic)
	}
	if !sc.LastRenderOutput.IsEmpty() {
		fmt.Fprintf(&b, "\nLast visualization: %s", sc.LastRenderOutput.Kind)
	}
	return b.String()
}

// Deliver sends a result to the chat behind a telegram session. It is the
// delivery handler for the "telegram:" prefix.
func (a *Adapter) Deliver(ctx context.Context, id types.SessionID, msg delivery.Message) error {
	chatID, err := ChatID(id)
	if err != nil {
		return err
	}
	a.sendResult(ctx, chatID, msg)
	return nil
}

func (a *Adapter) sendResult(ctx context.Context, chatID int64, msg delivery.Message) {
	if strings.TrimSpace(msg.Text) != "" {
		a.sendText(chatID, msg.Text)
	}
	if msg.Artifact.IsEmpty() {
		return
	}
	path, err := a.artifacts.Resolve(msg.Artifact.Ref)
	if err != nil {
		slog.Error("resolve artifact", "ref", msg.Artifact.Ref, "error", err)
		return
	}

	var files []tgbotapi.Chattable
	switch msg.Artifact.Kind {
	case types.ArtifactVideo:
		files = append(files, tgbotapi.NewVideo(chatID, tgbotapi.FilePath(path)))
	case types.ArtifactHTML, types.ArtifactPlot:
		if a.snapshots != nil {
			png, err := a.snapshots.Snapshot(ctx, msg.Artifact, a.viewport(ctx, chatID))
			if err != nil {
				slog.Warn("snapshot failed", "ref", msg.Artifact.Ref, "error", err)
			} else {
				name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".png"
				files = append(files, tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: name, Bytes: png}))
			}
		}
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
		doc.Caption = "Open in a browser for the interactive version."
		files = append(files, doc)
	}
	for _, f := range files {
		if _, err := a.sender.Send(f); err != nil {
			slog.Error("send artifact", "chat_id", chatID, "ref", msg.Artifact.Ref, "error", err)
		}
	}
}

func (a *Adapter) viewport(ctx context.Context, chatID int64) types.Viewport {
	sc, err := a.store.GetOrCreate(ctx, sessionID(chatID))
	if err != nil {
		return types.DefaultViewport
	}
	return sc.UIState.Viewport
}

func (a *Adapter) sendText(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.sender.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.sender.Send(msg); err != nil {
				slog.Error("send message", "chat_id", chatID, "error", err)
			}
		}
	}
}

func failureMessage(err error) string {
	var te *pipeline.TurnError
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	return "Sorry, something went wrong processing your message."
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := min(maxTelegramMessage, len(text))
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func sessionID(chatID int64) types.SessionID {
	return types.NewSessionKey("telegram", strconv.FormatInt(chatID, 10))
}

// ChatID extracts the chat id from a telegram session id.
func ChatID(id types.SessionID) (int64, error) {
	raw, ok := strings.CutPrefix(string(id), SessionPrefix)
	if !ok {
		return 0, fmt.Errorf("not a telegram session: %s", id)
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id from %s: %w", id, err)
	}
	return chatID, nil
}
