package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/vizlearn/internal/delivery"
	"github.com/user/vizlearn/internal/gateway"
	"github.com/user/vizlearn/internal/pipeline"
	"github.com/user/vizlearn/internal/state"
	"github.com/user/vizlearn/internal/types"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.Chattable
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

type fakeInbound struct {
	events []*types.InboundEvent
	result *pipeline.Result
	err    error
}

func (f *fakeInbound) HandleInbound(_ context.Context, event *types.InboundEvent, opts ...gateway.RunOption) (*gateway.Run, error) {
	f.events = append(f.events, event)
	run := gateway.NewRun(event)
	for _, opt := range opts {
		opt(run)
	}
	run.OnComplete(f.result, f.err)
	return run, nil
}

type fakeSnapshotter struct{ err error }

func (f fakeSnapshotter) Snapshot(context.Context, types.ArtifactRef, types.Viewport) ([]byte, error) {
	return []byte("png"), f.err
}

type fixture struct {
	sender    *fakeSender
	inbound   *fakeInbound
	store     *state.ContextStore
	artifacts *state.ArtifactStore
	adapter   *Adapter
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		sender:    &fakeSender{},
		inbound:   &fakeInbound{},
		store:     state.NewContextStore(state.NewMemoryBackend()),
		artifacts: state.NewArtifactStore(t.TempDir(), "/artifacts"),
	}
	f.adapter = newAdapter(f.sender, f.inbound, f.store, f.artifacts, opts...)
	return f
}

func command(chatID int64, text string) *tgbotapi.Message {
	name, _, _ := strings.Cut(text, " ")
	return &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: chatID},
		From:     &tgbotapi.User{ID: 7},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}
}

func TestSplitMessage(t *testing.T) {
	if parts := splitMessage("Hello world"); len(parts) != 1 || parts[0] != "Hello world" {
		t.Errorf("unexpected parts %v", parts)
	}
	parts := splitMessage(strings.Repeat("a", 5000))
	if len(parts) != 2 || len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected a full first part, got %d parts", len(parts))
	}
}

func TestSessionIDs(t *testing.T) {
	id := sessionID(-100123)
	if id != "telegram:-100123" {
		t.Errorf("unexpected session id %q", id)
	}
	chatID, err := ChatID(id)
	if err != nil || chatID != -100123 {
		t.Errorf("unexpected chat id %d %v", chatID, err)
	}
	if _, err := ChatID("web:1"); err == nil {
		t.Error("expected error for foreign session")
	}
}

func TestHandleMessageSendsResult(t *testing.T) {
	f := newFixture(t)
	f.inbound.result = &pipeline.Result{Explanation: "The sine wave.", Artifact: types.NoArtifact()}

	f.adapter.handleMessage(context.Background(), &tgbotapi.Message{
		Text: "Plot sin(x)",
		Chat: &tgbotapi.Chat{ID: 42},
		From: &tgbotapi.User{ID: 7},
	})

	if len(f.inbound.events) != 1 {
		t.Fatalf("expected one inbound event, got %d", len(f.inbound.events))
	}
	ev := f.inbound.events[0]
	if ev.SessionID != "telegram:42" || ev.UserID != "7" || ev.Text != "Plot sin(x)" {
		t.Errorf("unexpected event %+v", ev)
	}
	if texts := f.sender.texts(); len(texts) != 1 || texts[0] != "The sine wave." {
		t.Errorf("unexpected replies %v", texts)
	}
}

func TestHandleMessageTurnError(t *testing.T) {
	f := newFixture(t)
	f.inbound.err = &pipeline.TurnError{State: pipeline.StateRouting, Err: types.ErrNoProviderAvailable, Message: "No language model provider is configured."}

	f.adapter.handleMessage(context.Background(), &tgbotapi.Message{Text: "hi", Chat: &tgbotapi.Chat{ID: 42}})
	if texts := f.sender.texts(); len(texts) != 1 || texts[0] != "No language model provider is configured." {
		t.Errorf("unexpected replies %v", texts)
	}
}

func TestNewCommandClearsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.AppendMessage(ctx, "telegram:42", types.RoleUser, "hello", nil); err != nil {
		t.Fatal(err)
	}

	f.adapter.handleMessage(ctx, command(42, "/new"))

	ids, _ := f.store.List(ctx)
	if len(ids) != 0 {
		t.Errorf("expected session deleted, got %v", ids)
	}
	if len(f.inbound.events) != 0 {
		t.Error("commands must not start turns")
	}
}

func TestStatusCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AppendMessage(ctx, "telegram:42", types.RoleUser, "hello", nil)

	f.adapter.handleMessage(ctx, command(42, "/status"))

	texts := f.sender.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "Session: telegram:42\nMessages: 1") {
		t.Errorf("unexpected status %v", texts)
	}
}

func TestDeliverVideo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	url, err := f.artifacts.Put(ctx, "animation_abc.mp4", []byte("mp4"))
	if err != nil {
		t.Fatal(err)
	}

	err = f.adapter.Deliver(ctx, "telegram:42", delivery.Message{
		Text:     "Here is the animation.",
		Artifact: types.ArtifactRef{Kind: types.ArtifactVideo, Ref: url},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.sender.sent) != 2 {
		t.Fatalf("expected text and video, got %d sends", len(f.sender.sent))
	}
	video, ok := f.sender.sent[1].(tgbotapi.VideoConfig)
	if !ok {
		t.Fatalf("expected a video, got %T", f.sender.sent[1])
	}
	if video.ChatID != 42 || !strings.HasSuffix(string(video.File.(tgbotapi.FilePath)), "animation_abc.mp4") {
		t.Errorf("unexpected video %+v", video)
	}
}

func TestDeliverHTMLWithSnapshot(t *testing.T) {
	f := newFixture(t, WithSnapshots(fakeSnapshotter{}))
	ctx := context.Background()
	url, err := f.artifacts.Put(ctx, "plot_abc.html", []byte("<html></html>"))
	if err != nil {
		t.Fatal(err)
	}

	if err := f.adapter.Deliver(ctx, "telegram:42", delivery.Message{Artifact: types.ArtifactRef{Kind: types.ArtifactPlot, Ref: url}}); err != nil {
		t.Fatal(err)
	}
	if len(f.sender.sent) != 2 {
		t.Fatalf("expected photo and document, got %d sends", len(f.sender.sent))
	}
	photo, ok := f.sender.sent[0].(tgbotapi.PhotoConfig)
	if !ok || photo.File.(tgbotapi.FileBytes).Name != "plot_abc.png" {
		t.Errorf("expected snapshot photo, got %#v", f.sender.sent[0])
	}
	if _, ok := f.sender.sent[1].(tgbotapi.DocumentConfig); !ok {
		t.Errorf("expected html document, got %T", f.sender.sent[1])
	}
}

func TestDeliverHTMLSnapshotFailureStillSendsDocument(t *testing.T) {
	f := newFixture(t, WithSnapshots(fakeSnapshotter{err: errors.New("no browser")}))
	ctx := context.Background()
	url, _ := f.artifacts.Put(ctx, "scene_abc.html", []byte("<html></html>"))

	if err := f.adapter.Deliver(ctx, "telegram:42", delivery.Message{Artifact: types.ArtifactRef{Kind: types.ArtifactHTML, Ref: url}}); err != nil {
		t.Fatal(err)
	}
	if len(f.sender.sent) != 1 {
		t.Fatalf("expected only the document, got %d sends", len(f.sender.sent))
	}
	if _, ok := f.sender.sent[0].(tgbotapi.DocumentConfig); !ok {
		t.Errorf("expected html document, got %T", f.sender.sent[0])
	}
}
