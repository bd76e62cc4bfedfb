package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/user"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/user/vizlearn/internal/pipeline"
	"github.com/user/vizlearn/internal/state"
	"github.com/user/vizlearn/internal/types"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("session", "", "session id (default cli:<user>)")
	chatCmd.Flags().String("provider", "", "preferred provider")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the tutor in the terminal",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

func defaultCLISession() types.SessionID {
	name := "local"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return types.NewSessionKey("cli", name)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	session, _ := cmd.Flags().GetString("session")
	providerName, _ := cmd.Flags().GetString("provider")
	id := types.SessionID(session)
	if id == "" {
		id = defaultCLISession()
	}
	if err := id.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.gateway.Start(ctx)
	defer a.gateway.Stop()

	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return fmt.Errorf("create markdown renderer: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s. Type /new to start over, /quit to leave.\n", id)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			if err := a.store.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintln(out, "Started a new conversation.")
			continue
		}

		res, err := a.gateway.Do(ctx, &types.InboundEvent{
			Source:    "cli",
			SessionID: id,
			UserID:    string(id),
			Text:      line,
			Provider:  providerName,
		})
		if err != nil {
			var te *pipeline.TurnError
			if errors.As(err, &te) {
				fmt.Fprintln(out, te.Message)
				continue
			}
			return err
		}
		printResult(out, renderer, a.artifacts, res)
	}
}

func printResult(out io.Writer, renderer *glamour.TermRenderer, artifacts *state.ArtifactStore, res *pipeline.Result) {
	text := res.Explanation
	if rendered, err := renderer.Render(text); err == nil {
		text = rendered
	}
	fmt.Fprint(out, text)
	if res.Artifact.IsEmpty() {
		return
	}
	location := res.Artifact.Ref
	if path, err := artifacts.Resolve(res.Artifact.Ref); err == nil {
		location = path
	}
	fmt.Fprintf(out, "[%s] %s\n", res.Artifact.Kind, location)
}
