package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/ollama-web-chat/internal/client"
	"github.com/MegaGrindStone/ollama-web-chat/internal/logger"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

const chatLongDesc string = `Command line client of the Ollama web chat service.

Answers are streamed as they are generated. Unsent input is kept as a draft per
chat, so a failed send can be retried with "chat send --chat <id>".

Examples:
  chat send "hello" --model llama2
  chat history
  chat show <chat-id>
  chat vote <chat-id> <message-id> up`

const chatShortDesc string = "Ollama web chat client"

var (
	userPrompt      = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true).Render("you> ")
	assistantPrompt = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render("assistant> ")
	dimStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type chatCommander struct {
	server  string
	user    string
	model   string
	profile string
	debug   bool

	logger *slog.Logger
	client *client.Client
}

func main() {
	if err := newChatCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newChatCmd() *cobra.Command {
	cmder := &chatCommander{}

	cmd := &cobra.Command{
		Use:           "chat",
		Short:         chatShortDesc,
		Long:          chatLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmder.logger = logger.New(
				logger.WithDebug(cmder.debug),
				logger.WithPretty(true),
				logger.WithWriter(cmd.ErrOrStderr()),
			)

			c, err := client.New(cmder.server,
				client.WithUser(cmder.user),
				client.WithLogger(cmder.logger))
			if err != nil {
				return err
			}
			cmder.client = c
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cmder.server, "server", "s", envOr("OLLAMA_WEB_CHAT_SERVER", "http://localhost:8080"),
		"Chat service URL")
	cmd.PersistentFlags().StringVarP(&cmder.user, "user", "u", envOr("USER", ""), "User id sent to the service")
	cmd.PersistentFlags().StringVarP(&cmder.model, "model", "m", "", "Model id, empty uses the service's selection")
	cmd.PersistentFlags().StringVar(&cmder.profile, "profile", "default", "Profile name drafts are stored under")
	cmd.PersistentFlags().BoolVarP(&cmder.debug, "debug", "d", false, "Enable debug logging")

	cmd.AddCommand(
		newSendCmd(cmder),
		newHistoryCmd(cmder),
		newShowCmd(cmder),
		newVoteCmd(cmder),
		newVotesCmd(cmder),
		newDeleteCmd(cmder),
		newModelsCmd(cmder),
		newUploadCmd(cmder),
		newDraftCmd(cmder),
	)

	return cmd
}

func (c *chatCommander) drafts() (*client.Drafts, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("error getting user config dir: %w", err)
	}
	return client.LoadDrafts(filepath.Join(dir, "ollamawebchat", "profiles", c.profile, "drafts.yaml"))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
