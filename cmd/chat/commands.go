package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/MegaGrindStone/ollama-web-chat/internal/client"
	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	"github.com/MegaGrindStone/ollama-web-chat/internal/stream"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newSendCmd(cmder *chatCommander) *cobra.Command {
	var (
		chatID  string
		attachs []string
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message and stream the answer",
		Long: `Send a message and stream the answer. Without a message the draft of the
chat is sent. Interrupting the stream stops it; the message is then kept as
the chat's draft.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			drafts, err := cmder.drafts()
			if err != nil {
				return err
			}

			newChat := chatID == ""
			if newChat {
				chatID = uuid.New().String()
			}

			text := drafts.Get(chatID)
			if len(args) == 1 {
				text = args[0]
			}
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("nothing to send")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			msg, err := cmder.send(ctx, cmd.OutOrStdout(), chatID, text, attachs)
			if err != nil || msg.Role == "" {
				drafts.Set(chatID, text)
			} else {
				drafts.Set(chatID, "")
			}
			if saveErr := drafts.Save(); saveErr != nil {
				cmder.logger.Warn("Failed to save drafts", slog.String("err", saveErr.Error()))
			}
			if err != nil {
				return err
			}

			if newChat {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("chat "+chatID))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&chatID, "chat", "c", "", "Chat id, a new chat is started when empty")
	cmd.Flags().StringArrayVarP(&attachs, "attach", "a", nil, "Image file to attach, may be repeated")

	return cmd
}

// send streams one answer to w. The returned message has no role when the stream was stopped before
// it completed.
func (c *chatCommander) send(ctx context.Context, w io.Writer, chatID, text string, attachs []string) (models.Message, error) {
	msg := models.Message{
		ID:      uuid.New().String(),
		Role:    models.RoleUser,
		Content: text,
	}
	for _, path := range attachs {
		u, err := c.upload(ctx, path)
		if err != nil {
			return models.Message{}, err
		}
		msg.Attachments = append(msg.Attachments, models.Attachment{
			URL:         u.URL,
			Name:        u.Pathname,
			ContentType: u.ContentType,
		})
	}

	history, err := c.client.Messages(ctx, chatID)
	if err != nil && !isStatus(err, http.StatusNotFound) {
		return models.Message{}, err
	}

	fmt.Fprint(w, assistantPrompt)
	printed := 0
	s, err := c.client.Chat(ctx, client.ChatRequest{
		ChatID:   chatID,
		Model:    c.model,
		Messages: append(history, msg),
		OnUpdate: func(u stream.Update) {
			// Content only ever grows, so the new part is what follows the printed prefix.
			if len(u.Message.Content) > printed {
				fmt.Fprint(w, u.Message.Content[printed:])
				printed = len(u.Message.Content)
			}
		},
	})
	if err != nil {
		fmt.Fprintln(w)
		return models.Message{}, err
	}
	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	answer, err := s.Wait()
	fmt.Fprintln(w)
	if err != nil {
		return models.Message{}, err
	}
	if s.State() != stream.StateFinalized {
		return models.Message{}, nil
	}
	return answer, nil
}

func (c *chatCommander) upload(ctx context.Context, path string) (client.Upload, error) {
	f, err := os.Open(path)
	if err != nil {
		return client.Upload{}, err
	}
	defer f.Close()
	return c.client.Upload(ctx, filepath.Base(path), f)
}

func isStatus(err error, status int) bool {
	var apiErr *client.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

func newHistoryCmd(cmder *chatCommander) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List your chats, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			chats, err := cmder.client.History(cmd.Context())
			if err != nil {
				return err
			}
			for _, ch := range chats {
				title := ch.Title
				if title == "" {
					title = "New chat"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
					ch.ID, dimStyle.Render(ch.CreatedAt.Format("2006-01-02 15:04")), title)
			}
			return nil
		},
	}
}

func newShowCmd(cmder *chatCommander) *cobra.Command {
	return &cobra.Command{
		Use:   "show <chat-id>",
		Short: "Print the messages of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := cmder.client.Messages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, m := range msgs {
				prompt := assistantPrompt
				if m.Role == models.RoleUser {
					prompt = userPrompt
				}
				fmt.Fprintf(w, "%s%s %s\n", prompt, m.Content, dimStyle.Render(m.ID))
			}
			return nil
		},
	}
}

func newVoteCmd(cmder *chatCommander) *cobra.Command {
	return &cobra.Command{
		Use:       "vote <chat-id> <message-id> <up|down>",
		Short:     "Vote on an answer",
		Args:      cobra.ExactArgs(3),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[2] {
			case "up", "down":
			default:
				return fmt.Errorf("vote must be up or down, got %q", args[2])
			}
			return cmder.client.Vote(cmd.Context(), args[0], args[1], args[2] == "up")
		},
	}
}

func newVotesCmd(cmder *chatCommander) *cobra.Command {
	return &cobra.Command{
		Use:   "votes <chat-id>",
		Short: "List the votes of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			votes, err := cmder.client.Votes(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, v := range votes {
				vote := "down"
				if v.IsUpvoted {
					vote = "up"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", v.MessageID, vote)
			}
			return nil
		},
	}
}

func newDeleteCmd(cmder *chatCommander) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chat-id>",
		Short: "Delete a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmder.client.DeleteChat(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Chat deleted")
			return nil
		},
	}
}

func newModelsCmd(cmder *chatCommander) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the selectable models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ml, err := cmder.client.Models(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range ml.Models {
				marker := " "
				if m.ID == ml.Selected {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s  %s\n", marker, m.ID, m.Label, dimStyle.Render(m.Description))
			}
			return nil
		},
	}
}

func newUploadCmd(cmder *chatCommander) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload an image and print its url",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := cmder.upload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.URL)
			return nil
		},
	}
}

func newDraftCmd(cmder *chatCommander) *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "draft <chat-id> [text]",
		Short: "Show or set the draft of a chat",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			drafts, err := cmder.drafts()
			if err != nil {
				return err
			}

			switch {
			case remove:
				drafts.Set(args[0], "")
			case len(args) == 2:
				drafts.Set(args[0], args[1])
			default:
				fmt.Fprintln(cmd.OutOrStdout(), drafts.Get(args[0]))
				return nil
			}
			return drafts.Save()
		},
	}

	cmd.Flags().BoolVar(&remove, "clear", false, "Remove the draft")

	return cmd
}
