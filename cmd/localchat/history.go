package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/localchat/internal/models"
	"github.com/MegaGrindStone/localchat/internal/store"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all chats",
		Long:  "List all chats, most recently created first. The current chat is marked with *.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			writeChatList(cmd.OutOrStdout(), st.Chats(), st.CurrentID(), time.Now())
			return nil
		},
	}
}

func writeChatList(w io.Writer, chats []models.ChatHistory, currentID string, now time.Time) {
	if len(chats) == 0 {
		fmt.Fprintln(w, "No chats yet.")
		return
	}
	for _, ch := range chats {
		marker := " "
		if ch.ID == currentID {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-24s %-12s %3d messages  %s\n",
			marker, ch.ID, models.RelativeDate(ch.UpdatedAt, now), len(ch.Messages), ch.Title)
	}
}

func newShowCmd() *cobra.Command {
	var opts struct {
		Raw bool
	}

	cmd := &cobra.Command{
		Use:   "show <chat id>",
		Short: "Print a chat",
		Long:  "Print every message of a chat, rendering markdown for the terminal.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			ch, ok := st.Chat(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", store.ErrChatNotFound, args[0])
			}

			transcript := formatTranscript(ch)
			if opts.Raw {
				_, err := io.WriteString(cmd.OutOrStdout(), transcript)
				return err
			}

			r, err := newTerminalRenderer()
			if err != nil {
				return err
			}
			rendered, err := r.Render(transcript)
			if err != nil {
				return fmt.Errorf("failed to render chat: %w", err)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "print markdown without rendering")
	return cmd
}

// formatTranscript lays a chat out as a single markdown document.
func formatTranscript(ch models.ChatHistory) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", ch.Title)
	for _, m := range ch.Messages {
		speaker := "You"
		if m.Role == models.RoleAssistant {
			speaker = "Assistant"
		}
		fmt.Fprintf(&sb, "### %s · %s\n\n", speaker, time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04"))
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
		for _, a := range m.Attachments {
			fmt.Fprintf(&sb, "> attachment `%s` (%d bytes)\n\n", a.Name, a.SizeBytes)
		}
	}
	return sb.String()
}

func newExportCmd() *cobra.Command {
	var opts struct {
		Output string
	}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all chats to a JSON document",
		Long:  `Export all chats to a JSON document. Without -o the file is named localchat-history-<unix ms>.json; "-o -" writes to stdout.`,
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			if opts.Output == "-" {
				return st.Export(cmd.OutOrStdout())
			}

			path := opts.Output
			if path == "" {
				path = store.ExportFileName(time.Now())
			}
			doc, err := st.ExportDocument()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, doc, 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d chats to %s\n", len(st.Chats()), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file")
	return cmd
}

func newImportCmd() *cobra.Command {
	var opts struct {
		Policy string
	}

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import chats from a JSON document",
		Long: `Import chats from a document written by export.

With --policy replace the imported chats become the whole collection and no chat is selected. With
--policy merge they are added in front of the existing chats, skipping ids that already exist.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := cfg.importPolicy()
			if opts.Policy != "" {
				p, err := store.ParseImportPolicy(opts.Policy)
				if err != nil {
					return err
				}
				policy = p
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.Import(cmd.Context(), raw, policy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d chats (%s)\n", n, policy)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Policy, "policy", "", "replace or merge (default from config)")
	return cmd
}
