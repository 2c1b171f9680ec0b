package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/localchat/internal/attachment"
	"github.com/MegaGrindStone/localchat/internal/chat"
	"github.com/MegaGrindStone/localchat/internal/models"
	"github.com/MegaGrindStone/localchat/internal/session"
	"github.com/MegaGrindStone/localchat/internal/store"
	"github.com/charmbracelet/glamour"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

const replHelp = `Commands:
  /new              start a new chat
  /select <id>      continue an existing chat
  /chats            list chats
  /attach <file>... attach text files to the next message
  /clear            clear the current chat and the model context
  /retry            load the model again after a failure
  /exit             quit
Press Ctrl-C while the model is answering to stop it.
`

func newChatCmd() *cobra.Command {
	var opts struct {
		ChatID string
		New    bool
		Render bool
	}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Back and forth chat in the terminal",
		Long:  "Back and forth chat with the local model in the terminal.\n\n" + replHelp,
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Interrupts stop the current reply rather than the whole session.
			ctx := context.WithoutCancel(cmd.Context())

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			manager, err := newManager()
			if err != nil {
				return err
			}
			defer manager.Dispose(ctx)

			switch {
			case opts.New:
				if _, err := st.CreateNewChat(ctx); err != nil {
					return err
				}
			case opts.ChatID != "":
				if err := st.SelectChat(ctx, opts.ChatID); err != nil {
					return err
				}
			}

			r := repl{
				out:     cmd.OutOrStdout(),
				store:   st,
				session: manager,
				chats:   chat.NewService(manager, st, logger),
			}
			if opts.Render {
				if r.renderer, err = newTerminalRenderer(); err != nil {
					return err
				}
			}

			manager.Subscribe(r.printProgress)
			r.load(ctx)

			return r.run(ctx)
		},
	}

	cmd.Flags().StringVar(&opts.ChatID, "chat", "", "continue the chat with this id")
	cmd.Flags().BoolVar(&opts.New, "new", false, "start a new chat")
	cmd.Flags().BoolVar(&opts.Render, "render", false, "render replies as markdown once complete instead of streaming them")
	return cmd
}

type repl struct {
	out      io.Writer
	store    *store.Store
	session  *session.Manager
	chats    *chat.Service
	renderer *glamour.TermRenderer

	pending []attachment.Upload
	// lastProgress deduplicates progress lines.
	lastProgress string
}

func (r *repl) run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		InterruptPrompt:   "^C",
		EOFPrompt:         "/exit",
		HistoryFile:       filepath.Join(cfg.dataDir(), "chat.history"),
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	if ch, ok := r.store.Current(); ok {
		fmt.Fprintf(r.out, "Continuing %q (%s). Type /help for commands.\n", ch.Title, ch.ID)
	} else {
		fmt.Fprintln(r.out, "Type a message to start a new chat, or /help for commands.")
	}

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return nil
			}
			continue
		}
		r.send(ctx, line)
	}
}

// command runs a slash command and reports whether the session should end.
func (r *repl) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/exit", "/quit":
		return true
	case "/help":
		fmt.Fprint(r.out, replHelp)
	case "/new":
		if _, err := r.store.CreateNewChat(ctx); err != nil {
			r.printError(err)
			return false
		}
		fmt.Fprintln(r.out, "Started a new chat.")
	case "/select":
		if len(fields) != 2 {
			fmt.Fprintln(r.out, "Usage: /select <chat id>")
			return false
		}
		if err := r.store.SelectChat(ctx, fields[1]); err != nil {
			r.printError(err)
			return false
		}
		ch, _ := r.store.Current()
		fmt.Fprintf(r.out, "Continuing %q.\n", ch.Title)
	case "/chats":
		writeChatList(r.out, r.store.Chats(), r.store.CurrentID(), time.Now())
	case "/attach":
		uploads, err := attachment.ReadFiles(fields[1:])
		if err != nil {
			r.printError(err)
			return false
		}
		// Validated now so a bad file is reported before the message is typed.
		if _, err := attachment.Decode(uploads); err != nil {
			r.printError(err)
			return false
		}
		r.pending = append(r.pending, uploads...)
		fmt.Fprintf(r.out, "%d file(s) will be attached to the next message.\n", len(r.pending))
	case "/clear":
		chatID := r.store.CurrentID()
		if chatID == "" {
			fmt.Fprintln(r.out, "No chat selected.")
			return false
		}
		if err := r.chats.ClearConversation(ctx, chatID); err != nil {
			r.printError(err)
			return false
		}
		fmt.Fprintln(r.out, "Conversation cleared.")
	case "/retry":
		r.load(ctx)
	default:
		fmt.Fprintf(r.out, "Unknown command %s. Type /help for commands.\n", fields[0])
	}
	return false
}

func (r *repl) send(ctx context.Context, text string) {
	genCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	printed := 0
	cb := chat.Callbacks{}
	if r.renderer == nil {
		cb.Chunk = func(_ string, assistant models.Message) {
			fmt.Fprint(r.out, assistant.Content[printed:])
			printed = len(assistant.Content)
		}
	}

	res, err := r.chats.Send(genCtx, chat.SendRequest{Text: text, Uploads: r.pending}, cb)
	switch {
	case errors.Is(err, session.ErrNotReady):
		fmt.Fprintf(r.out, "The model is %s. Wait for it to load or type /retry.\n", r.session.Status())
		return
	case res.Assistant.ID == "":
		// Rejected before anything was saved; pending attachments stay queued.
		r.printError(err)
		return
	}
	r.pending = nil

	switch {
	case r.renderer != nil:
		rendered, renderErr := r.renderer.Render(res.Assistant.Content)
		if renderErr != nil {
			rendered = res.Assistant.Content + "\n"
		}
		fmt.Fprint(r.out, rendered)
	case errors.Is(err, session.ErrCanceled):
		fmt.Fprint(r.out, "\n\n"+chat.CanceledMarker+"\n")
	case err != nil:
		fmt.Fprintf(r.out, "\n%s\n", res.Assistant.Content)
	default:
		fmt.Fprintln(r.out)
	}
}

func (r *repl) load(ctx context.Context) {
	loadCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if err := r.session.Initialize(loadCtx); err != nil {
		fmt.Fprintf(r.out, "\nModel failed to load: %v\nType /retry to try again.\n", err)
		return
	}
	if r.session.Status() == models.StatusReady {
		fmt.Fprintln(r.out, "\nModel ready.")
	}
}

func (r *repl) printProgress(snap session.Snapshot) {
	if snap.Status != models.StatusLoading {
		return
	}
	line := fmt.Sprintf("[%3.0f%%] %s", snap.Progress.Fraction, snap.Progress.Text)
	if line == r.lastProgress {
		return
	}
	r.lastProgress = line
	fmt.Fprintf(r.out, "\r\033[K%s", line)
}

func (r *repl) printError(err error) {
	fmt.Fprintf(r.out, "Error: %v\n", err)
}
