package main

import (
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lookout/internal/chat"
	"lookout/internal/conversation"
	"lookout/internal/mailbox"
	"lookout/internal/session"
	"lookout/internal/types"
)

var (
	chatRoot      string
	chatSessionID string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask the observer about a project (interactive)",
	Long: `Start the interactive chat for a project.

Questions go into the session mailbox; a running 'lookout observe' process
answers them. Without --session, the most recent open session for the
project root is resumed, or a new one is created.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatRoot, "root", "", "Project root (default: current directory)")
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "Attach to a specific session id")
}

func runChat(cmd *cobra.Command, args []string) error {
	store, err := session.NewStore(cfg.SessionsDir)
	if err != nil {
		return err
	}

	sess, err := attachSession(store, chatRoot, chatSessionID)
	if err != nil {
		return err
	}
	logger.Info("attached to session",
		zap.String("session", sess.ID),
		zap.String("root", sess.ProjectRoot))

	broker, err := mailbox.NewFileBroker(cfg.SessionsDir, cfg.GetPollInterval())
	if err != nil {
		return err
	}

	courier := chat.NewCourier(store, broker, sess, cfg.GetResponseTimeout())
	courier.Sweep()

	opening := openingMessages(sess)

	model := chat.NewModel(courier, opening)
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat interface failed: %w", err)
	}
	return nil
}

// attachSession resolves which session a process joins: an explicit id, the
// most recent open session for the root, or a fresh one.
func attachSession(store *session.Store, root, sessionID string) (types.Session, error) {
	if sessionID != "" {
		return store.Resume(sessionID)
	}

	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return types.Session{}, fmt.Errorf("resolving working directory: %w", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return types.Session{}, fmt.Errorf("resolving project root: %w", err)
	}

	recent, err := store.ListRecent(0)
	if err != nil {
		return types.Session{}, err
	}
	for _, s := range recent {
		if s.ProjectRoot == abs && s.Status != types.StatusClosed {
			return store.Resume(s.ID)
		}
	}
	return store.Create(abs)
}

// openingMessages warm-starts the transcript with the session's recent
// exchanges.
func openingMessages(sess types.Session) []chat.Message {
	history := conversation.NewHistory(cfg.SessionsDir)
	exchanges, err := history.Recent(sess, 3)
	if err != nil || len(exchanges) == 0 {
		return nil
	}

	msgs := make([]chat.Message, 0, len(exchanges)*2)
	for _, ex := range exchanges {
		msgs = append(msgs,
			chat.Message{Role: "user", Content: ex.Query, Time: ex.At},
			chat.Message{Role: "assistant", Content: ex.Answer, Time: ex.At},
		)
	}
	return msgs
}
