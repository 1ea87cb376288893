package main

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kerimsiter/atrochat/internal/store"
	"github.com/kerimsiter/atrochat/pkg/chattypes"
)

var (
	sendAttach []string
	sendSearch bool
	sendURLs   bool
)

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a message to the active session and stream the reply",
	Long: `Send a message to the active session and stream the model's reply to
stdout. The message is taken from the arguments, or from stdin when piped.
Press Ctrl+C to stop the stream; the partial reply is kept.`,
	RunE: runWithApp(runSend),
}

var showRaw bool

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Render the active session's conversation",
	RunE: runWithApp(func(a *app, _ *cobra.Command, _ []string) error {
		return renderSession(os.Stdout, a.store.Active(), showRaw)
	}),
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage sessions",
	RunE:  runWithApp(runListSessions),
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a session and make it active",
	RunE: runWithApp(func(a *app, _ *cobra.Command, _ []string) error {
		s := a.store.NewSession()
		fmt.Printf("Yeni oturum oluşturuldu: %s\n", shortID(s.ID))
		return nil
	}),
}

var sessionsSelectCmd = &cobra.Command{
	Use:   "select <id>",
	Short: "Make a session active",
	Args:  cobra.ExactArgs(1),
	RunE: runWithApp(func(a *app, _ *cobra.Command, args []string) error {
		return a.store.SelectSession(resolveSessionID(a, args[0]))
	}),
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: runWithApp(func(a *app, _ *cobra.Command, args []string) error {
		return a.store.DeleteSession(resolveSessionID(a, args[0]))
	}),
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a session",
	Args:  cobra.MinimumNArgs(2),
	RunE: runWithApp(func(a *app, _ *cobra.Command, args []string) error {
		return a.store.RenameSession(resolveSessionID(a, args[0]), strings.Join(args[1:], " "))
	}),
}

var sessionsTitleCmd = &cobra.Command{
	Use:   "title",
	Short: "Ask the model to title the active session",
	RunE: runWithApp(func(a *app, cmd *cobra.Command, _ []string) error {
		title, err := a.store.SummarizeTitle(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(title)
		return nil
	}),
}

var attachCmd = &cobra.Command{
	Use:   "attach <repo-url>",
	Short: "Attach a GitHub repository as project context",
	Long: `Fetch a GitHub repository and attach its text files to the active
session as project context. The full content is sent with your next message;
use "atrochat sync" afterwards to pull incremental changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runWithApp(func(a *app, cmd *cobra.Command, args []string) error {
		if err := a.store.LoadRepo(cmd.Context(), args[0]); err != nil {
			return err
		}
		s := a.store.Active()
		fmt.Printf("%d dosya eklendi (~%d token, %s)\n", len(s.ProjectFiles), s.ProjectTokenCount, shortID(s.RevisionMarker))
		return nil
	}),
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull repository changes into the project context",
	RunE: runWithApp(func(a *app, cmd *cobra.Command, _ []string) error {
		if err := a.store.SyncRepo(cmd.Context()); err != nil {
			return err
		}
		s := a.store.Active()
		if len(s.Messages) > 0 {
			fmt.Println(s.Messages[len(s.Messages)-1].Content)
		}
		return nil
	}),
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Edit the active session's message log",
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a user message and its reply",
	Args:  cobra.ExactArgs(1),
	RunE: runWithApp(func(a *app, _ *cobra.Command, args []string) error {
		return a.store.DeleteMessage(resolveMessageID(a, args[0]))
	}),
}

var historyEditCmd = &cobra.Command{
	Use:   "edit <message-id> <text>",
	Short: "Rewrite a user message and regenerate from there",
	Long: `Rewrite a past user message: the conversation is cut back to just
before it, then the new text is sent as a fresh turn carrying the original
attachments. Everything after the edited message is discarded.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runWithApp(func(a *app, cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		newText := strings.Join(args[1:], " ")
		receipt, err := a.store.EditMessage(ctx, resolveMessageID(a, args[0]), newText, streamToTerminal())
		if err != nil {
			return err
		}
		finishStream(a, receipt)
		return nil
	}),
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage credentials and the system instruction",
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key <api-key>",
	Short: "Store the Gemini API key",
	Args:  cobra.ExactArgs(1),
	RunE: runWithApp(func(a *app, _ *cobra.Command, args []string) error {
		return a.store.SetGeminiKey(args[0])
	}),
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token <github-token>",
	Short: "Store the GitHub token used for repository access",
	Args:  cobra.ExactArgs(1),
	RunE: runWithApp(func(a *app, _ *cobra.Command, args []string) error {
		return a.store.SetGitHubToken(args[0])
	}),
}

var configSetSystemCmd = &cobra.Command{
	Use:   "set-system <text>",
	Short: "Store the system instruction sent with every request",
	Args:  cobra.MinimumNArgs(1),
	RunE: runWithApp(func(a *app, _ *cobra.Command, args []string) error {
		return a.store.SetSystemInstruction(strings.Join(args, " "))
	}),
}

func init() {
	showCmd.Flags().BoolVar(&showRaw, "raw", false, "Plain text output without markdown rendering")
	sendCmd.Flags().StringArrayVar(&sendAttach, "attach", nil, "Attach a file to the message (repeatable)")
	sendCmd.Flags().BoolVar(&sendSearch, "search", false, "Let the model use Google Search")
	sendCmd.Flags().BoolVar(&sendURLs, "urls", false, "Let the model fetch URLs mentioned in the message")

	sessionsCmd.AddCommand(sessionsNewCmd, sessionsSelectCmd, sessionsDeleteCmd, sessionsRenameCmd, sessionsTitleCmd)
	historyCmd.AddCommand(historyDeleteCmd, historyEditCmd)
	configCmd.AddCommand(configSetKeyCmd, configSetTokenCmd, configSetSystemCmd)
}

func runSend(a *app, cmd *cobra.Command, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		piped, err := readPipedInput()
		if err != nil {
			return err
		}
		text = piped
	}
	if text == "" {
		return fmt.Errorf("no message given")
	}

	attachments, err := loadAttachments(sendAttach)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	receipt, err := a.store.Send(ctx, text, attachments, store.SendOptions{
		UseSearchTool: sendSearch,
		UseURLTool:    sendURLs,
		OnThought:     printThought,
		OnDelta:       printDelta,
	})
	if err != nil {
		return err
	}
	finishStream(a, receipt)
	return nil
}

// finishStream waits for the stream to settle, reconciles the terminal
// output with the final message content, and prints the usage line.
func finishStream(a *app, receipt *store.Receipt) {
	<-receipt.Done

	s := a.store.Active()
	if i := s.MessageIndex(receipt.MessageID); i >= 0 {
		flushFinalContent(s.Messages[i].Content)
	}
	printUsage(s)
}

func runListSessions(a *app, _ *cobra.Command, _ []string) error {
	activeID := a.store.ActiveID()
	for _, s := range a.store.Sessions() {
		marker := " "
		if s.ID == activeID {
			marker = "*"
		}
		fmt.Printf("%s %s  %-34s %3d mesaj  %7d token  $%.4f\n",
			marker, shortID(s.ID), s.Title, s.NonSystemMessageCount(), s.BilledTokenCount, s.Cost)
	}
	return nil
}

// resolveSessionID accepts either a full session id or an unambiguous prefix.
func resolveSessionID(a *app, id string) string {
	var match string
	for _, s := range a.store.Sessions() {
		if s.ID == id {
			return id
		}
		if strings.HasPrefix(s.ID, id) {
			if match != "" {
				return id // ambiguous prefix, let the store report not-found
			}
			match = s.ID
		}
	}
	if match != "" {
		return match
	}
	return id
}

// resolveMessageID accepts either a full message id or an unambiguous prefix
// within the active session.
func resolveMessageID(a *app, id string) string {
	s := a.store.Active()
	var match string
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return id
		}
		if strings.HasPrefix(s.Messages[i].ID, id) {
			if match != "" {
				return id
			}
			match = s.Messages[i].ID
		}
	}
	if match != "" {
		return match
	}
	return id
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func readPipedInput() (string, error) {
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}
	data, err := os.ReadFile("/dev/stdin")
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// loadAttachments reads the given files into message attachments. Images are
// carried as base64 data URLs, everything else as raw text, matching the
// attachment format of the web client.
func loadAttachments(paths []string) ([]chattypes.Attachment, error) {
	var attachments []chattypes.Attachment
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %s: %w", path, err)
		}

		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if mimeType == "" {
			mimeType = "text/plain"
		}
		if i := strings.Index(mimeType, ";"); i >= 0 {
			mimeType = mimeType[:i]
		}

		att := chattypes.Attachment{Name: filepath.Base(path), MimeType: mimeType}
		if att.IsImage() {
			att.Data = "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
		} else {
			att.Data = string(data)
		}
		attachments = append(attachments, att)
	}
	return attachments, nil
}
