// ABOUTME: Interactive terminal client for a minima document-chat service
// ABOUTME: Readline-style loop with slash commands for uploads and sessions

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/vitaliti/minima-chat/internal/config"
	"github.com/vitaliti/minima-chat/internal/conversation"
	"github.com/vitaliti/minima-chat/internal/fileapi"
	"github.com/vitaliti/minima-chat/internal/session"
	"github.com/vitaliti/minima-chat/internal/transcript"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/minima-chat/config.toml)")
	userID := flag.String("user", "", "User to open the conversation for")
	uploadURL := flag.String("upload-url", "", "Upload service base URL (overrides config)")
	streamURL := flag.String("stream-url", "", "Chat stream base URL (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *uploadURL, *streamURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Setup context with signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	files := fileapi.New(cfg.Upload.BaseURL, cfg.Directory.BaseURL, logger)

	starter := &connectionStarter{conversation: cfg.Chat.Conversation, logger: logger}
	store := conversation.NewStore(starter, logger)
	manager := session.NewManager(cfg.Chat.StreamURL, session.Options{
		RetryDelay:   cfg.Reconnect.Delay,
		RetryCeiling: cfg.Reconnect.MaxDelay,
		MaxRetries:   cfg.Reconnect.MaxAttempts,
	}, store, logger)
	starter.ctx = ctx
	starter.manager = manager

	fmt.Printf("minima-chat - upload: %s, stream: %s\n", cfg.Upload.BaseURL, cfg.Chat.StreamURL)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	go renderLoop(ctx, store)

	if *userID != "" {
		selectUser(ctx, store, manager, files, *userID)
	}

	cli := &client{
		cfg:     cfg,
		files:   files,
		store:   store,
		manager: manager,
		starter: starter,
	}
	if err := cli.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	manager.Disconnect()
	fmt.Println("\nGoodbye!")
}

// loadConfig resolves the config file, falling back to built-in defaults,
// and applies flag overrides.
func loadConfig(path, uploadURL, streamURL string) (*config.Config, error) {
	var cfg *config.Config

	if path == "" {
		if p := defaultConfigPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}

	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if uploadURL != "" {
		cfg.Upload.BaseURL = uploadURL
	}
	if streamURL != "" {
		cfg.Chat.StreamURL = streamURL
	}

	if cfg.Upload.BaseURL == "" {
		return nil, fmt.Errorf("upload service URL is required (set -upload-url or upload.base_url)")
	}
	if cfg.Chat.StreamURL == "" {
		return nil, fmt.Errorf("chat stream URL is required (set -stream-url or chat.stream_url)")
	}

	return cfg, nil
}

// defaultConfigPath returns the XDG location of the config file.
func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "minima-chat", "config.toml")
}

// connectionStarter bridges the store's auto-connect trigger to the
// manager, supplying the configured conversation label.
type connectionStarter struct {
	ctx          context.Context
	manager      *session.Manager
	conversation string
	logger       *slog.Logger
}

func (s *connectionStarter) StartSession(userID string, documentIDs []string) {
	sess := session.Session{
		UserID:       userID,
		Conversation: s.conversation,
		DocumentIDs:  documentIDs,
	}
	go func() {
		if err := s.manager.Connect(s.ctx, sess); err != nil {
			s.logger.Warn("connection attempt failed", "error", err)
		}
	}()
}

// selectUser is the full user-switch flow: tear down the old transport,
// swap the log atomically, then refresh the document listing in the
// background (which auto-connects when documents exist).
func selectUser(ctx context.Context, store *conversation.Store, manager *session.Manager, files *fileapi.Client, userID string) {
	manager.Disconnect()
	store.SelectUser(userID)
	go func() {
		docs := files.List(ctx, userID)
		store.RecordDocuments(userID, docs)
	}()
}

// client holds everything the interactive loop needs.
type client struct {
	cfg     *config.Config
	files   *fileapi.Client
	store   *conversation.Store
	manager *session.Manager
	starter *connectionStarter
}

func (c *client) run(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		if user := c.store.ActiveUser(); user != "" {
			fmt.Printf("[%s]> ", user)
		} else {
			fmt.Print("> ")
		}

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		if strings.HasPrefix(input, "/") {
			c.handleCommand(ctx, input)
			continue
		}

		c.sendMessage(ctx, input)
	}
}

func (c *client) handleCommand(ctx context.Context, input string) {
	parts := strings.Fields(input)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "/help":
		printHelp()
	case "/user":
		if len(args) != 1 {
			color.Yellow("Usage: /user <id>")
			return
		}
		selectUser(ctx, c.store, c.manager, c.files, args[0])
	case "/users":
		c.listUsers(ctx)
	case "/files":
		c.listFiles()
	case "/upload":
		if len(args) == 0 {
			color.Yellow("Usage: /upload <path> [path...]")
			return
		}
		c.upload(ctx, args)
	case "/delete":
		if len(args) != 1 {
			color.Yellow("Usage: /delete <file-id>")
			return
		}
		c.deleteFile(ctx, args[0])
	case "/connect":
		c.connect()
	case "/disconnect":
		c.manager.Disconnect()
	case "/clear":
		c.store.ClearMessages()
		fmt.Println("Conversation cleared.")
	case "/status":
		c.printStatus()
	case "/export":
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		c.export(path)
	default:
		color.Yellow("Unknown command %s, /help for commands", cmd)
	}
}

func (c *client) sendMessage(ctx context.Context, text string) {
	if c.store.ActiveUser() == "" {
		color.Yellow("Select a user first: /user <id>")
		return
	}
	if err := c.manager.Send(ctx, text); err != nil {
		if err == session.ErrNotConnected {
			color.Yellow("Not connected, message not sent. Try /connect.")
			return
		}
		color.Red("Send failed: %v", err)
	}
}

func (c *client) listUsers(ctx context.Context) {
	customers := c.files.Customers(ctx)
	if len(customers) == 0 {
		fmt.Println("No users found (is directory.base_url configured?).")
		return
	}
	cyan := color.New(color.FgCyan)
	for _, cust := range customers {
		cyan.Printf("  %s", cust.ID)
		fmt.Printf("  %s %s\n", cust.FirstName, cust.LastName)
	}
}

func (c *client) listFiles() {
	docs := c.store.Documents()
	if len(docs) == 0 {
		fmt.Println("No uploaded documents.")
		return
	}
	for _, d := range docs {
		fmt.Printf("  %s %s  (%s)\n", iconFor(d.Name), d.Name, d.ID)
	}
}

func (c *client) upload(ctx context.Context, paths []string) {
	user := c.store.ActiveUser()
	if user == "" {
		color.Yellow("Select a user first: /user <id>")
		return
	}

	var uploadFiles []fileapi.File
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			color.Red("Cannot read %s: %v", path, err)
			return
		}
		name := filepath.Base(path)
		uploadFiles = append(uploadFiles, fileapi.File{
			Name:        name,
			ContentType: contentTypeFor(name),
			Data:        data,
		})
	}

	c.store.SetUploadStatus(user, true, "")
	go func() {
		if _, err := c.files.Upload(ctx, user, uploadFiles); err != nil {
			c.store.SetUploadStatus(user, false, err.Error())
			return
		}
		docs := c.files.List(ctx, user)
		c.store.RecordDocuments(user, docs)
		c.store.SetUploadStatus(user, false, "")
	}()
}

func (c *client) deleteFile(ctx context.Context, fileID string) {
	user := c.store.ActiveUser()
	if user == "" {
		color.Yellow("Select a user first: /user <id>")
		return
	}
	if err := c.files.Delete(ctx, user, fileID); err != nil {
		color.Red("Delete failed: %v", err)
		return
	}
	c.store.RemoveDocument(user, fileID)
	fmt.Println("Deleted.")
}

// connect re-establishes the session explicitly, the only way out of the
// failed state once the retry budget is spent.
func (c *client) connect() {
	user := c.store.ActiveUser()
	if user == "" {
		color.Yellow("Select a user first: /user <id>")
		return
	}
	docs := c.store.Documents()
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	c.starter.StartSession(user, ids)
}

func (c *client) printStatus() {
	cyan := color.New(color.FgCyan)
	cyan.Print("User:       ")
	fmt.Println(orNone(c.store.ActiveUser()))
	cyan.Print("Connection: ")
	fmt.Println(c.manager.Status())
	cyan.Print("Documents:  ")
	fmt.Println(len(c.store.Documents()))
	uploading, uploadErr := c.store.UploadStatus()
	if uploading {
		cyan.Print("Upload:     ")
		fmt.Println("in progress")
	}
	if uploadErr != "" {
		cyan.Print("Upload:     ")
		color.Red("%s", uploadErr)
	}
}

func (c *client) export(path string) {
	user := c.store.ActiveUser()
	if user == "" {
		color.Yellow("Select a user first: /user <id>")
		return
	}
	if path == "" {
		path = transcript.Filename(user)
	}

	f, err := os.Create(path)
	if err != nil {
		color.Red("Export failed: %v", err)
		return
	}
	defer f.Close()

	title := fmt.Sprintf("Conversation with %s", user)
	if err := transcript.WriteHTML(f, title, c.store.Messages()); err != nil {
		color.Red("Export failed: %v", err)
		return
	}
	fmt.Printf("Transcript written to %s\n", path)
}

// renderLoop prints store changes as they happen: new messages, status
// transitions, and upload results.
func renderLoop(ctx context.Context, store *conversation.Store) {
	changes, _ := store.Notifier().Subscribe(ctx)

	rendered := 0
	lastStatus := store.ConnectionStatus()
	wasUploading := false

	assistant := color.New(color.FgGreen, color.Bold)
	you := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.FgHiBlack)

	for change := range changes {
		switch change {
		case conversation.ChangeUser:
			rendered = 0
		case conversation.ChangeMessages:
			msgs := store.Messages()
			if len(msgs) < rendered {
				rendered = 0 // log was cleared or replaced with something shorter
			}
			for _, msg := range msgs[rendered:] {
				if msg.Sender == conversation.SenderAssistant {
					assistant.Print("\nassistant> ")
				} else {
					you.Print("\nyou> ")
				}
				fmt.Println(msg.Text)
			}
			rendered = len(msgs)
		case conversation.ChangeConnection:
			status := store.ConnectionStatus()
			if status != lastStatus {
				dim.Printf("\n[connection: %s]\n", status)
				lastStatus = status
			}
		case conversation.ChangeUpload:
			uploading, uploadErr := store.UploadStatus()
			switch {
			case uploadErr != "":
				color.Red("\nUpload error: %s", uploadErr)
			case wasUploading && !uploading:
				dim.Println("\n[upload complete]")
			case uploading:
				dim.Println("\n[uploading...]")
			}
			wasUploading = uploading
		}
	}
}

func printHelp() {
	fmt.Println(`Commands:
  /user <id>             Switch the active user (archives the current log)
  /users                 List users from the directory service
  /upload <path>...      Upload documents (PDF, Word, Excel)
  /files                 List uploaded documents
  /delete <file-id>      Delete an uploaded document
  /connect               (Re)connect the chat session
  /disconnect            Close the chat session
  /clear                 Clear the current conversation log
  /status                Show session status
  /export [path]         Write the conversation as an HTML transcript
  /quit                  Exit

Anything else is sent as a chat message.`)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// contentTypeFor maps a file name to the declared upload content type.
func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return mime.TypeByExtension(filepath.Ext(name))
	}
}

// iconFor picks the list icon from the file name suffix.
func iconFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "[pdf]"
	case ".doc", ".docx":
		return "[doc]"
	case ".xls", ".xlsx":
		return "[xls]"
	default:
		return "[file]"
	}
}
