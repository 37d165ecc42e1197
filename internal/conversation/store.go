// ABOUTME: Single source of truth for the active user's conversation state
// ABOUTME: Ordered message log, document set, connection and upload status

package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitaliti/minima-chat/internal/fileapi"
	"github.com/vitaliti/minima-chat/internal/session"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message is one entry in the conversation log.
type Message struct {
	ID        string
	Sender    Sender
	Text      string
	Timestamp time.Time
}

// NewUserMessage builds a log entry for locally sent text.
func NewUserMessage(text string, at time.Time) Message {
	return Message{
		ID:        uuid.New().String(),
		Sender:    SenderUser,
		Text:      text,
		Timestamp: at,
	}
}

// NewAssistantMessage builds a log entry for an assistant answer. The
// service does not timestamp inbound frames, so arrival time is used.
func NewAssistantMessage(text string) Message {
	return Message{
		ID:        uuid.New().String(),
		Sender:    SenderAssistant,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// ConnectionStarter is how the store asks for a connection when a
// non-empty document set is recorded and no transport is live. The
// conversation label and dialing mechanics belong to the caller.
type ConnectionStarter interface {
	StartSession(userID string, documentIDs []string)
}

// Store owns all durable session state: the active user, the ordered
// message log, per-user archived logs, the uploaded-document set, and
// connection/upload status. Every mutation is serialized by one mutex and
// published on the embedded Notifier so observers always see a consistent
// view. Async results (listing completions, inbound frames) are tagged
// with the user they were issued for and discarded when stale.
type Store struct {
	logger   *slog.Logger
	notifier *Notifier
	starter  ConnectionStarter

	mu        sync.RWMutex
	userID    string
	messages  []Message
	archived  map[string][]Message
	documents []fileapi.Document
	connState session.Status
	uploading bool
	uploadErr string
}

// NewStore creates a store. The starter may be nil (no auto-connect);
// pass nil logger for default.
func NewStore(starter ConnectionStarter, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")
	return &Store{
		logger:   logger,
		notifier: NewNotifier(logger),
		starter:  starter,
		archived: make(map[string][]Message),
	}
}

// Notifier exposes the change feed for observers.
func (s *Store) Notifier() *Notifier {
	return s.notifier
}

// ActiveUser returns the currently selected user id.
func (s *Store) ActiveUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// SelectUser archives the outgoing user's log and restores the incoming
// user's archived log (or an empty one) in a single atomic transition.
// The document set and upload status are reset; the caller refreshes the
// listing for the new user.
func (s *Store) SelectUser(userID string) {
	s.mu.Lock()
	if s.userID == userID {
		s.mu.Unlock()
		return
	}
	if s.userID != "" {
		s.archived[s.userID] = s.messages
	}
	s.userID = userID
	s.messages = s.archived[userID]
	s.documents = nil
	s.uploading = false
	s.uploadErr = ""
	s.mu.Unlock()

	s.logger.Info("user selected", "user_id", userID)
	s.notifier.Publish(ChangeUser)
	s.notifier.Publish(ChangeMessages)
	s.notifier.Publish(ChangeDocuments)
}

// Messages returns a copy of the current log.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// AppendMessage appends to the end of the log; existing entries are
// never reordered.
func (s *Store) AppendMessage(msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.notifier.Publish(ChangeMessages)
}

// SetMessages replaces the log with the result of applying transform to
// the current log.
func (s *Store) SetMessages(transform func([]Message) []Message) {
	s.mu.Lock()
	s.messages = transform(s.messages)
	s.mu.Unlock()
	s.notifier.Publish(ChangeMessages)
}

// ClearMessages empties the log for the active session only; archived
// logs of other users are untouched.
func (s *Store) ClearMessages() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
	s.notifier.Publish(ChangeMessages)
}

// Documents returns a copy of the uploaded-document set.
func (s *Store) Documents() []fileapi.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fileapi.Document, len(s.documents))
	copy(out, s.documents)
	return out
}

// RecordDocuments replaces the document set with a listing result issued
// for userID. Stale results (the active user changed while the call was
// in flight) are discarded. A non-empty set with no live transport
// triggers a connection for the current session tuple.
func (s *Store) RecordDocuments(userID string, docs []fileapi.Document) {
	s.mu.Lock()
	if userID != s.userID {
		s.mu.Unlock()
		s.logger.Debug("discarding stale document listing",
			"issued_for", userID,
			"active_user", s.userID,
		)
		return
	}
	s.documents = docs
	shouldConnect := len(docs) > 0 &&
		s.connState != session.StatusConnected &&
		s.connState != session.StatusConnecting
	s.mu.Unlock()

	s.notifier.Publish(ChangeDocuments)

	if shouldConnect && s.starter != nil {
		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.ID
		}
		s.starter.StartSession(userID, ids)
	}
}

// RemoveDocument prunes one document from the local set after a
// successful delete call. Stale-guarded like RecordDocuments.
func (s *Store) RemoveDocument(userID, fileID string) {
	s.mu.Lock()
	if userID != s.userID {
		s.mu.Unlock()
		return
	}
	kept := s.documents[:0]
	for _, d := range s.documents {
		if d.ID != fileID {
			kept = append(kept, d)
		}
	}
	s.documents = kept
	s.mu.Unlock()
	s.notifier.Publish(ChangeDocuments)
}

// ConnectionStatus returns the last reported connection status.
func (s *Store) ConnectionStatus() session.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connState
}

// UploadStatus returns the upload-in-progress flag and the last upload
// error message, empty when the last upload succeeded.
func (s *Store) UploadStatus() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uploading, s.uploadErr
}

// SetUploadStatus records upload progress for userID; ignored when that
// user is no longer active.
func (s *Store) SetUploadStatus(userID string, uploading bool, errMsg string) {
	s.mu.Lock()
	if userID != s.userID {
		s.mu.Unlock()
		s.logger.Debug("discarding stale upload status", "issued_for", userID)
		return
	}
	s.uploading = uploading
	s.uploadErr = errMsg
	s.mu.Unlock()
	s.notifier.Publish(ChangeUpload)
}

// StatusChanged implements session.Events.
func (s *Store) StatusChanged(status session.Status) {
	s.mu.Lock()
	s.connState = status
	s.mu.Unlock()
	s.notifier.Publish(ChangeConnection)
}

// UserMessageSent implements session.Events: the optimistic local copy
// of a sent message. Dropped if the session's user is no longer active.
func (s *Store) UserMessageSent(sess session.Session, text string, at time.Time) {
	s.appendFor(sess.UserID, NewUserMessage(text, at))
}

// AssistantMessage implements session.Events: an assistant answer frame.
// Echo frames never reach this point; the manager discards them.
func (s *Store) AssistantMessage(sess session.Session, text string) {
	s.appendFor(sess.UserID, NewAssistantMessage(text))
}

func (s *Store) appendFor(userID string, msg Message) {
	s.mu.Lock()
	if userID != s.userID {
		s.mu.Unlock()
		s.logger.Debug("discarding message for inactive user",
			"issued_for", userID,
			"sender", string(msg.Sender),
		)
		return
	}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.notifier.Publish(ChangeMessages)
}
