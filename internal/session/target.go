// ABOUTME: Session identity and streaming target construction
// ABOUTME: Builds the websocket URL from (user, conversation, document set)

package session

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSession indicates a session with a missing user or
// conversation identity. No connection is attempted for such a session.
var ErrInvalidSession = errors.New("session requires a user id and conversation label")

// noDocumentsToken is the path sentinel used when the session has no
// document context, keeping the target shape uniform in both cases.
const noDocumentsToken = "default"

// Session identifies one logical conversation: the user, the
// conversation label, and the documents the assistant may reference.
type Session struct {
	UserID       string
	Conversation string

	// DocumentIDs in stable insertion order; empty means no document
	// context.
	DocumentIDs []string
}

// BuildTarget constructs the streaming connection URL for a session:
// <base>/<user>/<conversation>/<comma-joined ids | "default">.
// Returns ErrInvalidSession if the user id or conversation label is empty.
func BuildTarget(base string, s Session) (string, error) {
	if s.UserID == "" || s.Conversation == "" {
		return "", ErrInvalidSession
	}

	docs := noDocumentsToken
	if len(s.DocumentIDs) > 0 {
		docs = strings.Join(s.DocumentIDs, ",")
	}

	return fmt.Sprintf("%s/%s/%s/%s",
		strings.TrimSuffix(base, "/"), s.UserID, s.Conversation, docs), nil
}
