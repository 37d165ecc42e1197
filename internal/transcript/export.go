// ABOUTME: Renders the conversation log as a standalone HTML transcript
// ABOUTME: Message text is treated as markdown and converted with goldmark

package transcript

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/vitaliti/minima-chat/internal/conversation"
)

const header = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; }
.message { margin-bottom: 1.5rem; }
.message h2 { font-size: 0.9rem; color: #666; margin-bottom: 0.25rem; }
.assistant { border-left: 3px solid #4a90d9; padding-left: 1rem; }
</style>
</head>
<body>
<h1>%s</h1>
`

// WriteHTML writes the log as an HTML transcript. Assistant answers are
// rendered as markdown; user messages are escaped verbatim.
func WriteHTML(w io.Writer, title string, msgs []conversation.Message) error {
	escaped := html.EscapeString(title)
	if _, err := fmt.Fprintf(w, header, escaped, escaped); err != nil {
		return fmt.Errorf("writing transcript header: %w", err)
	}

	for _, msg := range msgs {
		label := "You"
		class := "message"
		if msg.Sender == conversation.SenderAssistant {
			label = "Assistant"
			class = "message assistant"
		}

		fmt.Fprintf(w, "<div class=%q>\n<h2>%s &mdash; %s</h2>\n",
			class, label, msg.Timestamp.Format("2006-01-02 15:04:05"))

		if msg.Sender == conversation.SenderAssistant {
			var buf bytes.Buffer
			if err := goldmark.Convert([]byte(msg.Text), &buf); err != nil {
				return fmt.Errorf("rendering message %s: %w", msg.ID, err)
			}
			if _, err := w.Write(buf.Bytes()); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(w, "<p>%s</p>\n", html.EscapeString(msg.Text))
		}

		if _, err := io.WriteString(w, "</div>\n"); err != nil {
			return err
		}
	}

	_, err := io.WriteString(w, "</body>\n</html>\n")
	return err
}

// Filename suggests a transcript file name for a user.
func Filename(userID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, userID)
	return fmt.Sprintf("chat-%s.html", safe)
}
