// ABOUTME: Wire frame shapes for the streaming chat connection
// ABOUTME: One canonical outbound shape, reporter-tagged inbound frames

package session

// frameTypeMessage is the only outbound frame type.
const frameTypeMessage = "message"

// outboundFrame is the canonical outbound wire shape:
//
//	{"type":"message","content":"...","timestamp":"2025-01-02T15:04:05Z"}
//
// The timestamp is RFC 3339 in UTC. A bare {"text":...} variant exists in
// older deployments of the upstream service; this client does not emit it.
type outboundFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Inbound reporter tags. The service echoes the user's own input back
// tagged as input_message; only output_message carries an assistant answer.
const (
	reporterInputEcho = "input_message"
	reporterOutput    = "output_message"
)

// inboundFrame is a parsed inbound frame.
type inboundFrame struct {
	Reporter string `json:"reporter"`
	Message  string `json:"message"`
}
