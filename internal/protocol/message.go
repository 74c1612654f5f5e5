// Package protocol defines the messages exchanged between the host page,
// the coordinator and the per-tab agents, and the mailbox machinery that
// carries them.
//
// Each actor owns a Mailbox drained by a single Serve loop. A request
// travels in an Envelope with a one-shot reply slot; Call delivers an
// envelope and waits for the reply or the deadline, whichever comes first.
package protocol

import (
	"github.com/jmylchreest/notedown/internal/settings"
	"github.com/jmylchreest/notedown/pkg/note"
)

// ExtensionIDHeader addresses an HTTP request to a coordinator identity.
const ExtensionIDHeader = "X-Extension-Id"

// Type identifies a message.
type Type string

const (
	TypePing             Type = "PING"
	TypeGetState         Type = "GET_STATE"
	TypeGetConfig        Type = "GET_CONFIG"
	TypeSetConfig        Type = "SET_CONFIG"
	TypeExtractURL       Type = "EXTRACT_URL"
	TypeGetExtractedData Type = "GET_EXTRACTED_DATA"
	TypeClearData        Type = "CLEAR_DATA"
	TypeCheckPage        Type = "CHECK_PAGE"
	TypeExtractNote      Type = "EXTRACT_NOTE"
	TypeSendToWebApp     Type = "SEND_TO_WEB_APP"

	// TypeNoteExtracted is sent by an agent to the coordinator. It is never
	// accepted from a host page.
	TypeNoteExtracted Type = "NOTE_EXTRACTED"

	// TypeBroadcastExtracted is published to host page subscribers of the
	// tab that produced the note.
	TypeBroadcastExtracted Type = "XHS_NOTE_EXTRACTED"
)

// Message is a request.
type Message struct {
	ID     string           `json:"id,omitempty"`
	Type   Type             `json:"type"`
	URL    string           `json:"url,omitempty"`
	Config *settings.Patch  `json:"config,omitempty"`
	Data   *note.Extraction `json:"data,omitempty"`
}

// CacheState is the GET_STATE answer.
type CacheState struct {
	HasExtractedData bool `json:"hasExtractedData"`
	HasExtractedURL  bool `json:"hasExtractedUrl"`
}

// Response answers a Message. Only the fields relevant to the request type
// are set.
type Response struct {
	ID          string           `json:"id,omitempty"`
	Success     bool             `json:"success"`
	Error       string           `json:"error,omitempty"`
	Data        *note.Extraction `json:"data,omitempty"`
	URL         string           `json:"url,omitempty"`
	FromCache   bool             `json:"fromCache,omitempty"`
	Version     string           `json:"version,omitempty"`
	ExtensionID string           `json:"extensionId,omitempty"`
	Config      *settings.Config `json:"config,omitempty"`
	IsNotePage  *bool            `json:"isNotePage,omitempty"`
	*CacheState
}

// OK returns an empty successful response.
func OK() Response {
	return Response{Success: true}
}

// Failure returns a failed response carrying msg.
func Failure(msg string) Response {
	return Response{Error: msg}
}

// Sender identifies where a message came from. Host pages carry an
// origin; agents carry their tab.
type Sender struct {
	Origin string
	TabID  string
	TabURL string
}

// FromTab reports whether the sender is an agent.
func (s Sender) FromTab() bool {
	return s.TabID != ""
}
