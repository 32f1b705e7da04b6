// Package protocol defines the JSON frames exchanged over a session's
// websocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Server -> client frame types.
const (
	TypeInit         = "init"
	TypeProcessReady = "processReady"
	TypeOutput       = "output"
	TypeError        = "error"
	TypeProcessDone  = "processDone"
)

// Client -> server message types.
const (
	TypeInput = "input"
	TypeEOF   = "eof"
)

// Frame is a message to the client. ClientID and ProcessID mirror SessionID
// and RunID for browser clients written against the older field names.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	RunID     string `json:"runId,omitempty"`
	ProcessID string `json:"processId,omitempty"`
	Data      string `json:"data,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
}

func Init(sessionID string) Frame {
	return Frame{Type: TypeInit, SessionID: sessionID, ClientID: sessionID}
}

func ProcessReady(runID string) Frame {
	return Frame{Type: TypeProcessReady, RunID: runID, ProcessID: runID}
}

func Output(runID, data string) Frame {
	return Frame{Type: TypeOutput, RunID: runID, Data: data}
}

// Error builds an error frame. runID is empty for failures that happen
// before a run exists (build and launch failures).
func Error(runID, data string) Frame {
	return Frame{Type: TypeError, RunID: runID, Data: data}
}

func ProcessDone(runID string, exitCode int) Frame {
	return Frame{Type: TypeProcessDone, RunID: runID, ProcessID: runID, ExitCode: &exitCode}
}

// ClientMessage is a message from the client.
type ClientMessage struct {
	Type      string `json:"type"`
	ProcessID string `json:"processId"`
	RunID     string `json:"runId"`
	Input     string `json:"input"`
}

// Target returns the run the message addresses.
func (m ClientMessage) Target() string {
	if m.ProcessID != "" {
		return m.ProcessID
	}
	return m.RunID
}

// ParseClientMessage decodes one client frame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("decoding client message: %w", err)
	}
	if m.Type == "" {
		return ClientMessage{}, fmt.Errorf("client message has no type")
	}
	return m, nil
}

// BuildRequest is the body of POST /compile. ClientID is accepted as an
// alias of SessionID.
type BuildRequest struct {
	Code      string `json:"code"`
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Language  string `json:"language"`
}

// Session returns the session the request is bound to.
func (r BuildRequest) Session() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return r.ClientID
}

// BuildResponse is the reply to POST /compile.
type BuildResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
