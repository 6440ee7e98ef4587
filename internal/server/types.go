package server

import (
	"encoding/json"
	"time"
)

// APIResponse is the envelope of every /api reply.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Version     string    `json:"version,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Uptime      string    `json:"uptime"`
	Agents      int       `json:"agents"`
	Connections int       `json:"connections"`
}

type CreateAgentResponse struct {
	ID int `json:"id"`
}

type PromptRequest struct {
	Text string `json:"text"`
}

type SeatsRequest struct {
	Seats map[int]json.RawMessage `json:"seats"`
}

type SessionsDirResponse struct {
	Path string `json:"path"`
}

// Command is an inbound websocket message.
type Command struct {
	Type  string                  `json:"type"`
	ID    int                     `json:"id,omitempty"`
	Text  string                  `json:"text,omitempty"`
	Seats map[int]json.RawMessage `json:"seats,omitempty"`
}

// Inbound command types.
const (
	CommandOpenBilly    = "openBilly"
	CommandFocusAgent   = "focusAgent"
	CommandCloseAgent   = "closeAgent"
	CommandSendPrompt   = "sendPrompt"
	CommandSaveSeats    = "saveAgentSeats"
	CommandWebviewReady = "webviewReady"
	CommandSessionsDir  = "openSessionsFolder"
)

// Reply is a direct answer to one connection's command. Broadcast state
// changes travel as events instead.
type Reply struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	ID      int    `json:"id,omitempty"`
	Path    string `json:"path,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	replyError       = "error"
	replySessionsDir = "sessionsDir"
)
