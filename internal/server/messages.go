package server

import (
	"github.com/AnishMulay/sandlock/internal/node"
	"github.com/AnishMulay/sandlock/internal/session"
)

// Message Type Constants
const (
	MsgConnect       = "connect"
	MsgCommand       = "command"
	MsgDisconnect    = "disconnect"
	MsgNotifications = "notifications"
	MsgListServers   = "list_servers"
)

// Response headers
const (
	HeaderErrorKind = "error-kind"
	HeaderSessionID = "session-id"
)

// --- Payload Structs ---

type ConnectRequest struct {
	ClientID string `json:"clientId" validate:"required"`
}

type ConnectResponse struct {
	SessionID  string          `json:"sessionId"`
	Cell       string          `json:"cell"`
	Path       string          `json:"path"`
	HandleType node.HandleType `json:"handleType"`
}

type CommandRequest struct {
	SessionID string          `json:"sessionId" validate:"required"`
	Request   session.Request `json:"request"`
}

type DisconnectRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

type NotificationsRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

type ListServersRequest struct{}

type ListServersResponse struct {
	Cell    string   `json:"cell"`
	Members []Member `json:"members"`
}

type Member struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}
