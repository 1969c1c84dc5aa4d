package session

import (
	"github.com/AnishMulay/sandlock/internal/node"
)

// Kind identifies a client command.
type Kind int

const (
	KindEcho Kind = iota
	KindOpen
	KindClose
	KindRemove
	KindWriteContent
	KindWriteACL
	KindWriteAddClient
	KindReadContent
	KindReadACL
	KindNodeData
	KindNodeMetadata
	KindLs
	KindCurrHandle
	KindListEvents
	KindListDefaultNodes
	KindListCommands
	KindHelp
	KindExit
)

var kindNames = map[Kind]string{
	KindEcho:             "echo",
	KindOpen:             "open",
	KindClose:            "close",
	KindRemove:           "remove",
	KindWriteContent:     "write filecontent",
	KindWriteACL:         "write acl",
	KindWriteAddClient:   "write add_client",
	KindReadContent:      "read filecontent",
	KindReadACL:          "read acl",
	KindNodeData:         "node data",
	KindNodeMetadata:     "node metadata",
	KindLs:               "ls",
	KindCurrHandle:       "curr_handle",
	KindListEvents:       "list event",
	KindListDefaultNodes: "list defnode",
	KindListCommands:     "list cmd",
	KindHelp:             "help",
	KindExit:             "exit",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Request is a decoded client command. Only the fields relevant to Kind
// are set.
type Request struct {
	Kind Kind `json:"kind"`

	// open
	Path       string           `json:"path,omitempty"`
	HandleType node.HandleType  `json:"handle_type,omitempty"`
	Attribute  node.Attribute   `json:"attribute,omitempty"`
	LockDelay  node.LockDelay   `json:"lock_delay,omitempty"`
	Events     []node.EventType `json:"events,omitempty"`

	// write acl, write add_client
	ACLType   node.HandleType `json:"acl_type,omitempty"`
	ACLName   string          `json:"acl_name,omitempty"`
	Usernames []string        `json:"usernames,omitempty"`

	// echo, write filecontent
	Text string `json:"text,omitempty"`

	// ls
	Depth int `json:"depth,omitempty"`
}

// Response is the outcome of a successful command, reported with the
// handle the session holds afterwards.
type Response struct {
	Message    string          `json:"message"`
	Path       string          `json:"path"`
	HandleType node.HandleType `json:"handle_type"`
	Exit       bool            `json:"exit,omitempty"`
}
