package session

import (
	"fmt"
	"strings"

	"github.com/AnishMulay/sandlock/internal/namespace_service"
	"github.com/AnishMulay/sandlock/internal/node"
)

const helpText = `list of all commands available:
- echo [msg], returns the arguments passed as input
- open absolutePath handle_type [node_attribute] [lock_delay] [event_sub1 event_sub2 ...], opens a handle on absolutePath creating the node if missing; handle_type is read, write or change_acl; node_attribute is permanent (default) or ephemeral; lock_delay is the lease length in seconds, clamped to 0..60 (default 30); events are any of the names listed by 'list event'
- close, releases the current handle, removing the node if it is ephemeral, and reacquires the shared handle on root
- remove, removes the node held with a write handle and reacquires the shared handle on root
- write filecontent [content], replaces the file content; needs a write handle
- write acl aclType newName, binds the permission aclType of this node to a new acl file; needs a change_acl handle
- write add_client aclType client1 [client2 ...], adds clients to the acl file bound to aclType; needs a change_acl handle
- read filecontent, returns the file content
- read acl, returns the acl names of this node
- node data, returns the node's file content and metadata
- node metadata, returns the node's metadata
- ls [depth], lists the nodes below the current one down to depth levels (default 1)
- curr_handle, shows the current handle
- list event, lists the event subscriptions accepted by 'open'
- list defnode, lists the default nodes
- list cmd, lists the commands usable from the current handle
- exit, releases every handle and ends the session`

var commonCommands = []string{
	"read filecontent",
	"read acl",
	"node data",
	"node metadata",
	"ls [depth]",
	"curr_handle",
	"list event",
	"list defnode",
	"list cmd",
	"help",
	"exit",
}

func commandsFor(h *namespace_service.Handle) string {
	cmds := []string{"echo [msg]"}
	switch {
	case h.Type == node.HandleWrite:
		cmds = append(cmds, "close", "remove", "write filecontent [content]")
	case h.Type == node.HandleChangeACL:
		cmds = append(cmds, "close", "write acl aclType newName", "write add_client aclType client1 [client2 ...]")
	case h.Path == node.RootPath:
		cmds = append(cmds, "open absolutePath handle_type [node_attribute] [lock_delay] [event_sub1 event_sub2 ...]")
	default:
		cmds = append(cmds, "close")
	}
	cmds = append(cmds, commonCommands...)
	return "commands that can be used from this handle:" + bulletList(cmds)
}

func eventNames() []string {
	out := make([]string, 0, len(node.EventTypes)+1)
	for _, e := range node.EventTypes {
		out = append(out, string(e))
	}
	return append(out, string(node.EventNone))
}

func bulletList(items []string) string {
	var b strings.Builder
	b.WriteString("\n")
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", it)
	}
	return b.String()
}

func formatACLNames(names map[node.HandleType]string) string {
	parts := make([]string, 0, len(node.HandleTypes))
	for _, h := range node.HandleTypes {
		parts = append(parts, fmt.Sprintf("%s=%s", h, names[h]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
