package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/AnishMulay/sandlock/internal/node"
)

// Parse decodes one command line. Command words are case-sensitive; handle
// types, attributes and event names are not.
func Parse(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "echo":
		return Request{Kind: KindEcho, Text: strings.Join(args, " ")}, nil
	case "open":
		return parseOpen(args)
	case "close":
		return Request{Kind: KindClose}, nil
	case "remove":
		return Request{Kind: KindRemove}, nil
	case "write":
		return parseWrite(args)
	case "read":
		return parseChoice(cmd, args, []choice{{"filecontent", KindReadContent}, {"acl", KindReadACL}})
	case "node":
		return parseChoice(cmd, args, []choice{{"data", KindNodeData}, {"metadata", KindNodeMetadata}})
	case "list":
		return parseChoice(cmd, args, []choice{{"event", KindListEvents}, {"defnode", KindListDefaultNodes}, {"cmd", KindListCommands}})
	case "ls":
		req := Request{Kind: KindLs, Depth: 1}
		if len(args) > 0 {
			d, err := strconv.Atoi(args[0])
			if err != nil {
				return Request{}, fmt.Errorf("%w: invalid depth '%s'", ErrInvalidArgument, args[0])
			}
			if d > 1 {
				req.Depth = d
			}
		}
		return req, nil
	case "curr_handle":
		return Request{Kind: KindCurrHandle}, nil
	case "help":
		return Request{Kind: KindHelp}, nil
	case "exit":
		return Request{Kind: KindExit}, nil
	}
	return Request{}, fmt.Errorf("%w: '%s', for a list of possible commands type 'list cmd'", ErrUnknownCommand, cmd)
}

// parseOpen reads: path handle_type [attribute] [lock_delay] [events...]
func parseOpen(args []string) (Request, error) {
	if len(args) < 2 {
		return Request{}, fmt.Errorf("%w: expected at least 2 arguments after 'open'", ErrMissingArgument)
	}
	h, err := node.ParseHandleType(args[1])
	if err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	req := Request{
		Kind:       KindOpen,
		Path:       node.CleanPath(args[0]),
		HandleType: h,
		Attribute:  node.Permanent,
		LockDelay:  node.DefaultLockDelay,
	}

	rest := args[2:]
	if len(rest) > 0 {
		if a, err := node.ParseAttribute(rest[0]); err == nil {
			req.Attribute = a
			rest = rest[1:]
		}
	}
	if len(rest) > 0 {
		if d, err := node.ParseLockDelay(rest[0]); err == nil {
			req.LockDelay = d
			rest = rest[1:]
		}
	}
	if len(rest) > 0 {
		req.Events = node.ParseEventTypes(rest...)
	}
	return req, nil
}

func parseWrite(args []string) (Request, error) {
	if len(args) == 0 {
		return Request{}, fmt.Errorf("%w: expected 'filecontent', 'acl' or 'add_client' after 'write'", ErrMissingArgument)
	}

	switch args[0] {
	case "filecontent":
		return Request{Kind: KindWriteContent, Text: strings.Join(args[1:], " ")}, nil
	case "acl":
		if len(args) != 3 {
			return Request{}, fmt.Errorf("%w: syntax is 'write acl <acl_type> <new_name>'", ErrMissingArgument)
		}
		h, err := parseACLType(args[1])
		if err != nil {
			return Request{}, err
		}
		return Request{Kind: KindWriteACL, ACLType: h, ACLName: args[2]}, nil
	case "add_client":
		if len(args) < 3 {
			return Request{}, fmt.Errorf("%w: syntax is 'write add_client <acl_type> <client...>'", ErrMissingArgument)
		}
		h, err := parseACLType(args[1])
		if err != nil {
			return Request{}, err
		}
		return Request{Kind: KindWriteAddClient, ACLType: h, Usernames: append([]string(nil), args[2:]...)}, nil
	}
	return Request{}, fmt.Errorf("%w: '%s', expected 'filecontent', 'acl' or 'add_client'", ErrInvalidArgument, args[0])
}

func parseACLType(s string) (node.HandleType, error) {
	h, err := node.ParseHandleType(s)
	if err != nil {
		return "", fmt.Errorf("%w: acl type '%s' not recognized, possible types are 'read', 'write', 'change_acl'", ErrInvalidArgument, s)
	}
	return h, nil
}

type choice struct {
	word string
	kind Kind
}

func parseChoice(cmd string, args []string, choices []choice) (Request, error) {
	words := make([]string, 0, len(choices))
	for _, c := range choices {
		words = append(words, "'"+c.word+"'")
	}
	if len(args) == 0 {
		return Request{}, fmt.Errorf("%w: '%s' expects one of %s", ErrMissingArgument, cmd, strings.Join(words, ", "))
	}
	for _, c := range choices {
		if c.word == args[0] {
			return Request{Kind: c.kind}, nil
		}
	}
	return Request{}, fmt.Errorf("%w: '%s %s', possible arguments are %s", ErrInvalidArgument, cmd, args[0], strings.Join(words, ", "))
}
