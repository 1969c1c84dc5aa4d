package namespace_service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/node"
)

// IsClientPermittedAccess reports whether client may take a handle of type
// h on the node at p. Nodes bound to a default ACL file are open to
// everyone.
func (s *NamespaceService) IsClientPermittedAccess(ctx context.Context, client string, h node.HandleType, p string) (bool, error) {
	p = node.CleanPath(p)
	v, err := s.getValue(ctx, p)
	if err != nil {
		return false, err
	}

	name, ok := v.Metadata.ACLNames[h]
	if !ok || name == "" {
		return false, nil
	}
	aclFile := s.ACLFilePath(name)
	if s.IsDefaultNode(aclFile) {
		return true, nil
	}

	users, err := s.readUsernames(ctx, aclFile)
	if errors.Is(err, ErrNodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u == client {
			return true, nil
		}
	}
	return false, nil
}

// ChangeACLNames rebinds the permission typeToChange on p to a new ACL file
// seeded with client. The previous file is deleted unless it is a default.
func (s *NamespaceService) ChangeACLNames(ctx context.Context, client, p string, held, typeToChange node.HandleType, newName string) error {
	p = node.CleanPath(p)
	if held != node.HandleChangeACL {
		return fmt.Errorf("%w: %s requires %s, holding %s", ErrWrongHandleType, p, node.HandleChangeACL, held)
	}
	if !typeToChange.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownHandleType, typeToChange)
	}
	if err := validateACLName(newName); err != nil {
		return err
	}

	v, err := s.getValue(ctx, p)
	if err != nil {
		return err
	}
	oldFile := s.ACLFilePath(v.Metadata.ACLNames[typeToChange])
	newFile := s.ACLFilePath(newName)

	created, err := s.CreateNode(ctx, newFile, node.Permanent, true)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrACLNameTaken, newName)
	}
	if err := s.writeUsernames(ctx, newFile, []string{client}); err != nil {
		return err
	}
	if err := s.InheritACLNames(ctx, newFile); err != nil {
		return err
	}

	if !s.IsDefaultNode(oldFile) {
		deleted, err := s.deleteACLFile(ctx, oldFile)
		if err != nil {
			return err
		}
		if !deleted {
			if _, rerr := s.deleteACLFile(ctx, newFile); rerr != nil {
				s.ls.Error(log_service.LogEvent{
					Message:  "Failed to roll back new ACL file",
					Metadata: map[string]any{"path": newFile, "error": rerr.Error()},
				})
			}
			return fmt.Errorf("%w: %s", ErrACLFileMissing, oldFile)
		}
	}

	if _, err := s.update(ctx, p, func(v *node.Value) error {
		v.Metadata.ACLNames[typeToChange] = newName
		v.Metadata.IncreaseACLGenerationNumber()
		return nil
	}); err != nil {
		return err
	}

	s.ls.Debug(log_service.LogEvent{
		Message:  "ACL name changed",
		Metadata: map[string]any{"path": p, "client_id": client, "handle_type": string(typeToChange), "acl_name": newName},
	})
	return nil
}

// AddACLClient grants usernames the permission aclType on p by adding them
// to the bound ACL file.
func (s *NamespaceService) AddACLClient(ctx context.Context, p string, aclType, held node.HandleType, usernames ...string) error {
	p = node.CleanPath(p)
	if held != node.HandleChangeACL {
		return fmt.Errorf("%w: %s requires %s, holding %s", ErrWrongHandleType, p, node.HandleChangeACL, held)
	}
	if !aclType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownHandleType, aclType)
	}
	if len(usernames) == 0 {
		return ErrNoUsernames
	}

	v, err := s.getValue(ctx, p)
	if err != nil {
		return err
	}
	aclFile := s.ACLFilePath(v.Metadata.ACLNames[aclType])
	if s.IsDefaultNode(aclFile) {
		return fmt.Errorf("%w: %s", ErrDefaultACL, aclFile)
	}

	_, err = s.update(ctx, aclFile, func(f *node.Value) error {
		users, err := decodeUsernames(f.FileContent)
		if err != nil {
			return err
		}
		return f.SetFileContent(encodeUsernames(unionUsernames(users, usernames)))
	})
	if errors.Is(err, ErrNodeNotFound) {
		return fmt.Errorf("%w: %s", ErrACLFileMissing, aclFile)
	}
	if err != nil {
		return err
	}

	s.ls.Debug(log_service.LogEvent{
		Message:  "ACL clients added",
		Metadata: map[string]any{"path": p, "acl_file": aclFile, "usernames": usernames},
	})
	return nil
}

// ReadACLUsernames lists the usernames of the ACL file bound to h on p.
func (s *NamespaceService) ReadACLUsernames(ctx context.Context, p string, h node.HandleType) ([]string, error) {
	v, err := s.getValue(ctx, node.CleanPath(p))
	if err != nil {
		return nil, err
	}
	users, err := s.readUsernames(ctx, s.ACLFilePath(v.Metadata.ACLNames[h]))
	if errors.Is(err, ErrNodeNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrACLFileMissing, v.Metadata.ACLNames[h])
	}
	return users, err
}

func (s *NamespaceService) readUsernames(ctx context.Context, aclFile string) ([]string, error) {
	v, err := s.getValue(ctx, aclFile)
	if err != nil {
		return nil, err
	}
	return decodeUsernames(v.FileContent)
}

func (s *NamespaceService) writeUsernames(ctx context.Context, aclFile string, users []string) error {
	_, err := s.update(ctx, aclFile, func(v *node.Value) error {
		return v.SetFileContent(encodeUsernames(users))
	})
	return err
}

func (s *NamespaceService) deleteACLFile(ctx context.Context, aclFile string) (bool, error) {
	deleted, err := s.store.Delete(ctx, aclFile)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", aclFile, err)
	}
	if !deleted {
		return false, nil
	}
	s.metrics.NodeRemoved()
	return true, s.refreshChildCount(ctx, s.aclDir)
}

func validateACLName(name string) error {
	if name == "" || strings.ContainsAny(name, "/. \t") {
		return fmt.Errorf("%w: %q", ErrIllegalACLName, name)
	}
	return nil
}

func encodeUsernames(users []string) string {
	if users == nil {
		users = []string{}
	}
	data, _ := json.Marshal(users)
	return string(data)
}

func decodeUsernames(content string) ([]string, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	var users []string
	if err := json.Unmarshal([]byte(content), &users); err != nil {
		return nil, fmt.Errorf("%w: malformed acl file: %w", ErrACL, err)
	}
	return users, nil
}

func unionUsernames(existing, added []string) []string {
	seen := make(map[string]bool, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, u := range append(append([]string(nil), existing...), added...) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
