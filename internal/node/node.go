package node

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrDirectoryContent = errors.New("directory nodes cannot hold content")

// Value is what is stored under a node's key.
type Value struct {
	FileContent string   `json:"file_content"`
	Metadata    Metadata `json:"metadata"`
}

// SetFileContent replaces the content, advancing the content generation and
// refreshing the checksum.
func (v *Value) SetFileContent(content string) error {
	if v.Metadata.NodeType == TypeDirectory {
		return ErrDirectoryContent
	}
	v.FileContent = content
	v.Metadata.ContentGenerationNumber++
	v.Metadata.Checksum = Checksum(content)
	return nil
}

func (v Value) String() string {
	return fmt.Sprintf("file_content=%q %s", v.FileContent, v.Metadata)
}

// Node pairs a canonical path with its stored value.
type Node struct {
	Path  string
	Value Value
}

// New builds an empty node at p with fresh metadata.
func New(p string, attr Attribute) *Node {
	p = CleanPath(p)
	return &Node{
		Path: p,
		Value: Value{
			Metadata: NewMetadata(p, "", attr),
		},
	}
}

func Encode(v Value) ([]byte, error) {
	return json.Marshal(v)
}

func Decode(data []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return Value{}, fmt.Errorf("failed to decode node value: %w", err)
	}
	if v.Metadata.LockClientMap == nil {
		v.Metadata.LockClientMap = make(map[string]HandleType)
	}
	if v.Metadata.ACLNames == nil {
		v.Metadata.ACLNames = make(map[HandleType]string)
	}
	return v, nil
}
