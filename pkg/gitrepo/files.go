// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gitnexus/gitnexus/pkg/security"
)

// Node kinds in a file tree.
const (
	NodeDir  = "dir"
	NodeFile = "file"
)

// TreeNode is one entry in a workspace file tree.
type TreeNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"`
	Size     int64       `json:"size,omitempty"`
	Children []*TreeNode `json:"children,omitempty"`
}

// ErrFileNotFound is returned for a path that does not resolve to a regular
// file inside the workspace.
var ErrFileNotFound = errors.New("file not found")

// FileTree walks a checked-out workspace, returning directories before files
// at every level, each group sorted case-insensitively. The .git directory is
// skipped.
func FileTree(root string) ([]*TreeNode, error) {
	return readTree(root, "")
}

func readTree(root, rel string) ([]*TreeNode, error) {
	entries, err := os.ReadDir(filepath.Join(root, rel))
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var nodes []*TreeNode
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		childRel := filepath.ToSlash(filepath.Join(rel, e.Name()))
		node := &TreeNode{Name: e.Name(), Path: childRel}
		if e.IsDir() {
			node.Type = NodeDir
			children, err := readTree(root, childRel)
			if err != nil {
				return nil, err
			}
			node.Children = children
		} else {
			node.Type = NodeFile
			if info, err := e.Info(); err == nil {
				node.Size = info.Size()
			}
		}
		nodes = append(nodes, node)
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type == NodeDir
		}
		return strings.ToLower(nodes[i].Name) < strings.ToLower(nodes[j].Name)
	})
	return nodes, nil
}

// FileContent reads a file within the workspace as text. Bytes that are not
// valid UTF-8 are replaced rather than failing the read. The path is
// confined to the workspace root.
func FileContent(root, relPath string) (string, error) {
	full := filepath.Join(root, filepath.FromSlash(relPath))
	if !security.IsSafePath(root, full) {
		return "", ErrFileNotFound
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return "", ErrFileNotFound
	}

	b, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return strings.ToValidUTF8(string(b), "�"), nil
}
