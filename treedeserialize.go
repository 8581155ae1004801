package squashfs

import (
	"strings"
)

// DeserializeFlags controls which entries TreeNode descends into and keeps
// (spec §4.10).
type DeserializeFlags uint32

const (
	NoDevices DeserializeFlags = 1 << iota
	NoSockets
	NoFifo
	NoSymlinks
	NoEmpty
	NoRecurse
	StoreParents
)

// TreeNode is one in-memory node of a deserialized directory tree. parent
// is a non-owning back-reference (spec §238 "weak parent"): ownership runs
// top-down through Children, never back up through Parent.
type TreeNode struct {
	Parent   *TreeNode
	Children []*TreeNode
	Inode    *Inode
	Uid      uint32
	Gid      uint32
	Name     string
}

// DeserializeTree descends from start into an in-memory tree, applying
// flags and stopping recursion at non-directories or when NoRecurse is set.
func DeserializeTree(sb *Superblock, start *Inode, flags DeserializeFlags) (*TreeNode, error) {
	visited := make(map[uint32]bool)
	root, err := deserializeNode(sb, start, nil, "", flags, visited)
	if err != nil {
		return nil, err
	}
	if flags&NoEmpty != 0 {
		pruneEmpty(root)
	}
	return root, nil
}

func deserializeNode(sb *Superblock, ino *Inode, parent *TreeNode, name string, flags DeserializeFlags, visited map[uint32]bool) (*TreeNode, error) {
	if visited[ino.Ino] {
		return nil, wrapErr("DeserializeTree", KindLinkLoop, ErrLoop)
	}
	visited[ino.Ino] = true
	defer delete(visited, ino.Ino)

	uid, err := sb.GetUid(ino)
	if err != nil {
		return nil, err
	}
	gid, err := sb.GetGid(ino)
	if err != nil {
		return nil, err
	}

	node := &TreeNode{Inode: ino, Uid: uid, Gid: gid, Name: name}
	if flags&StoreParents != 0 {
		node.Parent = parent
	}

	if !ino.IsDir() || flags&NoRecurse != 0 {
		return node, nil
	}

	dr, err := sb.openDir(ino, false)
	if err != nil {
		return nil, err
	}
	for {
		entries, err := dr.ReadDir(1)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		de := entries[0].(*direntry)

		if skipByFlags(de.typ, flags) {
			continue
		}

		child, err := sb.getInodeByDirRef(de.ref)
		if err != nil {
			return nil, err
		}
		childNode, err := deserializeNode(sb, child, node, de.name, flags, visited)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}

	return node, nil
}

func skipByFlags(t Type, flags DeserializeFlags) bool {
	switch t.Basic() {
	case BlockDevType, CharDevType:
		return flags&NoDevices != 0
	case SocketType:
		return flags&NoSockets != 0
	case FifoType:
		return flags&NoFifo != 0
	case SymlinkType:
		return flags&NoSymlinks != 0
	default:
		return false
	}
}

// pruneEmpty removes directory children that themselves became empty after
// filtering, recursively, matching the NoEmpty post-order prune (spec
// §4.10).
func pruneEmpty(n *TreeNode) bool {
	if n.Inode == nil || !n.Inode.IsDir() {
		return false
	}
	kept := n.Children[:0]
	for _, c := range n.Children {
		if c.Inode.IsDir() {
			if pruneEmpty(c) {
				continue
			}
		}
		kept = append(kept, c)
	}
	n.Children = kept
	return len(n.Children) == 0
}

// Path reconstructs the node's absolute path by walking Parent links
// (requires the tree to have been built with StoreParents). The root
// returns "/"; every other node returns a path with no trailing slash.
func (n *TreeNode) Path() (string, error) {
	var parts []string
	seen := make(map[*TreeNode]bool)
	cur := n
	for cur.Parent != nil {
		if seen[cur] {
			return "", wrapErr("TreeNode.Path", KindLinkLoop, ErrLoop)
		}
		seen[cur] = true
		parts = append([]string{cur.Name}, parts...)
		cur = cur.Parent
	}
	if len(parts) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(parts, "/"), nil
}

// ResolvePath walks from root through slash-separated segments (either
// forward or backward slashes), never interpreting "." or "..". It returns
// the node at that path, or an error if any segment is missing.
func ResolvePath(root *TreeNode, path string) (*TreeNode, error) {
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.Trim(path, "/")
	if path == "" {
		return root, nil
	}

	cur := root
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		var next *TreeNode
		for _, c := range cur.Children {
			if c.Name == seg {
				next = c
				break
			}
		}
		if next == nil {
			return nil, wrapErr("ResolvePath", KindNoEntry, ErrCorrupted)
		}
		cur = next
	}
	return cur, nil
}
