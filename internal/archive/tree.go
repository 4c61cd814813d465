package archive

import (
	"sort"

	"github.com/keithlinneman/buildgate/internal/pathutil"
)

// NodeKind distinguishes files from folders in the tree.
type NodeKind string

const (
	NodeFile   NodeKind = "file"
	NodeFolder NodeKind = "folder"
)

// Node is one element of the explorer tree. For files Path is the archive
// entry path used to open the content; for folders it is the joined path of
// its segments.
type Node struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Kind     NodeKind `json:"kind"`
	Size     int64    `json:"size_bytes"`
	Children []*Node  `json:"children,omitempty"`
}

// IsFolder reports whether n is a folder.
func (n *Node) IsFolder() bool { return n.Kind == NodeFolder }

// BuildTree turns a flat listing into a sorted forest. Directory records are
// skipped so empty directories do not appear. Empty and "." segments are
// ignored. For duplicate file paths the last record wins; a file whose path
// is also a folder is dropped in favour of the folder.
func BuildTree(entries []Entry) []*Node {
	// parent folder path -> child name -> node
	index := map[string]map[string]*Node{"": {}}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		segs := pathutil.EntrySegments(e.Path)
		if len(segs) == 0 {
			continue
		}

		parent := ""
		for _, seg := range segs[:len(segs)-1] {
			p := joinPath(parent, seg)
			kids := index[parent]
			if n, ok := kids[seg]; !ok || n.Kind != NodeFolder {
				kids[seg] = &Node{Name: seg, Path: p, Kind: NodeFolder}
				index[p] = map[string]*Node{}
			}
			parent = p
		}

		name := segs[len(segs)-1]
		kids := index[parent]
		switch n, ok := kids[name]; {
		case ok && n.Kind == NodeFolder:
			continue
		case ok:
			n.Path, n.Size = e.Path, e.Size
		default:
			kids[name] = &Node{Name: name, Path: e.Path, Kind: NodeFile, Size: e.Size}
		}
	}

	return assemble(index, "")
}

func assemble(index map[string]map[string]*Node, parent string) []*Node {
	kids := index[parent]
	out := make([]*Node, 0, len(kids))
	for _, n := range kids {
		if n.Kind == NodeFolder {
			n.Children = assemble(index, n.Path)
		}
		out = append(out, n)
	}
	sortNodes(out)
	return out
}

// sortNodes orders folders before files, then by byte-wise name.
func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Kind != b.Kind {
			return a.Kind == NodeFolder
		}
		return a.Name < b.Name
	})
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// Find returns the node at path, or nil.
func Find(forest []*Node, path string) *Node {
	segs := pathutil.EntrySegments(path)
	if len(segs) == 0 {
		return nil
	}
	level := forest
	var cur *Node
	for _, seg := range segs {
		cur = nil
		for _, n := range level {
			if n.Name == seg {
				cur = n
				break
			}
		}
		if cur == nil {
			return nil
		}
		level = cur.Children
	}
	return cur
}

// CountFiles returns the number of file nodes in the forest.
func CountFiles(forest []*Node) int {
	total := 0
	for _, n := range forest {
		if n.Kind == NodeFile {
			total++
			continue
		}
		total += CountFiles(n.Children)
	}
	return total
}
