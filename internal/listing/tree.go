// Package listing holds the MAP folder tree, the message and conversation
// listings served to a peer, their XML markup and the version counters a
// peer uses to detect that nothing changed since its last sync.
package listing

import (
	"cmp"
	"slices"
	"strings"
)

// Category is a set of content kinds a folder carries.
type Category uint8

const (
	CategorySMSMMS Category = 1 << iota
	CategoryIM
	CategoryEmail
)

// Standard MAP folder names below telecom/msg.
const (
	FolderInbox   = "inbox"
	FolderOutbox  = "outbox"
	FolderSent    = "sent"
	FolderDeleted = "deleted"
	FolderDraft   = "draft"
)

// StandardFolders lists the message folders every MAS instance exposes.
var StandardFolders = []string{FolderInbox, FolderOutbox, FolderSent, FolderDeleted, FolderDraft}

const noParent = -1

type node struct {
	name       string
	parent     int
	children   map[string]int
	categories Category
	folderID   int64
	hasID      bool
}

// Tree is an arena of folder nodes. Parents are stored as indices so the
// tree holds no reference cycles. A Tree is built once per instance and only
// extended afterwards; it is not safe for concurrent mutation.
type Tree struct {
	nodes []node
}

// Folder is a handle to one node of a Tree.
type Folder struct {
	t   *Tree
	idx int
}

// NewTree returns a tree holding only the unnamed root.
func NewTree() *Tree {
	return &Tree{nodes: []node{{parent: noParent, children: map[string]int{}}}}
}

// StandardTree builds root/telecom/msg with the standard message folders,
// each carrying cat. IM and e-mail folders get ids 1..n in StandardFolders
// order.
func StandardTree(cat Category) *Tree {
	t := NewTree()
	msg := t.Root().AddFolder("telecom").AddFolder("msg")
	for i, name := range StandardFolders {
		id := int64(i + 1)
		if cat&CategorySMSMMS != 0 {
			msg.AddSMSMMSFolder(name)
		}
		if cat&CategoryIM != 0 {
			msg.AddIMFolder(name, id)
		}
		if cat&CategoryEmail != 0 {
			msg.AddEmailFolder(name, id)
		}
	}
	return t
}

func (t *Tree) Root() Folder {
	return Folder{t: t, idx: 0}
}

// Len reports the number of nodes, root included.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Lookup resolves a '/' separated path relative to the root.
func (t *Tree) Lookup(path string) (Folder, bool) {
	f := t.Root()
	for _, name := range strings.Split(strings.Trim(path, "/"), "/") {
		if name == "" {
			continue
		}
		child, ok := f.Child(name)
		if !ok {
			return Folder{}, false
		}
		f = child
	}
	return f, true
}

// FolderByID finds the first folder carrying cat with the given id.
func (t *Tree) FolderByID(cat Category, id int64) (Folder, bool) {
	for i, n := range t.nodes {
		if n.hasID && n.folderID == id && n.categories&cat != 0 {
			return Folder{t: t, idx: i}, true
		}
	}
	return Folder{}, false
}

func (f Folder) n() *node {
	return &f.t.nodes[f.idx]
}

// Valid reports whether f refers to a node.
func (f Folder) Valid() bool {
	return f.t != nil
}

func (f Folder) Name() string {
	return f.n().name
}

func (f Folder) IsRoot() bool {
	return f.n().parent == noParent
}

func (f Folder) Parent() (Folder, bool) {
	p := f.n().parent
	if p == noParent {
		return Folder{}, false
	}
	return Folder{t: f.t, idx: p}, true
}

// Child finds a direct child by name, ignoring case.
func (f Folder) Child(name string) (Folder, bool) {
	idx, ok := f.n().children[strings.ToLower(name)]
	if !ok {
		return Folder{}, false
	}
	return Folder{t: f.t, idx: idx}, true
}

// Children returns the direct children ordered by name.
func (f Folder) Children() []Folder {
	out := make([]Folder, 0, len(f.n().children))
	for _, idx := range f.n().children {
		out = append(out, Folder{t: f.t, idx: idx})
	}
	slices.SortFunc(out, func(a, b Folder) int {
		return cmp.Compare(strings.ToLower(a.Name()), strings.ToLower(b.Name()))
	})
	return out
}

func (f Folder) Categories() Category {
	return f.n().categories
}

// ID returns the folder id assigned to IM and e-mail folders.
func (f Folder) ID() (int64, bool) {
	n := f.n()
	return n.folderID, n.hasID
}

// AddFolder returns the child called name, creating it when missing.
func (f Folder) AddFolder(name string) Folder {
	key := strings.ToLower(name)
	if idx, ok := f.n().children[key]; ok {
		return Folder{t: f.t, idx: idx}
	}
	f.t.nodes = append(f.t.nodes, node{name: name, parent: f.idx, children: map[string]int{}})
	idx := len(f.t.nodes) - 1
	f.n().children[key] = idx
	return Folder{t: f.t, idx: idx}
}

func (f Folder) AddSMSMMSFolder(name string) Folder {
	child := f.AddFolder(name)
	child.n().categories |= CategorySMSMMS
	return child
}

func (f Folder) AddIMFolder(name string, id int64) Folder {
	return f.addWithID(name, id, CategoryIM)
}

func (f Folder) AddEmailFolder(name string, id int64) Folder {
	return f.addWithID(name, id, CategoryEmail)
}

func (f Folder) addWithID(name string, id int64, cat Category) Folder {
	child := f.AddFolder(name)
	n := child.n()
	n.categories |= cat
	if !n.hasID {
		n.folderID, n.hasID = id, true
	}
	return child
}

// FullPath joins the names from below the root down to f with '/'.
func (f Folder) FullPath() string {
	var parts []string
	for cur := f; !cur.IsRoot(); {
		parts = append(parts, cur.Name())
		cur, _ = cur.Parent()
	}
	slices.Reverse(parts)
	return strings.Join(parts, "/")
}

// Compare orders two subtrees by name, then child count, then child by
// child in name order.
func (f Folder) Compare(o Folder) int {
	if c := cmp.Compare(strings.ToLower(f.Name()), strings.ToLower(o.Name())); c != 0 {
		return c
	}
	a, b := f.Children(), o.Children()
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	for i := range a {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// Equal reports whether two subtrees have the same shape and names.
func (f Folder) Equal(o Folder) bool {
	return f.Compare(o) == 0
}
