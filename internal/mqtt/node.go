package mqtt

import (
	"maps"
	"slices"
)

// Node is a value in a publish tree: either a [Leaf] or a [Branch].
type Node interface {
	isNode()
}

// Leaf is a text value published to a single topic.
type Leaf string

// Branch maps child names to nodes. Each child is published one topic
// level below its parent.
type Branch map[string]Node

func (Leaf) isNode()   {}
func (Branch) isNode() {}

// Entry is one flattened leaf: the topic path relative to the prefix
// and its value.
type Entry struct {
	Path  string
	Value string
}

// Flatten walks n and returns one Entry per leaf, with branch keys
// joined to path by "/". Entries are ordered by key at every level so
// output is deterministic. Nil children are skipped.
func Flatten(path string, n Node) []Entry {
	var out []Entry
	flatten(path, n, &out)
	return out
}

func flatten(path string, n Node, out *[]Entry) {
	switch v := n.(type) {
	case Leaf:
		*out = append(*out, Entry{Path: path, Value: string(v)})
	case Branch:
		for _, key := range slices.Sorted(maps.Keys(v)) {
			child := v[key]
			if child == nil {
				continue
			}
			flatten(joinPath(path, key), child, out)
		}
	}
}

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "/" + child
}
