// Package dsa provides data structures for record queries.
// Uses go-radix for a compressed prefix tree (radix tree).
package dsa

import (
	"sort"
	"strings"

	"github.com/armon/go-radix"
)

// URLIndex maps URLs to the record positions that carry them, for prefix
// queries. Keys are stored without the scheme, so a prefix such as
// "example.com/docs" matches both http and https records.
//
// Lookup is O(k + m) where k is the prefix length and m the number of
// matching URLs; shared host prefixes are stored once.
type URLIndex struct {
	tree *radix.Tree
}

// NewURLIndex creates an empty index.
func NewURLIndex() *URLIndex {
	return &URLIndex{tree: radix.New()}
}

// Add records that position holds url.
func (x *URLIndex) Add(url string, position int) {
	key := indexKey(url)
	if v, ok := x.tree.Get(key); ok {
		x.tree.Insert(key, append(v.([]int), position))
		return
	}
	x.tree.Insert(key, []int{position})
}

// Positions returns the sorted positions of all URLs starting with prefix.
// An empty prefix matches everything.
func (x *URLIndex) Positions(prefix string) []int {
	positions := []int{}
	x.tree.WalkPrefix(indexKey(prefix), func(k string, v interface{}) bool {
		positions = append(positions, v.([]int)...)
		return false // continue walking
	})
	sort.Ints(positions)
	return positions
}

// Len returns the number of distinct URLs.
func (x *URLIndex) Len() int {
	return x.tree.Len()
}

func indexKey(url string) string {
	url = strings.TrimSpace(url)
	lower := strings.ToLower(url)
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(lower, scheme) {
			url = url[len(scheme):]
			break
		}
	}
	return strings.ToLower(url)
}
