package core

import (
	"iter"
	"math/bits"

	"golang.org/x/exp/constraints"
)

// =============================================================================
// TrieSet: ordered set of unsigned keys (binary PATRICIA trie)
// =============================================================================

// TrieSet is a sorted set of unsigned integer keys stored in a binary radix
// (PATRICIA) trie. Every operation walks at most one node per key bit, so the
// cost is bounded by the key width and independent of the set size.
//
// The zero value is an empty set ready to use. A TrieSet is not safe for
// concurrent use; the Controller guards its lock sets with its own mutex.
type TrieSet[K constraints.Unsigned] struct {
	root  trieNode[K]
	count int
}

// trieNode is either a *trieLeaf (a member) or a *trieBranch (a split point).
type trieNode[K constraints.Unsigned] interface {
	isTrieNode()
}

type trieLeaf[K constraints.Unsigned] struct {
	key K
}

// trieBranch separates the members below it on the single bit in mask.
// Every member below shares prefix on all bits higher than mask.
type trieBranch[K constraints.Unsigned] struct {
	mask   K
	prefix K
	child  [2]trieNode[K]
}

func (*trieLeaf[K]) isTrieNode()   {}
func (*trieBranch[K]) isTrieNode() {}

// above returns the bits strictly higher than the branch bit.
func (b *trieBranch[K]) above() K {
	return ^(b.mask | (b.mask - 1))
}

func (b *trieBranch[K]) matches(key K) bool {
	return key&b.above() == b.prefix
}

func (b *trieBranch[K]) side(key K) int {
	if key&b.mask != 0 {
		return 1
	}
	return 0
}

func highestBit[K constraints.Unsigned](x K) K {
	return K(1) << (bits.Len64(uint64(x)) - 1)
}

// Insert adds key to the set. It reports whether key was already present.
func (s *TrieSet[K]) Insert(key K) bool {
	if s.root == nil {
		s.root = &trieLeaf[K]{key: key}
		s.count = 1
		return false
	}

	slot := &s.root
	var other K
	for {
		switch n := (*slot).(type) {
		case *trieLeaf[K]:
			if n.key == key {
				return true
			}
			other = n.key
		case *trieBranch[K]:
			if n.matches(key) {
				slot = &n.child[n.side(key)]
				continue
			}
			other = n.prefix
		}
		break
	}

	mask := highestBit(key ^ other)
	b := &trieBranch[K]{mask: mask}
	b.prefix = key & b.above()
	leaf := &trieLeaf[K]{key: key}
	side := b.side(key)
	b.child[side] = leaf
	b.child[1-side] = *slot
	*slot = b
	s.count++
	return false
}

// Contains reports whether key is a member of the set.
func (s *TrieSet[K]) Contains(key K) bool {
	n := s.root
	for n != nil {
		switch v := n.(type) {
		case *trieLeaf[K]:
			return v.key == key
		case *trieBranch[K]:
			if !v.matches(key) {
				return false
			}
			n = v.child[v.side(key)]
		}
	}
	return false
}

// Remove deletes key from the set. It reports whether key was present.
//
// The branch that separated the removed leaf from its sibling becomes
// redundant; the sibling subtree is re-linked directly into the parent slot.
func (s *TrieSet[K]) Remove(key K) bool {
	var parentSlot *trieNode[K]
	slot := &s.root
	for *slot != nil {
		switch n := (*slot).(type) {
		case *trieLeaf[K]:
			if n.key != key {
				return false
			}
			if parentSlot == nil {
				s.root = nil
			} else {
				parent := (*parentSlot).(*trieBranch[K])
				*parentSlot = parent.child[1-parent.side(key)]
			}
			s.count--
			return true
		case *trieBranch[K]:
			if !n.matches(key) {
				return false
			}
			parentSlot = slot
			slot = &n.child[n.side(key)]
		}
	}
	return false
}

// Clear removes every member.
func (s *TrieSet[K]) Clear() {
	s.root = nil
	s.count = 0
}

// Len returns the number of members.
func (s *TrieSet[K]) Len() int {
	return s.count
}

// Iterator returns a forward iterator positioned before the smallest member.
// Each call starts a fresh walk; an iterator cannot be rewound. The set must
// not be modified while the iterator is in use.
func (s *TrieSet[K]) Iterator() *TrieIterator[K] {
	it := &TrieIterator[K]{}
	if s.root != nil {
		it.stack = make([]trieNode[K], 1, bits.UintSize+1)
		it.stack[0] = s.root
	}
	return it
}

// All yields every member in ascending order.
func (s *TrieSet[K]) All() iter.Seq[K] {
	return func(yield func(K) bool) {
		it := s.Iterator()
		for k, ok := it.Next(); ok; k, ok = it.Next() {
			if !yield(k) {
				return
			}
		}
	}
}

// Keys returns a snapshot of the members in ascending order. Unlike an
// iterator, the snapshot stays valid while the set is modified.
func (s *TrieSet[K]) Keys() []K {
	keys := make([]K, 0, s.count)
	for k := range s.All() {
		keys = append(keys, k)
	}
	return keys
}

// TrieIterator walks a TrieSet in ascending key order.
type TrieIterator[K constraints.Unsigned] struct {
	stack []trieNode[K]
}

// Next returns the next member, or false once the walk is exhausted.
func (it *TrieIterator[K]) Next() (K, bool) {
	for len(it.stack) > 0 {
		last := len(it.stack) - 1
		n := it.stack[last]
		it.stack[last] = nil
		it.stack = it.stack[:last]
		switch v := n.(type) {
		case *trieLeaf[K]:
			return v.key, true
		case *trieBranch[K]:
			it.stack = append(it.stack, v.child[1], v.child[0])
		}
	}
	var zero K
	return zero, false
}
