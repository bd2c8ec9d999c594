package dataType

import "net"

type TrieNode struct {
	children [2]*TrieNode
	isEnd    bool
}

// Insert IP or CIDR rule into trie. IPv4 rules live under the IPv4-mapped
// prefix so a single trie serves both families.
func (node *TrieNode) Insert(ipNet *net.IPNet) {
	ones, bits := ipNet.Mask.Size()
	ip := ipNet.IP.To16()
	if ip == nil || bits == 0 {
		return
	}
	if bits == 32 {
		ones += 96
	}
	current := node
	for i := 0; i < ones; i++ {
		bit := (ip[i/8] >> (7 - uint(i%8))) & 1
		if current.children[bit] == nil {
			current.children[bit] = &TrieNode{}
		}
		current = current.children[bit]
	}
	current.isEnd = true
}

// Search if the ip is in the trie
func (node *TrieNode) Search(ip net.IP) bool {
	ip = ip.To16()
	if ip == nil {
		return false
	}
	current := node
	for i := 0; i < 128; i++ {
		if current.isEnd {
			return true
		}
		bit := (ip[i/8] >> (7 - uint(i%8))) & 1
		if current.children[bit] == nil {
			return false
		}
		current = current.children[bit]
	}
	return current.isEnd
}

// Empty reports whether no rule was ever inserted.
func (node *TrieNode) Empty() bool {
	return node == nil || (!node.isEnd && node.children[0] == nil && node.children[1] == nil)
}
