// Package router maps keys to the peer that owns them.
//
// Ownership is hash(key) mod len(peers) over a peer list fixed at startup.
// There is no rehashing: changing the number of peers moves most keys to a
// different owner.
package router

import (
	"errors"

	"github.com/cespare/xxhash/v2"
)

var ErrNoPeers = errors.New("peer list is empty")

// Router is read-only after New and safe for concurrent use without locking.
type Router struct {
	peers []string
}

func New(peers []string) (*Router, error) {
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	return &Router{peers: append([]string(nil), peers...)}, nil
}

// IndexFor returns the partition index in [0, Len()) that owns key.
func (r *Router) IndexFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(r.peers)))
}

// Peer returns the address of partition i.
func (r *Router) Peer(i int) string {
	return r.peers[i]
}

// IndexOf returns the partition index of addr.
func (r *Router) IndexOf(addr string) (int, bool) {
	for i, p := range r.peers {
		if p == addr {
			return i, true
		}
	}
	return -1, false
}

func (r *Router) Peers() []string {
	return append([]string(nil), r.peers...)
}

func (r *Router) Len() int {
	return len(r.peers)
}
