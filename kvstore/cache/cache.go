// Package cache serves key-addressed requests from a bounded in-memory store.
package cache

import (
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"

	"github.com/JasonLou99/hala-kv/kvstore/kvrpc"
	"github.com/JasonLou99/hala-kv/store"
)

// Cache answers set/get/remove requests against a store engine. A single
// RWMutex covers lookup, recency bookkeeping, insertion and eviction, so each
// operation is one atomic region.
type Cache struct {
	mu    sync.RWMutex
	store store.Store
}

func New(cfg store.Config) (*Cache, error) {
	s, err := store.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Cache{store: s}, nil
}

// Put stores the request's value under its key.
func (c *Cache) Put(req *kvrpc.KvRequest) *kvrpc.KvResponse {
	if req.Key == "" {
		return kvrpc.NewResponse(codes.InvalidArgument, "no key")
	}
	if req.Value == "" {
		return kvrpc.NewResponse(codes.InvalidArgument, "no value")
	}
	c.mu.Lock()
	_, err := c.store.Add(req.Key, req.Value)
	c.mu.Unlock()
	if errors.Is(err, store.ErrTooLarge) {
		return kvrpc.NewResponse(codes.InvalidArgument, "value too large")
	}
	if err != nil {
		return kvrpc.NewResponse(codes.Internal, err.Error())
	}
	return kvrpc.NewResponse(codes.OK, "ok")
}

// Get looks the key up and marks it recently used. Marking mutates the
// recency order, hence the exclusive lock.
func (c *Cache) Get(req *kvrpc.KvRequest) *kvrpc.KvResponse {
	if req.Key == "" {
		return kvrpc.NewResponse(codes.InvalidArgument, "no key")
	}
	c.mu.Lock()
	value, ok := c.store.Get(req.Key)
	c.mu.Unlock()
	if !ok {
		return kvrpc.NewResponse(codes.NotFound, "not found")
	}
	resp := kvrpc.NewResponse(codes.OK, "ok")
	resp.Value = value
	return resp
}

// Remove deletes the key and returns the value it held.
func (c *Cache) Remove(req *kvrpc.KvRequest) *kvrpc.KvResponse {
	if req.Key == "" {
		return kvrpc.NewResponse(codes.InvalidArgument, "no key")
	}
	c.mu.Lock()
	value, ok := c.store.Remove(req.Key)
	c.mu.Unlock()
	if !ok {
		return kvrpc.NewResponse(codes.NotFound, "not found")
	}
	resp := kvrpc.NewResponse(codes.OK, "ok")
	resp.Value = value
	return resp
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Len()
}
