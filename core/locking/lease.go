package locking

import (
	"errors"
	"sync"
	"sync/atomic"
)

// NoLease is the lease id of a client that holds no lease.
const NoLease int64 = -1

var ErrLeaseInvalid = errors.New("lease is no longer valid")

// LeaseClient proves a transaction's right to use its lock client slot.
type LeaseClient interface {
	LeaseID() int64
	EnsureValid() error
}

// LeaseService hands out one lease client per logical transaction.
type LeaseService interface {
	NewClient() LeaseClient
}

// NoLeaseService is used when a single instance owns all writes.
type NoLeaseService struct{}

func (NoLeaseService) NewClient() LeaseClient { return noLeaseClient{} }

type noLeaseClient struct{}

func (noLeaseClient) LeaseID() int64     { return NoLease }
func (noLeaseClient) EnsureValid() error { return nil }

// LocalLeaseService issues numbered leases that can be revoked, for example
// when the instance loses write ownership.
type LocalLeaseService struct {
	next    atomic.Int64
	mu      sync.Mutex
	revoked map[int64]struct{}
}

// NewLocalLeaseService creates an empty lease service.
func NewLocalLeaseService() *LocalLeaseService {
	return &LocalLeaseService{revoked: make(map[int64]struct{})}
}

// NewClient issues a fresh lease.
func (s *LocalLeaseService) NewClient() LeaseClient {
	return &localLeaseClient{service: s, id: s.next.Add(1)}
}

// Revoke invalidates a lease.
func (s *LocalLeaseService) Revoke(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[id] = struct{}{}
}

func (s *LocalLeaseService) isRevoked(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[id]
	return ok
}

type localLeaseClient struct {
	service *LocalLeaseService
	id      int64
}

func (c *localLeaseClient) LeaseID() int64 { return c.id }

func (c *localLeaseClient) EnsureValid() error {
	if c.service.isRevoked(c.id) {
		return ErrLeaseInvalid
	}
	return nil
}
