// Package cluster provides the optional multi-instance membership
// cache used when cluster.enable is set: every coordinator instance
// periodically refreshes its own key so peers (and the status API)
// can tell which instances are alive, grounded on the cluster
// awareness fc_common/etcd.py provides for multi-node deployments.
package cluster

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/redis/go-redis/v9"

	"github.com/streamspace-dev/fc-coordinator/internal/fcerrors"
)

// MembershipCache tracks which coordinator instances are currently
// alive.
type MembershipCache interface {
	// Refresh writes this instance's own liveness key with a TTL.
	Refresh(ctx context.Context, instanceName string, ttl time.Duration) error
	// Members returns every instance name currently alive.
	Members(ctx context.Context) ([]string, error)
	// Close releases backend resources.
	Close() error
}

const keyPrefix = "fc-coordinator/members/"

// EtcdCache is a MembershipCache backed by etcd leases, grounded on
// fc_common/etcd.py's use of a lease-bound key per instance.
type EtcdCache struct {
	client *clientv3.Client
}

// NewEtcdCache dials an etcd cluster over the given endpoints.
func NewEtcdCache(endpoints []string) (*EtcdCache, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fcerrors.ErrMembershipBackendUnavailable, err)
	}
	return &EtcdCache{client: client}, nil
}

// Refresh grants a lease for ttl and attaches this instance's key to
// it, so the key disappears automatically if the instance stops
// refreshing.
func (c *EtcdCache) Refresh(ctx context.Context, instanceName string, ttl time.Duration) error {
	lease, err := c.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("%w: %v", fcerrors.ErrMembershipBackendUnavailable, err)
	}
	_, err = c.client.Put(ctx, keyPrefix+instanceName, "alive", clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("%w: %v", fcerrors.ErrMembershipBackendUnavailable, err)
	}
	return nil
}

// Members lists every instance key currently present.
func (c *EtcdCache) Members(ctx context.Context) ([]string, error) {
	resp, err := c.client.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fcerrors.ErrMembershipBackendUnavailable, err)
	}
	members := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		members = append(members, string(kv.Key)[len(keyPrefix):])
	}
	return members, nil
}

// Close shuts down the etcd client.
func (c *EtcdCache) Close() error {
	return c.client.Close()
}

// RedisCache is a MembershipCache backed by Redis key TTLs: instead
// of a SET NX lock-acquire, each instance periodically SETs its own
// key with EX ttl, and Members is a key scan.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to a Redis instance for membership tracking.
func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Refresh writes this instance's key with the given TTL, resetting
// the expiry on every call.
func (c *RedisCache) Refresh(ctx context.Context, instanceName string, ttl time.Duration) error {
	if err := c.client.Set(ctx, keyPrefix+instanceName, "alive", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", fcerrors.ErrMembershipBackendUnavailable, err)
	}
	return nil
}

// Members scans for every live instance key.
func (c *RedisCache) Members(ctx context.Context) ([]string, error) {
	var members []string
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		members = append(members, iter.Val()[len(keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", fcerrors.ErrMembershipBackendUnavailable, err)
	}
	return members, nil
}

// Close shuts down the Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
