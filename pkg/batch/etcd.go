package batch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultEtcdPrefix is the key space used when none is given. All keys live
// under it to avoid collisions with other etcd tenants.
const DefaultEtcdPrefix = "/mgmt/v1/batch"

// maxCASAttempts bounds the compare-and-swap loop under contention.
const maxCASAttempts = 64

// EtcdManager allocates batch ids that are unique across every process
// sharing the same etcd cluster and prefix.
//
//	<prefix>/next       next id to try
//	<prefix>/ids/<id>   one key per outstanding id
type EtcdManager struct {
	client *clientv3.Client
	prefix string
	owned  bool
}

// NewEtcdManager dials the etcd cluster at endpoints. The caller must call
// Close when finished.
func NewEtcdManager(endpoints []string, prefix string) (*EtcdManager, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	m := NewEtcdManagerFromClient(client, prefix)
	m.owned = true
	return m, nil
}

// NewEtcdManagerFromClient uses an existing client, which stays owned by the
// caller.
func NewEtcdManagerFromClient(client *clientv3.Client, prefix string) *EtcdManager {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	return &EtcdManager{client: client, prefix: prefix}
}

func (m *EtcdManager) nextKey() string { return m.prefix + "/next" }

func (m *EtcdManager) idKey(id int32) string {
	return fmt.Sprintf("%s/ids/%d", m.prefix, id)
}

// CreateBatchID reserves the next free id with a single transaction that
// advances the counter and creates the id key only if neither changed.
func (m *EtcdManager) CreateBatchID(ctx context.Context) (int32, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		resp, err := m.client.Get(ctx, m.nextKey())
		if err != nil {
			return 0, fmt.Errorf("etcd get %q: %w", m.nextKey(), err)
		}

		id := int32(1)
		counterCmp := clientv3.Compare(clientv3.CreateRevision(m.nextKey()), "=", 0)
		if len(resp.Kvs) > 0 {
			v, err := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 32)
			if err != nil || v < 1 {
				return 0, fmt.Errorf("etcd batch counter %q corrupt: %q", m.nextKey(), resp.Kvs[0].Value)
			}
			id = int32(v)
			counterCmp = clientv3.Compare(clientv3.ModRevision(m.nextKey()), "=", resp.Kvs[0].ModRevision)
		}
		next := id + 1
		if next <= 0 {
			next = 1
		}

		txn, err := m.client.Txn(ctx).
			If(counterCmp, clientv3.Compare(clientv3.CreateRevision(m.idKey(id)), "=", 0)).
			Then(
				clientv3.OpPut(m.nextKey(), strconv.FormatInt(int64(next), 10)),
				clientv3.OpPut(m.idKey(id), time.Now().UTC().Format(time.RFC3339Nano)),
			).
			Commit()
		if err != nil {
			return 0, fmt.Errorf("etcd txn create batch id: %w", err)
		}
		if txn.Succeeded {
			return id, nil
		}

		// Either another allocator moved the counter or id is still
		// outstanding. Skip past it when the counter itself is unchanged.
		if len(resp.Kvs) > 0 {
			_, _ = m.client.Txn(ctx).
				If(clientv3.Compare(clientv3.ModRevision(m.nextKey()), "=", resp.Kvs[0].ModRevision)).
				Then(clientv3.OpPut(m.nextKey(), strconv.FormatInt(int64(next), 10))).
				Commit()
		} else {
			_, _ = m.client.Txn(ctx).
				If(clientv3.Compare(clientv3.CreateRevision(m.nextKey()), "=", 0)).
				Then(clientv3.OpPut(m.nextKey(), strconv.FormatInt(int64(next), 10))).
				Commit()
		}
	}
	return 0, fmt.Errorf("etcd create batch id: %w", ErrExhausted)
}

func (m *EtcdManager) FreeBatchID(ctx context.Context, id int32) error {
	resp, err := m.client.Delete(ctx, m.idKey(id))
	if err != nil {
		return fmt.Errorf("etcd delete %q: %w", m.idKey(id), err)
	}
	if resp.Deleted == 0 {
		return ErrUnknownBatchID
	}
	return nil
}

// Close releases the etcd client if this manager dialled it.
func (m *EtcdManager) Close() error {
	if !m.owned {
		return nil
	}
	return m.client.Close()
}
