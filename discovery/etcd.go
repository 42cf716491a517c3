package discovery

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/echomesh/nodes/"

var ErrTaken = errors.New("discovery: node id already registered")

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Etcd keeps node id → address entries under a key prefix, each bound to a
// lease so a dead node's entry disappears with it.
type Etcd struct {
	cli    *clientv3.Client
	prefix string
	log    *zap.Logger
}

func NewEtcd(cli *clientv3.Client, log *zap.Logger) *Etcd {
	if log == nil {
		log = zap.NewNop()
	}
	return &Etcd{cli: cli, prefix: DefaultPrefix, log: log}
}

func (e *Etcd) key(id string) string { return e.prefix + id }

// Register claims id for addr under a lease of ttl seconds and keeps the
// lease alive until cancel is called. It fails with ErrTaken if another node
// holds id.
func (e *Etcd) Register(ctx context.Context, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := e.cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	key := e.key(id)
	resp, err := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, addr, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		_, _ = e.cli.Revoke(context.Background(), lease.ID)
		return 0, nil, fmt.Errorf("register %q: %w", id, err)
	}
	if !resp.Succeeded {
		_, _ = e.cli.Revoke(context.Background(), lease.ID)
		return 0, nil, fmt.Errorf("register %q: %w", id, ErrTaken)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := e.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		e.log.Debug("lease keepalive stopped", zap.String("id", id))
	}()
	return lease.ID, cancel, nil
}

// Claim registers addr under a freshly generated id, retrying on the rare
// collision.
func (e *Etcd) Claim(ctx context.Context, addr string, ttl int64) (string, clientv3.LeaseID, context.CancelFunc, error) {
	var lastErr error
	for i := 0; i < 5; i++ {
		id, err := NewID()
		if err != nil {
			return "", 0, nil, err
		}
		lease, cancel, err := e.Register(ctx, id, addr, ttl)
		if err == nil {
			return id, lease, cancel, nil
		}
		if !errors.Is(err, ErrTaken) {
			return "", 0, nil, err
		}
		lastErr = err
	}
	return "", 0, nil, lastErr
}

func (e *Etcd) Resolve(ctx context.Context, id string) (string, error) {
	resp, err := e.cli.Get(ctx, e.key(id))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("resolve %q: %w", id, ErrNotFound)
	}
	return NormalizeHostPort(string(resp.Kvs[0].Value), DefaultPort), nil
}

// peers lists every registered node with the revision it was read at.
func (e *Etcd) peers(ctx context.Context) (map[string]string, int64, error) {
	resp, err := e.cli.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("list peers: %w", err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers[strings.TrimPrefix(string(kv.Key), e.prefix)] = string(kv.Value)
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers calls fn with the full peer set now and after every change,
// until ctx is done.
func (e *Etcd) WatchPeers(ctx context.Context, fn func(map[string]string)) error {
	peers, rev, err := e.peers(ctx)
	if err != nil {
		return err
	}
	fn(maps.Clone(peers))

	go func() {
		wch := e.cli.Watch(ctx, e.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for resp := range wch {
			if err := resp.Err(); err != nil {
				e.log.Warn("peer watch", zap.Error(err))
				continue
			}
			if applyEvents(peers, e.prefix, resp.Events) {
				fn(maps.Clone(peers))
			}
		}
	}()
	return nil
}

// applyEvents folds watch events into peers and reports whether anything
// changed.
func applyEvents(peers map[string]string, prefix string, evs []*clientv3.Event) bool {
	changed := false
	for _, ev := range evs {
		id := strings.TrimPrefix(string(ev.Kv.Key), prefix)
		switch ev.Type {
		case mvccpb.PUT:
			if peers[id] != string(ev.Kv.Value) {
				peers[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}
