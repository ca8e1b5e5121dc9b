package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultEtcdPrefix = "/zephyrbus/nodes/"
	DefaultLeaseTTL   = 10

	defaultPeerPort = "4455"
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Etcd registers nodes under a key prefix with a lease, so a node that dies
// disappears after the lease TTL.
type Etcd struct {
	cli    *clientv3.Client
	owned  bool
	prefix string
	ttl    int64
	host   string
	log    *zap.Logger
	self   localName

	wg sync.WaitGroup
}

type EtcdOption func(*Etcd)

func WithKeyPrefix(p string) EtcdOption     { return func(e *Etcd) { e.prefix = p } }
func WithLeaseTTL(seconds int64) EtcdOption { return func(e *Etcd) { e.ttl = seconds } }

// WithAdvertiseHost sets the host peers should dial; the hostname by default.
func WithAdvertiseHost(h string) EtcdOption   { return func(e *Etcd) { e.host = h } }
func WithEtcdLogger(l *zap.Logger) EtcdOption { return func(e *Etcd) { e.log = l } }

// WithOwnedClient makes Close also close the client.
func WithOwnedClient() EtcdOption { return func(e *Etcd) { e.owned = true } }

func NewEtcd(cli *clientv3.Client, opts ...EtcdOption) *Etcd {
	e := &Etcd{cli: cli, prefix: DefaultEtcdPrefix, ttl: DefaultLeaseTTL, log: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	if e.host == "" {
		e.host, _ = os.Hostname()
	}
	if !strings.HasSuffix(e.prefix, "/") {
		e.prefix += "/"
	}
	e.log = e.log.With(zap.String("component", "etcd"))
	return e
}

// Advertise puts prefix+name with a lease kept alive until ctx is done, then
// revokes the lease.
func (e *Etcd) Advertise(ctx context.Context, name string, port int) error {
	e.self.set(name)
	lease, err := e.cli.Grant(ctx, e.ttl)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}
	key := e.prefix + name
	if _, err := e.cli.Put(ctx, key, hostPort(e.host, port), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put %s: %w", key, err)
	}
	ka, err := e.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("etcd keepalive: %w", err)
	}
	e.log.Info("registered", zap.String("key", key), zap.Int64("lease", int64(lease.ID)))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for range ka {
		}
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := e.cli.Revoke(rctx, lease.ID); err != nil {
			e.log.Debug("revoke failed", zap.Error(err))
		}
	}()
	return nil
}

// Browse reports the nodes registered now, then follows changes. A deleted
// key lets the node be reported again if it comes back.
func (e *Etcd) Browse(ctx context.Context, found FoundFunc) error {
	sess := newSession(&e.self, found)

	resp, err := e.cli.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("etcd get %s: %w", e.prefix, err)
	}
	for _, kv := range resp.Kvs {
		e.report(sess, kv)
	}

	wch := e.cli.Watch(ctx, e.prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wr := range wch {
		if err := wr.Err(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("etcd watch: %w", err)
		}
		for _, ev := range wr.Events {
			switch ev.Type {
			case mvccpb.PUT:
				e.report(sess, ev.Kv)
			case mvccpb.DELETE:
				sess.forget(strings.TrimPrefix(string(ev.Kv.Key), e.prefix))
			}
		}
	}
	return nil
}

func (e *Etcd) report(sess *session, kv *mvccpb.KeyValue) {
	name := strings.TrimPrefix(string(kv.Key), e.prefix)
	sess.report(name, NormalizeHostPort(string(kv.Value), defaultPeerPort))
}

// Close waits for lease revocation and closes an owned client.
func (e *Etcd) Close() error {
	e.wg.Wait()
	var err error
	if e.owned {
		err = multierr.Append(err, e.cli.Close())
	}
	return err
}
