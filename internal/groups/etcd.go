// Package groups tracks which run holds each concurrency group. The etcd
// implementation gives every kestreld replica the same view; the in-memory
// one backs tests and single-node setups.
package groups

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/kestrel-ci/kestrel/internal/logging"
)

var etcdLogger = logging.C("groups.etcd")

const (
	keyPrefix  = "/kestrel/groups/"
	maxRetries = 3
	retryWait  = 500 * time.Millisecond
)

type Etcd struct {
	client  *clientv3.Client
	timeout time.Duration
}

// NewEtcd connects and probes the cluster once so a bad endpoint fails at
// startup instead of at the first claim.
func NewEtcd(endpoints []string, dialTimeout time.Duration) (*Etcd, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := cli.Get(ctx, keyPrefix, clientv3.WithCountOnly()); err != nil {
		cli.Close()
		return nil, fmt.Errorf("etcd connection check failed: %v", err)
	}
	return &Etcd{client: cli, timeout: dialTimeout}, nil
}

func (e *Etcd) Close() error {
	return e.client.Close()
}

func key(group string) string {
	return keyPrefix + url.PathEscape(group)
}

// Claim records runID as the group holder unless another run already holds
// it. Claiming a group the same run already holds succeeds.
func (e *Etcd) Claim(ctx context.Context, group, runID string) (string, bool, error) {
	k := key(group)
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, e.timeout)
		resp, err := e.client.Txn(cctx).
			If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
			Then(clientv3.OpPut(k, runID)).
			Else(clientv3.OpGet(k)).
			Commit()
		cancel()
		if err == nil {
			if resp.Succeeded {
				return runID, true, nil
			}
			kvs := resp.Responses[0].GetResponseRange().Kvs
			if len(kvs) == 0 {
				// Holder vanished between the compare and the read.
				continue
			}
			holder := string(kvs[0].Value)
			return holder, holder == runID, nil
		}
		lastErr = err
		etcdLogger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"group":   group,
		}).Warn("etcd claim attempt failed")
		if attempt < maxRetries {
			time.Sleep(retryWait)
		}
	}
	return "", false, fmt.Errorf("failed to claim group %q after %d attempts: %v", group, maxRetries+1, lastErr)
}

// Release deletes the group record only while runID still holds it.
func (e *Etcd) Release(ctx context.Context, group, runID string) error {
	k := key(group)
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, e.timeout)
		_, err := e.client.Txn(cctx).
			If(clientv3.Compare(clientv3.Value(k), "=", runID)).
			Then(clientv3.OpDelete(k)).
			Commit()
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		etcdLogger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"group":   group,
		}).Warn("etcd release attempt failed")
		if attempt < maxRetries {
			time.Sleep(retryWait)
		}
	}
	return fmt.Errorf("failed to release group %q after %d attempts: %v", group, maxRetries+1, lastErr)
}

// Holder returns the run holding the group, or "" when it is free.
func (e *Etcd) Holder(ctx context.Context, group string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.client.Get(cctx, key(group))
	if err != nil {
		return "", fmt.Errorf("failed to read group %q: %v", group, err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}
