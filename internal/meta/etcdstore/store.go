// Package etcdstore implements meta.Store on etcd. Records are JSON documents; conditional
// updates compare the key's mod revision inside a transaction.
package etcdstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/zombar/coldstore/internal/meta"
)

// Config holds connection settings.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	Logger      zerolog.Logger
}

// Store is an etcd-backed metadata store.
type Store struct {
	client *clientv3.Client
	prefix string
	logger zerolog.Logger
}

var _ meta.Store = (*Store)(nil)

// maxCASAttempts bounds the read-compare-write loop of bundle status updates.
const maxCASAttempts = 5

// Open dials the cluster.
func Open(cfg Config) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcdstore: at least one endpoint required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", meta.ErrMetadataUnavailable, err)
	}
	return New(client, cfg.Prefix, cfg.Logger), nil
}

// New wraps an existing client.
func New(client *clientv3.Client, prefix string, logger zerolog.Logger) *Store {
	if prefix == "" {
		prefix = "/coldstore"
	}
	return &Store{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger.With().Str("component", "etcdstore").Logger(),
	}
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping queries the status of the first endpoint.
func (s *Store) Ping(ctx context.Context) error {
	eps := s.client.Endpoints()
	if len(eps) == 0 {
		return meta.ErrMetadataUnavailable
	}
	if _, err := s.client.Status(ctx, eps[0]); err != nil {
		return wrap(err)
	}
	return nil
}

func wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", meta.ErrCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", meta.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", meta.ErrMetadataUnavailable, err)
}

func (s *Store) objectKey(id meta.ObjectID) string {
	return s.prefix + "/objects/" + id.Encode()
}

func (s *Store) recordKey(kind, id string) string {
	return s.prefix + "/" + kind + "/" + id
}

// get loads the JSON value at key into v and returns its mod revision; found is false when absent.
func (s *Store) get(ctx context.Context, key string, v any) (rev int64, found bool, err error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return 0, false, wrap(err)
	}
	if len(resp.Kvs) == 0 {
		return 0, false, nil
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, v); err != nil {
		return 0, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return resp.Kvs[0].ModRevision, true, nil
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, key, string(b))
	return wrap(err)
}

// casPut writes v at key only if the key's mod revision still equals rev.
func (s *Store) casPut(ctx context.Context, key string, rev int64, v any) (bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, string(b))).
		Commit()
	if err != nil {
		return false, wrap(err)
	}
	return resp.Succeeded, nil
}

// scan decodes every value under prefix with fn.
func (s *Store) scan(ctx context.Context, prefix string, fn func([]byte) error) error {
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return wrap(err)
	}
	for _, kv := range resp.Kvs {
		if err := fn(kv.Value); err != nil {
			return fmt.Errorf("decode %s: %w", kv.Key, err)
		}
	}
	return nil
}

// --- objects ---

func (s *Store) GetObject(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	var o meta.Object
	_, found, err := s.get(ctx, s.objectKey(id), &o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", id, meta.ErrObjectNotFound)
	}
	return &o, nil
}

func (s *Store) CreateObject(ctx context.Context, obj *meta.Object) error {
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	key := s.objectKey(obj.ObjectID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(b))).
		Commit()
	if err != nil {
		return wrap(err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%s already exists: %w", obj.ObjectID, meta.ErrConflictingState)
	}
	return nil
}

func (s *Store) UpdateObject(ctx context.Context, id meta.ObjectID, expected meta.State, mutate func(*meta.Object)) (*meta.Object, error) {
	key := s.objectKey(id)
	var cur meta.Object
	rev, found, err := s.get(ctx, key, &cur)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", id, meta.ErrObjectNotFound)
	}
	if cur.State() != expected {
		return nil, fmt.Errorf("%s is %s, expected %s: %w", id, cur.State(), expected, meta.ErrConflictingState)
	}
	next := cur.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.ObjectID = id
	next.CreatedAt = cur.CreatedAt
	if next.UpdatedAt.Equal(cur.UpdatedAt) || next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	ok, err := s.casPut(ctx, key, rev, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s changed concurrently: %w", id, meta.ErrConflictingState)
	}
	return next, nil
}

func (s *Store) DeleteObject(ctx context.Context, id meta.ObjectID, expected meta.State) error {
	key := s.objectKey(id)
	var cur meta.Object
	rev, found, err := s.get(ctx, key, &cur)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: %w", id, meta.ErrObjectNotFound)
	}
	if cur.State() != expected {
		return fmt.Errorf("%s is %s, expected %s: %w", id, cur.State(), expected, meta.ErrConflictingState)
	}
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return wrap(err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%s changed concurrently: %w", id, meta.ErrConflictingState)
	}
	return nil
}

func (s *Store) scanObjects(ctx context.Context, prefix string, keep func(*meta.Object) bool) ([]*meta.Object, error) {
	var out []*meta.Object
	err := s.scan(ctx, prefix, func(b []byte) error {
		var o meta.Object
		if err := json.Unmarshal(b, &o); err != nil {
			return err
		}
		if keep == nil || keep(&o) {
			out = append(out, &o)
		}
		return nil
	})
	return out, err
}

func (s *Store) ListObjects(ctx context.Context, bucket, prefix string, maxKeys int) ([]*meta.Object, error) {
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	out, err := s.scanObjects(ctx, s.prefix+"/objects/"+bucket+"\x00"+prefix, nil)
	if err != nil {
		return nil, err
	}
	if len(out) > maxKeys {
		out = out[:maxKeys]
	}
	return out, nil
}

func byUpdated(objs []*meta.Object, limit int) []*meta.Object {
	sort.SliceStable(objs, func(i, j int) bool { return objs[i].UpdatedAt.Before(objs[j].UpdatedAt) })
	if limit > 0 && len(objs) > limit {
		objs = objs[:limit]
	}
	return objs
}

func (s *Store) ListObjectsByClass(ctx context.Context, class meta.StorageClass, limit int) ([]*meta.Object, error) {
	out, err := s.scanObjects(ctx, s.prefix+"/objects/", func(o *meta.Object) bool { return o.StorageClass == class })
	if err != nil {
		return nil, err
	}
	return byUpdated(out, limit), nil
}

func (s *Store) ListObjectsByRestore(ctx context.Context, status meta.RestoreStatus, limit int) ([]*meta.Object, error) {
	out, err := s.scanObjects(ctx, s.prefix+"/objects/", func(o *meta.Object) bool { return o.RestoreStatus == status })
	if err != nil {
		return nil, err
	}
	return byUpdated(out, limit), nil
}

func (s *Store) ListObjectsByTape(ctx context.Context, tapeID string) ([]*meta.Object, error) {
	return s.scanObjects(ctx, s.prefix+"/objects/", func(o *meta.Object) bool {
		if o.TapeID == tapeID {
			return true
		}
		for _, t := range o.TapeSet {
			if t == tapeID {
				return true
			}
		}
		return false
	})
}

// --- bundles ---

func (s *Store) PutBundle(ctx context.Context, b *meta.Bundle) error {
	return s.put(ctx, s.recordKey("bundles", b.ID), b)
}

func (s *Store) GetBundle(ctx context.Context, id string) (*meta.Bundle, error) {
	var b meta.Bundle
	_, found, err := s.get(ctx, s.recordKey("bundles", id), &b)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("bundle %s: %w", id, meta.ErrNotFound)
	}
	return &b, nil
}

func (s *Store) UpdateBundleStatus(ctx context.Context, id string, expected, next meta.BundleStatus) error {
	key := s.recordKey("bundles", id)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var b meta.Bundle
		rev, found, err := s.get(ctx, key, &b)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("bundle %s: %w", id, meta.ErrNotFound)
		}
		if b.Status != expected {
			return fmt.Errorf("bundle %s is %s, expected %s: %w", id, b.Status, expected, meta.ErrConflictingState)
		}
		b.Status = next
		b.UpdatedAt = time.Now().UTC()
		ok, err := s.casPut(ctx, key, rev, &b)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("bundle %s: %w", id, meta.ErrConflictingState)
}

func (s *Store) scanBundles(ctx context.Context, keep func(*meta.Bundle) bool) ([]*meta.Bundle, error) {
	var out []*meta.Bundle
	err := s.scan(ctx, s.prefix+"/bundles/", func(v []byte) error {
		var b meta.Bundle
		if err := json.Unmarshal(v, &b); err != nil {
			return err
		}
		if keep(&b) {
			out = append(out, &b)
		}
		return nil
	})
	return out, err
}

func (s *Store) ListBundlesByTape(ctx context.Context, tapeID string) ([]*meta.Bundle, error) {
	out, err := s.scanBundles(ctx, func(b *meta.Bundle) bool {
		_, ok := b.Copy(tapeID)
		return ok
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		ci, _ := out[i].Copy(tapeID)
		cj, _ := out[j].Copy(tapeID)
		return ci.Offset < cj.Offset
	})
	return out, nil
}

func (s *Store) ListBundlesByStatus(ctx context.Context, status meta.BundleStatus) ([]*meta.Bundle, error) {
	out, err := s.scanBundles(ctx, func(b *meta.Bundle) bool { return b.Status == status })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- tapes ---

func (s *Store) PutTape(ctx context.Context, t *meta.Tape) error {
	return s.put(ctx, s.recordKey("tapes", t.ID), t)
}

func (s *Store) GetTape(ctx context.Context, id string) (*meta.Tape, error) {
	var t meta.Tape
	_, found, err := s.get(ctx, s.recordKey("tapes", id), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("tape %s: %w", id, meta.ErrNotFound)
	}
	return &t, nil
}

func (s *Store) ListTapes(ctx context.Context) ([]*meta.Tape, error) {
	var out []*meta.Tape
	err := s.scan(ctx, s.prefix+"/tapes/", func(v []byte) error {
		var t meta.Tape
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		out = append(out, &t)
		return nil
	})
	return out, err
}

// --- tasks ---

func (s *Store) PutRecallTask(ctx context.Context, t *meta.RecallTask) error {
	return s.put(ctx, s.recordKey("recall", t.ID), t)
}

func (s *Store) GetRecallTask(ctx context.Context, id string) (*meta.RecallTask, error) {
	var t meta.RecallTask
	_, found, err := s.get(ctx, s.recordKey("recall", id), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("recall task %s: %w", id, meta.ErrNotFound)
	}
	return &t, nil
}

func (s *Store) ListRecallTasks(ctx context.Context, statuses ...meta.RestoreStatus) ([]*meta.RecallTask, error) {
	want := make(map[meta.RestoreStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*meta.RecallTask
	err := s.scan(ctx, s.prefix+"/recall/", func(v []byte) error {
		var t meta.RecallTask
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		if len(want) == 0 || want[t.Status] {
			out = append(out, &t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) PutArchiveTask(ctx context.Context, t *meta.ArchiveTask) error {
	return s.put(ctx, s.recordKey("archive", t.ID), t)
}

func (s *Store) GetArchiveTask(ctx context.Context, id string) (*meta.ArchiveTask, error) {
	var t meta.ArchiveTask
	_, found, err := s.get(ctx, s.recordKey("archive", id), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("archive task %s: %w", id, meta.ErrNotFound)
	}
	return &t, nil
}
