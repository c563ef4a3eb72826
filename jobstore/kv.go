package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the KV bucket name for in-flight job records.
const DefaultBucket = "MANIFESTME_JOBS"

// KVStore keeps the record in a NATS JetStream KV bucket, keyed by session
// so that several devices of one account do not share a slot.
type KVStore struct {
	bucket jetstream.KeyValue
	key    string
}

// NewKVStore creates or binds the bucket and returns a store for key.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucketName, key string) (*KVStore, error) {
	if bucketName == "" {
		bucketName = DefaultBucket
	}
	if key == "" {
		return nil, fmt.Errorf("kv key is required")
	}

	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: "In-flight manifestation jobs",
		TTL:         24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return &KVStore{bucket: bucket, key: key}, nil
}

// ConnectKV dials NATS at url and returns a KVStore plus the connection to close.
func ConnectKV(ctx context.Context, url, bucketName, key string) (*KVStore, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("manifestme"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("get jetstream: %w", err)
	}

	store, err := NewKVStore(ctx, js, bucketName, key)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return store, nc, nil
}

// Save stores rec under the session key.
func (s *KVStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}

	if _, err := s.bucket.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("put job record: %w", err)
	}
	return nil
}

// Load fetches the record or returns ErrNotFound.
func (s *KVStore) Load(ctx context.Context) (*Record, error) {
	entry, err := s.bucket.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal job record: %w", err)
	}
	if rec.JobID == "" {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Clear deletes the record.
func (s *KVStore) Clear(ctx context.Context) error {
	if err := s.bucket.Delete(ctx, s.key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete job record: %w", err)
	}
	return nil
}
