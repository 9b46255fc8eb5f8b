package jetstream

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
)

// Bucket schemes. "kv:<bucket>.<keys>" watches the keys of a key-value
// bucket ("kv:<bucket>" watches all of them), "object:<bucket>" watches an
// object store. Watches only see changes made after they start and have no
// acknowledgement, so delivery is at-most-once.
const (
	SchemeKV     = "kv"
	SchemeObject = "object"
)

const (
	// KeyHeader carries the key of a key-value update.
	KeyHeader = "nats_kv_key"

	// RevisionHeader carries the revision of a key-value update.
	RevisionHeader = "nats_kv_revision"

	// ObjectHeader carries the object name. On publish it names the stored
	// object, the message id is used when it is missing.
	ObjectHeader = "nats_object"
)

// bucketUpdate is a put seen by a watch.
type bucketUpdate struct {
	Key      string
	Value    []byte
	Revision uint64
}

// buckets is the key-value and object store access of the transport.
// Missing buckets are created on first use.
type buckets interface {
	WatchKV(bucket, keys string) (<-chan bucketUpdate, func() error, error)
	WatchObjects(bucket string) (<-chan bucketUpdate, func() error, error)
	PutKV(bucket, key string, value []byte) error
	PutObject(bucket, name string, data []byte) error
}

// splitBucket separates "<bucket>.<keys>" into its parts. Bucket names
// cannot contain dots.
func splitBucket(dest string) (bucket, keys string) {
	bucket, keys, _ = strings.Cut(dest, ".")
	if keys == "" {
		keys = ">"
	}
	return bucket, keys
}

func isBucketScheme(scheme string) bool {
	return scheme == SchemeKV || scheme == SchemeObject
}

func (u bucketUpdate) message(scheme string) *message.Message {
	msg := message.NewMessage(watermill.NewULID(), u.Value)
	if scheme == SchemeObject {
		msg.Metadata.Set(ObjectHeader, u.Key)
		return msg
	}
	msg.Metadata.Set(KeyHeader, u.Key)
	msg.Metadata.Set(RevisionHeader, fmt.Sprint(u.Revision))
	return msg
}

type natsBuckets struct {
	js nats.JetStreamContext
}

func isMissingBucket(err error) bool {
	return errors.Is(err, nats.ErrBucketNotFound) || errors.Is(err, nats.ErrStreamNotFound)
}

func (b natsBuckets) keyValue(bucket string) (nats.KeyValue, error) {
	kv, err := b.js.KeyValue(bucket)
	if isMissingBucket(err) {
		kv, err = b.js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		return nil, fmt.Errorf("key-value bucket %s: %w", bucket, err)
	}
	return kv, nil
}

func (b natsBuckets) objectStore(bucket string) (nats.ObjectStore, error) {
	obs, err := b.js.ObjectStore(bucket)
	if isMissingBucket(err) {
		obs, err = b.js.CreateObjectStore(&nats.ObjectStoreConfig{Bucket: bucket})
	}
	if err != nil {
		return nil, fmt.Errorf("object store %s: %w", bucket, err)
	}
	return obs, nil
}

func (b natsBuckets) WatchKV(bucket, keys string) (<-chan bucketUpdate, func() error, error) {
	kv, err := b.keyValue(bucket)
	if err != nil {
		return nil, nil, err
	}
	w, err := kv.Watch(keys, nats.UpdatesOnly())
	if err != nil {
		return nil, nil, fmt.Errorf("watch %s.%s: %w", bucket, keys, err)
	}
	out, stop := relay(w.Updates(), w.Stop, func(e nats.KeyValueEntry) (bucketUpdate, bool) {
		if e == nil || e.Operation() != nats.KeyValuePut {
			return bucketUpdate{}, false
		}
		return bucketUpdate{Key: e.Key(), Value: e.Value(), Revision: e.Revision()}, true
	})
	return out, stop, nil
}

// WatchObjects reports the name of every object put into bucket.
func (b natsBuckets) WatchObjects(bucket string) (<-chan bucketUpdate, func() error, error) {
	obs, err := b.objectStore(bucket)
	if err != nil {
		return nil, nil, err
	}
	w, err := obs.Watch(nats.UpdatesOnly())
	if err != nil {
		return nil, nil, fmt.Errorf("watch %s: %w", bucket, err)
	}
	out, stop := relay(w.Updates(), w.Stop, func(info *nats.ObjectInfo) (bucketUpdate, bool) {
		if info == nil || info.Deleted {
			return bucketUpdate{}, false
		}
		return bucketUpdate{Key: info.Name, Value: []byte(info.Name)}, true
	})
	return out, stop, nil
}

func (b natsBuckets) PutKV(bucket, key string, value []byte) error {
	kv, err := b.keyValue(bucket)
	if err != nil {
		return err
	}
	if _, err := kv.Put(key, value); err != nil {
		return fmt.Errorf("put %s.%s: %w", bucket, key, err)
	}
	return nil
}

func (b natsBuckets) PutObject(bucket, name string, data []byte) error {
	obs, err := b.objectStore(bucket)
	if err != nil {
		return err
	}
	if _, err := obs.PutBytes(name, data); err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, name, err)
	}
	return nil
}

// relay converts watch updates until stop is called or src closes.
func relay[T any](src <-chan T, stopWatch func() error, convert func(T) (bucketUpdate, bool)) (<-chan bucketUpdate, func() error) {
	out := make(chan bucketUpdate)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case v, ok := <-src:
				if !ok {
					return
				}
				update, keep := convert(v)
				if !keep {
					continue
				}
				select {
				case out <- update:
				case <-done:
					return
				}
			}
		}
	}()

	var (
		once sync.Once
		err  error
	)
	return out, func() error {
		once.Do(func() {
			close(done)
			err = stopWatch()
		})
		return err
	}
}
