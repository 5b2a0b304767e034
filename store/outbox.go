package store

import (
	"encoding/json"
	"sort"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"github.com/promoterlink/linkchat/model"
)

var outboxBucket = []byte("outbox")

// Outbox implements interface `IOutbox` on a local bbolt file, keyed by
// local id. Entries are written before the transport send and deleted on a
// successful ack, so a crash or reconnect can replay whatever is left.
type Outbox struct {
	db *bbolt.DB
}

// OpenOutbox opens (and creates if missing) the outbox file.
func OpenOutbox(path string) (*Outbox, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(outboxBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Put(msg *model.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return o.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(outboxBucket).Put([]byte(msg.LocalId), value)
	})
}

func (o *Outbox) Delete(localId string) error {
	return o.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(outboxBucket).Delete([]byte(localId))
	})
}

// Pending returns the persisted sends ordered by timestamp.
func (o *Outbox) Pending() ([]*model.Message, error) {
	var out []*model.Message
	if err := o.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(outboxBucket).ForEach(func(k, v []byte) error {
			var msg model.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				glog.Errorf("outbox: bad entry %s, skipped: %v", string(k), err)
				return nil
			}
			out = append(out, &msg)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}
