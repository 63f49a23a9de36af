package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var ErrUnknownKind = errors.New("unknown task kind")

// Outbox is a durable, append-only task list in a bbolt file. The drive
// service only writes to it; workers outside this process drain it with
// Pending and Ack.
type Outbox struct {
	db  *bolt.DB
	log *zap.Logger
}

func Open(path string, log *zap.Logger) (*Outbox, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, k := range kinds {
			if _, err := tx.CreateBucketIfNotExists([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Outbox{db: db, log: log}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (o *Outbox) push(ctx context.Context, t *Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.EnqueuedAt = time.Now().UTC()
	return o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.Kind))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrUnknownKind, t.Kind)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		t.Seq = seq
		data, err := t.Serialize()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// EnqueueMigration records that a blob should move to the cloud tier.
func (o *Outbox) EnqueueMigration(ctx context.Context, m Migration) error {
	t := &Task{Kind: KindMigration, Migration: &m}
	if err := o.push(ctx, t); err != nil {
		return fmt.Errorf("enqueue migration of node %d: %w", m.NodeID, err)
	}
	o.log.Debug("queued migration", zap.Uint64("node", m.NodeID), zap.Uint64("seq", t.Seq))
	return nil
}

// SendShareNotification queues one notice for delivery by the mailer.
func (o *Outbox) SendShareNotification(ctx context.Context, n ShareNotice) error {
	t := &Task{Kind: KindNotification, Notice: &n}
	if err := o.push(ctx, t); err != nil {
		return fmt.Errorf("queue share notification for user %d: %w", n.RecipientID, err)
	}
	o.log.Debug("queued share notification",
		zap.Uint64("recipient", n.RecipientID),
		zap.Int("files", len(n.Files)),
		zap.Uint64("seq", t.Seq))
	return nil
}

// Pending returns up to limit tasks of kind, oldest first. A limit of zero
// or less returns all of them.
func (o *Outbox) Pending(kind Kind, limit int) ([]Task, error) {
	var tasks []Task
	err := o.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := t.Deserialize(v); err != nil {
				return fmt.Errorf("decode task %d: %w", binary.BigEndian.Uint64(k), err)
			}
			t.Seq = binary.BigEndian.Uint64(k)
			tasks = append(tasks, t)
			if limit > 0 && len(tasks) == limit {
				break
			}
		}
		return nil
	})
	return tasks, err
}

// Ack removes a delivered task. Acking twice is harmless.
func (o *Outbox) Ack(kind Kind, seq uint64) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
		}
		return b.Delete(seqKey(seq))
	})
}

func (o *Outbox) Len(kind Kind) (int, error) {
	n := 0
	err := o.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}
