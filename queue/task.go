package queue

import (
	"bytes"
	"encoding/gob"
	"time"
)

// Kind names the bucket a task lives in.
type Kind string

const (
	KindMigration    Kind = "migrations"
	KindNotification Kind = "notifications"
)

var kinds = []Kind{KindMigration, KindNotification}

// Migration asks the background worker to move a freshly uploaded blob from
// the local tier to the cloud tier.
type Migration struct {
	NodeID     uint64
	OwnerID    uint64
	StorageKey string
	Size       int64
}

// FileRef is the part of a shared node a notification needs.
type FileRef struct {
	ID       uint64
	Name     string
	IsFolder bool
}

// ShareNotice tells a recipient that files were shared with them.
type ShareNotice struct {
	RecipientID    uint64
	RecipientEmail string
	SharerID       uint64
	SharerEmail    string
	SharerName     string
	Files          []FileRef
}

// Task is one outbox entry. Seq is assigned by the outbox and is only set on
// tasks read back from it.
type Task struct {
	Seq        uint64
	Kind       Kind
	EnqueuedAt time.Time
	Migration  *Migration
	Notice     *ShareNotice
}

// Serialize encodes the task using gob
func (t *Task) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a task from gob
func (t *Task) Deserialize(data []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(data))
	return dec.Decode(t)
}
