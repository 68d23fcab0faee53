package state

import (
	"errors"

	"kalefi/storage"
)

// KV is the minimal read/write surface the Manager needs.
type KV interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
}

type pendingWrite struct {
	value   []byte
	deleted bool
}

// Overlay buffers writes above a storage.Database for the lifetime of one
// call. Reads see the buffered writes first. Nothing reaches the backing
// database until Commit, and Discard drops the buffer.
type Overlay struct {
	base    storage.Database
	pending map[string]pendingWrite
	order   []string
}

// NewOverlay opens a write buffer over base.
func NewOverlay(base storage.Database) *Overlay {
	return &Overlay{base: base, pending: make(map[string]pendingWrite)}
}

// Get returns nil, nil for missing keys so callers can treat absence as zero.
func (o *Overlay) Get(key []byte) ([]byte, error) {
	if w, ok := o.pending[string(key)]; ok {
		if w.deleted {
			return nil, nil
		}
		return append([]byte(nil), w.value...), nil
	}
	value, err := o.base.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (o *Overlay) Put(key, value []byte) error {
	k := string(key)
	if _, seen := o.pending[k]; !seen {
		o.order = append(o.order, k)
	}
	o.pending[k] = pendingWrite{value: append([]byte(nil), value...)}
	return nil
}

func (o *Overlay) Delete(key []byte) error {
	k := string(key)
	if _, seen := o.pending[k]; !seen {
		o.order = append(o.order, k)
	}
	o.pending[k] = pendingWrite{deleted: true}
	return nil
}

// Dirty reports the number of keys written since the overlay was opened.
func (o *Overlay) Dirty() int {
	return len(o.pending)
}

// Commit flushes every buffered write in one atomic batch.
func (o *Overlay) Commit() error {
	if len(o.pending) == 0 {
		return nil
	}
	batch := storage.NewBatch()
	for _, k := range o.order {
		w := o.pending[k]
		if w.deleted {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), w.value)
	}
	if err := o.base.Write(batch); err != nil {
		return err
	}
	o.Discard()
	return nil
}

// Discard drops every buffered write.
func (o *Overlay) Discard() {
	o.pending = make(map[string]pendingWrite)
	o.order = nil
}
