// Package linktable is thin glue over a transactional key/value
// collaborator, maintaining a primary store keyed by
// (sourceLocalID, linkID) alongside a secondary inverted index
// linkID -> sourceLocalID.
package linktable

import (
	"github.com/cockroachdb/errors"
)

// Kind distinguishes a primary (hard) link from a deferred (soft) one.
// The original system supports both; only Primary affects the
// inverted-index bookkeeping spec.md describes.
type Kind uint8

const (
	KindPrimary Kind = iota
	KindDeferred
)

// LinkKey identifies a single link edge.
type LinkKey struct {
	SourceLocalID int64
	LinkID        int32
}

// KVTxn is the minimal transactional key/value boundary this facade
// needs from its storage collaborator. Put reports whether it replaced
// an existing value; Delete reports whether a value was present to
// remove.
type KVTxn interface {
	Put(key, value []byte) (replaced bool, err error)
	Delete(key []byte) (existed bool, err error)
	Get(key []byte) (value []byte, ok bool, err error)
}

// Table is the primary+inverted index facade. It does not open or
// manage its own transactions; it writes through the two KVTxn handles
// given to New, so atomicity across both stores is whatever the
// caller's transaction behind those handles provides.
type Table struct {
	primary KVTxn
	inverse KVTxn
}

// New wraps the primary store (keyed by LinkKey) and the inverted
// index (keyed by LinkID alone).
func New(primary, inverse KVTxn) *Table {
	return &Table{primary: primary, inverse: inverse}
}

// Put writes the primary entry for key. When noOldValue is true (the
// caller asserts there was no prior value at key), the inverted index
// is also updated to record that linkID now has a source. Both updates
// happen against the caller's transaction; atomicity is inherited from
// it.
func (t *Table) Put(key LinkKey, target []byte, kind Kind, noOldValue bool) (bool, error) {
	replaced, err := t.primary.Put(encodeLinkKey(key), encodeEntry(target, kind))
	if err != nil {
		return false, errors.Wrapf(err, "linktable: put primary entry for %+v", key)
	}
	if kind == KindPrimary && noOldValue {
		if _, err := t.inverse.Put(encodeInverseKey(key.LinkID), encodeInverseValue(key.SourceLocalID)); err != nil {
			return replaced, errors.Wrapf(err, "linktable: updating inverted index for link %d", key.LinkID)
		}
	}
	return replaced, nil
}

// Delete removes the primary entry for key. When noNewValue is true
// (the caller asserts no other value remains under this link), the
// inverted index entry is removed as well.
func (t *Table) Delete(key LinkKey, kind Kind, noNewValue bool) (bool, error) {
	existed, err := t.primary.Delete(encodeLinkKey(key))
	if err != nil {
		return false, errors.Wrapf(err, "linktable: delete primary entry for %+v", key)
	}
	if kind == KindPrimary && noNewValue {
		if _, err := t.inverse.Delete(encodeInverseKey(key.LinkID)); err != nil {
			return existed, errors.Wrapf(err, "linktable: deleting inverted index entry for link %d", key.LinkID)
		}
	}
	return existed, nil
}

// Get returns the stored target and kind for key, if present.
func (t *Table) Get(key LinkKey) (target []byte, kind Kind, ok bool, err error) {
	raw, ok, err := t.primary.Get(encodeLinkKey(key))
	if err != nil {
		return nil, 0, false, errors.Wrapf(err, "linktable: get primary entry for %+v", key)
	}
	if !ok {
		return nil, 0, false, nil
	}
	target, kind = decodeEntry(raw)
	return target, kind, true, nil
}

// SourceOf looks up the inverted index for linkID, returning the
// source local id recorded there, if any.
func (t *Table) SourceOf(linkID int32) (int64, bool, error) {
	raw, ok, err := t.inverse.Get(encodeInverseKey(linkID))
	if err != nil {
		return 0, false, errors.Wrapf(err, "linktable: inverted index lookup for link %d", linkID)
	}
	if !ok {
		return 0, false, nil
	}
	return decodeInverseValue(raw), true, nil
}
