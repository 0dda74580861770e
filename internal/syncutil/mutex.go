// Package syncutil provides thin wrappers around the standard library's
// sync primitives that let call sites assert lock discipline without
// paying for a full race-detector run.
package syncutil

import "sync"

// Mutex is a mutual exclusion lock.
type Mutex struct {
	sync.Mutex
}

// AssertHeld may panic if the mutex is not locked (implementations are not
// required to do so). Functions that require a caller to already hold a
// particular lock can use this to document and, where cheap, enforce that
// requirement.
//
// The lock is not required to be held by any particular goroutine, only
// that some goroutine holds it.
func (m *Mutex) AssertHeld() {}

// RWMutex is a reader/writer mutual exclusion lock.
type RWMutex struct {
	sync.RWMutex
}

// AssertHeld may panic if the mutex is not locked for writing.
func (rw *RWMutex) AssertHeld() {}

// AssertRHeld may panic if the mutex is not locked for reading (a mutex
// held for writing counts as held for reading too).
func (rw *RWMutex) AssertRHeld() {}
