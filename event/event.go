/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package event defines the base event type and the typed-event wrapper used
// by the event loop for dispatch. Every concrete event carries a stable
// per-derived-type identifier so handlers can match on concrete type without
// relying on Go's own (unstable across generic instantiations) runtime type
// identity tricks.
package event

import (
	"reflect"
	"sync"
)

// Base is the capability every event must implement: report the id of its
// concrete (derived) type. Two events of the same Go type always report the
// same id within a process; events of different types never collide.
type Base interface {
	DerivedTypeID() uint64
}

var (
	registryMu   sync.Mutex
	registryByID = map[string]uint64{}
	nextID       uint64
)

// typeID returns the stable id for the named concrete event type, assigning
// one on first use. Keyed by the type's string name rather than by the
// address of a static function or variable: template/generic instantiations
// can be pooled by the compiler when their underlying shape is identical,
// which silently breaks address-based identity tricks. A name-keyed map
// behind a mutex has no such failure mode.
func typeID(name string) uint64 {
	registryMu.Lock()
	defer registryMu.Unlock()

	if id, ok := registryByID[name]; ok {
		return id
	}
	nextID++
	registryByID[name] = nextID
	return nextID
}

// Typed is the recommended way to define a concrete event: instantiate it
// with a value type describing the event's payload. Two instantiations with
// different V always have different DerivedTypeID(), even if V's underlying
// memory layout happens to coincide with another instantiation's.
//
// Define application events as named types for clarity, e.g.:
//
//	type pingValues struct{ N int }
//	type PingEvent = event.Typed[pingValues]
//	loop.Send(handler, PingEvent{Value: pingValues{N: 0}})
type Typed[V any] struct {
	Value V
}

// typeNameOf returns a stable, per-V name. reflect.TypeOf on the zero value
// works even for V being an interface or pointer type because we take the
// type of a pointer-to-V, never a nil interface value.
func typeNameOf[V any]() string {
	var zero *V
	return reflect.TypeOf(zero).Elem().String()
}

// DerivedTypeID implements Base.
func (t Typed[V]) DerivedTypeID() uint64 {
	return typeID(typeNameOf[V]())
}

// Is reports whether ev is a Typed[V], the same role as the reference
// implementation's same_type<T>(event_base const&) helper used by dispatch
// code to pattern-match on derived event type.
func Is[V any](ev Base) bool {
	return ev.DerivedTypeID() == typeID(typeNameOf[V]())
}

// As attempts to recover the concrete Typed[V] payload from a Base, the
// value-returning counterpart of Is used once a handler has confirmed the
// concrete type.
func As[V any](ev Base) (V, bool) {
	if t, ok := ev.(Typed[V]); ok {
		return t.Value, true
	}
	var zero V
	return zero, false
}
