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

// Package layer defines the socket layer contract: the Interface every
// socket-like thing (a raw socket, a TLS layer, a rate-limited layer, a
// proxy layer) implements, and the Base type that lets a layer pass most
// calls straight through to the next layer down, only overriding what it
// actually changes. Layers stack: Read/Write calls flow from the
// application, down through zero or more layers, to the socket at the
// bottom; events flow the other way, from the socket up to whichever
// layer currently owns the event handler.
package layer

import (
	"context"

	"github.com/sabouaram/netkit/event"
	"github.com/sabouaram/netkit/eventloop"
)

// Flag is a socket_event_flag-equivalent bitmask. Received events always
// carry exactly one bit; SetEventHandler's retriggerBlock argument may
// combine several.
type Flag uint8

const (
	ConnectionNext Flag = 1 << iota
	Connection
	Read
	Write
)

// Family constrains which address family a Connect/Listen call is allowed
// to resolve to.
type Family int

const (
	Unknown Family = iota
	IPv4
	IPv6
)

// State is the monotonically increasing lifecycle state of a socket or
// layer, mirroring spec's None -> Connecting -> Connected -> ShuttingDown
// -> ShutDown -> Closed/Failed progression.
type State int

const (
	StateNone State = iota
	StateConnecting
	StateConnected
	StateShuttingDown
	StateShutDown
	StateClosed
	StateFailed
)

// eventValues is the payload of the event every layer sends up to its
// handler to report readiness or failure, the Go mirror of socket_event.
type eventValues struct {
	Source any
	Flag   Flag
	Err    int
}

// Event is sent whenever a layer becomes readable/writable or a connection
// attempt completes or fails. Source identifies which layer in the stack
// originated it, since an intercepting layer (e.g. TLS) may generate events
// independently of the layer below it.
type Event = event.Typed[eventValues]

// NewEvent builds an Event from a source, a single flag and an errno-style
// code (0 meaning no error).
func NewEvent(source any, flag Flag, errCode int) Event {
	return Event{Value: eventValues{Source: source, Flag: flag, Err: errCode}}
}

// EventFlag reports the flag and error carried by ev if it is an Event
// originating from source, the Go mirror of filtering a socket_event by its
// source pointer.
func EventFlag(ev event.Base, source any) (Flag, int, bool) {
	e, ok := ev.(Event)
	if !ok || e.Value.Source != source {
		return 0, 0, false
	}
	return e.Value.Flag, e.Value.Err, true
}

// hostAddressValues is the payload of the event sent whenever a hostname
// resolves to a concrete address during connection establishment.
type hostAddressValues struct {
	Source  any
	Address string
}

// HostAddressEvent is sent during Connect when a hostname has been resolved
// to an IP address literal, the Go mirror of hostaddress_event.
type HostAddressEvent = event.Typed[hostAddressValues]

// NewHostAddressEvent builds a HostAddressEvent from a source and the
// resolved address literal.
func NewHostAddressEvent(source any, address string) HostAddressEvent {
	return HostAddressEvent{Value: hostAddressValues{Source: source, Address: address}}
}

// HostAddress reports the resolved address carried by ev if it is a
// HostAddressEvent originating from source.
func HostAddress(ev event.Base, source any) (string, bool) {
	e, ok := ev.(HostAddressEvent)
	if !ok || e.Value.Source != source {
		return "", false
	}
	return e.Value.Address, true
}

// Interface is the capability every layer in a socket stack offers: the Go
// mirror of socket_interface. Read/Write are non-blocking: returning
// (0, neterr.WouldBlock) means "wait for the next Read/Write Event for this
// direction and retry".
type Interface interface {
	Read(buffer []byte) (int, error)
	Write(buffer []byte) (int, error)

	SetEventHandler(handler eventloop.Handler, retriggerBlock Flag)

	PeerHost() string
	PeerPort() (int, error)

	Connect(ctx context.Context, host string, port uint16, family Family) error
	Shutdown() error
	ShutdownRead() error

	State() State
}

// Base implements Interface by forwarding every call to the next lower
// layer, the Go mirror of socket_layer. Embed it and override only the
// methods a concrete layer actually changes; pass passthrough=true to
// NewBase (or call SetEventPassthrough) if it never intercepts events on its
// own.
type Base struct {
	handler     eventloop.Handler
	next        Interface
	passthrough bool
}

// NewBase wires a layer on top of next. If passthrough is true, events sent
// by next are forwarded to handler unchanged until the embedding type calls
// SetEventHandler itself; pass false when the embedding type intercepts
// next's own events (e.g. a TLS layer, which must see next's read/write
// events itself before deciding what to tell its own handler).
func NewBase(handler eventloop.Handler, next Interface, passthrough bool) *Base {
	b := &Base{handler: handler, next: next, passthrough: passthrough}
	if passthrough {
		next.SetEventHandler(handler, 0)
	}
	return b
}

// Next returns the layer directly below this one.
func (b *Base) Next() Interface { return b.next }

// EventHandler returns the handler currently registered for this layer's
// own events (not necessarily the same as what was forwarded to Next).
func (b *Base) EventHandler() eventloop.Handler { return b.handler }

func (b *Base) Read(buffer []byte) (int, error)  { return b.next.Read(buffer) }
func (b *Base) Write(buffer []byte) (int, error) { return b.next.Write(buffer) }

// SetEventHandler implements Interface. Concrete layers that intercept
// events should override this to also propagate retriggerBlock bits earned
// from their own pending state, as ratelimit/layer's Layer does.
func (b *Base) SetEventHandler(handler eventloop.Handler, retriggerBlock Flag) {
	b.handler = handler
	if b.passthrough {
		b.SetEventPassthrough(retriggerBlock)
	} else {
		b.next.SetEventHandler(handler, retriggerBlock)
	}
}

// SetEventPassthrough marks this layer as forwarding next's events to
// handler unchanged, the Go mirror of socket_layer::set_event_passthrough.
func (b *Base) SetEventPassthrough(retriggerBlock Flag) {
	b.passthrough = true
	b.next.SetEventHandler(b.handler, retriggerBlock)
}

func (b *Base) PeerHost() string            { return b.next.PeerHost() }
func (b *Base) PeerPort() (int, error)      { return b.next.PeerPort() }
func (b *Base) Connect(ctx context.Context, host string, port uint16, family Family) error {
	return b.next.Connect(ctx, host, port, family)
}
func (b *Base) Shutdown() error     { return b.next.Shutdown() }
func (b *Base) ShutdownRead() error { return b.next.ShutdownRead() }
func (b *Base) State() State        { return b.next.State() }
