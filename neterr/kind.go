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

// Package neterr provides the error taxonomy shared by every package in this
// module: numeric codes mirroring POSIX errno values where one applies, plus
// the handful of kinds that have no POSIX equivalent (resolver, TLS and
// certificate-verification failures).
//
// Kinds are not concrete error values: New, Newf and Wrap build one, Wrap
// also chaining a parent so a chain of causes survives across layer boundaries
// (raw socket -> layer -> TLS layer -> application).
package neterr

import "strconv"

// Kind classifies an error the way the core socket/TLS/rate-limiter stack can
// produce one. It mirrors the taxonomy in the specification's error-handling
// design: misuse, state-machine violations, transient conditions that must
// never escape a layer, fatal I/O, resolver failures and TLS/verification
// failures.
type Kind uint32

const (
	// None is the zero value; it never appears on an *Error.
	None Kind = iota

	// InvalidArgument: caller misuse, e.g. read with a negative length or a
	// second call to connect.
	InvalidArgument

	// NotConnected: operation requires a connected socket/layer.
	NotConnected

	// AlreadyConnected: connect called twice.
	AlreadyConnected

	// Shutdown: operation attempted after shutdown was already initiated.
	Shutdown

	// WouldBlock: retry after the next edge-triggered event for the
	// direction in question. Never log this as an error; it is routine.
	WouldBlock

	// TransientIO: EINTR-like; always retried internally, never surfaced.
	TransientIO

	// FatalIO: ECONNRESET/ECONNABORTED/EPIPE-like; terminal for the socket.
	FatalIO

	// ResolverError: DNS lookup failure.
	ResolverError

	// TLSError: handshake/record-layer protocol violation, alert received,
	// or premature termination.
	TLSError

	// VerificationError: certificate trust failure.
	VerificationError
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case NotConnected:
		return "not connected"
	case AlreadyConnected:
		return "already connected"
	case Shutdown:
		return "shutdown"
	case WouldBlock:
		return "would block"
	case TransientIO:
		return "transient i/o"
	case FatalIO:
		return "fatal i/o"
	case ResolverError:
		return "resolver error"
	case TLSError:
		return "tls error"
	case VerificationError:
		return "verification error"
	default:
		return "kind(" + strconv.FormatUint(uint64(k), 10) + ")"
	}
}

// Code returns the POSIX-mirroring numeric code associated with the kind, or
// a code in the 9000+ band for kinds that have no errno equivalent. These
// values are stable and safe to compare across the module.
func (k Kind) Code() int {
	switch k {
	case InvalidArgument:
		return EINVAL
	case NotConnected:
		return ENOTCONN
	case AlreadyConnected:
		return EISCONN
	case Shutdown:
		return ESHUTDOWN
	case WouldBlock:
		return EAGAIN
	case TransientIO:
		return EINTR
	case FatalIO:
		return ECONNRESET
	case ResolverError:
		return eaiFail
	case TLSError:
		return tlsErrorBase
	case VerificationError:
		return verificationErrorBase
	default:
		return 0
	}
}

// POSIX-mirroring numeric codes. Values match the Linux errno numbering (BSD
// numbers some of them differently, e.g. EAGAIN is 35 there) so logs read naturally next to a strace, as called for by the spec's error
// handling design ("mirroring POSIX errno values where applicable").
const (
	EINTR      = 4
	EAGAIN     = 11
	EINVAL     = 22
	ENOTCONN   = 107
	EISCONN    = 106
	ESHUTDOWN  = 108
	ECONNRESET = 104

	// eaiFail is not a real errno (EAI_* live in a different namespace);
	// it is picked high enough to never collide with the codes above.
	eaiFail = 9000

	tlsErrorBase          = 9100
	verificationErrorBase = 9200
)
