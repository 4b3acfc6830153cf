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

package tlslayer

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"encoding/pem"
	"sync"

	"github.com/sabouaram/netkit/neterr"
)

// sessionBlob packs a resumption ticket and its associated session state
// into one opaque blob: two `len|value` fields (spec §6), the length
// fixed-width big-endian per the resolved Open Question (the C++ original
// used host-endian size_t; a byte stream meant to move between processes
// and survive a restart has no business depending on host endianness).
func encodeSessionBlob(ticket, state []byte) []byte {
	out := make([]byte, 0, 8+len(ticket)+len(state))
	out = appendLenValue(out, ticket)
	out = appendLenValue(out, state)
	return out
}

func appendLenValue(dst []byte, v []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, v...)
	return dst
}

func decodeSessionBlob(blob []byte) (ticket, state []byte, err error) {
	ticket, rest, err := readLenValue(blob)
	if err != nil {
		return nil, nil, err
	}
	state, _, err = readLenValue(rest)
	if err != nil {
		return nil, nil, err
	}
	return ticket, state, nil
}

func readLenValue(b []byte) (value, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, neterr.New(neterr.InvalidArgument, "session blob: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, neterr.New(neterr.InvalidArgument, "session blob: truncated value")
	}
	return b[:n], b[n:], nil
}

// singleSessionCache is a tls.ClientSessionCache holding exactly one entry,
// since a Layer represents a single connection and therefore needs at most
// one resumption ticket in flight at a time.
type singleSessionCache struct {
	mu    sync.Mutex
	state *tls.ClientSessionState
}

func (c *singleSessionCache) Get(string) (*tls.ClientSessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.state != nil
}

func (c *singleSessionCache) Put(_ string, cs *tls.ClientSessionState) {
	c.mu.Lock()
	c.state = cs
	c.mu.Unlock()
}

// applySessionResumption wires resumeBlob (if non-empty) into cfg as a
// seed ticket, and attaches the session cache the Layer will later read
// back from in SessionParameters.
func (l *Layer) applySessionResumption(cfg *tls.Config, resumeBlob []byte) {
	cache := &singleSessionCache{}

	if len(resumeBlob) > 0 {
		if ticket, stateBytes, err := decodeSessionBlob(resumeBlob); err == nil {
			if state, perr := tls.ParseSessionState(stateBytes); perr == nil {
				if css, nerr := tls.NewResumptionState(ticket, state); nerr == nil {
					cache.state = css
				}
			}
		}
	}

	cfg.ClientSessionCache = cache
	l.mu.Lock()
	l.sessionCache = cache
	l.mu.Unlock()
}

// SessionParameters returns a compact blob suitable for resuming this
// connection on a future handshake call, the Go mirror of the spec's
// session-parameters accessor. The blob's shape differs by side, since
// crypto/tls itself gives each side a different view of what a session
// actually is:
//   - client-side: the resumption ticket plus session state from the most
//     recent ticket the server sent this connection, encoded by
//     encodeSessionBlob. Returns InvalidArgument if the handshake has not
//     completed or no ticket has arrived yet.
//   - server-side: the ticket-encryption key this Layer's ServerHandshake
//     used, since a server never sees the plaintext of the tickets it
//     issues. Feeding this blob back into a future ServerHandshake (even on
//     a different Layer, same process or not) lets it decrypt tickets this
//     one issued, which is what makes a client's resumption attempt against
//     it actually succeed.
func (l *Layer) SessionParameters() ([]byte, error) {
	l.mu.Lock()
	isServer := l.isServer
	key := l.ticketKey
	cache := l.sessionCache
	l.mu.Unlock()

	if isServer {
		out := make([]byte, len(key))
		copy(out, key[:])
		return out, nil
	}

	if cache == nil {
		return nil, neterr.New(neterr.InvalidArgument, "session_parameters: not available for this handshake")
	}

	cache.mu.Lock()
	state := cache.state
	cache.mu.Unlock()
	if state == nil {
		return nil, neterr.New(neterr.InvalidArgument, "session_parameters: no ticket received yet")
	}

	ticket, sessionState, err := state.ResumptionState()
	if err != nil {
		return nil, neterr.Wrap(neterr.TLSError, "session_parameters: extract resumption state", err)
	}
	stateBytes, err := sessionState.Bytes()
	if err != nil {
		return nil, neterr.Wrap(neterr.TLSError, "session_parameters: serialize session state", err)
	}
	return encodeSessionBlob(ticket, stateBytes), nil
}

// ticketKeyFromBlob decodes a ticket-encryption key previously exported by
// SessionParameters on a server-side Layer, or generates a fresh random one
// if blob is empty, the Go mirror of seeding server_handshake's session_db
// key from scratch on a first run.
func ticketKeyFromBlob(blob []byte) ([32]byte, error) {
	var key [32]byte
	if len(blob) == 0 {
		if _, err := rand.Read(key[:]); err != nil {
			return key, neterr.Wrap(neterr.TLSError, "server_handshake: generate ticket key", err)
		}
		return key, nil
	}
	if len(blob) != len(key) {
		return key, neterr.New(neterr.InvalidArgument, "server_handshake: malformed resume blob")
	}
	copy(key[:], blob)
	return key, nil
}

// decodePEMCertificate decodes a PEM-wrapped certificate to its DER body,
// returning nil (not an error) if data is not a PEM block: a pin argument
// may legitimately already be raw DER.
func decodePEMCertificate(data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, nil
	}
	return block.Bytes, nil
}
