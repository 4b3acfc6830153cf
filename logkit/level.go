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

// Package logkit is the ambient logging layer: a bit-position Level enabled
// or disabled through a single atomic mask, backed by a pluggable Backend.
package logkit

import "fmt"

// Level is a bit position into a Logger's enabled mask, not a linear
// severity ranking: any subset of levels can be turned on or off
// independently at runtime.
type Level uint8

const (
	Status Level = iota
	Error
	Command
	Reply
	DebugWarning
	DebugInfo
	DebugVerbose
	DebugDebug
	// Custom1 is the first of 32 application-defined levels (Custom1..Custom32).
	Custom1
)

// Custom returns the level for application-defined slot n (1..32).
func Custom(n int) Level {
	return Custom1 + Level(n-1)
}

// Bit returns the mask bit this level occupies.
func (l Level) Bit() uint64 {
	return 1 << uint64(l)
}

// DefaultMask enables Status, Error, Command and Reply, matching the
// level set an application sees with no explicit configuration.
const DefaultMask = uint64(1)<<Status | uint64(1)<<Error | uint64(1)<<Command | uint64(1)<<Reply

func (l Level) String() string {
	switch l {
	case Status:
		return "Status"
	case Error:
		return "Error"
	case Command:
		return "Command"
	case Reply:
		return "Reply"
	case DebugWarning:
		return "DebugWarning"
	case DebugInfo:
		return "DebugInfo"
	case DebugVerbose:
		return "DebugVerbose"
	case DebugDebug:
		return "DebugDebug"
	}
	if l >= Custom1 && l < Custom1+32 {
		return fmt.Sprintf("Custom%d", int(l-Custom1)+1)
	}
	return "Unknown"
}
