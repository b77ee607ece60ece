// Package mask translates symbolic event names into the bit set understood by
// the notification backends.
//
// Bit values follow the Linux inotify ABI so the inotify backend can hand a
// Mask to the kernel unchanged. Other backends translate their own event kinds
// into the same bits.
package mask

import (
	"errors"
	"fmt"
	"strings"
)

// Mask is a set of filesystem event kinds.
type Mask uint32

// Requestable event kinds.
const (
	Access       Mask = 0x00000001 // File was read
	Modify       Mask = 0x00000002 // File was written
	Attrib       Mask = 0x00000004 // Metadata changed
	CloseWrite   Mask = 0x00000008 // Writable file was closed
	CloseNoWrite Mask = 0x00000010 // Read-only file was closed
	Open         Mask = 0x00000020 // File was opened
	MovedFrom    Mask = 0x00000040 // Entry moved out of a watched directory
	MovedTo      Mask = 0x00000080 // Entry moved into a watched directory
	Create       Mask = 0x00000100 // Entry created in a watched directory
	Delete       Mask = 0x00000200 // Entry deleted from a watched directory
	DeleteSelf   Mask = 0x00000400 // Watched path itself was deleted
	MoveSelf     Mask = 0x00000800 // Watched path itself was moved

	Close = CloseWrite | CloseNoWrite
	Move  = MovedFrom | MovedTo

	AllEvents = Access | Modify | Attrib | Close | Open | Move | DeleteSelf | MoveSelf
)

// Markers that only ever appear on delivered events.
const (
	Overflow Mask = 0x00004000 // Event queue overflowed, events were dropped
	Ignored  Mask = 0x00008000 // Watch was removed
)

// ErrUnknownFlag is returned by Lookup for names outside the table.
var ErrUnknownFlag = errors.New("unrecognized flag")

type entry struct {
	name string
	bits Mask
}

// table is the single source of truth for symbolic names. Order is the order
// shown in help output.
var table = []entry{
	{"ACCESS", Access},
	{"MODIFY", Modify},
	{"ATTRIB", Attrib},
	{"CLOSE_WRITE", CloseWrite},
	{"CLOSE_NOWRITE", CloseNoWrite},
	{"CLOSE", Close},
	{"OPEN", Open},
	{"MOVED_FROM", MovedFrom},
	{"MOVED_TO", MovedTo},
	{"MOVE", Move},
	{"DELETE_SELF", DeleteSelf},
	{"MOVE_SELF", MoveSelf},
	{"ALL_EVENTS", AllEvents},
}

// Lookup returns the bits for a symbolic event name such as "MODIFY".
func Lookup(name string) (Mask, error) {
	for _, e := range table {
		if e.name == name {
			return e.bits, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownFlag, name)
}

// Names returns the symbolic names accepted by Lookup.
func Names() []string {
	names := make([]string, len(table))
	for i, e := range table {
		names[i] = e.name
	}
	return names
}

// Has reports whether m shares at least one bit with other.
func (m Mask) Has(other Mask) bool {
	return m&other != 0
}

// single-bit names used by String, aliases excluded
var bitNames = []entry{
	{"ACCESS", Access},
	{"MODIFY", Modify},
	{"ATTRIB", Attrib},
	{"CLOSE_WRITE", CloseWrite},
	{"CLOSE_NOWRITE", CloseNoWrite},
	{"OPEN", Open},
	{"MOVED_FROM", MovedFrom},
	{"MOVED_TO", MovedTo},
	{"CREATE", Create},
	{"DELETE", Delete},
	{"DELETE_SELF", DeleteSelf},
	{"MOVE_SELF", MoveSelf},
	{"Q_OVERFLOW", Overflow},
	{"IGNORED", Ignored},
}

// String renders the set as NAME|NAME, with any unnamed bits in hex.
func (m Mask) String() string {
	if m == 0 {
		return "0"
	}
	var parts []string
	rest := m
	for _, e := range bitNames {
		if m&e.bits != 0 {
			parts = append(parts, e.name)
			rest &^= e.bits
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}
