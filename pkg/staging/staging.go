package staging

import (
	"strings"

	"github.com/google/uuid"
)

const (
	LabelCompacted = "compacted"
	LabelOriginal  = "original"
)

// Allocator hands out staging directories under Root. It keeps no state;
// uniqueness comes from NewID.
type Allocator struct {
	Root  string
	NewID func() string
}

func New(root string) *Allocator {
	return &Allocator{Root: root, NewID: uuid.NewString}
}

// Allocate returns "<root>/<label>-<id>/".
func (a *Allocator) Allocate(label string) string {
	newID := a.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	root := strings.TrimRight(a.Root, "/")
	return root + "/" + label + "-" + newID() + "/"
}

// Sequence returns a generator yielding ids in order, then falling back to uuids.
// Tests use it to pin staging paths.
func Sequence(ids ...string) func() string {
	i := 0
	return func() string {
		if i >= len(ids) {
			return uuid.NewString()
		}
		id := ids[i]
		i++
		return id
	}
}
