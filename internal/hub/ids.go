package hub

import (
	"go.uber.org/atomic"

	"github.com/yap-chat/yap/internal/message"
)

// IDAllocator hands out connection ids in increasing order, starting at 0.
// Ids are never reused within a process.
type IDAllocator struct {
	next atomic.Uint64
}

// Next returns a fresh connection id.
func (a *IDAllocator) Next() message.ConnectionID {
	return message.ConnectionID(a.next.Inc() - 1)
}

// Allocated reports how many ids have been handed out.
func (a *IDAllocator) Allocated() uint64 {
	return a.next.Load()
}
