package util

import "sync/atomic"

var _id uint64

// NextID generates the next unique identifier (unique within the running
// process), used for endpoint ids, session ids, virtual-connection
// handles and listen-socket handles.
func NextID() uint64 {
	return atomic.AddUint64(&_id, 1)
}
