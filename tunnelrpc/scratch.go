package tunnelrpc

import "sync"

// ScratchSize bounds every message this client encodes; a message that
// does not fit fails cleanly with an encode error.
const ScratchSize = 4096

// scratchPool reuses encode scratch buffers to keep per-message
// allocations down on busy tunnels.
var scratchPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, ScratchSize)
		return &buf
	},
}

func getScratch() *[]byte {
	return scratchPool.Get().(*[]byte)
}

func putScratch(buf *[]byte) {
	if buf == nil || len(*buf) != ScratchSize {
		return
	}
	scratchPool.Put(buf)
}
