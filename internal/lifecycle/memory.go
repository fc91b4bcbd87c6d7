package lifecycle

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/dustin/go-humanize"
)

// Reclaim runs a full collection and hands freed pages back to the OS.
// Native tensors are freed by Release; this covers the Go side.
func Reclaim() {
	debug.FreeOSMemory()
}

// Memory is a snapshot of the Go heap.
type Memory struct {
	HeapAlloc uint64 `json:"heap_alloc"`
	HeapSys   uint64 `json:"heap_sys"`
	Sys       uint64 `json:"sys"`
	NumGC     uint32 `json:"num_gc"`
}

func ReadMemory() Memory {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Memory{
		HeapAlloc: ms.HeapAlloc,
		HeapSys:   ms.HeapSys,
		Sys:       ms.Sys,
		NumGC:     ms.NumGC,
	}
}

func (m Memory) String() string {
	return fmt.Sprintf("heap=%s sys=%s", humanize.Bytes(m.HeapAlloc), humanize.Bytes(m.Sys))
}
