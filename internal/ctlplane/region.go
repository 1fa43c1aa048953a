// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

// Region is a buffer shared with the inspector. The device writes
// outbound records into one region and decodes inbound records from the
// other.
type Region interface {
	Name() string
	Bytes() []byte
	Close() error
}

// HeapRegion is a process-local region, used when the inspector runs in
// the same process or talks to the device over RPC.
type HeapRegion struct {
	name string
	buf  []byte
}

// NewHeapRegion allocates size bytes.
func NewHeapRegion(name string, size int) *HeapRegion {
	return &HeapRegion{name: name, buf: make([]byte, size)}
}

func (r *HeapRegion) Name() string  { return r.name }
func (r *HeapRegion) Bytes() []byte { return r.buf }
func (r *HeapRegion) Close() error  { return nil }
