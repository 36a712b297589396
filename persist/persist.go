// Package persist names the executor's cache-persistence contract: the
// serialized shape of an Executor Entry and the compiled-binary cache it is
// paired with (spec.md §6). Cross-process/cross-run caching itself is an
// explicit Non-goal (spec.md §1); this package exists so an embedder can
// plug in a real store without the executor depending on any particular
// one, and ships one gob-based EntrySerializer as a reference
// implementation, grounded on the teacher's own use of plain Go structs
// with no custom marshalling for its persisted metadata.
package persist

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/gpufusion/executor/alloc"
	"github.com/gpufusion/executor/launchparams"
)

// EntrySnapshot is the serializable form of one executor entry: its
// resolved launch parameters and the allocation infos for its outputs and
// intermediates, keyed by the input-shape cache key that produced them.
type EntrySnapshot struct {
	CacheKey      string
	LaunchParams  launchparams.LaunchParams
	Outputs       []alloc.AllocationInfo
	Intermediates []alloc.AllocationInfo
}

// EntrySerializer encodes and decodes EntrySnapshot values. Implementations
// own the wire format; the executor never inspects it.
type EntrySerializer interface {
	Encode(EntrySnapshot) ([]byte, error)
	Decode([]byte) (EntrySnapshot, error)
}

// BinaryCache stores and retrieves a compiled kernel's binary blob, keyed by
// a cache id that identifies the fusion and compile parameters that
// produced it. Neither the executor nor the Kernel Compiler in this module
// reads or writes a BinaryCache; an embedder that consults one is
// responsible for checking the blob is still usable for the current device.
type BinaryCache interface {
	Put(cacheID string, binary []byte) error
	Get(cacheID string) ([]byte, bool, error)
}

// GobEntrySerializer is a reference EntrySerializer built on encoding/gob,
// suitable for a single-process or trusted-store deployment. It performs no
// validation beyond gob's own decode errors; callers needing cross-version
// compatibility should supply their own EntrySerializer.
type GobEntrySerializer struct{}

// Encode implements EntrySerializer.
func (GobEntrySerializer) Encode(s EntrySnapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("encode entry snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode implements EntrySerializer.
func (GobEntrySerializer) Decode(data []byte) (EntrySnapshot, error) {
	var s EntrySnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return EntrySnapshot{}, fmt.Errorf("decode entry snapshot: %w", err)
	}
	return s, nil
}

// MemoryBinaryCache is an in-process BinaryCache, useful for tests and for
// embedders that only want recompilation suppressed within one executor's
// lifetime (spec.md §1 excludes caching across processes, not within one).
type MemoryBinaryCache struct {
	blobs map[string][]byte
}

// NewMemoryBinaryCache returns an empty MemoryBinaryCache.
func NewMemoryBinaryCache() *MemoryBinaryCache {
	return &MemoryBinaryCache{blobs: make(map[string][]byte)}
}

// Put implements BinaryCache.
func (c *MemoryBinaryCache) Put(cacheID string, binary []byte) error {
	c.blobs[cacheID] = binary
	return nil
}

// Get implements BinaryCache.
func (c *MemoryBinaryCache) Get(cacheID string) ([]byte, bool, error) {
	b, ok := c.blobs[cacheID]
	return b, ok, nil
}
