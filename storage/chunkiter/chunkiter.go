// Package chunkiter implements the chunked range iterator of §4.4: given
// a byte range it yields one (chunk index, cached pointer) pair per
// chunk the range intersects, in strictly ascending order, consulting
// the pointer cache and triggering a range prefetch on a miss.
package chunkiter

import "github.com/pagedfs/pagedfs/storage/ptrcache"

// Step is one chunk slot visited by Walk, plus the byte-range of the
// request that falls within this chunk.
type Step struct {
	Index       uint32
	Entry       ptrcache.Entry
	ChunkOffset uint64 // offset within the chunk where the request's range begins
	Len         uint64 // number of bytes of the request's range inside this chunk
}

// Walk calls fn once per chunk intersecting [byteOffset, endByte) for
// node, in strictly ascending chunk-index order. fn returning false
// stops the walk early.
func Walk(node uint64, byteOffset, endByte, chunkSize uint64, cache *ptrcache.Cache, chunks ptrcache.ChunkMap, fn func(Step) bool) {
	if endByte <= byteOffset {
		return
	}
	startIndex := uint32(byteOffset / chunkSize)
	lastIndex := uint32((endByte - 1) / chunkSize)

	for index := startIndex; index <= lastIndex; index++ {
		entry, ok := cache.Get(node, index)
		if !ok {
			cache.AddRange(node, index, index+1, chunks)
			entry, ok = cache.Get(node, index)
			if !ok {
				entry = ptrcache.Entry{Exists: false}
			}
		}

		var chunkStart uint64
		if index == startIndex {
			chunkStart = byteOffset % chunkSize
		}
		chunkEnd := chunkSize
		if index == lastIndex {
			rem := (endByte - 1) % chunkSize
			chunkEnd = rem + 1
		}

		step := Step{
			Index:       index,
			Entry:       entry,
			ChunkOffset: chunkStart,
			Len:         chunkEnd - chunkStart,
		}
		if !fn(step) {
			return
		}
		if index == ^uint32(0) {
			return // avoid wraparound
		}
	}
}
