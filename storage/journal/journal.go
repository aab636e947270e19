// Package journal implements the cache journal header of §4.13: a
// reserved memory carrying a one-shot migration slot for legacy
// deployments that persisted a single mounted-file metadata record
// outside of the mounted-metadata namespace.
package journal

import (
	"encoding/binary"

	"github.com/pagedfs/pagedfs/memory"
	"github.com/pagedfs/pagedfs/pagedfserr"
	"github.com/pagedfs/pagedfs/storage/metadata"
)

const magic = "FSJ1\x00\x00\x00\x00"

const (
	offMagic = 0
	offNode  = 8
	offMeta  = 16
	headerLen = offMeta + metadata.EncodeSize
)

// NoMigration is the sentinel stored in the node slot when there is
// nothing pending.
const NoMigration = ^uint64(0)

// Journal is the legacy migration slot.
type Journal struct {
	m memory.Memory
}

// Open opens (or initializes) a Journal over m, rejecting any magic
// other than the current one.
func Open(m memory.Memory) (*Journal, error) {
	j := &Journal{m: m}
	if m.Size() == 0 {
		memory.GrowTo(m, headerLen-1)
		m.Write(offMagic, []byte(magic))
		j.writeNode(NoMigration)
		return j, nil
	}

	got := make([]byte, 8)
	m.Read(offMagic, got)
	if string(got) != magic {
		return nil, pagedfserr.New(pagedfserr.IllegalByteSequence)
	}
	return j, nil
}

func (j *Journal) writeNode(node uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], node)
	j.m.Write(offNode, buf[:])
}

func (j *Journal) readNode() uint64 {
	buf := make([]byte, 8)
	j.m.Read(offNode, buf)
	return binary.LittleEndian.Uint64(buf)
}

// TakePendingMigration returns the pending (node, metadata) migration
// record, if any, and clears the slot so it is only ever consumed once.
func (j *Journal) TakePendingMigration() (uint64, *metadata.Metadata, bool) {
	node := j.readNode()
	if node == NoMigration {
		return 0, nil, false
	}
	buf := make([]byte, metadata.EncodeSize)
	j.m.Read(offMeta, buf)
	j.writeNode(NoMigration)
	return node, metadata.Decode(buf), true
}

// PutPendingMigration records a legacy (node, metadata) pair for the
// next Open to migrate. Exposed for tests seeding a legacy journal.
func (j *Journal) PutPendingMigration(node uint64, meta *metadata.Metadata) {
	j.writeNode(node)
	j.m.Write(offMeta, metadata.Encode(meta))
}
