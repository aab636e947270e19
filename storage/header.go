package storage

import (
	"bytes"

	"github.com/fxamacker/cbor/v2"

	"github.com/pagedfs/pagedfs/memory"
	"github.com/pagedfs/pagedfs/pagedfserr"
)

// fsVersion is the filesystem on-disk format version stored in the
// header block. A mismatch with an on-disk header is fatal (§4.13).
const fsVersion uint32 = 1

// header is the self-describing, CBOR-encoded record written to block 0
// of the header memory (§6): a format version and the monotonically
// increasing node counter.
type header struct {
	Version  uint32 `cbor:"version"`
	NextNode uint64 `cbor:"next_node"`
}

// headerByteLen bounds how many bytes of the header memory we read back
// when decoding; CBOR is self-delimiting but we still need an upper
// bound to read before we know the true encoded length.
const headerByteLen = 256

func loadHeader(m memory.Memory) (*header, error) {
	if m.Size() == 0 {
		memory.GrowTo(m, headerByteLen-1)
		// Node 1 is reserved for the filesystem root and is never minted
		// via NewNode; the counter starts handing out ids from 2.
		h := &header{Version: fsVersion, NextNode: 2}
		if err := storeHeader(m, h); err != nil {
			return nil, err
		}
		return h, nil
	}

	buf := make([]byte, headerByteLen)
	m.Read(0, buf)

	var h header
	dec := cbor.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&h); err != nil {
		return nil, pagedfserr.Wrap(pagedfserr.IllegalByteSequence, err)
	}
	if h.Version != fsVersion {
		return nil, pagedfserr.New(pagedfserr.IllegalByteSequence)
	}
	return &h, nil
}

func storeHeader(m memory.Memory, h *header) error {
	b, err := cbor.Marshal(h)
	if err != nil {
		return err
	}
	if len(b) > headerByteLen {
		panic("pagedfs: header encoding exceeds reserved block size")
	}
	buf := make([]byte, headerByteLen)
	copy(buf, b)
	memory.GrowTo(m, headerByteLen-1)
	m.Write(0, buf)
	return nil
}
