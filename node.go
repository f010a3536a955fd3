package ivydb

import (
	"unsafe"
)

const nodeSize = 8

// nodeFlags classifies what a node's payload actually holds.
type nodeFlags uint8

const (
	// nodeBig means the value didn't fit inline; the payload is a 4-byte
	// overflow page number instead of the value itself.
	nodeBig nodeFlags = 0x01
	// nodeTree means the value is a nested sub-database root, not data.
	nodeTree nodeFlags = 0x02
	// nodeDup means the key has more than one value (DUPSORT).
	nodeDup nodeFlags = 0x04
)

// nodeHeader overlays the fixed 8-byte prefix of every node.
//
//	byte 0-3  dsize    value length (leaf) or child pgno (branch), one union
//	byte 4    flags
//	byte 5    extra    unused, reserved for future per-node metadata
//	byte 6-7  ksize
//	byte 8.. key, then value (or a 4-byte overflow pgno for big nodes)
type nodeHeader struct {
	DataSize uint32
	Flags    nodeFlags
	Extra    uint8
	KeySize  uint16
}

// node is a view over one entry's bytes, anchored either at a known page
// offset or over a standalone buffer (used when building a node before
// it has a home page, e.g. during a split).
type node struct {
	data   []byte
	offset uint16
}

func nodeFromPage(p *page, idx int) *node {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset) >= len(p.Data) {
		return nil
	}
	if int(offset)+nodeSize > len(p.Data) {
		return nil
	}
	return &node{data: p.Data[offset:], offset: offset}
}

func nodeFromBytes(data []byte) *node {
	if len(data) < nodeSize {
		return nil
	}
	return &node{data: data}
}

func (n *node) header() *nodeHeader {
	if len(n.data) < nodeSize {
		return nil
	}
	return (*nodeHeader)(unsafe.Pointer(&n.data[0]))
}

func (n *node) keySize() uint16     { return n.header().KeySize }
func (n *node) dataSize() uint32    { return n.header().DataSize }
func (n *node) childPgno() pgno     { return pgno(n.header().DataSize) }
func (n *node) flags() nodeFlags    { return n.header().Flags }
func (n *node) isBig() bool         { return n.header().Flags&nodeBig != 0 }
func (n *node) isTree() bool        { return n.header().Flags&nodeTree != 0 }
func (n *node) isDup() bool         { return n.header().Flags&nodeDup != 0 }

func (n *node) key() []byte {
	h := n.header()
	if h == nil || len(n.data) < nodeSize+int(h.KeySize) {
		return nil
	}
	return n.data[nodeSize : nodeSize+h.KeySize]
}

// nodeData returns the value payload for a leaf node: the raw bytes for
// an inline value, or the 4-byte encoded overflow page number for a big
// node (use overflowPgno to decode the latter).
func (n *node) nodeData() []byte {
	h := n.header()
	if h == nil {
		return nil
	}

	off := nodeSize + int(h.KeySize)
	if h.Flags&nodeBig != 0 {
		if len(n.data) < off+4 {
			return nil
		}
		return n.data[off : off+4]
	}

	end := off + int(h.DataSize)
	if len(n.data) < end {
		return nil
	}
	return n.data[off:end]
}

func (n *node) overflowPgno() pgno {
	if !n.isBig() {
		return invalidPgno
	}
	h := n.header()
	off := nodeSize + int(h.KeySize)
	if len(n.data) < off+4 {
		return invalidPgno
	}
	return pgno(
		uint32(n.data[off]) | uint32(n.data[off+1])<<8 |
			uint32(n.data[off+2])<<16 | uint32(n.data[off+3])<<24,
	)
}

func (n *node) totalSize() int {
	h := n.header()
	if h == nil {
		return 0
	}
	size := nodeSize + int(h.KeySize)
	if h.Flags&nodeBig != 0 {
		return size + 4
	}
	return size + int(h.DataSize)
}

func nodeCalcSize(keySize int, dataSize int, isBig bool) int {
	size := nodeSize + keySize
	if isBig {
		return size + 4
	}
	return size + dataSize
}

// nodeMaxKeySize bounds a key so a branch page can always hold at least
// two of them plus their routing overhead.
func nodeMaxKeySize(pageSize int) int {
	return (pageSize-pageHeaderSize)/2 - nodeSize - 2
}

// nodeMaxDataSize bounds an inline value so a leaf page can hold at least
// two entries before a key forces an overflow page.
func nodeMaxDataSize(pageSize int) int {
	return (pageSize-pageHeaderSize-4)/2 - nodeSize - 1
}

// --- single-entry accessors working from a *page ------------------------
//
// These decode one field of one entry directly from p.Data, skipping the
// node{} wrapper entirely. The B+tree search loop calls these millions of
// times per large scan, so avoiding the extra struct matters.

func nodeGetKeyDirect(p *page, idx int) []byte {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+nodeSize > len(p.Data) {
		return nil
	}
	keySize := uint16(p.Data[offset+6]) | uint16(p.Data[offset+7])<<8
	end := offset + nodeSize + uint16(keySize)
	if int(end) > len(p.Data) {
		return nil
	}
	return p.Data[offset+nodeSize : end : end]
}

func nodeGetDataDirect(p *page, idx int) []byte {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+nodeSize > len(p.Data) {
		return nil
	}
	dataSize := uint32(p.Data[offset]) | uint32(p.Data[offset+1])<<8 |
		uint32(p.Data[offset+2])<<16 | uint32(p.Data[offset+3])<<24
	flags := nodeFlags(p.Data[offset+4])
	keySize := uint16(p.Data[offset+6]) | uint16(p.Data[offset+7])<<8

	if flags&nodeBig != 0 {
		return nil // overflow value; caller follows the page chain instead
	}

	start := int(offset) + nodeSize + int(keySize)
	end := start + int(dataSize)
	if end > len(p.Data) {
		return nil
	}
	return p.Data[start:end:end]
}

func nodeGetChildPgnoDirect(p *page, idx int) pgno {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+4 > len(p.Data) {
		return invalidPgno
	}
	return pgno(
		uint32(p.Data[offset]) | uint32(p.Data[offset+1])<<8 |
			uint32(p.Data[offset+2])<<16 | uint32(p.Data[offset+3])<<24,
	)
}

func nodeGetFlagsDirect(p *page, idx int) nodeFlags {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+5 > len(p.Data) {
		return 0
	}
	return nodeFlags(p.Data[offset+4])
}

func nodeGetOverflowPgnoDirect(p *page, idx int) pgno {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+nodeSize > len(p.Data) {
		return invalidPgno
	}
	keySize := uint16(p.Data[offset+6]) | uint16(p.Data[offset+7])<<8
	pgnoOffset := int(offset) + nodeSize + int(keySize)
	if pgnoOffset+4 > len(p.Data) {
		return invalidPgno
	}
	return pgno(
		uint32(p.Data[pgnoOffset]) | uint32(p.Data[pgnoOffset+1])<<8 |
			uint32(p.Data[pgnoOffset+2])<<16 | uint32(p.Data[pgnoOffset+3])<<24,
	)
}

func nodeGetDataSizeDirect(p *page, idx int) uint32 {
	offset := p.entryOffset(idx)
	if offset == 0 || int(offset)+4 > len(p.Data) {
		return 0
	}
	return uint32(p.Data[offset]) | uint32(p.Data[offset+1])<<8 |
		uint32(p.Data[offset+2])<<16 | uint32(p.Data[offset+3])<<24
}

// --- raw-byte-slice accessors ---------------------------------------------
//
// Same decoding, but operating on a []byte instead of a *page — used by
// callers (dup sub-tree walks, mostly) that already have the slice and
// would otherwise have to wrap it in a throwaway page{} just to call the
// methods above.

func nodeGetKeyRaw(data []byte, idx int) []byte {
	offset := pageEntryOffsetDirect(data, idx)
	if offset == 0 || int(offset)+nodeSize > len(data) {
		return nil
	}
	keySize := uint16(data[offset+6]) | uint16(data[offset+7])<<8
	if int(offset)+nodeSize+int(keySize) > len(data) {
		return nil
	}
	return data[offset+nodeSize : int(offset)+nodeSize+int(keySize)]
}

// nodeGetKeyUnchecked skips bounds checks entirely. Every caller must
// already know idx is valid and the page well-formed, typically because
// it's iterating a loop bounded by the page's own numEntries.
func nodeGetKeyUnchecked(data []byte, idx int) []byte {
	offset := pageEntryOffsetUnchecked(data, idx)
	keySize := uint16(data[offset+6]) | uint16(data[offset+7])<<8
	return data[offset+nodeSize : int(offset)+nodeSize+int(keySize)]
}

func nodeGetDataUnchecked(data []byte, idx int) []byte {
	offset := pageEntryOffsetUnchecked(data, idx)
	dataSize := uint32(data[offset]) | uint32(data[offset+1])<<8 |
		uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24
	keySize := uint16(data[offset+6]) | uint16(data[offset+7])<<8
	start := int(offset) + nodeSize + int(keySize)
	return data[start : start+int(dataSize)]
}

func nodeGetDataRaw(data []byte, idx int) []byte {
	offset := pageEntryOffsetDirect(data, idx)
	if offset == 0 || int(offset)+nodeSize > len(data) {
		return nil
	}
	dataSize := uint32(data[offset]) | uint32(data[offset+1])<<8 |
		uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24
	flags := nodeFlags(data[offset+4])
	keySize := uint16(data[offset+6]) | uint16(data[offset+7])<<8

	if flags&nodeBig != 0 {
		return nil
	}

	start := int(offset) + nodeSize + int(keySize)
	end := start + int(dataSize)
	if end > len(data) {
		return nil
	}
	return data[start:end]
}

func nodeGetChildPgnoRaw(data []byte, idx int) pgno {
	offset := pageEntryOffsetDirect(data, idx)
	if offset == 0 || int(offset)+4 > len(data) {
		return invalidPgno
	}
	return pgno(
		uint32(data[offset]) | uint32(data[offset+1])<<8 |
			uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24,
	)
}

func nodeGetChildPgnoUnchecked(data []byte, idx int) pgno {
	offset := pageEntryOffsetUnchecked(data, idx)
	return pgno(
		uint32(data[offset]) | uint32(data[offset+1])<<8 |
			uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24,
	)
}

// nodeGetFirstChildPgno reads entry 0's child pgno directly, skipping the
// numEntries lookup that a generic indexed accessor would need — the
// leftmost-descent path taken on every root-to-leaf walk.
func nodeGetFirstChildPgno(data []byte) pgno {
	stored := uint16(data[pageHeaderSize]) | uint16(data[pageHeaderSize+1])<<8
	offset := stored + pageHeaderSize
	return pgno(
		uint32(data[offset]) | uint32(data[offset+1])<<8 |
			uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24,
	)
}

// nodeGetFirstKey reads entry 0's key directly; used to report the first
// value of a DUPSORT sub-tree without a generic indexed lookup.
func nodeGetFirstKey(data []byte) []byte {
	stored := uint16(data[pageHeaderSize]) | uint16(data[pageHeaderSize+1])<<8
	offset := int(stored + pageHeaderSize)
	keySize := int(uint16(data[offset+6]) | uint16(data[offset+7])<<8)
	return data[offset+nodeSize : offset+nodeSize+keySize]
}

// nodeGetLastChildPgno reads the rightmost entry's child pgno directly,
// for the rightmost-descent path (Last/Prev cursor operations).
func nodeGetLastChildPgno(data []byte) pgno {
	lower := uint16(data[12]) | uint16(data[13])<<8
	lastIdx := int(lower)>>1 - 1

	stored := uint16(data[pageHeaderSize+lastIdx*2]) | uint16(data[pageHeaderSize+lastIdx*2+1])<<8
	offset := stored + pageHeaderSize
	return pgno(
		uint32(data[offset]) | uint32(data[offset+1])<<8 |
			uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24,
	)
}

// nodeGetLastKey reads the rightmost entry's key directly; the last value
// of a DUPSORT sub-tree.
func nodeGetLastKey(data []byte) []byte {
	lower := uint16(data[12]) | uint16(data[13])<<8
	lastIdx := int(lower)>>1 - 1

	stored := uint16(data[pageHeaderSize+lastIdx*2]) | uint16(data[pageHeaderSize+lastIdx*2+1])<<8
	offset := int(stored + pageHeaderSize)
	keySize := int(uint16(data[offset+6]) | uint16(data[offset+7])<<8)
	return data[offset+nodeSize : offset+nodeSize+keySize]
}

func nodeGetFlagsRaw(data []byte, idx int) nodeFlags {
	offset := pageEntryOffsetDirect(data, idx)
	if offset == 0 || int(offset)+5 > len(data) {
		return 0
	}
	return nodeFlags(data[offset+4])
}

func nodeGetFlagsUnchecked(data []byte, idx int) nodeFlags {
	offset := pageEntryOffsetUnchecked(data, idx)
	return nodeFlags(data[offset+4])
}

// nodeGetNodeDataUnchecked decodes key, flags, and value in one pass —
// for DUPSORT sub-tree nodes (nodeTree) the "value" is the sub-tree root
// bytes, not user data, and for sub-pages (nodeDup) it's the sub-page.
func nodeGetNodeDataUnchecked(data []byte, idx int) (key []byte, flags nodeFlags, nodeData []byte) {
	offset := pageEntryOffsetUnchecked(data, idx)
	dataSize := uint32(data[offset]) | uint32(data[offset+1])<<8 |
		uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24
	flags = nodeFlags(data[offset+4])
	keySize := uint16(data[offset+6]) | uint16(data[offset+7])<<8

	keyStart := int(offset) + nodeSize
	key = data[keyStart : keyStart+int(keySize)]

	if flags&nodeBig != 0 {
		return key, flags, nil
	}

	dataStart := keyStart + int(keySize)
	nodeData = data[dataStart : dataStart+int(dataSize)]
	return key, flags, nodeData
}

func nodeGetOverflowPgnoRaw(data []byte, idx int) pgno {
	offset := pageEntryOffsetDirect(data, idx)
	if offset == 0 || int(offset)+nodeSize > len(data) {
		return invalidPgno
	}
	keySize := uint16(data[offset+6]) | uint16(data[offset+7])<<8
	pgnoOffset := int(offset) + nodeSize + int(keySize)
	if pgnoOffset+4 > len(data) {
		return invalidPgno
	}
	return pgno(
		uint32(data[pgnoOffset]) | uint32(data[pgnoOffset+1])<<8 |
			uint32(data[pgnoOffset+2])<<16 | uint32(data[pgnoOffset+3])<<24,
	)
}

func nodeGetDataSizeRaw(data []byte, idx int) uint32 {
	offset := pageEntryOffsetDirect(data, idx)
	if offset == 0 || int(offset)+4 > len(data) {
		return 0
	}
	return uint32(data[offset]) | uint32(data[offset+1])<<8 |
		uint32(data[offset+2])<<16 | uint32(data[offset+3])<<24
}

// --- *page accessors with no bounds checking at all -----------------------
//
// Callers here have already verified 0 <= idx < page.numEntries(); these
// are the innermost loop body of the binary-search comparator.

func nodeGetKeyFast(p *page, idx int) []byte {
	offset := p.entryOffsetFast(idx)
	keySize := uint16(p.Data[offset+6]) | uint16(p.Data[offset+7])<<8
	end := offset + nodeSize + uint16(keySize)
	return p.Data[offset+nodeSize : end : end]
}

func nodeGetDataFast(p *page, idx int) []byte {
	offset := p.entryOffsetFast(idx)
	dataSize := uint32(p.Data[offset]) | uint32(p.Data[offset+1])<<8 |
		uint32(p.Data[offset+2])<<16 | uint32(p.Data[offset+3])<<24
	keySize := uint16(p.Data[offset+6]) | uint16(p.Data[offset+7])<<8
	start := int(offset) + nodeSize + int(keySize)
	end := start + int(dataSize)
	return p.Data[start:end:end]
}

func nodeGetChildPgnoFast(p *page, idx int) pgno {
	offset := p.entryOffsetFast(idx)
	return pgno(
		uint32(p.Data[offset]) | uint32(p.Data[offset+1])<<8 |
			uint32(p.Data[offset+2])<<16 | uint32(p.Data[offset+3])<<24,
	)
}

func nodeGetFlagsFast(p *page, idx int) nodeFlags {
	offset := p.entryOffsetFast(idx)
	return nodeFlags(p.Data[offset+4])
}

// nodeGetKeyFlagsDataFast resolves the offset once and reads all three
// fields from it, for callers (cursor positioning) that need the full
// triple and would otherwise re-resolve the offset three times over.
func nodeGetKeyFlagsDataFast(p *page, idx int) (key []byte, flags nodeFlags, data []byte) {
	offset := p.entryOffsetFast(idx)
	d := p.Data

	dataSize := uint32(d[offset]) | uint32(d[offset+1])<<8 |
		uint32(d[offset+2])<<16 | uint32(d[offset+3])<<24
	flags = nodeFlags(d[offset+4])
	keySize := uint16(d[offset+6]) | uint16(d[offset+7])<<8

	key = d[offset+nodeSize : offset+nodeSize+keySize]
	start := int(offset) + nodeSize + int(keySize)
	data = d[start : start+int(dataSize)]
	return
}
