package ivydb

import (
	"encoding/binary"
	"sync"
	"unsafe"
)

// pgno is a page number.
type pgno uint32

// txnid is the transaction that last wrote a page or meta.
type txnid uint64

const (
	pageHeaderSize = 20

	invalidPgno pgno = 0xFFFFFFFF
	maxPgno     pgno = 0x7FFFffff
)

// pageFlags classifies the contents of a page.
type pageFlags uint16

const (
	pageBranch pageFlags = 0x01
	pageLeaf   pageFlags = 0x02
	pageLarge  pageFlags = 0x04
	pageMeta   pageFlags = 0x08

	// pageLegacyDirty predates the current dirty-tracking scheme and is
	// only ever observed on pages inherited from an older on-disk format.
	pageLegacyDirty pageFlags = 0x10
	pageBad                  = pageLegacyDirty

	pageDupfix pageFlags = 0x20
	pageSubP   pageFlags = 0x40

	// pageSpilled is accepted by validate but not set by the spill path:
	// pages moved into the spill buffer (see spill.Buffer) are tracked in
	// dirtyPageTracker.spilled instead.
	pageSpilled pageFlags = 0x2000
	pageLoose   pageFlags = 0x4000
	pageFrozen  pageFlags = 0x8000

	pageTypeMask = pageBranch | pageLeaf | pageLarge | pageMeta | pageDupfix | pageSubP
)

// pageHeader overlays the fixed 20-byte prefix every page starts with.
//
//	byte 0-7   txnid   page's last writer
//	byte 8-9   dupfix  fixed key size, DUPFIXED pages only
//	byte 10-11 flags
//	byte 12-13 lower   end of the entry-index array (branch/leaf pages)
//	byte 14-15 upper   start of the node-data area (branch/leaf pages)
//	byte 16-19 pgno    this page's own number
//
// On a large/overflow page bytes 12-15 instead hold a 32-bit run length.
type pageHeader struct {
	Txnid       txnid
	DupfixKsize uint16
	Flags       pageFlags
	Lower       uint16
	Upper       uint16
	PageNo      pgno
}

// page is a thin view over one page's raw bytes, sized to the
// environment's configured page size. Every accessor reads through the
// same backing slice; nothing here allocates beyond the pointer cast.
type page struct {
	Data []byte
}

func (p *page) header() *pageHeader {
	if len(p.Data) < pageHeaderSize {
		return nil
	}
	return (*pageHeader)(unsafe.Pointer(&p.Data[0]))
}

func (p *page) pageNo() pgno        { return p.header().PageNo }
func (p *page) pageType() pageFlags { return p.header().Flags & pageTypeMask }
func (p *page) isBranch() bool      { return p.header().Flags&pageBranch != 0 }
func (p *page) isLeaf() bool        { return p.header().Flags&pageLeaf != 0 }
func (p *page) isLarge() bool       { return p.header().Flags&pageLarge != 0 }
func (p *page) isMeta() bool        { return p.header().Flags&pageMeta != 0 }
func (p *page) isDupfix() bool      { return p.header().Flags&pageDupfix != 0 }
func (p *page) isSubPage() bool     { return p.header().Flags&pageSubP != 0 }

// numEntries is the count of index slots in use: each slot is a 2-byte
// offset, so the count falls straight out of the lower bound.
func (p *page) numEntries() int {
	h := p.header()
	if h == nil {
		return 0
	}
	return int(h.Lower) >> 1
}

// entryOffset resolves index slot idx to an absolute byte offset into
// p.Data. Index slots store offsets relative to pageHeaderSize so that a
// zero-valued slot (before init) unambiguously means "unused".
func (p *page) entryOffset(idx int) uint16 {
	if idx < 0 || idx >= p.numEntries() {
		return 0
	}
	slot := pageHeaderSize + idx*2
	rel := binary.LittleEndian.Uint16(p.Data[slot:])
	return rel + uint16(pageHeaderSize)
}

// freeSpace is the gap between the index array and the node-data area.
func (p *page) freeSpace() int {
	h := p.header()
	if h == nil {
		return 0
	}
	return int(h.Upper) - int(h.Lower)
}

// overflowPages reports how many consecutive pages a large-value run
// occupies, including this header page. Regular pages always occupy one.
func (p *page) overflowPages() uint32 {
	if !p.isLarge() {
		return 1
	}
	h := p.header()
	return uint32(h.Lower) | uint32(h.Upper)<<16
}

func (p *page) setOverflowPages(n uint32) {
	h := p.header()
	h.Lower = uint16(n & 0xFFFF)
	h.Upper = uint16(n >> 16)
}

// utilization returns the fraction (0..1) of node-data space in use,
// ignoring index-slot overhead; large pages report 1. Neither compaction
// nor the spill candidate ranking calls it: spill ranks by touch order only.
func (p *page) utilization(pageSize uint16) float64 {
	h := p.header()
	if h == nil || p.isLarge() {
		return 1
	}
	avail := int(pageSize) - pageHeaderSize
	if avail <= 0 {
		return 0
	}
	used := avail - p.freeSpace()
	return float64(used) / float64(avail)
}

// init stamps a fresh page header. Entry count starts at zero and the
// node-data area spans everything after the header.
func (p *page) init(pno pgno, flags pageFlags, pageSize uint16) {
	d := p.Data
	_ = d[19]

	putUint64LE(d[0:8], 0) // txnid is stamped by the caller, not here

	upper := pageSize - pageHeaderSize
	packed := uint64(flags)<<16 | uint64(upper)<<48
	putUint64LE(d[8:16], packed)

	putUint32LE(d[16:20], uint32(pno))
}

// validate sanity-checks a page header read from disk or mmap before any
// code walks its entries. It deliberately stays cheap: this runs on every
// page touched by a cursor, not just at open time.
func (p *page) validate(pageSize uint) error {
	if len(p.Data) < pageHeaderSize {
		return errPageTooSmall
	}
	h := p.header()

	if h.Flags&^(pageTypeMask|pageSpilled|pageLoose|pageFrozen|pageLegacyDirty) != 0 {
		return errPageInvalidFlags
	}

	if p.isLarge() {
		if p.overflowPages() == 0 || pgno(p.overflowPages()) > maxPgno {
			return errPageInvalidBounds
		}
		return nil
	}

	if h.Upper+pageHeaderSize > uint16(pageSize) {
		return errPageInvalidUpper
	}
	if h.Lower > h.Upper {
		return errPageInvalidBounds
	}

	return nil
}

var (
	errPageTooSmall      = &pageError{"page too small"}
	errPageInvalidFlags  = &pageError{"invalid page flags"}
	errPageInvalidLower  = &pageError{"invalid lower bound"}
	errPageInvalidUpper  = &pageError{"invalid upper bound"}
	errPageInvalidBounds = &pageError{"lower > upper"}
)

type pageError struct{ msg string }

func (e *pageError) Error() string { return "page: " + e.msg }

// --- raw-byte accessors -----------------------------------------------
//
// The struct methods above all go through header(), which re-derives a
// *pageHeader on every call. The functions below skip that indirection
// for call sites (the B+tree search loop, mostly) that read the same
// page hundreds of times per lookup and can't afford the repeated cast.

func pageFlagsDirect(data []byte) pageFlags {
	if len(data) < pageHeaderSize {
		return 0
	}
	return pageFlags(uint16(data[10]) | uint16(data[11])<<8)
}

func pageIsLeafDirect(data []byte) bool   { return pageFlagsDirect(data)&pageLeaf != 0 }
func pageIsBranchDirect(data []byte) bool { return pageFlagsDirect(data)&pageBranch != 0 }

func pageNumEntriesDirect(data []byte) int {
	if len(data) < pageHeaderSize {
		return 0
	}
	lower := uint16(data[12]) | uint16(data[13])<<8
	return int(lower) >> 1
}

func pageEntryOffsetDirect(data []byte, idx int) uint16 {
	if idx < 0 || idx >= pageNumEntriesDirect(data) {
		return 0
	}
	off := pageHeaderSize + idx*2
	rel := uint16(data[off]) | uint16(data[off+1])<<8
	return rel + uint16(pageHeaderSize)
}

// pageEntryOffsetUnchecked skips the bounds check in pageEntryOffsetDirect.
// Every call site must already hold 0 <= idx < numEntries, typically
// because it's iterating a loop bounded by numEntries itself.
func pageEntryOffsetUnchecked(data []byte, idx int) uint16 {
	rel := uint16(data[pageHeaderSize+idx*2]) | uint16(data[pageHeaderSize+idx*2+1])<<8
	return rel + pageHeaderSize
}

func (p *page) entryOffsetFast(idx int) uint16 {
	rel := uint16(p.Data[pageHeaderSize+idx*2]) | uint16(p.Data[pageHeaderSize+idx*2+1])<<8
	return rel + pageHeaderSize
}

func (p *page) isBranchFast() bool {
	return pageFlags(uint16(p.Data[10])|uint16(p.Data[11])<<8)&pageBranch != 0
}

func (p *page) numEntriesFast() int {
	lower := uint16(p.Data[12]) | uint16(p.Data[13])<<8
	return int(lower) >> 1
}

func (p *page) isLeafFast() bool {
	return pageFlags(uint16(p.Data[10])|uint16(p.Data[11])<<8)&pageLeaf != 0
}

// --- entry insertion, removal, compaction ------------------------------

// insertEntry writes nodeData as the entry at idx, shifting later index
// slots up by one. It compacts first if the page looks full but actually
// has enough reclaimable space once holes from prior removals are
// squeezed out. Returns false only when the page genuinely has no room.
func (p *page) insertEntry(idx int, nodeData []byte) bool {
	return p.insertEntryWithBuf(idx, nodeData, nil)
}

func (p *page) insertEntryWithBuf(idx int, nodeData []byte, scratchBuf []byte) bool {
	h := p.header()
	numEntries := p.numEntries()

	if idx < 0 || idx > numEntries {
		return false
	}

	need := 2 + len(nodeData)
	if p.freeSpace() < need {
		if p.compactWithBuf(scratchBuf) == 0 || p.freeSpace() < need {
			return false
		}
	}

	newUpper := h.Upper - uint16(len(nodeData))
	h.Upper = newUpper
	copy(p.Data[newUpper+pageHeaderSize:], nodeData)

	if idx < numEntries {
		src := pageHeaderSize + idx*2
		dst := src + 2
		copy(p.Data[dst:], p.Data[src:src+(numEntries-idx)*2])
	}
	putUint16LE(p.Data[pageHeaderSize+idx*2:], newUpper)
	h.Lower += 2

	return true
}

// removeEntry drops the index slot at idx without reclaiming its node
// bytes; the freed bytes become a hole that compact() later squeezes out.
func (p *page) removeEntry(idx int) bool {
	h := p.header()
	numEntries := p.numEntries()

	if idx < 0 || idx >= numEntries {
		return false
	}

	if idx < numEntries-1 {
		src := pageHeaderSize + (idx+1)*2
		dst := pageHeaderSize + idx*2
		copy(p.Data[dst:], p.Data[src:src+(numEntries-1-idx)*2])
	}
	h.Lower -= 2

	return true
}

// removeEntriesFrom truncates the index array at startIdx, used by a page
// split to hand off a contiguous tail of entries in one step rather than
// calling removeEntry in a loop.
func (p *page) removeEntriesFrom(startIdx int) {
	h := p.header()
	numEntries := p.numEntries()
	if startIdx < 0 || startIdx >= numEntries {
		return
	}
	h.Lower -= uint16((numEntries - startIdx) * 2)
}

// compact repacks node data to close holes left by removeEntry, and
// reports how many bytes that recovered.
func (p *page) compact() int {
	return p.compactWithBuf(nil)
}

func (p *page) compactWithBuf(scratchBuf []byte) int {
	h := p.header()
	numEntries := p.numEntriesFast()
	pageSize := uint16(len(p.Data))

	if numEntries == 0 {
		old := h.Upper
		h.Upper = pageSize - pageHeaderSize
		return int(h.Upper - old)
	}

	var sizesBuf [256]uint16
	var sizes []uint16
	if numEntries <= len(sizesBuf) {
		sizes = sizesBuf[:numEntries]
	} else {
		sizes = make([]uint16, numEntries)
	}

	var total uint16
	for i := 0; i < numEntries; i++ {
		sizes[i] = uint16(p.calcNodeSizeFast(i))
		total += sizes[i]
	}

	if expected := pageSize - pageHeaderSize - total; h.Upper == expected {
		return 0 // already dense, nothing to do
	}

	// Stage the live node bytes somewhere other than their current slots
	// before rewriting them contiguously from the end of the page. Prefer
	// the gap between the index array and the data area — it's already
	// unused page memory — over a fresh allocation or the shared pool.
	indexEnd := uint16(pageHeaderSize + numEntries*2)
	dataStart := h.Upper + pageHeaderSize

	var temp []byte
	var pooled bool
	switch {
	case int(dataStart-indexEnd) >= int(total):
		temp = p.Data[indexEnd:dataStart]
	case len(scratchBuf) >= int(total):
		temp = scratchBuf[:total]
	default:
		temp = getCompactBuffer(int(total))
		pooled = true
	}

	var pos uint16
	for i := 0; i < numEntries; i++ {
		off := p.entryOffsetFast(i)
		copy(temp[pos:pos+sizes[i]], p.Data[off:off+sizes[i]])
		pos += sizes[i]
	}

	write := pageSize
	pos = 0
	for i := 0; i < numEntries; i++ {
		write -= sizes[i]
		copy(p.Data[write:write+sizes[i]], temp[pos:pos+sizes[i]])
		pos += sizes[i]
		putUint16LE(p.Data[pageHeaderSize+i*2:], write-pageHeaderSize)
	}

	if pooled {
		returnCompactBuffer(temp)
	}

	old := h.Upper
	h.Upper = write - pageHeaderSize
	return int(h.Upper - old)
}

var compactBufferPool = sync.Pool{
	New: func() any { return make([]byte, 4096) },
}

func getCompactBuffer(size int) []byte {
	buf := compactBufferPool.Get().([]byte)
	if len(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

func returnCompactBuffer(buf []byte) {
	if cap(buf) >= 4096 {
		compactBufferPool.Put(buf[:cap(buf)])
	}
}

// updateEntry overwrites the node at idx with nodeData, reusing its
// current slot when the new data is no bigger and otherwise relocating it
// to freshly carved space at the top of the data area.
func (p *page) updateEntry(idx int, nodeData []byte) bool {
	h := p.header()
	numEntries := p.numEntries()

	if idx < 0 || idx >= numEntries {
		return false
	}

	oldSize := p.calcNodeSize(idx)
	newSize := len(nodeData)

	if newSize <= oldSize {
		copy(p.Data[p.entryOffset(idx):], nodeData)
		return true
	}

	if p.freeSpace() < newSize-oldSize {
		return false
	}

	newUpper := int(h.Upper) - newSize
	if newUpper < int(h.Lower) {
		return false // would clobber the index array
	}

	h.Upper = uint16(newUpper)
	copy(p.Data[uint16(newUpper)+pageHeaderSize:], nodeData)
	putUint16LE(p.Data[pageHeaderSize+idx*2:], uint16(newUpper))

	// The node's old bytes are now an unreferenced hole; compact() will
	// reclaim them the next time this page needs the space.
	return true
}

func (p *page) calcNodeSize(idx int) int {
	if idx < 0 || idx >= p.numEntriesFast() {
		return 0
	}
	return p.calcNodeSizeFast(idx)
}

// calcNodeSizeFast computes a node's on-page footprint from its header:
// 8 bytes of node header, the key, and either a child pgno (branch), an
// overflow pgno (big leaf value), or the inline value bytes.
func (p *page) calcNodeSizeFast(idx int) int {
	off := p.entryOffsetFast(idx)

	dsize := binary.LittleEndian.Uint32(p.Data[off:])
	flags := p.Data[off+4]
	ksize := binary.LittleEndian.Uint16(p.Data[off+6:])

	size := 8 + int(ksize)

	if p.isBranchFast() {
		return size
	}
	if flags&0x01 != 0 {
		return size + 4 // overflow pgno in place of inline data
	}
	return size + int(dsize)
}

// splitPoint chooses where to divide a page being split by a pending
// insert at insertIdx, searching outward from the midpoint for the
// nearest index where both halves (including the new node) fit. Each
// candidate re-sums the sizes of the entries left of it.
func (p *page) splitPoint(newNodeSize int, insertIdx int) int {
	numEntries := p.numEntriesFast()
	if numEntries == 0 {
		return 0
	}

	maxSpace := len(p.Data) - pageHeaderSize

	total := 0
	for i := 0; i < numEntries; i++ {
		total += p.calcNodeSizeFast(i)
	}

	// Appending past the last entry is the common case for monotonically
	// increasing keys; when it's also the case that the old page still
	// fits everything, skip straight to an append-only split so the old
	// page's entries never move.
	if insertIdx >= numEntries {
		leftNeeded := numEntries*2 + total
		rightNeeded := 2 + newNodeSize
		if leftNeeded <= maxSpace && rightNeeded <= maxSpace {
			return numEntries
		}
	}

	fits := func(splitIdx int) bool {
		if splitIdx < 0 || splitIdx > numEntries {
			return false
		}

		leftData := 0
		for i := 0; i < splitIdx; i++ {
			leftData += p.calcNodeSizeFast(i)
		}
		rightData := total - leftData

		leftEntries := splitIdx
		rightEntries := numEntries - splitIdx
		if insertIdx < splitIdx {
			leftEntries++
			leftData += newNodeSize
		} else {
			rightEntries++
			rightData += newNodeSize
		}

		if leftEntries == 0 || rightEntries == 0 {
			return false
		}
		return leftEntries*2+leftData <= maxSpace && rightEntries*2+rightData <= maxSpace
	}

	mid := numEntries / 2
	if mid == 0 {
		mid = 1
	}
	if fits(mid) {
		return mid
	}

	for delta := 1; delta <= numEntries; delta++ {
		if insertIdx < mid {
			if mid-delta >= 0 && fits(mid-delta) {
				return mid - delta
			}
			if mid+delta <= numEntries && fits(mid+delta) {
				return mid + delta
			}
		} else {
			if mid+delta <= numEntries && fits(mid+delta) {
				return mid + delta
			}
			if mid-delta >= 0 && fits(mid-delta) {
				return mid - delta
			}
		}
	}

	return mid // every candidate rejected; caller will need a deeper split
}

// compactTo rewrites p's live entries into dst in order, producing a
// hole-free copy. Used when demoting a page to a fresh allocation instead
// of compacting in place (e.g. converting a sub-page during promotion).
func (p *page) compactTo(dst *page, pageSize uint16) {
	h := p.header()
	dstH := dst.header()

	dstH.PageNo = h.PageNo
	dstH.Flags = h.Flags
	dstH.Txnid = h.Txnid
	dstH.DupfixKsize = h.DupfixKsize
	dstH.Lower = 0
	dstH.Upper = pageSize - pageHeaderSize

	numEntries := p.numEntries()
	for i := 0; i < numEntries; i++ {
		off := p.entryOffset(i)
		size := p.calcNodeSize(i)
		if size > 0 && int(off)+size <= len(p.Data) {
			dst.insertEntry(i, p.Data[off:off+uint16(size)])
		}
	}
}
