package ivydb

import (
	"encoding/binary"
)

// gcMaxPasses bounds the convergence loop that reconciles retired pages with
// the free-list tree during commit. Writing retired records can itself dirty
// or free pages in the free-list tree, so the set of records to write is
// recomputed a bounded number of times rather than looped forever.
const gcMaxPasses = 10

// gcRecordsPerReclaim caps how many free-list records a single reclaim pass
// will consume, keeping worst-case commit latency predictable on databases
// with a very long history of small retirements.
const gcRecordsPerReclaim = 64

// retirePage releases a page that is no longer referenced by the live tree.
// A page stamped with the current transaction's id was allocated or
// copy-on-written within this transaction: no reader can observe it at its
// old identity, so it is safe to recycle immediately via freePages. A page
// stamped with an earlier txnid may still be visible to a reader holding an
// older snapshot, so it is queued in retiredPages and only becomes reusable
// once it is persisted to the free-list tree and the oldest reader has moved
// past the retiring transaction.
func (txn *Txn) retirePage(pn pgno, stampedTxnid txnid) {
	if stampedTxnid == txnid(txn.txnID) {
		txn.freePages = append(txn.freePages, pn)
		return
	}
	txn.retiredPages = append(txn.retiredPages, pn)
}

// retirePages is the batch form of retirePage, used when multiple
// consecutively-numbered pages (an overflow run) share one stamped txnid.
func (txn *Txn) retirePages(first pgno, count int, stampedTxnid txnid) {
	for i := 0; i < count; i++ {
		txn.retirePage(first+pgno(i), stampedTxnid)
	}
}

// pageStampedTxnid returns the txnid recorded in a page's header, consulting
// the dirty-page tracker first so pages touched earlier in this transaction
// report their current (not on-disk) stamp.
func (txn *Txn) pageStampedTxnid(pn pgno) txnid {
	if dirty := txn.dirtyTracker.get(pn); dirty != nil {
		return dirty.header().Txnid
	}
	p, err := txn.getPage(pn)
	if err != nil || p == nil {
		return 0
	}
	return p.header().Txnid
}

// gcKey encodes a retiring transaction id as the big-endian free-list key,
// matching the ascending iteration order cursors walk the tree in.
func gcKey(id txnid) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

func gcKeyTxnid(key []byte) txnid {
	return txnid(binary.BigEndian.Uint64(key))
}

func gcEncodePages(pages []pgno) []byte {
	buf := make([]byte, len(pages)*4)
	for i, pn := range pages {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(pn))
	}
	return buf
}

func gcDecodePages(data []byte) []pgno {
	n := len(data) / 4
	pages := make([]pgno, n)
	for i := 0; i < n; i++ {
		pages[i] = pgno(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return pages
}

// gcCommitRetired persists this transaction's retired pages into the
// free-list tree under the committing txnid, and reclaims pages previously
// retired by transactions older than the current reader horizon to satisfy
// this transaction's own page demand before growing the file. Because both
// operations can themselves dirty or free pages belonging to the free-list
// tree, the two steps alternate until the retired set stops changing or
// gcMaxPasses is reached.
func (txn *Txn) gcCommitRetired() error {
	for pass := 0; pass < gcMaxPasses; pass++ {
		reclaimed, err := txn.gcReclaim(gcRecordsPerReclaim)
		if err != nil {
			return err
		}

		before := len(txn.retiredPages)
		if len(txn.retiredPages) > 0 {
			key := gcKey(txnid(txn.txnID))
			val := gcEncodePages(txn.retiredPages)
			if err := txn.Put(FreeDBI, key, val, 0); err != nil {
				return err
			}
			txn.retiredPages = txn.retiredPages[:0]
		}

		if !reclaimed && before == len(txn.retiredPages) {
			break
		}
	}
	if debugLevelOn.Load() {
		debugLog().Uint64("txnid", uint64(txn.txnID)).Int("retired", len(txn.retiredPages)).
			Int("free", len(txn.freePages)).Msg("gc commit converged")
	}
	return nil
}

// gcReclaim pulls up to max pages from the free-list tree whose retiring
// transaction is older than every active reader, moving them onto freePages
// so the allocator can reuse them instead of growing the file. It returns
// true if any record was consumed.
func (txn *Txn) gcReclaim(max int) (bool, error) {
	if txn.trees[FreeDBI].Root == invalidPgno {
		return false, nil
	}

	horizon := txn.oldestReaderTxnid()

	cursor, err := txn.OpenCursor(FreeDBI)
	if err != nil {
		return false, err
	}
	defer cursor.Close()

	consumed := false
	taken := 0
	for taken < max {
		key, val, err := cursor.Get(nil, nil, First)
		if err != nil {
			break
		}
		if len(key) != 8 {
			break
		}
		recordTxnid := gcKeyTxnid(key)
		if recordTxnid >= horizon {
			break
		}

		pages := gcDecodePages(val)
		room := max - taken
		if room >= len(pages) {
			if err := cursor.Del(0); err != nil {
				return consumed, err
			}
			txn.freePages = append(txn.freePages, pages...)
			taken += len(pages)
			consumed = true
			gcPagesReclaimed.Add(float64(len(pages)))
		} else {
			// Partial consumption: take the tail, rewrite the record with
			// the remainder under the same key.
			txn.freePages = append(txn.freePages, pages[len(pages)-room:]...)
			remainder := pages[:len(pages)-room]
			if err := cursor.Put(key, gcEncodePages(remainder), 0); err != nil {
				return consumed, err
			}
			taken += room
			consumed = true
			gcPagesReclaimed.Add(float64(room))
			break
		}
	}

	return consumed, nil
}

// oldestReaderTxnid returns the lowest active reader txnid, or the current
// transaction's own id if there are no active readers (nothing is retained).
func (txn *Txn) oldestReaderTxnid() txnid {
	if txn.env == nil || txn.env.lockFile == nil {
		return txnid(txn.txnID)
	}
	oldest := txn.env.lockFile.oldestReader()
	if oldest == ^uint64(0) || oldest == 0 {
		return txnid(txn.txnID)
	}
	return txnid(oldest)
}

// decodeEmbeddedTree parses a 48-byte tree record embedded in a DUPSORT
// sub-tree node, matching the layout used for the GC and main tree records
// inside a meta page.
func decodeEmbeddedTree(data []byte) tree {
	return tree{
		Flags:      uint16(data[0]) | uint16(data[1])<<8,
		Height:     uint16(data[2]) | uint16(data[3])<<8,
		DupfixSize: uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6])<<16 | uint32(data[7])<<24,
		Root: pgno(uint32(data[8]) | uint32(data[9])<<8 |
			uint32(data[10])<<16 | uint32(data[11])<<24),
		BranchPages: pgno(uint32(data[12]) | uint32(data[13])<<8 |
			uint32(data[14])<<16 | uint32(data[15])<<24),
		LeafPages: pgno(uint32(data[16]) | uint32(data[17])<<8 |
			uint32(data[18])<<16 | uint32(data[19])<<24),
		LargePages: pgno(uint32(data[20]) | uint32(data[21])<<8 |
			uint32(data[22])<<16 | uint32(data[23])<<24),
		Sequence: uint64(data[24]) | uint64(data[25])<<8 | uint64(data[26])<<16 | uint64(data[27])<<24 |
			uint64(data[28])<<32 | uint64(data[29])<<40 | uint64(data[30])<<48 | uint64(data[31])<<56,
		Items: uint64(data[32]) | uint64(data[33])<<8 | uint64(data[34])<<16 | uint64(data[35])<<24 |
			uint64(data[36])<<32 | uint64(data[37])<<40 | uint64(data[38])<<48 | uint64(data[39])<<56,
		ModTxnid: txnid(uint64(data[40]) | uint64(data[41])<<8 | uint64(data[42])<<16 | uint64(data[43])<<24 |
			uint64(data[44])<<32 | uint64(data[45])<<40 | uint64(data[46])<<48 | uint64(data[47])<<56),
	}
}

// gcWalkTreeToRetired walks every page reachable from a dropped tree's root
// and queues them for retirement, then marks the tree empty. Leaf pages with
// large/overflow values also release their overflow runs.
func (txn *Txn) gcWalkTreeToRetired(t *tree) error {
	if t.Root == invalidPgno {
		return nil
	}

	stack := []pgno{t.Root}
	for len(stack) > 0 {
		pn := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		p, err := txn.getPage(pn)
		if err != nil {
			return err
		}

		stamped := p.header().Txnid
		txn.retirePage(pn, stamped)

		if p.isBranch() {
			n := p.numEntries()
			for i := 0; i < n; i++ {
				stack = append(stack, nodeGetChildPgnoUnchecked(p.Data, i))
			}
			continue
		}

		if !p.isLeaf() {
			continue
		}
		n := p.numEntries()
		for i := 0; i < n; i++ {
			nd := nodeFromPage(p, i)
			if nd == nil {
				continue
			}
			switch {
			case nd.flags()&nodeBig != 0:
				overflowPn := nd.overflowPgno()
				overflowFirst, err := txn.getPage(overflowPn)
				if err != nil {
					continue
				}
				numPages := int(overflowFirst.overflowPages())
				if numPages < 1 {
					numPages = 1
				}
				txn.retirePages(overflowPn, numPages, overflowFirst.header().Txnid)
			case nd.flags()&nodeTree != 0:
				sub := nd.nodeData()
				if len(sub) >= 48 {
					subTree := decodeEmbeddedTree(sub)
					if err := txn.gcWalkTreeToRetired(&subTree); err != nil {
						return err
					}
				}
			}
		}
	}

	t.reset()
	return nil
}
