package kmem

// bitMapBlock is one block-sized bit array tracking allocated/free state
// for ENTRIES_IN_BITMAP managed blocks, one bit each.
type bitMapBlock struct {
	bytes [BlockSize]byte
}

func (bm *bitMapBlock) initialize() {
	for i := range bm.bytes {
		bm.bytes[i] = 0
	}
}

// isFree returns the raw bit at index. The name mirrors the original
// source's BitMapBlock::isFree, whose literal, spec-mandated behavior
// is "1 = allocated" (spec section 4.2) — true here means allocated,
// not free.
func (bm *bitMapBlock) isFree(index uint64) (bool, error) {
	byteIdx, mask, err := bitLocation(index)
	if err != nil {
		return false, err
	}
	return bm.bytes[byteIdx]&mask != 0, nil
}

func (bm *bitMapBlock) allocate(index, sizeInBlocks uint64) error {
	return bm.setRange(index, sizeInBlocks, true)
}

func (bm *bitMapBlock) deallocate(index, sizeInBlocks uint64) error {
	return bm.setRange(index, sizeInBlocks, false)
}

func (bm *bitMapBlock) setRange(index, sizeInBlocks uint64, value bool) error {
	for i := index; i < index+sizeInBlocks; i++ {
		byteIdx, mask, err := bitLocation(i)
		if err != nil {
			return err
		}
		if value {
			bm.bytes[byteIdx] |= mask
		} else {
			bm.bytes[byteIdx] &^= mask
		}
	}
	return nil
}

func bitLocation(index uint64) (byteIdx uint64, mask byte, err error) {
	if index > EntriesInBitmap {
		return 0, 0, ErrOutOfRange
	}
	return index / bitsPerByte, 1 << (index % bitsPerByte), nil
}
