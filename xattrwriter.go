package squashfs

import (
	"bytes"
	"encoding/hex"
	"io"
	"sort"
	"strings"
)

// xattrKV is one interned (key, value) pair queued between begin() and end().
type xattrKV struct {
	keyIdx uint32
	valIdx uint32
}

// xattrRun is one flushed, deduplicated block of kv pairs, in the order it
// was first seen — the order it gets written to the image in.
type xattrRun struct {
	pairs []xattrKV
}

// xattrWriter interns xattr keys and values, deduplicates identical
// per-inode kv blocks, and promotes repeated large values to out-of-line
// storage on their second use (spec §4.8 "Xattr writer").
type xattrWriter struct {
	keys   []string
	keyIdx map[string]uint32

	values   []string // hex-encoded raw bytes, hashable and comparable
	valIdx   map[string]uint32
	rawBytes [][]byte

	pending []xattrKV // entries queued since the last begin()

	runs    []xattrRun
	dedup   map[string]uint32 // serialized run content -> assigned xattr id
	nextID  uint32
}

func newXattrWriter() *xattrWriter {
	return &xattrWriter{
		keyIdx: make(map[string]uint32),
		valIdx: make(map[string]uint32),
		dedup:  make(map[string]uint32),
	}
}

func (xw *xattrWriter) internKey(key string) uint32 {
	if i, ok := xw.keyIdx[key]; ok {
		return i
	}
	i := uint32(len(xw.keys))
	xw.keys = append(xw.keys, key)
	xw.keyIdx[key] = i
	return i
}

func (xw *xattrWriter) internValue(value []byte) uint32 {
	h := hex.EncodeToString(value)
	if i, ok := xw.valIdx[h]; ok {
		return i
	}
	i := uint32(len(xw.values))
	xw.values = append(xw.values, h)
	xw.rawBytes = append(xw.rawBytes, append([]byte(nil), value...))
	xw.valIdx[h] = i
	return i
}

// begin starts a new per-inode xattr set.
func (xw *xattrWriter) begin() {
	xw.pending = xw.pending[:0]
}

// add queues one key/value pair for the inode currently being built. A
// later add() with the same key replaces the earlier one (last write wins),
// matching set-xattr semantics.
func (xw *xattrWriter) add(key string, value []byte) {
	ki := xw.internKey(key)
	vi := xw.internValue(value)
	for n, kv := range xw.pending {
		if kv.keyIdx == ki {
			xw.pending[n].valIdx = vi
			return
		}
	}
	xw.pending = append(xw.pending, xattrKV{keyIdx: ki, valIdx: vi})
}

// end finalizes the inode's xattr set, deduplicating it against every run
// seen so far, and returns the xattr-id to store in the inode (noXattr if
// the inode carries no xattrs).
func (xw *xattrWriter) end() uint32 {
	if len(xw.pending) == 0 {
		return noXattr
	}

	run := append([]xattrKV(nil), xw.pending...)
	sort.Slice(run, func(i, j int) bool { return run[i].keyIdx < run[j].keyIdx })

	key := runDedupKey(run)
	if id, ok := xw.dedup[key]; ok {
		return id
	}

	id := xw.nextID
	xw.nextID++
	xw.dedup[key] = id
	xw.runs = append(xw.runs, xattrRun{pairs: run})
	return id
}

func runDedupKey(run []xattrKV) string {
	var b strings.Builder
	for _, kv := range run {
		b.WriteByte(byte(kv.keyIdx))
		b.WriteByte(byte(kv.keyIdx >> 8))
		b.WriteByte(byte(kv.keyIdx >> 16))
		b.WriteByte(byte(kv.keyIdx >> 24))
		b.WriteByte(byte(kv.valIdx))
		b.WriteByte(byte(kv.valIdx >> 8))
		b.WriteByte(byte(kv.valIdx >> 16))
		b.WriteByte(byte(kv.valIdx >> 24))
	}
	return b.String()
}

func splitKeyPrefix(key string) (typ uint16, suffix string) {
	switch {
	case strings.HasPrefix(key, "trusted."):
		return xattrPrefixTrusted, key[len("trusted."):]
	case strings.HasPrefix(key, "security."):
		return xattrPrefixSecurity, key[len("security."):]
	default:
		return xattrPrefixUser, strings.TrimPrefix(key, "user.")
	}
}

// xattrIdDescriptor is one entry of the final xattr-id table (spec §3).
type xattrIdDescriptor struct {
	StartRef uint64
	Count    uint32
	Size     uint32
}

// flush writes every deduplicated run to the kv meta-stream through mw,
// promoting a value to out-of-line storage the second time it is used by a
// run if its raw length exceeds 8 bytes, and returns one descriptor per
// run in assignment order (spec §4.8 "Flushing").
func (xw *xattrWriter) flush(mw *metaWriter) ([]xattrIdDescriptor, error) {
	descriptors := make([]xattrIdDescriptor, len(xw.runs))
	valueFirstRef := make(map[uint32]uint64)
	valueUses := make(map[uint32]int)

	for runIdx, run := range xw.runs {
		blockOffset, offset := mw.position()
		startRef := (uint64(blockOffset) << 16) | uint64(offset)
		runSize := 0

		for _, kv := range run.pairs {
			name := xw.keys[kv.keyIdx]
			typ, suffix := splitKeyPrefix(name)
			raw := xw.rawBytes[kv.valIdx]
			uses := valueUses[kv.valIdx]
			valueUses[kv.valIdx] = uses + 1

			if uses > 0 && len(raw) > 8 {
				if ref, ok := valueFirstRef[kv.valIdx]; ok {
					hdrLen, err := xw.writeKeyHeader(mw, typ|xattrFlagOOL, suffix)
					if err != nil {
						return nil, err
					}
					if err := xw.writeOOLValue(mw, ref); err != nil {
						return nil, err
					}
					runSize += hdrLen + 12
					continue
				}
			}

			hdrLen, err := xw.writeKeyHeader(mw, typ, suffix)
			if err != nil {
				return nil, err
			}
			valBlockOffset, valOffset := mw.position()
			if err := xw.writeInlineValue(mw, raw); err != nil {
				return nil, err
			}
			runSize += hdrLen + 4 + len(raw)
			if len(raw) > 8 {
				valueFirstRef[kv.valIdx] = (uint64(valBlockOffset) << 16) | uint64(valOffset)
			}
		}

		descriptors[runIdx] = xattrIdDescriptor{
			StartRef: startRef,
			Count:    uint32(len(run.pairs)),
			Size:     uint32(runSize),
		}
	}

	return descriptors, nil
}

func (xw *xattrWriter) writeKeyHeader(mw *metaWriter, typ uint16, name string) (int, error) {
	hdr := struct {
		Type    uint16
		NameLen uint16
	}{typ, uint16(len(name))}
	var buf bytes.Buffer
	if err := binaryWriteLE(&buf, &hdr); err != nil {
		return 0, wrapErr("xattrWriter.writeKeyHeader", KindIO, err)
	}
	buf.WriteString(name)
	if err := mw.append(buf.Bytes()); err != nil {
		return 0, err
	}
	return buf.Len(), nil
}

func (xw *xattrWriter) writeInlineValue(mw *metaWriter, value []byte) error {
	lenBuf := make([]byte, 4)
	putLE32(lenBuf, uint32(len(value)))
	return mw.append(append(lenBuf, value...))
}

func (xw *xattrWriter) writeOOLValue(mw *metaWriter, ref uint64) error {
	buf := make([]byte, 12)
	putLE32(buf[:4], 8)
	refBuf := make([]byte, 8)
	putLE64(refBuf, ref)
	copy(buf[4:], refBuf)
	return mw.append(buf)
}

// writeXattrIdTable serializes descriptors into meta-blocks and writes them
// followed immediately by the {kv_start, id_count, unused} header and its
// location array (spec §3: "a location array follows the header"),
// returning the file offset to store in super.XattrIdTableStart.
func writeXattrIdTable(w io.WriteSeeker, codec Codec, kvStart uint64, descriptors []xattrIdDescriptor) (uint64, error) {
	var data bytes.Buffer
	for _, d := range descriptors {
		if err := binaryWriteLE(&data, &d); err != nil {
			return 0, wrapErr("writeXattrIdTable", KindIO, err)
		}
	}
	raw := data.Bytes()

	var locations []uint64
	mw := newMetaWriter(w, codec, false)
	for off := 0; off < len(raw); off += metablockSize {
		end := off + metablockSize
		if end > len(raw) {
			end = len(raw)
		}
		blockOffset, err := w.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, wrapErr("writeXattrIdTable", KindIO, err)
		}
		locations = append(locations, uint64(blockOffset))
		if err := mw.append(raw[off:end]); err != nil {
			return 0, err
		}
		if err := mw.flush(); err != nil {
			return 0, err
		}
	}

	tableStart, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, wrapErr("writeXattrIdTable", KindIO, err)
	}

	hdr := xattrIdHeader{KVStart: kvStart, IdCount: uint32(len(descriptors)), Unused: 0}
	var hdrBuf bytes.Buffer
	if err := binaryWriteLE(&hdrBuf, &hdr); err != nil {
		return 0, wrapErr("writeXattrIdTable", KindIO, err)
	}
	if _, err := w.Write(hdrBuf.Bytes()); err != nil {
		return 0, wrapErr("writeXattrIdTable", KindIO, err)
	}

	locBuf := make([]byte, 8*len(locations))
	for i, loc := range locations {
		putLE64(locBuf[i*8:], loc)
	}
	if _, err := w.Write(locBuf); err != nil {
		return 0, wrapErr("writeXattrIdTable", KindIO, err)
	}

	return uint64(tableStart), nil
}
