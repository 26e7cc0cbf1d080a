package recovery

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/tuannm99/novasql/internal/bx"
	"github.com/tuannm99/novasql/internal/logging"
	"github.com/tuannm99/novasql/internal/metrics"
)

var (
	ErrBadMagic      = errors.New("recovery: bad magic")
	ErrBadCRC        = errors.New("recovery: bad crc")
	ErrBadRecord     = errors.New("recovery: bad record")
	ErrShortRead     = errors.New("recovery: short read")
	ErrNoActiveChain = errors.New("recovery: no active log chain for transaction")
	ErrActiveChain   = errors.New("recovery: transaction already has an active log chain")
)

const (
	magicU32   uint32 = 0x4E53524C // "NSRL" - novasql recovery log
	versionU16 uint16 = 1

	fixedHeaderLen = 4 + 2 + 1 + 1 + 4 + 4 // magic,ver,type,reserved,totalLen,crc
	fixedBodyLen   = 8 + 8 + 8 + 2 + 4 + 2 + 4
)

// Log is the append-only, per-transaction-linked write-ahead log. It is the
// single producer of LSNs and the sole authority on which transaction has
// an open chain, mirroring the original recovery manager's prev_lsn map.
type Log struct {
	mu sync.Mutex

	f    *os.File
	path string

	nextLSN int64
	prevLSN map[int64]int64 // txnID -> last LSN appended, chain "open" iff present

	records map[int64]*Record // LSN -> record, kept for redo/undo replay

	log *logging.Logger
	met *metrics.Metrics
}

// Open creates or appends to the log file at path.
func Open(path string, log *logging.Logger, met *metrics.Metrics) (*Log, error) {
	if log == nil {
		log = logging.Get()
	}
	if met == nil {
		met = metrics.Noop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recovery: open log: %w", err)
	}
	l := &Log{
		f:       f,
		path:    path,
		prevLSN: make(map[int64]int64),
		records: make(map[int64]*Record),
		log:     log.WithComponent("recovery"),
		met:     met,
	}
	if err := l.loadFromDisk(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.f.Close()
	l.f = nil
	return err
}

// Records returns every record currently known to the log, keyed by LSN.
// Used by Recovery to drive redo/undo.
func (l *Log) Records() map[int64]*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int64]*Record, len(l.records))
	for lsn, r := range l.records {
		cp := *r
		out[lsn] = &cp
	}
	return out
}

func (l *Log) NextLSN() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextLSN
}

func (l *Log) Begin(txnID int64) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, active := l.prevLSN[txnID]; active {
		return nil, ErrActiveChain
	}
	rec := &Record{Type: RecBegin, TxnID: txnID, PrevLSN: invalidLSN}
	return l.appendLocked(rec)
}

func (l *Log) Insert(txnID int64, key string, val int32) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, err := l.requireChainLocked(txnID)
	if err != nil {
		return nil, err
	}
	rec := &Record{Type: RecInsert, TxnID: txnID, PrevLSN: prev, NewKey: key, NewVal: val}
	return l.appendLocked(rec)
}

func (l *Log) Delete(txnID int64, key string, val int32) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, err := l.requireChainLocked(txnID)
	if err != nil {
		return nil, err
	}
	rec := &Record{Type: RecDelete, TxnID: txnID, PrevLSN: prev, OldKey: key, OldVal: val}
	return l.appendLocked(rec)
}

func (l *Log) Update(txnID int64, oldKey string, oldVal int32, newKey string, newVal int32) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, err := l.requireChainLocked(txnID)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		Type: RecUpdate, TxnID: txnID, PrevLSN: prev,
		OldKey: oldKey, OldVal: oldVal, NewKey: newKey, NewVal: newVal,
	}
	return l.appendLocked(rec)
}

func (l *Log) Commit(txnID int64) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, err := l.requireChainLocked(txnID)
	if err != nil {
		return nil, err
	}
	rec := &Record{Type: RecCommit, TxnID: txnID, PrevLSN: prev}
	r, err := l.appendLocked(rec)
	if err != nil {
		return nil, err
	}
	delete(l.prevLSN, txnID)
	return r, nil
}

func (l *Log) Abort(txnID int64) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, err := l.requireChainLocked(txnID)
	if err != nil {
		return nil, err
	}
	rec := &Record{Type: RecAbort, TxnID: txnID, PrevLSN: prev}
	r, err := l.appendLocked(rec)
	if err != nil {
		return nil, err
	}
	delete(l.prevLSN, txnID)
	return r, nil
}

func (l *Log) requireChainLocked(txnID int64) (int64, error) {
	prev, active := l.prevLSN[txnID]
	if !active {
		return 0, ErrNoActiveChain
	}
	return prev, nil
}

// appendLocked assigns the next LSN, persists the framed record, and
// updates both the in-memory replay index and the per-txn chain pointer.
// Must be called with l.mu held.
func (l *Log) appendLocked(rec *Record) (*Record, error) {
	rec.LSN = l.nextLSN
	l.nextLSN++

	buf := encodeRecord(rec)
	if l.f != nil {
		if _, err := l.f.Write(buf); err != nil {
			return nil, fmt.Errorf("recovery: append log record: %w", err)
		}
	}
	l.met.WALBytesAppended.Add(float64(len(buf)))

	cp := *rec
	l.records[rec.LSN] = &cp
	if rec.Type != RecCommit && rec.Type != RecAbort {
		l.prevLSN[rec.TxnID] = rec.LSN
	}
	l.log.Debug().Int64("lsn", rec.LSN).Int64("txn_id", rec.TxnID).Msg("log record appended")
	return &cp, nil
}

func encodeRecord(r *Record) []byte {
	oldKeyB := []byte(r.OldKey)
	newKeyB := []byte(r.NewKey)
	totalLen := fixedHeaderLen + fixedBodyLen + len(oldKeyB) + len(newKeyB)

	buf := make([]byte, totalLen)
	off := 0
	putU8 := func(v uint8) { buf[off] = v; off++ }
	putU16 := func(v uint16) { bx.PutU16(buf[off:off+2], v); off += 2 }
	putU32 := func(v uint32) { bx.PutU32(buf[off:off+4], v); off += 4 }
	putU64 := func(v uint64) { bx.PutU64(buf[off:off+8], v); off += 8 }
	putI64 := func(v int64) { putU64(uint64(v)) }
	putI32 := func(v int32) { putU32(uint32(v)) }

	putU32(magicU32)
	putU16(versionU16)
	putU8(uint8(r.Type))
	putU8(0)
	putU32(uint32(totalLen))

	crcOff := off
	putU32(0) // crc placeholder

	putI64(r.LSN)
	putI64(r.PrevLSN)
	putI64(r.TxnID)
	putU16(uint16(len(oldKeyB)))
	putI32(r.OldVal)
	putU16(uint16(len(newKeyB)))
	putI32(r.NewVal)
	copy(buf[off:], oldKeyB)
	off += len(oldKeyB)
	copy(buf[off:], newKeyB)
	off += len(newKeyB)

	crc := crc32.ChecksumIEEE(buf[crcOff+4:])
	bx.PutU32(buf[crcOff:crcOff+4], crc)
	return buf
}

func decodeOne(r *bufio.Reader) (*Record, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if bx.U32(hdr[:]) != magicU32 {
		return nil, ErrBadMagic
	}

	var verB [2]byte
	if _, err := io.ReadFull(r, verB[:]); err != nil {
		return nil, err
	}
	if bx.U16(verB[:]) != versionU16 {
		return nil, ErrBadRecord
	}

	typ, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if _, err := r.ReadByte(); err != nil { // reserved
		return nil, err
	}

	var lenB [4]byte
	if _, err := io.ReadFull(r, lenB[:]); err != nil {
		return nil, err
	}
	totalLen := bx.U32(lenB[:])
	if int(totalLen) < fixedHeaderLen+fixedBodyLen {
		return nil, ErrBadRecord
	}

	var crcB [4]byte
	if _, err := io.ReadFull(r, crcB[:]); err != nil {
		return nil, err
	}
	wantCRC := bx.U32(crcB[:])

	rest := make([]byte, int(totalLen)-(fixedHeaderLen))
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrShortRead
		}
		return nil, err
	}
	if crc32.ChecksumIEEE(rest) != wantCRC {
		return nil, ErrBadCRC
	}

	off := 0
	getI64 := func() int64 { v := int64(bx.U64(rest[off : off+8])); off += 8; return v }
	getU16 := func() int { v := int(bx.U16(rest[off : off+2])); off += 2; return v }
	getI32 := func() int32 { v := bx.I32(rest[off : off+4]); off += 4; return v }

	lsn := getI64()
	prevLSN := getI64()
	txnID := getI64()
	oldKeyLen := getU16()
	oldVal := getI32()
	newKeyLen := getU16()
	newVal := getI32()
	if off+oldKeyLen+newKeyLen > len(rest) {
		return nil, ErrBadRecord
	}
	oldKey := string(rest[off : off+oldKeyLen])
	off += oldKeyLen
	newKey := string(rest[off : off+newKeyLen])
	off += newKeyLen

	return &Record{
		Type:    RecType(typ),
		LSN:     lsn,
		PrevLSN: prevLSN,
		TxnID:   txnID,
		OldKey:  oldKey,
		OldVal:  oldVal,
		NewKey:  newKey,
		NewVal:  newVal,
	}, nil
}

// loadFromDisk rebuilds the in-memory replay index and chain table from
// whatever is already on disk, tolerating a torn tail record left by a
// crash mid-append.
func (l *Log) loadFromDisk() error {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 1<<20)
	for {
		rec, err := decodeOne(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrShortRead) {
				return nil
			}
			return fmt.Errorf("recovery: load log: %w", err)
		}
		l.records[rec.LSN] = rec
		if rec.LSN >= l.nextLSN {
			l.nextLSN = rec.LSN + 1
		}
		switch rec.Type {
		case RecCommit, RecAbort:
			delete(l.prevLSN, rec.TxnID)
		default:
			l.prevLSN[rec.TxnID] = rec.LSN
		}
	}
}
