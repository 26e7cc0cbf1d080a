// Package bx provides little-endian byte-order get/put helpers shared by
// every on-disk binary format in the engine (pages, WAL records, catalog
// metadata).
package bx

import "encoding/binary"

func U16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func U32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func U64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func PutU16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func PutU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func PutU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// I32/PutI32 read/write a signed 32-bit value (used for page ids, which are
// signed with a negative sentinel for INVALID_PAGE_ID).
func I32(b []byte) int32      { return int32(U32(b)) }
func PutI32(b []byte, v int32) { PutU32(b, uint32(v)) }
