// Package tensor describes the named, typed, shaped blocks of data that flow
// into and out of a model execution.
package tensor

import "strings"

// DataType is the element kind of a tensor. The numeric values match the
// engine's datatype enumeration so a DataType can cross the native boundary
// unchanged.
type DataType uint32

const (
	Invalid DataType = iota
	Bool
	Uint8
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	FP16
	FP32
	FP64
	Bytes
	BF16
)

var dataTypeNames = [...]string{
	Invalid: "INVALID",
	Bool:    "BOOL",
	Uint8:   "UINT8",
	Uint16:  "UINT16",
	Uint32:  "UINT32",
	Uint64:  "UINT64",
	Int8:    "INT8",
	Int16:   "INT16",
	Int32:   "INT32",
	Int64:   "INT64",
	FP16:    "FP16",
	FP32:    "FP32",
	FP64:    "FP64",
	Bytes:   "BYTES",
	BF16:    "BF16",
}

var byteSizes = [...]uint32{
	Bool:   1,
	Uint8:  1,
	Uint16: 2,
	Uint32: 4,
	Uint64: 8,
	Int8:   1,
	Int16:  2,
	Int32:  4,
	Int64:  8,
	FP16:   2,
	FP32:   4,
	FP64:   8,
	BF16:   2,
}

// FromCode maps an engine datatype code to a DataType. Unknown codes map to
// Invalid.
func FromCode(code uint32) DataType {
	if code >= uint32(len(dataTypeNames)) {
		return Invalid
	}
	return DataType(code)
}

// Code returns the engine datatype code.
func (t DataType) Code() uint32 {
	if !t.Valid() {
		return uint32(Invalid)
	}
	return uint32(t)
}

// Valid reports whether t is a known, non-INVALID kind.
func (t DataType) Valid() bool {
	return t > Invalid && t <= BF16
}

// ByteSize returns the width of one element. The second result is false for
// BYTES, whose elements are variable length, and for INVALID.
func (t DataType) ByteSize() (uint32, bool) {
	if !t.Valid() || t == Bytes {
		return 0, false
	}
	return byteSizes[t], true
}

// FixedWidth reports whether every element of t has the same size.
func (t DataType) FixedWidth() bool {
	_, ok := t.ByteSize()
	return ok
}

func (t DataType) String() string {
	if uint32(t) >= uint32(len(dataTypeNames)) {
		return dataTypeNames[Invalid]
	}
	return dataTypeNames[t]
}

// ParseDataType accepts the engine's datatype names ("FP32", "BYTES", ...),
// with or without the "TYPE_" prefix used in model configs. Unknown names
// yield Invalid.
func ParseDataType(s string) DataType {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "TYPE_")
	if s == "STRING" {
		return Bytes
	}
	for i, name := range dataTypeNames {
		if name == s {
			return DataType(i)
		}
	}
	return Invalid
}
