package tensor

import (
	"fmt"
	"unsafe"
)

// Element is a Go type that can be laid over a fixed-width tensor buffer.
// uint16 also covers FP16 and BF16, which have no native Go type.
type Element interface {
	bool | uint8 | uint16 | uint32 | uint64 | int8 | int16 | int32 | int64 | float32 | float64
}

// TypeOf returns the DataType a slice of T is stored as.
func TypeOf[T Element]() DataType {
	var zero T
	switch any(zero).(type) {
	case bool:
		return Bool
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case float32:
		return FP32
	case float64:
		return FP64
	}
	return Invalid
}

func compatible[T Element](t DataType) bool {
	want := TypeOf[T]()
	if want == t {
		return true
	}
	return want == Uint16 && (t == FP16 || t == BF16)
}

// View reinterprets d.Data as a []T without copying. The result aliases
// d.Data. Only the element type is asserted; shape agreement is checked where
// descriptors are built or decoded.
func View[T Element](d Descriptor) ([]T, error) {
	if !compatible[T](d.Type) {
		return nil, fmt.Errorf("tensor %q is %s, cannot view as %s", d.Name, d.Type, TypeOf[T]())
	}
	if len(d.Data) == 0 {
		return []T{}, nil
	}

	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(d.Data)%size != 0 {
		return nil, fmt.Errorf("tensor %q: %d bytes is not a multiple of %d", d.Name, len(d.Data), size)
	}
	base := unsafe.Pointer(unsafe.SliceData(d.Data))
	if uintptr(base)%unsafe.Alignof(zero) != 0 {
		return nil, fmt.Errorf("tensor %q: buffer is not %d-byte aligned", d.Name, unsafe.Alignof(zero))
	}
	return unsafe.Slice((*T)(base), len(d.Data)/size), nil
}

// NDView is a row-major N-dimensional view over a tensor buffer.
type NDView[T Element] struct {
	Data    []T
	Shape   []int64
	strides []int64
}

// ViewND is View plus a rank assertion.
func ViewND[T Element](d Descriptor, rank int) (NDView[T], error) {
	if len(d.Shape) != rank {
		return NDView[T]{}, fmt.Errorf("tensor %q has rank %d, want %d", d.Name, len(d.Shape), rank)
	}
	data, err := View[T](d)
	if err != nil {
		return NDView[T]{}, err
	}

	strides := make([]int64, rank)
	stride := int64(1)
	for i := rank - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= d.Shape[i]
	}
	return NDView[T]{Data: data, Shape: d.Shape, strides: strides}, nil
}

// At returns the element at idx. It panics when idx is out of range, like a
// slice index.
func (v NDView[T]) At(idx ...int64) T {
	if len(idx) != len(v.Shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(v.Shape)))
	}
	var off int64
	for i, x := range idx {
		if x < 0 || x >= v.Shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range [0,%d) in dimension %d", x, v.Shape[i], i))
		}
		off += x * v.strides[i]
	}
	return v.Data[off]
}

// FromSlice copies values into a new descriptor of the matching DataType.
func FromSlice[T Element](name string, shape []int64, values []T) (Descriptor, error) {
	d := Descriptor{Name: name, Type: TypeOf[T](), Shape: append([]int64(nil), shape...)}
	if len(values) > 0 {
		var zero T
		raw := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))), len(values)*int(unsafe.Sizeof(zero)))
		d.Data = append([]byte(nil), raw...)
	} else {
		d.Data = []byte{}
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// FromStrings builds a BYTES descriptor.
func FromStrings(name string, shape []int64, values ...string) (Descriptor, error) {
	d := Descriptor{Name: name, Type: Bytes, Shape: append([]int64(nil), shape...), Data: EncodeStrings(values...)}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
