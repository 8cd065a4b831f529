package tensor

import (
	"fmt"
	"math"
)

// Descriptor describes one named tensor: its element type, its shape and the
// bytes backing it. Fixed-width data is little-endian, row-major.
type Descriptor struct {
	Name  string
	Type  DataType
	Shape []int64
	Data  []byte
}

// ElementCount returns the product of the shape. A rank-0 shape holds one
// element.
func ElementCount(shape []int64) (int64, error) {
	n := int64(1)
	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("dimension %d has negative size %d", i, d)
		}
		if d != 0 && n > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows int64", shape)
		}
		n *= d
	}
	return n, nil
}

// ExpectedByteSize returns product(shape) × element width. It fails for
// variable-width types.
func ExpectedByteSize(t DataType, shape []int64) (int64, error) {
	width, ok := t.ByteSize()
	if !ok {
		return 0, fmt.Errorf("%s has no fixed element width", t)
	}
	n, err := ElementCount(shape)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64/int64(width) {
		return 0, fmt.Errorf("shape %v of %s overflows int64 bytes", shape, t)
	}
	return n * int64(width), nil
}

// Validate checks that the buffer agrees with the declared type and shape.
func (d Descriptor) Validate() error {
	if !d.Type.Valid() {
		return fmt.Errorf("tensor %q: invalid datatype", d.Name)
	}
	n, err := ElementCount(d.Shape)
	if err != nil {
		return fmt.Errorf("tensor %q: %w", d.Name, err)
	}

	if d.Type == Bytes {
		got, err := countBytesElements(d.Data)
		if err != nil {
			return fmt.Errorf("tensor %q: %w", d.Name, err)
		}
		if got != n {
			return fmt.Errorf("tensor %q: shape %v needs %d elements, payload holds %d", d.Name, d.Shape, n, got)
		}
		return nil
	}

	want, err := ExpectedByteSize(d.Type, d.Shape)
	if err != nil {
		return fmt.Errorf("tensor %q: %w", d.Name, err)
	}
	if int64(len(d.Data)) != want {
		return fmt.Errorf("tensor %q: shape %v of %s needs %d bytes, got %d", d.Name, d.Shape, d.Type, want, len(d.Data))
	}
	return nil
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	out := Descriptor{Name: d.Name, Type: d.Type}
	if d.Shape != nil {
		out.Shape = append([]int64(nil), d.Shape...)
	}
	if d.Data != nil {
		out.Data = append([]byte(nil), d.Data...)
	}
	return out
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s %s%v (%d bytes)", d.Name, d.Type, d.Shape, len(d.Data))
}
