package patch

import (
	"encoding/binary"
	"fmt"
)

// FieldWidth is the size in bytes of every patched field.
const FieldWidth = 2

// Axis selects which dynamic value a field receives.
type Axis int

const (
	AxisX Axis = iota // width
	AxisY             // height
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	}
	return fmt.Sprintf("axis(%d)", int(a))
}

// Values holds the externally supplied dynamic values, keyed by axis. An
// absent key means no value was supplied.
type Values map[Axis]uint16

// Resolution returns Values for a width and height.
func Resolution(width, height uint16) Values {
	return Values{AxisX: width, AxisY: height}
}

// ValueSource says where a field's value comes from. The zero value is
// Dynamic.
type ValueSource struct {
	fixed bool
	value uint16
}

// Dynamic takes the field's value from the Values passed to Apply.
var Dynamic = ValueSource{}

// Fixed always writes v regardless of the supplied Values.
func Fixed(v uint16) ValueSource {
	return ValueSource{fixed: true, value: v}
}

// IsFixed reports whether the source is a constant, and returns it.
func (s ValueSource) IsFixed() (uint16, bool) {
	return s.value, s.fixed
}

func (s ValueSource) String() string {
	if s.fixed {
		return fmt.Sprintf("fixed(%d)", s.value)
	}
	return "dynamic"
}

// Field is a FieldWidth-byte little-endian value at Offset bytes from a
// signature match. The field may extend past the signature itself.
type Field struct {
	Axis   Axis
	Offset int64
	Source ValueSource
}

// PreImage is the state of a field before and after it was written.
type PreImage struct {
	Position int64
	Original []byte
	Patched  []byte
}

// resolve returns the value to write.
func (f Field) resolve(values Values) (uint16, error) {
	if v, ok := f.Source.IsFixed(); ok {
		return v, nil
	}
	v, ok := values[f.Axis]
	if !ok {
		return 0, fmt.Errorf("no %s value supplied for dynamic field at offset %d", f.Axis, f.Offset)
	}
	return v, nil
}

// Check validates that the field at match fits a buffer of length size and
// that a value is available for it. Nothing is written.
func (f Field) Check(size int, match int, values Values) error {
	// compared by subtraction so a huge offset cannot wrap around
	limit := int64(size) - FieldWidth - int64(match)
	if f.Offset < 0 || f.Offset > limit {
		return &Error{
			Kind: ErrOutOfBounds,
			Err:  fmt.Errorf("%s field at match %#x + %d past end of %d byte file", f.Axis, match, f.Offset, size),
		}
	}
	if _, err := f.resolve(values); err != nil {
		return &Error{Kind: ErrMissingValue, Err: err}
	}
	return nil
}

// Apply writes the field into buf at match+Offset and returns its pre-image.
// On error buf is left untouched.
func (f Field) Apply(buf []byte, match int, values Values) (PreImage, error) {
	if err := f.Check(len(buf), match, values); err != nil {
		return PreImage{}, err
	}
	v, _ := f.resolve(values)
	pos := int64(match) + f.Offset

	img := PreImage{
		Position: pos,
		Original: make([]byte, FieldWidth),
		Patched:  make([]byte, FieldWidth),
	}
	copy(img.Original, buf[pos:pos+FieldWidth])
	binary.LittleEndian.PutUint16(img.Patched, v)
	copy(buf[pos:pos+FieldWidth], img.Patched)
	return img, nil
}
