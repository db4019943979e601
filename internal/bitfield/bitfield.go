// Package bitfield packs and unpacks struct fields into integers using
// struct tags. It backs the page table entry layout (internal/paging)
// and the buddy allocator's per-page flag byte (internal/physmem);
// termios flag words and AHCI command-header fields are plain integer
// fields and do not use it.
package bitfield

import (
	"fmt"
	"reflect"
)

// Config determines settings for packing and unpacking.
type Config struct {
	// NumBits fixes the maximum allowed bits for the integer representation.
	NumBits uint
}

// Pack packs annotated bit ranges of struct x into an integer. Only
// fields tagged `bitfield:",<nbits>"` participate; fields are packed in
// declaration order starting at bit 0.
func Pack(x interface{}, c *Config) (packed uint64, err error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}

	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("bitfield.Pack: expected struct, got %v", v.Kind())
	}

	t := v.Type()
	var bitOffset uint
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		bits, ok, err := fieldBits(field)
		if err != nil {
			return 0, err
		}
		if !ok || bits == 0 {
			continue
		}

		fieldValue := v.Field(i)
		fieldBits, err := readField(fieldValue, field.Name)
		if err != nil {
			return 0, err
		}

		maxValue := maxForBits(bits)
		if fieldBits > maxValue {
			return 0, fmt.Errorf("bitfield.Pack: value %d exceeds %d bits for field %s", fieldBits, bits, field.Name)
		}

		packed |= fieldBits << bitOffset
		bitOffset += bits
	}

	if c.NumBits > 0 && bitOffset > c.NumBits {
		return 0, fmt.Errorf("bitfield.Pack: total bits %d exceeds NumBits %d", bitOffset, c.NumBits)
	}
	return packed, nil
}

// Unpack is the inverse of Pack: it distributes bits of packed into the
// bitfield-tagged fields of the struct pointed to by x, in the same
// declaration order Pack used to assemble them.
func Unpack(packed uint64, x interface{}) error {
	v := reflect.ValueOf(x)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bitfield.Unpack: expected pointer to struct, got %v", v.Kind())
	}
	v = v.Elem()
	t := v.Type()

	var bitOffset uint
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		bits, ok, err := fieldBits(field)
		if err != nil {
			return err
		}
		if !ok || bits == 0 {
			continue
		}

		mask := maxForBits(bits)
		raw := (packed >> bitOffset) & mask
		if err := writeField(v.Field(i), raw, field.Name); err != nil {
			return err
		}
		bitOffset += bits
	}
	return nil
}

func fieldBits(field reflect.StructField) (bits uint, ok bool, err error) {
	tag := field.Tag.Get("bitfield")
	if tag == "" {
		return 0, false, nil
	}
	var methodName string
	if _, serr := fmt.Sscanf(tag, ",%d", &bits); serr != nil {
		if _, serr := fmt.Sscanf(tag, "%s,%d", &methodName, &bits); serr != nil {
			return 0, false, fmt.Errorf("bitfield: invalid bitfield tag %q on field %s", tag, field.Name)
		}
	}
	return bits, true, nil
}

func readField(fv reflect.Value, name string) (uint64, error) {
	switch fv.Kind() {
	case reflect.Bool:
		if fv.Bool() {
			return 1, nil
		}
		return 0, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fv.Uint(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		val := fv.Int()
		if val < 0 {
			return 0, fmt.Errorf("bitfield: negative value %d for field %s", val, name)
		}
		return uint64(val), nil
	default:
		return 0, fmt.Errorf("bitfield: unsupported field type %v for field %s", fv.Kind(), name)
	}
}

func writeField(fv reflect.Value, raw uint64, name string) error {
	switch fv.Kind() {
	case reflect.Bool:
		fv.SetBool(raw != 0)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		fv.SetUint(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		fv.SetInt(int64(raw))
	default:
		return fmt.Errorf("bitfield: unsupported field type %v for field %s", fv.Kind(), name)
	}
	return nil
}

func maxForBits(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}
