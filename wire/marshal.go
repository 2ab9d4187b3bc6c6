package wire

// Reflection-based struct (de)serialization for wire envelopes, in the
// style used throughout this codebase for tagged binary layouts:
//
//    int{16,32,64}, uint{8,16,32,64}    -- sized integers (little-endian
//                                          unless tagged `order:"big"`)
//    []uint8                            -- variable-length byte array; a
//                                          `size:"*"` tag consumes the rest
//                                          of the buffer, a `size:"Field"`
//                                          tag reads the count from a
//                                          previously-unmarshalled sibling
//                                          field
//    string                             -- NUL-terminated
//    struct{}, []struct{}               -- nested / repeated sub-records,
//                                          the slice length driven by a
//                                          `size:"Field"` tag the same way
//                                          as byte slices
//
// Unexported fields are skipped. This mirrors the layout rules used for
// on-the-wire structs elsewhere in this codebase, scoped down to the
// handful of kinds the envelope schema actually needs.

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotAStruct  = errors.New("wire: marshal target is not a struct")
	ErrMissingSize = errors.New("wire: missing size tag on variable-length field")
)

// Marshal serializes obj (a struct or pointer to struct) into bytes.
func Marshal(obj interface{}) ([]byte, error) {
	a := reflect.ValueOf(obj)
	switch a.Kind() {
	case reflect.Ptr:
		if e := a.Elem(); e.IsValid() {
			return marshalStruct(e)
		}
		return nil, errors.New("wire: marshal target is nil")
	case reflect.Struct:
		return marshalStruct(a)
	}
	return nil, ErrNotAStruct
}

func marshalStruct(x reflect.Value) ([]byte, error) {
	buf := new(bytes.Buffer)
	for i := 0; i < x.NumField(); i++ {
		f := x.Field(i)
		if !f.CanSet() {
			continue
		}
		order := x.Type().Field(i).Tag.Get("order")
		switch v := f.Interface().(type) {
		case string:
			buf.WriteString(v)
			buf.WriteByte(0)
		case uint8, uint16, int16, uint32, int32, uint64, int64:
			if order == "big" {
				if err := binary.Write(buf, binary.BigEndian, v); err != nil {
					return nil, err
				}
			} else if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
				return nil, err
			}
		case []uint8:
			buf.Write(v)
		default:
			switch f.Kind() {
			case reflect.Struct:
				sub, err := marshalStruct(f)
				if err != nil {
					return nil, err
				}
				buf.Write(sub)
			case reflect.Slice:
				for i := 0; i < f.Len(); i++ {
					sub, err := marshalStruct(f.Index(i))
					if err != nil {
						return nil, err
					}
					buf.Write(sub)
				}
			default:
				return nil, fmt.Errorf("wire: unsupported field type %v", f.Type())
			}
		}
	}
	return buf.Bytes(), nil
}

// Unmarshal populates obj (a pointer to struct) from data.
func Unmarshal(obj interface{}, data []byte) error {
	a := reflect.ValueOf(obj)
	if a.Kind() != reflect.Ptr || a.Elem().Kind() != reflect.Struct {
		return ErrNotAStruct
	}
	buf := bytes.NewBuffer(data)
	return unmarshalStruct(a.Elem(), buf)
}

func unmarshalStruct(x reflect.Value, buf *bytes.Buffer) error {
	for i := 0; i < x.NumField(); i++ {
		f := x.Field(i)
		if !f.CanSet() {
			continue
		}
		ft := x.Type().Field(i)
		order := ft.Tag.Get("order")
		readInt := func(a interface{}) error {
			if order == "big" {
				return binary.Read(buf, binary.BigEndian, a)
			}
			return binary.Read(buf, binary.LittleEndian, a)
		}
		switch f.Interface().(type) {
		case string:
			s := make([]byte, 0, 16)
			b := make([]byte, 1)
			for {
				if _, err := buf.Read(b); err != nil {
					return err
				}
				if b[0] == 0 {
					break
				}
				s = append(s, b[0])
			}
			f.SetString(string(s))
		case uint8:
			var a uint8
			if err := binary.Read(buf, binary.LittleEndian, &a); err != nil {
				return err
			}
			f.SetUint(uint64(a))
		case uint16:
			var a uint16
			if err := readInt(&a); err != nil {
				return err
			}
			f.SetUint(uint64(a))
		case int16:
			var a int16
			if err := readInt(&a); err != nil {
				return err
			}
			f.SetInt(int64(a))
		case uint32:
			var a uint32
			if err := readInt(&a); err != nil {
				return err
			}
			f.SetUint(uint64(a))
		case int32:
			var a int32
			if err := readInt(&a); err != nil {
				return err
			}
			f.SetInt(int64(a))
		case uint64:
			var a uint64
			if err := readInt(&a); err != nil {
				return err
			}
			f.SetUint(a)
		case int64:
			var a int64
			if err := readInt(&a); err != nil {
				return err
			}
			f.SetInt(a)
		case []uint8:
			size, err := sliceSize(x, ft, buf.Len())
			if err != nil {
				return err
			}
			b := make([]byte, size)
			if n, _ := buf.Read(b); n != size {
				return fmt.Errorf("wire: short read: want %d got %d", size, n)
			}
			f.SetBytes(b)
		default:
			switch f.Kind() {
			case reflect.Struct:
				if err := unmarshalStruct(f, buf); err != nil {
					return err
				}
			case reflect.Slice:
				count, err := sliceCount(x, ft)
				if err != nil {
					return err
				}
				et := f.Type().Elem()
				f.Set(reflect.MakeSlice(f.Type(), 0, count))
				for i := 0; i < count; i++ {
					e := reflect.New(et).Elem()
					if err := unmarshalStruct(e, buf); err != nil {
						return err
					}
					f.Set(reflect.Append(f, e))
				}
			default:
				return fmt.Errorf("wire: unsupported field type %v", f.Kind())
			}
		}
	}
	return nil
}

// sliceSize resolves the byte count for a `[]byte` field from its "size" tag.
func sliceSize(x reflect.Value, ft reflect.StructField, remaining int) (int, error) {
	tag := ft.Tag.Get("size")
	if tag == "" {
		return 0, ErrMissingSize
	}
	if tag == "*" {
		return remaining, nil
	}
	return intFieldValue(x, tag)
}

// sliceCount resolves the element count for a struct slice from its "size" tag.
func sliceCount(x reflect.Value, ft reflect.StructField) (int, error) {
	tag := ft.Tag.Get("size")
	if tag == "" {
		return 0, ErrMissingSize
	}
	return intFieldValue(x, tag)
}

func intFieldValue(x reflect.Value, name string) (int, error) {
	fv := x.FieldByName(name)
	if !fv.IsValid() {
		return 0, fmt.Errorf("wire: unknown size field %q", name)
	}
	switch fv.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int(fv.Uint()), nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(fv.Int()), nil
	}
	return 0, fmt.Errorf("wire: size field %q is not an integer", name)
}
