package owire

import "fmt"

// Primitive map value type tags. A primitive map is a length-prefixed count
// of entries, each a name (string) and a tagged value; unknown tags on read
// are a fatal codec error (spec §4.1).
const (
	tagBool byte = iota + 1
	tagByte
	tagChar
	tagShort
	tagInt
	tagLong
	tagFloat
	tagDouble
	tagString
	tagByteArray
	tagMap
	tagList
	tagBigString
	tagNull
)

// PrimitiveMap is the in-memory form of an OpenWire primitive map: an
// ordered set of name/value pairs where each value is one of the types
// enumerated above (including nested maps and lists). It underlies typed
// message payloads (MapMessage) and many command fields (spec §4.1).
type PrimitiveMap struct {
	keys   []string
	values []interface{}
}

func NewPrimitiveMap() *PrimitiveMap { return &PrimitiveMap{} }

func (m *PrimitiveMap) Set(key string, value interface{}) {
	for i, k := range m.keys {
		if k == key {
			m.values[i] = value
			return
		}
	}
	m.keys = append(m.keys, key)
	m.values = append(m.values, value)
}

func (m *PrimitiveMap) Get(key string) (interface{}, bool) {
	for i, k := range m.keys {
		if k == key {
			return m.values[i], true
		}
	}
	return nil, false
}

func (m *PrimitiveMap) Delete(key string) {
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			m.values = append(m.values[:i], m.values[i+1:]...)
			return
		}
	}
}

func (m *PrimitiveMap) Keys() []string { return m.keys }
func (m *PrimitiveMap) Len() int       { return len(m.keys) }

// MarshalMap appends the tight encoding of m to w (count, then per-entry
// name + tagged value).
func MarshalMap(w *Writer, m *PrimitiveMap) error {
	if m == nil {
		w.Int32(-1)
		return nil
	}
	w.Int32(int32(len(m.keys)))
	for i, k := range m.keys {
		w.ShortString(k, true)
		if err := marshalValue(w, m.values[i]); err != nil {
			return fmt.Errorf("owire: key %q: %w", k, err)
		}
	}
	return nil
}

func marshalValue(w *Writer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		w.Uint8(tagNull)
	case bool:
		w.Uint8(tagBool)
		w.Bool(val)
	case int8:
		w.Uint8(tagByte)
		w.Int8(val)
	case uint16: // char
		w.Uint8(tagChar)
		w.Int16(int16(val))
	case int16:
		w.Uint8(tagShort)
		w.Int16(val)
	case int32:
		w.Uint8(tagInt)
		w.Int32(val)
	case int64:
		w.Uint8(tagLong)
		w.Int64(val)
	case float32:
		w.Uint8(tagFloat)
		w.Float32(val)
	case float64:
		w.Uint8(tagDouble)
		w.Float64(val)
	case string:
		enc := EncodeModifiedUTF8(val)
		if len(enc) > 0xFFFF {
			w.Uint8(tagBigString)
			w.LongString(val, true)
		} else {
			w.Uint8(tagString)
			w.ShortString(val, true)
		}
	case []byte:
		w.Uint8(tagByteArray)
		w.Bytes(val)
	case *PrimitiveMap:
		w.Uint8(tagMap)
		return MarshalMap(w, val)
	case []interface{}:
		w.Uint8(tagList)
		return marshalList(w, val)
	default:
		return fmt.Errorf("owire: unsupported primitive map value type %T", v)
	}
	return nil
}

func marshalList(w *Writer, list []interface{}) error {
	w.Int32(int32(len(list)))
	for _, v := range list {
		if err := marshalValue(w, v); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalMap reads a primitive map written by MarshalMap. An unknown
// value tag is a fatal codec error, per spec §4.1.
func UnmarshalMap(r *Reader) (*PrimitiveMap, error) {
	n := r.Int32()
	if r.Complete() != nil {
		return nil, r.Complete()
	}
	if n < 0 {
		return nil, nil
	}
	m := NewPrimitiveMap()
	for i := int32(0); i < n; i++ {
		key, _ := r.ShortString()
		val, err := unmarshalValue(r)
		if err != nil {
			return nil, fmt.Errorf("owire: key %q: %w", key, err)
		}
		m.Set(key, val)
	}
	return m, r.Complete()
}

func unmarshalValue(r *Reader) (interface{}, error) {
	tag := r.Uint8()
	if r.Complete() != nil {
		return nil, r.Complete()
	}
	switch tag {
	case tagNull:
		return nil, nil
	case tagBool:
		return r.Bool(), nil
	case tagByte:
		return r.Int8(), nil
	case tagChar:
		return uint16(r.Int16()), nil
	case tagShort:
		return r.Int16(), nil
	case tagInt:
		return r.Int32(), nil
	case tagLong:
		return r.Int64(), nil
	case tagFloat:
		return r.Float32(), nil
	case tagDouble:
		return r.Float64(), nil
	case tagString:
		s, _ := r.ShortString()
		return s, nil
	case tagBigString:
		s, _ := r.LongString()
		return s, nil
	case tagByteArray:
		return r.Bytes(), nil
	case tagMap:
		return UnmarshalMap(r)
	case tagList:
		n := r.Int32()
		if r.Complete() != nil {
			return nil, r.Complete()
		}
		list := make([]interface{}, 0, n)
		for i := int32(0); i < n; i++ {
			v, err := unmarshalValue(r)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	default:
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownValueTag, tag)
	}
}

// ErrUnknownValueTag is returned when a primitive map entry carries a tag
// byte this codec does not recognize. At a negotiated wire version this is
// fatal for the whole connection (spec §4.1).
var ErrUnknownValueTag = fmt.Errorf("owire: unknown primitive map value tag")
