package consumer

import (
	"encoding/binary"
	"fmt"
)

// Deserializer decodes a raw key or value.
type Deserializer[T any] interface {
	Deserialize(topic string, data []byte) (T, error)
}

// DeserializerFunc adapts a function to the Deserializer interface.
type DeserializerFunc[T any] func(topic string, data []byte) (T, error)

func (f DeserializerFunc[T]) Deserialize(topic string, data []byte) (T, error) {
	return f(topic, data)
}

// BytesDeserializer passes the raw bytes through.
func BytesDeserializer() Deserializer[[]byte] {
	return DeserializerFunc[[]byte](func(_ string, data []byte) ([]byte, error) {
		return data, nil
	})
}

// StringDeserializer decodes the bytes as a string.
func StringDeserializer() Deserializer[string] {
	return DeserializerFunc[string](func(_ string, data []byte) (string, error) {
		return string(data), nil
	})
}

// Int64Deserializer decodes a big-endian int64.
func Int64Deserializer() Deserializer[int64] {
	return DeserializerFunc[int64](func(_ string, data []byte) (int64, error) {
		if len(data) != 8 {
			return 0, fmt.Errorf("expected 8 bytes, got %d", len(data))
		}
		return int64(binary.BigEndian.Uint64(data)), nil
	})
}
