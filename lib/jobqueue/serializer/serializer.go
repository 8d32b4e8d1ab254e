// Package serializer converts job messages to and from the byte slices
// stored in the queue.
package serializer

import "encoding/json"

// Serializer converts a job message to and from bytes for storage in the queue.
type Serializer[T any] interface {
	Serialize(val T) ([]byte, error)
	Deserialize(data []byte) (T, error)
}

// JSON serializes values with encoding/json. It is the default serializer
// for jobqueue messages.
type JSON[T any] struct{}

func (JSON[T]) Serialize(val T) ([]byte, error) {
	return json.Marshal(val)
}

func (JSON[T]) Deserialize(data []byte) (T, error) {
	var out T
	err := json.Unmarshal(data, &out)
	return out, err
}
