// Package jsoncodec encodes every liveflow wire payload and persisted queue
// entry. It pins sonic to the standard-library compatible configuration so
// field order and escaping match encoding/json.
package jsoncodec

import "github.com/bytedance/sonic"

var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

func MarshalString(v any) (string, error) {
	return api.MarshalToString(v)
}

func UnmarshalString(s string, v any) error {
	return api.UnmarshalFromString(s, v)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return api.Valid(data)
}
