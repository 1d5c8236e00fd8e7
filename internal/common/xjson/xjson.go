// Package xjson is the single import site for JSON encoding of stored records and command output.
package xjson

import (
	json "github.com/goccy/go-json"
)

func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func MarshalIndent(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
