package util

import (
	"github.com/vmihailenco/msgpack"

	"stratadb/disk"
)

// ToByteSlice marshals obj with msgpack and pads/truncates the result to
// disk.PageSize, the fixed unit every page (de)serialization round-trips
// through.
func ToByteSlice[T any](obj T) ([]byte, error) {
	res := make([]byte, disk.PageSize)

	data, err := msgpack.Marshal(obj)
	if err != nil {
		return nil, err
	}
	copy(res, data)

	return res, nil
}

// ToStruct unmarshals a disk.PageSize buffer produced by ToByteSlice back
// into T.
func ToStruct[T any](data []byte) (T, error) {
	var res T

	if err := msgpack.Unmarshal(data, &res); err != nil {
		return res, err
	}

	return res, nil
}
