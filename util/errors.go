package util

// StorageError is a small wrapped-error struct used throughout this
// module in place of a dedicated errors framework: a human-readable
// message plus an optional cause, satisfying Unwrap() for errors.Is/As.
type StorageError struct {
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
