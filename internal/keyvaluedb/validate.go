package keyvaluedb

import (
	"errors"
	"reflect"
)

var (
	ErrEmptyKey   = errors.New("key must not be empty")
	ErrNilValue   = errors.New("value must not be nil pointer")
	ErrTxFinished = errors.New("transaction already committed or rolled back")
)

// ValidateKey checks the key of a read, write or delete.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return nil
}

// ValidateEntry checks both the key and the value, the value is
// either encoded or decoded into so nil pointers are rejected.
func ValidateEntry(key []byte, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if value == nil {
		return ErrNilValue
	}
	if rv := reflect.ValueOf(value); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return ErrNilValue
	}
	return nil
}
