package checkpoint

import (
	"context"
	"errors"
)

// ErrObjectNotExist is returned by Backend.Read for a missing key.
var ErrObjectNotExist = errors.New("checkpoint: object does not exist")

// Backend is a key/value namespace with an atomic-replace capability.
//
// Keys are slash separated. A temp object produced by WriteTemp is durable
// when WriteTemp returns and is invisible under its final key until Replace
// succeeds; readers of the final key observe either the previous object or
// the complete new one.
type Backend interface {
	// WriteTemp stores data next to key and syncs it. It returns the temp key.
	WriteTemp(ctx context.Context, key string, data []byte) (string, error)

	// Replace atomically makes the temp object visible under key.
	Replace(ctx context.Context, tmpKey, key string) error

	// DiscardTemp removes a temp object that will never be replaced.
	DiscardTemp(ctx context.Context, tmpKey string) error

	// Read returns the object under key or ErrObjectNotExist.
	Read(ctx context.Context, key string) ([]byte, error)

	// List returns every key under prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
