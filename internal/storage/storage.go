// Package storage abstracts object storage for shipped segments. The local
// backend serves tests and single-node deployments; the S3 backend serves
// shared deployments, MinIO and LocalStack included.
package storage

import (
	"context"

	xerrors "github.com/lodgedb/lodgedb/internal/errors"
)

// ErrObjectNotFound is returned by Get when no object exists at the path.
var ErrObjectNotFound = xerrors.New(xerrors.KindNotFound, xerrors.CodeStorageFailure, "object not found")

// ObjectStorage stores segment blobs by path.
type ObjectStorage interface {
	// Put writes an object, replacing any existing one at the path.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get reads an object in full.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object is present.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns every object path under the prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
