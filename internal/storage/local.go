package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "github.com/lodgedb/lodgedb/internal/errors"
)

// LocalStorage implements ObjectStorage on the local filesystem, rooted at
// a base directory.
type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeStorageFailure, "create storage directory", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

func (l *LocalStorage) fullPath(objectPath string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(objectPath))
}

func (l *LocalStorage) Put(ctx context.Context, objectPath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest := l.fullPath(objectPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeStorageFailure, "create object directory", err)
	}
	// Write-then-rename keeps readers from ever seeing a partial object.
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeStorageFailure, "write object", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeStorageFailure, "publish object", err)
	}
	return nil
}

func (l *LocalStorage) Get(ctx context.Context, objectPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.fullPath(objectPath))
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeStorageFailure, "read object", err)
	}
	return data, nil
}

func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(l.fullPath(objectPath))
	if err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.KindInternal, xerrors.CodeStorageFailure, "delete object", err)
	}
	return nil
}

func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(l.fullPath(objectPath))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeStorageFailure, "stat object", err)
	}
	return true, nil
}

func (l *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := filepath.Walk(l.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || strings.HasSuffix(path, ".tmp") {
			return err
		}
		rel, rerr := filepath.Rel(l.basePath, path)
		if rerr != nil {
			return rerr
		}
		obj := filepath.ToSlash(rel)
		if strings.HasPrefix(obj, prefix) {
			out = append(out, obj)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, xerrors.CodeStorageFailure, "list objects", err)
	}
	sort.Strings(out)
	return out, nil
}
