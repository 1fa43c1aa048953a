// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package ctlplane

import (
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"grimm.is/flowguard/internal/errors"
)

// mappedRegion is a file in the shared memory directory mapped MAP_SHARED
// so a separate process mapping the same file sees the same bytes.
type mappedRegion struct {
	path string
	buf  []byte
	once sync.Once
}

// MapRegion creates (or truncates) dir/name to size bytes and maps it.
// The file is removed on Close.
func MapRegion(dir, name string, size int) (Region, error) {
	if size <= 0 {
		return nil, errors.Errorf(errors.KindValidation, "region size %d", size)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "create region %s", path)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(err, errors.KindUnavailable, "size region %s", path)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(err, errors.KindUnavailable, "map region %s", path)
	}
	return &mappedRegion{path: path, buf: buf}, nil
}

func (r *mappedRegion) Name() string  { return r.path }
func (r *mappedRegion) Bytes() []byte { return r.buf }

func (r *mappedRegion) Close() error {
	var err error
	r.once.Do(func() {
		if uerr := unix.Munmap(r.buf); uerr != nil {
			err = errors.Wrapf(uerr, errors.KindInternal, "unmap region %s", r.path)
		}
		r.buf = nil
		os.Remove(r.path)
	})
	return err
}
