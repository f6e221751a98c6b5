package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/antoine510/solar-mgr/pkg/utils/fileutil"
)

const (
	keySuffix  = ".json"
	lockSuffix = ".lock"
	tmpSuffix  = ".tmp"
)

// FsClient keeps one JSON document per key under a directory.
type FsClient struct {
	storePath string
}

var _ Storage = (*FsClient)(nil)

// NewFsClient creates storePath and one directory per resource if missing.
func NewFsClient(storePath string, resources ...string) (*FsClient, error) {
	for _, r := range append([]string{""}, resources...) {
		p := filepath.Join(storePath, r)
		_, err := os.Stat(p)
		if os.IsNotExist(err) {
			absPath, _ := filepath.Abs(p)
			klog.V(2).InfoS("Created", "path", absPath)
			if err = os.MkdirAll(p, 0711); err != nil {
				return nil, pkgerrors.Wrapf(err, "create store %s", p)
			}
		} else if err != nil {
			return nil, pkgerrors.Wrapf(err, "stat store %s", p)
		}
	}
	return &FsClient{storePath: storePath}, nil
}

func (fc *FsClient) path(key string) string {
	return filepath.Join(fc.storePath, filepath.FromSlash(key)+keySuffix)
}

func (fc *FsClient) lockPath(key string) string {
	return fc.path(key) + lockSuffix
}

// Get decodes the document at key into out. A missing key fails with an error
// satisfying os.IsNotExist.
func (fc *FsClient) Get(key string, out interface{}) error {
	data, err := os.ReadFile(fc.path(key))
	if err != nil {
		if !os.IsNotExist(err) {
			klog.V(2).InfoS("Failed to read", "key", key, "err", err)
		}
		return err
	}
	if err = json.Unmarshal(data, out); err != nil {
		klog.V(2).InfoS("Failed to unmarshal", "key", key, "err", err)
		return pkgerrors.Wrapf(err, "decode %s", key)
	}
	return nil
}

// Put replaces the document at key. The new document is written next to the
// old one and renamed over it, so readers see either version in full. Put fails
// with ErrWriteConflict while another writer holds the key.
func (fc *FsClient) Put(key string, obj interface{}) error {
	p := fc.path(key)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0711); err != nil {
		return err
	}
	lf, err := os.OpenFile(fc.lockPath(key), os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		if isEphemeralError(err) {
			klog.V(2).InfoS("Failed to open lock file", "err", err)
			return ErrWriteConflict
		}
		return err
	}
	defer lf.Close()

	lock, err := fileutil.NewLock(lf)
	if err != nil {
		klog.V(2).InfoS("Failed to lock", "key", key, "err", err)
		return ErrWriteConflict
	}
	defer lock.Release()

	tmp, err := os.CreateTemp(dir, filepath.Base(p)+".*"+tmpSuffix)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err = json.NewEncoder(tmp).Encode(obj); err != nil {
		tmp.Close()
		klog.V(2).InfoS("Failed to marshal", "key", key, "err", err)
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		klog.V(2).InfoS("Failed to sync", "key", key, "err", err)
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0640); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), p); err != nil {
		klog.V(2).InfoS("Failed to replace", "key", key, "err", err)
		if isEphemeralError(err) {
			return ErrWriteConflict
		}
		return err
	}
	return nil
}

// Delete removes key, retrying while the file is held elsewhere. A missing key
// is not an error.
func (fc *FsClient) Delete(key string) error {
	var err error
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		err = os.Remove(fc.path(key))
		if !isEphemeralError(err) {
			cancel()
		}
	}, 10*time.Millisecond)
	if err != nil && !os.IsNotExist(err) {
		klog.V(2).InfoS("Failed to remove", "key", key, "err", err)
		return err
	}
	return nil
}

func (fc *FsClient) List(resource string) ([]*FileInfo, error) {
	var files []*FileInfo
	root := filepath.Join(fc.storePath, resource)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != keySuffix {
			return nil
		}
		rel, err := filepath.Rel(fc.storePath, path)
		if err != nil {
			return err
		}
		files = append(files, &FileInfo{
			Key:     filepath.ToSlash(rel[:len(rel)-len(keySuffix)]),
			Path:    path,
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		klog.V(2).InfoS("Failed to list", "resource", resource, "err", err)
		return nil, err
	}
	return files, nil
}
