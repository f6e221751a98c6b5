package storage

import (
	"errors"
	"time"
)

// resources
const (
	Gateway      = "gateway"
	Calibrations = "calibrations"
)

var ErrWriteConflict = errors.New("write conflict")

type Getter interface {
	Get(key string, out interface{}) error
}

type Lister interface {
	List(resource string) ([]*FileInfo, error)
}

type Putter interface {
	Put(key string, obj interface{}) error
}

type Deleter interface {
	Delete(key string) error
}

type Storage interface {
	Getter
	Lister
	Putter
	Deleter
}

type FileInfo struct {
	Key     string
	Path    string
	ModTime time.Time
}
