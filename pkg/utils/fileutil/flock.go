package fileutil

// Releaser releases an advisory lock taken with NewLock.
type Releaser interface {
	Release() error
}
