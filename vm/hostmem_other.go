//go:build !unix

package vm

import "errors"

func newMmapMemory() (HostMemory, error) {
	return nil, errors.New("mmap host memory is not supported on this platform")
}
