//go:build windows

package lock

import (
	"os"
	"syscall"
	"unsafe"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procUnlockFileEx = modkernel32.NewProc("UnlockFileEx")
)

const (
	lockfileFailImmediately = 0x1
	lockfileExclusiveLock   = 0x2
	errLockViolation        = syscall.Errno(33)
)

func tryLock(f *os.File) (bool, error) {
	var ol syscall.Overlapped
	r1, _, err := procLockFileEx.Call(f.Fd(),
		uintptr(lockfileExclusiveLock|lockfileFailImmediately), 0, 1, 0,
		uintptr(unsafe.Pointer(&ol)))
	if r1 == 0 {
		if errno, ok := err.(syscall.Errno); ok && errno == errLockViolation {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func unlock(f *os.File) error {
	var ol syscall.Overlapped
	r1, _, err := procUnlockFileEx.Call(f.Fd(), 0, 1, 0, uintptr(unsafe.Pointer(&ol)))
	if r1 == 0 {
		return err
	}
	return nil
}
