//go:build windows

package discovery

import (
	"net"
	"unsafe"

	"golang.org/x/sys/windows"
)

// enableBroadcast sets SO_BROADCAST on conn's underlying socket handle so
// writes to 255.255.255.255 are not rejected by the stack.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		enable := int32(1)
		sockErr = windows.Setsockopt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST,
			(*byte)(unsafe.Pointer(&enable)), int32(unsafe.Sizeof(enable)))
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
