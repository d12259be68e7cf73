// Package listener lets objectd serve on a socket passed in by its parent
// process or supervisor instead of binding its own.
package listener

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

const (
	inheritEnv = "OBJECTS_INHERIT_FD"
	fdEnv      = "OBJECTS_FD"
)

// FromEnv returns the inherited listener, or nil when none was passed.
func FromEnv() (net.Listener, error) {
	if os.Getenv(inheritEnv) != "1" {
		return nil, nil
	}
	fdStr := os.Getenv(fdEnv)
	if fdStr == "" {
		fdStr = "3"
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listener fd: %w", err)
	}
	file := os.NewFile(uintptr(fd), "listener")
	if file == nil {
		return nil, fmt.Errorf("failed to create listener file")
	}
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}

// Listen prefers an inherited listener and otherwise binds addr.
func Listen(addr string) (net.Listener, error) {
	ln, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if ln != nil {
		return ln, nil
	}
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}
