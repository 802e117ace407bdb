//go:build windows

package service

import (
	"strconv"
	"syscall"
)

func signalName(sig syscall.Signal) string {
	return strconv.Itoa(int(sig))
}
