//go:build windows

package auth

func kernelMajor() int {
	return 0
}
