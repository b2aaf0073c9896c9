//go:build darwin || windows

package ble

// gattWriter is the part of a tinygo characteristic used for writes.
type gattWriter interface {
	Write(p []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
}

func writeWithResponse(c gattWriter, data []byte) (int, error) {
	return c.Write(data)
}
