//go:build !darwin && !windows

package ble

// gattWriter is the part of a tinygo characteristic used for writes.
type gattWriter interface {
	WriteWithoutResponse(p []byte) (int, error)
}

// BlueZ and the HCI stacks in tinygo have no acknowledged write, so writes
// with response go out as commands.
func writeWithResponse(c gattWriter, data []byte) (int, error) {
	return c.WriteWithoutResponse(data)
}
