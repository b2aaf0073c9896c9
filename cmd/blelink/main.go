// Command blelink drives a BLE GATT link to a single peer: it scans for
// devices, sends and receives framed messages, and bridges the link to
// WebSocket clients.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(newApp()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
