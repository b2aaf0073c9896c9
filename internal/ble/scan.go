package ble

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"
)

// Scanner discovers peripherals. BluetoothTransport implements it.
type Scanner interface {
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
}

// ScanForDevices scans for peripherals advertising serviceUUID for timeout
// and returns them strongest signal first.
func ScanForDevices(sc Scanner, serviceUUID string, timeout time.Duration) ([]Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := sc.Scan(ctx, serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	slices.SortStableFunc(devices, func(a, b Device) int {
		return cmp.Compare(b.RSSI, a.RSSI)
	})
	return devices, nil
}

var _ Scanner = (*BluetoothTransport)(nil)
