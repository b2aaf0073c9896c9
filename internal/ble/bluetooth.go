package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// maxAttributeSize is the largest value an ATT attribute can hold.
const maxAttributeSize = 512

var errNotConnected = errors.New("ble: not connected")

// BluetoothTransport implements Transport with tinygo-org/bluetooth.
// On macOS, BLE device addresses are CoreBluetooth UUIDs (not MAC addresses);
// Address.String() yields whichever form the platform uses.
//
// tinygo has no bonding API for centrals, so the bond state it reports stays
// NotBonded.
type BluetoothTransport struct {
	adapter *bluetooth.Adapter
	log     *zap.Logger

	enableOnce sync.Once
	enableErr  error

	mu      sync.Mutex
	handler EventHandler
	device  *bluetooth.Device
	address string
	closing bool // CloseLink in progress; the adapter's disconnect callback is ours
	chars   map[Target]*bluetooth.DeviceCharacteristic
}

// NewBluetoothTransport creates a transport on the default adapter.
func NewBluetoothTransport(logger *zap.Logger) *BluetoothTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BluetoothTransport{
		adapter: bluetooth.DefaultAdapter,
		log:     logger,
		chars:   make(map[Target]*bluetooth.DeviceCharacteristic),
	}
}

// Enable powers up the adapter. It is called implicitly by OpenLink and Scan.
func (t *BluetoothTransport) Enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("ble: enable adapter: %w", err)
			return
		}
		// tinygo/bluetooth fires this callback (with connected=false) when a
		// peripheral disconnects.
		t.adapter.SetConnectHandler(t.onConnectEvent)
	})
	return t.enableErr
}

func (t *BluetoothTransport) onConnectEvent(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	addr := device.Address.String()

	t.mu.Lock()
	if addr != t.address {
		t.mu.Unlock()
		return
	}
	if t.closing {
		t.closing = false
		t.mu.Unlock()
		return
	}
	h := t.handler
	t.device = nil
	clear(t.chars)
	t.mu.Unlock()

	t.log.Debug("ble: peripheral disconnected", zap.String("address", addr))
	if h != nil {
		h.OnLinkClosed(ReasonLinkLoss)
	}
}

// Bind implements Transport.
func (t *BluetoothTransport) Bind(h EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// await runs a blocking tinygo call and returns early when ctx ends. The
// call itself cannot be interrupted; its result is then discarded.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	case r := <-ch:
		return r.v, r.err
	}
}

// OpenLink implements Transport. tinygo connects directly, so autoConnect
// only affects logging.
func (t *BluetoothTransport) OpenLink(ctx context.Context, address string, autoConnect bool) error {
	if err := t.Enable(); err != nil {
		return err
	}
	var addr bluetooth.Address
	addr.Set(address)

	t.mu.Lock()
	t.address = address
	t.closing = false
	t.mu.Unlock()

	t.log.Debug("ble: opening link", zap.String("address", address), zap.Bool("auto_connect", autoConnect))
	device, err := await(ctx, func() (bluetooth.Device, error) {
		d, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err == nil && ctx.Err() != nil {
			// Nobody is waiting for this link any more.
			_ = d.Disconnect()
		}
		return d, err
	})
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", address, err)
	}

	t.mu.Lock()
	t.device = &device
	clear(t.chars)
	h := t.handler
	t.mu.Unlock()

	if h != nil {
		h.OnLinkOpened()
	}
	return nil
}

// CloseLink implements Transport.
func (t *BluetoothTransport) CloseLink(ctx context.Context) error {
	t.mu.Lock()
	device := t.device
	t.device = nil
	clear(t.chars)
	if device != nil {
		t.closing = true
	}
	t.mu.Unlock()

	if device == nil {
		return nil
	}
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, device.Disconnect()
	})
	if err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}

// characteristic discovers target on the connected device, caching the result.
// It returns a nil characteristic when the peer does not expose target.
func (t *BluetoothTransport) characteristic(ctx context.Context, target Target) (*bluetooth.DeviceCharacteristic, error) {
	t.mu.Lock()
	device := t.device
	char, ok := t.chars[target]
	t.mu.Unlock()
	if device == nil {
		return nil, errNotConnected
	}
	if ok {
		return char, nil
	}

	svcUUID, err := bluetooth.ParseUUID(target.Service)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	charUUID, err := bluetooth.ParseUUID(target.Characteristic)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	svcs, err := await(ctx, func() ([]bluetooth.DeviceService, error) {
		return device.DiscoverServices([]bluetooth.UUID{svcUUID})
	})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, nil
	}
	chars, err := await(ctx, func() ([]bluetooth.DeviceCharacteristic, error) {
		return svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, nil
	}

	char = &chars[0]
	t.mu.Lock()
	t.chars[target] = char
	t.mu.Unlock()
	return char, nil
}

func (t *BluetoothTransport) mustCharacteristic(ctx context.Context, target Target) (*bluetooth.DeviceCharacteristic, error) {
	char, err := t.characteristic(ctx, target)
	if err != nil {
		return nil, err
	}
	if char == nil {
		return nil, fmt.Errorf("ble: characteristic %s not found: %w", target, ErrNotSupported)
	}
	return char, nil
}

// HasTarget implements Transport.
func (t *BluetoothTransport) HasTarget(ctx context.Context, target Target) (bool, error) {
	char, err := t.characteristic(ctx, target)
	if err != nil {
		return false, err
	}
	return char != nil, nil
}

// RequestMTU implements Transport. The platform stacks negotiate the MTU on
// their own; this reports the result, capped at size.
func (t *BluetoothTransport) RequestMTU(_ context.Context, size int) (int, error) {
	t.mu.Lock()
	var char *bluetooth.DeviceCharacteristic
	for _, c := range t.chars {
		if c != nil {
			char = c
			break
		}
	}
	connected := t.device != nil
	t.mu.Unlock()

	if !connected {
		return 0, errNotConnected
	}
	if char == nil {
		return DefaultATTMTU, nil
	}
	mtu, err := char.GetMTU()
	if err != nil {
		return 0, fmt.Errorf("ble: get mtu: %w", err)
	}
	return min(int(mtu), size), nil
}

// Write implements Transport.
func (t *BluetoothTransport) Write(ctx context.Context, target Target, data []byte, mode WriteMode) error {
	char, err := t.mustCharacteristic(ctx, target)
	if err != nil {
		return err
	}
	_, err = await(ctx, func() (int, error) {
		if mode == WriteWithoutResponse {
			return char.WriteWithoutResponse(data)
		}
		return writeWithResponse(char, data)
	})
	return err
}

// Read implements Transport.
func (t *BluetoothTransport) Read(ctx context.Context, target Target) ([]byte, error) {
	char, err := t.mustCharacteristic(ctx, target)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, maxAttributeSize)
	n, err := await(ctx, func() (int, error) { return char.Read(buf) })
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// SetNotificationSink implements Transport. tinygo picks notifications or
// indications from the characteristic's properties.
func (t *BluetoothTransport) SetNotificationSink(ctx context.Context, target Target, mode NotifyMode, sink func([]byte)) error {
	char, err := t.mustCharacteristic(ctx, target)
	if err != nil {
		return err
	}
	t.log.Debug("ble: enabling notifications", zap.Stringer("target", target), zap.Stringer("mode", mode))
	_, err = await(ctx, func() (struct{}, error) {
		return struct{}{}, char.EnableNotifications(func(buf []byte) {
			sink(buf)
		})
	})
	return err
}

// Scan discovers peripherals advertising serviceUUID until ctx ends. An
// empty serviceUUID reports every peripheral.
func (t *BluetoothTransport) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	if err := t.Enable(); err != nil {
		return nil, err
	}
	var (
		filter    bluetooth.UUID
		useFilter = serviceUUID != ""
	)
	if useFilter {
		uuid, err := bluetooth.ParseUUID(serviceUUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter = uuid
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = t.adapter.StopScan()
		case <-done:
		}
	}()

	err := t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if useFilter && !result.HasServiceUUID(filter) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

// Compile-time check that BluetoothTransport implements Transport.
var _ Transport = (*BluetoothTransport)(nil)
