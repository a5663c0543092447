// Package usbtransport wraps github.com/google/gousb into the framed,
// retrying 64-byte request/response transport the bootloader protocol
// client needs. It generalizes guiperry-HASHER's
// internal/driver/device/usb_device.go (OpenUSBDevice/Close/SendPacket/
// ReadPacket) from a fixed Bitmain ASIC VID/PID/endpoint pair to the
// bootloader's 0x04D8:0xE89B pair on interface (0,0), and adds the retry
// decorator spec.md §4.B requires on top of it.
package usbtransport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/alfa-sw/sw-programmazione-schede/internal/fwconfig"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwerrors"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwlog"
)

// MaxFrameSize is the largest request or response frame the bootloader
// protocol ever uses.
const MaxFrameSize = 64

// Endpoint addresses on interface (0,0), following the teacher's
// USBVendorID/EndpointOut/EndpointIn constant grouping
// (internal/driver/device/controller.go) generalized to the bootloader's
// single IN/OUT pair.
const (
	EndpointOut = 0x01
	EndpointIn  = 0x81
)

// Transport is the single-in-flight USB bulk/interrupt transport to the
// bootloader. It is not safe for concurrent use -- spec.md §5 requires
// exactly one in-flight USB request against a device handle at any
// instant.
type Transport struct {
	cfg fwconfig.Config
	log fwlog.Logger

	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
}

// Open locates the bootloader by VID/PID, best-effort detaches any kernel
// driver holding it, sets its configuration and claims interface (0,0),
// then opens its IN/OUT endpoints.
func Open(cfg fwconfig.Config, log fwlog.Logger) (*Transport, error) {
	ctx := gousb.NewContext()

	device, err := ctx.OpenDeviceWithVIDPID(gousb.ID(cfg.USBVendorID), gousb.ID(cfg.USBProductID))
	if err != nil {
		ctx.Close()
		return nil, fwerrors.Wrap(fwerrors.KindUsbNotFound, err, "failed to open USB device")
	}
	if device == nil {
		ctx.Close()
		return nil, fwerrors.New(fwerrors.KindUsbNotFound,
			fmt.Sprintf("USB device not found (VID:0x%04x PID:0x%04x)", cfg.USBVendorID, cfg.USBProductID))
	}

	if err := device.SetAutoDetach(true); err != nil {
		log.Warnf("failed to detach kernel driver: %v", err)
	}

	gcfg, err := device.Config(1)
	if err != nil {
		device.Close()
		ctx.Close()
		return nil, fwerrors.Wrap(fwerrors.KindUsbNotFound, err, "failed to set USB configuration")
	}

	intf, err := gcfg.Interface(0, 0)
	if err != nil {
		gcfg.Close()
		device.Close()
		ctx.Close()
		return nil, fwerrors.Wrap(fwerrors.KindUsbNotFound, err, "failed to claim USB interface (0,0)")
	}

	epOut, err := intf.OutEndpoint(EndpointOut)
	if err != nil {
		intf.Close()
		gcfg.Close()
		device.Close()
		ctx.Close()
		return nil, fwerrors.Wrap(fwerrors.KindUsbNotFound, err, "failed to open OUT endpoint")
	}

	epIn, err := intf.InEndpoint(EndpointIn)
	if err != nil {
		intf.Close()
		gcfg.Close()
		device.Close()
		ctx.Close()
		return nil, fwerrors.Wrap(fwerrors.KindUsbNotFound, err, "failed to open IN endpoint")
	}

	return &Transport{
		cfg:    cfg,
		log:    log,
		ctx:    ctx,
		device: device,
		config: gcfg,
		intf:   intf,
		epOut:  epOut,
		epIn:   epIn,
	}, nil
}

// OpenPolling retries Open every 100ms until it succeeds or window
// elapses, following original_source's fw_loader.py polling_mode
// constructor loop. It returns the last error on timeout.
func OpenPolling(ctx context.Context, cfg fwconfig.Config, log fwlog.Logger, window time.Duration) (*Transport, error) {
	deadline := time.Now().Add(window)
	var lastErr error
	attempt := 0
	for time.Now().Before(deadline) {
		t, err := Open(cfg, log)
		if err == nil {
			return t, nil
		}
		lastErr = err
		attempt++
		log.Debugf("polling USB, failed for the %d-th time", attempt)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil, fwerrors.Wrap(fwerrors.KindUsbNotFound, lastErr, "USB device did not appear within %s", window)
}

// Close releases every OS-held resource and invalidates t. t must not be
// used afterwards.
func (t *Transport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.config != nil {
		t.config.Close()
	}
	if t.device != nil {
		t.device.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}

// Write sends data to the OUT endpoint. A short write is fatal, per
// spec.md §4.B.
func (t *Transport) Write(data []byte) error {
	if fwlog.DebugEnabled() {
		t.log.Debugf("writing data: % 02X", data)
	}
	n, err := t.epOut.Write(data)
	if err != nil {
		return fwerrors.Wrap(fwerrors.KindUsbIO, err, "USB write failed")
	}
	if n != len(data) {
		return fwerrors.New(fwerrors.KindUsbIO,
			fmt.Sprintf("short write: wrote %d of %d bytes", n, len(data)))
	}
	return nil
}

// Read reads up to length bytes from the IN endpoint and returns the bytes
// received, bounded by ctx's deadline or, when ctx has none, by
// cfg.CmdTimeout. Callers must only call Read when the preceding command is
// documented to produce a response (see the command table in spec.md
// §4.C) -- the device produces nothing otherwise and the call would hang
// until that deadline.
func (t *Transport) Read(ctx context.Context, length int) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok && t.cfg.CmdTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.CmdTimeout)
		defer cancel()
	}
	buf := make([]byte, length)
	n, err := t.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, fwerrors.Wrap(fwerrors.KindUsbIO, err, "USB read failed")
	}
	if fwlog.DebugEnabled() {
		t.log.Debugf("read data: % 02X", buf[:n])
	}
	return buf[:n], nil
}

// Retryable runs fn up to cfg.CmdRetries+1 times (non-retriable commands
// should instead call fn directly). Each failure is logged at warning
// level with its attempt index; the last error propagates once attempts
// are exhausted. This generalizes original_source's "repetible" decorator
// (usb.py) into a higher-order function over any Command, per spec.md
// §9's design note.
func (t *Transport) Retryable(name string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= t.cfg.CmdRetries+1; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		t.log.Warnf("%s attempt #%d failed: %v", name, attempt, lastErr)
	}
	t.log.Warnf("%s failed after %d attempts", name, t.cfg.CmdRetries+1)
	return lastErr
}

// Config returns the configuration the transport was opened with.
func (t *Transport) Config() fwconfig.Config { return t.cfg }
