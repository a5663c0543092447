// Package boardconn wires usbtransport, bootproto and fwloader (and, when
// USB enumeration fails in serial mode, serialstage) into a single
// pkgdriver.Connector, following original_source's AlfaFirmwareLoader
// connect() dispatch over {simple, polling, serial}.
package boardconn

import (
	"context"
	"time"

	"github.com/alfa-sw/sw-programmazione-schede/internal/bootproto"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwconfig"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwerrors"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwloader"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwlog"
	"github.com/alfa-sw/sw-programmazione-schede/internal/pkgdriver"
	"github.com/alfa-sw/sw-programmazione-schede/internal/serialstage"
	"github.com/alfa-sw/sw-programmazione-schede/internal/usbtransport"
)

// Connector implements pkgdriver.Connector against real USB hardware, with
// an RS-485/RS-232 fallback when USB enumeration fails and the caller asked
// for serial mode.
type Connector struct {
	cfg fwconfig.Config
	log fwlog.Logger

	transports map[*pkgdriver.BoardSession]*usbtransport.Transport
}

// New builds a Connector using cfg for every opened transport/stage.
func New(cfg fwconfig.Config, log fwlog.Logger) *Connector {
	return &Connector{
		cfg:        cfg,
		log:        log,
		transports: map[*pkgdriver.BoardSession]*usbtransport.Transport{},
	}
}

// Connect opens a USB transport to the bootloader, per params.PollingMode
// either once or retried across a 10s window; if that fails and
// params.UseSerialProto is set, it first runs the serial pre-stage to jump
// the running application into the bootloader, then retries USB
// enumeration once. On success it issues the two-QUERY connect sequence
// (device 0, then the real device id) via fwloader.Loader.Connect.
func (c *Connector) Connect(ctx context.Context, params pkgdriver.ConnectParams) (*pkgdriver.BoardSession, error) {
	t, wasAppRunning, inv, hasInventory, err := c.openTransport(ctx, params)
	if err != nil {
		return nil, err
	}

	client := bootproto.NewClient(t, c.log.WithDevice(params.DeviceID))
	loader := fwloader.New(client, c.log.WithDevice(params.DeviceID), params.DeviceID)

	// Query with alt device id 0 first so a stale session can't trigger
	// the device's auto-jump-to-application behavior, then query the real
	// device id to populate the loader's cached descriptor.
	if _, err := client.Query(ctx, 0); err != nil {
		t.Close()
		return nil, fwerrors.Wrap(fwerrors.KindFatal, err, "initial alt-device-id query failed")
	}
	if _, err := loader.Connect(ctx); err != nil {
		t.Close()
		return nil, err
	}

	s := &pkgdriver.BoardSession{
		Loader:        loader,
		WasAppRunning: wasAppRunning,
		Inventory:     inv,
		HasInventory:  hasInventory,
	}
	c.transports[s] = t
	return s, nil
}

// Disconnect closes the USB transport backing s.
func (c *Connector) Disconnect(s *pkgdriver.BoardSession) error {
	t, ok := c.transports[s]
	if !ok {
		return nil
	}
	delete(c.transports, s)
	s.Loader.Disconnect()
	return t.Close()
}

// openTransport implements the simple/polling/serial dispatch. wasAppRunning
// is true only when the serial pre-stage ran and completed successfully --
// it is the signal that the application was up and reachable before the
// bootloader took over, per original_source's board_init semantics.
func (c *Connector) openTransport(ctx context.Context, params pkgdriver.ConnectParams) (*usbtransport.Transport, bool, serialstage.Inventory, bool, error) {
	if params.PollingMode {
		t, err := usbtransport.OpenPolling(ctx, c.cfg, c.log, 10*time.Second)
		return t, false, serialstage.Inventory{}, false, err
	}

	t, err := usbtransport.Open(c.cfg, c.log)
	if err == nil {
		return t, false, serialstage.Inventory{}, false, nil
	}
	if !params.UseSerialProto {
		return nil, false, serialstage.Inventory{}, false, err
	}

	c.log.Warnf("USB enumeration failed, falling back to serial pre-stage: %v", err)

	mode := serialstage.ModeMultidrop
	if params.IsSerialProtoDuplex {
		mode = serialstage.ModeDuplex
	}
	stage := serialstage.New(serialstage.Options{
		Mode:                    mode,
		SerialPort:              params.SerialPort,
		Baud:                    c.cfg.SerialBaud,
		PowerOnTimeoutDuplex:    c.cfg.PowerOnTimeoutDuplex,
		PowerOnTimeoutMultidrop: c.cfg.PowerOnTimeoutMultidrop,
	}, c.log)

	inv, stageErr := stage.Run(ctx)
	if stageErr != nil {
		return nil, false, serialstage.Inventory{}, false, fwerrors.Wrap(fwerrors.KindFatal, stageErr, "serial pre-stage failed")
	}

	t, err = usbtransport.Open(c.cfg, c.log)
	if err != nil {
		return nil, true, inv, true, fwerrors.Wrap(fwerrors.KindUsbNotFound, err, "USB did not re-enumerate after serial pre-stage")
	}
	return t, true, inv, true, nil
}
