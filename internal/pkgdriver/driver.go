package pkgdriver

import (
	"context"
	"strconv"
	"time"

	"github.com/alfa-sw/sw-programmazione-schede/internal/fwerrors"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwloader"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwlog"
	"github.com/alfa-sw/sw-programmazione-schede/internal/hexcodec"
	"github.com/alfa-sw/sw-programmazione-schede/internal/serialstage"
)

// ConnectParams mirrors original_source's AlfaFirmwareLoader constructor
// kwargs: which device to address and which connect strategy to use.
type ConnectParams struct {
	DeviceID            byte
	UseSerialProto      bool
	PollingMode         bool
	SerialPort          string
	IsSerialProtoDuplex bool
}

// BoardSession is a live connection to one device, plus whatever the
// connect sequence learned along the way.
type BoardSession struct {
	Loader        *fwloader.Loader
	WasAppRunning bool
	Inventory     serialstage.Inventory
	HasInventory  bool
}

// Connector opens and closes BoardSessions. Production code backs this
// with USB transport + bootproto.Client + serialstage.Stage; tests
// substitute an in-memory fake.
type Connector interface {
	Connect(ctx context.Context, params ConnectParams) (*BoardSession, error)
	Disconnect(s *BoardSession) error
}

// ProgressStatus mirrors AlfaPackageLoader's nested status dict, split
// into a typed struct of process/subprocess step counters.
type ProgressStatus struct {
	ProcessOp        string
	ProcessStep      int
	ProcessTotal     int
	Subprocess       string
	SubprocessOp     string
	SubprocessStep   int
	SubprocessTotal  int
}

// Callbacks bundles the two distinct notifications
// AlfaPackageLoader.process_callback(status=..., problem=...) used to
// multiplex onto one Python callable.
type Callbacks struct {
	// OnStatus is invoked on every step transition. Returning true
	// requests cancellation; the next checkpoint then fails with
	// fwerrors.KindUserInterrupt.
	OnStatus func(ProgressStatus) bool
	// OnProblem reports a non-fatal issue (a failed slave, a retry) that
	// does not stop the overall process.
	OnProblem func(problem string)
}

// Driver runs the 5-step update pipeline against a Connector.
type Driver struct {
	conn Connector
	log  fwlog.Logger
}

// New builds a Driver.
func New(conn Connector, log fwlog.Logger) *Driver {
	return &Driver{conn: conn, log: log}
}

type processState struct {
	sts ProgressStatus
	cb  Callbacks
}

func (p *processState) updateMain(op string, step, total int) error {
	p.sts = ProgressStatus{ProcessOp: op, ProcessStep: step, ProcessTotal: total}
	return p.emit()
}

func (p *processState) updateSub(caller, op string, step, total int) error {
	p.sts.Subprocess = caller
	p.sts.SubprocessOp = op
	p.sts.SubprocessStep = step
	p.sts.SubprocessTotal = total
	return p.emit()
}

func (p *processState) emit() error {
	if p.cb.OnStatus == nil {
		return nil
	}
	if p.cb.OnStatus(p.sts) {
		return fwerrors.New(fwerrors.KindUserInterrupt, "update cancelled by caller")
	}
	return nil
}

func (p *processState) reportProblem(problem string) {
	if p.cb.OnProblem != nil {
		p.cb.OnProblem(problem)
	}
}

// Process runs: load package, board_init, program master, (re-init if
// needed), program each configured slave, jump to application.
func (d *Driver) Process(ctx context.Context, packageData []byte, serialPort string, cb Callbacks) error {
	ps := &processState{cb: cb}

	if err := ps.updateMain("loading package", 1, 5); err != nil {
		return err
	}
	pkg, err := LoadPackage(packageData)
	if err != nil {
		return err
	}

	if err := ps.updateMain("initialize", 2, 5); err != nil {
		return err
	}

	baseParams := ConnectParams{
		DeviceID:            broadcastDeviceID,
		UseSerialProto:      true,
		PollingMode:         false,
		SerialPort:          serialPort,
		IsSerialProtoDuplex: true,
	}

	inventory, fwVersions, bootVersions, initErr := d.boardInit(ctx, ps, baseParams)
	initializeOK := initErr == nil

	master, err := pkg.masterEntry()
	if err != nil {
		return err
	}

	if err := ps.updateMain("programming master", 3, 5); err != nil {
		return err
	}
	masterErr := d.programBoard(ctx, baseParams, pkg.ProgramsHex[master.Filename])
	if masterErr != nil {
		ps.reportProblem("failed to program master 1st attempt")
		if !initializeOK {
			return fwerrors.Wrap(fwerrors.KindFatal, masterErr, "failed to program master and init")
		}
	}

	if !initializeOK {
		inventory, fwVersions, bootVersions, err = d.boardInit(ctx, ps, baseParams)
		if err != nil {
			return fwerrors.Wrap(fwerrors.KindFatal, err, "failed to initialize")
		}
	}
	_ = fwVersions

	bootMasterProto, _ := bootVersions["boot_master_protocol"].(int)
	if bootMasterProto < 1 {
		return fwerrors.New(fwerrors.KindFatal, "upgrade not supported by master")
	}

	programSteps := map[int]ProgramEntry{}
	for _, program := range pkg.Manifest.Programs {
		for _, addr := range program.Addresses {
			if addr != broadcastDeviceID && containsInt(inventory.SlavesConfiguration, addr) {
				programSteps[addr] = program
			}
		}
	}

	if err := ps.updateMain("programming slaves", 4, 5); err != nil {
		return err
	}
	i, total := 0, len(programSteps)
	for addr, program := range programSteps {
		i++
		if err := ps.updateSub("slaves", "programming slave", i, total); err != nil {
			return err
		}
		slaveParams := baseParams
		slaveParams.DeviceID = byte(addr)
		if err := d.programBoard(ctx, slaveParams, pkg.ProgramsHex[program.Filename]); err != nil {
			ps.reportProblem("failed to program slave with address " + strconv.Itoa(addr))
		}
	}

	if err := ps.updateMain("jumping to application", 5, 5); err != nil {
		return err
	}
	jumpParams := baseParams
	jumpParams.DeviceID = broadcastDeviceID
	session, err := d.conn.Connect(ctx, jumpParams)
	if err != nil {
		return fwerrors.Wrap(fwerrors.KindFatal, err, "failed to jump to application")
	}
	defer d.conn.Disconnect(session)
	if err := session.Loader.Jump(); err != nil {
		return fwerrors.Wrap(fwerrors.KindFatal, err, "failed to jump to application")
	}
	return nil
}

// boardInit connects at the broadcast id, checks the descriptor that
// connect sequence gathered is usable, and jumps-then-retries once if
// not, mirroring original_source's check_invalid_ver/board_init.
func (d *Driver) boardInit(ctx context.Context, ps *processState, params ConnectParams) (serialstage.Inventory, map[string]any, map[string]any, error) {
	if err := ps.updateSub("init", "retrieve data version and jump to boot", 1, 3); err != nil {
		return serialstage.Inventory{}, nil, nil, err
	}

	session, err := d.conn.Connect(ctx, params)
	if err != nil {
		return serialstage.Inventory{}, nil, nil, err
	}

	if invalidVersionData(session) {
		d.log.Warnf("app was not running or problem retrieving version data -> jump to app and retry")
		if err := ps.updateSub("init", "jump to app", 2, 3); err != nil {
			d.conn.Disconnect(session)
			return serialstage.Inventory{}, nil, nil, err
		}
		if err := session.Loader.Jump(); err != nil {
			d.conn.Disconnect(session)
			return serialstage.Inventory{}, nil, nil, fwerrors.Wrap(fwerrors.KindFatal, err, "jump to application failed")
		}
		d.conn.Disconnect(session)

		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return serialstage.Inventory{}, nil, nil, ctx.Err()
		}

		if err := ps.updateSub("init", "jump to boot again", 3, 3); err != nil {
			return serialstage.Inventory{}, nil, nil, err
		}
		session, err = d.conn.Connect(ctx, params)
		if err != nil {
			return serialstage.Inventory{}, nil, nil, err
		}
		if invalidVersionData(session) {
			d.conn.Disconnect(session)
			return serialstage.Inventory{}, nil, nil, fwerrors.New(fwerrors.KindFatal,
				"app was not running or problem in retrieving version data")
		}
	}

	defer d.conn.Disconnect(session)
	return session.Inventory, session.Inventory.FWVersions, session.Inventory.BootVersions, nil
}

func invalidVersionData(s *BoardSession) bool {
	return !s.WasAppRunning || !s.HasInventory
}

// programBoard runs the connect -> erase -> program -> verify -> seal ->
// disconnect cycle for one device, always disconnecting on the way out.
func (d *Driver) programBoard(ctx context.Context, params ConnectParams, image hexcodec.SparseImage) error {
	session, err := d.conn.Connect(ctx, params)
	if err != nil {
		return err
	}
	defer d.conn.Disconnect(session)

	dense := hexcodec.Densify(image, 0)

	if err := session.Loader.Erase(ctx); err != nil {
		return fwerrors.Wrap(fwerrors.KindFatal, err, "erase failed")
	}
	if err := session.Loader.ProgramImage(ctx, dense); err != nil {
		return fwerrors.Wrap(fwerrors.KindFatal, err, "program failed")
	}
	if err := session.Loader.VerifyImage(ctx, dense, false); err != nil {
		return fwerrors.Wrap(fwerrors.KindFatal, err, "verify failed")
	}
	if err := session.Loader.Seal(ctx); err != nil {
		return fwerrors.Wrap(fwerrors.KindFatal, err, "seal failed")
	}
	return nil
}

func containsInt(xs []byte, v int) bool {
	for _, x := range xs {
		if int(x) == v {
			return true
		}
	}
	return false
}
