package pkgdriver

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfa-sw/sw-programmazione-schede/internal/bootproto"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwconfig"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwerrors"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwlog"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwloader"
	"github.com/alfa-sw/sw-programmazione-schede/internal/hexcodec"
	"github.com/alfa-sw/sw-programmazione-schede/internal/serialstage"
)

// Command IDs duplicated from bootproto (unexported there), per spec.md
// §4.C -- only the handful this fake device needs to answer.
const (
	fakeCmdQuery             = 0x02
	fakeCmdErase             = 0x04
	fakeCmdProgram           = 0x05
	fakeCmdProgramComplete   = 0x06
	fakeCmdGetData           = 0x07
	fakeCmdJumpToApplication = 0x09
)

// fakeDevice is one bootloader-speaking device's in-memory state: its
// advertised QUERY window and the bytes programmed into it so far.
type fakeDevice struct {
	mem           []byte
	startWordAddr uint32
	lengthWords   uint32
	eraseErr      bool
	jumped        bool
}

func newFakeDevice(size int) *fakeDevice {
	return &fakeDevice{
		mem:           make([]byte, size),
		startWordAddr: 0,
		lengthWords:   uint32(size) / 2,
	}
}

// fakeDeviceTransport answers bootproto's wire protocol for one fakeDevice,
// modeled on bootproto_test.go's fakeTransport.
type fakeDeviceTransport struct {
	cfg     fwconfig.Config
	dev     *fakeDevice
	lastReq []byte
}

func newFakeDeviceTransport(dev *fakeDevice) *fakeDeviceTransport {
	return &fakeDeviceTransport{cfg: fwconfig.Default(), dev: dev}
}

func (f *fakeDeviceTransport) Write(data []byte) error {
	f.lastReq = append([]byte(nil), data...)
	switch data[0] {
	case fakeCmdErase:
		if f.dev.eraseErr {
			return errors.New("simulated erase failure")
		}
	case fakeCmdProgram:
		wordAddr := binary.LittleEndian.Uint32(data[1:5])
		chunkLen := int(data[5])
		chunk := data[6+58-chunkLen : 64]
		byteAddr := wordAddr * 2
		copy(f.dev.mem[byteAddr:], chunk)
	case fakeCmdJumpToApplication:
		f.dev.jumped = true
	}
	return nil
}

func (f *fakeDeviceTransport) Read(ctx context.Context, length int) ([]byte, error) {
	frame := make([]byte, 64)
	switch f.lastReq[0] {
	case fakeCmdQuery:
		frame[0] = fakeCmdQuery
		frame[1] = 56
		frame[2] = 2
		frame[3] = 1
		binary.LittleEndian.PutUint32(frame[4:8], f.dev.startWordAddr)
		binary.LittleEndian.PutUint32(frame[8:12], f.dev.lengthWords)
		frame[12] = 0xFF
		frame[13] = 0 // proto_ver 0: no boot version / digest re-check
	case fakeCmdGetData:
		wordAddr := binary.LittleEndian.Uint32(f.lastReq[1:5])
		n := int(f.lastReq[5])
		byteAddr := wordAddr * 2
		frame[0] = fakeCmdGetData
		frame[5] = byte(n)
		copy(frame[6+58-n:64], f.dev.mem[byteAddr:int(byteAddr)+n])
	}
	return frame, nil
}

func (f *fakeDeviceTransport) Retryable(name string, fn func() error) error { return fn() }
func (f *fakeDeviceTransport) Config() fwconfig.Config                     { return f.cfg }

// fakeConnector implements pkgdriver.Connector, backed by fakeDevices, the
// same role boardconn.Connector plays against real hardware.
type fakeConnector struct {
	master    *fakeDevice
	slaves    map[byte]*fakeDevice
	inventory serialstage.Inventory
	appUp     bool
	hasInv    bool
	log       fwlog.Logger
}

func (fc *fakeConnector) Connect(ctx context.Context, params ConnectParams) (*BoardSession, error) {
	var dev *fakeDevice
	if params.DeviceID == broadcastDeviceID {
		dev = fc.master
	} else {
		dev = fc.slaves[params.DeviceID]
	}
	if dev == nil {
		return nil, errors.New("no device configured at that address")
	}

	client := bootproto.NewClient(newFakeDeviceTransport(dev), fc.log)
	loader := fwloader.New(client, fc.log, params.DeviceID)
	if _, err := loader.Connect(ctx); err != nil {
		return nil, err
	}
	return &BoardSession{
		Loader:        loader,
		WasAppRunning: fc.appUp,
		Inventory:     fc.inventory,
		HasInventory:  fc.hasInv,
	}, nil
}

func (fc *fakeConnector) Disconnect(s *BoardSession) error { return nil }

func expectedDense(t *testing.T) []byte {
	t.Helper()
	sparse, err := hexcodec.LoadIntelHex(sampleHex)
	require.NoError(t, err)
	return hexcodec.Densify(sparse, 0)
}

func buildPackage(t *testing.T) []byte {
	t.Helper()
	return buildZip(t, map[string]string{
		"manifest.txt": sampleManifest + "  - board-name: slaveB\n    filename: slaveB.hex\n    addresses: [1]\n",
		"master.hex":   sampleHex,
		"slaveA.hex":   sampleHex,
		"slaveB.hex":   sampleHex,
	})
}

func TestDriver_Process_HappyPath(t *testing.T) {
	dense := expectedDense(t)
	master := newFakeDevice(len(dense))
	slaveA := newFakeDevice(len(dense))

	fc := &fakeConnector{
		master: master,
		slaves: map[byte]*fakeDevice{8: slaveA},
		inventory: serialstage.Inventory{
			SlavesConfiguration: []byte{8},
			FWVersions:          map[string]any{},
			BootVersions:        map[string]any{"boot_master_protocol": 1},
		},
		appUp:  true,
		hasInv: true,
		log:    fwlog.New("test"),
	}
	driver := New(fc, fwlog.New("test"))

	var problems []string
	cb := Callbacks{OnProblem: func(p string) { problems = append(problems, p) }}

	err := driver.Process(context.Background(), buildPackage(t), "", cb)
	require.NoError(t, err)
	assert.Empty(t, problems)
	assert.Equal(t, dense, slaveA.mem)
	assert.True(t, master.jumped)
}

func TestDriver_Process_SlaveNotInInventoryIsSkipped(t *testing.T) {
	dense := expectedDense(t)
	master := newFakeDevice(len(dense))
	slaveA := newFakeDevice(len(dense))

	fc := &fakeConnector{
		master: master,
		slaves: map[byte]*fakeDevice{8: slaveA},
		inventory: serialstage.Inventory{
			SlavesConfiguration: []byte{8},
			BootVersions:        map[string]any{"boot_master_protocol": 1},
		},
		appUp:  true,
		hasInv: true,
		log:    fwlog.New("test"),
	}
	driver := New(fc, fwlog.New("test"))

	var problems []string
	cb := Callbacks{OnProblem: func(p string) { problems = append(problems, p) }}

	err := driver.Process(context.Background(), buildPackage(t), "", cb)
	require.NoError(t, err)
	// slaveB (address 1) is in the manifest but not in slaves_configuration,
	// so it is never even looked up -- no fakeConnector entry exists for it,
	// and a lookup would have reported a problem.
	assert.Empty(t, problems)
	assert.Equal(t, dense, slaveA.mem)
}

func TestDriver_Process_MasterProgramFailureIsNonFatalWhenInitOK(t *testing.T) {
	dense := expectedDense(t)
	master := newFakeDevice(len(dense))
	master.eraseErr = true
	slaveA := newFakeDevice(len(dense))

	fc := &fakeConnector{
		master: master,
		slaves: map[byte]*fakeDevice{8: slaveA},
		inventory: serialstage.Inventory{
			SlavesConfiguration: []byte{8},
			BootVersions:        map[string]any{"boot_master_protocol": 1},
		},
		appUp:  true,
		hasInv: true,
		log:    fwlog.New("test"),
	}
	driver := New(fc, fwlog.New("test"))

	var problems []string
	cb := Callbacks{OnProblem: func(p string) { problems = append(problems, p) }}

	err := driver.Process(context.Background(), buildPackage(t), "", cb)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "failed to program master")
	assert.Equal(t, dense, slaveA.mem)
	assert.Equal(t, make([]byte, len(dense)), master.mem)
}

func TestDriver_Process_UserInterruptStopsAtNextCheckpoint(t *testing.T) {
	dense := expectedDense(t)
	master := newFakeDevice(len(dense))
	slaveA := newFakeDevice(len(dense))

	fc := &fakeConnector{
		master: master,
		slaves: map[byte]*fakeDevice{8: slaveA},
		inventory: serialstage.Inventory{
			SlavesConfiguration: []byte{8},
			BootVersions:        map[string]any{"boot_master_protocol": 1},
		},
		appUp:  true,
		hasInv: true,
		log:    fwlog.New("test"),
	}
	driver := New(fc, fwlog.New("test"))

	cb := Callbacks{OnStatus: func(s ProgressStatus) bool {
		return s.ProcessOp == "programming master"
	}}

	err := driver.Process(context.Background(), buildPackage(t), "", cb)
	require.Error(t, err)
	assert.True(t, fwerrors.Is(err, fwerrors.KindUserInterrupt))
	assert.False(t, master.jumped)
	assert.Equal(t, make([]byte, len(dense)), slaveA.mem)
}

func TestDriver_Process_InitFailureAndMasterFailureIsFatal(t *testing.T) {
	dense := expectedDense(t)
	master := newFakeDevice(len(dense))
	master.eraseErr = true
	slaveA := newFakeDevice(len(dense))

	fc := &fakeConnector{
		master: master,
		slaves: map[byte]*fakeDevice{8: slaveA},
		inventory: serialstage.Inventory{
			SlavesConfiguration: []byte{8},
			BootVersions:        map[string]any{"boot_master_protocol": 1},
		},
		appUp:  false, // forces boardInit's invalid-version-data retry path
		hasInv: false,
		log:    fwlog.New("test"),
	}
	driver := New(fc, fwlog.New("test"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := driver.Process(ctx, buildPackage(t), "", Callbacks{})
	require.Error(t, err)
	assert.True(t, fwerrors.Is(err, fwerrors.KindFatal))
}
