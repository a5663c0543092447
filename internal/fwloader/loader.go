// Package fwloader drives a single device (master or slave) through the
// erase/program/verify/seal state machine, generalizing
// original_source/src/alfa_fw_upgrader/fw_loader.py's AlfaFirmwareLoader.
package fwloader

import (
	"bytes"
	"context"
	"time"

	"github.com/sigurn/crc16"

	"github.com/alfa-sw/sw-programmazione-schede/internal/bootproto"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwerrors"
	"github.com/alfa-sw/sw-programmazione-schede/internal/fwlog"
	"github.com/alfa-sw/sw-programmazione-schede/internal/hexcodec"
)

// State is the loader's position in its connect/erase/program/seal
// lifecycle (spec.md §5).
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateErased
	StateProgramming
	StateProgrammed
	StateSealed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateErased:
		return "erased"
	case StateProgramming:
		return "programming"
	case StateProgrammed:
		return "programmed"
	case StateSealed:
		return "sealed"
	default:
		return "unknown"
	}
}

// client is the subset of *bootproto.Client the loader needs.
type client interface {
	Query(ctx context.Context, deviceID byte) (bootproto.QueryResponse, error)
	QueryAfterErase(ctx context.Context, deviceID byte) (bootproto.QueryResponse, error)
	Erase() error
	Program(wordAddr uint32, chunk []byte) error
	ProgramComplete(digest uint16) error
	GetData(ctx context.Context, wordAddr uint32, length byte) ([]byte, error)
	JumpToApplication() error
	ResetBootMMT() error
}

// Loader owns the state machine for one device ID.
type Loader struct {
	c        client
	log      fwlog.Logger
	deviceID byte

	state State
	descr bootproto.QueryResponse // the QUERY response the current session was connected with

	lastDigest uint16
}

// New wraps c for deviceID.
func New(c *bootproto.Client, log fwlog.Logger, deviceID byte) *Loader {
	return newLoader(c, log, deviceID)
}

func newLoader(c client, log fwlog.Logger, deviceID byte) *Loader {
	return &Loader{c: c, log: log, deviceID: deviceID, state: StateDisconnected}
}

// State returns the loader's current state.
func (l *Loader) State() State { return l.state }

// Connect queries the device and records its memory descriptor. It must
// be the first call against a freshly opened transport. A repeated Connect
// while the loader is not disconnected (for example after Reset) fails if
// the start address or length changed -- original_source's
// _update_from_query asserts exactly this. After Jump or Disconnect the
// loader is disconnected, and the next Connect records the descriptor
// afresh without comparing it.
func (l *Loader) Connect(ctx context.Context) (bootproto.QueryResponse, error) {
	resp, err := l.c.Query(ctx, l.deviceID)
	if err != nil {
		return bootproto.QueryResponse{}, fwerrors.Wrap(fwerrors.KindFatal, err, "connect query failed")
	}
	if l.state != StateDisconnected {
		if resp.StartAddr != l.descr.StartAddr || resp.LengthWords != l.descr.LengthWords {
			return bootproto.QueryResponse{}, fwerrors.New(fwerrors.KindProtocolViolation,
				"device memory descriptor changed across connections")
		}
	}
	l.descr = resp
	l.state = StateConnected
	return resp, nil
}

// window computes the byte-addressed slice of a full program image that
// corresponds to this device's advertised memory window, per
// original_source's _program_data_process.
func (l *Loader) window(dense []byte) ([]byte, uint32, error) {
	start := l.descr.StartAddr * 2
	length := l.descr.LengthWords * 2
	if uint64(start)+uint64(length) > uint64(len(dense)) {
		return nil, 0, fwerrors.New(fwerrors.KindSizeMismatch, "program image does not cover the device's advertised memory window")
	}
	return dense[start : start+length], start, nil
}

// ProgramImage slices image to this device's advertised memory window
// (from the most recent Connect) and programs it.
func (l *Loader) ProgramImage(ctx context.Context, image []byte) error {
	segment, start, err := l.window(image)
	if err != nil {
		return err
	}
	return l.Program(ctx, segment, start)
}

// VerifyImage slices image the same way ProgramImage did and verifies it.
func (l *Loader) VerifyImage(ctx context.Context, image []byte, checkDigest bool) error {
	segment, start, err := l.window(image)
	if err != nil {
		return err
	}
	return l.Verify(ctx, segment, start, checkDigest)
}

// Erase erases the device's program memory and blocks until QUERY
// confirms completion, per spec.md §4.C's erase synchronization
// invariant (seed scenario 4).
func (l *Loader) Erase(ctx context.Context) error {
	if l.state != StateConnected {
		return fwerrors.New(fwerrors.KindFatal, "erase requires a connected loader")
	}
	if err := l.c.Erase(); err != nil {
		return fwerrors.Wrap(fwerrors.KindFatal, err, "erase command failed")
	}
	if _, err := l.c.QueryAfterErase(ctx, l.deviceID); err != nil {
		return fwerrors.Wrap(fwerrors.KindFatal, err, "erase did not complete within timeout")
	}
	l.state = StateErased
	return nil
}

// Program writes dense (the phantom-filled byte image, see hexcodec.
// Densify) to the device in 56-byte chunks starting at byte offset
// startByte. It caches the CRC-16/CCITT digest of the written segment
// for Seal to reuse, following original_source's _program_data_process.
// The device is left unsealed until a later call to Seal.
func (l *Loader) Program(ctx context.Context, dense []byte, startByte uint32) error {
	if l.state != StateErased {
		l.log.Warnf("programming without a preceding erase (state is %s)", l.state)
	}
	l.state = StateProgramming

	const chunkSize = 56
	wordAddr := startByte / 2
	for pos := 0; pos < len(dense); pos += chunkSize {
		end := pos + chunkSize
		if end > len(dense) {
			end = len(dense)
		}
		chunk := dense[pos:end]
		if err := l.c.Program(wordAddr, chunk); err != nil {
			return fwerrors.Wrap(fwerrors.KindFatal, err,
				"programming failed between byte positions %d and %d", startByte+uint32(pos), startByte+uint32(end))
		}
		wordAddr += uint32(len(chunk)) / 2
	}

	l.lastDigest = crc16.Checksum(dense, crc16.MakeTable(crc16.CRC16_CCITT_FALSE))
	l.state = StateProgrammed
	return nil
}

// Verify reads back dense's window from the device and compares raw
// bytes chunk by chunk. When checkDigest is true and the device reports
// proto_ver>=1, it additionally re-QUERYs and compares the device's
// reported digest against the recomputed CRC.
func (l *Loader) Verify(ctx context.Context, dense []byte, startByte uint32, checkDigest bool) error {
	if l.state != StateProgrammed && l.state != StateSealed {
		return fwerrors.New(fwerrors.KindFatal, "verify requires a programmed loader")
	}

	const chunkSize = 56
	wordAddr := startByte / 2
	for pos := 0; pos < len(dense); pos += chunkSize {
		end := pos + chunkSize
		if end > len(dense) {
			end = len(dense)
		}
		want := dense[pos:end]
		got, err := l.c.GetData(ctx, wordAddr, byte(len(want)))
		if err != nil {
			return fwerrors.Wrap(fwerrors.KindFatal, err,
				"verify failed between byte positions %d and %d", startByte+uint32(pos), startByte+uint32(end))
		}
		if !bytes.Equal(want, got) {
			return fwerrors.Wrap(fwerrors.KindDigestMismatch, nil,
				"verify data mismatch at byte position %d", startByte+uint32(pos))
		}
		wordAddr += uint32(len(want)) / 2
	}

	if checkDigest && l.descr.HasBootVer {
		resp, err := l.c.Query(ctx, l.deviceID)
		if err != nil {
			return fwerrors.Wrap(fwerrors.KindFatal, err, "post-verify query failed")
		}
		wantDigest := crc16.Checksum(dense, crc16.MakeTable(crc16.CRC16_CCITT_FALSE))
		if resp.Digest != wantDigest {
			return fwerrors.New(fwerrors.KindDigestMismatch, "device digest does not match expected CRC-16")
		}
	}
	return nil
}

// Seal sends PROGRAM_COMPLETE with the digest of the most recently
// programmed segment. On a proto_ver>=1 device it then waits ~1s and
// re-QUERYs to confirm the device now reports the same digest.
func (l *Loader) Seal(ctx context.Context) error {
	if l.state != StateProgrammed {
		return fwerrors.New(fwerrors.KindFatal, "seal requires a programmed loader")
	}
	if err := l.c.ProgramComplete(l.lastDigest); err != nil {
		return fwerrors.Wrap(fwerrors.KindFatal, err, "program complete failed")
	}

	if l.descr.HasBootVer {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
		resp, err := l.c.Query(ctx, l.deviceID)
		if err != nil {
			return fwerrors.Wrap(fwerrors.KindFatal, err, "post-seal query failed")
		}
		if resp.Digest != l.lastDigest {
			return fwerrors.New(fwerrors.KindDigestMismatch, "device digest does not match the sealed CRC-16")
		}
	}
	l.state = StateSealed
	return nil
}

// Jump instructs the device to leave the bootloader and start the
// application.
func (l *Loader) Jump() error {
	if err := l.c.JumpToApplication(); err != nil {
		return fwerrors.Wrap(fwerrors.KindFatal, err, "jump to application failed")
	}
	l.state = StateDisconnected
	return nil
}

// Reset resets the bootloader's memory management table, leaving the
// device in the bootloader.
func (l *Loader) Reset() error {
	if err := l.c.ResetBootMMT(); err != nil {
		return fwerrors.Wrap(fwerrors.KindFatal, err, "reset boot mmt failed")
	}
	l.state = StateConnected
	return nil
}

// Disconnect marks the loader disconnected without talking to the
// device; callers close the transport separately.
func (l *Loader) Disconnect() {
	l.state = StateDisconnected
}

// DigestOf computes the CRC-16/CCITT digest the device is expected to
// report after a successful Program+Verify, for callers assembling their
// own pre-flight checks against hexcodec output.
func DigestOf(dense []byte) uint16 {
	return crc16.Checksum(dense, crc16.MakeTable(crc16.CRC16_CCITT_FALSE))
}

// ImageFromHex is a convenience wrapper combining hexcodec.LoadIntelHex and
// hexcodec.Densify for callers that only have raw HEX text and a target
// byte-length (e.g. from a QUERY response's LengthWords*2).
func ImageFromHex(hexText string, size uint32) ([]byte, error) {
	sparse, err := hexcodec.LoadIntelHex(hexText)
	if err != nil {
		return nil, err
	}
	return hexcodec.Densify(sparse, size), nil
}

