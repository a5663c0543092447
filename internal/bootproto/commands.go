// Package bootproto implements the bootloader's framed command set: one
// encoder/decoder pair per command, matching
// original_source/src/alfa_fw_upgrader/usb.py's USBManager, translated
// from its duck-typed struct.pack calls into a typed command per spec.md
// §9's design note. All messages are little-endian and at most 64 bytes.
package bootproto

import (
	"encoding/binary"

	"github.com/alfa-sw/sw-programmazione-schede/internal/fwerrors"
)

// Command IDs, per spec.md §4.C.
const (
	cmdQuery                = 0x02
	cmdErase                = 0x04
	cmdProgram              = 0x05
	cmdProgramComplete      = 0x06
	cmdGetData              = 0x07
	cmdJumpToApplication    = 0x09
	cmdBootFWVersionRequest = 0x0A
	cmdResetBootMMT         = 0x0B
)

// passwordQuery is the fixed 8-byte password every QUERY request carries.
var passwordQuery = [8]byte{0x82, 0x14, 0x2A, 0x5D, 0x6F, 0x9A, 0x25, 0x01}

// dataAttachmentLen is the PROGRAM/GET_DATA chunk size: 56 usable data
// bytes, right-aligned into a 58-byte field.
const dataAttachmentLen = 56

// QueryResponse is the decoded 20-byte QUERY answer (spec.md §3, §4.C).
type QueryResponse struct {
	BytesPerPacket  byte
	BytesPerAddress byte
	MemoryType      byte
	StartAddr       uint32
	LengthWords     uint32
	Marker          byte
	ProtoVer        byte
	// BootVersion is populated only when ProtoVer >= 1; spec.md calls
	// these "not available" under proto_ver == 0.
	BootVersion  [3]byte
	HasBootVer   bool
	BootStatus   byte
	Digest       uint16
}

// EncodeQuery builds the QUERY request. deviceID is the only command whose
// request carries an explicit device ID byte -- used both for normal
// per-node queries and for the altDeviceId=0 "do not auto-jump" invariant
// (spec.md §4.C).
func EncodeQuery(deviceID byte) []byte {
	buf := make([]byte, 0, 10)
	buf = append(buf, cmdQuery)
	buf = append(buf, passwordQuery[:]...)
	buf = append(buf, deviceID)
	return buf
}

// DecodeQuery validates and decodes a 64-byte QUERY response. It returns
// fwerrors.KindProtocolViolation if any fixed field fails its invariant.
func DecodeQuery(frame []byte) (QueryResponse, error) {
	if len(frame) < 20 {
		return QueryResponse{}, fwerrors.New(fwerrors.KindProtocolViolation, "QUERY response shorter than 20 bytes")
	}
	b := frame[:20]

	resp := QueryResponse{
		BytesPerPacket:  b[1],
		BytesPerAddress: b[2],
		MemoryType:      b[3],
		StartAddr:       binary.LittleEndian.Uint32(b[4:8]),
		LengthWords:     binary.LittleEndian.Uint32(b[8:12]),
		Marker:          b[12],
		ProtoVer:        b[13],
		BootVersion:     [3]byte{b[14], b[15], b[16]},
		BootStatus:      b[17],
		Digest:          binary.LittleEndian.Uint16(b[18:20]),
	}
	resp.HasBootVer = resp.ProtoVer >= 1

	if b[0] != cmdQuery {
		return resp, fwerrors.New(fwerrors.KindProtocolViolation, "QUERY response has wrong command id")
	}
	if resp.BytesPerPacket != dataAttachmentLen {
		return resp, fwerrors.New(fwerrors.KindProtocolViolation, "QUERY bytes_per_packet != 56")
	}
	if resp.BytesPerAddress != 2 {
		return resp, fwerrors.New(fwerrors.KindProtocolViolation, "QUERY bytes_per_address != 2")
	}
	if resp.MemoryType != 1 {
		return resp, fwerrors.New(fwerrors.KindProtocolViolation, "QUERY memory_type != 1")
	}
	if resp.Marker != 0xFF {
		return resp, fwerrors.New(fwerrors.KindProtocolViolation, "QUERY marker != 0xFF")
	}
	if resp.ProtoVer > 1 {
		return resp, fwerrors.New(fwerrors.KindProtocolViolation, "QUERY proto_ver not in {0,1}")
	}
	return resp, nil
}

// EncodeErase builds the ERASE request. ERASE has no response; callers
// must follow up with a QUERY at >=5000ms timeout to detect completion
// (spec.md §4.C "ERASE synchronization").
func EncodeErase() []byte {
	return []byte{cmdErase}
}

// EncodeProgram builds a PROGRAM request: word address, true chunk
// length, and the chunk right-aligned (leading zeros) into a 58-byte
// field. chunk must be at most 56 bytes.
func EncodeProgram(wordAddr uint32, chunk []byte) ([]byte, error) {
	if len(chunk) > dataAttachmentLen {
		return nil, fwerrors.New(fwerrors.KindProtocolViolation, "PROGRAM chunk exceeds 56 bytes")
	}
	buf := make([]byte, 1+4+1+58)
	buf[0] = cmdProgram
	binary.LittleEndian.PutUint32(buf[1:5], wordAddr)
	buf[5] = byte(len(chunk))
	copy(buf[6+58-len(chunk):], chunk)
	return buf, nil
}

// EncodeProgramComplete builds the PROGRAM_COMPLETE request: the CRC-16
// digest followed by a 61-byte 0xFF pad.
func EncodeProgramComplete(digest uint16) []byte {
	buf := make([]byte, 1+2+61)
	buf[0] = cmdProgramComplete
	binary.LittleEndian.PutUint16(buf[1:3], digest)
	for i := 3; i < len(buf); i++ {
		buf[i] = 0xFF
	}
	return buf
}

// EncodeGetData builds a GET_DATA (VERIFY) request: word address and
// requested length. length must be at most 56.
func EncodeGetData(wordAddr uint32, length byte) ([]byte, error) {
	if length > dataAttachmentLen {
		return nil, fwerrors.New(fwerrors.KindProtocolViolation, "GET_DATA length exceeds 56 bytes")
	}
	buf := make([]byte, 1+4+1)
	buf[0] = cmdGetData
	binary.LittleEndian.PutUint32(buf[1:5], wordAddr)
	buf[5] = length
	return buf, nil
}

// DecodeGetData validates and extracts the effective payload from a
// GET_DATA response: the trailing 58-byte field is right-aligned, so the
// real payload is array[58-bytesPerPacket:].
func DecodeGetData(frame []byte) ([]byte, error) {
	if len(frame) < 1+4+1+58 {
		return nil, fwerrors.New(fwerrors.KindProtocolViolation, "GET_DATA response shorter than expected")
	}
	if frame[0] != cmdGetData {
		return nil, fwerrors.New(fwerrors.KindProtocolViolation, "GET_DATA response has wrong command id")
	}
	bytesPerPacket := frame[5]
	if bytesPerPacket > 58 {
		return nil, fwerrors.New(fwerrors.KindProtocolViolation, "GET_DATA bytes_per_packet exceeds 58")
	}
	array := frame[6:64]
	return array[58-bytesPerPacket:], nil
}

// EncodeJumpToApplication builds the JUMP_TO_APPLICATION request. No
// response is expected.
func EncodeJumpToApplication() []byte {
	return []byte{cmdJumpToApplication}
}

// EncodeBootFWVersionRequest builds the BOOT_FW_VERSION_REQUEST request.
func EncodeBootFWVersionRequest(deviceID byte) []byte {
	return []byte{cmdBootFWVersionRequest, deviceID}
}

// BootFWVersion is the decoded (major, minor, patch) response.
type BootFWVersion struct {
	Major, Minor, Patch byte
}

// DecodeBootFWVersionResponse validates and decodes the 4-byte response.
func DecodeBootFWVersionResponse(frame []byte) (BootFWVersion, error) {
	if len(frame) < 4 {
		return BootFWVersion{}, fwerrors.New(fwerrors.KindProtocolViolation, "BOOT_FW_VERSION_REQUEST response shorter than 4 bytes")
	}
	if frame[0] != cmdBootFWVersionRequest {
		return BootFWVersion{}, fwerrors.New(fwerrors.KindProtocolViolation, "BOOT_FW_VERSION_REQUEST response has wrong command id")
	}
	return BootFWVersion{Major: frame[1], Minor: frame[2], Patch: frame[3]}, nil
}

// EncodeResetBootMMT builds the RESET_BOOT_MMT request. No response is
// expected.
func EncodeResetBootMMT() []byte {
	return []byte{cmdResetBootMMT}
}
