// Package hexcodec decodes Intel HEX firmware images into the sparse and
// dense representations the target's 24-bit word / 4-byte "phantom byte"
// memory layout needs.
//
// Memory is organized in groups of 4 bytes: the first 3 bytes hold real
// program data, the 4th is a "phantom byte", always 0x00 in the image and
// never present in device flash. Target (PIC24) word addresses are half
// the image byte index: a_b = 2 * a_p. See
// original_source/src/alfa_fw_upgrader/hexutils.py for the Python source
// this was translated from.
package hexcodec

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/alfa-sw/sw-programmazione-schede/internal/fwerrors"
)

// Record types honored by LoadIntelHex; any other type is ignored.
const (
	recordData          = 0x00
	recordEOF            = 0x01
	recordExtLinearAddr = 0x04
)

// SparseImage maps an absolute byte address to its value. Keys are unique;
// insertion order is irrelevant.
type SparseImage map[uint32]byte

// LoadIntelHex parses standard Intel HEX text (":LLAAAATTDD...CC" records)
// into a SparseImage. It honors DATA, EOF and EXTENDED_LINEAR_ADDRESS
// records and ignores all others. It fails with fwerrors.KindBadHex on a
// malformed line or checksum mismatch.
func LoadIntelHex(text string) (SparseImage, error) {
	img := SparseImage{}
	var extLinearAddr uint32
	haveExt := false

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line[0] != ':' {
			return nil, fwerrors.New(fwerrors.KindBadHex, "record does not start with ':'")
		}
		line = line[1:]

		if len(line) < 10 {
			return nil, fwerrors.New(fwerrors.KindBadHex, "record too short")
		}

		recordLength, err := hexByte(line[0:2])
		if err != nil {
			return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "invalid record length")
		}
		loadOffsetHi, err := hexByte(line[2:4])
		if err != nil {
			return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "invalid load offset")
		}
		loadOffsetLo, err := hexByte(line[4:6])
		if err != nil {
			return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "invalid load offset")
		}
		loadOffset := uint32(loadOffsetHi)<<8 | uint32(loadOffsetLo)

		recordType, err := hexByte(line[6:8])
		if err != nil {
			return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "invalid record type")
		}

		wantLen := 8 + int(recordLength)*2 + 2
		if len(line) < wantLen {
			return nil, fwerrors.New(fwerrors.KindBadHex, "record shorter than its declared length")
		}

		payloadHex := line[8 : 8+int(recordLength)*2]
		payload := make([]byte, recordLength)
		for i := range payload {
			b, err := hexByte(payloadHex[i*2 : i*2+2])
			if err != nil {
				return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "invalid payload byte")
			}
			payload[i] = b
		}

		checksum, err := hexByte(line[8+int(recordLength)*2 : 10+int(recordLength)*2])
		if err != nil {
			return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "invalid checksum")
		}

		sum := recordLength + loadOffsetHi + loadOffsetLo + recordType
		for _, b := range payload {
			sum += b
		}
		sum += checksum
		if sum != 0 {
			return nil, fwerrors.New(fwerrors.KindBadHex, "checksum mismatch")
		}

		switch recordType {
		case recordExtLinearAddr:
			if len(payload) != 2 {
				return nil, fwerrors.New(fwerrors.KindBadHex, "extended linear address record must carry 2 bytes")
			}
			extLinearAddr = uint32(payload[0])<<8 | uint32(payload[1])
			haveExt = true
		case recordEOF:
			return img, nil
		case recordData:
			base := loadOffset
			if haveExt {
				base += extLinearAddr << 16
			}
			for i, b := range payload {
				img[base+uint32(i)] = b
			}
		default:
			// ignored per spec.md §4.A
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "failed reading hex text")
	}
	return img, nil
}

func hexByte(s string) (byte, error) {
	n, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, err
	}
	return byte(n), nil
}

// LoadMPLABTable parses a tabular memory dump exported from MPLAB IPE, as
// a secondary cross-validation path for LoadIntelHex. Each line begins
// with a 6-hex-digit base WORD address (doubled to get the byte address),
// followed by space-separated 24-bit big-endian words rendered as
// "HHMMLL"; each word expands to 4 bytes: LL, MM, HH, 0x00 (phantom).
func LoadMPLABTable(text string) (SparseImage, error) {
	img := SparseImage{}
	lines := strings.Split(text, "\n")
	if len(lines) > 0 {
		lines = lines[1:] // header line
	}
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if len(line) < 6 {
			continue
		}
		baseWordAddr, err := strconv.ParseUint(line[0:6], 16, 32)
		if err != nil {
			return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "invalid mplab table base address")
		}
		addr := uint32(baseWordAddr) * 2

		if len(line) <= 14 {
			continue
		}
		end := len(line)
		if end > 50 {
			end = 50
		}
		fields := strings.Fields(line[14:end])
		j := addr
		for _, word := range fields {
			if len(word) != 6 {
				continue
			}
			hh, err := hexByte(word[0:2])
			if err != nil {
				return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "invalid mplab table word")
			}
			mm, err := hexByte(word[2:4])
			if err != nil {
				return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "invalid mplab table word")
			}
			ll, err := hexByte(word[4:6])
			if err != nil {
				return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "invalid mplab table word")
			}
			img[j+0] = ll
			img[j+1] = mm
			img[j+2] = hh
			img[j+3] = 0x00
			j += 4
		}
	}
	return img, nil
}

// Densify allocates a dense byte slice of the given size, pre-filled with
// the erased-flash pattern (0xFF, with a 0x00 phantom byte every 4th
// position), then overlays sparse. Entries with an index >= size are
// silently dropped. If size is 0, it defaults to the highest key in
// sparse plus 1.
func Densify(sparse SparseImage, size uint32) []byte {
	if size == 0 {
		var max uint32
		for addr := range sparse {
			if addr > max {
				max = addr
			}
		}
		size = max + 1
	}

	dense := make([]byte, size)
	for i := range dense {
		if (i+1)%4 == 0 {
			dense[i] = 0x00
		} else {
			dense[i] = 0xFF
		}
	}

	for addr, b := range sparse {
		if addr < size {
			dense[addr] = b
		}
	}
	return dense
}
