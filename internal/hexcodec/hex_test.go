package hexcodec

import (
	"strings"
	"testing"

	"github.com/marcinbor85/gohex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seed scenario 1 from spec.md §8.
const seedHex = ":10010000214601360121470136007EFE09D2190140\n:00000001FF\n"

func TestLoadIntelHex_SeedScenario(t *testing.T) {
	img, err := LoadIntelHex(seedHex)
	require.NoError(t, err)

	want := []byte{0x21, 0x46, 0x01, 0x36, 0x01, 0x21, 0x47, 0x01, 0x36, 0x00, 0x7E, 0xFE, 0x09, 0xD2, 0x19, 0x01}
	require.Len(t, img, len(want))
	for i, b := range want {
		assert.Equal(t, b, img[0x0100+uint32(i)], "byte at offset %d", i)
	}
}

func TestDensify_PhantomBytes(t *testing.T) {
	img, err := LoadIntelHex(seedHex)
	require.NoError(t, err)

	dense := Densify(img, 0x110)
	require.Len(t, dense, 0x110)

	for _, idx := range []int{3, 7, 11, 15} {
		assert.Equal(t, byte(0x00), dense[0x0100+idx], "phantom byte at %d", idx)
	}
	// untouched region before the data stays erased (0xFF), except its
	// own phantom bytes.
	for i := 0; i < 0x100; i++ {
		if (i+1)%4 == 0 {
			assert.Equal(t, byte(0x00), dense[i])
		} else {
			assert.Equal(t, byte(0xFF), dense[i])
		}
	}
}

func TestLoadIntelHex_BadChecksum(t *testing.T) {
	bad := ":10010000214601360121470136007EFE09D21901FF\n:00000001FF\n"
	_, err := LoadIntelHex(bad)
	require.Error(t, err)
}

func TestLoadIntelHex_ZeroLengthRecord(t *testing.T) {
	// record length 0, data record; checksum of [0x00,0x00,0x00,0x00] two's
	// complement is 0x00.
	_, err := LoadIntelHex(":000000000000\n:00000001FF\n")
	require.NoError(t, err)
}

func TestLoadIntelHex_ExtendedLinearAddress(t *testing.T) {
	// EXT_LINEAR_ADDR sets upper 16 bits to 0x0001, then a DATA record at
	// offset 0x0000 lands at byte address 0x00010000.
	text := ":020000040001F9\n:02000000AABB99\n:00000001FF\n"
	img, err := LoadIntelHex(text)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), img[0x00010000])
	assert.Equal(t, byte(0xBB), img[0x00010001])
}

// TestRoundTripAgainstReferenceParser verifies the §8 invariant: our
// parser and the gohex reference parser produce identical dense images
// for the same HEX text and size.
func TestRoundTripAgainstReferenceParser(t *testing.T) {
	ourImg, err := LoadIntelHex(seedHex)
	require.NoError(t, err)
	ourDense := Densify(ourImg, 0x110)

	mem := gohex.NewMemory()
	require.NoError(t, mem.ParseIntelHex(strings.NewReader(seedHex)))

	// gohex has no notion of the phantom-byte convention, so its decoded
	// bytes go through the same Densify step before comparing -- the
	// invariant under test is "same real data", phantom fill of unset
	// positions is this domain's addition on top of a generic Intel HEX
	// parse.
	refSparse := SparseImage{}
	for _, seg := range mem.GetDataSegments() {
		for i, b := range seg.Data {
			refSparse[seg.Address+uint32(i)] = b
		}
	}
	refDense := Densify(refSparse, 0x110)

	assert.Equal(t, ourDense, refDense)
}

func TestLoadMPLABTable_MatchesIntelHex(t *testing.T) {
	// MPLAB table dump equivalent to the seed payload's first word: base
	// word address 0x0080 (byte address 0x0100), word "214601" rendered
	// "HHMMLL" expands to bytes LL=0x01 MM=0x46 HH=0x21 phantom=0x00 --
	// matching the first 3 real bytes of seedHex's payload (0x21,0x46,0x01).
	line := "000080" + strings.Repeat(" ", 8) + "214601    000000"
	table := "header line ignored\n" + line + "\n"

	img, err := LoadMPLABTable(table)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), img[0x100])
	assert.Equal(t, byte(0x46), img[0x101])
	assert.Equal(t, byte(0x21), img[0x102])
	assert.Equal(t, byte(0x00), img[0x103])
}
