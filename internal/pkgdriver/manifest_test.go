package pkgdriver

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHex = ":10010000214601360121470136007EFE09D2190140\n:00000001FF\n"

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const sampleManifest = `
programs:
  - board-name: master
    filename: master.hex
    addresses: [255]
  - board-name: slaveA
    filename: slaveA.hex
    addresses: [8]
`

func TestLoadPackage_ParsesManifestAndHexFiles(t *testing.T) {
	data := buildZip(t, map[string]string{
		"manifest.txt": sampleManifest,
		"master.hex":   sampleHex,
		"slaveA.hex":   sampleHex,
	})

	pkg, err := LoadPackage(data)
	require.NoError(t, err)
	require.Len(t, pkg.Manifest.Programs, 2)
	assert.Equal(t, "master", pkg.Manifest.Programs[0].BoardName)
	assert.Equal(t, []int{255}, pkg.Manifest.Programs[0].Addresses)

	img, ok := pkg.ProgramsHex["master.hex"]
	require.True(t, ok)
	assert.Equal(t, byte(0x21), img[0x100])
}

func TestLoadPackage_MissingManifest(t *testing.T) {
	data := buildZip(t, map[string]string{"master.hex": sampleHex})
	_, err := LoadPackage(data)
	require.Error(t, err)
}

func TestLoadPackage_MissingReferencedFile(t *testing.T) {
	data := buildZip(t, map[string]string{"manifest.txt": sampleManifest, "master.hex": sampleHex})
	_, err := LoadPackage(data)
	require.Error(t, err)
}

func TestLoadPackage_MalformedManifest(t *testing.T) {
	data := buildZip(t, map[string]string{"manifest.txt": "not: [valid yaml: structure"})
	_, err := LoadPackage(data)
	require.Error(t, err)
}

func TestLoadPackage_MalformedHex(t *testing.T) {
	data := buildZip(t, map[string]string{
		"manifest.txt": sampleManifest,
		"master.hex":   "garbage",
		"slaveA.hex":   sampleHex,
	})
	_, err := LoadPackage(data)
	require.Error(t, err)
}

func TestPackage_MasterEntry(t *testing.T) {
	data := buildZip(t, map[string]string{
		"manifest.txt": sampleManifest,
		"master.hex":   sampleHex,
		"slaveA.hex":   sampleHex,
	})
	pkg, err := LoadPackage(data)
	require.NoError(t, err)

	master, err := pkg.masterEntry()
	require.NoError(t, err)
	assert.Equal(t, "master.hex", master.Filename)
}

func TestPackage_MasterEntryMissing(t *testing.T) {
	data := buildZip(t, map[string]string{
		"manifest.txt": "programs:\n  - board-name: slaveA\n    filename: slaveA.hex\n    addresses: [8]\n",
		"slaveA.hex":   sampleHex,
	})
	pkg, err := LoadPackage(data)
	require.NoError(t, err)

	_, err = pkg.masterEntry()
	require.Error(t, err)
}
