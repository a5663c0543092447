// Package pkgdriver parses an update package (ZIP + manifest.txt) and
// drives master-then-slaves programming over it, generalizing
// original_source/src/alfa_fw_upgrader/package_loader.py's
// AlfaPackageLoader.
package pkgdriver

import (
	"archive/zip"
	"bytes"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/alfa-sw/sw-programmazione-schede/internal/fwerrors"
	"github.com/alfa-sw/sw-programmazione-schede/internal/hexcodec"
)

// broadcastDeviceID is the device id used when talking to whichever
// board is reachable before per-slave addressing has been established
// (the "master" program step, per original_source's fixed 255 in
// process()/board_init()).
const broadcastDeviceID = 255

// ProgramEntry is one "programs" list item in manifest.txt.
type ProgramEntry struct {
	BoardName string `yaml:"board-name"`
	Filename  string `yaml:"filename"`
	Addresses []int  `yaml:"addresses"`
}

// Manifest is manifest.txt's structure.
type Manifest struct {
	Programs []ProgramEntry `yaml:"programs"`
}

// Package is a parsed update package: the manifest plus each entry's
// decoded sparse image, keyed by filename; it is densified with
// hexcodec.Densify just before programming.
type Package struct {
	Manifest    Manifest
	ProgramsHex map[string]hexcodec.SparseImage
}

// LoadPackage reads a ZIP archive containing manifest.txt and one HEX
// file per manifest entry. filename must resolve within the archive
// (spec.md §6).
func LoadPackage(data []byte) (*Package, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "failed to open update package as zip")
	}

	mf, err := zr.Open("manifest.txt")
	if err != nil {
		return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "manifest.txt missing from package")
	}
	defer mf.Close()

	manifestBytes, err := io.ReadAll(mf)
	if err != nil {
		return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "failed to read manifest.txt")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "failed to parse manifest.txt")
	}

	programsHex := map[string]hexcodec.SparseImage{}
	for _, program := range manifest.Programs {
		f, err := zr.Open(program.Filename)
		if err != nil {
			return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "referenced file %q missing from package", program.Filename)
		}
		hexBytes, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "failed to read %q", program.Filename)
		}
		img, err := hexcodec.LoadIntelHex(string(hexBytes))
		if err != nil {
			return nil, fwerrors.Wrap(fwerrors.KindBadHex, err, "failed to decode %q", program.Filename)
		}
		programsHex[program.Filename] = img
	}

	return &Package{Manifest: manifest, ProgramsHex: programsHex}, nil
}

// masterEntry returns the manifest entry whose board-name is "master".
func (p *Package) masterEntry() (ProgramEntry, error) {
	for _, prog := range p.Manifest.Programs {
		if prog.BoardName == "master" {
			return prog, nil
		}
	}
	return ProgramEntry{}, fwerrors.New(fwerrors.KindFatal, "manifest has no \"master\" program entry")
}
