package cache

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"

	kilnerrors "github.com/alexisbeaulieu97/kiln/pkg/errors"
)

// cacheMagic frames every persisted cache file, once at the start and once
// at the end. A missing or mismatched frame means the file is ignored.
const cacheMagic uint32 = 0x4b434348

// loadFramed reads a magic-framed gob payload into out. Absent files are
// not an error; the caller starts cold.
func loadFramed(path string, out any) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, kilnerrors.NewParseError(path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var head uint32
	if err := binary.Read(r, binary.LittleEndian, &head); err != nil || head != cacheMagic {
		return false, kilnerrors.NewParseError(path, fmt.Errorf("bad leading magic"))
	}
	if err := gob.NewDecoder(r).Decode(out); err != nil {
		return false, kilnerrors.NewParseError(path, err)
	}
	var tail uint32
	if err := binary.Read(r, binary.LittleEndian, &tail); err != nil || tail != cacheMagic {
		return false, kilnerrors.NewParseError(path, fmt.Errorf("bad trailing magic"))
	}
	return true, nil
}

// saveFramed writes a magic-framed gob payload to tmpPath and renames it
// over path. On failure the temp file is removed and the old file is left
// intact.
func saveFramed(path, tmpPath string, in any) error {
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	err = binary.Write(w, binary.LittleEndian, cacheMagic)
	if err == nil {
		err = gob.NewEncoder(w).Encode(in)
	}
	if err == nil {
		err = binary.Write(w, binary.LittleEndian, cacheMagic)
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
