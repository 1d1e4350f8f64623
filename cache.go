package sepcorr

import (
	"bufio"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"os"
)

// cacheSuffix names the gob snapshot stored next to a reference table.
const cacheSuffix = ".cache.gz"

// CachePath returns the snapshot path used for the reference table at path.
func CachePath(path string) string {
	return path + cacheSuffix
}

// referenceCache is the on-disk snapshot format.
type referenceCache struct {
	SourceSize    int64
	SourceModTime int64 // unix nanoseconds
	Points        []ReferencePoint
}

// loadCachedTable returns the snapshot for path if it describes the current
// source file. Missing, stale or corrupt snapshots are reported as !ok.
func loadCachedTable(path string, src *os.File, o *Options) (*ReferenceTable, bool) {
	st, err := src.Stat()
	if err != nil {
		return nil, false
	}

	fh, err := os.Open(CachePath(path))
	if err != nil {
		return nil, false
	}
	defer fh.Close()

	zr, err := gzip.NewReader(bufio.NewReader(fh))
	if err != nil {
		o.Logger.Printf("warning: ignoring corrupt reference cache %s: %v", CachePath(path), err)
		return nil, false
	}
	defer zr.Close()

	var rc referenceCache
	if err := gob.NewDecoder(zr).Decode(&rc); err != nil {
		o.Logger.Printf("warning: ignoring corrupt reference cache %s: %v", CachePath(path), err)
		return nil, false
	}
	if rc.SourceSize != st.Size() || rc.SourceModTime != st.ModTime().UnixNano() {
		o.Logger.Printf("info: reference cache %s is stale", CachePath(path))
		return nil, false
	}

	t := NewReferenceTable(o.GridSize)
	for _, p := range rc.Points {
		t.Insert(p)
	}
	return t, true
}

// storeCachedTable writes a snapshot of t for the source file at path.
func storeCachedTable(path string, t *ReferenceTable) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	out, err := os.Create(CachePath(path))
	if err != nil {
		return fmt.Errorf("creating file %s: %w", CachePath(path), err)
	}

	zw := gzip.NewWriter(out)
	rc := referenceCache{
		SourceSize:    st.Size(),
		SourceModTime: st.ModTime().UnixNano(),
		Points:        t.points,
	}
	if err := gob.NewEncoder(zw).Encode(&rc); err != nil {
		out.Close()
		os.Remove(CachePath(path))
		return fmt.Errorf("encoding %s: %w", CachePath(path), err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(CachePath(path))
		return fmt.Errorf("writing file %s: %w", CachePath(path), err)
	}
	// Close explicitly to catch flush errors.
	if err := out.Close(); err != nil {
		os.Remove(CachePath(path))
		return fmt.Errorf("closing file %s: %w", CachePath(path), err)
	}
	return nil
}
