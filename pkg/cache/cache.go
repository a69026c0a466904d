// Package cache stores loaded dither data on disk, keyed by a content
// digest of the load parameters. A stale or unreadable entry is a miss,
// never a failure: every run must be reproducible by recomputation.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"

	"drizzlecomposer/internal/models"
)

func init() {
	// Metadata series hold interface values; gob needs the concrete
	// types registered to round-trip them.
	gob.Register(float64(0))
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register("")
	gob.Register(false)
}

// KeyInput collects every load parameter that affects a dither's
// contents. Any change to any field produces a different key, so
// distinct parameter sets never collide.
type KeyInput struct {
	// ExposureIDs is the dither's exposure identity list, in declared
	// order
	ExposureIDs []string

	// WvlMin, WvlMax is the wavelength window in nanometers
	WvlMin, WvlMax float64

	// Start, Duration is the time window in relative seconds
	Start, Duration float64

	// Derotate, AlignStartPA, Whitelight capture the rotation mode
	Derotate, AlignStartPA, Whitelight bool

	// WCSStep is the transform sample cadence in seconds
	WCSStep float64

	// ExcludeFlags is the exclusion set; order does not matter
	ExcludeFlags []string
}

// Key computes the deterministic digest of one load's parameters. All
// fields are length-prefixed and collections sorted before hashing so
// the digest is unambiguous.
func Key(in KeyInput) string {
	h := sha256.New()
	writeField := func(data []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(data)))
		h.Write(n[:])
		h.Write(data)
	}
	writeFloat := func(v float64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(int64(v*1e9)))
		writeField(b[:])
	}
	writeBool := func(v bool) {
		if v {
			writeField([]byte{1})
		} else {
			writeField([]byte{0})
		}
	}

	for _, id := range in.ExposureIDs {
		writeField([]byte(id))
	}
	writeFloat(in.WvlMin)
	writeFloat(in.WvlMax)
	writeFloat(in.Start)
	writeFloat(in.Duration)
	writeBool(in.Derotate)
	writeBool(in.AlignStartPA)
	writeBool(in.Whitelight)
	writeFloat(in.WCSStep)

	flags := append([]string(nil), in.ExcludeFlags...)
	sort.Strings(flags)
	for _, f := range flags {
		writeField([]byte(f))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Store is a filesystem cache of serialized DitherData, one file per
// (user, dataset, parameter digest) tuple.
type Store struct {
	// Dir is the cache directory
	Dir string

	// User namespaces entries per user so shared temp dirs don't mix
	User string

	// Dataset namespaces entries per dither dataset
	Dataset string
}

// NewStore creates a cache in dir (the OS temp dir when empty) for the
// current user and the given dataset name.
func NewStore(dir, dataset string) *Store {
	if dir == "" {
		dir = os.TempDir()
	}
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return &Store{Dir: dir, User: username, Dataset: dataset}
}

func (s *Store) entryPath(key string) string {
	return filepath.Join(s.Dir, fmt.Sprintf("drizzle_%s_%s_%s.gob", s.User, s.Dataset, key))
}

// Load returns the cached dither segments for a key, or nil on any
// miss or read failure.
func (s *Store) Load(key string) []*models.DitherData {
	f, err := os.Open(s.entryPath(key))
	if err != nil {
		return nil
	}
	defer f.Close()

	var data []*models.DitherData
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	for _, seg := range data {
		if err := seg.Validate(); err != nil {
			return nil
		}
	}
	return data
}

// Save writes one dither's segments under its key. The entry is
// written to a temporary file and renamed into place so concurrent
// readers never see a partial entry; the coordinator guarantees a
// single writer per key.
func (s *Store) Save(key string, data []*models.DitherData) error {
	tmp, err := os.CreateTemp(s.Dir, "drizzle-cache-*")
	if err != nil {
		return fmt.Errorf("creating cache temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(data); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing cache temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.entryPath(key)); err != nil {
		return fmt.Errorf("publishing cache entry: %w", err)
	}
	return nil
}

// Clear removes every cache entry belonging to this user and dataset.
func (s *Store) Clear() error {
	pattern := filepath.Join(s.Dir, fmt.Sprintf("drizzle_%s_%s_*.gob", s.User, s.Dataset))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("listing cache entries: %w", err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return fmt.Errorf("removing cache entry %s: %w", m, err)
		}
	}
	return nil
}
