// Package snapshot implements the Snapshotter of spec.md §4.5: periodic,
// atomically-published, gzip-compressed dumps of the entity store plus the
// applied-sequence watermark, with retention. Grounded on the teacher's
// state.go (StateSnapshotter ticker/flush/Close lifecycle) and
// internal/replay/cleaner.go (sweep loop, retention policy).
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"worldstate/internal/logging"
	"worldstate/internal/store"
)

const fileVersion = 1

// File is the on-disk snapshot schema (spec.md §3).
type File struct {
	SnapshotVersion int             `json:"snapshot_version"`
	CreatedAt       time.Time       `json:"created_at"`
	SequenceNumber  uint64          `json:"sequence_number"`
	EntityCount     int             `json:"entity_count"`
	Entities        []store.Entity  `json:"entities"`
}

// WatermarkFunc returns the applied-sequence watermark, sampled by the
// Snapshotter before iteration begins (the conservative choice documented
// in SPEC_FULL.md §9: pre-iteration sampling guarantees I3).
type WatermarkFunc func() uint64

// Snapshotter periodically persists the store to disk on a timer.
type Snapshotter struct {
	dir       string
	interval  time.Duration
	keepCount int
	store     *store.Store
	watermark WatermarkFunc
	log       *logging.Logger
	now       func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs a Snapshotter. It does not start the background loop;
// call Run for that.
func New(dir string, interval time.Duration, keepCount int, s *store.Store, watermark WatermarkFunc, logger *logging.Logger) (*Snapshotter, error) {
	if dir == "" {
		return nil, errors.New("snapshot: directory must be provided")
	}
	if s == nil || watermark == nil {
		return nil, errors.New("snapshot: store and watermark func are required")
	}
	if logger == nil {
		logger = logging.L()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	if keepCount <= 0 {
		keepCount = 10
	}
	return &Snapshotter{
		dir:       dir,
		interval:  interval,
		keepCount: keepCount,
		store:     s,
		watermark: watermark,
		log:       logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Run starts the periodic snapshot loop; it returns once Stop is called.
func (s *Snapshotter) Run() {
	defer close(s.doneCh)
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.TakeSnapshot(); err != nil {
				s.log.Error("snapshot failed", logging.Error(err))
			}
		case <-s.stopCh:
			return
		}
	}
}

// Stop halts the background loop and waits for it to exit. Safe to call
// multiple times.
func (s *Snapshotter) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// TakeSnapshot captures the store and publishes a new snapshot file,
// enforcing retention afterward. Never blocks the reducer: the watermark is
// sampled up front and iteration is a weakly-consistent read (store.Iterate).
func (s *Snapshotter) TakeSnapshot() (string, error) {
	//1.- Sample the watermark before iteration so the label is conservative:
	// any entity mutated by a later event may or may not appear in the
	// iterated set, but nothing at or below this sequence is missing.
	seq := s.watermark()

	var entities []store.Entity
	s.store.Iterate(func(e store.Entity) bool {
		entities = append(entities, e)
		return true
	})

	file := File{
		SnapshotVersion: fileVersion,
		CreatedAt:       s.now().UTC(),
		SequenceNumber:  seq,
		EntityCount:     len(entities),
		Entities:        entities,
	}

	name := fmt.Sprintf("snapshot-%s-seq%d.json.gz", file.CreatedAt.Format("20060102T150405.000000000Z"), seq)
	finalPath := filepath.Join(s.dir, name)
	tmpPath := finalPath + ".tmp"

	if err := s.writeCompressed(tmpPath, file); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("snapshot: publish rename: %w", err)
	}

	s.log.Info("snapshot published", logging.String("path", finalPath), logging.Uint64("sequence", seq), logging.Int("entities", len(entities)))

	s.enforceRetention()
	return finalPath, nil
}

func (s *Snapshotter) writeCompressed(path string, file File) error {
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	writer := gzip.NewWriter(f)
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		_ = f.Close()
		return fmt.Errorf("snapshot: write: %w", err)
	}
	if err := writer.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("snapshot: close gzip: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("snapshot: fsync: %w", err)
	}
	return f.Close()
}

// enforceRetention deletes snapshots beyond keepCount, oldest first.
func (s *Snapshotter) enforceRetention() {
	candidates, err := ListSnapshots(s.dir)
	if err != nil {
		s.log.Error("snapshot: list for retention failed", logging.Error(err))
		return
	}
	if len(candidates) <= s.keepCount {
		return
	}
	toRemove := candidates[:len(candidates)-s.keepCount]
	for _, c := range toRemove {
		if err := os.Remove(filepath.Join(s.dir, c.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Error("snapshot: retention delete failed", logging.String("path", c.Name), logging.Error(err))
		}
	}
}

// Info describes a snapshot file found on disk.
type Info struct {
	Name     string
	Sequence uint64
}

// ListSnapshots returns every snapshot file in dir, sorted ascending by
// sequence number (lowest first).
func ListSnapshots(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var infos []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := parseSequence(e.Name())
		if !ok {
			continue
		}
		infos = append(infos, Info{Name: e.Name(), Sequence: seq})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Sequence < infos[j].Sequence })
	return infos, nil
}

// Latest returns the snapshot with the highest sequence number, if any.
func Latest(dir string) (Info, bool, error) {
	infos, err := ListSnapshots(dir)
	if err != nil {
		return Info{}, false, err
	}
	if len(infos) == 0 {
		return Info{}, false, nil
	}
	return infos[len(infos)-1], true, nil
}

// Load reads and decompresses the snapshot file at path.
func Load(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("snapshot: open: %w", err)
	}
	defer f.Close()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return File{}, fmt.Errorf("snapshot: corrupt gzip: %w", err)
	}
	defer reader.Close()
	var file File
	if err := json.NewDecoder(reader).Decode(&file); err != nil {
		return File{}, fmt.Errorf("snapshot: corrupt json: %w", err)
	}
	return file, nil
}

func parseSequence(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".json.gz") {
		return 0, false
	}
	idx := strings.LastIndex(name, "-seq")
	if idx < 0 {
		return 0, false
	}
	raw := strings.TrimSuffix(name[idx+4:], ".json.gz")
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
