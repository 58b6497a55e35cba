package session

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/egparedes/hpx-dashboard/internal/model"
	"github.com/egparedes/hpx-dashboard/internal/wire"
)

const (
	metaFile    = "session.yaml"
	metaVersion = 1

	// dirLayout names session directories.
	dirLayout = "20060102-150405"
)

var csvHeader = []string{"timestamp", "sequence", "value", "unit"}

type sessionMeta struct {
	Version     int              `yaml:"version"`
	Created     time.Time        `yaml:"created"`
	Collections []collectionMeta `yaml:"collections"`
}

type collectionMeta struct {
	ID      string     `yaml:"id"`
	Created time.Time  `yaml:"created"`
	Active  bool       `yaml:"active"`
	Lines   []lineMeta `yaml:"lines"`
}

type lineMeta struct {
	Hash     string `yaml:"hash"`
	Counter  string `yaml:"counter"`
	Instance string `yaml:"instance,omitempty"`
	File     string `yaml:"file"`
}

func collectionDir(sessionDir, id string) string { return filepath.Join(sessionDir, id) }

func lineFile(hash string) string { return hash + ".csv" }

func storageErr(op, path string, err error) error {
	return fmt.Errorf("session: %s %s: %w: %w", op, path, ErrStorageWrite, err)
}

// newSessionDir creates a fresh timestamped directory below root.
func newSessionDir(root string, now time.Time) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", storageErr("create", root, err)
	}
	base := filepath.Join(root, now.Format(dirLayout))
	dir := base
	for i := 2; ; i++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", storageErr("create", dir, err)
		}
		dir = fmt.Sprintf("%s-%d", base, i)
	}
}

// writeMeta atomically replaces the session metadata file.
func writeMeta(dir string, meta sessionMeta) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("session: encode metadata: %w", err)
	}
	path := filepath.Join(dir, metaFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return storageErr("write", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return storageErr("rename", path, err)
	}
	return nil
}

func readMeta(dir string) (sessionMeta, error) {
	var meta sessionMeta
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return meta, err
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode %s: %w", metaFile, err)
	}
	if meta.Version != metaVersion {
		return meta, fmt.Errorf("unsupported %s version %d", metaFile, meta.Version)
	}
	return meta, nil
}

// writeRows appends samples to a line file, writing the header when the file
// is new or truncate is set. On failure the file is truncated back to its previous size so a
// retry never duplicates rows.
func writeRows(path string, samples []model.CounterSample, truncate bool) (err error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return storageErr("open", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return storageErr("stat", path, err)
	}
	size := st.Size()
	defer func() {
		if err != nil {
			_ = f.Truncate(size)
		}
		if cerr := f.Close(); cerr != nil && err == nil {
			err = storageErr("close", path, cerr)
		}
	}()

	w := csv.NewWriter(f)
	if size == 0 {
		if err := w.Write(csvHeader); err != nil {
			return storageErr("write", path, err)
		}
	}
	row := make([]string, 4)
	for _, s := range samples {
		row[0] = wire.FormatFloat(s.Timestamp)
		row[1] = strconv.FormatUint(s.Sequence, 10)
		row[2] = wire.FormatFloat(s.Value)
		row[3] = s.Unit
		if err := w.Write(row); err != nil {
			return storageErr("write", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return storageErr("write", path, err)
	}
	return nil
}

// readRows loads a line file written by writeRows.
func readRows(path, counter string, instance model.InstanceDescriptor) ([]model.CounterSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(csvHeader)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: header: %w", path, err)
	}
	for i, h := range csvHeader {
		if header[i] != h {
			return nil, fmt.Errorf("%s: unexpected header %v", path, header)
		}
	}

	var out []model.CounterSample
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		ts, err := strconv.ParseFloat(rec[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: timestamp %q: %w", path, rec[0], err)
		}
		seq, err := strconv.ParseUint(rec[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: sequence %q: %w", path, rec[1], err)
		}
		v, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: value %q: %w", path, rec[2], err)
		}
		if n := len(out); n > 0 && ts < out[n-1].Timestamp {
			return nil, fmt.Errorf("%s: timestamp %v after %v: %w", path, ts, out[n-1].Timestamp, ErrOutOfOrder)
		}
		out = append(out, model.CounterSample{
			Name:      counter,
			Instance:  instance,
			Sequence:  seq,
			Timestamp: ts,
			Value:     v,
			Unit:      rec[3],
		})
	}
	return out, nil
}

// loadCollection reads one collection described by meta from sessionDir.
// Every loaded row counts as flushed.
func loadCollection(sessionDir string, meta collectionMeta) (*Collection, error) {
	if meta.ID == "" || filepath.Base(meta.ID) != meta.ID {
		return nil, fmt.Errorf("invalid collection id %q", meta.ID)
	}
	c := newCollection(meta.ID, meta.Created, sessionDir)
	for _, lm := range meta.Lines {
		inst, err := wire.ParseInstance(lm.Instance)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", meta.ID, err)
		}
		hash := LineHash(lm.Counter, inst)
		if hash != lm.Hash || lm.File != lineFile(hash) {
			return nil, fmt.Errorf("collection %s: line %s does not match %s%s", meta.ID, lm.Hash, lm.Counter, inst)
		}
		if _, dup := c.lines[hash]; dup {
			return nil, fmt.Errorf("collection %s: duplicate line %s", meta.ID, hash)
		}
		samples, err := readRows(filepath.Join(collectionDir(sessionDir, meta.ID), lm.File), lm.Counter, inst)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", meta.ID, err)
		}
		l := &line{hash: hash, counter: lm.Counter, instance: inst, samples: samples, flushed: len(samples)}
		c.lines[hash] = l
		c.order = append(c.order, l)
		c.samples += len(samples)
	}
	return c, nil
}
