// Package snapshot writes versioned per-classifier training snapshots as
// parquet files named cord19_<classifier>_v<N>.parquet.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/parquet-go/parquet-go"
	"gorm.io/gorm"

	"github.com/figcuration/curator/pkg/trainingset"
)

const filePrefix = "cord19_"

// Record is the on-disk row layout.
type Record struct {
	Image         string `parquet:"image"`
	ImagePath     string `parquet:"imagePath"`
	Width         int64  `parquet:"width"`
	Height        int64  `parquet:"height"`
	Label         string `parquet:"label"`
	Source        string `parquet:"source"`
	Caption       string `parquet:"caption"`
	Original      string `parquet:"original"`
	SplitSet      string `parquet:"splitSet"`
	IsGroundTruth bool   `parquet:"isGroundTruth"`
}

func toRecords(rows []trainingset.Row) []Record {
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = Record{
			Image:         r.Image,
			ImagePath:     r.ImagePath,
			Width:         int64(r.Width),
			Height:        int64(r.Height),
			Label:         r.Label,
			Source:        r.Source,
			Caption:       r.Caption,
			Original:      r.Original,
			SplitSet:      r.SplitSet,
			IsGroundTruth: r.IsGroundTruth,
		}
	}
	return out
}

// FileName returns the snapshot file name of a classifier version.
func FileName(classifier string, version int) string {
	return fmt.Sprintf("%s%s_v%d.parquet", filePrefix, classifier, version)
}

// NextVersion scans folder for snapshots of classifier and returns the
// highest version plus one, or 1 when there are none. A missing folder
// counts as empty.
func NextVersion(classifier, folder string) (int, error) {
	entries, err := os.ReadDir(folder)
	if os.IsNotExist(err) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan snapshot folder %s: %w", folder, err)
	}
	re := regexp.MustCompile("^" + regexp.QuoteMeta(filePrefix+classifier) + `_v(\d+)\.parquet$`)
	latest := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		latest = max(latest, n)
	}
	return latest + 1, nil
}

// Write serializes rows to path. The data goes to path+".tmp" first and is
// renamed into place once the file is closed.
func Write(path string, rows []trainingset.Row) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot %s: %w", tmp, err)
	}
	w := parquet.NewGenericWriter[Record](f)
	if _, err := w.Write(toRecords(rows)); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write snapshot %s: %w", tmp, err)
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("finish snapshot %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close snapshot %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename snapshot %s: %w", path, err)
	}
	return nil
}

// Read loads a snapshot file.
func Read(path string) ([]Record, error) {
	records, err := parquet.ReadFile[Record](path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	return records, nil
}

// TableBuilder produces the training table of a classifier.
type TableBuilder interface {
	Build(ctx context.Context, db *gorm.DB, classifier string) ([]trainingset.Row, error)
}

// File describes a written snapshot.
type File struct {
	Classifier string `json:"classifier" yaml:"classifier"`
	Version    int    `json:"version" yaml:"version"`
	Path       string `json:"path" yaml:"path"`
	Rows       int    `json:"rows" yaml:"rows"`
}

// Exporter builds and writes snapshots into one folder.
type Exporter struct {
	builder TableBuilder
	folder  string
	logger  *slog.Logger
}

// NewExporter creates an Exporter writing into folder.
func NewExporter(builder TableBuilder, folder string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{builder: builder, folder: folder, logger: logger}
}

// Folder returns the output folder.
func (e *Exporter) Folder() string {
	return e.folder
}

// Export builds the training table of classifier and writes it as the next
// version. Nothing is written when the build fails.
func (e *Exporter) Export(ctx context.Context, db *gorm.DB, classifier string) (File, error) {
	rows, err := e.builder.Build(ctx, db, classifier)
	if err != nil {
		return File{}, fmt.Errorf("build training set for %s: %w", classifier, err)
	}
	if err := os.MkdirAll(e.folder, 0o755); err != nil {
		return File{}, fmt.Errorf("create output folder %s: %w", e.folder, err)
	}
	version, err := NextVersion(classifier, e.folder)
	if err != nil {
		return File{}, err
	}
	out := File{
		Classifier: classifier,
		Version:    version,
		Path:       filepath.Join(e.folder, FileName(classifier, version)),
		Rows:       len(rows),
	}
	if err := Write(out.Path, rows); err != nil {
		return File{}, err
	}
	e.logger.Info("wrote snapshot", "classifier", classifier, "version", version, "path", out.Path, "rows", out.Rows)
	return out, nil
}
