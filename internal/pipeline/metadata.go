package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"citydata/internal/cache"
)

// MetadataFile is the per-stage provenance export in the ephemeral zone.
const MetadataFile = "metadata.csv"

var metadataHeader = []string{
	"run_id", "ordinal", "stage", "records_in", "records_out",
	"columns_added", "duration_ms", "validated", "validation_errors",
}

// writeMetadata overwrites metadata.csv with the stages of this run.
func (e *Engine) writeMetadata(res *Result) error {
	dir := e.Cache.Dir(cache.Ephemeral)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	path := filepath.Join(dir, MetadataFile)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	w.Write(metadataHeader)
	for _, st := range res.Stages {
		w.Write([]string{
			res.RunID,
			strconv.Itoa(st.Ordinal),
			st.Stage,
			strconv.Itoa(st.RecordsIn),
			strconv.Itoa(st.RecordsOut),
			strings.Join(st.ColumnsAdded, ";"),
			strconv.FormatInt(st.Duration.Milliseconds(), 10),
			strconv.FormatBool(st.Validated),
			strconv.Itoa(st.ValidationErrors),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
