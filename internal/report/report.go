// Package report renders per-image results as CSV. Absent values are empty
// fields, never zeros: a missing optional metric and a measured zero must
// stay distinguishable downstream.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/kazukittin/dupsnap/internal/engine"
	"github.com/kazukittin/dupsnap/internal/metrics"
)

var columns = []string{
	"path", "width", "height", "resolution_score", "group_id",
	metrics.MetricVOL, metrics.MetricTenengrad, metrics.MetricHFR,
	metrics.MetricVarFlat, metrics.MetricWaveletVar, metrics.MetricJPEGBlock,
	"decision", "action_outcome",
}

var metricColumns = []string{
	metrics.MetricVOL, metrics.MetricTenengrad, metrics.MetricHFR,
	metrics.MetricVarFlat, metrics.MetricWaveletVar, metrics.MetricJPEGBlock,
}

// Write emits the header and one row per record, in the given order.
func Write(w io.Writer, records []*engine.ImageRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		if err := cw.Write(row(r)); err != nil {
			return fmt.Errorf("write csv row for %s: %w", r.Path, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes a report to path, creating or truncating it.
func WriteFile(path string, records []*engine.ImageRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report %s: %w", path, err)
	}
	if err := Write(f, records); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Filter returns the records carrying one decision, preserving order. Used
// for the per-category list reports.
func Filter(records []*engine.ImageRecord, decision engine.Decision) []*engine.ImageRecord {
	var out []*engine.ImageRecord
	for _, r := range records {
		if r.Decision == decision {
			out = append(out, r)
		}
	}
	return out
}

func row(r *engine.ImageRecord) []string {
	fields := make([]string, 0, len(columns))
	fields = append(fields, r.Path)

	if r.Skipped() {
		// Path and decision only; the rest was never measured.
		for len(fields) < len(columns)-2 {
			fields = append(fields, "")
		}
		return append(fields, string(engine.DecisionSkipped), outcomeField(r.Outcome))
	}

	fields = append(fields,
		strconv.Itoa(r.Width),
		strconv.Itoa(r.Height),
		strconv.FormatInt(r.ResolutionScore(), 10),
		groupField(r.GroupID),
	)
	for _, name := range metricColumns {
		if v, ok := r.Scores[name]; ok {
			fields = append(fields, strconv.FormatFloat(v, 'g', -1, 64))
		} else {
			fields = append(fields, "")
		}
	}
	return append(fields, string(r.Decision), outcomeField(r.Outcome))
}

// groupField leaves singletons blank; group ids exist only for real groups.
func groupField(id int) string {
	if id == 0 {
		return ""
	}
	return strconv.Itoa(id)
}

// outcomeField leaves untouched records blank.
func outcomeField(o engine.Outcome) string {
	if o == engine.OutcomePending {
		return ""
	}
	return string(o)
}
