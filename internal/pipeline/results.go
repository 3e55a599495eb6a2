package pipeline

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Output formats accepted by Format.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatText = "text"
)

// ToJSON serializes a report to indented JSON.
func ToJSON(r *Report) (string, error) {
	if r == nil {
		return "", errors.New("nil report")
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ToJSONReports serializes several reports as one JSON array.
func ToJSONReports(reports []*Report) (string, error) {
	b, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// csvHeader is shared by ToCSV and ToCSVReports.
var csvHeader = []string{
	"filename", "box_index", "x1", "y1", "x2", "y2", "score",
	"leaf_px", "lesion_px", "severity", "status", "overlay",
}

// ToCSV emits one row per selected box, records and skips alike, in box order.
func ToCSV(r *Report) (string, error) {
	return ToCSVReports([]*Report{r})
}

// ToCSVReports writes a single header followed by the rows of every report.
func ToCSVReports(reports []*Report) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(csvHeader)
	for _, r := range reports {
		if r == nil {
			return "", errors.New("nil report")
		}
		for _, row := range csvRows(r) {
			_ = w.Write(row)
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}

func csvRows(r *Report) [][]string {
	skips := make(map[int]string, len(r.Skipped))
	for _, s := range r.Skipped {
		skips[s.BoxIndex] = string(s.Reason)
	}
	recs := make(map[int]int, len(r.Records))
	for i, rec := range r.Records {
		recs[rec.BoxIndex] = i
	}

	rows := make([][]string, 0, len(r.Selected))
	for _, idx := range r.Selected {
		if idx < 0 || idx >= len(r.Detections) {
			continue
		}
		d := r.Detections[idx]
		row := []string{
			r.Filename, strconv.Itoa(idx),
			strconv.Itoa(d.X1), strconv.Itoa(d.Y1), strconv.Itoa(d.X2), strconv.Itoa(d.Y2),
			fmt.Sprintf("%.3f", d.Score),
		}
		if i, ok := recs[idx]; ok {
			rec := r.Records[i]
			row = append(row, strconv.Itoa(rec.LeafPixels), strconv.Itoa(rec.LesionPixels),
				fmt.Sprintf("%.2f", rec.SeverityPercent), "ok", rec.OverlayName)
		} else {
			row = append(row, "", "", "", skips[idx], "")
		}
		rows = append(rows, row)
	}
	return rows
}

// ToText renders a human readable summary.
func ToText(r *Report) (string, error) {
	if r == nil {
		return "", errors.New("nil report")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%dx%d): %d detections, %d analysed\n",
		r.Filename, r.Width, r.Height, len(r.Detections), len(r.Selected))
	for _, rec := range r.Records {
		fmt.Fprintf(&sb, "  box %d: severity %.2f%% (lesion %d / leaf %d px)",
			rec.BoxIndex, rec.SeverityPercent, rec.LesionPixels, rec.LeafPixels)
		if rec.OverlayName != "" {
			fmt.Fprintf(&sb, " -> %s", rec.OverlayName)
		}
		sb.WriteByte('\n')
	}
	for _, s := range r.Skipped {
		fmt.Fprintf(&sb, "  box %d: skipped (%s)\n", s.BoxIndex, s.Reason)
	}
	if r.DetectionOverlayName != "" {
		fmt.Fprintf(&sb, "  detections: %s\n", r.DetectionOverlayName)
	}
	return sb.String(), nil
}

// Format renders a report in the named format.
func Format(r *Report, format string) (string, error) {
	switch strings.ToLower(format) {
	case "", FormatText:
		return ToText(r)
	case FormatJSON:
		return ToJSON(r)
	case FormatCSV:
		return ToCSV(r)
	default:
		return "", fmt.Errorf("unsupported format %q", format)
	}
}

// MeanSeverity averages the recorded severities; ok is false without records.
func (r *Report) MeanSeverity() (mean float64, ok bool) {
	if r == nil || len(r.Records) == 0 {
		return 0, false
	}
	var sum float64
	for _, rec := range r.Records {
		sum += rec.SeverityPercent
	}
	return sum / float64(len(r.Records)), true
}
