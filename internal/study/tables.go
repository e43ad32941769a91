package study

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"

	"github.com/radcase/radcase/internal/models"
)

// AnnotationRow is one line of the annotation statistics table.
type AnnotationRow struct {
	PatientID    string
	AnnotationID string
	Timestamp    string
	Class        models.AnnotationClass
	Provenance   models.Provenance
	VolumeML     float64
}

// ReportRow is one line of the report statistics table. Values holds the
// flattened report content; the table has one column per key seen in any
// row. Empty values are kept, so keys with null content survive a reload.
type ReportRow struct {
	PatientID string
	ReportID  string
	Timestamp string
	Kind      models.ReportKind
	Values    map[string]string
}

var (
	annotationHeader = []string{"patient_id", "annotation_id", "timestamp", "class", "provenance", "volume_ml"}
	reportHeader     = []string{"patient_id", "report_id", "timestamp", "kind"}
)

func encodeAnnotations(rows []AnnotationRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(annotationHeader); err != nil {
		return nil, err
	}
	for _, r := range rows {
		rec := []string{
			r.PatientID,
			r.AnnotationID,
			r.Timestamp,
			string(r.Class),
			string(r.Provenance),
			strconv.FormatFloat(r.VolumeML, 'g', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func decodeAnnotations(r io.Reader) ([]AnnotationRow, error) {
	records, err := readTable(r, annotationHeader)
	if err != nil {
		return nil, err
	}
	rows := make([]AnnotationRow, 0, len(records))
	for i, rec := range records {
		if len(rec) != len(annotationHeader) {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i+1, len(rec), len(annotationHeader))
		}
		ml, err := strconv.ParseFloat(rec[5], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d volume: %w", i+1, err)
		}
		rows = append(rows, AnnotationRow{
			PatientID:    rec[0],
			AnnotationID: rec[1],
			Timestamp:    rec[2],
			Class:        models.AnnotationClass(rec[3]),
			Provenance:   models.Provenance(rec[4]),
			VolumeML:     ml,
		})
	}
	return rows, nil
}

// reportColumns is the sorted union of value keys across rows.
func reportColumns(rows []ReportRow) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r.Values {
			seen[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

func encodeReports(rows []ReportRow) ([]byte, error) {
	cols := reportColumns(rows)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(append(slices.Clone(reportHeader), cols...)); err != nil {
		return nil, err
	}
	for _, r := range rows {
		rec := []string{r.PatientID, r.ReportID, r.Timestamp, string(r.Kind)}
		for _, c := range cols {
			rec = append(rec, r.Values[c])
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func decodeReports(r io.Reader) ([]ReportRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	if len(header) < len(reportHeader) || !slices.Equal(header[:len(reportHeader)], reportHeader) {
		return nil, fmt.Errorf("unexpected header %v", header)
	}
	cols := header[len(reportHeader):]
	rows := make([]ReportRow, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i+1, len(rec), len(header))
		}
		row := ReportRow{
			PatientID: rec[0],
			ReportID:  rec[1],
			Timestamp: rec[2],
			Kind:      models.ReportKind(rec[3]),
		}
		if len(cols) > 0 {
			row.Values = make(map[string]string, len(cols))
		}
		for j, c := range cols {
			row.Values[c] = rec[len(reportHeader)+j]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// readTable reads a fixed-header table and returns the records after the
// header row.
func readTable(r io.Reader, header []string) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	if !slices.Equal(records[0], header) {
		return nil, fmt.Errorf("unexpected header %v", records[0])
	}
	return records[1:], nil
}
