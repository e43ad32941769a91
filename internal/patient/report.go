package patient

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/radcase/radcase/internal/models"
)

// Report is structured key/value content produced by an analysis.
type Report struct {
	id          models.ReportID
	timestamp   models.TimestampID
	parent      models.VolumeID
	displayName string
	kind        models.ReportKind
	raw         StoredPath
	canonical   StoredPath
	content     map[string]any
}

func (r *Report) ID() models.ReportID { return r.id }
func (r *Report) Timestamp() models.TimestampID { return r.timestamp }
func (r *Report) Parent() models.VolumeID { return r.parent }
func (r *Report) DisplayName() string { return r.displayName }
func (r *Report) Kind() models.ReportKind { return r.kind }
func (r *Report) Raw() StoredPath { return r.raw }
func (r *Report) Canonical() StoredPath { return r.canonical }

// Content returns the parsed result document.
func (r *Report) Content() map[string]any { return r.content }

// SetDisplayName changes the name shown for the report.
func (r *Report) SetDisplayName(name string) { r.displayName = name }

// SetKind changes the report kind.
func (r *Report) SetKind(k models.ReportKind) error {
	if !k.IsValid() {
		return models.Validationf("report kind %q", k)
	}
	r.kind = k
	return nil
}

// Flatten renders nested content as dotted keys mapped to scalar strings.
// List elements are addressed by index.
func (r *Report) Flatten() map[string]string {
	out := make(map[string]string)
	flattenInto(out, "", r.content)
	return out
}

func flattenInto(out map[string]string, prefix string, v any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			flattenInto(out, join(k), child)
		}
	case map[any]any:
		for k, child := range t {
			flattenInto(out, join(fmt.Sprint(k)), child)
		}
	case []any:
		for i, child := range t {
			flattenInto(out, join(strconv.Itoa(i)), child)
		}
	case nil:
		if prefix != "" {
			out[prefix] = ""
		}
	default:
		out[prefix] = fmt.Sprint(t)
	}
}

// FlatKeys returns the sorted keys of Flatten.
func (r *Report) FlatKeys() []string {
	flat := r.Flatten()
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// readReport parses a JSON or YAML result document.
func readReport(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var content map[string]any
	if err := yaml.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if content == nil {
		content = map[string]any{}
	}
	return content, nil
}

// guessReportKind derives a report kind from common file naming conventions.
func guessReportKind(name string) models.ReportKind {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "surg"):
		return models.ReportSurgical
	case strings.Contains(lower, "feature"), strings.Contains(lower, "radiomic"):
		return models.ReportFeatures
	}
	return models.ReportCharacteristics
}

// LinkReport attaches a report to a volume, or detaches it when parent is empty.
func (p *Patient) LinkReport(id models.ReportID, parent models.VolumeID) error {
	r, err := p.Report(id)
	if err != nil {
		return err
	}
	if parent != "" {
		if _, ok := p.volumes[parent]; !ok {
			return models.Referentialf("report %s cannot link to missing volume %s", id, parent)
		}
	}
	if r.parent != "" {
		p.idx.reportsByVolume.remove(r.parent, r.id)
	}
	r.parent = parent
	if parent != "" {
		p.idx.reportsByVolume.add(parent, r.id)
	}
	return nil
}

func (p *Patient) registerReport(r *Report) {
	p.reports[r.id] = r
	if r.parent != "" {
		p.idx.reportsByVolume.add(r.parent, r.id)
	}
	p.idx.reportsByTimestamp.add(r.timestamp, r.id)
}

func (p *Patient) unregisterReport(r *Report) {
	delete(p.reports, r.id)
	if r.parent != "" {
		p.idx.reportsByVolume.remove(r.parent, r.id)
	}
	p.idx.reportsByTimestamp.remove(r.timestamp, r.id)
}
