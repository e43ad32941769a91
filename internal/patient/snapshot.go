package patient

import (
	"fmt"

	"github.com/radcase/radcase/internal/models"
)

// Snapshot summarizes the patient for study statistics. Annotation volumes
// are measured on the canonical arrays.
func (p *Patient) Snapshot() (models.PatientSnapshot, error) {
	snap := models.PatientSnapshot{
		ID:          p.id,
		DisplayName: p.displayName,
		Annotations: make([]models.AnnotationSummary, 0, len(p.annotations)),
		Reports:     make([]models.ReportSummary, 0, len(p.reports)),
	}
	for _, a := range p.Annotations() {
		img, err := a.files.canonicalImage(p)
		if err != nil {
			return models.PatientSnapshot{}, fmt.Errorf("annotation %s: %w", a.id, err)
		}
		snap.Annotations = append(snap.Annotations, models.AnnotationSummary{
			ID:         string(a.id),
			Timestamp:  p.timestamps[a.timestamp].displayName,
			Class:      a.class,
			Provenance: a.provenance,
			VolumeML:   maskVolumeML(img),
		})
	}
	for _, r := range p.Reports() {
		snap.Reports = append(snap.Reports, models.ReportSummary{
			ID:        string(r.id),
			Timestamp: p.timestamps[r.timestamp].displayName,
			Kind:      r.kind,
			Values:    r.Flatten(),
		})
	}
	return snap, nil
}
