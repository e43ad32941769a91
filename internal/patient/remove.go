package patient

import (
	"os"
	"path/filepath"

	"github.com/radcase/radcase/internal/metrics"
	"github.com/radcase/radcase/internal/models"
)

// Manifest section names, also used as keys of Removed.
const (
	SectionTimestamps  = "Timestamps"
	SectionVolumes     = "Volumes"
	SectionAnnotations = "Annotations"
	SectionAtlases     = "Atlases"
	SectionReports     = "Reports"
)

// Removed lists, per section, the dependents a cascading delete removed in
// addition to the entity it was called on.
type Removed map[string][]string

// Count is the total number of ids in r.
func (r Removed) Count() int {
	n := 0
	for _, ids := range r {
		n += len(ids)
	}
	return n
}

func (r Removed) add(section, id string) {
	r[section] = append(r[section], id)
}

// RemoveTimestamp deletes a timestamp with every entity it holds and its
// folder, then renumbers the remaining orders.
func (p *Patient) RemoveTimestamp(id models.TimestampID) (Removed, error) {
	ts, err := p.Timestamp(id)
	if err != nil {
		return nil, err
	}
	removed := Removed{}
	for _, rid := range p.idx.reportsByTimestamp.list(id) {
		p.removeReportEntity(p.reports[rid])
		removed.add(SectionReports, string(rid))
	}
	for _, aid := range p.idx.atlasesByTimestamp.list(id) {
		p.removeAtlasEntity(p.atlases[aid])
		removed.add(SectionAtlases, string(aid))
	}
	for _, aid := range p.idx.annotationsByTimestamp.list(id) {
		p.removeAnnotationEntity(p.annotations[aid])
		removed.add(SectionAnnotations, string(aid))
	}
	for _, vid := range p.idx.volumesByTimestamp.list(id) {
		for section, ids := range p.cascadeVolume(vid) {
			for _, dep := range ids {
				removed.add(section, dep)
			}
		}
		removed.add(SectionVolumes, string(vid))
	}

	dir := filepath.Join(p.folder, ts.folderName)
	if err := os.RemoveAll(dir); err != nil {
		p.logger.Warn("removing timestamp folder", "path", dir, "error", err)
	}
	delete(p.timestamps, id)
	p.renumberTimestamps()
	if p.activeTimestamp == id {
		p.activeTimestamp = ""
		if remaining := p.Timestamps(); len(remaining) > 0 {
			p.activeTimestamp = remaining[0].id
		}
	}
	metrics.Add(metrics.CascadeRemoved, removed.Count())
	p.logger.Info("timestamp removed", "timestamp", id, "dependents", removed.Count())
	return removed, nil
}

// RemoveVolume deletes a volume with its annotations and atlases. Reports
// attached to the volume are detached and kept.
func (p *Patient) RemoveVolume(id models.VolumeID) (Removed, error) {
	if _, err := p.Volume(id); err != nil {
		return nil, err
	}
	removed := p.cascadeVolume(id)
	metrics.Add(metrics.CascadeRemoved, 1+removed.Count())
	p.logger.Info("volume removed", "volume", id, "dependents", removed.Count())
	return removed, nil
}

func (p *Patient) cascadeVolume(id models.VolumeID) Removed {
	removed := Removed{}
	for _, aid := range p.idx.annotationsByVolume.list(id) {
		p.removeAnnotationEntity(p.annotations[aid])
		removed.add(SectionAnnotations, string(aid))
	}
	for _, aid := range p.idx.atlasesByVolume.list(id) {
		p.removeAtlasEntity(p.atlases[aid])
		removed.add(SectionAtlases, string(aid))
	}
	for _, rid := range p.idx.reportsByVolume.list(id) {
		r := p.reports[rid]
		p.idx.reportsByVolume.remove(id, rid)
		r.parent = ""
	}
	p.removeVolumeEntity(p.volumes[id])
	return removed
}

// RemoveAnnotation deletes one annotation and its files.
func (p *Patient) RemoveAnnotation(id models.AnnotationID) (Removed, error) {
	a, err := p.Annotation(id)
	if err != nil {
		return nil, err
	}
	p.removeAnnotationEntity(a)
	metrics.Inc(metrics.CascadeRemoved)
	return Removed{}, nil
}

// RemoveAtlas deletes one atlas and its files.
func (p *Patient) RemoveAtlas(id models.AtlasID) (Removed, error) {
	a, err := p.Atlas(id)
	if err != nil {
		return nil, err
	}
	p.removeAtlasEntity(a)
	metrics.Inc(metrics.CascadeRemoved)
	return Removed{}, nil
}

// RemoveReport deletes one report and its copied result file.
func (p *Patient) RemoveReport(id models.ReportID) (Removed, error) {
	r, err := p.Report(id)
	if err != nil {
		return nil, err
	}
	p.removeReportEntity(r)
	metrics.Inc(metrics.CascadeRemoved)
	return Removed{}, nil
}

// The remove*Entity helpers unregister first and then delete owned files best
// effort, so a failed file removal never leaves a dangling entity.

func (p *Patient) removeVolumeEntity(v *Volume) {
	p.unregisterVolume(v)
	p.logRemoval(entityLabel("volume", v.id), v.files.remove(p), p.removeOwned(v.metadata))
}

func (p *Patient) removeAnnotationEntity(a *Annotation) {
	p.unregisterAnnotation(a)
	errs := []error{a.files.remove(p)}
	for _, sp := range a.registered {
		errs = append(errs, p.removeOwned(sp))
	}
	p.logRemoval(entityLabel("annotation", a.id), errs...)
}

func (p *Patient) removeAtlasEntity(a *Atlas) {
	p.unregisterAtlas(a)
	errs := []error{a.files.remove(p), p.removeOwned(a.description)}
	for _, sp := range a.registered {
		errs = append(errs, p.removeOwned(sp))
	}
	a.indicators = nil
	p.logRemoval(entityLabel("atlas", a.id), errs...)
}

func (p *Patient) removeReportEntity(r *Report) {
	p.unregisterReport(r)
	p.logRemoval(entityLabel("report", r.id), p.removeOwned(r.canonical), p.removeOwned(r.raw))
}

func (p *Patient) logRemoval(entity string, errs ...error) {
	for _, err := range errs {
		if err != nil {
			p.logger.Warn("removing owned file", "entity", entity, "error", err)
		}
	}
}

// Remove deletes the timestamp or entity named id, whatever its kind.
func (p *Patient) Remove(id string) (Removed, error) {
	if _, ok := p.timestamps[models.TimestampID(id)]; ok {
		return p.RemoveTimestamp(models.TimestampID(id))
	}
	if _, ok := p.volumes[models.VolumeID(id)]; ok {
		return p.RemoveVolume(models.VolumeID(id))
	}
	if _, ok := p.annotations[models.AnnotationID(id)]; ok {
		return p.RemoveAnnotation(models.AnnotationID(id))
	}
	if _, ok := p.atlases[models.AtlasID(id)]; ok {
		return p.RemoveAtlas(models.AtlasID(id))
	}
	if _, ok := p.reports[models.ReportID(id)]; ok {
		return p.RemoveReport(models.ReportID(id))
	}
	return nil, models.NotFoundf("entity", id)
}
