package patient

import (
	"cmp"
	"slices"

	"github.com/radcase/radcase/internal/models"
)

// links is a reverse-lookup index from a parent key to its dependents.
type links[P, C cmp.Ordered] map[P]map[C]struct{}

func (l links[P, C]) add(parent P, child C) {
	set, ok := l[parent]
	if !ok {
		set = make(map[C]struct{})
		l[parent] = set
	}
	set[child] = struct{}{}
}

func (l links[P, C]) remove(parent P, child C) {
	set, ok := l[parent]
	if !ok {
		return
	}
	delete(set, child)
	if len(set) == 0 {
		delete(l, parent)
	}
}

// list returns the dependents of parent in ascending order.
func (l links[P, C]) list(parent P) []C {
	set := l[parent]
	out := make([]C, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// reverseIndex bounds cascade work to the actual dependent set.
type reverseIndex struct {
	annotationsByVolume links[models.VolumeID, models.AnnotationID]
	atlasesByVolume     links[models.VolumeID, models.AtlasID]
	reportsByVolume     links[models.VolumeID, models.ReportID]

	volumesByTimestamp     links[models.TimestampID, models.VolumeID]
	annotationsByTimestamp links[models.TimestampID, models.AnnotationID]
	atlasesByTimestamp     links[models.TimestampID, models.AtlasID]
	reportsByTimestamp     links[models.TimestampID, models.ReportID]
}

func newReverseIndex() *reverseIndex {
	return &reverseIndex{
		annotationsByVolume:    links[models.VolumeID, models.AnnotationID]{},
		atlasesByVolume:        links[models.VolumeID, models.AtlasID]{},
		reportsByVolume:        links[models.VolumeID, models.ReportID]{},
		volumesByTimestamp:     links[models.TimestampID, models.VolumeID]{},
		annotationsByTimestamp: links[models.TimestampID, models.AnnotationID]{},
		atlasesByTimestamp:     links[models.TimestampID, models.AtlasID]{},
		reportsByTimestamp:     links[models.TimestampID, models.ReportID]{},
	}
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
