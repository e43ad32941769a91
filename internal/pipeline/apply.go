package pipeline

import (
	"errors"
	"fmt"
	"slices"

	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/patient"
)

// Target is the patient a job's outputs are applied to.
type Target interface {
	Classify(path string) (models.Category, error)
	ImportData(source string, opts patient.ImportOptions) (string, error)
	Volume(id models.VolumeID) (*patient.Volume, error)
}

var applyOrder = []models.Category{
	models.CategoryVolume,
	models.CategoryAnnotation,
	models.CategoryAtlas,
	models.CategoryReport,
}

// Apply imports outputs into p on the calling goroutine. Outputs without a
// category are classified by p, so they sort the way ImportData would see
// them. Outputs whose parent
// is a volume land in that volume's timestamp and attach to it. Every output
// is attempted; the ids of the successful imports are returned along with
// the joined failures.
func Apply(p Target, outputs []Output) ([]string, error) {
	queued := make([]Output, 0, len(outputs))
	var errs []error
	for _, o := range outputs {
		if o.Category == "" {
			cat, err := p.Classify(o.Path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			o.Category = cat
		}
		queued = append(queued, o)
	}
	slices.SortStableFunc(queued, func(a, b Output) int {
		return slices.Index(applyOrder, a.Category) - slices.Index(applyOrder, b.Category)
	})

	var ids []string
	for _, o := range queued {
		opts := patient.ImportOptions{Category: o.Category}
		if v, err := p.Volume(models.VolumeID(o.Parent)); err == nil {
			opts.Timestamp = v.Timestamp()
			if o.Category != models.CategoryVolume {
				opts.Parent = v.ID()
			}
		}
		id, err := p.ImportData(o.Path, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("applying %s output %s: %w", o.Step, o.Path, err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}
