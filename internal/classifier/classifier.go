package classifier

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/nifti"
)

// Classifier determines which entity kind a source file becomes.
type Classifier interface {
	Classify(path string) (models.Category, error)
}

// HeuristicClassifier uses file names first, then voxel content.
type HeuristicClassifier struct {
	logger *slog.Logger
}

// NewClassifier creates a new heuristic classifier.
func NewClassifier(logger *slog.Logger) *HeuristicClassifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HeuristicClassifier{logger: logger}
}

// annotationPatterns match file names of binary segmentations.
var annotationPatterns = []string{
	"seg", "label", "mask", "annotation", "_gt", "groundtruth",
}

// atlasPatterns match file names of multi-structure label maps.
var atlasPatterns = []string{
	"atlas", "parcellation", "structures", "cortical", "subcortical",
}

// reportExtensions are structured result documents.
var reportExtensions = []string{".json", ".yaml", ".yml"}

// Classify determines the category of the file at path.
func (c *HeuristicClassifier) Classify(path string) (models.Category, error) {
	lower := strings.ToLower(filepath.Base(path))

	for _, ext := range reportExtensions {
		if strings.HasSuffix(lower, ext) {
			return models.CategoryReport, nil
		}
	}
	if !nifti.IsNIfTI(lower) {
		return "", fmt.Errorf("%w: cannot classify %s", models.ErrValidation, path)
	}

	stem := nifti.TrimExt(lower)
	for _, p := range atlasPatterns {
		if strings.Contains(stem, p) {
			c.logger.Debug("classified by name", "path", path, "category", models.CategoryAtlas)
			return models.CategoryAtlas, nil
		}
	}
	for _, p := range annotationPatterns {
		if strings.Contains(stem, p) {
			c.logger.Debug("classified by name", "path", path, "category", models.CategoryAnnotation)
			return models.CategoryAnnotation, nil
		}
	}

	img, err := nifti.Read(path)
	if err != nil {
		return "", models.Storagef(err, "classifying %s", path)
	}
	category := ClassifyImage(img)
	c.logger.Debug("classified by content", "path", path, "category", category)
	return category, nil
}

// ClassifyImage inspects voxel values: an image whose only positive value is
// a single integer is an annotation, anything else a volume. Atlases are
// recognised by name only.
func ClassifyImage(img *nifti.Image) models.Category {
	var label float32
	for _, v := range img.Data {
		switch {
		case v == 0:
		case v < 0 || v != float32(int32(v)):
			return models.CategoryVolume
		case label == 0:
			label = v
		case v != label:
			return models.CategoryVolume
		}
	}
	if label == 0 {
		return models.CategoryVolume
	}
	return models.CategoryAnnotation
}
