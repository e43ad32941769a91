package patient

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/radcase/radcase/internal/imaging"
	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/nifti"
)

// Structure is the display style of one atlas label.
type Structure struct {
	Color   models.Color
	Opacity float64
}

// Atlas is a label image encoding many named structures.
type Atlas struct {
	id          models.AtlasID
	timestamp   models.TimestampID
	parent      models.VolumeID
	displayName string
	provenance  models.Provenance
	description StoredPath
	names       map[int]string
	structures  map[int]Structure
	registered  map[string]StoredPath
	files       imageFiles
	indicators  map[int][]bool
	logger      *slog.Logger
}

func (a *Atlas) ID() models.AtlasID { return a.id }
func (a *Atlas) Timestamp() models.TimestampID { return a.timestamp }
func (a *Atlas) Parent() models.VolumeID { return a.parent }
func (a *Atlas) DisplayName() string { return a.displayName }
func (a *Atlas) Provenance() models.Provenance { return a.provenance }
func (a *Atlas) Raw() StoredPath { return a.files.raw }
func (a *Atlas) Canonical() StoredPath { return a.files.canonical }
func (a *Atlas) Display() StoredPath { return a.files.display }
func (a *Atlas) Description() StoredPath { return a.description }

// Labels lists every label value carrying a structure.
func (a *Atlas) Labels() []int { return sortedKeys(a.structures) }

// RegisteredSpaces lists the target spaces holding a registered copy.
func (a *Atlas) RegisteredSpaces() []string { return sortedKeys(a.registered) }

// SetDisplayName changes the name shown for the atlas.
func (a *Atlas) SetDisplayName(name string) { a.displayName = name }

// SetProvenance records how the atlas was produced.
func (a *Atlas) SetProvenance(pv models.Provenance) error {
	if !pv.IsValid() {
		return models.Validationf("provenance %q", pv)
	}
	a.provenance = pv
	return nil
}

// LabelName returns the structure name of label, or "" when the description
// table does not name it.
func (a *Atlas) LabelName(label int) string { return a.names[label] }

// LabelByName resolves a structure name, case-insensitively, to its label.
func (a *Atlas) LabelByName(name string) (int, error) {
	for _, label := range sortedKeys(a.names) {
		if strings.EqualFold(a.names[label], name) {
			return label, nil
		}
	}
	return 0, models.NotFoundf("structure", name)
}

// Structure returns the style of label.
func (a *Atlas) Structure(label int) (Structure, error) {
	s, ok := a.structures[label]
	if !ok {
		return Structure{}, models.NotFoundf("label", label)
	}
	return s, nil
}

// StructureColor returns the color of the named structure.
func (a *Atlas) StructureColor(name string) (models.Color, error) {
	label, err := a.LabelByName(name)
	if err != nil {
		return models.Color{}, err
	}
	s, err := a.Structure(label)
	if err != nil {
		return models.Color{}, err
	}
	return s.Color, nil
}

// SetStructureColor changes the color of the named structure.
func (a *Atlas) SetStructureColor(name string, c models.Color) error {
	if !c.Valid() {
		return models.Validationf("color %v out of range", c)
	}
	return a.updateStructure(name, func(s *Structure) { s.Color = c })
}

// SetStructureOpacity changes the opacity of the named structure, clamped to [0, 1].
func (a *Atlas) SetStructureOpacity(name string, o float64) error {
	return a.updateStructure(name, func(s *Structure) { s.Opacity = clampOpacity(o) })
}

func (a *Atlas) updateStructure(name string, update func(*Structure)) error {
	label, err := a.LabelByName(name)
	if err != nil {
		return err
	}
	s, err := a.Structure(label)
	if err != nil {
		return err
	}
	update(&s)
	a.structures[label] = s
	return nil
}

func (a *Atlas) render(p *Patient) renderFunc {
	return p.deps.Display.Labels
}

// defaultStructures styles every label of img with its palette color.
func defaultStructures(img *nifti.Image, opacity float64) map[int]Structure {
	out := make(map[int]Structure)
	for _, label := range img.Labels() {
		out[label] = Structure{Color: imaging.PaletteColor(label), Opacity: opacity}
	}
	return out
}

// readDescription parses a label,name table. A header row is skipped when its
// first column is not an integer.
func readDescription(path string) (map[int]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	names := make(map[int]string)
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("line %d: want label,name", line)
		}
		label, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: label %q is not an integer", line, rec[0])
		}
		names[label] = strings.TrimSpace(rec[1])
	}
	return names, nil
}

// AtlasIndicators returns one boolean mask per label of the atlas display
// array. The stack is cached while the patient is resident.
func (p *Patient) AtlasIndicators(id models.AtlasID) (map[int][]bool, error) {
	a, err := p.Atlas(id)
	if err != nil {
		return nil, err
	}
	if a.indicators != nil {
		return a.indicators, nil
	}
	img, err := a.files.displayImage(p, a.render(p))
	if err != nil {
		return nil, err
	}
	stack := imaging.IndicatorStack(img)
	if p.resident {
		a.indicators = stack
	}
	return stack, nil
}

// LinkAtlas moves an atlas to another parent volume.
func (p *Patient) LinkAtlas(id models.AtlasID, parent models.VolumeID) error {
	a, err := p.Atlas(id)
	if err != nil {
		return err
	}
	if _, ok := p.volumes[parent]; !ok {
		return models.Referentialf("atlas %s cannot link to missing volume %s", id, parent)
	}
	p.idx.atlasesByVolume.remove(a.parent, a.id)
	a.parent = parent
	p.idx.atlasesByVolume.add(parent, a.id)
	return nil
}

func (p *Patient) registerAtlas(a *Atlas) {
	p.atlases[a.id] = a
	p.idx.atlasesByVolume.add(a.parent, a.id)
	p.idx.atlasesByTimestamp.add(a.timestamp, a.id)
}

func (p *Patient) unregisterAtlas(a *Atlas) {
	delete(p.atlases, a.id)
	p.idx.atlasesByVolume.remove(a.parent, a.id)
	p.idx.atlasesByTimestamp.remove(a.timestamp, a.id)
}
