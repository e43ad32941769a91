package patient

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/radcase/radcase/internal/models"
)

// Timestamp is one investigation point of a patient. Orders across a patient
// are always exactly 0..n-1.
type Timestamp struct {
	id             models.TimestampID
	order          int
	displayName    string
	folderName     string
	date           time.Time
	correlationKey string
}

func (t *Timestamp) ID() models.TimestampID { return t.id }
func (t *Timestamp) Order() int { return t.order }
func (t *Timestamp) DisplayName() string { return t.displayName }
func (t *Timestamp) FolderName() string { return t.folderName }
func (t *Timestamp) Date() time.Time { return t.date }
func (t *Timestamp) CorrelationKey() string { return t.correlationKey }

// SetDate records the acquisition date.
func (t *Timestamp) SetDate(d time.Time) { t.date = d }

// InsertTimestamp creates a timestamp at order, shifting later timestamps up.
// Orders outside 0..n are clamped.
func (p *Patient) InsertTimestamp(order int) (models.TimestampID, error) {
	n := len(p.timestamps)
	order = max(0, min(order, n))

	id := p.freeTimestampID(order)
	ts := &Timestamp{
		id:          id,
		order:       order,
		displayName: string(id),
		folderName:  string(id),
	}
	for _, sub := range []string{rawDir, displayDir} {
		dir := filepath.Join(p.folder, ts.folderName, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", models.Storagef(err, "creating %s", dir)
		}
	}
	for _, other := range p.timestamps {
		if other.order >= order {
			other.order++
		}
	}
	p.timestamps[id] = ts
	if p.activeTimestamp == "" {
		p.activeTimestamp = id
	}
	p.logger.Info("timestamp inserted", "patient", p.id, "timestamp", id, "order", order)
	return id, nil
}

// freeTimestampID returns T<k> for the smallest k >= start whose id and
// folder are both unused.
func (p *Patient) freeTimestampID(start int) models.TimestampID {
	for k := start; ; k++ {
		id := models.TimestampID(fmt.Sprintf("T%d", k))
		if _, taken := p.timestamps[id]; taken {
			continue
		}
		if p.timestampByFolder(string(id)) != nil {
			continue
		}
		if fileExists(filepath.Join(p.folder, string(id))) && !p.emptyDir(string(id)) {
			continue
		}
		return id
	}
}

func (p *Patient) emptyDir(folder string) bool {
	entries, err := os.ReadDir(filepath.Join(p.folder, folder))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			return false
		}
		sub, err := os.ReadDir(filepath.Join(p.folder, folder, e.Name()))
		if err != nil || len(sub) > 0 {
			return false
		}
	}
	return true
}

// RenameTimestamp changes the display name and moves the timestamp folder to
// the matching slug. Stored paths stay valid because they reference the
// timestamp, not its folder name.
func (p *Patient) RenameTimestamp(id models.TimestampID, name string) error {
	ts, err := p.Timestamp(id)
	if err != nil {
		return err
	}
	folder := models.Slug(name)
	if folder == "" {
		return models.Validationf("timestamp name %q has no usable characters", name)
	}
	if folder != ts.folderName {
		if other := p.timestampByFolder(folder); other != nil {
			return fmt.Errorf("%w: timestamp folder %q is used by %s", models.ErrNameCollision, folder, other.id)
		}
		dest := filepath.Join(p.folder, folder)
		if fileExists(dest) {
			return fmt.Errorf("%w: %s already exists", models.ErrNameCollision, dest)
		}
		src := filepath.Join(p.folder, ts.folderName)
		if err := os.Rename(src, dest); err != nil {
			return models.Storagef(err, "moving %s to %s", src, dest)
		}
		ts.folderName = folder
	}
	ts.displayName = name
	return nil
}

// SetActiveTimestamp selects the timestamp new imports default to.
func (p *Patient) SetActiveTimestamp(id models.TimestampID) error {
	if _, err := p.Timestamp(id); err != nil {
		return err
	}
	p.activeTimestamp = id
	return nil
}

// ActiveTimestamp returns the id new imports default to, possibly empty.
func (p *Patient) ActiveTimestamp() models.TimestampID { return p.activeTimestamp }

// Timestamp looks up a timestamp by id.
func (p *Patient) Timestamp(id models.TimestampID) (*Timestamp, error) {
	ts, ok := p.timestamps[id]
	if !ok {
		return nil, models.NotFoundf("timestamp", id)
	}
	return ts, nil
}

// Timestamps returns every timestamp ordered by sequence order.
func (p *Patient) Timestamps() []*Timestamp {
	out := make([]*Timestamp, 0, len(p.timestamps))
	for _, ts := range p.timestamps {
		out = append(out, ts)
	}
	slices.SortFunc(out, func(a, b *Timestamp) int { return a.order - b.order })
	return out
}

func (p *Patient) timestampByFolder(folder string) *Timestamp {
	for _, ts := range p.timestamps {
		if ts.folderName == folder {
			return ts
		}
	}
	return nil
}

func (p *Patient) timestampByCorrelation(key string) *Timestamp {
	if key == "" {
		return nil
	}
	for _, ts := range p.Timestamps() {
		if ts.correlationKey == key {
			return ts
		}
	}
	return nil
}

// renumberTimestamps restores contiguous orders 0..n-1, keeping relative order.
func (p *Patient) renumberTimestamps() {
	for i, ts := range p.Timestamps() {
		ts.order = i
	}
}
