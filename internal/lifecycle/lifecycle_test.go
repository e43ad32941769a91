package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radcase/radcase/internal/config"
	"github.com/radcase/radcase/internal/nifti"
	"github.com/radcase/radcase/internal/patient"
)

type fakeResident struct {
	id       string
	loaded   bool
	loads    int
	releases int
	fail     error
}

func (f *fakeResident) ID() string { return f.id }

func (f *fakeResident) LoadInMemory() error {
	f.loads++
	if f.fail != nil {
		return f.fail
	}
	f.loaded = true
	return nil
}

func (f *fakeResident) ReleaseFromMemory() {
	f.releases++
	f.loaded = false
}

func TestFocus_SwitchesResident(t *testing.T) {
	m := NewManager(config.Default(t.TempDir()), nil)
	a := &fakeResident{id: "a"}
	b := &fakeResident{id: "b"}

	require.NoError(t, m.Focus(a))
	assert.True(t, a.loaded)
	assert.Equal(t, a, m.Focused())

	require.NoError(t, m.Focus(a))
	assert.Equal(t, 1, a.loads, "refocusing is a no-op")

	require.NoError(t, m.Focus(b))
	assert.False(t, a.loaded)
	assert.True(t, b.loaded)
	assert.Equal(t, b, m.Focused())

	m.Release()
	assert.False(t, b.loaded)
	assert.Nil(t, m.Focused())
	m.Release()
	assert.Equal(t, 1, b.releases)
}

func TestFocus_LoadFailure(t *testing.T) {
	m := NewManager(config.Default(t.TempDir()), nil)
	a := &fakeResident{id: "a"}
	require.NoError(t, m.Focus(a))

	broken := &fakeResident{id: "broken", fail: errors.New("disk gone")}
	err := m.Focus(broken)
	require.Error(t, err)
	assert.False(t, a.loaded, "the previous aggregate is released first")
	assert.Equal(t, 1, broken.releases)
	assert.Nil(t, m.Focused())
}

func TestFocus_Patient(t *testing.T) {
	prefs := config.Default(t.TempDir())
	p, err := patient.New("Focus", patient.Deps{Prefs: prefs})
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "t1.nii")
	img := nifti.New([3]int{2, 2, 2}, [3]float64{1, 1, 1}, nifti.Float32)
	for i := range img.Data {
		img.Data[i] = float32(i) + 0.5
	}
	require.NoError(t, nifti.Write(src, img))
	_, err = p.ImportData(src, patient.ImportOptions{})
	require.NoError(t, err)

	m := NewManager(prefs, nil)
	require.NoError(t, m.Focus(p))
	assert.True(t, p.Resident())
	m.Release()
	assert.False(t, p.Resident())
}

func age(t *testing.T, path string, d time.Duration) {
	t.Helper()
	old := time.Now().Add(-d)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestSweep(t *testing.T) {
	prefs := config.Default(t.TempDir())
	m := NewManager(prefs, nil)
	m.tempDir = t.TempDir()

	stale := filepath.Join(m.tempDir, patient.SeriesWorkPrefix+"old")
	fresh := filepath.Join(m.tempDir, patient.SeriesWorkPrefix+"new")
	other := filepath.Join(m.tempDir, "unrelated")
	for _, d := range []string{stale, fresh, other} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	age(t, stale, 48*time.Hour)
	age(t, other, 48*time.Hour)

	folder := filepath.Join(prefs.PatientsDir(), "p")
	require.NoError(t, os.MkdirAll(folder, 0o755))
	leftover := filepath.Join(folder, "manifest.yaml.tmp")
	recent := filepath.Join(folder, "raw.tmp")
	for _, f := range []string{leftover, recent} {
		require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	}
	age(t, leftover, 2*time.Hour)

	report, err := m.Sweep(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, &Report{WorkDirs: 1, TempFiles: 1}, report)
	assert.DirExists(t, stale, "dry run removes nothing")

	report, err = m.Sweep(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, &Report{WorkDirs: 1, TempFiles: 1}, report)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
	assert.DirExists(t, other)
	assert.NoFileExists(t, leftover)
	assert.FileExists(t, recent)
}
