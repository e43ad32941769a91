package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTags_CaseInsensitive(t *testing.T) {
	seq, err := ParseSequenceType("flair")
	require.NoError(t, err)
	assert.Equal(t, SequenceFLAIR, seq)

	cls, err := ParseAnnotationClass("TUMOR")
	require.NoError(t, err)
	assert.Equal(t, ClassTumor, cls)

	prov, err := ParseProvenance("manual")
	require.NoError(t, err)
	assert.Equal(t, ProvenanceManual, prov)

	kind, err := ParseReportKind("surgical")
	require.NoError(t, err)
	assert.Equal(t, ReportSurgical, kind)

	cat, err := ParseCategory("atlas")
	require.NoError(t, err)
	assert.Equal(t, CategoryAtlas, cat)
}

func TestParseTags_Unknown(t *testing.T) {
	_, err := ParseAnnotationClass("Spleen")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTag))
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = ParseSequenceType("")
	assert.True(t, errors.Is(err, ErrUnknownTag))
}

func TestTags_IsValid(t *testing.T) {
	for _, v := range ValidAnnotationClasses {
		assert.True(t, v.IsValid(), string(v))
	}
	assert.False(t, AnnotationClass("tumor").IsValid())
	assert.False(t, Provenance("").IsValid())
	assert.True(t, CategoryReport.IsValid())
}

func TestColor(t *testing.T) {
	c, err := ColorFromSlice([]int{255, 0, 16})
	require.NoError(t, err)
	assert.Equal(t, "#ff0010", c.String())

	_, err = ColorFromSlice([]int{1, 2})
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = ColorFromSlice([]int{1, 2, 256})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Patient 1":        "patient-1",
		"  Jane  Doe  ":    "jane-doe",
		"case_07/follow":   "case_07-follow",
		"Ærø -- scan":      "r-scan",
		"!!!":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slug(in), in)
	}
}

func TestErrorHelpers(t *testing.T) {
	cause := errors.New("disk full")
	err := Storagef(cause, "writing %s", "x.nii")
	assert.True(t, errors.Is(err, ErrStorage))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "writing x.nii")
	assert.Nil(t, Storagef(nil, "noop"))

	assert.True(t, errors.Is(Referentialf("no volume"), ErrReferential))
	assert.True(t, errors.Is(Manifestf("bad"), ErrManifest))
	assert.True(t, errors.Is(NotFoundf("volume", "v1"), ErrNotFound))
	assert.True(t, errors.Is(ErrNameCollision, ErrValidation))
}
