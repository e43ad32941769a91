package models

import (
	"fmt"
	"strings"
)

// SequenceType is the acquisition sequence of a volume.
type SequenceType string

const (
	SequenceT1CE    SequenceType = "T1-CE"
	SequenceT1W     SequenceType = "T1-w"
	SequenceFLAIR   SequenceType = "FLAIR"
	SequenceT2      SequenceType = "T2"
	SequenceCT      SequenceType = "CT"
	SequenceUnknown SequenceType = "Unknown"
)

// ValidSequenceTypes is the set of all valid sequence types.
var ValidSequenceTypes = []SequenceType{
	SequenceT1CE,
	SequenceT1W,
	SequenceFLAIR,
	SequenceT2,
	SequenceCT,
	SequenceUnknown,
}

// IsValid returns true if the sequence type is recognized.
func (st SequenceType) IsValid() bool {
	for _, v := range ValidSequenceTypes {
		if st == v {
			return true
		}
	}
	return false
}

// ParseSequenceType matches s case-insensitively against ValidSequenceTypes.
func ParseSequenceType(s string) (SequenceType, error) {
	for _, v := range ValidSequenceTypes {
		if strings.EqualFold(s, string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: sequence type %q", ErrUnknownTag, s)
}

// AnnotationClass is the semantic class of an annotation.
type AnnotationClass string

const (
	ClassTumor      AnnotationClass = "Tumor"
	ClassNecrosis   AnnotationClass = "Necrosis"
	ClassEdema      AnnotationClass = "Edema"
	ClassCavity     AnnotationClass = "Cavity"
	ClassBrain      AnnotationClass = "Brain"
	ClassLungs      AnnotationClass = "Lungs"
	ClassAirways    AnnotationClass = "Airways"
	ClassVessels    AnnotationClass = "Vessels"
	ClassLymphnodes AnnotationClass = "Lymphnodes"
	ClassOther      AnnotationClass = "Other"
)

// ValidAnnotationClasses is the set of all valid annotation classes.
var ValidAnnotationClasses = []AnnotationClass{
	ClassTumor,
	ClassNecrosis,
	ClassEdema,
	ClassCavity,
	ClassBrain,
	ClassLungs,
	ClassAirways,
	ClassVessels,
	ClassLymphnodes,
	ClassOther,
}

// IsValid returns true if the annotation class is recognized.
func (ac AnnotationClass) IsValid() bool {
	for _, v := range ValidAnnotationClasses {
		if ac == v {
			return true
		}
	}
	return false
}

// ParseAnnotationClass matches s case-insensitively against ValidAnnotationClasses.
func ParseAnnotationClass(s string) (AnnotationClass, error) {
	for _, v := range ValidAnnotationClasses {
		if strings.EqualFold(s, string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: annotation class %q", ErrUnknownTag, s)
}

// Provenance records how an annotation was produced.
type Provenance string

const (
	ProvenanceAutomatic Provenance = "Automatic"
	ProvenanceManual    Provenance = "Manual"
)

// ValidProvenances is the set of all valid provenance tags.
var ValidProvenances = []Provenance{
	ProvenanceAutomatic,
	ProvenanceManual,
}

// IsValid returns true if the provenance is recognized.
func (p Provenance) IsValid() bool {
	for _, v := range ValidProvenances {
		if p == v {
			return true
		}
	}
	return false
}

// ParseProvenance matches s case-insensitively against ValidProvenances.
func ParseProvenance(s string) (Provenance, error) {
	for _, v := range ValidProvenances {
		if strings.EqualFold(s, string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: provenance %q", ErrUnknownTag, s)
}

// ReportKind classifies a generated report.
type ReportKind string

const (
	ReportCharacteristics ReportKind = "Characteristics"
	ReportSurgical        ReportKind = "Surgical"
	ReportFeatures        ReportKind = "Features"
)

// ValidReportKinds is the set of all valid report kinds.
var ValidReportKinds = []ReportKind{
	ReportCharacteristics,
	ReportSurgical,
	ReportFeatures,
}

// IsValid returns true if the report kind is recognized.
func (rk ReportKind) IsValid() bool {
	for _, v := range ValidReportKinds {
		if rk == v {
			return true
		}
	}
	return false
}

// ParseReportKind matches s case-insensitively against ValidReportKinds.
func ParseReportKind(s string) (ReportKind, error) {
	for _, v := range ValidReportKinds {
		if strings.EqualFold(s, string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: report kind %q", ErrUnknownTag, s)
}

// Category is the entity kind an imported file becomes.
type Category string

const (
	CategoryVolume     Category = "Volume"
	CategoryAnnotation Category = "Annotation"
	CategoryAtlas      Category = "Atlas"
	CategoryReport     Category = "Report"
)

// ValidCategories is the set of all valid import categories.
var ValidCategories = []Category{
	CategoryVolume,
	CategoryAnnotation,
	CategoryAtlas,
	CategoryReport,
}

// IsValid returns true if the category is recognized.
func (c Category) IsValid() bool {
	for _, v := range ValidCategories {
		if c == v {
			return true
		}
	}
	return false
}

// ParseCategory matches s case-insensitively against ValidCategories.
func ParseCategory(s string) (Category, error) {
	for _, v := range ValidCategories {
		if strings.EqualFold(s, string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: category %q", ErrUnknownTag, s)
}
