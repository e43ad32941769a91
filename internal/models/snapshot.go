package models

// PatientSnapshot is the read-only summary of a patient that studies
// aggregate into their statistics tables.
type PatientSnapshot struct {
	ID          string
	DisplayName string
	Annotations []AnnotationSummary
	Reports     []ReportSummary
}

// AnnotationSummary describes one annotation of a patient.
type AnnotationSummary struct {
	ID         string
	Timestamp  string
	Class      AnnotationClass
	Provenance Provenance
	VolumeML   float64
}

// ReportSummary describes one report of a patient with its flattened values.
type ReportSummary struct {
	ID        string
	Timestamp string
	Kind      ReportKind
	Values    map[string]string
}
