package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/radcase/radcase/internal/indexer"
	"github.com/radcase/radcase/internal/lifecycle"
	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/patient"
)

func patientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patient",
		Short: "Create, inspect and edit patients",
	}
	cmd.AddCommand(
		patientListCmd(),
		patientCreateCmd(),
		patientImportCmd(),
		patientIndexCmd(),
		patientShowCmd(),
		patientRenameCmd(),
		patientRemoveCmd(),
		patientDeleteCmd(),
		patientSaveCheckCmd(),
	)
	return cmd
}

func patientListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List patients in the managed tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStore(newLogger())
			if err != nil {
				return fmt.Errorf("patient list: opening store: %w", err)
			}
			headers, err := st.ListPatients()
			if err != nil {
				return fmt.Errorf("patient list: %w", err)
			}
			for _, h := range headers {
				fmt.Printf("%-36s  %-24s  %s\n", h.ID, truncate(h.DisplayName, 24), h.Folder)
			}
			return nil
		},
	}
}

func patientCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Create an empty patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStore(newLogger())
			if err != nil {
				return fmt.Errorf("patient create: opening store: %w", err)
			}
			p, err := st.CreatePatient(args[0])
			if err != nil {
				return fmt.Errorf("patient create: %w", err)
			}
			if err := p.Save(); err != nil {
				return fmt.Errorf("patient create: saving: %w", err)
			}
			fmt.Printf("Created patient %s in %s\n", p.ID(), p.Folder())
			return nil
		},
	}
}

// importFlags mirrors patient.ImportOptions as strings.
type importFlags struct {
	timestamp   string
	category    string
	parent      string
	sequence    string
	class       string
	provenance  string
	reportKind  string
	name        string
	description string
}

func (f *importFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.timestamp, "timestamp", "", "target timestamp id (default: active)")
	cmd.Flags().StringVar(&f.category, "category", "", "Volume, Annotation, Atlas or Report (default: classify)")
	cmd.Flags().StringVar(&f.parent, "parent", "", "parent volume id")
	cmd.Flags().StringVar(&f.sequence, "sequence", "", "volume sequence type")
	cmd.Flags().StringVar(&f.class, "class", "", "annotation class")
	cmd.Flags().StringVar(&f.provenance, "provenance", "", "Automatic or Manual")
	cmd.Flags().StringVar(&f.reportKind, "kind", "", "report kind")
	cmd.Flags().StringVar(&f.name, "name", "", "display name")
	cmd.Flags().StringVar(&f.description, "description", "", "label,name table for atlases")
}

func (f *importFlags) options() (patient.ImportOptions, error) {
	opts := patient.ImportOptions{
		Timestamp:   models.TimestampID(f.timestamp),
		Parent:      models.VolumeID(f.parent),
		DisplayName: f.name,
		Description: f.description,
	}
	var err error
	if f.category != "" {
		if opts.Category, err = models.ParseCategory(f.category); err != nil {
			return opts, err
		}
	}
	if f.sequence != "" {
		if opts.Sequence, err = models.ParseSequenceType(f.sequence); err != nil {
			return opts, err
		}
	}
	if f.class != "" {
		if opts.Class, err = models.ParseAnnotationClass(f.class); err != nil {
			return opts, err
		}
	}
	if f.provenance != "" {
		if opts.Provenance, err = models.ParseProvenance(f.provenance); err != nil {
			return opts, err
		}
	}
	if f.reportKind != "" {
		if opts.ReportKind, err = models.ParseReportKind(f.reportKind); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func patientImportCmd() *cobra.Command {
	var flags importFlags

	cmd := &cobra.Command{
		Use:   "import [patient] [file...]",
		Short: "Import files into a patient and save it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return fmt.Errorf("patient import: %w", err)
			}
			st, err := newStore(newLogger())
			if err != nil {
				return fmt.Errorf("patient import: opening store: %w", err)
			}
			p, err := st.OpenPatient(args[0])
			if err != nil {
				return fmt.Errorf("patient import: %w", err)
			}

			var errs []error
			for _, src := range args[1:] {
				id, err := p.ImportData(src, opts)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", src, err))
					continue
				}
				fmt.Printf("Imported %s as %s\n", src, id)
			}
			if err := p.Save(); err != nil {
				errs = append(errs, fmt.Errorf("saving: %w", err))
			}
			if err := errors.Join(errs...); err != nil {
				return fmt.Errorf("patient import: %w", err)
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func patientIndexCmd() *cobra.Command {
	var (
		timestamp string
		shallow   bool
	)

	cmd := &cobra.Command{
		Use:   "index [patient] [dir]",
		Short: "Import every image and report below a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			st, err := newStore(logger)
			if err != nil {
				return fmt.Errorf("patient index: opening store: %w", err)
			}
			p, err := st.OpenPatient(args[0])
			if err != nil {
				return fmt.Errorf("patient index: %w", err)
			}

			idx := indexer.NewIndexer(nil, logger)
			outcomes, err := idx.IndexDirectory(cmd.Context(), p, args[1], indexer.Options{
				Timestamp: models.TimestampID(timestamp),
				Shallow:   shallow,
			})
			if saveErr := p.Save(); saveErr != nil {
				return fmt.Errorf("patient index: saving: %w", saveErr)
			}
			if err != nil {
				return fmt.Errorf("patient index: %w", err)
			}

			sum := indexer.Summarize(outcomes)
			for _, cat := range models.ValidCategories {
				fmt.Printf("  %-12s %d\n", cat, sum.Imported[cat])
			}
			for _, o := range sum.Failed {
				fmt.Printf("  failed: %s: %v\n", o.Path, o.Err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&timestamp, "timestamp", "", "target timestamp id (default: active)")
	cmd.Flags().BoolVar(&shallow, "shallow", false, "do not descend into sub-directories")
	return cmd
}

func patientShowCmd() *cobra.Command {
	var images bool

	cmd := &cobra.Command{
		Use:   "show [patient]",
		Short: "Print a patient's timestamps and entities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			st, err := newStore(logger)
			if err != nil {
				return fmt.Errorf("patient show: opening store: %w", err)
			}
			p, err := st.OpenPatient(args[0])
			if err != nil {
				return fmt.Errorf("patient show: %w", err)
			}
			printPatient(p)
			if !images {
				return nil
			}

			lm := lifecycle.NewManager(cfg, logger)
			if err := lm.Focus(p); err != nil {
				return fmt.Errorf("patient show: %w", err)
			}
			defer lm.Release()
			fmt.Println("Images:")
			for _, v := range p.Volumes() {
				img, err := p.CanonicalImage(string(v.ID()))
				if err != nil {
					return fmt.Errorf("patient show: %w", err)
				}
				lo, hi := img.MinMax()
				fmt.Printf("  %-28s %v  range [%g, %g]  window [%g, %g]\n", v.ID(), img.Dims, lo, hi, v.Contrast().Min, v.Contrast().Max)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&images, "images", false, "load image payloads and print their ranges")
	return cmd
}

func printPatient(p *patient.Patient) {
	fmt.Printf("%s (%s)\n", p.DisplayName(), p.ID())
	fmt.Printf("  folder:  %s\n", p.Folder())
	fmt.Printf("  created: %s\n", p.CreatedAt().Format("2006-01-02 15:04:05"))
	for _, ts := range p.Timestamps() {
		marker := " "
		if ts.ID() == p.ActiveTimestamp() {
			marker = "*"
		}
		fmt.Printf("%s %s [%d] %s\n", marker, ts.ID(), ts.Order(), ts.DisplayName())
		for _, vid := range p.VolumesIn(ts.ID()) {
			v, _ := p.Volume(vid)
			fmt.Printf("    volume     %-28s %s\n", v.ID(), v.Sequence())
			for _, aid := range p.AnnotationsOf(vid) {
				a, _ := p.Annotation(aid)
				fmt.Printf("      annotation %-26s %s/%s\n", a.ID(), a.Class(), a.Provenance())
			}
			for _, id := range p.AtlasesOf(vid) {
				a, _ := p.Atlas(id)
				fmt.Printf("      atlas      %-26s %d labels\n", a.ID(), len(a.Labels()))
			}
			for _, rid := range p.ReportsOf(vid) {
				r, _ := p.Report(rid)
				fmt.Printf("      report     %-26s %s\n", r.ID(), r.Kind())
			}
		}
		for _, r := range p.Reports() {
			if r.Timestamp() == ts.ID() && r.Parent() == "" {
				fmt.Printf("    report     %-28s %s\n", r.ID(), r.Kind())
			}
		}
	}
}

func patientRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename [patient] [new-name]",
		Short: "Rename a patient and move its folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStore(newLogger())
			if err != nil {
				return fmt.Errorf("patient rename: opening store: %w", err)
			}
			p, err := st.OpenPatient(args[0])
			if err != nil {
				return fmt.Errorf("patient rename: %w", err)
			}
			if err := p.Rename(args[1]); err != nil {
				return fmt.Errorf("patient rename: %w", err)
			}
			if err := p.Save(); err != nil {
				return fmt.Errorf("patient rename: saving: %w", err)
			}
			fmt.Printf("Renamed to %s (%s)\n", p.DisplayName(), p.Folder())
			return nil
		},
	}
}

func patientRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [patient] [id]",
		Short: "Remove a timestamp or entity and its dependents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStore(newLogger())
			if err != nil {
				return fmt.Errorf("patient remove: opening store: %w", err)
			}
			p, err := st.OpenPatient(args[0])
			if err != nil {
				return fmt.Errorf("patient remove: %w", err)
			}
			removed, err := p.Remove(args[1])
			if err != nil {
				return fmt.Errorf("patient remove: %w", err)
			}
			if err := p.Save(); err != nil {
				return fmt.Errorf("patient remove: saving: %w", err)
			}
			fmt.Printf("Removed %s and %d dependents\n", args[1], removed.Count())
			for _, section := range []string{patient.SectionVolumes, patient.SectionAnnotations, patient.SectionAtlases, patient.SectionReports} {
				if ids := removed[section]; len(ids) > 0 {
					fmt.Printf("  %-12s %s\n", section, strings.Join(ids, ", "))
				}
			}
			return nil
		},
	}
}

func patientDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete [patient]",
		Short: "Delete a patient folder from disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("patient delete: refusing without --yes")
			}
			st, err := newStore(newLogger())
			if err != nil {
				return fmt.Errorf("patient delete: opening store: %w", err)
			}
			folder, err := st.DeletePatient(args[0])
			if err != nil {
				return fmt.Errorf("patient delete: %w", err)
			}
			fmt.Printf("Deleted %s\n", folder)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func patientSaveCheckCmd() *cobra.Command {
	var fix bool

	cmd := &cobra.Command{
		Use:   "save-check [patient]",
		Short: "Report whether loading a patient normalized anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStore(newLogger())
			if err != nil {
				return fmt.Errorf("patient save-check: opening store: %w", err)
			}
			p, err := st.OpenPatient(args[0])
			if err != nil {
				return fmt.Errorf("patient save-check: %w", err)
			}
			if !p.HasUnsavedChanges() {
				fmt.Println("clean")
				return nil
			}
			if !fix {
				return fmt.Errorf("patient save-check: %s has unsaved changes, rerun with --fix to save", p.ID())
			}
			if err := p.Save(); err != nil {
				return fmt.Errorf("patient save-check: saving: %w", err)
			}
			fmt.Println("saved")
			return nil
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "save the normalized patient")
	return cmd
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen]) + "..."
	}
	return s
}
