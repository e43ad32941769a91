package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/radcase/radcase/internal/store"
	"github.com/radcase/radcase/internal/study"
)

func studyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "study",
		Short: "Group patients into studies and tabulate their statistics",
	}
	cmd.AddCommand(
		studyListCmd(),
		studyCreateCmd(),
		studyIncludeCmd(),
		studyRemoveCmd(),
		studyRefreshCmd(),
		studyRescanCmd(),
		studyShowCmd(),
	)
	return cmd
}

// withStudy opens the store and the study named by ref.
func withStudy(op, ref string) (*store.Store, *study.Study, error) {
	st, err := newStore(newLogger())
	if err != nil {
		return nil, nil, fmt.Errorf("%s: opening store: %w", op, err)
	}
	s, err := st.OpenStudy(ref)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return st, s, nil
}

func studyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List studies in the managed tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStore(newLogger())
			if err != nil {
				return fmt.Errorf("study list: opening store: %w", err)
			}
			entries, err := st.ListStudies()
			if err != nil {
				return fmt.Errorf("study list: %w", err)
			}
			for _, e := range entries {
				fmt.Printf("%-36s  %-24s  %3d patients\n", e.ID, truncate(e.DisplayName, 24), e.Patients)
			}
			return nil
		},
	}
}

func studyCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Create an empty study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStore(newLogger())
			if err != nil {
				return fmt.Errorf("study create: opening store: %w", err)
			}
			s, err := st.CreateStudy(args[0])
			if err != nil {
				return fmt.Errorf("study create: %w", err)
			}
			if err := s.Save(); err != nil {
				return fmt.Errorf("study create: saving: %w", err)
			}
			fmt.Printf("Created study %s in %s\n", s.ID(), s.Folder())
			return nil
		},
	}
}

func studyIncludeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "include [study] [patient...]",
		Short: "Reference patients from a study",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, s, err := withStudy("study include", args[0])
			if err != nil {
				return err
			}
			for _, ref := range args[1:] {
				p, err := st.OpenPatient(ref)
				if err != nil {
					return fmt.Errorf("study include: %w", err)
				}
				snap, err := p.Snapshot()
				if err != nil {
					return fmt.Errorf("study include: %s: %w", ref, err)
				}
				if s.IncludePatient(p.ID(), p.Folder(), snap) {
					fmt.Printf("Included %s\n", p.DisplayName())
				} else {
					fmt.Printf("%s is already included\n", p.DisplayName())
				}
			}
			if err := s.Save(); err != nil {
				return fmt.Errorf("study include: saving: %w", err)
			}
			return nil
		},
	}
}

func studyRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [study] [patient-id]",
		Short: "Drop a patient reference; patient files are untouched",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := withStudy("study remove", args[0])
			if err != nil {
				return err
			}
			n := s.RemovePatient(args[1])
			if err := s.Save(); err != nil {
				return fmt.Errorf("study remove: saving: %w", err)
			}
			fmt.Printf("Removed %d reference(s)\n", n)
			return nil
		},
	}
}

func studyRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [study] [patient-id]",
		Short: "Recompute the statistics rows of one patient",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, s, err := withStudy("study refresh", args[0])
			if err != nil {
				return err
			}
			ref, ok := findRef(s, args[1])
			if !ok {
				return fmt.Errorf("study refresh: patient %s is not in %s", args[1], s.DisplayName())
			}
			snap, err := st.SnapshotLoader()(cmd.Context(), ref)
			if err != nil {
				fmt.Printf("Patient %s could not be loaded, clearing its rows: %v\n", ref.ID, err)
				err = s.RefreshPatientStatistics(ref.ID, nil)
			} else {
				err = s.RefreshPatientStatistics(ref.ID, &snap)
			}
			if err != nil {
				return fmt.Errorf("study refresh: %w", err)
			}
			if err := s.Save(); err != nil {
				return fmt.Errorf("study refresh: saving: %w", err)
			}
			return nil
		},
	}
}

func findRef(s *study.Study, id string) (study.PatientRef, bool) {
	for _, r := range s.Patients() {
		if r.ID == id {
			return r, true
		}
	}
	return study.PatientRef{}, false
}

func studyRescanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rescan [study]",
		Short: "Reload every referenced patient and rebuild the statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, s, err := withStudy("study rescan", args[0])
			if err != nil {
				return err
			}
			res, err := s.Rescan(cmd.Context(), st.SnapshotLoader())
			if err != nil {
				return fmt.Errorf("study rescan: %w", err)
			}
			if err := s.Save(); err != nil {
				return fmt.Errorf("study rescan: saving: %w", err)
			}
			fmt.Printf("Refreshed %d patients\n", len(res.Refreshed))
			for _, id := range slices.Sorted(maps.Keys(res.Failed)) {
				fmt.Printf("  failed: %s: %v\n", id, res.Failed[id])
			}
			return nil
		},
	}
}

func studyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [study]",
		Short: "Print a study's patients and statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := withStudy("study show", args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n", s.DisplayName(), s.ID())
			fmt.Println("Patients:")
			for _, r := range s.Patients() {
				fmt.Printf("  %-36s %s\n", r.ID, r.Folder)
			}
			fmt.Println("Annotations:")
			for _, r := range s.AnnotationRows() {
				fmt.Printf("  %-36s %-24s %-10s %-10s %8.3f ml\n", r.PatientID, r.AnnotationID, r.Class, r.Provenance, r.VolumeML)
			}
			fmt.Println("Reports:")
			for _, r := range s.ReportRows() {
				keys := slices.Sorted(maps.Keys(r.Values))
				pairs := make([]string, 0, len(keys))
				for _, k := range keys {
					pairs = append(pairs, k+"="+r.Values[k])
				}
				fmt.Printf("  %-36s %-24s %-16s %s\n", r.PatientID, r.ReportID, r.Kind, truncate(strings.Join(pairs, " "), 80))
			}
			return nil
		},
	}
}
