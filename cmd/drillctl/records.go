package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"drillcontrol/internal/config"
	"drillcontrol/internal/plan"
	"drillcontrol/internal/store"
	"drillcontrol/pkg/types"
)

var (
	roundLimit int
	roundID    string
)

var validateCmd = &cobra.Command{
	Use:   "validate [plan-file]",
	Short: "Parse and validate a task plan without running it",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List the site and built-in parameter sets",
	RunE:  runPresets,
}

var roundsCmd = &cobra.Command{
	Use:   "rounds",
	Short: "List recorded task rounds",
	RunE:  runRounds,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the audit trail of a round",
	RunE:  runEvents,
}

func init() {
	roundsCmd.Flags().IntVar(&roundLimit, "limit", 20, "Maximum rounds to list")
	eventsCmd.Flags().StringVar(&roundID, "round", "", "Round id (required)")
	eventsCmd.MarkFlagRequired("round")
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, err := plan.LoadFile(args[0])
	if err != nil {
		return err
	}

	site := loadConfig().Presets
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTYPE\tTARGET\tPRESET\tTIMEOUT\tCONDITIONS")
	for i, s := range p.Steps {
		target, preset := "-", "-"
		if s.IsMotion() {
			target = fmt.Sprintf("%.1fmm", s.TargetDepth)
			preset = s.Preset
			if !presetResolvable(p, site, s.Preset) {
				preset += " (undefined)"
			}
		} else {
			target = fmt.Sprintf("hold %dms", s.DurationMs)
		}
		timeout := "-"
		if d := s.Timeout(); d > 0 {
			timeout = d.String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d %s\n", i+1, s.Kind, target, preset, timeout, len(s.Conditions), s.Logic)
	}
	w.Flush()
	fmt.Printf("plan ok: %d steps, deepest target %.1fmm\n", len(p.Steps), p.MaxTargetDepth())
	return nil
}

// presetResolvable 与编排器相同的查找顺序：计划、现场库、内置
func presetResolvable(p *types.TaskPlan, site map[string]types.ParameterSet, id string) bool {
	if ps, ok := p.Presets[id]; ok && ps.IsValid() {
		return true
	}
	if ps, ok := site[id]; ok && ps.IsValid() {
		return true
	}
	ps, ok := types.DefaultParameterSet(id)
	return ok && ps.IsValid()
}

func loadConfig() types.SystemConfig {
	cm := config.NewConfigManager(configPath)
	if err := cm.LoadConfig(""); err != nil {
		return config.DefaultConfig()
	}
	return cm.GetConfig()
}

func runPresets(cmd *cobra.Command, args []string) error {
	site := loadConfig().Presets

	rows := make([]types.ParameterSet, 0, len(site)+6)
	origin := make(map[string]string)
	for id, ps := range site {
		if ps.ID == "" {
			ps.ID = id
		}
		rows = append(rows, ps)
		origin[ps.ID] = "site"
	}
	for _, id := range types.DefaultPresetIDs() {
		if _, ok := origin[id]; ok {
			continue
		}
		if ps, ok := types.DefaultParameterSet(id); ok {
			rows = append(rows, ps)
			origin[id] = "built-in"
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tFEED\tRPM\tIMPACT\tTORQUE\tUPPER\tORIGIN")
	for _, ps := range rows {
		fmt.Fprintf(w, "%s\t%s\t%.0f\t%.0f\t%.0f\t%.0f\t%.0f\t%s\n",
			ps.ID, ps.Name, ps.FeedSpeed, ps.RotationRPM, ps.ImpactFrequency, ps.TorqueLimit, ps.UpperForceLimit, origin[ps.ID])
	}
	return w.Flush()
}

func openStore() (*store.Store, error) {
	return store.New(loadConfig().Store.Path)
}

func runRounds(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	rounds, err := s.ListRounds(roundLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tOUTCOME\tCREATED\tENDED")
	for _, r := range rounds {
		ended := "-"
		if r.EndedAt != nil {
			ended = r.EndedAt.Local().Format(time.DateTime)
		}
		outcome := r.Outcome
		if outcome == "" {
			outcome = "open"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Label, outcome, r.CreatedAt.Local().Format(time.DateTime), ended)
	}
	return w.Flush()
}

func runEvents(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	round, err := s.GetRound(roundID)
	if err != nil {
		return err
	}
	if round == nil {
		return fmt.Errorf("round %s not found", roundID)
	}

	events, err := s.ListEvents(roundID)
	if err != nil {
		return err
	}

	fmt.Printf("round %s (%s) %s\n", round.ID, round.TaskFile, round.Outcome)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTEP\tSTATE\tDEPTH\tTORQUE\tREASON")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%d\t%s\t%.1f\t%.1f\t%s\n",
			ev.At.Local().Format("15:04:05.000"), ev.StepIndex+1, ev.State, ev.Telemetry.Depth, ev.Telemetry.Torque, ev.Reason)
	}
	return w.Flush()
}
