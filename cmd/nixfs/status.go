// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/nixfs/lib/clock"
	"github.com/bureau-foundation/nixfs/lib/codec"
	"github.com/bureau-foundation/nixfs/lib/config"
	"github.com/bureau-foundation/nixfs/lib/journal"
	"github.com/bureau-foundation/nixfs/lib/materialize"
	"github.com/bureau-foundation/nixfs/lib/watchdog"
)

// statusReport is everything the status command gathered.
type statusReport struct {
	HeartbeatPath string
	Heartbeat     watchdog.State
	Live          bool
	HeartbeatErr  error

	JournalPath string
	Replay      journal.Replay
	JournalErr  error

	Now time.Time
}

// failures returns the failed outcomes in the journal.
func (r statusReport) failures() []materialize.Outcome {
	var failed []materialize.Outcome
	for _, outcome := range r.Replay.Outcomes {
		if outcome.State == materialize.Failed {
			failed = append(failed, outcome)
		}
	}
	return failed
}

// statusTheme is the palette of the styled output. Colors are ANSI
// 256-color codes.
type statusTheme struct {
	Label   lipgloss.Style
	Value   lipgloss.Style
	Good    lipgloss.Style
	Bad     lipgloss.Style
	Faint   lipgloss.Style
	Heading lipgloss.Style
}

func newStatusTheme(styled bool) statusTheme {
	if !styled {
		plain := lipgloss.NewStyle()
		return statusTheme{Label: plain, Value: plain, Good: plain, Bad: plain, Faint: plain, Heading: plain}
	}
	return statusTheme{
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Value:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		Good:    lipgloss.NewStyle().Foreground(lipgloss.Color("114")).Bold(true),
		Bad:     lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
		Faint:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Heading: lipgloss.NewStyle().Foreground(lipgloss.Color("75")).Bold(true),
	}
}

// renderStatus writes the report. styled selects colors; the layout is
// the same either way.
func renderStatus(w io.Writer, report statusReport, styled bool, failureLimit int) {
	theme := newStatusTheme(styled)
	labelWidth := 16
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top,
			theme.Label.Width(labelWidth).Render(label),
			theme.Value.Render(value),
		)
	}

	var lines []string
	lines = append(lines, theme.Heading.Render("mount"))
	switch {
	case report.HeartbeatErr != nil:
		lines = append(lines, row("state", theme.Bad.Render("unknown")))
		lines = append(lines, row("error", report.HeartbeatErr.Error()))
	case !report.Live:
		lines = append(lines, row("state", theme.Bad.Render("not running")))
		lines = append(lines, row("heartbeat", theme.Faint.Render(report.HeartbeatPath)))
	default:
		state := report.Heartbeat
		counters := state.Counters
		lines = append(lines,
			row("state", theme.Good.Render("running")),
			row("pid", fmt.Sprint(state.PID)),
			row("mountpoint", state.Mountpoint),
			row("backing root", state.BackingRoot),
			row("source", state.Source),
			row("isolation", state.Isolation),
			row("policy", state.FailurePolicy+", "+state.Propagation),
			row("uptime", report.Now.Sub(state.Started).Truncate(time.Second).String()),
			row("fetches", fmt.Sprintf("%d launched, %d succeeded, %d failed, %d in flight",
				counters.Launched, counters.Succeeded, counters.Failed, counters.InFlight)),
			row("cache", fmt.Sprintf("%d resolved, %d hits, %d waiters",
				counters.Completed, counters.CacheHits, counters.Waiters)),
		)
	}

	lines = append(lines, "", theme.Heading.Render("journal"))
	switch {
	case report.JournalPath == "":
		lines = append(lines, row("state", theme.Faint.Render("disabled")))
	case report.JournalErr != nil:
		lines = append(lines, row("path", report.JournalPath), row("error", report.JournalErr.Error()))
	default:
		failed := report.failures()
		lines = append(lines,
			row("path", report.JournalPath),
			row("entries", fmt.Sprintf("%d (%d failed)", len(report.Replay.Outcomes), len(failed))),
		)
		if report.Replay.Duplicates > 0 || report.Replay.Invalid > 0 {
			lines = append(lines, row("compactable", fmt.Sprintf("%d duplicate, %d invalid records",
				report.Replay.Duplicates, report.Replay.Invalid)))
		}
		if report.Replay.TailError != nil {
			lines = append(lines, row("corrupt tail", theme.Bad.Render(fmt.Sprintf("%d bytes: %v",
				report.Replay.DiscardedBytes, report.Replay.TailError))))
		}
		for index, outcome := range failed {
			if index == failureLimit {
				lines = append(lines, theme.Faint.Render(fmt.Sprintf("  ... %d more", len(failed)-failureLimit)))
				break
			}
			reason := ""
			if outcome.Err != nil {
				reason = firstLine(outcome.Err.Err.Error())
			}
			lines = append(lines, fmt.Sprintf("  %s %s %s",
				theme.Bad.Render(outcome.Kind().String()),
				string(outcome.Hash),
				theme.Faint.Render(reason)))
		}
	}

	fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	return line
}

// gatherStatus reads the heartbeat and journal named by cfg.
func gatherStatus(cfg *config.Config, now time.Time) statusReport {
	report := statusReport{HeartbeatPath: cfg.Heartbeat.Path, Now: now}

	if cfg.Heartbeat.Path == "" {
		report.HeartbeatErr = errors.New("heartbeat disabled in configuration")
	} else {
		interval, err := cfg.HeartbeatInterval()
		if err != nil {
			report.HeartbeatErr = err
		} else {
			report.Heartbeat, report.Live, report.HeartbeatErr = watchdog.Check(cfg.Heartbeat.Path, 3*interval, now)
		}
	}

	if cfg.Journal.Enabled {
		report.JournalPath = cfg.Journal.Path
		report.Replay, report.JournalErr = journal.Read(cfg.Journal.Path)
	}
	return report
}

func statusCmd(args []string, stdout io.Writer) error {
	var (
		configPath string
		diagnose   bool
		limit      int
	)
	flagSet := pflag.NewFlagSet("nixfs status", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML configuration file (default: $NIXFS_CONFIG)")
	flagSet.BoolVar(&diagnose, "diagnose", false, "print the raw heartbeat in CBOR diagnostic notation")
	flagSet.IntVar(&limit, "failures", 10, "maximum number of failed entries to list")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	if diagnose {
		data, err := os.ReadFile(cfg.Heartbeat.Path)
		if err != nil {
			return fmt.Errorf("reading heartbeat: %w", err)
		}
		notation, err := codec.Diagnose(data)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, notation)
		return nil
	}

	styled := false
	if file, ok := stdout.(*os.File); ok {
		styled = term.IsTerminal(int(file.Fd()))
	}
	renderStatus(stdout, gatherStatus(cfg, clock.Real().Now()), styled, limit)
	return nil
}
