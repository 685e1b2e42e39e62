package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"managym/internal/domain"
	"managym/internal/eval"
	sqlitestore "managym/internal/store/sqlite"
)

func main() {
	dbPath := flag.String("db", "managym.db", "sqlite database path")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	store, err := sqlitestore.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()
	if err := store.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate store: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()

	runsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	runsTable.SetTitle("Runs (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	timestepsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	timestepsView.SetTitle("Timesteps").SetBorder(true)

	messagesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	messagesView.SetTitle("Messages").SetBorder(true)

	evaluationsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	evaluationsView.SetTitle("Evaluations").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("Watching %s | shortcuts: F10 quit, F5 refresh", *dbPath))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(timestepsView, 0, 2, false).
		AddItem(messagesView, 0, 2, false).
		AddItem(evaluationsView, 0, 1, false)

	mainLayout := tview.NewFlex().
		AddItem(runsTable, 0, 1, true).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(statusView, 3, 0, false)

	var selectedRunID string
	var lastRuns []sqlitestore.RunRow
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}

	refreshRuns := func() {
		runs, err := store.ListRuns(context.Background(), 100)
		if err != nil {
			app.QueueUpdateDraw(func() {
				runsTable.Clear()
				runsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)))
			})
			return
		}
		sort.Slice(runs, func(i, j int) bool {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		})
		lastRuns = runs
		app.QueueUpdateDraw(func() {
			renderRunsTable(runsTable, runs, selectedRunID)
		})
	}

	refreshDetailsAsync := func(runID string) {
		if strings.TrimSpace(runID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		app.QueueUpdateDraw(func() {
			timestepsView.SetText("Loading...")
			messagesView.SetText("Loading...")
			evaluationsView.SetText("Loading...")
		})

		go func(selected string, v uint64) {
			ctx := context.Background()
			records, recErr := store.ListTimesteps(ctx, selected, 200)
			msgs, msgErr := store.ListMessages(ctx, selected, 200)
			evals, evalErr := store.ListEvaluations(ctx, selected, 100)

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedRunID {
					return
				}
				if recErr != nil {
					timestepsView.SetText(fmt.Sprintf("error: %v", recErr))
				} else {
					timestepsView.SetText(renderTimesteps(records))
				}
				if msgErr != nil {
					messagesView.SetText(fmt.Sprintf("error: %v", msgErr))
				} else {
					messagesView.SetText(renderMessages(msgs))
				}
				if evalErr != nil {
					evaluationsView.SetText(fmt.Sprintf("error: %v", evalErr))
				} else {
					evaluationsView.SetText(renderEvaluations(evals))
				}
			})
		}(runID, version)
	}

	runsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastRuns) {
			return
		}
		selectedRunID = lastRuns[row-1].ID
		refreshDetailsAsync(selectedRunID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10, tcell.KeyEscape:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshRuns()
			refreshDetailsAsync(selectedRunID)
			setStatusUI("Manual refresh complete")
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshRuns()
		if len(lastRuns) > 0 {
			selectedRunID = lastRuns[0].ID
			refreshDetailsAsync(selectedRunID)
		}

		for range ticker.C {
			refreshRuns()
			if selectedRunID == "" && len(lastRuns) > 0 {
				selectedRunID = lastRuns[0].ID
			}
			refreshDetailsAsync(selectedRunID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(runsTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func renderRunsTable(table *tview.Table, runs []sqlitestore.RunRow, selectedRunID string) {
	table.Clear()
	headers := []string{"Run", "Workflow", "State", "Steps", "Cost", "Started"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, r := range runs {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(r.ID)))
		table.SetCell(row, 1, tview.NewTableCell(trimLine(r.WorkflowName, 28)))
		table.SetCell(row, 2, tview.NewTableCell(r.FinalState))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", r.Timesteps)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%.0f", r.TotalCost)))
		started := "-"
		if !r.StartedAt.IsZero() {
			started = r.StartedAt.Format("15:04:05")
		}
		table.SetCell(row, 5, tview.NewTableCell(started))
		if r.ID == selectedRunID {
			table.Select(row, 0)
		}
	}
}

func renderTimesteps(records []domain.TimestepRecord) string {
	if len(records) == 0 {
		return "No timesteps"
	}
	var b strings.Builder
	for _, rec := range records {
		b.WriteString(fmt.Sprintf(
			"t=%-3d %-24s reward=%.3f started=%d done=%d failed=%d\n",
			rec.Timestep,
			trimLine(rec.ActionType, 24),
			rec.Reward,
			len(rec.TasksStarted),
			len(rec.TasksCompleted),
			len(rec.TasksFailed),
		))
		if rec.ActionSummary != "" {
			b.WriteString("  " + trimLine(rec.ActionSummary, 100) + "\n")
		}
	}
	return b.String()
}

func renderMessages(items []domain.Message) string {
	if len(items) == 0 {
		return "No messages"
	}
	var b strings.Builder
	for _, m := range items {
		to := m.ReceiverID
		if to == "" {
			to = "all"
		}
		b.WriteString(fmt.Sprintf(
			"[%s] %s -> %s  %s\n  %s\n",
			m.Timestamp.Format("15:04:05"),
			m.SenderID,
			to,
			m.Type,
			trimLine(m.Content, 110),
		))
	}
	return b.String()
}

func renderEvaluations(items []eval.EvaluationResult) string {
	if len(items) == 0 {
		return "No evaluations"
	}
	var b strings.Builder
	for _, e := range items {
		b.WriteString(fmt.Sprintf("t=%-3d %-14s total=%.3f\n", e.Timestep, e.Cadence, e.WeightedPreferenceTotal))
		for _, ps := range e.PreferenceScores {
			b.WriteString(fmt.Sprintf("  %-20s weight=%.2f score=%.3f\n", ps.Name, ps.Weight, ps.Score))
		}
	}
	return b.String()
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
