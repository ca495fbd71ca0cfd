package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"crm_autotask/internal/client"
	"crm_autotask/internal/domain"
	"crm_autotask/internal/scheduler"
)

type embeddedEngine struct {
	cmd *exec.Cmd
	out bytes.Buffer
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "engine base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start crm-engine serve in the monitor's process lifecycle")
	engineBinary := flag.String("engine-bin", "", "path to the crm-engine binary (embedded mode)")
	configPath := flag.String("config", "", "config path passed to the embedded engine")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for the embedded engine")
	flag.Parse()

	c := client.New(*addr, 10*time.Second)

	var engine *embeddedEngine
	var err error
	if *embedded {
		engine, err = startEmbeddedEngine(*addr, *engineBinary, *configPath, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded engine: %v\n", err)
			os.Exit(1)
		}
		defer engine.Stop()
	}

	if err := c.WaitHealth(context.Background(), 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "engine health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Open tasks (Enter inspect)").SetBorder(true)

	daemonView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	daemonView.SetTitle("Daemon").SetBorder(true)

	capacityView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	capacityView.SetTitle("Agent capacity").SetBorder(true)

	runsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	runsView.SetTitle("Runs").SetBorder(true)

	detailView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	detailView.SetTitle("Details").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | F5 refresh, F10 quit, f force run, s start, x stop",
		c.BaseURL(),
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(daemonView, 9, 0, false).
		AddItem(capacityView, 0, 1, false).
		AddItem(runsView, 0, 1, false)
	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(tasksTable, 0, 3, true).
		AddItem(detailView, 0, 2, false)
	mainLayout := tview.NewFlex().
		AddItem(left, 0, 3, true).
		AddItem(right, 0, 2, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, true).
		AddItem(statusView, 3, 0, false)

	var lastTasks []domain.Task
	var selectedTaskID string
	var refreshVersion uint64

	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refresh := func() {
		version := atomic.AddUint64(&refreshVersion, 1)
		ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()

		type statusResult struct {
			status scheduler.Status
			err    error
		}
		type tasksResult struct {
			items []domain.Task
			err   error
		}
		type capacityResult struct {
			report client.CapacityReport
			err    error
		}
		type runsResult struct {
			items     []domain.SchedulerRun
			decisions []domain.DecisionLog
			err       error
		}
		statusCh := make(chan statusResult, 1)
		tasksCh := make(chan tasksResult, 1)
		capacityCh := make(chan capacityResult, 1)
		runsCh := make(chan runsResult, 1)

		go func() {
			st, err := c.DaemonStatus(ctx)
			statusCh <- statusResult{status: st, err: err}
		}()
		go func() {
			items, err := c.Tasks(ctx, "", domain.OpenTaskStatuses...)
			tasksCh <- tasksResult{items: items, err: err}
		}()
		go func() {
			report, err := c.Capacity(ctx)
			capacityCh <- capacityResult{report: report, err: err}
		}()
		go func() {
			items, err := c.Runs(ctx, 15)
			res := runsResult{items: items, err: err}
			if err == nil && len(items) > 0 {
				res.decisions, res.err = c.RunDecisions(ctx, items[0].ID, 40)
			}
			runsCh <- res
		}()

		stRes := <-statusCh
		taskRes := <-tasksCh
		capRes := <-capacityCh
		runRes := <-runsCh

		if atomic.LoadUint64(&refreshVersion) != version {
			return
		}
		if taskRes.err == nil {
			sort.Slice(taskRes.items, func(i, j int) bool {
				a, b := taskRes.items[i], taskRes.items[j]
				if a.Priority.Rank() != b.Priority.Rank() {
					return a.Priority.Rank() > b.Priority.Rank()
				}
				return a.DueDate.Before(b.DueDate)
			})
		}
		app.QueueUpdateDraw(func() {
			if stRes.err != nil {
				daemonView.SetText(fmt.Sprintf("error: %v", stRes.err))
			} else {
				daemonView.SetText(renderDaemon(stRes.status))
			}
			if taskRes.err != nil {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", taskRes.err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			} else {
				lastTasks = taskRes.items
				renderTasksTable(tasksTable, lastTasks, selectedTaskID)
			}
			if capRes.err != nil {
				capacityView.SetText(fmt.Sprintf("error: %v", capRes.err))
			} else {
				capacityView.SetText(renderCapacity(capRes.report))
			}
			if runRes.err != nil {
				runsView.SetText(fmt.Sprintf("error: %v", runRes.err))
			} else {
				runsView.SetText(renderRuns(runRes.items, runRes.decisions))
			}
		})
	}

	control := func(label string, fn func(ctx context.Context) (string, error)) {
		setStatusAsync(label + "...")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
			defer cancel()
			msg, err := fn(ctx)
			if err != nil {
				setStatusAsync(label + " failed: " + err.Error())
				return
			}
			setStatusAsync(msg)
			refresh()
		}()
	}

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTasks) {
			return
		}
		task := lastTasks[row-1]
		selectedTaskID = task.ID
		detailView.SetText(renderTask(task))
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refresh()
			statusView.SetText("Manual refresh")
			return nil
		case tcell.KeyRune:
		default:
			return event
		}
		switch event.Rune() {
		case 'f':
			control("Force run", func(ctx context.Context) (string, error) {
				run, err := c.ForceRun(ctx)
				if client.IsConflict(err) {
					return "A pass is already executing", nil
				}
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Run %s %s: %d gaps, %d tasks, %d unassigned",
					shortID(run.ID), run.Status, run.GapsIdentified, run.TasksCreated, run.Unassigned), nil
			})
			return nil
		case 's':
			control("Start", func(ctx context.Context) (string, error) {
				st, err := c.StartDaemon(ctx, 0)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Scheduler running every %.0f min", st.Config.ExecutionIntervalMinutes), nil
			})
			return nil
		case 'x':
			control("Stop", func(ctx context.Context) (string, error) {
				if _, err := c.StopDaemon(ctx); err != nil {
					return "", err
				}
				return "Scheduler stopped", nil
			})
			return nil
		case 'q':
			app.Stop()
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		refresh()
		for range ticker.C {
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(tasksTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func startEmbeddedEngine(addr, engineBinary, configPath, dbPath string) (*embeddedEngine, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	args := []string{"--addr", ":" + port, "--db", dbPath}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	args = append(args, "serve")

	var cmd *exec.Cmd
	if strings.TrimSpace(engineBinary) != "" {
		cmd = exec.Command(engineBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "crm-engine")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/crm-engine"}, args...)...)
		}
	}

	engine := &embeddedEngine{cmd: cmd}
	cmd.Stdout = &engine.out
	cmd.Stderr = &engine.out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine process: %w", err)
	}
	return engine, nil
}

func (e *embeddedEngine) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Priority", "Type", "Agent", "Reseller", "Due"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)).SetTextColor(statusColor(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(string(t.Priority)))
		table.SetCell(row, 3, tview.NewTableCell(string(t.TaskType)))
		agent := t.AssignedToAgentID
		if t.NeedsReview {
			agent += " (review)"
		}
		table.SetCell(row, 4, tview.NewTableCell(agent))
		table.SetCell(row, 5, tview.NewTableCell(shortID(t.ResellerID)))
		table.SetCell(row, 6, tview.NewTableCell(t.DueDate.Local().Format("Jan 02 15:04")))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func statusColor(s domain.TaskStatus) tcell.Color {
	switch s {
	case domain.TaskStatusOverdue:
		return tcell.ColorRed
	case domain.TaskStatusInProgress:
		return tcell.ColorYellow
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func renderDaemon(st scheduler.Status) string {
	state := "[red]stopped[-]"
	if st.IsRunning {
		state = "[green]running[-]"
	}
	executing := "idle"
	if st.IsExecuting {
		executing = "[yellow]executing[-] " + shortID(st.CurrentRunID)
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("state: %s  %s\n", state, executing))
	b.WriteString(fmt.Sprintf("interval: %.0f min\n", st.Config.ExecutionIntervalMinutes))
	b.WriteString(fmt.Sprintf("last: %s\n", formatTime(st.LastExecution)))
	b.WriteString(fmt.Sprintf("next: %s\n", formatTime(st.NextExecution)))
	b.WriteString(fmt.Sprintf("executions: %d  watchdog clears: %d\n", st.ExecutionCount, st.WatchdogClears))
	if st.LastError != "" {
		b.WriteString("[red]last error:[-] " + trimLine(st.LastError, 90) + "\n")
	}
	return b.String()
}

func renderCapacity(report client.CapacityReport) string {
	if len(report.Agents) == 0 {
		return "No active agents"
	}
	var b strings.Builder
	for _, c := range report.Agents {
		bar := utilizationBar(c.UtilizationPct, 20)
		b.WriteString(fmt.Sprintf("%-12s %s %3d/%-3d %5.1f%%\n", trimLine(c.AgentID, 12), bar, c.CurrentLoad, c.Capacity, c.UtilizationPct))
	}
	for _, issue := range report.Issues {
		b.WriteString("[red]" + trimLine(issue, 100) + "[-]\n")
	}
	return b.String()
}

func utilizationBar(pct float64, width int) string {
	filled := int(pct / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	color := "green"
	switch {
	case pct >= 100:
		color = "red"
	case pct >= 75:
		color = "yellow"
	}
	return fmt.Sprintf("[%s]%s[-]%s", color, strings.Repeat("|", filled), strings.Repeat(".", width-filled))
}

func renderRuns(runs []domain.SchedulerRun, decisions []domain.DecisionLog) string {
	if len(runs) == 0 {
		return "No runs yet"
	}
	var b strings.Builder
	for _, r := range runs {
		color := "green"
		switch r.Status {
		case domain.RunStatusFailed:
			color = "red"
		case domain.RunStatusRunning:
			color = "yellow"
		}
		b.WriteString(fmt.Sprintf(
			"[%s] %s [%s]%-9s[-] %-8s gaps=%d tasks=%d unassigned=%d\n",
			r.StartedAt.Local().Format("15:04:05"),
			shortID(r.ID),
			color,
			r.Status,
			r.Trigger,
			r.GapsIdentified,
			r.TasksCreated,
			r.Unassigned,
		))
		for _, e := range r.Errors {
			b.WriteString("  error: " + trimLine(e, 100) + "\n")
		}
	}
	if len(decisions) > 0 {
		b.WriteString("\nlatest run decisions:\n")
		for _, d := range decisions {
			b.WriteString(fmt.Sprintf("  %s %s: %s", d.CreatedAt.Local().Format("15:04:05"), d.Action, trimLine(d.Reason, 60)))
			if detail := decisionPayloadSummary(d.Payload); detail != "" {
				b.WriteString("  " + trimLine(detail, 100))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderTask(t domain.Task) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s  %s/%s  risk=%.2f  effort=%.2fh\n", t.ID, t.TaskType, t.Priority, t.RiskScore, t.EstimatedEffortHours))
	b.WriteString(fmt.Sprintf("reseller=%s agent=%s due=%s\n\n", t.ResellerID, t.AssignedToAgentID, t.DueDate.Local().Format(time.RFC1123)))
	if t.ContextSummary != "" {
		b.WriteString("[::b]Context[::-]\n" + t.ContextSummary + "\n\n")
	}
	if t.Prompt != "" {
		b.WriteString("[::b]Prompt[::-]\n" + t.Prompt + "\n\n")
	}
	if len(t.SuggestedSolutions) > 0 {
		b.WriteString("[::b]Suggested[::-]\n")
		for _, s := range t.SuggestedSolutions {
			b.WriteString("- " + s + "\n")
		}
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
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

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
