package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"crm_autotask/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS resellers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	receptiveness INTEGER NOT NULL DEFAULT 0,
	preferred_channel TEXT NOT NULL DEFAULT '',
	business_acumen TEXT NOT NULL DEFAULT '',
	risk_aversion TEXT NOT NULL DEFAULT '',
	profile_incomplete INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resellers_status ON resellers(status);

CREATE TABLE IF NOT EXISTS reseller_sales (
	reseller_id TEXT NOT NULL,
	year INTEGER NOT NULL,
	week INTEGER NOT NULL,
	amount REAL NOT NULL,
	PRIMARY KEY(reseller_id, year, week),
	FOREIGN KEY(reseller_id) REFERENCES resellers(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	days_per_week INTEGER NOT NULL DEFAULT 5,
	daily_hours REAL NOT NULL DEFAULT 8,
	start_time TEXT NOT NULL DEFAULT '09:00',
	end_time TEXT NOT NULL DEFAULT '18:00',
	timezone TEXT NOT NULL DEFAULT 'UTC',
	working_days TEXT NOT NULL DEFAULT '[]',
	max_concurrent_tasks INTEGER NOT NULL CHECK (max_concurrent_tasks >= 1),
	is_active INTEGER NOT NULL DEFAULT 1,
	skills TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	reseller_id TEXT NOT NULL,
	assigned_to_agent_id TEXT NOT NULL,
	task_type TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	due_date INTEGER NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	context_summary TEXT NOT NULL DEFAULT '',
	suggested_solutions TEXT NOT NULL DEFAULT '[]',
	estimated_effort_hours REAL NOT NULL DEFAULT 0,
	needs_review INTEGER NOT NULL DEFAULT 0,
	risk_score REAL NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT 'engine',
	run_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER NULL,
	FOREIGN KEY(reseller_id) REFERENCES resellers(id),
	FOREIGN KEY(assigned_to_agent_id) REFERENCES agents(id)
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, due_date);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(assigned_to_agent_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_reseller ON tasks(reseller_id, task_type, status);

CREATE TABLE IF NOT EXISTS task_reports (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	completion_ts INTEGER NOT NULL,
	rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
	channel_used TEXT NOT NULL DEFAULT '',
	duration_minutes INTEGER NOT NULL DEFAULT 0,
	reseller_mood TEXT NOT NULL DEFAULT '',
	challenges TEXT NOT NULL DEFAULT '[]',
	solutions TEXT NOT NULL DEFAULT '[]',
	follow_up_required INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id)
);

CREATE TABLE IF NOT EXISTS agent_progress (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL UNIQUE,
	current_level INTEGER NOT NULL,
	total_xp INTEGER NOT NULL,
	current_streak INTEGER NOT NULL,
	best_streak INTEGER NOT NULL,
	badges TEXT NOT NULL DEFAULT '[]',
	weekly_goals TEXT NOT NULL DEFAULT '{}',
	last_completion_date TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(agent_id) REFERENCES agents(id)
);

CREATE TABLE IF NOT EXISTS progress_ledger (
	report_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	xp_awarded INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduler_runs (
	id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NULL,
	trigger TEXT NOT NULL,
	status TEXT NOT NULL,
	tasks_created INTEGER NOT NULL DEFAULT 0,
	gaps_identified INTEGER NOT NULL DEFAULT 0,
	unassigned INTEGER NOT NULL DEFAULT 0,
	errors TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_scheduler_runs_started ON scheduler_runs(started_at);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_run ON decision_log(run_id, created_at);
`

type Store struct {
	db *sql.DB
}

// Open opens the database with per-connection pragmas carried in the DSN so
// every pooled connection gets them, not only the first one.
func Open(dbPath string) (*Store, error) {
	pragmas := url.Values{}
	for _, p := range []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"foreign_keys(ON)",
		"busy_timeout(5000)",
	} {
		pragmas.Add("_pragma", p)
	}
	dsn := "file:" + dbPath + "?" + pragmas.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	// databases written before overdue became derived may still carry it
	if _, err := s.db.ExecContext(
		ctx, `UPDATE tasks SET status = ? WHERE status = ?`,
		string(domain.TaskStatusPending), string(domain.TaskStatusOverdue),
	); err != nil {
		return fmt.Errorf("migrate overdue status: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) UpsertReseller(ctx context.Context, r domain.Reseller) error {
	if strings.TrimSpace(r.ID) == "" {
		return domain.NewValidationError("reseller", "id is required")
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx upsert reseller: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO resellers(
			id, name, status, receptiveness, preferred_channel, business_acumen, risk_aversion,
			profile_incomplete, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			receptiveness = excluded.receptiveness,
			preferred_channel = excluded.preferred_channel,
			business_acumen = excluded.business_acumen,
			risk_aversion = excluded.risk_aversion,
			profile_incomplete = excluded.profile_incomplete,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, string(r.Status), r.Profile.Receptiveness, string(r.Profile.PreferredChannel),
		string(r.Profile.BusinessAcumen), string(r.Profile.RiskAversion), boolInt(r.ProfileIncomplete),
		r.CreatedAt.Unix(), r.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert reseller: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM reseller_sales WHERE reseller_id = ?`, r.ID); err != nil {
		return fmt.Errorf("clear reseller sales: %w", err)
	}
	for _, sale := range r.Sales {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO reseller_sales(reseller_id, year, week, amount) VALUES(?, ?, ?, ?)`,
			r.ID, sale.Year, sale.Week, sale.Amount,
		); err != nil {
			return fmt.Errorf("insert reseller sale: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert reseller: %w", err)
	}
	return nil
}

const resellerColumns = `id, name, status, receptiveness, preferred_channel, business_acumen, risk_aversion,
	profile_incomplete, created_at, updated_at`

func scanReseller(sc scanner) (domain.Reseller, error) {
	var r domain.Reseller
	var status, channel, acumen, risk string
	var incomplete int
	var created, updated int64
	if err := sc.Scan(
		&r.ID, &r.Name, &status, &r.Profile.Receptiveness, &channel, &acumen, &risk,
		&incomplete, &created, &updated,
	); err != nil {
		return domain.Reseller{}, err
	}
	r.Status = domain.ResellerStatus(status)
	r.Profile.PreferredChannel = domain.Channel(channel)
	r.Profile.BusinessAcumen = domain.Tier(acumen)
	r.Profile.RiskAversion = domain.Tier(risk)
	r.ProfileIncomplete = incomplete != 0
	r.CreatedAt = unixToTime(created)
	r.UpdatedAt = unixToTime(updated)
	return r, nil
}

func (s *Store) GetReseller(ctx context.Context, id string) (domain.Reseller, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resellerColumns+` FROM resellers WHERE id = ?`, id)
	r, err := scanReseller(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Reseller{}, fmt.Errorf("get reseller %s: %w", id, domain.ErrNotFound)
		}
		return domain.Reseller{}, fmt.Errorf("get reseller: %w", err)
	}
	sales, err := s.listSales(ctx, id)
	if err != nil {
		return domain.Reseller{}, err
	}
	r.Sales = sales[id]
	return r, nil
}

func (s *Store) ListResellers(ctx context.Context, filter domain.ResellerFilter) ([]domain.Reseller, error) {
	query := `SELECT ` + resellerColumns + ` FROM resellers`
	var args []any
	if len(filter.Statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list resellers: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Reseller, 0)
	for rows.Next() {
		r, err := scanReseller(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reseller: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resellers: %w", err)
	}

	sales, err := s.listSales(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].Sales = sales[result[i].ID]
	}
	return result, nil
}

func (s *Store) listSales(ctx context.Context, resellerID string) (map[string][]domain.SalesRecord, error) {
	query := `SELECT reseller_id, year, week, amount FROM reseller_sales`
	var args []any
	if resellerID != "" {
		query += ` WHERE reseller_id = ?`
		args = append(args, resellerID)
	}
	query += ` ORDER BY reseller_id, year, week`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reseller sales: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.SalesRecord)
	for rows.Next() {
		var id string
		var rec domain.SalesRecord
		if err := rows.Scan(&id, &rec.Year, &rec.Week, &rec.Amount); err != nil {
			return nil, fmt.Errorf("scan reseller sale: %w", err)
		}
		out[id] = append(out[id], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reseller sales: %w", err)
	}
	return out, nil
}

func (s *Store) SetProfileIncomplete(ctx context.Context, resellerID string, incomplete bool) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE resellers SET profile_incomplete = ?, updated_at = ? WHERE id = ?`,
		boolInt(incomplete), time.Now().UTC().Unix(), resellerID,
	)
	if err != nil {
		return fmt.Errorf("set profile incomplete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set profile incomplete %s: %w", resellerID, domain.ErrNotFound)
	}
	return nil
}

// LastInteractions returns, per reseller, the most recent completion
// timestamp among its task reports.
func (s *Store) LastInteractions(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT t.reseller_id, MAX(r.completion_ts)
		FROM task_reports r
		JOIN tasks t ON t.id = r.task_id
		GROUP BY t.reseller_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list last interactions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("scan last interaction: %w", err)
		}
		out[id] = unixToTime(ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate last interactions: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertAgent(ctx context.Context, a domain.Agent) error {
	if strings.TrimSpace(a.ID) == "" {
		return domain.NewValidationError("agent", "id is required")
	}
	if a.MaxConcurrentTasks < 1 {
		return domain.NewValidationError(a.ID, "max_concurrent_tasks must be at least 1")
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Schedule.Timezone == "" {
		a.Schedule.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(a.Schedule.Timezone); err != nil {
		return domain.NewValidationError(a.ID, fmt.Sprintf("unknown timezone %q", a.Schedule.Timezone))
	}

	workingDays, err := json.Marshal(weekdayInts(a.Schedule.WorkingDays))
	if err != nil {
		return fmt.Errorf("marshal working days: %w", err)
	}
	skills, err := json.Marshal(a.Skills)
	if err != nil {
		return fmt.Errorf("marshal skills: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO agents(
			id, name, days_per_week, daily_hours, start_time, end_time, timezone, working_days,
			max_concurrent_tasks, is_active, skills, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			days_per_week = excluded.days_per_week,
			daily_hours = excluded.daily_hours,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			timezone = excluded.timezone,
			working_days = excluded.working_days,
			max_concurrent_tasks = excluded.max_concurrent_tasks,
			is_active = excluded.is_active,
			skills = excluded.skills,
			updated_at = excluded.updated_at`,
		a.ID, a.Name, a.Schedule.DaysPerWeek, a.Schedule.DailyHours, a.Schedule.StartTime, a.Schedule.EndTime,
		a.Schedule.Timezone, string(workingDays), a.MaxConcurrentTasks, boolInt(a.IsActive), string(skills),
		a.CreatedAt.Unix(), a.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

const agentColumns = `id, name, days_per_week, daily_hours, start_time, end_time, timezone, working_days,
	max_concurrent_tasks, is_active, skills, created_at, updated_at`

func scanAgent(sc scanner) (domain.Agent, error) {
	var a domain.Agent
	var workingDays, skills string
	var active int
	var created, updated int64
	if err := sc.Scan(
		&a.ID, &a.Name, &a.Schedule.DaysPerWeek, &a.Schedule.DailyHours, &a.Schedule.StartTime,
		&a.Schedule.EndTime, &a.Schedule.Timezone, &workingDays, &a.MaxConcurrentTasks, &active,
		&skills, &created, &updated,
	); err != nil {
		return domain.Agent{}, err
	}
	var days []int
	if err := json.Unmarshal([]byte(workingDays), &days); err != nil {
		return domain.Agent{}, fmt.Errorf("parse working days: %w", err)
	}
	for _, d := range days {
		a.Schedule.WorkingDays = append(a.Schedule.WorkingDays, time.Weekday(d))
	}
	if err := json.Unmarshal([]byte(skills), &a.Skills); err != nil {
		return domain.Agent{}, fmt.Errorf("parse skills: %w", err)
	}
	a.IsActive = active != 0
	a.CreatedAt = unixToTime(created)
	a.UpdatedAt = unixToTime(updated)
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Agent{}, fmt.Errorf("get agent %s: %w", id, domain.ErrNotFound)
		}
		return domain.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, filter domain.AgentFilter) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	if filter.ActiveOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return result, nil
}

func (s *Store) CreateTask(ctx context.Context, task domain.Task) error {
	if _, err := insertTask(ctx, s.db, task); err != nil {
		return err
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertTask(ctx context.Context, db execer, task domain.Task) (domain.Task, error) {
	if task.ResellerID == "" || task.AssignedToAgentID == "" {
		return task, domain.NewValidationError(task.ID, "task requires reseller and agent")
	}
	if !task.TaskType.Valid() {
		return task, domain.NewValidationError(task.ID, fmt.Sprintf("unknown task type %q", task.TaskType))
	}
	if !task.Priority.Valid() {
		return task, domain.NewValidationError(task.ID, fmt.Sprintf("unknown priority %q", task.Priority))
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
	if task.Status == "" || task.Status == domain.TaskStatusOverdue {
		task.Status = domain.TaskStatusPending
	}
	if task.Source == "" {
		task.Source = domain.TaskSourceManual
	}
	solutions, err := json.Marshal(nonNilStrings(task.SuggestedSolutions))
	if err != nil {
		return task, fmt.Errorf("marshal suggested solutions: %w", err)
	}

	_, err = db.ExecContext(
		ctx,
		`INSERT INTO tasks(
			id, reseller_id, assigned_to_agent_id, task_type, priority, status, due_date, prompt,
			context_summary, suggested_solutions, estimated_effort_hours, needs_review, risk_score,
			source, run_id, created_at, updated_at, completed_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ResellerID, task.AssignedToAgentID, string(task.TaskType), string(task.Priority),
		string(task.Status), task.DueDate.UTC().Unix(), task.Prompt, task.ContextSummary, string(solutions),
		task.EstimatedEffortHours, boolInt(task.NeedsReview), task.RiskScore, string(task.Source), task.RunID,
		task.CreatedAt.Unix(), task.UpdatedAt.Unix(), nullableUnix(task.CompletedAt),
	)
	if err != nil {
		return task, fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return task, nil
}

const taskColumns = `id, reseller_id, assigned_to_agent_id, task_type, priority, status, due_date, prompt,
	context_summary, suggested_solutions, estimated_effort_hours, needs_review, risk_score, source, run_id,
	created_at, updated_at, completed_at`

func scanTask(sc scanner) (domain.Task, error) {
	var t domain.Task
	var taskType, priority, status, solutions, source string
	var due, created, updated int64
	var review int
	var completed sql.NullInt64
	if err := sc.Scan(
		&t.ID, &t.ResellerID, &t.AssignedToAgentID, &taskType, &priority, &status, &due, &t.Prompt,
		&t.ContextSummary, &solutions, &t.EstimatedEffortHours, &review, &t.RiskScore, &source, &t.RunID,
		&created, &updated, &completed,
	); err != nil {
		return domain.Task{}, err
	}
	if err := json.Unmarshal([]byte(solutions), &t.SuggestedSolutions); err != nil {
		return domain.Task{}, fmt.Errorf("parse suggested solutions: %w", err)
	}
	t.TaskType = domain.TaskType(taskType)
	t.Priority = domain.Priority(priority)
	t.Status = domain.TaskStatus(status)
	t.Source = domain.TaskSource(source)
	t.NeedsReview = review != 0
	t.DueDate = unixToTime(due)
	t.CreatedAt = unixToTime(created)
	t.UpdatedAt = unixToTime(updated)
	t.CompletedAt = int64ToTimePtr(completed)
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("get task %s: %w", taskID, domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		asOf := filter.AsOf
		if asOf.IsZero() {
			asOf = time.Now()
		}
		cond, condArgs := statusCondition(filter.Statuses, asOf.UTC().Unix())
		where = append(where, cond)
		args = append(args, condArgs...)
	}
	if filter.AgentID != "" {
		where = append(where, `assigned_to_agent_id = ?`)
		args = append(args, filter.AgentID)
	}
	if filter.ResellerID != "" {
		where = append(where, `reseller_id = ?`)
		args = append(args, filter.ResellerID)
	}
	if filter.TaskType != "" {
		where = append(where, `task_type = ?`)
		args = append(args, string(filter.TaskType))
	}
	if filter.DueFrom != nil {
		where = append(where, `due_date >= ?`)
		args = append(args, filter.DueFrom.UTC().Unix())
	}
	if filter.DueTo != nil {
		where = append(where, `due_date <= ?`)
		args = append(args, filter.DueTo.UTC().Unix())
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY due_date ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

// statusCondition matches the effective status: an open task past its due
// date is overdue and no longer counts as pending or in progress.
func statusCondition(statuses []domain.TaskStatus, now int64) (string, []any) {
	parts := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses)*2)
	for _, st := range statuses {
		switch st {
		case domain.TaskStatusOverdue:
			parts = append(parts, `(status <> ? AND due_date < ?)`)
			args = append(args, string(domain.TaskStatusCompleted), now)
		case domain.TaskStatusCompleted:
			parts = append(parts, `status = ?`)
			args = append(args, string(st))
		default:
			parts = append(parts, `(status = ? AND due_date >= ?)`)
			args = append(args, string(st), now)
		}
	}
	return `(` + strings.Join(parts, ` OR `) + `)`, args
}

func (s *Store) ListOpenTasks(ctx context.Context) ([]domain.Task, error) {
	return s.ListTasks(ctx, domain.TaskFilter{Statuses: domain.OpenTaskStatuses})
}

// TransitionTask moves a task along the agent-driven lifecycle. Completed
// tasks are final.
func (s *Store) TransitionTask(ctx context.Context, taskID string, to domain.TaskStatus) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, fmt.Errorf("begin tx transition task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("transition task %s: %w", taskID, domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("read task status: %w", err)
	}
	if !domain.CanTransition(domain.TaskStatus(current), to) {
		return domain.Task{}, fmt.Errorf("%s -> %s: %w", current, to, domain.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	var completedAt any
	if to == domain.TaskStatusCompleted {
		completedAt = now.Unix()
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		string(to), now.Unix(), completedAt, taskID,
	); err != nil {
		return domain.Task{}, fmt.Errorf("update task status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, fmt.Errorf("commit transition task: %w", err)
	}
	return s.GetTask(ctx, taskID)
}

// CountOverdue counts open tasks whose due date has passed. Overdue is never
// written to the status column; it is derived from due_date on every read.
func (s *Store) CountOverdue(ctx context.Context, now time.Time) (int, error) {
	var n int
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM tasks WHERE status <> ? AND due_date < ?`,
		string(domain.TaskStatusCompleted), now.UTC().Unix(),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count overdue tasks: %w", err)
	}
	return n, nil
}

// CompleteTask stores the report and closes the task in one transaction. A
// task that already has a report yields ErrAlreadyExists.
func (s *Store) CompleteTask(ctx context.Context, report domain.TaskReport) (domain.Task, error) {
	if report.TaskEffectivenessRating < 1 || report.TaskEffectivenessRating > 5 {
		return domain.Task{}, domain.NewValidationError(report.TaskID, "effectiveness rating must be between 1 and 5")
	}
	if report.CompletionTimestamp.IsZero() {
		report.CompletionTimestamp = time.Now().UTC()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	challenges, err := json.Marshal(nonNilStrings(report.ChallengesFaced))
	if err != nil {
		return domain.Task{}, fmt.Errorf("marshal challenges: %w", err)
	}
	solutions, err := json.Marshal(nonNilStrings(report.SolutionsApplied))
	if err != nil {
		return domain.Task{}, fmt.Errorf("marshal solutions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, fmt.Errorf("begin tx complete task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var status, agentID string
	if err := tx.QueryRowContext(
		ctx, `SELECT status, assigned_to_agent_id FROM tasks WHERE id = ?`, report.TaskID,
	).Scan(&status, &agentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("complete task %s: %w", report.TaskID, domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("read task for completion: %w", err)
	}
	if domain.TaskStatus(status) == domain.TaskStatusCompleted {
		return domain.Task{}, fmt.Errorf("task %s report: %w", report.TaskID, domain.ErrAlreadyExists)
	}
	if report.AgentID == "" {
		report.AgentID = agentID
	}
	if report.AgentID != agentID {
		return domain.Task{}, domain.NewValidationError(report.TaskID, "report agent does not own the task")
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO task_reports(
			id, task_id, agent_id, completion_ts, rating, channel_used, duration_minutes, reseller_mood,
			challenges, solutions, follow_up_required, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.TaskID, report.AgentID, report.CompletionTimestamp.UTC().Unix(),
		report.TaskEffectivenessRating, string(report.CommunicationChannelUsed), report.InteractionDurationMinutes,
		report.ResellerMood, string(challenges), string(solutions), boolInt(report.FollowUpRequired),
		report.CreatedAt.Unix(),
	); err != nil {
		return domain.Task{}, fmt.Errorf("insert task report: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(domain.TaskStatusCompleted), report.CompletionTimestamp.UTC().Unix(), time.Now().UTC().Unix(), report.TaskID,
	); err != nil {
		return domain.Task{}, fmt.Errorf("close task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, fmt.Errorf("commit complete task: %w", err)
	}
	return s.GetTask(ctx, report.TaskID)
}

func (s *Store) GetTaskReport(ctx context.Context, taskID string) (domain.TaskReport, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, task_id, agent_id, completion_ts, rating, channel_used, duration_minutes, reseller_mood,
			challenges, solutions, follow_up_required, created_at
		FROM task_reports WHERE task_id = ?`,
		taskID,
	)
	var r domain.TaskReport
	var completion, created int64
	var channel, challenges, solutions string
	var followUp int
	if err := row.Scan(
		&r.ID, &r.TaskID, &r.AgentID, &completion, &r.TaskEffectivenessRating, &channel,
		&r.InteractionDurationMinutes, &r.ResellerMood, &challenges, &solutions, &followUp, &created,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TaskReport{}, fmt.Errorf("get task report %s: %w", taskID, domain.ErrNotFound)
		}
		return domain.TaskReport{}, fmt.Errorf("get task report: %w", err)
	}
	if err := json.Unmarshal([]byte(challenges), &r.ChallengesFaced); err != nil {
		return domain.TaskReport{}, fmt.Errorf("parse challenges: %w", err)
	}
	if err := json.Unmarshal([]byte(solutions), &r.SolutionsApplied); err != nil {
		return domain.TaskReport{}, fmt.Errorf("parse solutions: %w", err)
	}
	r.CommunicationChannelUsed = domain.Channel(channel)
	r.FollowUpRequired = followUp != 0
	r.CompletionTimestamp = unixToTime(completion)
	r.CreatedAt = unixToTime(created)
	return r, nil
}

func (s *Store) GetAgentProgress(ctx context.Context, agentID string) (domain.AgentProgress, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, agent_id, current_level, total_xp, current_streak, best_streak, badges, weekly_goals,
			last_completion_date, version, updated_at
		FROM agent_progress WHERE agent_id = ?`,
		agentID,
	)
	var p domain.AgentProgress
	var badges, goals string
	var updated int64
	if err := row.Scan(
		&p.ID, &p.AgentID, &p.CurrentLevel, &p.TotalXP, &p.CurrentStreak, &p.BestStreak, &badges, &goals,
		&p.LastCompletionDate, &p.Version, &updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AgentProgress{}, fmt.Errorf("get progress %s: %w", agentID, domain.ErrNotFound)
		}
		return domain.AgentProgress{}, fmt.Errorf("get agent progress: %w", err)
	}
	if err := json.Unmarshal([]byte(badges), &p.Badges); err != nil {
		return domain.AgentProgress{}, fmt.Errorf("parse badges: %w", err)
	}
	if err := json.Unmarshal([]byte(goals), &p.WeeklyGoals); err != nil {
		return domain.AgentProgress{}, fmt.Errorf("parse weekly goals: %w", err)
	}
	p.UpdatedAt = unixToTime(updated)
	return p, nil
}

// SaveAgentProgress upserts p if the stored version still equals p.Version and
// records reportID in the ledger within the same transaction. Version 0 means
// the row must not exist yet. The saved row carries Version+1.
// ErrAlreadyExists means the report was credited before; ErrVersionConflict
// means another writer got there first.
func (s *Store) SaveAgentProgress(ctx context.Context, p domain.AgentProgress, reportID string, xpAwarded int) (domain.AgentProgress, error) {
	badges, err := json.Marshal(nonNilStrings(p.Badges))
	if err != nil {
		return domain.AgentProgress{}, fmt.Errorf("marshal badges: %w", err)
	}
	goals, err := json.Marshal(p.WeeklyGoals)
	if err != nil {
		return domain.AgentProgress{}, fmt.Errorf("marshal weekly goals: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentProgress{}, fmt.Errorf("begin tx save progress: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if reportID != "" {
		res, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO progress_ledger(report_id, agent_id, xp_awarded, created_at) VALUES(?, ?, ?, ?)`,
			reportID, p.AgentID, xpAwarded, now.Unix(),
		)
		if err != nil {
			return domain.AgentProgress{}, fmt.Errorf("insert progress ledger: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return domain.AgentProgress{}, fmt.Errorf("progress ledger rows affected: %w", err)
		}
		if affected == 0 {
			return domain.AgentProgress{}, fmt.Errorf("report %s: %w", reportID, domain.ErrAlreadyExists)
		}
	}

	expected := p.Version
	p.Version = expected + 1
	p.UpdatedAt = now
	var res sql.Result
	if expected == 0 {
		res, err = tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO agent_progress(
				id, agent_id, current_level, total_xp, current_streak, best_streak, badges, weekly_goals,
				last_completion_date, version, updated_at
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.AgentID, p.CurrentLevel, p.TotalXP, p.CurrentStreak, p.BestStreak, string(badges),
			string(goals), p.LastCompletionDate, p.Version, now.Unix(),
		)
	} else {
		res, err = tx.ExecContext(
			ctx,
			`UPDATE agent_progress SET
				current_level = ?, total_xp = ?, current_streak = ?, best_streak = ?, badges = ?,
				weekly_goals = ?, last_completion_date = ?, version = ?, updated_at = ?
			WHERE agent_id = ? AND version = ?`,
			p.CurrentLevel, p.TotalXP, p.CurrentStreak, p.BestStreak, string(badges), string(goals),
			p.LastCompletionDate, p.Version, now.Unix(), p.AgentID, expected,
		)
	}
	if err != nil {
		return domain.AgentProgress{}, fmt.Errorf("write agent progress: %w", err)
	}
	written, err := res.RowsAffected()
	if err != nil {
		return domain.AgentProgress{}, fmt.Errorf("agent progress rows affected: %w", err)
	}
	if written == 0 {
		return domain.AgentProgress{}, fmt.Errorf("agent %s progress: %w", p.AgentID, domain.ErrVersionConflict)
	}

	if err := tx.Commit(); err != nil {
		return domain.AgentProgress{}, fmt.Errorf("commit save progress: %w", err)
	}
	return p, nil
}

// CreateSchedulerRun appends the opening row of a run.
func (s *Store) CreateSchedulerRun(ctx context.Context, run domain.SchedulerRun) error {
	errs, err := json.Marshal(nonNilStrings(run.Errors))
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO scheduler_runs(id, started_at, finished_at, trigger, status, tasks_created, gaps_identified, unassigned, errors)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC().Unix(), nullableUnix(run.FinishedAt), string(run.Trigger), string(run.Status),
		run.TasksCreated, run.GapsIdentified, run.Unassigned, string(errs),
	)
	if err != nil {
		return fmt.Errorf("create scheduler run: %w", err)
	}
	return nil
}

// FinishSchedulerRun closes out a run row without touching tasks. Only a
// running row can be closed; a second close yields ErrRunClosed.
func (s *Store) FinishSchedulerRun(ctx context.Context, run domain.SchedulerRun) error {
	return finishRun(ctx, s.db, run)
}

func finishRun(ctx context.Context, db execer, run domain.SchedulerRun) error {
	errs, err := json.Marshal(nonNilStrings(run.Errors))
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}
	res, err := db.ExecContext(
		ctx,
		`UPDATE scheduler_runs
		SET finished_at = ?, status = ?, tasks_created = ?, gaps_identified = ?, unassigned = ?, errors = ?
		WHERE id = ? AND status = ?`,
		nullableUnix(run.FinishedAt), string(run.Status), run.TasksCreated, run.GapsIdentified,
		run.Unassigned, string(errs), run.ID, string(domain.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("finish scheduler run: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM scheduler_runs WHERE id = ?`, run.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check scheduler run: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("finish scheduler run %s: %w", run.ID, domain.ErrNotFound)
	}
	return fmt.Errorf("finish scheduler run %s: %w", run.ID, domain.ErrRunClosed)
}

// CommitRun writes the created tasks, the profile-incomplete flags and the
// closing run row in one transaction: either all of them land or none do.
func (s *Store) CommitRun(ctx context.Context, c domain.RunCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx commit run: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, task := range c.Tasks {
		if _, err := insertTask(ctx, tx, task); err != nil {
			return err
		}
	}
	now := time.Now().UTC().Unix()
	for _, id := range c.IncompleteProfiles {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE resellers SET profile_incomplete = 1, updated_at = ? WHERE id = ? AND profile_incomplete = 0`,
			now, id,
		); err != nil {
			return fmt.Errorf("flag incomplete profile %s: %w", id, err)
		}
	}
	if err := finishRun(ctx, tx, c.Run); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

func (s *Store) GetSchedulerRun(ctx context.Context, runID string) (domain.SchedulerRun, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, started_at, finished_at, trigger, status, tasks_created, gaps_identified, unassigned, errors
		FROM scheduler_runs WHERE id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SchedulerRun{}, fmt.Errorf("get scheduler run %s: %w", runID, domain.ErrNotFound)
		}
		return domain.SchedulerRun{}, fmt.Errorf("get scheduler run: %w", err)
	}
	return run, nil
}

func (s *Store) ListSchedulerRuns(ctx context.Context, limit int) ([]domain.SchedulerRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, started_at, finished_at, trigger, status, tasks_created, gaps_identified, unassigned, errors
		FROM scheduler_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list scheduler runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.SchedulerRun, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduler run: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduler runs: %w", err)
	}
	return result, nil
}

func scanRun(sc scanner) (domain.SchedulerRun, error) {
	var run domain.SchedulerRun
	var started int64
	var finished sql.NullInt64
	var trigger, status, errs string
	if err := sc.Scan(
		&run.ID, &started, &finished, &trigger, &status, &run.TasksCreated, &run.GapsIdentified,
		&run.Unassigned, &errs,
	); err != nil {
		return domain.SchedulerRun{}, err
	}
	if err := json.Unmarshal([]byte(errs), &run.Errors); err != nil {
		return domain.SchedulerRun{}, fmt.Errorf("parse run errors: %w", err)
	}
	run.StartedAt = unixToTime(started)
	run.FinishedAt = int64ToTimePtr(finished)
	run.Trigger = domain.RunTrigger(trigger)
	run.Status = domain.RunStatus(status)
	return run, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(run_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.Actor, entry.Action, entry.Reason, payload, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// ListDecisions returns the newest entries first; an empty runID lists all.
func (s *Store) ListDecisions(ctx context.Context, runID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	query := `SELECT id, run_id, actor, action, reason, payload, created_at FROM decision_log`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0, limit)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.RunID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

// IsBusy reports whether err is SQLite lock contention worth retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

type scanner interface {
	Scan(dest ...any) error
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func weekdayInts(days []time.Weekday) []int {
	out := make([]int, 0, len(days))
	for _, d := range days {
		out = append(out, int(d))
	}
	return out
}
