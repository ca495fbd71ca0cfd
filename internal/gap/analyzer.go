package gap

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"crm_autotask/internal/config"
	"crm_autotask/internal/domain"
)

// Input is a read-only snapshot of what a pass knows about resellers.
type Input struct {
	Resellers []domain.Reseller
	OpenTasks []domain.Task
	// LastInteraction holds the latest report completion per reseller id.
	LastInteraction map[string]time.Time
	Now             time.Time
}

type Result struct {
	Signals []domain.GapSignal
	// IncompleteProfiles lists resellers whose profile is missing attributes
	// and whose stored flag is not set yet.
	IncompleteProfiles []string
	Issues             []error
}

// Analyzer scores resellers and recommends one intervention per reseller.
// It never writes; the same Input always yields the same Result.
type Analyzer struct {
	cfg config.GapConfig
}

func New(cfg config.GapConfig) *Analyzer {
	return &Analyzer{cfg: cfg}
}

type openKey struct {
	resellerID string
	taskType   domain.TaskType
}

func (a *Analyzer) Analyze(in Input) Result {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	open := make(map[openKey]struct{}, len(in.OpenTasks))
	for _, task := range in.OpenTasks {
		if !task.Status.IsOpen() {
			continue
		}
		open[openKey{task.ResellerID, task.TaskType}] = struct{}{}
	}

	var out Result
	for _, reseller := range in.Resellers {
		if err := validateReseller(reseller); err != nil {
			out.Issues = append(out.Issues, err)
			continue
		}
		if !reseller.Profile.Complete() && !reseller.ProfileIncomplete {
			out.IncompleteProfiles = append(out.IncompleteProfiles, reseller.ID)
		}

		var last *time.Time
		if ts, ok := in.LastInteraction[reseller.ID]; ok && !ts.IsZero() {
			ts := ts.UTC()
			last = &ts
		}
		signal, ok := a.evaluate(reseller, last, now)
		if !ok {
			continue
		}
		if _, exists := open[openKey{reseller.ID, signal.RecommendedTaskType}]; exists {
			continue
		}
		out.Signals = append(out.Signals, signal)
	}

	SortSignals(out.Signals)
	return out
}

func (a *Analyzer) evaluate(r domain.Reseller, last *time.Time, now time.Time) (domain.GapSignal, bool) {
	recency, idleDays := a.recency(last, now)
	decline := a.decline(r.Sales)
	score := clamp01(a.cfg.RecencyWeight*recency + a.cfg.TrendWeight*decline + a.cfg.StatusWeight*a.statusFactor(r.Status))

	signal := domain.GapSignal{
		ResellerID:        r.ID,
		RiskScore:         round3(score),
		LastInteraction:   last,
		ProfileIncomplete: !r.Profile.Complete(),
	}
	var reasons []string
	if last == nil {
		reasons = append(reasons, "no recorded interaction")
	} else {
		reasons = append(reasons, fmt.Sprintf("last interaction %d days ago", idleDays))
	}
	if decline > 0 {
		reasons = append(reasons, fmt.Sprintf("sales down %.0f%% over last %d weeks", decline*100, a.cfg.TrendWeeks))
	}

	declining := decline >= a.cfg.DeclineThreshold && decline > 0
	switch {
	case r.Status == domain.ResellerStatusLapsed:
		signal.RecommendedTaskType = domain.TaskTypeChurnPrevention
		signal.RiskLevel = domain.PriorityUrgent
		reasons = append([]string{"reseller lapsed"}, reasons...)
		signal.Rationale = strings.Join(reasons, "; ")
		return signal, true
	case declining:
		signal.RecommendedTaskType = domain.TaskTypeChurnPrevention
		score = math.Max(score, a.cfg.MediumScore)
		signal.RiskScore = round3(score)
		reasons = append([]string{"declining sales trend"}, reasons...)
	case signal.ProfileIncomplete:
		signal.RecommendedTaskType = domain.TaskTypeInformationGathering
		score = math.Max(score, a.cfg.MediumScore)
		signal.RiskScore = round3(score)
		reasons = append([]string{"psychological profile incomplete"}, reasons...)
	case r.Status == domain.ResellerStatusNew:
		signal.RecommendedTaskType = domain.TaskTypeProactiveOutreach
		reasons = append([]string{"new reseller without sales momentum"}, reasons...)
	case r.Status == domain.ResellerStatusInactive:
		signal.RecommendedTaskType = domain.TaskTypeProactiveOutreach
		reasons = append([]string{"reseller inactive"}, reasons...)
	case last == nil || idleDays >= a.cfg.FollowUpAfterDays:
		signal.RecommendedTaskType = domain.TaskTypeFollowUp
		reasons = append([]string{"contact is stale"}, reasons...)
	default:
		return domain.GapSignal{}, false
	}

	if score < a.cfg.MinScore {
		return domain.GapSignal{}, false
	}
	signal.RiskLevel = a.priorityFor(score)
	signal.Rationale = strings.Join(reasons, "; ")
	return signal, true
}

// recency maps idle time onto [0,1]; never-contacted resellers score 1.
func (a *Analyzer) recency(last *time.Time, now time.Time) (float64, int) {
	if last == nil {
		return 1, 0
	}
	idle := now.Sub(*last)
	if idle < 0 {
		idle = 0
	}
	days := int(idle.Hours() / 24)
	horizon := a.cfg.RecencyHorizonDays
	if horizon <= 0 {
		return 1, days
	}
	return clamp01(float64(days) / float64(horizon)), days
}

// decline compares the older and newer halves of the last TrendWeeks
// records and returns the relative drop, 0 when flat, rising or unknown.
func (a *Analyzer) decline(sales []domain.SalesRecord) float64 {
	if len(sales) < 2 {
		return 0
	}
	ordered := append([]domain.SalesRecord(nil), sales...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })
	window := a.cfg.TrendWeeks
	if window < 2 {
		window = 2
	}
	if len(ordered) > window {
		ordered = ordered[len(ordered)-window:]
	}

	half := len(ordered) / 2
	older := mean(ordered[:half])
	newer := mean(ordered[len(ordered)-half:])
	if older <= 0 || newer >= older {
		return 0
	}
	return clamp01((older - newer) / older)
}

func (a *Analyzer) statusFactor(status domain.ResellerStatus) float64 {
	switch status {
	case domain.ResellerStatusNew:
		return a.cfg.NewStatusFactor
	case domain.ResellerStatusActive:
		return a.cfg.ActiveStatusFactor
	case domain.ResellerStatusInactive:
		return a.cfg.InactiveStatusFactor
	case domain.ResellerStatusLapsed:
		return a.cfg.LapsedStatusFactor
	default:
		return 0
	}
}

func (a *Analyzer) priorityFor(score float64) domain.Priority {
	switch {
	case score >= a.cfg.UrgentScore:
		return domain.PriorityUrgent
	case score >= a.cfg.HighScore:
		return domain.PriorityHigh
	case score >= a.cfg.MediumScore:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

// SortSignals orders signals by priority, then oldest last interaction
// (never contacted first), then reseller id.
func SortSignals(signals []domain.GapSignal) {
	sort.SliceStable(signals, func(i, j int) bool {
		a, b := signals[i], signals[j]
		if a.RiskLevel.Rank() != b.RiskLevel.Rank() {
			return a.RiskLevel.Rank() > b.RiskLevel.Rank()
		}
		switch {
		case a.LastInteraction == nil && b.LastInteraction != nil:
			return true
		case a.LastInteraction != nil && b.LastInteraction == nil:
			return false
		case a.LastInteraction != nil && b.LastInteraction != nil && !a.LastInteraction.Equal(*b.LastInteraction):
			return a.LastInteraction.Before(*b.LastInteraction)
		}
		return a.ResellerID < b.ResellerID
	})
}

func validateReseller(r domain.Reseller) error {
	if strings.TrimSpace(r.ID) == "" {
		return domain.NewValidationError("reseller", "missing id")
	}
	switch r.Status {
	case domain.ResellerStatusNew, domain.ResellerStatusActive, domain.ResellerStatusInactive, domain.ResellerStatusLapsed:
	default:
		return domain.NewValidationError(r.ID, fmt.Sprintf("unknown status %q", r.Status))
	}
	if r.Profile.Receptiveness < 0 || r.Profile.Receptiveness > 10 {
		return domain.NewValidationError(r.ID, "receptiveness out of range")
	}
	return nil
}

func mean(records []domain.SalesRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	var sum float64
	for _, r := range records {
		sum += r.Amount
	}
	return sum / float64(len(records))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
