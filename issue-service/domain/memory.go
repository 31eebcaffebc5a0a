package domain

import (
	"context"
	"sort"
	"sync"
	"time"
)

type issueEntry struct {
	mu    sync.Mutex
	issue *Issue
}

// MemoryRepository keeps issues, positions, accounts and the outbox in
// process memory. Each issue has its own mutex so mutations of one issue are
// serialized while different issues proceed independently.
type MemoryRepository struct {
	mu       sync.RWMutex
	issues   map[string]*issueEntry
	order    []string
	position map[string]*MechanicPosition
	accounts map[Role]map[string]*Account

	outboxMu sync.Mutex
	outbox   []*Event
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		issues:   make(map[string]*issueEntry),
		position: make(map[string]*MechanicPosition),
		accounts: map[Role]map[string]*Account{
			RoleUser:     {},
			RoleMechanic: {},
		},
	}
}

func (r *MemoryRepository) CreateIssue(ctx context.Context, issue *Issue, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.issues[issue.ID]; exists {
		return validationf("issue %s already exists", issue.ID)
	}
	r.issues[issue.ID] = &issueEntry{issue: issue.Clone()}
	r.order = append(r.order, issue.ID)
	if event != nil {
		r.appendEvent(issue, event)
	}
	return nil
}

func (r *MemoryRepository) entry(id string) (*issueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.issues[id]
	if !ok {
		return nil, notFoundf("issue %s not found", id)
	}
	return e, nil
}

func (r *MemoryRepository) GetIssue(ctx context.Context, id string) (*Issue, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.issue.Clone(), nil
}

func (r *MemoryRepository) ListIssuesByReporter(ctx context.Context, reporterID string) ([]*Issue, error) {
	all, err := r.AllIssues(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Issue
	for _, issue := range all {
		if issue.ReporterID == reporterID {
			out = append(out, issue)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateIssue applies mutate to a copy of the issue while holding the issue's
// lock and swaps it in only when mutate succeeds.
func (r *MemoryRepository) UpdateIssue(ctx context.Context, id string, mutate Mutation) (*Issue, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	working := e.issue.Clone()
	event, err := mutate(working)
	if err != nil {
		return nil, err
	}
	working.Version = e.issue.Version + 1
	e.issue = working
	if event != nil {
		r.appendEvent(working, event)
	}
	return working.Clone(), nil
}

func (r *MemoryRepository) appendEvent(issue *Issue, event *Event) {
	stampEvent(issue, event)
	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()
	ev := *event
	r.outbox = append(r.outbox, &ev)
}

// AllIssues returns copies of every issue in creation order.
func (r *MemoryRepository) AllIssues(ctx context.Context) ([]*Issue, error) {
	r.mu.RLock()
	entries := make([]*issueEntry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.issues[id])
	}
	r.mu.RUnlock()

	out := make([]*Issue, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.issue.Clone())
		e.mu.Unlock()
	}
	return out, nil
}

func (r *MemoryRepository) UpsertPosition(ctx context.Context, mechanicID string, loc Location, now time.Time) (*MechanicPosition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.position[mechanicID]
	if !ok {
		p = &MechanicPosition{MechanicID: mechanicID, IsLive: true}
		r.position[mechanicID] = p
	}
	p.Location = Location{Type: "Point", Coordinates: append([]float64(nil), loc.Coordinates...)}
	p.LastUpdated = now
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) SetLive(ctx context.Context, mechanicID string, live bool, now time.Time) (*MechanicPosition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.position[mechanicID]
	if !ok {
		return nil, notFoundf("no position reported for mechanic %s", mechanicID)
	}
	p.IsLive = live
	p.LastUpdated = now
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) GetPosition(ctx context.Context, mechanicID string) (*MechanicPosition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.position[mechanicID]
	if !ok {
		return nil, notFoundf("no position reported for mechanic %s", mechanicID)
	}
	cp := *p
	return &cp, nil
}

// AllPositions returns the positions of live mechanics.
func (r *MemoryRepository) AllPositions(ctx context.Context) ([]*MechanicPosition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*MechanicPosition, 0, len(r.position))
	for _, p := range r.position {
		if !p.IsLive {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) CreateAccount(ctx context.Context, account *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byEmail, ok := r.accounts[account.Role]
	if !ok {
		return validationf("unknown role %q", account.Role)
	}
	if _, taken := byEmail[account.Email]; taken {
		return ErrEmailTaken
	}
	cp := *account
	byEmail[account.Email] = &cp
	return nil
}

func (r *MemoryRepository) GetAccountByEmail(ctx context.Context, role Role, email string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[role][email]
	if !ok {
		return nil, notFoundf("%s account %s not found", role, email)
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) UnprocessedEvents(ctx context.Context, limit int) ([]*Event, error) {
	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()
	var out []*Event
	for _, ev := range r.outbox {
		if ev.Processed {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()
	for _, ev := range r.outbox {
		if ev.ID == eventID {
			ev.Processed = true
			t := at
			ev.ProcessedAt = &t
			return nil
		}
	}
	return notFoundf("event %s not found", eventID)
}

// stampEvent ties the event to the issue state it describes.
func stampEvent(issue *Issue, event *Event) {
	event.IssueID = issue.ID
	event.IssueVersion = issue.Version
	event.IssueStatus = issue.Status
}
