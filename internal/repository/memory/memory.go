// Package memory is an in-process implementation of the repository
// interfaces. It backs unit tests and local runs without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tiss-claims-backend/internal/models"
	"tiss-claims-backend/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Store struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*models.Batch
	guides  map[uuid.UUID]*models.Guide
	returns map[uuid.UUID]*models.ReturnFile
	errors  map[uuid.UUID]*models.ImportError
	events  []*models.BatchEvent
	outbox  map[uuid.UUID]*models.OutboxMessage

	// FailApply makes ApplyResult fail for the given guide ids.
	FailApply map[uuid.UUID]error
}

func New() *Store {
	return &Store{
		batches:   make(map[uuid.UUID]*models.Batch),
		guides:    make(map[uuid.UUID]*models.Guide),
		returns:   make(map[uuid.UUID]*models.ReturnFile),
		errors:    make(map[uuid.UUID]*models.ImportError),
		outbox:    make(map[uuid.UUID]*models.OutboxMessage),
		FailApply: make(map[uuid.UUID]error),
	}
}

func (s *Store) Batches() *BatchRepo { return &BatchRepo{s} }
func (s *Store) Guides() *GuideRepo { return &GuideRepo{s} }
func (s *Store) Returns() *ReturnRepo { return &ReturnRepo{s} }
func (s *Store) ImportErrors() *ImportErrorRepo { return &ImportErrorRepo{s} }
func (s *Store) Events() *EventRepo { return &EventRepo{s} }
func (s *Store) Outbox() *OutboxRepo { return &OutboxRepo{s} }

var (
	_ repository.BatchRepository       = (*BatchRepo)(nil)
	_ repository.GuideRepository       = (*GuideRepo)(nil)
	_ repository.ReturnRepository      = (*ReturnRepo)(nil)
	_ repository.ImportErrorRepository = (*ImportErrorRepo)(nil)
	_ repository.EventRepository       = (*EventRepo)(nil)
	_ repository.OutboxRepository      = (*OutboxRepo)(nil)
)

// -- Batches --

type BatchRepo struct{ s *Store }

func (r *BatchRepo) Create(_ context.Context, b *models.Batch) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.batches {
		if existing.ClinicID == b.ClinicID && existing.OperatorID == b.OperatorID &&
			existing.ReferenceYear == b.ReferenceYear && existing.ReferenceMonth == b.ReferenceMonth {
			return repository.ErrConflict
		}
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	c := *b
	r.s.batches[b.ID] = &c
	return nil
}

func (r *BatchRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Batch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *b
	return &c, nil
}

func (r *BatchRepo) UpdateStatus(_ context.Context, id uuid.UUID, change repository.StatusChange) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok {
		return repository.ErrNotFound
	}
	if b.Status != change.From {
		return repository.ErrStaleStatus
	}
	b.Status = change.To
	if change.Note != "" {
		b.StatusNote = change.Note
	}
	if change.SubmittedAt != nil {
		t := *change.SubmittedAt
		b.SubmittedAt = &t
	}
	if change.ReturnProcessedAt != nil {
		t := *change.ReturnProcessedAt
		b.ReturnProcessedAt = &t
	}
	b.UpdatedAt = time.Now()
	return nil
}

func (r *BatchRepo) UpdateTotals(_ context.Context, id uuid.UUID, totals models.BatchTotals) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok {
		return repository.ErrNotFound
	}
	b.GuideCount = totals.GuideCount
	b.TotalValue = totals.TotalValue
	b.ApprovedValue = totals.ApprovedValue
	b.GlosaValue = totals.GlosaValue
	b.UpdatedAt = time.Now()
	return nil
}

func (r *BatchRepo) RefreshErrorCounts(_ context.Context, id uuid.UUID) (models.ErrorSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.batches[id]
	if !ok {
		return models.ErrorSummary{}, repository.ErrNotFound
	}
	var errs []*models.ImportError
	for _, e := range r.s.errors {
		if e.BatchID == id {
			errs = append(errs, e)
		}
	}
	sum := models.SummarizeErrors(errs)
	b.ErrorTotal = sum.Total
	b.OrphanErrors = sum.OrphanErrors
	b.UpdateErrors = sum.UpdateErrors
	b.ValidationErrors = sum.ValidationErrors
	b.OtherErrors = sum.OtherErrors
	b.PendingErrors = sum.PendingErrors
	b.ResolvedErrors = sum.ResolvedErrors
	b.IgnoredErrors = sum.IgnoredErrors
	return sum, nil
}

// -- Guides --

type GuideRepo struct{ s *Store }

func (r *GuideRepo) Create(_ context.Context, g *models.Guide) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.duplicateNumber(g) {
		return repository.ErrConflict
	}
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	now := time.Now()
	g.CreatedAt, g.UpdatedAt = now, now
	r.s.guides[g.ID] = g.Clone()
	return nil
}

func (r *GuideRepo) duplicateNumber(g *models.Guide) bool {
	for _, existing := range r.s.guides {
		if existing.ID != g.ID && existing.BatchID == g.BatchID && existing.GuideNumber == g.GuideNumber {
			return true
		}
	}
	return false
}

func (r *GuideRepo) Update(_ context.Context, g *models.Guide) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.guides[g.ID]; !ok {
		return repository.ErrNotFound
	}
	if r.duplicateNumber(g) {
		return repository.ErrConflict
	}
	g.UpdatedAt = time.Now()
	r.s.guides[g.ID] = g.Clone()
	return nil
}

func (r *GuideRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Guide, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.guides[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return g.Clone(), nil
}

func (r *GuideRepo) ListByBatch(_ context.Context, batchID uuid.UUID) ([]*models.Guide, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Guide
	for _, g := range r.s.guides {
		if g.BatchID == batchID {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuideNumber < out[j].GuideNumber })
	return out, nil
}

func (r *GuideRepo) MarkSent(_ context.Context, batchID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, g := range r.s.guides {
		if g.BatchID == batchID && !g.Status.Reconciled() {
			g.Status = models.GuideStatusSent
			n++
		}
	}
	return n, nil
}

func (r *GuideRepo) ApplyResult(_ context.Context, batchID, guideID uuid.UUID, res models.GuideResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.FailApply[guideID]; err != nil {
		return err
	}
	g, ok := r.s.guides[guideID]
	if !ok || g.BatchID != batchID {
		return repository.ErrNotFound
	}
	returnID := res.ReturnID
	g.Status = res.Status
	g.ApprovedValue = decimal.NewNullDecimal(res.ApprovedValue)
	g.DenialCode = res.DenialCode
	g.DenialReason = res.DenialReason
	g.ReconciledReturnID = &returnID
	g.UpdatedAt = time.Now()
	return nil
}

func (r *GuideRepo) DenialStats(_ context.Context) ([]repository.DenialStat, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	type key struct{ operator, code string }
	acc := make(map[key]*repository.DenialStat)
	for _, g := range r.s.guides {
		if !g.Status.Reconciled() {
			continue
		}
		b, ok := r.s.batches[g.BatchID]
		if !ok {
			continue
		}
		k := key{b.OperatorName, g.ProcedureCode}
		st, ok := acc[k]
		if !ok {
			st = &repository.DenialStat{OperatorName: k.operator, ProcedureCode: k.code}
			acc[k] = st
		}
		st.Reconciled++
		switch g.Status {
		case models.GuideStatusDenied:
			st.Denied++
		case models.GuideStatusPartial:
			st.Partial++
		}
	}
	out := make([]repository.DenialStat, 0, len(acc))
	for _, st := range acc {
		out = append(out, *st)
	}
	return out, nil
}

// -- Returns --

type ReturnRepo struct{ s *Store }

func (r *ReturnRepo) Create(_ context.Context, ret *models.ReturnFile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.returns {
		if existing.StoragePath == ret.StoragePath {
			return repository.ErrConflict
		}
	}
	if ret.ID == uuid.Nil {
		ret.ID = uuid.New()
	}
	now := time.Now()
	ret.CreatedAt, ret.UpdatedAt = now, now
	c := *ret
	r.s.returns[ret.ID] = &c
	return nil
}

func (r *ReturnRepo) GetByID(_ context.Context, id uuid.UUID) (*models.ReturnFile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ret, ok := r.s.returns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *ret
	return &c, nil
}

func (r *ReturnRepo) ListByBatch(_ context.Context, batchID uuid.UUID) ([]*models.ReturnFile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.ReturnFile
	for _, ret := range r.s.returns {
		if ret.BatchID == batchID {
			c := *ret
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *ReturnRepo) Update(_ context.Context, ret *models.ReturnFile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.returns[ret.ID]; !ok {
		return repository.ErrNotFound
	}
	ret.UpdatedAt = time.Now()
	c := *ret
	r.s.returns[ret.ID] = &c
	return nil
}

func (r *ReturnRepo) Transition(_ context.Context, id uuid.UUID, from []models.ProcessingStatus, to models.ProcessingStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ret, ok := r.s.returns[id]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if ret.ProcessingStatus == st {
			ret.ProcessingStatus = to
			ret.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

// -- Import errors --

type ImportErrorRepo struct{ s *Store }

func (r *ImportErrorRepo) CreateMany(_ context.Context, errs []*models.ImportError) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range errs {
		if r.exists(e) {
			continue
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.ResolutionStatus == "" {
			e.ResolutionStatus = models.ResolutionPending
		}
		e.CreatedAt = time.Now()
		c := *e
		r.s.errors[e.ID] = &c
	}
	return nil
}

func (r *ImportErrorRepo) exists(e *models.ImportError) bool {
	for _, existing := range r.s.errors {
		if existing.ReturnID == e.ReturnID && existing.LineNumber == e.LineNumber &&
			existing.ErrorType == e.ErrorType && existing.GuideNumberFromFile == e.GuideNumberFromFile {
			return true
		}
	}
	return false
}

func (r *ImportErrorRepo) GetByID(_ context.Context, id uuid.UUID) (*models.ImportError, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.errors[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (r *ImportErrorRepo) ListByBatch(_ context.Context, batchID uuid.UUID) ([]*models.ImportError, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.ImportError
	for _, e := range r.s.errors {
		if e.BatchID == batchID {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineNumber < out[j].LineNumber })
	return out, nil
}

func (r *ImportErrorRepo) Resolve(_ context.Context, id uuid.UUID, status models.ResolutionStatus, notes *string, by string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.errors[id]
	if !ok {
		return repository.ErrNotFound
	}
	if e.ResolutionStatus != models.ResolutionPending {
		return repository.ErrStaleStatus
	}
	e.ResolutionStatus = status
	e.ResolutionNotes = notes
	e.ResolvedBy = &by
	e.ResolvedAt = &at
	return nil
}

// -- Events --

type EventRepo struct{ s *Store }

func (r *EventRepo) Append(_ context.Context, e *models.BatchEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	c := *e
	r.s.events = append(r.s.events, &c)
	return nil
}

func (r *EventRepo) ListByBatch(_ context.Context, batchID uuid.UUID, limit int) ([]*models.BatchEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.BatchEvent
	for i := len(r.s.events) - 1; i >= 0; i-- {
		e := r.s.events[i]
		if e.BatchID != batchID {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// -- Outbox --

type OutboxRepo struct{ s *Store }

func (r *OutboxRepo) Enqueue(_ context.Context, m *models.OutboxMessage) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.outbox {
		if existing.Topic == m.Topic && existing.DedupeKey == m.DedupeKey {
			return false, nil
		}
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = models.OutboxPending
	}
	now := time.Now()
	m.CreatedAt, m.UpdatedAt = now, now
	c := *m
	r.s.outbox[m.ID] = &c
	return true, nil
}

func (r *OutboxRepo) ClaimDue(_ context.Context, workerID string, now time.Time, lockTTL time.Duration, limit int) ([]*models.OutboxMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	staleBefore := now.Add(-lockTTL)
	var due []*models.OutboxMessage
	for _, m := range r.s.outbox {
		if m.Status != models.OutboxPending && m.Status != models.OutboxFailed {
			continue
		}
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
			continue
		}
		if m.LockedAt != nil && m.LockedAt.After(staleBefore) {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*models.OutboxMessage, 0, len(due))
	for _, m := range due {
		lockedAt := now
		worker := workerID
		m.LockedAt = &lockedAt
		m.LockedBy = &worker
		c := *m
		out = append(out, &c)
	}
	return out, nil
}

func (r *OutboxRepo) MarkSent(_ context.Context, id uuid.UUID, messageID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.outbox[id]
	if !ok {
		return repository.ErrNotFound
	}
	m.Status = models.OutboxSent
	m.MessageID = &messageID
	m.PublishedAt = &at
	m.LockedAt, m.LockedBy = nil, nil
	return nil
}

func (r *OutboxRepo) MarkFailed(_ context.Context, id uuid.UUID, attempts int, status models.OutboxStatus, next *time.Time, errMsg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.outbox[id]
	if !ok {
		return repository.ErrNotFound
	}
	m.Status = status
	m.Attempts = attempts
	m.NextAttemptAt = next
	m.LastError = &errMsg
	m.LockedAt, m.LockedBy = nil, nil
	return nil
}

func (r *OutboxRepo) Requeue(_ context.Context, topic, dedupeKey string, payload []byte, now time.Time) (models.OutboxStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.outbox {
		if m.Topic != topic || m.DedupeKey != dedupeKey {
			continue
		}
		if m.Status == models.OutboxFailed || m.Status == models.OutboxDead {
			due := now
			m.Status = models.OutboxPending
			m.Payload = append([]byte(nil), payload...)
			m.Attempts = 0
			m.NextAttemptAt = &due
			m.LastError = nil
			m.LockedAt, m.LockedBy = nil, nil
			m.UpdatedAt = now
		}
		return m.Status, nil
	}
	return "", repository.ErrNotFound
}

// OutboxMessages returns a snapshot of every enqueued message.
func (s *Store) OutboxMessages() []*models.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		c := *m
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
