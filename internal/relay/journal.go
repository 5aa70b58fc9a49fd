package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"PayLinkRelay/internal/models"
)

// Journal records every sponsored submission so outcomes that were still
// unknown when the request returned can be resolved later.
type Journal interface {
	// Begin stores s as pending and assigns s.ID when empty.
	Begin(ctx context.Context, s *models.Submission) error
	MarkSubmitted(ctx context.Context, id string, txHash common.Hash) error
	MarkOutcome(ctx context.Context, id string, status models.SubmissionStatus, code string, blockNumber uint64) error
	// FindConfirmed returns the confirmed submission for a bill, or nil.
	FindConfirmed(ctx context.Context, kind models.SubmissionKind, chainID, contract, billID string) (*models.Submission, error)
}

// MemoryJournal keeps submissions in process. It is used when no database
// is configured.
type MemoryJournal struct {
	mu   sync.Mutex
	subs map[string]*models.Submission
	now  func() time.Time
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{subs: map[string]*models.Submission{}, now: time.Now}
}

func (j *MemoryJournal) Begin(_ context.Context, s *models.Submission) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := j.now().UTC()
	s.Status = models.SubmissionPending
	s.CreatedAt, s.UpdatedAt = now, now
	cp := *s
	j.subs[s.ID] = &cp
	return nil
}

func (j *MemoryJournal) MarkSubmitted(_ context.Context, id string, txHash common.Hash) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if s, ok := j.subs[id]; ok {
		h := txHash.Hex()
		s.TxHash = &h
		s.Status = models.SubmissionSubmitted
		s.UpdatedAt = j.now().UTC()
	}
	return nil
}

func (j *MemoryJournal) MarkOutcome(_ context.Context, id string, status models.SubmissionStatus, code string, blockNumber uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.subs[id]
	if !ok || s.Status == models.SubmissionConfirmed || s.Status == models.SubmissionReverted {
		return nil
	}
	s.Status = status
	if code != "" {
		s.ErrorCode = &code
	}
	if blockNumber > 0 {
		b := int64(blockNumber)
		s.BlockNumber = &b
	}
	s.UpdatedAt = j.now().UTC()
	return nil
}

func (j *MemoryJournal) FindConfirmed(_ context.Context, kind models.SubmissionKind, chainID, contract, billID string) (*models.Submission, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, s := range j.subs {
		if s.Status == models.SubmissionConfirmed && s.Kind == kind &&
			s.ChainID == chainID && s.Contract == contract && s.BillID == billID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

// ListUnresolved returns submitted or indeterminate records with a
// transaction hash last updated before olderThan, oldest first.
func (j *MemoryJournal) ListUnresolved(_ context.Context, olderThan time.Time, limit int) ([]*models.Submission, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*models.Submission
	for _, s := range j.subs {
		if s.TxHash == nil || !s.UpdatedAt.Before(olderThan) {
			continue
		}
		if s.Status != models.SubmissionSubmitted && s.Status != models.SubmissionIndeterminate {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (j *MemoryJournal) Touch(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if s, ok := j.subs[id]; ok {
		s.UpdatedAt = j.now().UTC()
	}
	return nil
}

// Submissions returns a snapshot of all records.
func (j *MemoryJournal) Submissions() []models.Submission {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]models.Submission, 0, len(j.subs))
	for _, s := range j.subs {
		out = append(out, *s)
	}
	return out
}
