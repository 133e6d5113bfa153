package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corebill/corebill/internal/config"
	"github.com/corebill/corebill/internal/eventspool"
	"github.com/corebill/corebill/internal/locker"
	numberingdomain "github.com/corebill/corebill/internal/numbering/domain"
	obsmetrics "github.com/corebill/corebill/internal/observability/metrics"
	"github.com/corebill/corebill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Locker locker.Locker
	Spool  eventspool.Spool
	Policy *config.CollectionConfigHolder
}

// Service issues collision-free formatted document numbers per
// (org, document type). All state lives in the database and the
// distributed locker; callers interact through a per-unit-of-work
// Sequencer so nothing is cached at package level.
type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	locker locker.Locker
	spool  eventspool.Spool
	policy *config.CollectionConfigHolder
}

func NewService(p Params) *Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("numbering.service"),
		locker: p.Locker,
		spool:  p.Spool,
		policy: p.Policy,
	}
}

var defaultTemplates = map[numberingdomain.DocumentType]string{
	numberingdomain.DocumentTypeInvoice:    "INV-%06d",
	numberingdomain.DocumentTypeEstimate:   "EST-%06d",
	numberingdomain.DocumentTypeCreditNote: "CN-%06d",
	numberingdomain.DocumentTypePayment:    "PAY-%06d",
}

type reservation struct {
	value     int64
	formatted string
	lockKey   string
	token     string
}

// Sequencer scopes numbering to one unit of work (a request, a job
// iteration, or a test). It caches loaded sequences and tracks held
// reservations so Reset can release everything it still owns.
type Sequencer struct {
	svc *Service

	mu        sync.Mutex
	sequences map[string]*numberingdomain.AutoNumberSequence
	reserved  map[string]*reservation
}

func (s *Service) NewSequencer() *Sequencer {
	return &Sequencer{
		svc:       s,
		sequences: make(map[string]*numberingdomain.AutoNumberSequence),
		reserved:  make(map[string]*reservation),
	}
}

func sequenceKey(orgID snowflake.ID, docType numberingdomain.DocumentType) string {
	return fmt.Sprintf("%d:%s", orgID, docType)
}

func lockKey(orgID snowflake.ID, docType numberingdomain.DocumentType, formatted string) string {
	return fmt.Sprintf("numbering:%d:%s:%s", orgID, docType, formatted)
}

// Next issues the next free number for (orgID, docType). When reserve is
// true the underlying lock is retained and the number is committed later
// via Write (or abandoned via Release); the lease must outlive the
// caller's transaction so no other writer can observe the gap before
// commit. When reserve is false the stored counter is advanced past the
// issued value immediately and the lock is released.
func (q *Sequencer) Next(ctx context.Context, orgID snowflake.ID, docType numberingdomain.DocumentType, reserve bool) (int64, string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if reserve {
		if _, held := q.reserved[sequenceKey(orgID, docType)]; held {
			return 0, "", numberingdomain.ErrAlreadyReserved
		}
	}

	seq, err := q.loadSequence(ctx, orgID, docType)
	if err != nil {
		return 0, "", err
	}

	policy := q.svc.policy.Get().Numbering
	ttl := policy.ReservationTTL()
	candidate := seq.NextValue

	for i := 0; i < policy.MaxIterations; i++ {
		formatted := seq.Format(candidate)
		key := lockKey(orgID, docType, formatted)

		token, ok, err := q.svc.locker.TryAcquire(ctx, key, ttl)
		if err != nil {
			return 0, "", err
		}
		if !ok {
			// Held by a concurrent caller: same as "not unique".
			candidate++
			continue
		}

		taken, err := q.svc.numberExists(ctx, orgID, docType, formatted)
		if err != nil {
			_ = q.svc.locker.Release(ctx, key, token)
			return 0, "", err
		}
		if taken {
			if relErr := q.svc.locker.Release(ctx, key, token); relErr != nil {
				q.svc.log.Warn("failed to release probe lock",
					zap.String("key", key), zap.Error(relErr))
			}
			candidate++
			continue
		}

		obsmetrics.Collection().ObserveNumberingIterations(i + 1)

		if reserve {
			if candidate > seq.NextValue {
				if err := q.svc.SetNext(ctx, orgID, docType, candidate); err != nil {
					_ = q.svc.locker.Release(ctx, key, token)
					return 0, "", err
				}
				seq.NextValue = candidate
			}
			q.reserved[sequenceKey(orgID, docType)] = &reservation{
				value:     candidate,
				formatted: formatted,
				lockKey:   key,
				token:     token,
			}
			return candidate, formatted, nil
		}

		if err := q.svc.SetNext(ctx, orgID, docType, candidate+1); err != nil {
			_ = q.svc.locker.Release(ctx, key, token)
			return 0, "", err
		}
		seq.NextValue = candidate + 1
		if relErr := q.svc.locker.Release(ctx, key, token); relErr != nil {
			q.svc.log.Warn("failed to release number lock",
				zap.String("key", key), zap.Error(relErr))
		}
		return candidate, formatted, nil
	}

	return 0, "", numberingdomain.ErrSequenceExhausted
}

// Write commits the reservation taken by Next(reserve=true): the stored
// counter advances past the reserved value. The lock is deliberately NOT
// released here; it protects the number until the enclosing transaction
// commits and expires via TTL.
func (q *Sequencer) Write(ctx context.Context, orgID snowflake.ID, docType numberingdomain.DocumentType) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := sequenceKey(orgID, docType)
	res, ok := q.reserved[key]
	if !ok {
		return numberingdomain.ErrNothingReserved
	}
	if err := q.svc.SetNext(ctx, orgID, docType, res.value+1); err != nil {
		return err
	}
	if seq, cached := q.sequences[key]; cached && seq.NextValue < res.value+1 {
		seq.NextValue = res.value + 1
	}
	if err := q.svc.spool.Publish(ctx, orgID, eventspool.TopicNumberReserved, map[string]any{
		"document_type": string(docType),
		"number":        res.formatted,
		"value":         res.value,
	}); err != nil {
		q.svc.log.Warn("failed to spool number.reserved event",
			zap.String("number", res.formatted), zap.Error(err))
	}
	delete(q.reserved, key)
	return nil
}

// Release abandons a reservation without consuming the number.
func (q *Sequencer) Release(ctx context.Context, orgID snowflake.ID, docType numberingdomain.DocumentType, value int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := sequenceKey(orgID, docType)
	res, ok := q.reserved[key]
	if !ok || res.value != value {
		return nil
	}
	if err := q.svc.locker.Release(ctx, res.lockKey, res.token); err != nil {
		return err
	}
	delete(q.reserved, key)
	return nil
}

// Reset releases every lock this sequencer still holds and clears the
// sequence cache. Call at the end of a unit of work or between tests.
func (q *Sequencer) Reset(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var firstErr error
	for key, res := range q.reserved {
		if err := q.svc.locker.Release(ctx, res.lockKey, res.token); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(q.reserved, key)
	}
	q.sequences = make(map[string]*numberingdomain.AutoNumberSequence)
	return firstErr
}

func (q *Sequencer) loadSequence(ctx context.Context, orgID snowflake.ID, docType numberingdomain.DocumentType) (*numberingdomain.AutoNumberSequence, error) {
	key := sequenceKey(orgID, docType)
	if seq, ok := q.sequences[key]; ok {
		return seq, nil
	}
	seq, err := q.svc.loadOrCreateSequence(ctx, orgID, docType)
	if err != nil {
		return nil, err
	}
	q.sequences[key] = seq
	return seq, nil
}

func (s *Service) loadOrCreateSequence(ctx context.Context, orgID snowflake.ID, docType numberingdomain.DocumentType) (*numberingdomain.AutoNumberSequence, error) {
	template, ok := defaultTemplates[docType]
	if !ok {
		return nil, numberingdomain.ErrSequenceNotFound
	}

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO auto_number_sequences (org_id, document_type, next_value, template, updated_at)
		 VALUES (?, ?, 1, ?, ?)`,
		orgID,
		docType,
		template,
		now,
	).Error
	// A concurrent caller bootstrapping the same sequence wins the race;
	// its row is the one we read back below.
	if err != nil && !db.IsDuplicateKeyErr(err) {
		return nil, err
	}

	var seq numberingdomain.AutoNumberSequence
	if err := s.db.WithContext(ctx).Raw(
		`SELECT org_id, document_type, next_value, template, updated_at
		 FROM auto_number_sequences
		 WHERE org_id = ? AND document_type = ?`,
		orgID,
		docType,
	).Scan(&seq).Error; err != nil {
		return nil, err
	}
	if seq.OrgID == 0 {
		return nil, numberingdomain.ErrSequenceNotFound
	}
	return &seq, nil
}

// SetNext raises the stored counter to next. The update is a
// compare-and-set that never lowers the value, so concurrent advances
// by other callers are tolerated: whoever carries the highest value wins.
func (s *Service) SetNext(ctx context.Context, orgID snowflake.ID, docType numberingdomain.DocumentType, next int64) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE auto_number_sequences
		 SET next_value = ?, updated_at = ?
		 WHERE org_id = ? AND document_type = ? AND next_value < ?`,
		next,
		time.Now().UTC(),
		orgID,
		docType,
		next,
	).Error
}

func (s *Service) numberExists(ctx context.Context, orgID snowflake.ID, docType numberingdomain.DocumentType, formatted string) (bool, error) {
	var table string
	switch docType {
	case numberingdomain.DocumentTypeInvoice:
		table = "invoices"
	case numberingdomain.DocumentTypeEstimate:
		table = "estimates"
	case numberingdomain.DocumentTypeCreditNote:
		table = "credit_notes"
	case numberingdomain.DocumentTypePayment:
		table = "payments"
	default:
		return false, numberingdomain.ErrSequenceNotFound
	}

	var count int64
	err := s.db.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE org_id = ? AND number = ?`, table),
		orgID,
		formatted,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
