package services

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/ordermesh/backend/internal/audit"
	"github.com/ordermesh/backend/internal/metrics"
	"github.com/ordermesh/backend/internal/models"
	"github.com/ordermesh/backend/internal/notify"
	"github.com/shopspring/decimal"
)

// AcceptReason classifies the outcome of an acceptance attempt. LostRace and
// AlreadyLocked are expected outcomes of normal contention, not errors.
type AcceptReason string

const (
	ReasonLocked          AcceptReason = "Locked"
	ReasonAlreadyAccepted AcceptReason = "AlreadyAccepted"
	ReasonAlreadyLocked   AcceptReason = "AlreadyLocked"
	ReasonLostRace        AcceptReason = "LostRace"
)

// AcceptResult is returned to every caller of AcceptCandidate.
type AcceptResult struct {
	Accepted          bool         `json:"accepted"`
	Reason            AcceptReason `json:"reason"`
	LockedCandidateID string       `json:"locked_candidate_id,omitempty"`
}

// BroadcastCriteria narrows the candidate pool for one order.
type BroadcastCriteria struct {
	OrderValue  decimal.Decimal
	ServiceArea string
}

// AllocationConfig tunes candidate selection.
type AllocationConfig struct {
	TopK              int
	WeightCompletion  float64
	WeightRating      float64
	WeightReliability float64
}

// DefaultAllocationConfig is the 40/30/30 scoring blend with a top-10 cut.
func DefaultAllocationConfig() AllocationConfig {
	return AllocationConfig{
		TopK:              10,
		WeightCompletion:  0.40,
		WeightRating:      0.30,
		WeightReliability: 0.30,
	}
}

// AllocationService broadcasts a purchase opportunity to many candidate
// wholesalers and guarantees exactly one wins. The winner is decided by a
// conditional update on the routing row; no in-process lock is involved, so
// correctness holds across processes and machines.
type AllocationService struct {
	db       *sql.DB
	exec     *TxExecutor
	notifier notify.Notifier
	audit    *audit.Logger
	cfg      AllocationConfig
}

func NewAllocationService(db *sql.DB, exec *TxExecutor, notifier notify.Notifier, cfg AllocationConfig) *AllocationService {
	if cfg.TopK <= 0 {
		cfg = DefaultAllocationConfig()
	}
	return &AllocationService{
		db:       db,
		exec:     exec,
		notifier: notifier,
		audit:    audit.NewLogger(),
		cfg:      cfg,
	}
}

// Broadcast evaluates eligibility, scores the qualifying wholesalers, and
// opens a routing with no winner. The full eligible set is persisted for
// audit; only the top-K are marked selected, and only they receive the
// opportunity notice post-commit.
func (s *AllocationService) Broadcast(ctx context.Context, orderID, retailerID string, criteria BroadcastCriteria) (*models.AllocationRouting, error) {
	candidates, err := s.eligibleCandidates(ctx, criteria)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleCandidates
	}

	scored := s.scoreAndRank(candidates)
	for i := range scored {
		scored[i].Selected = i < s.cfg.TopK
	}

	routing := &models.AllocationRouting{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		RetailerID: retailerID,
		Status:     models.RoutingBroadcast,
		Version:    1,
		CreatedAt:  time.Now().UTC(),
	}

	err = s.exec.Run(ctx, func(tx *sql.Tx, post *PostCommit) error {
		_, err := tx.Exec(`
			INSERT INTO allocation_routings
			(id, order_id, retailer_id, status, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			routing.ID, orderID, retailerID, string(routing.Status), routing.Version, routing.CreatedAt)
		if err != nil {
			return err
		}
		for _, c := range scored {
			_, err := tx.Exec(`
				INSERT INTO allocation_candidates (routing_id, candidate_id, score, rank, selected)
				VALUES ($1, $2, $3, $4, $5)`,
				routing.ID, c.CandidateID, c.Score, c.Rank, c.Selected)
			if err != nil {
				return err
			}
		}
		post.Add(func() {
			for _, c := range scored {
				if !c.Selected {
					continue
				}
				s.dispatch(notify.Message{
					Kind:        notify.KindOpportunity,
					RecipientID: c.CandidateID,
					OrderID:     orderID,
					RoutingID:   routing.ID,
				})
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	notified := len(scored)
	if notified > s.cfg.TopK {
		notified = s.cfg.TopK
	}
	log.Printf("[ALLOC] broadcast routing %s for order %s: %d eligible, %d notified",
		routing.ID, orderID, len(scored), notified)
	return routing, nil
}

// Respond records a candidate's single answer to a routing. A second answer
// from the same candidate fails with ErrDuplicateResponse. Recording a
// response never itself decides a winner.
func (s *AllocationService) Respond(ctx context.Context, routingID, candidateID string, kind models.ResponseKind, note string) (*models.CandidateResponse, error) {
	// Only the selected subset was offered the opportunity, so only it may
	// answer; the rest of the eligible set is audit record.
	var eligible bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM allocation_candidates
			WHERE routing_id = $1 AND candidate_id = $2 AND selected = TRUE
		)`, routingID, candidateID).Scan(&eligible)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, ErrNotFound
	}

	response := &models.CandidateResponse{
		ID:          uuid.NewString(),
		RoutingID:   routingID,
		CandidateID: candidateID,
		Kind:        kind,
		Note:        nullString(note),
		RespondedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO candidate_responses
		(id, routing_id, candidate_id, response_kind, note, responded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		response.ID, routingID, candidateID, string(kind), response.Note, response.RespondedAt)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateResponse
	}
	if err != nil {
		return nil, err
	}
	return response, nil
}

// AcceptCandidate is the race-critical operation. Any number of candidates
// may call it at the same instant; the conditional update's compare-and-set
// semantics guarantee only one succeeds. Idempotent for the winner.
func (s *AllocationService) AcceptCandidate(ctx context.Context, routingID, candidateID string) (*AcceptResult, error) {
	var result *AcceptResult
	err := s.exec.Run(ctx, func(tx *sql.Tx, post *PostCommit) error {
		routing, err := s.routingTx(tx, routingID)
		if err != nil {
			return err
		}
		if routing.LockedWinnerID.Valid {
			if routing.LockedWinnerID.String == candidateID {
				result = &AcceptResult{Accepted: true, Reason: ReasonAlreadyAccepted, LockedCandidateID: candidateID}
			} else {
				result = &AcceptResult{Accepted: false, Reason: ReasonAlreadyLocked, LockedCandidateID: routing.LockedWinnerID.String}
			}
			return nil
		}

		// Compare-and-set: only matches while no winner is locked.
		res, err := tx.Exec(`
			UPDATE allocation_routings
			SET locked_winner_id = $2, locked_at = $3, status = $4, version = version + 1
			WHERE id = $1 AND locked_winner_id IS NULL`,
			routingID, candidateID, time.Now().UTC(), string(models.RoutingLocked))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if affected == 0 {
			// Someone else won between our read and the update.
			current, err := s.routingTx(tx, routingID)
			if err != nil {
				return err
			}
			if err := s.upsertResponseTx(tx, routingID, candidateID, models.ResponseReject, "AnotherCandidateAccepted"); err != nil {
				return err
			}
			result = &AcceptResult{Accepted: false, Reason: ReasonLostRace, LockedCandidateID: current.LockedWinnerID.String}
			return nil
		}

		if err := s.upsertResponseTx(tx, routingID, candidateID, models.ResponseAccept, ""); err != nil {
			return err
		}
		result = &AcceptResult{Accepted: true, Reason: ReasonLocked, LockedCandidateID: candidateID}
		post.Add(func() {
			s.audit.LogRoutingLocked(routingID, routing.OrderID, candidateID)
			s.dispatch(notify.Message{
				Kind:        notify.KindWinner,
				RecipientID: candidateID,
				OrderID:     routing.OrderID,
				RoutingID:   routingID,
			})
			if _, err := s.CancelLosers(context.Background(), routingID, candidateID); err != nil {
				log.Printf("[ALLOC] cancellation fan-out for routing %s failed: %v", routingID, err)
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RaceOutcomes.WithLabelValues(string(result.Reason)).Inc()
	return result, nil
}

// CancelLosers creates a cancellation record for every candidate that is not
// the winner and dispatches their notices. It runs strictly after the winner
// is locked, so it is race-free by construction, and it is idempotent:
// candidates already holding a cancellation record are skipped.
func (s *AllocationService) CancelLosers(ctx context.Context, routingID, winnerID string) (int, error) {
	var cancelled []models.CancellationRecord
	err := s.exec.Run(ctx, func(tx *sql.Tx, post *PostCommit) error {
		cancelled = cancelled[:0]
		rows, err := tx.Query(`
			SELECT ac.candidate_id, r.id, r.response_kind
			FROM allocation_candidates ac
			LEFT JOIN candidate_responses r
			       ON r.routing_id = ac.routing_id AND r.candidate_id = ac.candidate_id
			WHERE ac.routing_id = $1
			  AND ac.selected = TRUE
			  AND ac.candidate_id <> $2
			  AND NOT EXISTS (
				SELECT 1 FROM cancellation_records c
				WHERE c.routing_id = ac.routing_id AND c.candidate_id = ac.candidate_id
			  )`, routingID, winnerID)
		if err != nil {
			return err
		}
		defer rows.Close()

		type loser struct {
			candidateID string
			responseID  sql.NullString
			kind        sql.NullString
		}
		var losers []loser
		for rows.Next() {
			var l loser
			if err := rows.Scan(&l.candidateID, &l.responseID, &l.kind); err != nil {
				return err
			}
			losers = append(losers, l)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, l := range losers {
			record := models.CancellationRecord{
				ID:          uuid.NewString(),
				ResponseID:  l.responseID,
				RoutingID:   routingID,
				CandidateID: l.candidateID,
				Reason:      cancellationReason(l.kind),
				CreatedAt:   time.Now().UTC(),
			}
			_, err := tx.Exec(`
				INSERT INTO cancellation_records
				(id, response_id, routing_id, candidate_id, reason, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				record.ID, record.ResponseID, routingID, l.candidateID, string(record.Reason), record.CreatedAt)
			if err != nil {
				return err
			}
			cancelled = append(cancelled, record)
		}

		_, err = tx.Exec(`
			UPDATE allocation_routings
			SET status = $2, version = version + 1
			WHERE id = $1 AND status = $3`,
			routingID, string(models.RoutingCancellationsSent), string(models.RoutingLocked))
		if err != nil {
			return err
		}

		records := append([]models.CancellationRecord(nil), cancelled...)
		post.Add(func() {
			for _, record := range records {
				s.dispatch(notify.Message{
					Kind:        notify.KindCancellation,
					RecipientID: record.CandidateID,
					RoutingID:   routingID,
					Reason:      string(record.Reason),
				})
			}
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(cancelled), nil
}

// TimeoutNonResponders records a TIMEOUT response for every candidate silent
// past the ttl. If the routing is still unlocked and at least one candidate
// has accepted, the best-scored acceptance wins via the same conditional
// update as AcceptCandidate.
func (s *AllocationService) TimeoutNonResponders(ctx context.Context, routingID string, ttl time.Duration) (int, error) {
	timedOut := 0
	var autoSelect string
	err := s.exec.Run(ctx, func(tx *sql.Tx, post *PostCommit) error {
		timedOut = 0
		autoSelect = ""

		routing, err := s.routingTx(tx, routingID)
		if err != nil {
			return err
		}
		if time.Since(routing.CreatedAt) < ttl {
			return nil
		}

		rows, err := tx.Query(`
			SELECT ac.candidate_id
			FROM allocation_candidates ac
			WHERE ac.routing_id = $1
			  AND ac.selected = TRUE
			  AND NOT EXISTS (
				SELECT 1 FROM candidate_responses r
				WHERE r.routing_id = ac.routing_id AND r.candidate_id = ac.candidate_id
			  )`, routingID)
		if err != nil {
			return err
		}
		defer rows.Close()

		var silent []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			silent = append(silent, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		// A candidate may answer between the scan above and this insert in a
		// concurrent transaction; the conflict target lets their real
		// response stand instead of surfacing the unique violation.
		now := time.Now().UTC()
		for _, candidateID := range silent {
			res, err := tx.Exec(`
				INSERT INTO candidate_responses
				(id, routing_id, candidate_id, response_kind, note, responded_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (routing_id, candidate_id) DO NOTHING`,
				uuid.NewString(), routingID, candidateID, string(models.ResponseTimeout),
				nullString("ttl expired"), now)
			if err != nil {
				return err
			}
			inserted, err := res.RowsAffected()
			if err != nil {
				return err
			}
			timedOut += int(inserted)
		}

		if routing.LockedWinnerID.Valid {
			return nil
		}

		// Auto-select the best current acceptance, if any.
		err = tx.QueryRow(`
			SELECT r.candidate_id
			FROM candidate_responses r
			JOIN allocation_candidates ac
			  ON ac.routing_id = r.routing_id AND ac.candidate_id = r.candidate_id
			WHERE r.routing_id = $1 AND r.response_kind = 'ACCEPT'
			ORDER BY ac.score DESC, ac.rank ASC
			LIMIT 1`, routingID).Scan(&autoSelect)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	if err != nil {
		return 0, err
	}

	if autoSelect != "" {
		if _, err := s.AcceptCandidate(ctx, routingID, autoSelect); err != nil {
			return timedOut, err
		}
	}
	if timedOut > 0 {
		log.Printf("[ALLOC] routing %s: %d candidates timed out", routingID, timedOut)
	}
	return timedOut, nil
}

// SweepTimeouts runs TimeoutNonResponders over every routing still open past
// the ttl. Driven by the scheduler collaborator on a fixed interval.
func (s *AllocationService) SweepTimeouts(ctx context.Context, ttl time.Duration) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM allocation_routings
		WHERE status = $1 AND created_at < $2`,
		string(models.RoutingBroadcast), time.Now().UTC().Add(-ttl))
	if err != nil {
		return err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := s.TimeoutNonResponders(ctx, id, ttl); err != nil {
			log.Printf("[ALLOC] timeout sweep failed for routing %s: %v", id, err)
		}
	}
	return nil
}

// ResetRouting is the explicit, audited administrative override. It clears
// the winner and closes the routing; nothing else ever transitions a routing
// out of LOCKED.
func (s *AllocationService) ResetRouting(ctx context.Context, routingID, adminID, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE allocation_routings
		SET locked_winner_id = NULL, locked_at = NULL, status = $2, version = version + 1
		WHERE id = $1`,
		routingID, string(models.RoutingClosed))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	s.audit.LogAdminOverride(routingID, adminID, reason)
	return nil
}

// Routing returns one routing row by id.
func (s *AllocationService) Routing(ctx context.Context, routingID string) (*models.AllocationRouting, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, retailer_id, status, locked_winner_id, locked_at, version, created_at
		FROM allocation_routings WHERE id = $1`, routingID)
	return scanRouting(row)
}

func (s *AllocationService) routingTx(tx *sql.Tx, routingID string) (*models.AllocationRouting, error) {
	row := tx.QueryRow(`
		SELECT id, order_id, retailer_id, status, locked_winner_id, locked_at, version, created_at
		FROM allocation_routings WHERE id = $1`, routingID)
	return scanRouting(row)
}

func scanRouting(row rowScanner) (*models.AllocationRouting, error) {
	var r models.AllocationRouting
	var status string
	err := row.Scan(&r.ID, &r.OrderID, &r.RetailerID, &status, &r.LockedWinnerID,
		&r.LockedAt, &r.Version, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.RoutingStatus(status)
	return &r, nil
}

func (s *AllocationService) upsertResponseTx(tx *sql.Tx, routingID, candidateID string, kind models.ResponseKind, note string) error {
	res, err := tx.Exec(`
		UPDATE candidate_responses
		SET response_kind = $3, note = $4
		WHERE routing_id = $1 AND candidate_id = $2`,
		routingID, candidateID, string(kind), nullString(note))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	_, err = tx.Exec(`
		INSERT INTO candidate_responses
		(id, routing_id, candidate_id, response_kind, note, responded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), routingID, candidateID, string(kind), nullString(note), time.Now().UTC())
	return err
}

func (s *AllocationService) eligibleCandidates(ctx context.Context, criteria BroadcastCriteria) ([]models.WholesalerProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, active, service_area, min_order_value, stock_capacity,
		       completion_rate, rating, reliability
		FROM wholesaler_profiles
		WHERE active = TRUE
		  AND service_area = $1
		  AND min_order_value <= $2
		  AND stock_capacity > 0`,
		criteria.ServiceArea, criteria.OrderValue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []models.WholesalerProfile
	for rows.Next() {
		var p models.WholesalerProfile
		err := rows.Scan(&p.ID, &p.Name, &p.Active, &p.ServiceArea, &p.MinOrderValue,
			&p.StockCapacity, &p.CompletionRate, &p.Rating, &p.Reliability)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// scoreAndRank blends completion rate, rating (normalized from 0..5) and
// reliability into one score and orders candidates best-first.
func (s *AllocationService) scoreAndRank(profiles []models.WholesalerProfile) []models.RoutingCandidate {
	weighted := make([]models.RoutingCandidate, 0, len(profiles))
	for _, p := range profiles {
		completion, _ := p.CompletionRate.Float64()
		rating, _ := p.Rating.Float64()
		reliability, _ := p.Reliability.Float64()
		score := s.cfg.WeightCompletion*completion +
			s.cfg.WeightRating*(rating/5.0) +
			s.cfg.WeightReliability*reliability
		weighted = append(weighted, models.RoutingCandidate{
			CandidateID: p.ID,
			Score:       decimal.NewFromFloat(score).Round(4),
		})
	}
	sort.SliceStable(weighted, func(i, j int) bool {
		return weighted[i].Score.GreaterThan(weighted[j].Score)
	})
	for i := range weighted {
		weighted[i].Rank = i + 1
	}
	return weighted
}

func (s *AllocationService) dispatch(msg notify.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.notifier.Send(ctx, msg); err != nil {
		// Notification failure never rolls back the committed decision.
		log.Printf("[ALLOC] notification to %s failed: %v", msg.RecipientID, err)
	}
}

func cancellationReason(responseKind sql.NullString) models.CancellationReason {
	switch models.ResponseKind(responseKind.String) {
	case models.ResponseAccept:
		return models.CancelLostRace
	case models.ResponseTimeout:
		return models.CancelTimedOut
	default:
		return models.CancelNotSelected
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == "23505"
}
