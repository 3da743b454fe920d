package services

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/ordermesh/backend/internal/models"
	"github.com/ordermesh/backend/internal/notify"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (c *captureNotifier) Send(_ context.Context, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureNotifier) messages() []notify.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Message(nil), c.sent...)
}

func newAllocationServiceForTest(t *testing.T) (*AllocationService, sqlmock.Sqlmock, *captureNotifier, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	notifier := &captureNotifier{}
	executor := NewTxExecutor(db, testTxOptions())
	service := NewAllocationService(db, executor, notifier, DefaultAllocationConfig())
	return service, mock, notifier, func() { db.Close() }
}

func routingRows(id, orderID string, status models.RoutingStatus, winner any, createdAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "order_id", "retailer_id", "status", "locked_winner_id", "locked_at", "version", "created_at",
	}).AddRow(id, orderID, "r1", string(status), winner, nil, 1, createdAt)
}

func TestAllocationService_AcceptCandidate(t *testing.T) {
	t.Run("first acceptance locks the routing", func(t *testing.T) {
		service, mock, notifier, closeDB := newAllocationServiceForTest(t)
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("FROM allocation_routings WHERE id").
			WithArgs("rt-1").
			WillReturnRows(routingRows("rt-1", "o1", models.RoutingBroadcast, nil, time.Now()))
		mock.ExpectExec("UPDATE allocation_routings SET locked_winner_id = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE candidate_responses").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		// Post-commit cancellation fan-out runs in its own transaction.
		mock.ExpectBegin()
		mock.ExpectQuery("LEFT JOIN candidate_responses").
			WithArgs("rt-1", "w1").
			WillReturnRows(sqlmock.NewRows([]string{"candidate_id", "id", "response_kind"}).
				AddRow("w2", nil, nil).
				AddRow("w3", "resp-3", string(models.ResponseAccept)))
		mock.ExpectExec("INSERT INTO cancellation_records").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO cancellation_records").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE allocation_routings SET status").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := service.AcceptCandidate(context.Background(), "rt-1", "w1")
		assert.NoError(t, err)
		assert.True(t, result.Accepted)
		assert.Equal(t, ReasonLocked, result.Reason)
		assert.Equal(t, "w1", result.LockedCandidateID)

		msgs := notifier.messages()
		assert.Len(t, msgs, 3)
		assert.Equal(t, notify.KindWinner, msgs[0].Kind)
		assert.Equal(t, "w1", msgs[0].RecipientID)
		assert.Equal(t, notify.KindCancellation, msgs[1].Kind)
		assert.Equal(t, string(models.CancelNotSelected), msgs[1].Reason)
		assert.Equal(t, notify.KindCancellation, msgs[2].Kind)
		assert.Equal(t, string(models.CancelLostRace), msgs[2].Reason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("repeat call by the winner is idempotent", func(t *testing.T) {
		service, mock, notifier, closeDB := newAllocationServiceForTest(t)
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("FROM allocation_routings WHERE id").
			WithArgs("rt-1").
			WillReturnRows(routingRows("rt-1", "o1", models.RoutingLocked, "w1", time.Now()))
		mock.ExpectCommit()

		result, err := service.AcceptCandidate(context.Background(), "rt-1", "w1")
		assert.NoError(t, err)
		assert.True(t, result.Accepted)
		assert.Equal(t, ReasonAlreadyAccepted, result.Reason)
		assert.Empty(t, notifier.messages())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("acceptance after another winner is locked", func(t *testing.T) {
		service, mock, _, closeDB := newAllocationServiceForTest(t)
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("FROM allocation_routings WHERE id").
			WithArgs("rt-1").
			WillReturnRows(routingRows("rt-1", "o1", models.RoutingLocked, "w2", time.Now()))
		mock.ExpectCommit()

		result, err := service.AcceptCandidate(context.Background(), "rt-1", "w9")
		assert.NoError(t, err)
		assert.False(t, result.Accepted)
		assert.Equal(t, ReasonAlreadyLocked, result.Reason)
		assert.Equal(t, "w2", result.LockedCandidateID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("losing the race between read and update", func(t *testing.T) {
		service, mock, notifier, closeDB := newAllocationServiceForTest(t)
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("FROM allocation_routings WHERE id").
			WithArgs("rt-1").
			WillReturnRows(routingRows("rt-1", "o1", models.RoutingBroadcast, nil, time.Now()))
		mock.ExpectExec("UPDATE allocation_routings SET locked_winner_id = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FROM allocation_routings WHERE id").
			WithArgs("rt-1").
			WillReturnRows(routingRows("rt-1", "o1", models.RoutingLocked, "w2", time.Now()))
		mock.ExpectExec("UPDATE candidate_responses").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		result, err := service.AcceptCandidate(context.Background(), "rt-1", "w1")
		assert.NoError(t, err)
		assert.False(t, result.Accepted)
		assert.Equal(t, ReasonLostRace, result.Reason)
		assert.Equal(t, "w2", result.LockedCandidateID)
		assert.Empty(t, notifier.messages())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown routing", func(t *testing.T) {
		service, mock, _, closeDB := newAllocationServiceForTest(t)
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("FROM allocation_routings WHERE id").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.AcceptCandidate(context.Background(), "missing", "w1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAllocationService_Respond(t *testing.T) {
	t.Run("records an answer once", func(t *testing.T) {
		service, mock, _, closeDB := newAllocationServiceForTest(t)
		defer closeDB()

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("rt-1", "w1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectExec("INSERT INTO candidate_responses").
			WillReturnResult(sqlmock.NewResult(0, 1))

		response, err := service.Respond(context.Background(), "rt-1", "w1", models.ResponseAccept, "")
		assert.NoError(t, err)
		assert.Equal(t, models.ResponseAccept, response.Kind)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second answer from the same candidate", func(t *testing.T) {
		service, mock, _, closeDB := newAllocationServiceForTest(t)
		defer closeDB()

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("rt-1", "w1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectExec("INSERT INTO candidate_responses").
			WillReturnError(&pq.Error{Code: "23505"})

		_, err := service.Respond(context.Background(), "rt-1", "w1", models.ResponseReject, "")
		assert.ErrorIs(t, err, ErrDuplicateResponse)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("candidate not in the broadcast set", func(t *testing.T) {
		service, mock, _, closeDB := newAllocationServiceForTest(t)
		defer closeDB()

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("rt-1", "w9").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := service.Respond(context.Background(), "rt-1", "w9", models.ResponseAccept, "")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func profileRows(profiles ...models.WholesalerProfile) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "name", "active", "service_area", "min_order_value", "stock_capacity",
		"completion_rate", "rating", "reliability",
	})
	for _, p := range profiles {
		rows.AddRow(p.ID, p.Name, true, p.ServiceArea, p.MinOrderValue.String(),
			p.StockCapacity, p.CompletionRate.String(), p.Rating.String(), p.Reliability.String())
	}
	return rows
}

func testProfile(id string, completion, rating, reliability string) models.WholesalerProfile {
	return models.WholesalerProfile{
		ID:             id,
		Name:           id,
		Active:         true,
		ServiceArea:    "lagos-mainland",
		MinOrderValue:  decimal.Zero,
		StockCapacity:  100,
		CompletionRate: decimal.RequireFromString(completion),
		Rating:         decimal.RequireFromString(rating),
		Reliability:    decimal.RequireFromString(reliability),
	}
}

func TestAllocationService_Broadcast(t *testing.T) {
	criteria := BroadcastCriteria{
		OrderValue:  decimal.RequireFromString("500.00"),
		ServiceArea: "lagos-mainland",
	}

	t.Run("scores, ranks and notifies the selected candidates", func(t *testing.T) {
		service, mock, notifier, closeDB := newAllocationServiceForTest(t)
		defer closeDB()

		mock.ExpectQuery("FROM wholesaler_profiles").
			WithArgs("lagos-mainland", criteria.OrderValue).
			WillReturnRows(profileRows(
				testProfile("w-low", "0.50", "2.5", "0.50"),
				testProfile("w-high", "1.00", "5.0", "1.00"),
			))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO allocation_routings").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO allocation_candidates").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO allocation_candidates").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		routing, err := service.Broadcast(context.Background(), "o1", "r1", criteria)
		assert.NoError(t, err)
		assert.Equal(t, models.RoutingBroadcast, routing.Status)
		assert.False(t, routing.LockedWinnerID.Valid)

		msgs := notifier.messages()
		assert.Len(t, msgs, 2)
		// Best-scored candidate is notified first.
		assert.Equal(t, "w-high", msgs[0].RecipientID)
		assert.Equal(t, notify.KindOpportunity, msgs[0].Kind)
		assert.Equal(t, "w-low", msgs[1].RecipientID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("records every eligible candidate beyond the notification cut", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		notifier := &captureNotifier{}
		cfg := DefaultAllocationConfig()
		cfg.TopK = 2
		service := NewAllocationService(db, NewTxExecutor(db, testTxOptions()), notifier, cfg)

		mock.ExpectQuery("FROM wholesaler_profiles").
			WithArgs("lagos-mainland", criteria.OrderValue).
			WillReturnRows(profileRows(
				testProfile("w-low", "0.50", "2.5", "0.50"),
				testProfile("w-high", "1.00", "5.0", "1.00"),
				testProfile("w-mid", "0.80", "4.0", "0.70"),
			))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO allocation_routings").
			WillReturnResult(sqlmock.NewResult(0, 1))
		// All three eligible candidates are persisted; only the top two carry
		// the selected flag.
		mock.ExpectExec("INSERT INTO allocation_candidates").
			WithArgs(sqlmock.AnyArg(), "w-high", sqlmock.AnyArg(), 1, true).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO allocation_candidates").
			WithArgs(sqlmock.AnyArg(), "w-mid", sqlmock.AnyArg(), 2, true).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO allocation_candidates").
			WithArgs(sqlmock.AnyArg(), "w-low", sqlmock.AnyArg(), 3, false).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		_, err = service.Broadcast(context.Background(), "o1", "r1", criteria)
		assert.NoError(t, err)

		msgs := notifier.messages()
		assert.Len(t, msgs, 2, "only selected candidates receive the opportunity")
		assert.Equal(t, "w-high", msgs[0].RecipientID)
		assert.Equal(t, "w-mid", msgs[1].RecipientID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no eligible candidates", func(t *testing.T) {
		service, mock, _, closeDB := newAllocationServiceForTest(t)
		defer closeDB()

		mock.ExpectQuery("FROM wholesaler_profiles").
			WithArgs("lagos-mainland", criteria.OrderValue).
			WillReturnRows(profileRows())

		_, err := service.Broadcast(context.Background(), "o1", "r1", criteria)
		assert.ErrorIs(t, err, ErrNoEligibleCandidates)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAllocationService_scoreAndRank(t *testing.T) {
	service := &AllocationService{cfg: DefaultAllocationConfig()}

	ranked := service.scoreAndRank([]models.WholesalerProfile{
		testProfile("w-mid", "0.80", "4.0", "0.70"),
		testProfile("w-top", "1.00", "5.0", "1.00"),
		testProfile("w-bottom", "0.50", "2.5", "0.50"),
	})

	assert.Len(t, ranked, 3)
	assert.Equal(t, "w-top", ranked[0].CandidateID)
	assert.Equal(t, 1, ranked[0].Rank)
	assert.True(t, ranked[0].Score.Equal(decimal.RequireFromString("1")))
	assert.Equal(t, "w-mid", ranked[1].CandidateID)
	// 0.40*0.80 + 0.30*(4.0/5) + 0.30*0.70 = 0.77
	assert.True(t, ranked[1].Score.Equal(decimal.RequireFromString("0.77")))
	assert.Equal(t, "w-bottom", ranked[2].CandidateID)
	assert.True(t, ranked[2].Score.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 3, ranked[2].Rank)
}

func TestAllocationService_TimeoutNonResponders(t *testing.T) {
	t.Run("no-op before the response window closes", func(t *testing.T) {
		service, mock, _, closeDB := newAllocationServiceForTest(t)
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("FROM allocation_routings WHERE id").
			WithArgs("rt-1").
			WillReturnRows(routingRows("rt-1", "o1", models.RoutingBroadcast, nil, time.Now()))
		mock.ExpectCommit()

		timedOut, err := service.TimeoutNonResponders(context.Background(), "rt-1", 15*time.Minute)
		assert.NoError(t, err)
		assert.Zero(t, timedOut)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("silent candidates time out and the best acceptance is selected", func(t *testing.T) {
		service, mock, notifier, closeDB := newAllocationServiceForTest(t)
		defer closeDB()

		opened := time.Now().Add(-30 * time.Minute)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM allocation_routings WHERE id").
			WithArgs("rt-1").
			WillReturnRows(routingRows("rt-1", "o1", models.RoutingBroadcast, nil, opened))
		mock.ExpectQuery("NOT EXISTS").
			WithArgs("rt-1").
			WillReturnRows(sqlmock.NewRows([]string{"candidate_id"}).AddRow("w3"))
		mock.ExpectExec("INSERT INTO candidate_responses").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("ORDER BY ac.score DESC").
			WithArgs("rt-1").
			WillReturnRows(sqlmock.NewRows([]string{"candidate_id"}).AddRow("w1"))
		mock.ExpectCommit()

		// Auto-selection reuses the regular acceptance path.
		mock.ExpectBegin()
		mock.ExpectQuery("FROM allocation_routings WHERE id").
			WithArgs("rt-1").
			WillReturnRows(routingRows("rt-1", "o1", models.RoutingBroadcast, nil, opened))
		mock.ExpectExec("UPDATE allocation_routings SET locked_winner_id = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE candidate_responses").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		// Cancellation fan-out for the routing's losers.
		mock.ExpectBegin()
		mock.ExpectQuery("LEFT JOIN candidate_responses").
			WithArgs("rt-1", "w1").
			WillReturnRows(sqlmock.NewRows([]string{"candidate_id", "id", "response_kind"}).
				AddRow("w3", "resp-3", string(models.ResponseTimeout)))
		mock.ExpectExec("INSERT INTO cancellation_records").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE allocation_routings SET status").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		timedOut, err := service.TimeoutNonResponders(context.Background(), "rt-1", 15*time.Minute)
		assert.NoError(t, err)
		assert.Equal(t, 1, timedOut)

		msgs := notifier.messages()
		assert.Len(t, msgs, 2)
		assert.Equal(t, notify.KindWinner, msgs[0].Kind)
		assert.Equal(t, "w1", msgs[0].RecipientID)
		assert.Equal(t, notify.KindCancellation, msgs[1].Kind)
		assert.Equal(t, string(models.CancelTimedOut), msgs[1].Reason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("a candidate answering during the sweep keeps their response", func(t *testing.T) {
		service, mock, notifier, closeDB := newAllocationServiceForTest(t)
		defer closeDB()

		opened := time.Now().Add(-30 * time.Minute)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM allocation_routings WHERE id").
			WithArgs("rt-1").
			WillReturnRows(routingRows("rt-1", "o1", models.RoutingBroadcast, nil, opened))
		mock.ExpectQuery("NOT EXISTS").
			WithArgs("rt-1").
			WillReturnRows(sqlmock.NewRows([]string{"candidate_id"}).AddRow("w3"))
		// The conflict target absorbs the concurrent answer: zero rows
		// inserted, no unique-violation error.
		mock.ExpectExec("INSERT INTO candidate_responses").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("ORDER BY ac.score DESC").
			WithArgs("rt-1").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectCommit()

		timedOut, err := service.TimeoutNonResponders(context.Background(), "rt-1", 15*time.Minute)
		assert.NoError(t, err)
		assert.Zero(t, timedOut, "a candidate with a real response is not timed out")
		assert.Empty(t, notifier.messages())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAllocationService_ResetRouting(t *testing.T) {
	service, mock, _, closeDB := newAllocationServiceForTest(t)
	defer closeDB()

	t.Run("clears the winner and closes the routing", func(t *testing.T) {
		mock.ExpectExec("SET locked_winner_id = NULL").
			WillReturnResult(sqlmock.NewResult(0, 1))
		err := service.ResetRouting(context.Background(), "rt-1", "admin-1", "order disputed")
		assert.NoError(t, err)
	})

	t.Run("unknown routing", func(t *testing.T) {
		mock.ExpectExec("SET locked_winner_id = NULL").
			WillReturnResult(sqlmock.NewResult(0, 0))
		err := service.ResetRouting(context.Background(), "missing", "admin-1", "order disputed")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCancellationReason(t *testing.T) {
	accept := sql.NullString{String: string(models.ResponseAccept), Valid: true}
	timeout := sql.NullString{String: string(models.ResponseTimeout), Valid: true}

	assert.Equal(t, models.CancelLostRace, cancellationReason(accept))
	assert.Equal(t, models.CancelTimedOut, cancellationReason(timeout))
	assert.Equal(t, models.CancelNotSelected, cancellationReason(sql.NullString{}))
}
