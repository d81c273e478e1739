package database

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/Martin-Hayot/auction-engine/pkg/errors"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const (
	userTable    = `public."User"`
	sessionTable = `public."AuctionSession"`
	bidTable     = `public."Bid"`
	orderTable   = `public."Order"`
)

// sessionColumns lists the columns returned by session SELECTs, in scan order.
var sessionColumns = []string{
	`s."id"`, `s."productId"`, `s."status"`, `s."startTime"`, `s."endTimePlanned"`,
	`s."endTimeEffective"`, `s."endTimeActual"`, `s."antiSnipeWindowSec"`, `s."antiSnipeExtendSec"`,
	`s."startingPrice"`, `s."incrementStep"`, `s."currentPrice"`, `s."leadingBidId"`,
	`b."userId"`, `s."createdById"`, `s."createdAt"`, `s."updatedAt"`, `s."version"`,
}

func sqEq(column string, value any) sq.Eq {
	return sq.Eq{column: value}
}

func selectSessions() sq.SelectBuilder {
	return psq.Select(sessionColumns...).
		From(sessionTable + ` s`).
		LeftJoin(bidTable + ` b ON b."id" = s."leadingBidId"`)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (types.AuctionSession, error) {
	var (
		s             types.AuctionSession
		endActual     sql.NullTime
		leadingBidID  sql.NullString
		leadingUserID sql.NullString
	)
	err := row.Scan(
		&s.ID,
		&s.ProductID,
		&s.Status,
		&s.StartTime,
		&s.EndTimePlanned,
		&s.EndTimeEffective,
		&endActual,
		&s.AntiSnipeWindowSec,
		&s.AntiSnipeExtendSec,
		&s.StartingPrice,
		&s.IncrementStep,
		&s.CurrentPrice,
		&leadingBidID,
		&leadingUserID,
		&s.CreatedByID,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.Version,
	)
	if err != nil {
		return types.AuctionSession{}, err
	}

	s.StartTime = s.StartTime.UTC()
	s.EndTimePlanned = s.EndTimePlanned.UTC()
	s.EndTimeEffective = s.EndTimeEffective.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	if endActual.Valid {
		t := endActual.Time.UTC()
		s.EndTimeActual = &t
	}
	if leadingBidID.Valid {
		s.LeadingBidID = &leadingBidID.String
	}
	if leadingUserID.Valid {
		s.LeadingUserID = &leadingUserID.String
	}
	return s, nil
}

func (s *service) LoadSession(ctx context.Context, id string) (types.AuctionSession, error) {
	query, args, err := selectSessions().Where(sqEq(`s."id"`, id)).ToSql()
	if err != nil {
		return types.AuctionSession{}, fmt.Errorf("building session query: %w", err)
	}

	var session types.AuctionSession
	err = s.retryOp(ctx, "load session", func() error {
		var scanErr error
		session, scanErr = scanSession(s.db.QueryRowContext(ctx, query, args...))
		if scanErr == sql.ErrNoRows {
			return errors.New(errors.ErrSessionNotFound, "Session not found").WithMeta("sessionId", id)
		}
		return scanErr
	})
	if err != nil {
		return types.AuctionSession{}, err
	}
	return session, nil
}

// ListActiveSessions returns every SCHEDULED or LIVE session, earliest start first.
func (s *service) ListActiveSessions(ctx context.Context) ([]types.AuctionSession, error) {
	query, args, err := selectSessions().
		Where(sqEq(`s."status"`, []string{string(types.StatusScheduled), string(types.StatusLive)})).
		OrderBy(`s."startTime" ASC`).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building active sessions query: %w", err)
	}

	var sessions []types.AuctionSession
	err = s.retryOp(ctx, "list active sessions", func() error {
		sessions = sessions[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			session, err := scanSession(rows)
			if err != nil {
				return fmt.Errorf("error scanning session: %w", err)
			}
			sessions = append(sessions, session)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *service) CreateSession(ctx context.Context, session types.AuctionSession) error {
	query, args, err := psq.Insert(sessionTable).
		Columns(
			`"id"`, `"productId"`, `"status"`, `"startTime"`, `"endTimePlanned"`, `"endTimeEffective"`,
			`"antiSnipeWindowSec"`, `"antiSnipeExtendSec"`, `"startingPrice"`, `"incrementStep"`,
			`"currentPrice"`, `"createdById"`, `"createdAt"`, `"updatedAt"`, `"version"`,
		).
		Values(
			session.ID, session.ProductID, string(session.Status), session.StartTime, session.EndTimePlanned,
			session.EndTimeEffective, session.AntiSnipeWindowSec, session.AntiSnipeExtendSec,
			session.StartingPrice, session.IncrementStep, session.CurrentPrice, session.CreatedByID,
			session.CreatedAt, session.UpdatedAt, session.Version,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session insert: %w", err)
	}

	return s.retryOp(ctx, "create session", func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// updateSession builds the guarded UPDATE shared by SaveSession and CommitBid. The row must
// still hold both the expected price and the version preceding session.Version.
func updateSession(session types.AuctionSession, expectedPrice int64) (string, []any, error) {
	var endActual any
	if session.EndTimeActual != nil {
		endActual = *session.EndTimeActual
	}
	var leadingBidID any
	if session.LeadingBidID != nil {
		leadingBidID = *session.LeadingBidID
	}

	return psq.Update(sessionTable).
		Set(`"status"`, string(session.Status)).
		Set(`"startTime"`, session.StartTime).
		Set(`"endTimeEffective"`, session.EndTimeEffective).
		Set(`"endTimeActual"`, endActual).
		Set(`"currentPrice"`, session.CurrentPrice).
		Set(`"leadingBidId"`, leadingBidID).
		Set(`"updatedAt"`, session.UpdatedAt).
		Set(`"version"`, session.Version).
		Where(sq.And{
			sqEq(`"id"`, session.ID),
			sqEq(`"currentPrice"`, expectedPrice),
			sqEq(`"version"`, session.Version-1),
		}).
		ToSql()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execGuarded(ctx context.Context, db execer, session types.AuctionSession, expectedPrice int64) error {
	query, args, err := updateSession(session, expectedPrice)
	if err != nil {
		return fmt.Errorf("building session update: %w", err)
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New(errors.ErrConflict, "Session was modified concurrently").
			WithMeta("sessionId", session.ID).
			WithMeta("expectedPrice", expectedPrice).
			WithMeta("expectedVersion", session.Version-1)
	}
	return nil
}

// SaveSession writes the mutable session fields if the stored price still equals expectedPrice
// and no other writer has moved the row past session.Version-1.
func (s *service) SaveSession(ctx context.Context, session types.AuctionSession, expectedPrice int64) error {
	return s.retryOp(ctx, "save session", func() error {
		return execGuarded(ctx, s.db, session, expectedPrice)
	})
}

// CommitBid applies an accepted bid in one transaction: the guarded session update, the
// previous leader losing its flag and the new leading bid.
func (s *service) CommitBid(ctx context.Context, c types.BidCommit) error {
	insert, insertArgs, err := psq.Insert(bidTable).
		Columns(`"id"`, `"sessionId"`, `"userId"`, `"amount"`, `"isLeading"`, `"createdAt"`).
		Values(c.Bid.ID, c.Bid.SessionID, c.Bid.UserID, c.Bid.Amount, true, c.Bid.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building bid insert: %w", err)
	}

	err = s.retryOp(ctx, "commit bid", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			if err := execGuarded(ctx, tx, c.Session, c.ExpectedPrice); err != nil {
				return err
			}

			if c.PreviousLeadingBidID != nil {
				clearQuery, clearArgs, err := psq.Update(bidTable).
					Set(`"isLeading"`, false).
					Where(sq.And{sqEq(`"id"`, *c.PreviousLeadingBidID), sqEq(`"sessionId"`, c.Session.ID)}).
					ToSql()
				if err != nil {
					return fmt.Errorf("building leader update: %w", err)
				}
				if _, err := tx.ExecContext(ctx, clearQuery, clearArgs...); err != nil {
					return fmt.Errorf("error clearing leading bid: %w", err)
				}
			}

			if _, err := tx.ExecContext(ctx, insert, insertArgs...); err != nil {
				return fmt.Errorf("error creating bid: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	log.Debugf("Session %s updated with new bid: %d", c.Session.ID, c.Bid.Amount)
	return nil
}

// Settle records the winner as a PENDING order. Settling the same session twice is a no-op.
func (s *service) Settle(ctx context.Context, st types.Settlement) error {
	query, args, err := psq.Insert(orderTable).
		Columns(`"id"`, `"sessionId"`, `"winnerUserId"`, `"finalPrice"`, `"status"`, `"createdAt"`).
		Values(uuid.NewString(), st.SessionID, st.WinnerUserID, st.FinalPrice, string(types.OrderPending), st.EndedAt).
		Suffix(`ON CONFLICT ("sessionId") DO NOTHING`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building order insert: %w", err)
	}

	err = s.retryOp(ctx, "settle", func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return err
	}
	log.Info("Order created", "session", st.SessionID, "winner", st.WinnerUserID, "price", st.FinalPrice)
	return nil
}

func (s *service) GetOrderBySession(ctx context.Context, sessionID string) (types.Order, error) {
	query, args, err := psq.Select(`"id"`, `"sessionId"`, `"winnerUserId"`, `"finalPrice"`, `"status"`, `"createdAt"`).
		From(orderTable).
		Where(sqEq(`"sessionId"`, sessionID)).
		ToSql()
	if err != nil {
		return types.Order{}, fmt.Errorf("building order query: %w", err)
	}

	var o types.Order
	err = s.retryOp(ctx, "get order", func() error {
		scanErr := s.db.QueryRowContext(ctx, query, args...).
			Scan(&o.ID, &o.SessionID, &o.WinnerUserID, &o.FinalPrice, &o.Status, &o.CreatedAt)
		if scanErr == sql.ErrNoRows {
			return errors.New(errors.ErrSessionNotFound, "No order for session").WithMeta("sessionId", sessionID)
		}
		return scanErr
	})
	if err != nil {
		return types.Order{}, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	return o, nil
}
