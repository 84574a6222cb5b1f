package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"creditcore/internal/apperr"
)

//go:embed schema.sql
var schema string

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresStore is a durable Store. Per-member exclusion comes from row
// locks: balance changes are single conditional UPDATEs, and transaction
// transitions lock the transaction row before touching the member row.
type PostgresStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tracer: otel.Tracer("creditcore/ledger"),
	}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const memberColumns = `member_number, name, email, status, credit_limit, current_balance, version, created_at, updated_at`

func scanMember(row scanner) (*Member, error) {
	m := &Member{}
	err := row.Scan(
		&m.MemberNumber,
		&m.Name,
		&m.Email,
		&m.Status,
		&m.CreditLimit,
		&m.CurrentBalance,
		&m.Version,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMember loads a member by number.
func (s *PostgresStore) GetMember(ctx context.Context, memberNumber string) (*Member, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.get_member",
		trace.WithAttributes(attribute.String("member.number", memberNumber)),
	)
	defer span.End()

	m, err := scanMember(s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM members
		WHERE member_number = $1
	`, memberNumber))
	if err == sql.ErrNoRows {
		return nil, apperr.MemberNotFound(memberNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("query member: %w", err)
	}
	return m, nil
}

// CreateMember inserts a new member row.
func (s *PostgresStore) CreateMember(ctx context.Context, member *Member) error {
	ctx, span := s.tracer.Start(ctx, "ledger.create_member",
		trace.WithAttributes(attribute.String("member.number", member.MemberNumber)),
	)
	defer span.End()

	if member.CurrentBalance < 0 || member.CurrentBalance > member.CreditLimit {
		return apperr.Validation("current_balance", "balance must be within [0, credit_limit]")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (member_number, name, email, status, credit_limit, current_balance, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
	`, member.MemberNumber, member.Name, member.Email, member.Status, member.CreditLimit, member.CurrentBalance)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			return ErrDuplicateMember
		}
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

// UpdateMember applies fn to the row locked with SELECT ... FOR UPDATE.
func (s *PostgresStore) UpdateMember(ctx context.Context, memberNumber string, fn func(*Member) error) (*Member, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.update_member",
		trace.WithAttributes(attribute.String("member.number", memberNumber)),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanMember(tx.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM members
		WHERE member_number = $1
		FOR UPDATE
	`, memberNumber))
	if err == sql.ErrNoRows {
		return nil, apperr.MemberNotFound(memberNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("lock member: %w", err)
	}

	next := cur.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.CurrentBalance != cur.CurrentBalance {
		return nil, ErrBalanceChanged
	}
	if next.CreditLimit < next.CurrentBalance {
		return nil, apperr.Validation("credit_limit", "credit limit cannot be below the current balance")
	}

	updated, err := scanMember(tx.QueryRowContext(ctx, `
		UPDATE members
		SET name = $2, email = $3, status = $4, credit_limit = $5, version = version + 1, updated_at = NOW()
		WHERE member_number = $1
		RETURNING `+memberColumns,
		memberNumber, next.Name, next.Email, next.Status, next.CreditLimit))
	if err != nil {
		return nil, fmt.Errorf("update member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return updated, nil
}

// Reserve increments the balance only if the member is ACTIVE and the limit
// allows it, in one statement.
func (s *PostgresStore) Reserve(ctx context.Context, memberNumber string, amount int64) (*Member, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.reserve",
		trace.WithAttributes(
			attribute.String("member.number", memberNumber),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	if amount <= 0 {
		return nil, apperr.Validation("amount", "reserve amount must be positive")
	}
	return reserve(ctx, s.db, memberNumber, amount, true)
}

// Release decrements the balance, floored at zero.
func (s *PostgresStore) Release(ctx context.Context, memberNumber string, amount int64) (*Member, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.release",
		trace.WithAttributes(
			attribute.String("member.number", memberNumber),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	if amount <= 0 {
		return nil, apperr.Validation("amount", "release amount must be positive")
	}
	return release(ctx, s.db, memberNumber, amount)
}

func reserve(ctx context.Context, q querier, memberNumber string, amount int64, requireActive bool) (*Member, error) {
	m, err := scanMember(q.QueryRowContext(ctx, `
		UPDATE members
		SET current_balance = current_balance + $2, version = version + 1, updated_at = NOW()
		WHERE member_number = $1 AND credit_limit - current_balance >= $2
			AND (NOT $3 OR status = $4)
		RETURNING `+memberColumns,
		memberNumber, amount, requireActive, MemberActive))
	if err == nil {
		return m, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("reserve credit: %w", err)
	}

	// No row updated: the member is missing, not ACTIVE, or the limit refused it.
	var (
		available int64
		status    MemberStatus
	)
	err = q.QueryRowContext(ctx, `
		SELECT credit_limit - current_balance, status
		FROM members
		WHERE member_number = $1
	`, memberNumber).Scan(&available, &status)
	if err == sql.ErrNoRows {
		return nil, apperr.MemberNotFound(memberNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("query available credit: %w", err)
	}
	if requireActive && status != MemberActive {
		return nil, apperr.MemberNotEligible(memberNumber, string(status))
	}
	return nil, apperr.CreditLimitExceeded(memberNumber, amount, available)
}

func release(ctx context.Context, q querier, memberNumber string, amount int64) (*Member, error) {
	m, err := scanMember(q.QueryRowContext(ctx, `
		UPDATE members
		SET current_balance = GREATEST(current_balance - $2, 0), version = version + 1, updated_at = NOW()
		WHERE member_number = $1
		RETURNING `+memberColumns,
		memberNumber, amount))
	if err == sql.ErrNoRows {
		return nil, apperr.MemberNotFound(memberNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("release credit: %w", err)
	}
	return m, nil
}

const transactionColumns = `transaction_id, member_number, transaction_type, amount, captured_amount, status,
	authorization_code, merchant_name, merchant_category, version, created_at, updated_at`

func scanTransaction(row scanner) (*Transaction, error) {
	t := &Transaction{}
	err := row.Scan(
		&t.TransactionID,
		&t.MemberNumber,
		&t.Type,
		&t.Amount,
		&t.CapturedAmount,
		&t.Status,
		&t.AuthorizationCode,
		&t.MerchantName,
		&t.MerchantCategory,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// PutTransaction inserts a new transaction row.
func (s *PostgresStore) PutTransaction(ctx context.Context, t *Transaction) error {
	ctx, span := s.tracer.Start(ctx, "ledger.put_transaction",
		trace.WithAttributes(
			attribute.String("transaction.id", t.TransactionID),
			attribute.String("member.number", t.MemberNumber),
		),
	)
	defer span.End()

	version := t.Version
	if version == 0 {
		version = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, member_number, transaction_type, amount, captured_amount, status,
			authorization_code, merchant_name, merchant_category, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.TransactionID, t.MemberNumber, t.Type, t.Amount, t.CapturedAmount, t.Status,
		t.AuthorizationCode, t.MerchantName, t.MerchantCategory, version)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			switch pqErr.Code {
			case pqUniqueViolation:
				return ErrDuplicateTransaction
			case pqForeignKeyViolation:
				return apperr.MemberNotFound(t.MemberNumber)
			}
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetTransaction loads a transaction by id.
func (s *PostgresStore) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.get_transaction",
		trace.WithAttributes(attribute.String("transaction.id", transactionID)),
	)
	defer span.End()

	t, err := scanTransaction(s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE transaction_id = $1
	`, transactionID))
	if err == sql.ErrNoRows {
		return nil, apperr.TransactionNotFound(transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	return t, nil
}

// ListTransactions returns a member's transactions oldest first.
func (s *PostgresStore) ListTransactions(ctx context.Context, memberNumber string) ([]*Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.list_transactions",
		trace.WithAttributes(attribute.String("member.number", memberNumber)),
	)
	defer span.End()

	if _, err := s.GetMember(ctx, memberNumber); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE member_number = $1
		ORDER BY created_at ASC, transaction_id ASC
	`, memberNumber)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}

	span.SetAttributes(attribute.Int("transactions.loaded", len(out)))
	return out, nil
}

// UpdateTransaction locks the transaction row, applies fn and its balance
// delta, and commits both together.
func (s *PostgresStore) UpdateTransaction(ctx context.Context, transactionID string, fn Mutation) (*Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.update_transaction",
		trace.WithAttributes(attribute.String("transaction.id", transactionID)),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanTransaction(tx.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE transaction_id = $1
		FOR UPDATE
	`, transactionID))
	if err == sql.ErrNoRows {
		return nil, apperr.TransactionNotFound(transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock transaction: %w", err)
	}

	next := cur.clone()
	delta, err := fn(next)
	if errors.Is(err, ErrNoChange) {
		return cur, nil
	}
	if err != nil {
		return nil, err
	}
	if next.TransactionID != cur.TransactionID || next.MemberNumber != cur.MemberNumber {
		return nil, fmt.Errorf("ledger: mutation changed transaction identity of %s", transactionID)
	}

	switch {
	case delta > 0:
		_, err = reserve(ctx, tx, cur.MemberNumber, delta, false)
	case delta < 0:
		_, err = release(ctx, tx, cur.MemberNumber, -delta)
	}
	if err != nil {
		return nil, err
	}

	updated, err := scanTransaction(tx.QueryRowContext(ctx, `
		UPDATE transactions
		SET amount = $2, captured_amount = $3, status = $4, authorization_code = $5,
			version = version + 1, updated_at = NOW()
		WHERE transaction_id = $1
		RETURNING `+transactionColumns,
		transactionID, next.Amount, next.CapturedAmount, next.Status, next.AuthorizationCode))
	if err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(
		attribute.String("transaction.status", string(updated.Status)),
		attribute.Int64("balance.delta", delta),
	)
	return updated, nil
}
