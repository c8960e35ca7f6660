// Package postgres is the SQL ledger store. Balance changes are conditional UPDATEs, so
// the database itself serialises concurrent debits on one account.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"prepaidmeter/backend/libs/db"
	"prepaidmeter/backend/services/metering-service/internal/models"
	"prepaidmeter/backend/services/metering-service/internal/repository"
)

const uniqueViolation = "23505"

// constraintFields maps unique constraints to the registration field they protect.
var constraintFields = map[string]string{
	"accounts_pkey":         "id",
	"accounts_username_key": "username",
	"accounts_email_key":    "email",
	"accounts_phone_key":    "phone",
	"accounts_address_key":  "address",
	"meters_pkey":           "meter_id",
	"appliances_pkey":       "appliance_id",
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists accounts, meters, appliances and the ledger in Postgres.
type Store struct {
	db *sql.DB
}

var (
	_ repository.Store          = (*Store)(nil)
	_ repository.AtomicRecorder = (*Store)(nil)
)

// New returns a store over an open pool. Run Migrate before first use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateAccount(ctx context.Context, account *models.Account, meter *models.Meter, appliances []models.Appliance) error {
	const insertAccount = `
		INSERT INTO accounts (id, username, email, phone, full_name, address, password_hash, role,
			funds, borrowed, meter_id, last_notification, disabled, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	const insertMeter = `
		INSERT INTO meters (id, account_id, address, status, total_energy_kwh, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	const insertAppliance = `
		INSERT INTO appliances (id, meter_id, type, location, power_rating_w, is_on, manual_control,
			session_started_at, session_accum_kwh, total_accum_kwh, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertAccount,
			account.ID,
			account.Username,
			strings.ToLower(strings.TrimSpace(account.Email)),
			account.Phone,
			account.FullName,
			account.Address,
			account.PasswordHash,
			account.Role,
			account.Funds,
			account.Borrowed,
			account.MeterID,
			account.LastNotification,
			account.Disabled,
			account.RegisteredAt,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertMeter,
			meter.ID,
			meter.AccountID,
			meter.Address,
			meter.Status,
			meter.TotalEnergyKWh,
			meter.CreatedAt,
		); err != nil {
			return err
		}
		for _, a := range appliances {
			if _, err := tx.ExecContext(ctx, insertAppliance,
				a.ID,
				a.MeterID,
				a.Type,
				a.Location,
				a.PowerRatingW,
				a.IsOn,
				a.ManualControl,
				a.Session.StartedAt,
				a.Session.AccumKWh,
				a.TotalAccumKWh,
				a.CreatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
	return classify(err)
}

const accountColumns = `
	id, username, email, phone, full_name, address, password_hash, role,
	funds, borrowed, meter_id, last_notification, disabled, registered_at
`

func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(s.db.QueryRowContext(ctx, query, accountID))
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE username = $1 LIMIT 1`
	return scanAccount(s.db.QueryRowContext(ctx, query, username))
}

func scanAccount(row *sql.Row) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(
		&a.ID,
		&a.Username,
		&a.Email,
		&a.Phone,
		&a.FullName,
		&a.Address,
		&a.PasswordHash,
		&a.Role,
		&a.Funds,
		&a.Borrowed,
		&a.MeterID,
		&a.LastNotification,
		&a.Disabled,
		&a.RegisteredAt,
	); err != nil {
		return nil, classify(err)
	}
	return &a, nil
}

func (s *Store) SetNotification(ctx context.Context, accountID, notification string) error {
	const query = `UPDATE accounts SET last_notification = $2 WHERE id = $1`
	return execOne(ctx, s.db, query, accountID, notification)
}

func (s *Store) DisableAccount(ctx context.Context, accountID string) error {
	const (
		disable = `UPDATE accounts SET disabled = true WHERE id = $1 RETURNING meter_id`
		retire  = `UPDATE meters SET status = $2 WHERE id = $1`
		purge   = `DELETE FROM appliances WHERE meter_id = $1`
	)
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var meterID string
		if err := tx.QueryRowContext(ctx, disable, accountID).Scan(&meterID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, retire, meterID, models.MeterDeleted); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, purge, meterID)
		return err
	})
	return classify(err)
}

func (s *Store) GetMeter(ctx context.Context, meterID string) (*models.Meter, error) {
	const query = `
		SELECT id, account_id, address, status, total_energy_kwh, created_at
		FROM meters
		WHERE id = $1
	`
	var m models.Meter
	if err := s.db.QueryRowContext(ctx, query, meterID).Scan(
		&m.ID,
		&m.AccountID,
		&m.Address,
		&m.Status,
		&m.TotalEnergyKWh,
		&m.CreatedAt,
	); err != nil {
		return nil, classify(err)
	}
	return &m, nil
}

func (s *Store) IncrementMeterEnergy(ctx context.Context, meterID string, kwh decimal.Decimal) error {
	const query = `UPDATE meters SET total_energy_kwh = total_energy_kwh + $2 WHERE id = $1`
	return execOne(ctx, s.db, query, meterID, kwh)
}

const applianceColumns = `
	id, meter_id, type, location, power_rating_w, is_on, manual_control,
	session_started_at, session_accum_kwh, total_accum_kwh, created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppliance(row rowScanner) (models.Appliance, error) {
	var (
		a       models.Appliance
		started sql.NullTime
	)
	if err := row.Scan(
		&a.ID,
		&a.MeterID,
		&a.Type,
		&a.Location,
		&a.PowerRatingW,
		&a.IsOn,
		&a.ManualControl,
		&started,
		&a.Session.AccumKWh,
		&a.TotalAccumKWh,
		&a.CreatedAt,
	); err != nil {
		return a, err
	}
	if started.Valid {
		t := started.Time
		a.Session.StartedAt = &t
	}
	return a, nil
}

func (s *Store) GetAppliancesByMeter(ctx context.Context, meterID string) ([]models.Appliance, error) {
	query := `SELECT ` + applianceColumns + ` FROM appliances WHERE meter_id = $1 ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, meterID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	appliances := make([]models.Appliance, 0)
	for rows.Next() {
		a, err := scanAppliance(rows)
		if err != nil {
			return nil, classify(err)
		}
		appliances = append(appliances, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return appliances, nil
}

func (s *Store) GetAppliance(ctx context.Context, applianceID string) (*models.Appliance, error) {
	query := `SELECT ` + applianceColumns + ` FROM appliances WHERE id = $1`
	a, err := scanAppliance(s.db.QueryRowContext(ctx, query, applianceID))
	if err != nil {
		return nil, classify(err)
	}
	return &a, nil
}

func (s *Store) UpdateApplianceState(ctx context.Context, applianceID string, update models.ApplianceStateUpdate) error {
	const query = `
		UPDATE appliances
		SET is_on = $2,
			manual_control = COALESCE($3, manual_control),
			session_started_at = COALESCE($4::timestamptz, session_started_at),
			session_accum_kwh = CASE WHEN $4::timestamptz IS NULL THEN session_accum_kwh ELSE 0 END
		WHERE id = $1
	`
	return execOne(ctx, s.db, query, applianceID, update.IsOn, update.ManualControl, update.StartedAt)
}

func (s *Store) IncrementApplianceEnergy(ctx context.Context, applianceID string, kwh decimal.Decimal) error {
	const query = `
		UPDATE appliances
		SET session_accum_kwh = session_accum_kwh + $2,
			total_accum_kwh = total_accum_kwh + $2
		WHERE id = $1
	`
	return execOne(ctx, s.db, query, applianceID, kwh)
}

func (s *Store) TurnOffAll(ctx context.Context, meterID string) error {
	const query = `UPDATE appliances SET is_on = false, manual_control = false WHERE meter_id = $1`
	_, err := s.db.ExecContext(ctx, query, meterID)
	return classify(err)
}

func (s *Store) TryDebit(ctx context.Context, accountID string, amount decimal.Decimal) (bool, decimal.Decimal, error) {
	ok, prior, err := debit(ctx, s.db, accountID, amount)
	return ok, prior, classify(err)
}

// debit returns the balance before the update. When the guard refuses the update it
// reads the current balance so the caller can report it.
func debit(ctx context.Context, q querier, accountID string, amount decimal.Decimal) (bool, decimal.Decimal, error) {
	const query = `
		UPDATE accounts
		SET funds = funds - $2
		WHERE id = $1 AND funds >= $2
		RETURNING funds + $2
	`
	var prior decimal.Decimal
	err := q.QueryRowContext(ctx, query, accountID, amount).Scan(&prior)
	if err == nil {
		return true, prior, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, decimal.Zero, err
	}

	const current = `SELECT funds FROM accounts WHERE id = $1`
	if err := q.QueryRowContext(ctx, current, accountID).Scan(&prior); err != nil {
		return false, decimal.Zero, err
	}
	return false, prior, nil
}

func (s *Store) Credit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	after, err := credit(ctx, s.db, accountID, amount)
	return after, classify(err)
}

func credit(ctx context.Context, q querier, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	const query = `UPDATE accounts SET funds = funds + $2 WHERE id = $1 RETURNING funds`
	var after decimal.Decimal
	if err := q.QueryRowContext(ctx, query, accountID, amount).Scan(&after); err != nil {
		return decimal.Zero, err
	}
	return after, nil
}

func (s *Store) ApplyBorrow(ctx context.Context, accountID string, amount decimal.Decimal) (bool, error) {
	ok, err := applyBorrow(ctx, s.db, accountID, amount)
	if err != nil {
		return false, classify(err)
	}
	if ok {
		return true, nil
	}
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return false, err
	}
	return false, nil
}

func applyBorrow(ctx context.Context, q querier, accountID string, amount decimal.Decimal) (bool, error) {
	const query = `
		UPDATE accounts
		SET funds = $2, borrowed = $2
		WHERE id = $1 AND funds = 0 AND borrowed = 0
	`
	res, err := q.ExecContext(ctx, query, accountID, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) RepayDebt(ctx context.Context, accountID string) (decimal.Decimal, decimal.Decimal, error) {
	repaid, after, err := repayDebt(ctx, s.db, accountID)
	if err != nil {
		return decimal.Zero, decimal.Zero, classify(err)
	}
	return repaid, after, nil
}

func repayDebt(ctx context.Context, q querier, accountID string) (decimal.Decimal, decimal.Decimal, error) {
	const query = `
		WITH cur AS (
			SELECT id, LEAST(funds, borrowed) AS pay
			FROM accounts
			WHERE id = $1
			FOR UPDATE
		)
		UPDATE accounts a
		SET funds = a.funds - cur.pay,
			borrowed = a.borrowed - cur.pay
		FROM cur
		WHERE a.id = cur.id
		RETURNING cur.pay, a.funds
	`
	var repaid, after decimal.Decimal
	if err := q.QueryRowContext(ctx, query, accountID).Scan(&repaid, &after); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return repaid, after, nil
}

// FundAndRepay runs the credit, the repayment and both appends in one transaction. The
// credit's UPDATE holds the row lock, so no debit can land before the repayment.
func (s *Store) FundAndRepay(ctx context.Context, accountID string, amount decimal.Decimal, fund, repay *models.Transaction) (decimal.Decimal, decimal.Decimal, error) {
	var repaid, after decimal.Decimal
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		credited, err := credit(ctx, tx, accountID, amount)
		if err != nil {
			return err
		}
		fund.BalanceAfter = credited
		if err := insertTransaction(ctx, tx, fund); err != nil {
			return err
		}

		if repaid, after, err = repayDebt(ctx, tx, accountID); err != nil {
			return err
		}
		if !repaid.IsPositive() {
			return nil
		}
		repay.Amount = repaid
		repay.BalanceAfter = after
		return insertTransaction(ctx, tx, repay)
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, classify(err)
	}
	return repaid, after, nil
}

func (s *Store) BorrowAndAppend(ctx context.Context, accountID string, amount decimal.Decimal, entry *models.Transaction) (bool, error) {
	var ok bool
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		if ok, err = applyBorrow(ctx, tx, accountID, amount); err != nil || !ok {
			return err
		}
		entry.BalanceAfter = amount
		return insertTransaction(ctx, tx, entry)
	})
	if err != nil {
		return false, classify(err)
	}
	if !ok {
		if _, err := s.GetAccount(ctx, accountID); err != nil {
			return false, err
		}
	}
	return ok, nil
}

func (s *Store) DebitAndAppend(ctx context.Context, accountID string, amount decimal.Decimal, entry *models.Transaction) (bool, decimal.Decimal, error) {
	var (
		ok    bool
		prior decimal.Decimal
	)
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		ok, prior, err = debit(ctx, tx, accountID, amount)
		if err != nil || !ok {
			return err
		}
		entry.BalanceAfter = prior.Sub(amount)
		return insertTransaction(ctx, tx, entry)
	})
	if err != nil {
		return false, decimal.Zero, classify(err)
	}
	return ok, prior, nil
}

func (s *Store) CreditAndAppend(ctx context.Context, accountID string, amount decimal.Decimal, entry *models.Transaction) (decimal.Decimal, error) {
	var after decimal.Decimal
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		if after, err = credit(ctx, tx, accountID, amount); err != nil {
			return err
		}
		entry.BalanceAfter = after
		return insertTransaction(ctx, tx, entry)
	})
	if err != nil {
		return decimal.Zero, classify(err)
	}
	return after, nil
}

func (s *Store) AppendTransaction(ctx context.Context, tx *models.Transaction) error {
	return classify(insertTransaction(ctx, s.db, tx))
}

func insertTransaction(ctx context.Context, q querier, tx *models.Transaction) error {
	const query = `
		INSERT INTO transactions (id, account_id, type, amount, balance_after, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`
	fields := map[string]string{}
	if tx.Metadata != nil {
		fields = tx.Metadata.Fields()
	}
	meta, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("postgres: encode metadata: %w", err)
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	return q.QueryRowContext(ctx, query,
		tx.ID,
		tx.AccountID,
		tx.Type,
		tx.Amount,
		tx.BalanceAfter,
		string(meta),
		tx.Timestamp,
	).Scan(&tx.Seq)
}

func (s *Store) SumByType(ctx context.Context, accountID string, txType models.TransactionType) (decimal.Decimal, error) {
	const query = `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE account_id = $1 AND type = $2
	`
	var total decimal.Decimal
	if err := s.db.QueryRowContext(ctx, query, accountID, txType).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("%w: sum: %v", repository.ErrQueryFailed, err)
	}
	return total, nil
}

const transactionColumns = `seq, id, account_id, type, amount, balance_after, metadata, timestamp`

func scanTransaction(row rowScanner) (models.Transaction, error) {
	var (
		tx   models.Transaction
		meta []byte
	)
	if err := row.Scan(
		&tx.Seq,
		&tx.ID,
		&tx.AccountID,
		&tx.Type,
		&tx.Amount,
		&tx.BalanceAfter,
		&meta,
		&tx.Timestamp,
	); err != nil {
		return tx, err
	}
	fields := map[string]string{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &fields); err != nil {
			return tx, fmt.Errorf("postgres: decode metadata of %s: %w", tx.ID, err)
		}
	}
	decoded, err := models.DecodeMetadata(tx.Type, fields)
	if err != nil {
		return tx, err
	}
	tx.Metadata = decoded
	tx.Timestamp = tx.Timestamp.UTC()
	return tx, nil
}

func (s *Store) LatestByType(ctx context.Context, accountID string, txType models.TransactionType) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1 AND type = $2
		ORDER BY timestamp DESC, seq DESC
		LIMIT 1`
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, accountID, txType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("%w: latest: %v", repository.ErrQueryFailed, err)
	}
	return &tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1
		ORDER BY timestamp DESC, seq DESC
		LIMIT $2`
	txs, err := s.queryTransactions(ctx, query, accountID, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", repository.ErrQueryFailed, err)
	}
	return txs, nil
}

func (s *Store) HasTransaction(ctx context.Context, accountID string, txType models.TransactionType) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM transactions WHERE account_id = $1 AND type = $2)`
	var found bool
	if err := s.db.QueryRowContext(ctx, query, accountID, txType).Scan(&found); err != nil {
		return false, classify(err)
	}
	return found, nil
}

func (s *Store) ScanTransactions(ctx context.Context, accountID string, txType models.TransactionType, limit int) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1 AND ($2 = '' OR type = $2)
		ORDER BY seq
		LIMIT $3`
	txs, err := s.queryTransactions(ctx, query, accountID, string(txType), limitArg(limit))
	return txs, classify(err)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]models.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

// limitArg turns a non-positive limit into SQL NULL, which Postgres reads as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func execOne(ctx context.Context, q querier, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// classify maps driver errors onto the repository sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if field, ok := constraintFields[pgErr.ConstraintName]; ok {
			return &repository.DuplicateError{Field: field}
		}
		return fmt.Errorf("%w: %s", repository.ErrAlreadyExists, pgErr.ConstraintName)
	}
	if pgconn.Timeout(err) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", repository.ErrStoreUnavailable, err)
	}
	return err
}
