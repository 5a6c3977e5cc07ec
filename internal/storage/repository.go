package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger/internal/core"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored instants sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteRepository struct {
	db *sql.DB
}

var _ Store = (*SQLiteRepository)(nil)

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func dsn(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", kind, id, core.ErrNotFound)
	}
	return fmt.Errorf("get %s %q: %w", kind, id, err)
}

func (r *SQLiteRepository) SaveAccount(ctx context.Context, a core.Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, base_currency, timezone) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET base_currency = excluded.base_currency, timezone = excluded.timezone`,
		a.ID, a.BaseCurrency, a.Timezone)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetAccount(ctx context.Context, id string) (core.Account, error) {
	var a core.Account
	err := r.db.QueryRowContext(ctx,
		`SELECT id, base_currency, timezone FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.BaseCurrency, &a.Timezone)
	if err != nil {
		return core.Account{}, notFound(err, "account", id)
	}
	return a, nil
}

func (r *SQLiteRepository) ListAccounts(ctx context.Context) ([]core.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, base_currency, timezone FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []core.Account
	for rows.Next() {
		var a core.Account
		if err := rows.Scan(&a.ID, &a.BaseCurrency, &a.Timezone); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) CreateTransaction(ctx context.Context, t core.Transaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, category, amount, currency, occurred_at, rule_id, receipt_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AccountID, t.Category, t.Amount.Amount.String(), t.Amount.Currency,
		formatTime(t.Date), nullString(t.RuleID), t.ReceiptRef)
	if err != nil {
		return fmt.Errorf("create transaction %q: %w", t.ID, err)
	}

	slog.DebugContext(ctx, "Transaction saved to SQLite",
		"id", t.ID,
		"account_id", t.AccountID,
		"category", t.Category,
		"amount", t.Amount.String())
	return nil
}

const transactionColumns = `id, account_id, category, amount, currency, occurred_at, rule_id, receipt_ref`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s rowScanner) (core.Transaction, error) {
	var (
		t               core.Transaction
		amount, cur, at string
		ruleID          sql.NullString
	)
	if err := s.Scan(&t.ID, &t.AccountID, &t.Category, &amount, &cur, &at, &ruleID, &t.ReceiptRef); err != nil {
		return core.Transaction{}, err
	}
	m, err := core.ParseMoney(amount, cur)
	if err != nil {
		return core.Transaction{}, err
	}
	if t.Date, err = parseTime(at); err != nil {
		return core.Transaction{}, err
	}
	t.Amount = m
	t.RuleID = ruleID.String
	return t, nil
}

func (r *SQLiteRepository) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err != nil {
		return core.Transaction{}, notFound(err, "transaction", id)
	}
	return t, nil
}

func (r *SQLiteRepository) DeleteTransaction(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete transaction %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %q: %w", id, core.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) ListTransactions(ctx context.Context, accountID, category string, from, to time.Time) ([]core.Transaction, error) {
	return r.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE account_id = ? AND (? = '' OR category = ?) AND rule_id IS NULL
		  AND occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at, id`,
		accountID, category, category, formatTime(from), formatTime(to))
}

func (r *SQLiteRepository) ListTemplates(ctx context.Context, accountID, category string) ([]core.Transaction, error) {
	return r.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE account_id = ? AND (? = '' OR category = ?) AND rule_id IS NOT NULL
		ORDER BY occurred_at, id`,
		accountID, category, category)
}

func (r *SQLiteRepository) EarliestTransaction(ctx context.Context, accountID, category string) (time.Time, error) {
	var at sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT MIN(COALESCE(rr.start_at, t.occurred_at))
		FROM transactions t LEFT JOIN recurrence_rules rr ON rr.id = t.rule_id
		WHERE t.account_id = ? AND t.category = ?`,
		accountID, category).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("earliest transaction: %w", err)
	}
	if !at.Valid {
		return time.Time{}, fmt.Errorf("transactions for category %q: %w", category, core.ErrNotFound)
	}
	return parseTime(at.String)
}

func (r *SQLiteRepository) CreateRule(ctx context.Context, rule core.RecurrenceRule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recurrence_rules (id, frequency, interval_n, start_at, end_at, count_n)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rule.ID, string(rule.Frequency), rule.Interval, formatTime(rule.Start), nullTime(rule.EndDate), rule.Count)
	if err != nil {
		return fmt.Errorf("create rule %q: %w", rule.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) GetRule(ctx context.Context, id string) (core.RecurrenceRule, error) {
	var (
		rule     core.RecurrenceRule
		freq, at string
		end      sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, frequency, interval_n, start_at, end_at, count_n FROM recurrence_rules WHERE id = ?`, id).
		Scan(&rule.ID, &freq, &rule.Interval, &at, &end, &rule.Count)
	if err != nil {
		return core.RecurrenceRule{}, notFound(err, "rule", id)
	}
	rule.Frequency = core.Frequency(freq)
	if rule.Start, err = parseTime(at); err != nil {
		return core.RecurrenceRule{}, err
	}
	if end.Valid {
		if rule.EndDate, err = parseTime(end.String); err != nil {
			return core.RecurrenceRule{}, err
		}
	}
	return rule, nil
}

func joinThresholds(ts []decimal.Decimal) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

func splitThresholds(s string) ([]decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]decimal.Decimal, len(parts))
	for i, p := range parts {
		d, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("parse threshold %q: %w", p, err)
		}
		out[i] = d
	}
	return out, nil
}

func (r *SQLiteRepository) SaveBudget(ctx context.Context, b core.Budget) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO budgets (id, account_id, category, period_kind, period_days, limit_amount, limit_currency, thresholds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			account_id = excluded.account_id,
			category = excluded.category,
			period_kind = excluded.period_kind,
			period_days = excluded.period_days,
			limit_amount = excluded.limit_amount,
			limit_currency = excluded.limit_currency,
			thresholds = excluded.thresholds`,
		b.ID, b.AccountID, b.Category, string(b.Period.Kind), b.Period.Days,
		b.Limit.Amount.String(), b.Limit.Currency, joinThresholds(b.Thresholds))
	if err != nil {
		return fmt.Errorf("save budget %q: %w", b.ID, err)
	}
	return nil
}

const budgetColumns = `id, account_id, category, period_kind, period_days, limit_amount, limit_currency, thresholds`

func scanBudget(s rowScanner) (core.Budget, error) {
	var (
		b                     core.Budget
		kind, amount, cur, th string
	)
	if err := s.Scan(&b.ID, &b.AccountID, &b.Category, &kind, &b.Period.Days, &amount, &cur, &th); err != nil {
		return core.Budget{}, err
	}
	b.Period.Kind = core.PeriodKind(kind)
	limit, err := core.ParseMoney(amount, cur)
	if err != nil {
		return core.Budget{}, err
	}
	b.Limit = limit
	if b.Thresholds, err = splitThresholds(th); err != nil {
		return core.Budget{}, err
	}
	return b, nil
}

func (r *SQLiteRepository) GetBudget(ctx context.Context, id string) (core.Budget, error) {
	b, err := scanBudget(r.db.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budgets WHERE id = ?`, id))
	if err != nil {
		return core.Budget{}, notFound(err, "budget", id)
	}
	return b, nil
}

func (r *SQLiteRepository) ListBudgets(ctx context.Context, accountID string) ([]core.Budget, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+budgetColumns+` FROM budgets WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()

	var out []core.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// RecordRate appends a snapshot. Re-recording an identical snapshot is a
// no-op; a different rate at an already recorded instant is rejected.
func (r *SQLiteRepository) RecordRate(ctx context.Context, s core.ExchangeRateSnapshot) (bool, error) {
	s.From, s.To = core.NormalizeCurrency(s.From), core.NormalizeCurrency(s.To)
	if err := s.Validate(); err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO rate_snapshots (from_currency, to_currency, effective_at, rate) VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		s.From, s.To, formatTime(s.Effective), s.Rate.String())
	if err != nil {
		return false, fmt.Errorf("record rate %s/%s: %w", s.From, s.To, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	var existing string
	err = r.db.QueryRowContext(ctx, `
		SELECT rate FROM rate_snapshots WHERE from_currency = ? AND to_currency = ? AND effective_at = ?`,
		s.From, s.To, formatTime(s.Effective)).Scan(&existing)
	if err != nil {
		return false, fmt.Errorf("read existing rate %s/%s: %w", s.From, s.To, err)
	}
	if d, err := decimal.NewFromString(existing); err == nil && d.Equal(s.Rate) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s/%s at %s already recorded as %s",
		core.ErrInvalidAmount, s.From, s.To, s.Effective.Format(time.RFC3339), existing)
}

func (r *SQLiteRepository) GetRate(ctx context.Context, from, to string, asOf time.Time) (core.ExchangeRateSnapshot, error) {
	from, to = core.NormalizeCurrency(from), core.NormalizeCurrency(to)
	var rate, at string
	err := r.db.QueryRowContext(ctx, `
		SELECT rate, effective_at FROM rate_snapshots
		WHERE from_currency = ? AND to_currency = ? AND effective_at <= ?
		ORDER BY effective_at DESC LIMIT 1`,
		from, to, formatTime(asOf)).Scan(&rate, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ExchangeRateSnapshot{}, fmt.Errorf("%w: %s/%s as of %s", core.ErrRateUnavailable, from, to, asOf.Format(time.RFC3339))
	}
	if err != nil {
		return core.ExchangeRateSnapshot{}, fmt.Errorf("get rate %s/%s: %w", from, to, err)
	}
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return core.ExchangeRateSnapshot{}, fmt.Errorf("parse stored rate %q: %w", rate, err)
	}
	effective, err := parseTime(at)
	if err != nil {
		return core.ExchangeRateSnapshot{}, err
	}
	return core.ExchangeRateSnapshot{From: from, To: to, Rate: d, Effective: effective}, nil
}

func (r *SQLiteRepository) HasPair(ctx context.Context, from, to string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_snapshots WHERE from_currency = ? AND to_currency = ?`,
		core.NormalizeCurrency(from), core.NormalizeCurrency(to)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pair %s/%s: %w", from, to, err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) AppendAlert(ctx context.Context, ev core.AlertEvent) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_events (id, budget_id, account_id, category, period_key, threshold, spent_amount, limit_amount, currency, fired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (budget_id, period_key, threshold) DO NOTHING`,
		ev.ID, ev.BudgetID, ev.AccountID, ev.Category, ev.PeriodKey, ev.Threshold.String(),
		ev.Spent.Amount.String(), ev.Limit.Amount.String(), ev.Limit.Currency, formatTime(ev.FiredAt))
	if err != nil {
		return false, fmt.Errorf("append alert: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLiteRepository) FiredThresholds(ctx context.Context, budgetID, periodKey string) ([]decimal.Decimal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT threshold FROM alert_events WHERE budget_id = ? AND period_key = ? ORDER BY fired_at`,
		budgetID, periodKey)
	if err != nil {
		return nil, fmt.Errorf("fired thresholds: %w", err)
	}
	defer rows.Close()

	var out []decimal.Decimal
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan threshold: %w", err)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("parse threshold %q: %w", s, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) ListAlerts(ctx context.Context, budgetID string, from, to time.Time) ([]core.AlertEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, budget_id, account_id, category, period_key, threshold, spent_amount, limit_amount, currency, fired_at
		FROM alert_events WHERE budget_id = ? AND fired_at >= ? AND fired_at < ?
		ORDER BY fired_at, rowid`,
		budgetID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []core.AlertEvent
	for rows.Next() {
		var (
			ev                           core.AlertEvent
			th, spent, limit, cur, fired string
		)
		if err := rows.Scan(&ev.ID, &ev.BudgetID, &ev.AccountID, &ev.Category, &ev.PeriodKey,
			&th, &spent, &limit, &cur, &fired); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if ev.Threshold, err = decimal.NewFromString(th); err != nil {
			return nil, fmt.Errorf("parse threshold %q: %w", th, err)
		}
		if ev.Spent, err = core.ParseMoney(spent, cur); err != nil {
			return nil, err
		}
		if ev.Limit, err = core.ParseMoney(limit, cur); err != nil {
			return nil, err
		}
		if ev.FiredAt, err = parseTime(fired); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) LoadAggregate(ctx context.Context, budgetID, periodKey string) (core.Aggregate, error) {
	agg := core.Aggregate{BudgetID: budgetID}
	var start, end, total, cur, contrib, updated string
	err := r.db.QueryRowContext(ctx, `
		SELECT period_key, period_start, period_end, total, currency, contributions, version, updated_at
		FROM budget_aggregates WHERE budget_id = ? AND period_key = ?`, budgetID, periodKey).
		Scan(&agg.Period.Key, &start, &end, &total, &cur, &contrib, &agg.Version, &updated)
	if err != nil {
		return core.Aggregate{}, notFound(err, "aggregate", budgetID+"/"+periodKey)
	}
	if agg.Period.Start, err = parseTime(start); err != nil {
		return core.Aggregate{}, err
	}
	if agg.Period.End, err = parseTime(end); err != nil {
		return core.Aggregate{}, err
	}
	if agg.UpdatedAt, err = parseTime(updated); err != nil {
		return core.Aggregate{}, err
	}
	if agg.Total, err = core.ParseMoney(total, cur); err != nil {
		return core.Aggregate{}, err
	}

	var raw map[string]string
	if err := json.Unmarshal([]byte(contrib), &raw); err != nil {
		return core.Aggregate{}, fmt.Errorf("decode contributions: %w", err)
	}
	agg.Contributions = make(map[string]core.Money, len(raw))
	for id, amount := range raw {
		m, err := core.ParseMoney(amount, cur)
		if err != nil {
			return core.Aggregate{}, err
		}
		agg.Contributions[id] = m
	}
	return agg, nil
}

func (r *SQLiteRepository) SaveAggregate(ctx context.Context, agg core.Aggregate, expectedVersion int64) error {
	raw := make(map[string]string, len(agg.Contributions))
	for id, m := range agg.Contributions {
		raw[id] = m.Amount.String()
	}
	contrib, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode contributions: %w", err)
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = r.db.ExecContext(ctx, `
			INSERT INTO budget_aggregates (budget_id, period_key, period_start, period_end, total, currency, contributions, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT (budget_id, period_key) DO NOTHING`,
			agg.BudgetID, agg.Key(), formatTime(agg.Period.Start), formatTime(agg.Period.End),
			agg.Total.Amount.String(), agg.Total.Currency, string(contrib), formatTime(agg.UpdatedAt))
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE budget_aggregates
			SET total = ?, currency = ?, contributions = ?, version = ?, updated_at = ?
			WHERE budget_id = ? AND period_key = ? AND version = ?`,
			agg.Total.Amount.String(), agg.Total.Currency, string(contrib), expectedVersion+1,
			formatTime(agg.UpdatedAt), agg.BudgetID, agg.Key(), expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("save aggregate %s/%s: %w", agg.BudgetID, agg.Key(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: aggregate %s/%s at version %d",
			core.ErrConcurrentUpdateConflict, agg.BudgetID, agg.Key(), expectedVersion)
	}
	return nil
}

func (r *SQLiteRepository) LogActivity(ctx context.Context, e core.ActivityEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO activity_log (account_id, action, subject_id, at) VALUES (?, ?, ?, ?)`,
		e.AccountID, e.Action, e.SubjectID, formatTime(e.At))
	if err != nil {
		return fmt.Errorf("log activity: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListActivity(ctx context.Context, accountID string, limit int) ([]core.ActivityEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_id, action, subject_id, at FROM activity_log
		WHERE account_id = ? ORDER BY id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []core.ActivityEntry
	for rows.Next() {
		var (
			e  core.ActivityEntry
			at string
		)
		if err := rows.Scan(&e.AccountID, &e.Action, &e.SubjectID, &at); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
