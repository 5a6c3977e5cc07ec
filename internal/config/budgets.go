package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ledger/internal/core"
)

// AccountSeed is one account declared in the budgets file.
type AccountSeed struct {
	ID           string `yaml:"id"`
	BaseCurrency string `yaml:"base_currency"`
	Timezone     string `yaml:"timezone"`
}

// BudgetSeed is one budget declared in the budgets file. Limit and
// thresholds are decimal strings; Days applies to rolling periods only.
type BudgetSeed struct {
	ID         string   `yaml:"id"`
	AccountID  string   `yaml:"account"`
	Category   string   `yaml:"category"`
	Period     string   `yaml:"period"`
	Days       int      `yaml:"days"`
	Limit      string   `yaml:"limit"`
	Currency   string   `yaml:"currency"`
	Thresholds []string `yaml:"thresholds"`
}

// BudgetsFile is the startup seed of accounts and budgets.
type BudgetsFile struct {
	Accounts []AccountSeed `yaml:"accounts"`
	Budgets  []BudgetSeed  `yaml:"budgets"`
}

// Seeder records seeded entities. Recording is idempotent upstream.
type Seeder interface {
	RecordAccount(ctx context.Context, a core.Account) (core.Account, error)
	RecordBudget(ctx context.Context, b core.Budget) (core.Budget, error)
}

// LoadBudgets reads and parses a budgets YAML file.
func LoadBudgets(path string) (*BudgetsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read budgets file: %w", err)
	}
	var f BudgetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse budgets file: %w", err)
	}
	return &f, nil
}

// periodKinds maps the file's period names to period kinds.
var periodKinds = map[string]core.PeriodKind{
	"month":   core.CalendarMonth,
	"monthly": core.CalendarMonth,
	"week":    core.CalendarWeek,
	"weekly":  core.CalendarWeek,
	"rolling": core.Rolling,
}

// Budget converts the seed into a domain budget. The limit currency
// defaults to the account's base currency when the seed omits it.
func (b BudgetSeed) Budget(baseCurrency string) (core.Budget, error) {
	kind, ok := periodKinds[strings.ToLower(strings.TrimSpace(b.Period))]
	if !ok {
		return core.Budget{}, fmt.Errorf("budget %s: %w: unknown period %q", b.ID, core.ErrInvalidPeriod, b.Period)
	}
	currency := b.Currency
	if currency == "" {
		currency = baseCurrency
	}
	limit, err := core.ParseMoney(b.Limit, currency)
	if err != nil {
		return core.Budget{}, fmt.Errorf("budget %s: %w", b.ID, err)
	}
	thresholds := make([]decimal.Decimal, 0, len(b.Thresholds))
	for _, s := range b.Thresholds {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return core.Budget{}, fmt.Errorf("budget %s: %w: threshold %q", b.ID, core.ErrInvalidBudget, s)
		}
		thresholds = append(thresholds, d)
	}
	return core.Budget{
		ID:         b.ID,
		AccountID:  b.AccountID,
		Category:   b.Category,
		Period:     core.PeriodDef{Kind: kind, Days: b.Days},
		Limit:      limit,
		Thresholds: thresholds,
	}, nil
}

// Seed records every account, then every budget. It stops at the first
// failure so a broken file never half-applies silently.
func (f *BudgetsFile) Seed(ctx context.Context, s Seeder) error {
	base := make(map[string]string, len(f.Accounts))
	for _, a := range f.Accounts {
		acc, err := s.RecordAccount(ctx, core.Account{ID: a.ID, BaseCurrency: a.BaseCurrency, Timezone: a.Timezone})
		if err != nil {
			return fmt.Errorf("seed account %s: %w", a.ID, err)
		}
		base[acc.ID] = acc.BaseCurrency
	}
	for _, bs := range f.Budgets {
		b, err := bs.Budget(base[bs.AccountID])
		if err != nil {
			return err
		}
		if _, err := s.RecordBudget(ctx, b); err != nil {
			return fmt.Errorf("seed budget %s: %w", bs.ID, err)
		}
	}
	return nil
}
