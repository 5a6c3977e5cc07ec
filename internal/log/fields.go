package log

import "ledger/internal/core"

// Common field names for structured logging
const (
	FieldComponent = "component"
	FieldError     = "error"
	FieldOperation = "operation"
	FieldDuration  = "duration_ms"
	FieldAccountID = "account_id"
	FieldBudgetID  = "budget_id"
	FieldCategory  = "category"
	FieldPeriodKey = "period"
	FieldAmount    = "amount"
	FieldCurrency  = "currency"
	FieldMessageID = "message_id"
	FieldAttempt   = "attempt"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentLedger    = "ledger"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentScheduler = "scheduler"
	ComponentSheets    = "sheets"
	ComponentCache     = "cache"
	ComponentBackend   = "backend"
)

// Operations defines standard operation names
const (
	OpRecord   = "record"
	OpDelete   = "delete"
	OpEvaluate = "evaluate"
	OpImport   = "import"
	OpSeed     = "seed"
	OpConsume  = "consume"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithError adds the error text; nil is ignored.
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithBudget adds the budget identity and the period it is evaluated in.
func (f LogFields) WithBudget(b core.Budget, periodKey string) LogFields {
	f[FieldBudgetID] = b.ID
	f[FieldAccountID] = b.AccountID
	f[FieldCategory] = b.Category
	if periodKey != "" {
		f[FieldPeriodKey] = periodKey
	}
	return f
}

func (f LogFields) WithMoney(m core.Money) LogFields {
	f[FieldAmount] = m.Amount.String()
	f[FieldCurrency] = m.Currency
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
