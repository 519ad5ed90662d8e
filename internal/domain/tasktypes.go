package domain

import (
	"fmt"
	"sort"
	"time"
)

// TaskType selects the handler and the scheduling defaults of a task.
type TaskType string

const (
	TypePriceUpdate         TaskType = "price_update"
	TypeQuote               TaskType = "quote"
	TypeSentiment           TaskType = "sentiment"
	TypeWalletAnalysis      TaskType = "wallet_analysis"
	TypeTokenMetrics        TaskType = "token_metrics"
	TypeArbitrageScan       TaskType = "arbitrage_scan"
	TypeRiskAssessment      TaskType = "risk_assessment"
	TypeStreamEvent         TaskType = "stream_event"
	TypeMetadataFetch       TaskType = "metadata_fetch"
	TypeBalanceFetch        TaskType = "balance_fetch"
	TypeDataSynthesis       TaskType = "data_synthesis"
	TypeMEVDetection        TaskType = "mev_detection"
	TypeOrchestratorCommand TaskType = "orchestrator_command"
	TypeFlashLoanExecution  TaskType = "flash_loan_execution"
	TypeManualTarget        TaskType = "manual_target"
	TypeEnsembleExecution   TaskType = "ensemble_execution"
)

// TypeDefaults are applied at submission when the caller leaves a field unset.
type TypeDefaults struct {
	Priority   Priority
	Timeout    time.Duration
	MaxRetries int
}

var typeDefaults = map[TaskType]TypeDefaults{
	TypeFlashLoanExecution:  {PriorityCritical, 10 * time.Second, 0},
	TypeMEVDetection:        {PriorityCritical, 2 * time.Second, 2},
	TypeOrchestratorCommand: {PriorityCritical, 5 * time.Second, 0},
	TypePriceUpdate:         {PriorityHigh, 2 * time.Second, 2},
	TypeQuote:               {PriorityHigh, 3 * time.Second, 2},
	TypeArbitrageScan:       {PriorityHigh, 5 * time.Second, 2},
	TypeRiskAssessment:      {PriorityHigh, 5 * time.Second, 2},
	TypeManualTarget:        {PriorityHigh, 30 * time.Second, 2},
	TypeStreamEvent:         {PriorityMedium, 2 * time.Second, 2},
	TypeTokenMetrics:        {PriorityMedium, 10 * time.Second, 2},
	TypeWalletAnalysis:      {PriorityMedium, 15 * time.Second, 2},
	TypeEnsembleExecution:   {PriorityMedium, 30 * time.Second, 2},
	TypeBalanceFetch:        {PriorityLow, 10 * time.Second, 2},
	TypeMetadataFetch:       {PriorityLow, 10 * time.Second, 2},
	TypeSentiment:           {PriorityLow, 20 * time.Second, 2},
	TypeDataSynthesis:       {PriorityBackground, time.Minute, 2},
}

func (t TaskType) Known() bool {
	_, ok := typeDefaults[t]
	return ok
}

// Defaults returns the static scheduling defaults for t.
func (t TaskType) Defaults() (TypeDefaults, bool) {
	d, ok := typeDefaults[t]
	return d, ok
}

// ParseTaskType validates s against the fixed task type enumeration.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if !t.Known() {
		return "", fmt.Errorf("unknown task type %q", s)
	}
	return t, nil
}

// AllTaskTypes lists every known task type in name order.
func AllTaskTypes() []TaskType {
	out := make([]TaskType, 0, len(typeDefaults))
	for t := range typeDefaults {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ApplyDefaults fills zero-valued scheduling fields of t from the type table.
func ApplyDefaults(t *Task) {
	d, ok := typeDefaults[t.Type]
	if !ok {
		return
	}
	if t.Priority == 0 {
		t.Priority = d.Priority
	}
	if t.Timeout <= 0 {
		t.Timeout = d.Timeout
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}
}

// NewTask builds a task of type typ with every default from the type table,
// including MaxRetries.
func NewTask(typ TaskType, payload Payload) Task {
	t := Task{Type: typ, Payload: payload}
	if d, ok := typeDefaults[typ]; ok {
		t.MaxRetries = d.MaxRetries
	}
	ApplyDefaults(&t)
	return t
}
