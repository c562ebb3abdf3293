package aggregate

import (
	"time"

	"github.com/tachyon-beep/elspeth/landscape"
)

// TriggerEvaluator decides when a node's buffer should flush. Exactly one
// is configured per aggregation node (spec.md §4.4).
type TriggerEvaluator interface {
	Type() landscape.TriggerType
	ShouldFlush(buffered []landscape.Token, oldestBufferedAt time.Time, now time.Time) bool
}

// CountTrigger flushes once the buffer reaches N tokens.
type CountTrigger struct{ N int }

func (t CountTrigger) Type() landscape.TriggerType { return landscape.TriggerCount }
func (t CountTrigger) ShouldFlush(buffered []landscape.Token, _, _ time.Time) bool {
	return len(buffered) >= t.N
}

// TimeoutTrigger flushes once the oldest buffered token has aged past D.
type TimeoutTrigger struct{ D time.Duration }

func (t TimeoutTrigger) Type() landscape.TriggerType { return landscape.TriggerTimeout }
func (t TimeoutTrigger) ShouldFlush(buffered []landscape.Token, oldestBufferedAt, now time.Time) bool {
	if len(buffered) == 0 {
		return false
	}
	return now.Sub(oldestBufferedAt) >= t.D
}

// EndOfSourceTrigger flushes only when the orchestrator explicitly
// signals the source is exhausted; ShouldFlush itself never fires.
type EndOfSourceTrigger struct{}

func (t EndOfSourceTrigger) Type() landscape.TriggerType { return landscape.TriggerEndOfSource }
func (t EndOfSourceTrigger) ShouldFlush([]landscape.Token, time.Time, time.Time) bool {
	return false
}

// CustomTrigger defers to an arbitrary predicate supplied by configuration.
type CustomTrigger struct {
	Eval func(buffered []landscape.Token) bool
}

func (t CustomTrigger) Type() landscape.TriggerType { return landscape.TriggerCustom }
func (t CustomTrigger) ShouldFlush(buffered []landscape.Token, _, _ time.Time) bool {
	return t.Eval(buffered)
}
