package rule

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"taglink/logging"
	"taglink/quality"
	"taglink/tag"
)

const (
	defaultName             = "UNKNOWN"
	defaultDescription      = "Client rule tag"
	defaultValueDescription = "Client rule tag result"

	// EvaluationErrorDescription is the UNKNOWN_REASON text set when a rule
	// cannot be evaluated for reasons other than invalid inputs.
	EvaluationErrorDescription = "Errors occurred while evaluating the Rule Expression."
)

// ErrConfig reports an unusable rule definition.
var ErrConfig = errors.New("invalid rule configuration")

// Status summarises the state of a rule tag.
type Status int

const (
	StatusWaiting Status = iota // not every input has reported yet
	StatusOK                    // last evaluation succeeded
	StatusError                 // last evaluation failed
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "Waiting"
	case StatusOK:
		return "OK"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Observer receives evaluation outcomes. Implementations must be safe for
// concurrent use.
type Observer interface {
	RuleEvaluated(id int64, err error, elapsed time.Duration)
}

// Config describes one rule tag.
type Config struct {
	// ID must be negative. Zero selects -1.
	ID               int64
	Name             string
	Description      string
	ValueDescription string
	Expression       string

	// ResultType fixes the Go type of the result. TypeUnknown keeps the
	// evaluator's type (float64, bool or string).
	ResultType tag.ValueType

	LogFunc  tag.LogFunc
	Observer Observer
}

// RuleTag is a tag whose value is computed from other tags. Register
// Listener() with every input; once all inputs have reported, each input
// update triggers one recomputation and one notification.
type RuleTag struct {
	id               int64
	name             string
	description      string
	valueDescription string
	expr             *Expression
	resultType       tag.ValueType

	inputMu sync.RWMutex
	inputs  map[int64]*tag.Tag

	mu        sync.RWMutex
	computed  bool
	value     interface{}
	qual      quality.Quality
	mode      tag.Mode
	simulated bool
	timestamp time.Time
	lastErr   error
	evalCount int64

	listeners     tag.ListenerSet
	inputListener *tag.Listener

	logFn    tag.LogFunc
	observer Observer
}

// New parses the expression and builds a rule tag.
func New(cfg Config) (*RuleTag, error) {
	id := cfg.ID
	if id == 0 {
		id = -1
	}
	if id > 0 {
		return nil, fmt.Errorf("%w: rule id %d must be negative", ErrConfig, id)
	}
	expr, err := Parse(cfg.Expression)
	if err != nil {
		return nil, err
	}
	if len(expr.InputIDs()) == 0 {
		return nil, fmt.Errorf("%w: rule %d references no input tags", ErrConfig, id)
	}

	logFn := cfg.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	r := &RuleTag{
		id:               id,
		name:             cfg.Name,
		description:      cfg.Description,
		valueDescription: cfg.ValueDescription,
		expr:             expr,
		resultType:       cfg.ResultType,
		inputs:           make(map[int64]*tag.Tag),
		qual:             quality.NewUninitialised(tag.DefaultDescription),
		mode:             tag.ModeOperational,
		logFn:            logFn,
		observer:         cfg.Observer,
	}
	r.inputListener = &tag.Listener{OnUpdate: r.OnUpdate}
	return r, nil
}

func (r *RuleTag) log(format string, args ...interface{}) {
	r.logFn("[Rule:%d] "+format, append([]interface{}{r.id}, args...)...)
}

// ID returns the (negative) rule tag id.
func (r *RuleTag) ID() int64 { return r.id }

// Name returns the configured name, or "UNKNOWN".
func (r *RuleTag) Name() string {
	if r.name == "" {
		return defaultName
	}
	return r.name
}

// Description returns "Client rule tag" or "Client rule tag: <description>".
func (r *RuleTag) Description() string {
	if r.description == "" {
		return defaultDescription
	}
	return defaultDescription + ": " + r.description
}

// ValueDescription returns the configured value description or the default.
func (r *RuleTag) ValueDescription() string {
	if r.valueDescription == "" {
		return defaultValueDescription
	}
	return r.valueDescription
}

// Expression returns the parsed expression.
func (r *RuleTag) Expression() *Expression { return r.expr }

// InputIDs returns the ids of the tags the rule reads.
func (r *RuleTag) InputIDs() []int64 { return r.expr.InputIDs() }

// Listener returns the listener to register with every input.
func (r *RuleTag) Listener() *tag.Listener { return r.inputListener }

// RuleError returns the last evaluation error, or nil.
func (r *RuleTag) RuleError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Status returns the evaluation status.
func (r *RuleTag) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case !r.computed:
		return StatusWaiting
	case r.lastErr != nil:
		return StatusError
	}
	return StatusOK
}

// Stats returns the number of recomputations and the time of the last one.
func (r *RuleTag) Stats() (count int64, last time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evalCount, r.timestamp
}

// MissingInputs returns the declared inputs that have not reported yet.
func (r *RuleTag) MissingInputs() []int64 {
	r.inputMu.RLock()
	defer r.inputMu.RUnlock()
	var missing []int64
	for _, id := range r.expr.InputIDs() {
		if _, ok := r.inputs[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// OnUpdate stores an input snapshot and recomputes. Snapshots of tags the
// rule does not read are ignored.
func (r *RuleTag) OnUpdate(input *tag.Tag) {
	if input == nil || !r.declares(input.ID) {
		return
	}
	r.inputMu.Lock()
	r.inputs[input.ID] = input
	r.inputMu.Unlock()

	r.ForceUpdate()
}

func (r *RuleTag) declares(id int64) bool {
	for _, in := range r.expr.inputs {
		if in == id {
			return true
		}
	}
	return false
}

// ForceUpdate recomputes from the cached inputs and notifies listeners. It
// reports false, without notifying, while inputs are missing.
func (r *RuleTag) ForceUpdate() bool {
	snap, ok := r.recompute()
	if !ok {
		return false
	}
	r.listeners.Notify(snap, nil, func(p interface{}) {
		r.log("listener failed: %v", p)
		logging.DebugLog("rule", "[Rule:%d] listener panic: %v", r.id, p)
	})
	return true
}

// recompute evaluates the rule and returns the new snapshot.
func (r *RuleTag) recompute() (*tag.Tag, bool) {
	ids := r.expr.inputs
	values := make(map[int64]Input, len(ids))
	var (
		simulated bool
		mode      = tag.ModeOperational
		invalid   quality.Quality
	)

	r.inputMu.RLock()
	if len(r.inputs) < len(ids) {
		r.inputMu.RUnlock()
		return nil, false
	}
	for _, id := range ids {
		in := r.inputs[id]
		simulated = simulated || in.Simulated
		mode = escalate(mode, in.Mode)
		if !in.IsValid() {
			for s, d := range in.Quality.States() {
				invalid.AddInvalidStatus(s, d)
			}
		}
		values[id] = InputOf(in)
	}
	r.inputMu.RUnlock()

	start := time.Now()
	value, err := r.evaluate(r.expr.Evaluate(values))
	var q quality.Quality
	if err != nil {
		if errors.Is(err, ErrInvalidInput) && !invalid.IsValid() {
			q = invalid
		} else {
			q.AddInvalidStatus(quality.UnknownReason, EvaluationErrorDescription)
		}
		value, _ = r.evaluate(r.expr.ForceEvaluate(values))
		logging.DebugLog("rule", "[Rule:%d] %q failed: %v (forced value %v)", r.id, r.expr, err, value)
	}
	if r.observer != nil {
		r.observer.RuleEvaluated(r.id, err, time.Since(start))
	}

	r.mu.Lock()
	if err != nil && (r.lastErr == nil || r.lastErr.Error() != err.Error()) {
		r.log("evaluation failed: %v", err)
	}
	r.computed = true
	r.value = value
	r.qual = q
	r.mode = mode
	r.simulated = simulated
	r.timestamp = time.Now()
	r.lastErr = err
	r.evalCount++
	snap := r.snapshotLocked()
	r.mu.Unlock()

	return snap, true
}

// evaluate coerces a successful result to the configured result type.
func (r *RuleTag) evaluate(res Result) (interface{}, error) {
	if !res.OK() {
		return nil, res.Err
	}
	v, err := r.resultType.Coerce(res.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	return v, nil
}

// escalate returns the dominant mode: MAINTENANCE over TEST over OPERATIONAL.
func escalate(current, next tag.Mode) tag.Mode {
	switch {
	case current == tag.ModeMaintenance || next == tag.ModeMaintenance:
		return tag.ModeMaintenance
	case current == tag.ModeTest || next == tag.ModeTest:
		return tag.ModeTest
	}
	return tag.ModeOperational
}

// Snapshot returns the current rule result as a tag.
func (r *RuleTag) Snapshot() *tag.Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *RuleTag) snapshotLocked() *tag.Tag {
	t := tag.New(r.id)
	t.Name = r.Name()
	t.Description = r.Description()
	t.ValueDescription = r.ValueDescription()
	t.RuleExpression = r.expr.String()
	t.Value = tag.CopyValue(r.value)
	t.ValueType = r.resultType
	if t.ValueType == tag.TypeUnknown {
		t.ValueType = tag.TypeOf(r.value)
	}
	t.Mode = r.mode
	t.Simulated = r.simulated
	t.Quality = r.qual.Clone()
	if r.computed {
		t.ServerTimestamp = r.timestamp
	}
	return t
}

// AddUpdateListener registers l. If the rule has been computed and initial
// does not already carry its state, l immediately receives one snapshot.
func (r *RuleTag) AddUpdateListener(l *tag.Listener, initial *tag.Tag) {
	if l == nil {
		return
	}
	r.listeners.Add(l)

	r.mu.RLock()
	var snap *tag.Tag
	if r.computed {
		if s := r.snapshotLocked(); initial == nil || !s.SameState(initial) {
			snap = s
		}
	}
	r.mu.RUnlock()

	if snap != nil {
		tag.Deliver(l, snap, nil, func(p interface{}) { r.log("listener failed: %v", p) })
	}
}

// RemoveUpdateListener unregisters l and reports whether it was registered.
func (r *RuleTag) RemoveUpdateListener(l *tag.Listener) bool { return r.listeners.Remove(l) }

// IsUpdateListenerRegistered reports whether l is registered.
func (r *RuleTag) IsUpdateListenerRegistered(l *tag.Listener) bool { return r.listeners.Contains(l) }

// HasUpdateListeners reports whether any listener is registered.
func (r *RuleTag) HasUpdateListeners() bool { return r.listeners.Len() > 0 }

// Unsubscribe removes every listener of this rule. Input subscriptions are
// owned by whoever registered Listener() with the inputs.
func (r *RuleTag) Unsubscribe() { r.listeners.Clear() }
