// Package autosave debounces form emissions into step updates on the active
// assessment.
package autosave

import (
	"cmp"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/vbonduro/siteassess/internal/domain"
	"github.com/vbonduro/siteassess/internal/entity"
	"github.com/vbonduro/siteassess/internal/metrics"
)

const DefaultDelay = 300 * time.Millisecond

var ErrNoActiveAssessment = errors.New("no active assessment")

type unset struct{}

// Unset marks a form value the user has not filled in. It is dropped before
// the update so it never blanks a stored value.
var Unset any = unset{}

type key struct {
	assessmentID string
	section      domain.SectionID
	step         string
}

type pending struct {
	timer  *time.Timer
	values map[string]any
	token  uint64
	owner  *Binding
}

// Coordinator owns one restartable timer per (assessment, section, step).
type Coordinator struct {
	reg     *entity.Registry
	delay   time.Duration
	logger  *slog.Logger
	metrics *metrics.SyncMetrics

	mu          sync.Mutex
	pending     map[key]*pending
	bindings    map[*Binding]struct{}
	token       uint64
	closed      bool
	unsubscribe func()
}

func New(reg *entity.Registry, delay time.Duration, logger *slog.Logger, m *metrics.SyncMetrics) *Coordinator {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		reg:      reg,
		delay:    delay,
		logger:   logger,
		metrics:  m,
		pending:  make(map[key]*pending),
		bindings: make(map[*Binding]struct{}),
	}
	c.unsubscribe = reg.OnActiveChange(c.activeChanged)
	return c
}

// Binding connects one form to one step.
type Binding struct {
	c       *Coordinator
	section domain.SectionID
	step    string
	onLoad  func(domain.StepData)
}

// Bind registers a form for a step. onLoad receives the step's values now
// and again whenever the active assessment changes; it may be nil.
func (c *Coordinator) Bind(section domain.SectionID, step string, onLoad func(domain.StepData)) (*Binding, error) {
	if _, err := domain.LookupStep(section, step); err != nil {
		return nil, err
	}
	b := &Binding{c: c, section: section, step: step, onLoad: onLoad}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("autosave coordinator is closed")
	}
	c.bindings[b] = struct{}{}
	c.mu.Unlock()

	if active := c.reg.Active(); active != nil {
		b.load(active.StepValues(section, step))
	}
	return b, nil
}

func (b *Binding) load(values domain.StepData) {
	if b.onLoad != nil {
		b.onLoad(values)
	}
}

// Emit schedules values for the active assessment, replacing anything this
// step still had pending and restarting its timer.
func (b *Binding) Emit(values map[string]any) error {
	return b.c.schedule(b, values)
}

// Close cancels the pending save this binding emitted last. A save emitted
// by another form bound to the same step is left running.
func (b *Binding) Close() {
	c := b.c
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bindings, b)
	for k, p := range c.pending {
		if p.owner == b {
			p.timer.Stop()
			delete(c.pending, k)
		}
	}
}

func (c *Coordinator) schedule(b *Binding, values map[string]any) error {
	id := c.reg.ActiveAssessmentID()
	if id == "" {
		return ErrNoActiveAssessment
	}
	k := key{assessmentID: id, section: b.section, step: b.step}
	filtered := dropUnset(values)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("autosave coordinator is closed")
	}
	if p, ok := c.pending[k]; ok {
		p.timer.Stop()
	}
	c.token++
	token := c.token
	c.pending[k] = &pending{
		values: filtered,
		token:  token,
		owner:  b,
		timer:  time.AfterFunc(c.delay, func() { c.fire(k, token) }),
	}
	return nil
}

// fire applies a timer's values unless it was superseded or its assessment
// is no longer the active one.
func (c *Coordinator) fire(k key, token uint64) {
	c.mu.Lock()
	p, ok := c.pending[k]
	if !ok || p.token != token {
		c.mu.Unlock()
		return
	}
	delete(c.pending, k)
	c.mu.Unlock()

	c.apply(k, p.values)
}

func (c *Coordinator) apply(k key, values map[string]any) {
	if c.reg.ActiveAssessmentID() != k.assessmentID {
		c.metrics.IncAutosaveDiscarded()
		c.logger.Debug("discarding stale autosave", "assessment_id", k.assessmentID, "section", k.section, "step", k.step)
		return
	}
	if len(values) == 0 {
		return
	}
	store, err := c.reg.Get(k.assessmentID)
	if err != nil {
		c.metrics.IncAutosaveDiscarded()
		return
	}
	if err := store.Update(k.section, k.step, values); err != nil {
		c.logger.Error("autosave failed", "assessment_id", k.assessmentID, "section", k.section, "step", k.step, "error", err)
		return
	}
	c.metrics.IncAutosaveFlushes()
}

// Flush applies every pending save now.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	due := c.pending
	c.pending = make(map[key]*pending)
	c.mu.Unlock()

	keys := slices.SortedFunc(maps.Keys(due), func(a, b key) int {
		return cmp.Or(
			cmp.Compare(a.assessmentID, b.assessmentID),
			cmp.Compare(a.section, b.section),
			cmp.Compare(a.step, b.step),
		)
	})
	for _, k := range keys {
		due[k].timer.Stop()
		c.apply(k, due[k].values)
	}
}

// Pending reports how many saves are waiting on a timer.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// activeChanged cancels every pending save and reloads bound forms from the
// newly active assessment.
func (c *Coordinator) activeChanged(prev, next string) {
	c.mu.Lock()
	dropped := len(c.pending)
	for k, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, k)
	}
	bindings := slices.Collect(maps.Keys(c.bindings))
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Info("cancelled pending autosaves", "previous_assessment_id", prev, "count", dropped)
	}

	var store *entity.Store
	if next != "" {
		var err error
		if store, err = c.reg.Get(next); err != nil {
			c.logger.Error("failed to load active assessment", "assessment_id", next, "error", err)
		}
	}
	for _, b := range bindings {
		if store == nil {
			b.load(nil)
			continue
		}
		b.load(store.StepValues(b.section, b.step))
	}
}

// Close cancels all pending saves and detaches from the registry.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for k, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, k)
	}
	clear(c.bindings)
	c.mu.Unlock()
	c.unsubscribe()
}

func dropUnset(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if _, skip := v.(unset); skip {
			continue
		}
		if m, ok := v.(map[string]any); ok {
			sub := dropUnset(m)
			if len(sub) == 0 {
				continue
			}
			v = sub
		}
		out[k] = v
	}
	return out
}
