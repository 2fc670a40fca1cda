// Package enrich turns raw inbound platform events into display envelopes by
// merging them with the tenant's alert definitions.
//
// Rules, in order:
//   - catalog lookup fails             -> passthrough {method: eventType, data: payload}
//   - no definition matches the type   -> passthrough
//   - matches exist but none enabled   -> suppressed (no envelope)
//   - otherwise the first enabled match is merged into a customAlert envelope
//
// "Configured but disabled" silences the event type; "never configured" does
// not. Both rules live in Select and nowhere else.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"alertbot/internal/alert"
	"alertbot/internal/event"
	"alertbot/internal/value"
	logx "alertbot/pkg/logx"
)

type Outcome int

const (
	OutcomePassthrough Outcome = iota
	OutcomeAlert
	OutcomeSuppressed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAlert:
		return "alert"
	case OutcomeSuppressed:
		return "suppressed"
	default:
		return "passthrough"
	}
}

// Static alert fields. They always win over same-named event fields.
const (
	FieldID         = "id"
	FieldType       = "type"
	FieldName       = "name"
	FieldVisualCue  = "visualCue"
	FieldSound      = "sound"
	FieldTextPrompt = "textPrompt"
	FieldDuration   = "duration"
	FieldColors     = "colors"
	FieldEffects    = "effects"
)

// Observer receives per-event outcomes (metrics).
type Observer interface {
	ObserveEnrichment(outcome string, catalogErr bool)
}

type Engine struct {
	catalog alert.Catalog
	log     logx.Logger
	obs     Observer
}

func New(catalog alert.Catalog, log logx.Logger, obs Observer) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{catalog: catalog, log: log, obs: obs}
}

// Enrich builds the envelope for ev. The returned envelope is meaningless when
// the outcome is OutcomeSuppressed. ev.Payload is never mutated.
func (e *Engine) Enrich(ctx context.Context, ev event.Inbound) (event.Envelope, Outcome) {
	defs, err := e.lookup(ctx, ev.TenantID)
	if err != nil {
		e.log.Warn("alert catalog lookup failed; passing event through",
			logx.Tenant(ev.TenantID), logx.String("event_type", ev.EventType), logx.Err(err))
		e.observe(OutcomePassthrough, true)
		return passthrough(ev), OutcomePassthrough
	}

	def, outcome := Select(defs, ev.EventType)
	switch outcome {
	case OutcomeSuppressed:
		e.log.Debug("alert disabled; event suppressed", logx.Tenant(ev.TenantID), logx.String("event_type", ev.EventType))
		e.observe(outcome, false)
		return event.Envelope{}, outcome
	case OutcomePassthrough:
		e.observe(outcome, false)
		return passthrough(ev), outcome
	}

	merged := e.merge(def, ev)
	e.observe(OutcomeAlert, false)
	return event.Envelope{
		Method: event.MethodCustomAlert,
		Data: value.Map{
			"alertType": value.String(ev.EventType),
			"data":      value.MapOf(merged),
		},
	}, OutcomeAlert
}

func (e *Engine) lookup(ctx context.Context, tenantID string) (defs []alert.Definition, err error) {
	if e.catalog == nil {
		return nil, alert.ErrCatalogUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", alert.ErrCatalogUnavailable, r)
		}
	}()
	defs, err = e.catalog.AlertsForTenant(ctx, tenantID)
	if err != nil && !errors.Is(err, alert.ErrCatalogUnavailable) {
		err = fmt.Errorf("%w: %w", alert.ErrCatalogUnavailable, err)
	}
	return defs, err
}

// Select applies the match/suppress rules to defs.
func Select(defs []alert.Definition, eventType string) (alert.Definition, Outcome) {
	matched := false
	for _, d := range defs {
		if !d.Matches(eventType) {
			continue
		}
		matched = true
		if d.Enabled {
			return d, OutcomeAlert
		}
	}
	if matched {
		return alert.Definition{}, OutcomeSuppressed
	}
	return alert.Definition{}, OutcomePassthrough
}

func (e *Engine) merge(def alert.Definition, ev event.Inbound) value.Map {
	merged := value.Map{
		FieldID:         value.String(def.ID),
		FieldType:       value.String(def.Type),
		FieldName:       value.String(def.Name),
		FieldVisualCue:  value.String(def.VisualCue),
		FieldSound:      value.String(def.Sound),
		FieldTextPrompt: value.String(def.TextTemplate),
		FieldDuration:   value.Int(def.Duration),
		FieldColors: value.MapOf(value.Map{
			"background": value.String(def.Colors.Background),
			"text":       value.String(def.Colors.Text),
			"border":     value.String(def.Colors.Border),
		}),
	}
	if raw := strings.TrimSpace(def.EffectsJSON); raw != "" {
		fx, err := value.ParseJSON(raw)
		if err != nil {
			e.log.Warn("alert effects malformed; omitting",
				logx.Tenant(ev.TenantID), logx.String("alert_id", def.ID), logx.Err(err))
		} else {
			merged[FieldEffects] = fx
		}
	}

	for k, v := range ev.Payload.Clone() {
		if _, taken := merged[k]; taken {
			continue
		}
		merged[k] = v
	}

	if prompt, ok := merged[FieldTextPrompt].Str(); ok && prompt != "" {
		merged[FieldTextPrompt] = value.String(ApplyTemplate(prompt, merged))
	}
	return merged
}

func passthrough(ev event.Inbound) event.Envelope {
	data := ev.Payload.Clone()
	if data == nil {
		data = value.Map{}
	}
	return event.Envelope{Method: ev.EventType, Data: data}
}

func (e *Engine) observe(o Outcome, catalogErr bool) {
	if e.obs != nil {
		e.obs.ObserveEnrichment(o.String(), catalogErr)
	}
}
