package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const minSweepInterval = time.Minute

// Projection is the Sink that keeps one row per workflow instance with its
// current status.
type Projection struct {
	table        Table
	correlations *Correlations
	log          *slog.Logger

	sweepEvery time.Duration
	lastSweep  time.Time
}

var _ Sink = (*Projection)(nil)

func NewProjection(table Table, correlations *Correlations) *Projection {
	sweepEvery := correlations.ttl / 4
	if sweepEvery < minSweepInterval {
		sweepEvery = minSweepInterval
	}
	return &Projection{
		table:        table,
		correlations: correlations,
		log:          slog.With("component", "projection"),
		sweepEvery:   sweepEvery,
		lastSweep:    correlations.now(),
	}
}

func (p *Projection) Store(ctx context.Context, r Record) error {
	defer p.maybeSweep()

	switch r.ValueType {
	case ValueWorkflowInstance:
		if r.Workflow == nil {
			return fmt.Errorf("%w: workflow record without value", ErrMalformedRecord)
		}
		return p.storeWorkflow(ctx, r)
	case ValueJob:
		if r.Job == nil {
			return fmt.Errorf("%w: job record without value", ErrMalformedRecord)
		}
		return p.storeJob(ctx, r)
	}
	return nil
}

func (p *Projection) storeWorkflow(ctx context.Context, r Record) error {
	v := r.Workflow
	details, known := p.correlations.Get(v.InstanceKey)
	vin := dummyVin
	if known && details.Vin != "" {
		vin = details.Vin
	}

	switch v.ElementType {
	case ElementProcess:
		switch r.Intent {
		case IntentElementActivated:
			p.correlations.Put(v.InstanceKey, &Details{StartTS: r.Timestamp})
			p.log.Debug("workflow instance started", "instance", v.InstanceKey)
		case IntentElementCompleted:
			status := StatusCompleted
			if known && details.IsError() {
				status = StatusCompletedWError
			}
			if err := p.updateRow(ctx, r, status, vin); err != nil {
				return err
			}
			p.correlations.Evict(v.InstanceKey)
		case IntentElementTerminated:
			if err := p.updateRow(ctx, r, StatusTerminated, vin); err != nil {
				return err
			}
			p.correlations.Evict(v.InstanceKey)
		}
	case ElementReceiveTask:
		switch r.Intent {
		case IntentElementActivated:
			return p.updateRow(ctx, r, StatusWaiting, vin)
		case IntentElementCompleted:
			return p.updateRow(ctx, r, StatusRunning, vin)
		}
	}
	return nil
}

func (p *Projection) updateRow(ctx context.Context, r Record, status Status, vin string) error {
	v := r.Workflow
	p.log.Info("workflow instance status",
		"intent", r.Intent, "instance", v.InstanceKey, "status", status)

	row := Row{
		WorkflowInstanceID: v.InstanceKey,
		BpmnProcessID:      v.BpmnProcessID,
		Status:             status,
		LastUpdateTS:       r.Timestamp,
		Vin:                vin,
	}
	if status == StatusCompleted || status == StatusCompletedWError {
		row.EndTS = r.Timestamp
	}
	if err := p.table.Update(ctx, row); err != nil {
		return fmt.Errorf("update instance %d: %w", v.InstanceKey, err)
	}
	return nil
}

func (p *Projection) storeJob(ctx context.Context, r Record) error {
	v := r.Job
	details, known := p.correlations.Get(v.InstanceKey)

	startTS := r.Timestamp
	created := false
	if known {
		created = details.Vin != ""
		if details.StartTS != 0 {
			startTS = details.StartTS
		}
	}

	vin, hasVin := v.Variables["vin"].(string)
	if !created && r.Intent == IntentJobActivated && hasVin && vin != "" {
		row := Row{
			WorkflowInstanceID: v.InstanceKey,
			BpmnProcessID:      v.BpmnProcessID,
			BizVersion:         v.DefinitionVersion,
			TechVersion:        v.WorkflowKey,
			TriggerType:        TriggerAutomatic,
			Status:             StatusRunning,
			StartTS:            startTS,
			LastUpdateTS:       r.Timestamp,
			Vin:                vin,
		}
		if entity, ok := v.Variables["serviceNames"].(string); ok {
			row.WorkflowEntity = entity
		}
		if err := p.insert(ctx, row); err != nil {
			return err
		}
		p.correlations.GetOrCreate(v.InstanceKey).Vin = vin
	}

	if strings.Contains(v.ElementID, "Error") {
		d := p.correlations.GetOrCreate(v.InstanceKey)
		d.ErrorPath = v.ElementID
	}
	if v.ErrorCode != "" {
		d := p.correlations.GetOrCreate(v.InstanceKey)
		d.ErrorCode = v.ErrorCode
		d.ErrorMessage = v.ErrorMessage
	}
	return nil
}

// insert creates the row; a row left by an earlier delivery is updated instead.
func (p *Projection) insert(ctx context.Context, row Row) error {
	err := p.table.Insert(ctx, row)
	if errors.Is(err, ErrRowExists) {
		err = p.table.Update(ctx, row)
	}
	if err != nil {
		return fmt.Errorf("insert instance %d: %w", row.WorkflowInstanceID, err)
	}
	p.log.Info("workflow instance created", "instance", row.WorkflowInstanceID, "vin", row.Vin)
	return nil
}

func (p *Projection) maybeSweep() {
	now := p.correlations.now()
	over := p.correlations.max > 0 && p.correlations.Len() > p.correlations.max
	if !over && now.Sub(p.lastSweep) < p.sweepEvery {
		return
	}
	p.lastSweep = now
	if removed := p.correlations.Sweep(); removed > 0 {
		p.log.Debug("correlations swept", "removed", removed, "left", p.correlations.Len())
	}
}

// Close releases the table. Failures are logged, never returned.
func (p *Projection) Close() error {
	if err := p.table.Close(); err != nil {
		p.log.Warn("failed to close table", "error", err)
	}
	return nil
}
