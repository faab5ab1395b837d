package exporter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"distlog/pkg/types"
)

type ValueType string

const (
	ValueWorkflowInstance ValueType = "WORKFLOW_INSTANCE"
	ValueJob              ValueType = "JOB"
)

type Intent string

const (
	IntentElementActivated  Intent = "ELEMENT_ACTIVATED"
	IntentElementCompleted  Intent = "ELEMENT_COMPLETED"
	IntentElementTerminated Intent = "ELEMENT_TERMINATED"
	IntentJobActivated      Intent = "ACTIVATED"
)

type ElementType string

const (
	ElementProcess     ElementType = "PROCESS"
	ElementReceiveTask ElementType = "RECEIVE_TASK"
	ElementServiceTask ElementType = "SERVICE_TASK"
)

// Record is one event carried in a block. Partition and Position are set
// from the block it was read from.
type Record struct {
	Partition types.PartitionID `json:"-"`
	Position  types.AppendIndex `json:"-"`
	// LastInBlock marks the record whose export completes its block.
	LastInBlock bool `json:"-"`

	Timestamp int64          `json:"timestamp"`
	ValueType ValueType      `json:"valueType"`
	Intent    Intent         `json:"intent"`
	Workflow  *WorkflowValue `json:"workflow,omitempty"`
	Job       *JobValue      `json:"job,omitempty"`
}

type WorkflowValue struct {
	InstanceKey   int64       `json:"workflowInstanceKey"`
	BpmnProcessID string      `json:"bpmnProcessId"`
	ElementType   ElementType `json:"bpmnElementType"`
}

type JobValue struct {
	InstanceKey       int64                  `json:"workflowInstanceKey"`
	BpmnProcessID     string                 `json:"bpmnProcessId"`
	WorkflowKey       int64                  `json:"workflowKey"`
	DefinitionVersion int32                  `json:"workflowDefinitionVersion"`
	ElementID         string                 `json:"elementId"`
	ErrorCode         string                 `json:"errorCode,omitempty"`
	ErrorMessage      string                 `json:"errorMessage,omitempty"`
	Variables         map[string]interface{} `json:"variables,omitempty"`
}

var ErrMalformedRecord = errors.New("malformed record")

// EncodeRecords builds a block body: the records as concatenated JSON values.
func EncodeRecords(records ...Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeBlock reads the records of a committed block.
func DecodeBlock(partition types.PartitionID, index types.AppendIndex, data []byte) ([]Record, error) {
	var out []Record
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var r Record
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			if len(out) > 0 {
				out[len(out)-1].LastInBlock = true
			}
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("%w: block %s/%d: %v", ErrMalformedRecord, partition, index, err)
		}
		r.Partition = partition
		r.Position = index
		out = append(out, r)
	}
}

// instanceKey returns the workflow instance the record belongs to.
func (r Record) instanceKey() int64 {
	switch {
	case r.Workflow != nil:
		return r.Workflow.InstanceKey
	case r.Job != nil:
		return r.Job.InstanceKey
	}
	return 0
}
