package domain

import (
	"encoding/json"
	"time"
)

// Instance is one dispatched execution request for a registered task.
type Instance struct {
	ID         string
	Task       string
	Args       json.RawMessage
	Queue      string
	State      State
	Attempt    int
	MaxRetries int
	ETA        *time.Time
	Result     json.RawMessage
	Error      *ErrorInfo
	Progress   *Progress
	Schedule   *string
	// RevokeRequested is set when a revoke arrives after the instance started.
	RevokeRequested bool
	// Worker and HeartbeatAt identify the worker running the current attempt.
	Worker      string
	HeartbeatAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// Clone returns a deep copy of inst.
func (inst *Instance) Clone() *Instance {
	if inst == nil {
		return nil
	}
	c := *inst
	c.Args = cloneRaw(inst.Args)
	c.Result = cloneRaw(inst.Result)
	if inst.Error != nil {
		e := *inst.Error
		c.Error = &e
	}
	if inst.Progress != nil {
		p := *inst.Progress
		c.Progress = &p
	}
	c.Schedule = clonePtr(inst.Schedule)
	c.ETA = clonePtr(inst.ETA)
	c.HeartbeatAt = clonePtr(inst.HeartbeatAt)
	c.StartedAt = clonePtr(inst.StartedAt)
	c.FinishedAt = clonePtr(inst.FinishedAt)
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Progress is the metadata a long-running handler reports while it works.
type Progress struct {
	Current           int64  `json:"current"`
	Total             int64  `json:"total"`
	Status            string `json:"status,omitempty"`
	SoftLimitExceeded bool   `json:"soft_limit_exceeded,omitempty"`
}

// ErrorInfo is the error payload kept on a failed or retried instance.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ErrorKind classifies why an attempt did not succeed.
type ErrorKind string

const (
	KindHandler       ErrorKind = "HandlerError"
	KindTimeLimit     ErrorKind = "TimeLimitExceeded"
	KindSoftTimeLimit ErrorKind = "SoftTimeLimitExceeded"
	KindWorkerLost    ErrorKind = "WorkerLost"
	KindRevoked       ErrorKind = "Revoked"
	KindUnknownTask   ErrorKind = "UnknownTask"
	KindDecode        ErrorKind = "DecodeError"
)

// Update holds the optional fields applied together with a state transition.
// Nil fields are left untouched.
type Update struct {
	Attempt    *int
	Worker     *string
	Result     json.RawMessage
	Error      *ErrorInfo
	Progress   *Progress
	ETA        *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Apply copies the set fields of u onto inst.
func (u Update) Apply(inst *Instance) {
	if u.Attempt != nil {
		inst.Attempt = *u.Attempt
	}
	if u.Worker != nil {
		inst.Worker = *u.Worker
	}
	if u.Result != nil {
		inst.Result = u.Result
	}
	if u.Error != nil {
		e := *u.Error
		inst.Error = &e
	}
	if u.Progress != nil {
		p := *u.Progress
		inst.Progress = &p
	}
	if u.ETA != nil {
		t := *u.ETA
		inst.ETA = &t
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		inst.StartedAt = &t
	}
	if u.FinishedAt != nil {
		t := *u.FinishedAt
		inst.FinishedAt = &t
	}
}

// Status is the producer-facing view of an instance.
type Status struct {
	ID       string          `json:"id"`
	Task     string          `json:"task"`
	Queue    string          `json:"queue"`
	State    State           `json:"state"`
	Attempt  int             `json:"attempt"`
	Progress *Progress       `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *ErrorInfo      `json:"error,omitempty"`
	Schedule *string         `json:"schedule,omitempty"`
	Worker   string          `json:"worker,omitempty"`
	Created  time.Time       `json:"created_at"`
	Updated  time.Time       `json:"updated_at"`
}

// StatusOf builds the producer-facing view. Results are only exposed once the
// instance reached SUCCESS, so partial output is never reported as a result.
func StatusOf(inst *Instance) Status {
	st := Status{
		ID:       inst.ID,
		Task:     inst.Task,
		Queue:    inst.Queue,
		State:    inst.State,
		Attempt:  inst.Attempt,
		Progress: inst.Progress,
		Error:    inst.Error,
		Schedule: inst.Schedule,
		Worker:   inst.Worker,
		Created:  inst.CreatedAt,
		Updated:  inst.UpdatedAt,
	}
	if inst.State == StateSuccess {
		st.Result = inst.Result
	}
	return st
}
