package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gopkg.in/yaml.v3"
)

// Queue is a named pool of pending targets.
type Queue struct {
	ID        int64          `db:"id" json:"id"`
	Name      string         `db:"name" json:"name"`
	Config    string         `db:"config" json:"config"`
	GroupSize int            `db:"group_size" json:"group_size"`
	Priority  int            `db:"priority" json:"priority"`
	Active    bool           `db:"active" json:"active"`
	Reqs      pq.StringArray `db:"reqs" json:"reqs"`
}

// ModuleConfig decodes the YAML configuration blob handed to agents.
func (q *Queue) ModuleConfig() (map[string]any, error) {
	cfg := map[string]any{}
	if q.Config == "" {
		return cfg, nil
	}
	if err := yaml.Unmarshal([]byte(q.Config), &cfg); err != nil {
		return nil, fmt.Errorf("queue %s: invalid config: %w", q.Name, err)
	}
	return cfg, nil
}

// Module returns the agent module named by the queue config.
func (q *Queue) Module() string {
	cfg, err := q.ModuleConfig()
	if err != nil {
		return ""
	}
	module, _ := cfg["module"].(string)
	return module
}

// QueueStats is a queue with its pending target and job counts.
type QueueStats struct {
	Queue
	Targets int64 `db:"targets" json:"targets"`
	Jobs    int64 `db:"jobs" json:"jobs"`
}

// Target is a pending scan target.
type Target struct {
	ID      int64  `db:"id" json:"id"`
	QueueID int64  `db:"queue_id" json:"queue_id"`
	Target  string `db:"target" json:"target"`
	Hashval string `db:"hashval" json:"hashval"`
}

// Job is a batch of targets handed out to an agent.
type Job struct {
	ID         string     `db:"id" json:"id"`
	QueueID    *int64     `db:"queue_id" json:"queue_id"`
	Assignment string     `db:"assignment" json:"assignment"`
	Retval     *int       `db:"retval" json:"retval"`
	TimeStart  time.Time  `db:"time_start" json:"time_start"`
	TimeEnd    *time.Time `db:"time_end" json:"time_end"`
}

// IsRunning reports whether the job still awaits output.
func (j *Job) IsRunning() bool {
	return j.Retval == nil
}

// Assignment is the work description sent to an agent and kept on the job.
type Assignment struct {
	ID      string         `json:"id"`
	Config  map[string]any `json:"config"`
	Targets []string       `json:"targets"`
}

// DecodeAssignment parses the stored assignment snapshot.
func (j *Job) DecodeAssignment() (*Assignment, error) {
	var a Assignment
	if err := json.Unmarshal([]byte(j.Assignment), &a); err != nil {
		return nil, fmt.Errorf("job %s: invalid assignment: %w", j.ID, err)
	}
	return &a, nil
}

// ExclFamily is the kind of an exclusion rule.
type ExclFamily string

const (
	ExclNetwork ExclFamily = "NETWORK"
	ExclRegex   ExclFamily = "REGEX"
)

// Excl is an exclusion rule.
type Excl struct {
	ID      int64      `db:"id" json:"id"`
	Family  ExclFamily `db:"family" json:"family"`
	Value   string     `db:"value" json:"value"`
	Comment *string    `db:"comment" json:"comment"`
}

// Heatmap is the load counter of one network bucket.
type Heatmap struct {
	Hashval string `db:"hashval" json:"hashval"`
	Count   int    `db:"count" json:"count"`
}

// Readynet marks a queue bucket with assignable targets.
type Readynet struct {
	QueueID int64  `db:"queue_id" json:"queue_id"`
	Hashval string `db:"hashval" json:"hashval"`
}
