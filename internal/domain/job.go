package domain

import (
	"errors"
	"time"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrDuplicateJob       = errors.New("job already exists")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrSourceNotFound     = errors.New("source document reference not found")
	ErrStatisticsNotFound = errors.New("processing statistics not found")
)

type JobState string

const (
	JobReady    JobState = "READY"
	JobLoaded   JobState = "LOADED"
	JobRunning  JobState = "RUNNING"
	JobPause    JobState = "PAUSE" // pause requested by a client
	JobPaused   JobState = "PAUSED"
	JobResume   JobState = "RESUME" // resume requested by a client
	JobFinished JobState = "FINISHED"
)

var jobTransitions = map[JobState][]JobState{
	JobReady:    {JobLoaded, JobRunning, JobPause, JobFinished},
	JobLoaded:   {JobRunning, JobReady, JobPause, JobFinished},
	JobRunning:  {JobReady, JobPause, JobFinished},
	JobPause:    {JobPaused, JobResume, JobFinished},
	JobPaused:   {JobResume, JobFinished},
	JobResume:   {JobRunning, JobPause, JobFinished},
	JobFinished: nil,
}

// CanTransitionTo reports whether a job may move from s to next.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s JobState) Valid() bool {
	_, ok := jobTransitions[s]
	return ok
}

// Owner identifies the collection / provider / record that requested a job.
type Owner struct {
	CollectionID string `json:"collection_id"`
	ProviderID   string `json:"provider_id"`
	RecordID     string `json:"record_id"`
}

// NoRedirects as MaxRedirects refuses every redirect. A zero MaxRedirects
// inherits the cluster default like every other zero limit.
const NoRedirects = -1

// Limits are the per-download resource limits. Zero values mean "use the
// cluster default", see WithDefaults.
type Limits struct {
	ConnectionTimeout time.Duration `json:"connection_timeout"`
	MaxRedirects      int           `json:"max_redirects"`
	TimeLimit         time.Duration `json:"time_limit"`
	MinBytesPerSecond int64         `json:"min_bytes_per_second"`
}

// WithDefaults fills every unset limit from defaults.
func (l Limits) WithDefaults(defaults Limits) Limits {
	if l.ConnectionTimeout == 0 {
		l.ConnectionTimeout = defaults.ConnectionTimeout
	}
	if l.MaxRedirects == 0 {
		l.MaxRedirects = defaults.MaxRedirects
	}
	if l.TimeLimit == 0 {
		l.TimeLimit = defaults.TimeLimit
	}
	if l.MinBytesPerSecond == 0 {
		l.MinBytesPerSecond = defaults.MinBytesPerSecond
	}
	return l
}

type Job struct {
	ID        string
	Priority  int
	CreatedAt time.Time
	UpdatedAt time.Time
	Owner     Owner
	Tasks     []JobTask
	State     JobState
	IPAddress string // host the job's content is expected to download from
	Limits    Limits
}

// WithState returns a copy of the job in state next, or ErrInvalidTransition.
func (j Job) WithState(next JobState) (*Job, error) {
	if !j.State.CanTransitionTo(next) {
		return nil, ErrInvalidTransition
	}
	j.State = next
	return &j, nil
}

// Page is an offset/limit window over a durable scan.
type Page struct {
	Offset int
	Limit  int
}
