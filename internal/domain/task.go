package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

type TaskType string

const (
	TaskUnconditionalDownload TaskType = "UNCONDITIONAL_DOWNLOAD"
	TaskConditionalDownload   TaskType = "CONDITIONAL_DOWNLOAD"
	TaskCheckLink             TaskType = "CHECK_LINK"
)

type SubTaskType string

const (
	SubTaskColorExtraction   SubTaskType = "COLOR_EXTRACTION"
	SubTaskMetaExtraction    SubTaskType = "META_EXTRACTION"
	SubTaskGenerateThumbnail SubTaskType = "GENERATE_THUMBNAIL"
)

type ThumbnailSize string

const (
	ThumbnailMedium ThumbnailSize = "MEDIUM"
	ThumbnailLarge  ThumbnailSize = "LARGE"
)

type SubTask struct {
	Type          SubTaskType   `json:"type"`
	ThumbnailSize ThumbnailSize `json:"thumbnail_size,omitempty"`
}

// JobTask is a job's reference to one document retrieval unit.
type JobTask struct {
	Type                      TaskType  `json:"type"`
	SourceDocumentReferenceID string    `json:"source_document_reference_id"`
	SubTasks                  []SubTask `json:"sub_tasks"`
}

type TaskState string

const (
	TaskReady      TaskState = "READY"
	TaskProcessing TaskState = "PROCESSING"
	TaskDone       TaskState = "DONE"
)

var taskTransitions = map[TaskState][]TaskState{
	TaskReady:      {TaskProcessing, TaskDone}, // DONE from READY: late acknowledgement after a timeout reset
	TaskProcessing: {TaskReady, TaskDone},
	TaskDone:       nil,
}

func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RetrieveURL is the dispatchable materialisation of a JobTask. It only ever
// lives in the master's accountant and in flight to a worker.
type RetrieveURL struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Limits      Limits      `json:"limits"`
	TaskType    TaskType    `json:"task_type"`
	JobID       string      `json:"job_id"`
	ReferenceID string      `json:"reference_id"`
	Owner       Owner       `json:"owner"`
	SubTasks    []SubTask   `json:"sub_tasks"`
	IPAddress   string      `json:"ip_address"`
	Headers     http.Header `json:"headers,omitempty"` // previous response headers, CONDITIONAL_DOWNLOAD only
}

// RetrieveURLID derives the dispatchable task id from its job and source
// reference, so materialising the same job twice yields the same ids.
func RetrieveURLID(jobID, referenceID string) string {
	sum := sha256.Sum256([]byte(jobID + "\x00" + referenceID))
	return hex.EncodeToString(sum[:16])
}

// DoneReport is what a worker sends back to the master for a finished task.
type DoneReport struct {
	TaskID      string   `json:"task_id"`
	JobID       string   `json:"job_id"`
	ReferenceID string   `json:"reference_id"`
	URL         string   `json:"url"`
	TaskType    TaskType `json:"task_type"`
	WorkerID    string   `json:"worker_id"`

	State     RetrieveState `json:"state"`
	Unchanged bool          `json:"unchanged"`

	HTTPResponseCode int         `json:"http_response_code"`
	ContentType      string      `json:"content_type"`
	ContentSizeBytes int64       `json:"content_size_bytes"`
	Headers          http.Header `json:"headers"`
	RedirectPath     []string    `json:"redirect_path"`
	SourceIP         string      `json:"source_ip"`

	ConnectDuration   time.Duration `json:"connect_duration"`
	RetrievalDuration time.Duration `json:"retrieval_duration"`
	CheckingDuration  time.Duration `json:"checking_duration"`

	SubTaskStates map[SubTaskType]SubTaskState `json:"sub_task_states"`
	Log           string                       `json:"log"`
	Error         string                       `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
