package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

type URLSourceType string

const (
	URLSourceObject    URLSourceType = "OBJECT"
	URLSourceHasView   URLSourceType = "HAS_VIEW"
	URLSourceIsShownBy URLSourceType = "IS_SHOWN_BY"
	URLSourceIsShownAt URLSourceType = "IS_SHOWN_AT"
)

type SourceDocumentReference struct {
	ID            string
	Owner         Owner
	URLSourceType URLSourceType
	URL           string
	Active        bool
	LastStatsID   string // empty until the document was processed once
	RedirectPath  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SourceDocumentReferenceID derives a stable id from the owner and URL.
func SourceDocumentReferenceID(owner Owner, url string) string {
	sum := sha256.Sum256([]byte(owner.CollectionID + "\x00" + owner.ProviderID + "\x00" + owner.RecordID + "\x00" + url))
	return hex.EncodeToString(sum[:])
}

// RetrieveState is the terminal outcome of one retrieval.
type RetrieveState string

const (
	RetrieveCompleted         RetrieveState = "COMPLETED"
	RetrieveError             RetrieveState = "ERROR"
	RetrieveFinishedTimeLimit RetrieveState = "FINISHED_TIME_LIMIT"
	RetrieveFinishedRateLimit RetrieveState = "FINISHED_RATE_LIMIT"
)

type SubTaskState string

const (
	SubTaskNeverExecuted SubTaskState = "NEVER_EXECUTED"
	SubTaskSuccess       SubTaskState = "SUCCESS"
	SubTaskFailed        SubTaskState = "FAILED"
	SubTaskError         SubTaskState = "ERROR"
)

// ProcessingStatistics is the durable record of one completed task attempt.
type ProcessingStatistics struct {
	ID            string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Active        bool
	TaskType      TaskType
	RetrieveState RetrieveState
	Owner         Owner
	URLSourceType URLSourceType
	ReferenceID   string
	JobID         string

	HTTPResponseCode    int
	ContentType         string
	ContentSizeBytes    int64
	ConnectDuration     time.Duration
	RetrievalDuration   time.Duration
	CheckingDuration    time.Duration
	SourceIP            string
	HTTPResponseHeaders http.Header
	Log                 string
	SubTaskStates       map[SubTaskType]SubTaskState
}
