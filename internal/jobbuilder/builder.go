// Package jobbuilder turns the media URLs of a metadata record into
// processing jobs and the source references they point at.
package jobbuilder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/google/uuid"
)

const DefaultPriority = 1

var ErrNoMediaURLs = errors.New("record has no media urls")

// IPResolver maps a URL to the address its content is served from.
type IPResolver interface {
	Resolve(ctx context.Context, rawURL string) (string, error)
}

type Options struct {
	// ForceUnconditionalDownload fetches content even if it may be unchanged
	// since the last harvest.
	ForceUnconditionalDownload bool
	Priority                   int
	Limits                     domain.Limits
}

// Record lists the media URLs of one metadata record by role.
type Record struct {
	Owner     domain.Owner
	Object    string
	HasView   []string
	IsShownBy string
	IsShownAt string
}

// Tuple is one job with the reference its only task points at.
type Tuple struct {
	Job       *domain.Job
	Reference *domain.SourceDocumentReference
}

type Builder struct {
	resolver IPResolver
	now      func() time.Time
}

func New(resolver IPResolver) *Builder {
	return &Builder{resolver: resolver, now: time.Now}
}

// Build creates one job per URL of rec. It fails on the first URL whose
// host cannot be resolved.
func (b *Builder) Build(ctx context.Context, rec Record, opts Options) ([]Tuple, error) {
	if rec.Object == "" && len(rec.HasView) == 0 && rec.IsShownBy == "" && rec.IsShownAt == "" {
		return nil, ErrNoMediaURLs
	}

	var out []Tuple
	add := func(url string, src domain.URLSourceType) error {
		t, err := b.job(ctx, url, rec.Owner, src, opts)
		if err != nil {
			return err
		}
		out = append(out, t)
		return nil
	}

	if rec.Object != "" {
		if err := add(rec.Object, domain.URLSourceObject); err != nil {
			return nil, err
		}
	}
	for _, url := range rec.HasView {
		if err := add(url, domain.URLSourceHasView); err != nil {
			return nil, err
		}
	}
	if rec.IsShownBy != "" {
		if err := add(rec.IsShownBy, domain.URLSourceIsShownBy); err != nil {
			return nil, err
		}
	}
	if rec.IsShownAt != "" {
		if err := add(rec.IsShownAt, domain.URLSourceIsShownAt); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *Builder) job(ctx context.Context, url string, owner domain.Owner, src domain.URLSourceType, opts Options) (Tuple, error) {
	ip, err := b.resolver.Resolve(ctx, url)
	if err != nil {
		return Tuple{}, fmt.Errorf("resolve %s: %w", url, err)
	}

	now := b.now()
	ref := &domain.SourceDocumentReference{
		ID:            domain.SourceDocumentReferenceID(owner, url),
		Owner:         owner,
		URLSourceType: src,
		URL:           url,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	priority := opts.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	job := &domain.Job{
		ID:        uuid.NewString(),
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
		Owner:     owner,
		State:     domain.JobReady,
		IPAddress: ip,
		Limits:    opts.Limits,
		Tasks: []domain.JobTask{{
			Type:                      taskType(src, opts),
			SourceDocumentReferenceID: ref.ID,
			SubTasks:                  subTasks(src),
		}},
	}
	return Tuple{Job: job, Reference: ref}, nil
}

func taskType(src domain.URLSourceType, opts Options) domain.TaskType {
	switch {
	case src == domain.URLSourceIsShownAt:
		return domain.TaskCheckLink
	case opts.ForceUnconditionalDownload:
		return domain.TaskUnconditionalDownload
	default:
		return domain.TaskConditionalDownload
	}
}

// subTasks lists the processing of each source type. Shown-at pages are
// only link-checked.
func subTasks(src domain.URLSourceType) []domain.SubTask {
	if src == domain.URLSourceIsShownAt {
		return []domain.SubTask{}
	}
	subs := []domain.SubTask{
		{Type: domain.SubTaskColorExtraction},
		{Type: domain.SubTaskGenerateThumbnail, ThumbnailSize: domain.ThumbnailMedium},
		{Type: domain.SubTaskGenerateThumbnail, ThumbnailSize: domain.ThumbnailLarge},
	}
	if src != domain.URLSourceObject {
		subs = append(subs, domain.SubTask{Type: domain.SubTaskMetaExtraction})
	}
	return subs
}
