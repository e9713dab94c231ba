package processing

import (
	"context"
	"fmt"
	"mime"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/gabriel-vasile/mimetype"
)

// MetaExtractor sniffs the media type of downloaded content.
type MetaExtractor struct{}

func (MetaExtractor) Process(_ context.Context, _ domain.RetrieveURL, _ domain.SubTask, content []byte) Result {
	if len(content) == 0 {
		return Result{State: domain.SubTaskFailed, Log: "empty content"}
	}
	detected := mimetype.Detect(content)
	return Result{State: domain.SubTaskSuccess, Log: fmt.Sprintf("detected %s (%s)", detected.String(), detected.Extension())}
}

// Sniff returns the detected media type of content. Declared is used when it
// agrees with the content or when detection finds nothing better than the
// generic binary type.
func Sniff(content []byte, declared string) string {
	detected := mimetype.Detect(content)
	base, _, err := mime.ParseMediaType(declared)
	if err != nil || base == "" {
		return detected.String()
	}
	if detected.Is(base) || detected.Is("application/octet-stream") {
		return base
	}
	return detected.String()
}
