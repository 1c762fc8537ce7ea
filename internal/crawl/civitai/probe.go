package civitai

import (
	"strconv"
	"strings"
)

// ProbeWidth is the CDN transform width for the cheap first detection pass.
const ProbeWidth = 450

// Prober builds the low-resolution probe URL for the two-pass detection
// path. The CDN serves any stored image at an arbitrary width through a
// `width=N` path segment.
type Prober struct{}

func (Prober) Platform() string { return SourceName }

// ProbeURL rewrites a civitai CDN URL to its width-transformed variant.
// Returns false when the URL has no recognizable transform slot, in which
// case the caller falls back to single-pass detection on the original.
func (Prober) ProbeURL(raw string) (string, bool) {
	segments := strings.Split(raw, "/")
	if len(segments) < 2 {
		return "", false
	}

	transform := "width=" + strconv.Itoa(ProbeWidth)
	for i, seg := range segments {
		if strings.HasPrefix(seg, "width=") || strings.HasPrefix(seg, "anim=") {
			segments[i] = transform
			return strings.Join(segments, "/"), true
		}
	}

	// No transform segment present: insert one before the filename.
	last := len(segments) - 1
	if segments[last] == "" {
		return "", false
	}
	out := make([]string, 0, len(segments)+1)
	out = append(out, segments[:last]...)
	out = append(out, transform, segments[last])
	return strings.Join(out, "/"), true
}
