// Package face defines the pluggable face-detection provider. The model
// itself is an external collaborator reached over a local HTTP endpoint;
// this package owns the wire contract and the normalized result shape.
package face

import (
	"context"

	"github.com/madeofus/scanner/internal/facevec"
)

// Face is one detected face: an L2-normalized 512-dim embedding plus the
// detector's confidence score.
type Face struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
	Score     float64   `json:"score"`
}

// Detector is the face-detection provider contract. InitModel is called once
// per process before any Detect.
type Detector interface {
	InitModel(ctx context.Context, modelName string) error
	Detect(ctx context.Context, imageBytes []byte) ([]Face, error)
}

// NormalizeFaces validates and re-normalizes provider output in place,
// dropping faces with malformed embeddings.
func NormalizeFaces(faces []Face) []Face {
	out := faces[:0]
	for i, f := range faces {
		if len(f.Embedding) != facevec.Dim {
			continue
		}
		f.Embedding = facevec.Normalize(f.Embedding)
		f.Index = i
		out = append(out, f)
	}
	return out
}
