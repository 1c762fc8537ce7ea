package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCapturer struct {
	shot []byte
	err  error
}

func (s stubCapturer) Capture(ctx context.Context, pageURL string) ([]byte, error) {
	return s.shot, s.err
}

type stubUploader struct {
	bucket, path string
	body         []byte
	err          error
}

func (s *stubUploader) Upload(ctx context.Context, bucket, path string, body []byte, contentType string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.bucket, s.path, s.body = bucket, path, body
	return "https://storage.example/" + bucket + "/" + path, nil
}

func TestCaptureAndStoreHashesContent(t *testing.T) {
	shot := []byte("png-bytes-here")
	up := &stubUploader{}
	svc := NewService(stubCapturer{shot: shot}, up)

	rec, err := svc.CaptureAndStore(context.Background(), 42, "https://host/page")
	require.NoError(t, err)

	sum := sha256.Sum256(shot)
	assert.Equal(t, hex.EncodeToString(sum[:]), rec.SHA256)
	assert.Equal(t, int64(len(shot)), rec.ByteSize)
	assert.Equal(t, "madeofus-evidence", up.bucket)
	assert.Contains(t, up.path, "matches/42/")
	assert.Equal(t, shot, up.body)
	assert.Contains(t, rec.StorageURL, up.path)
}

func TestCaptureFailureSurfaces(t *testing.T) {
	svc := NewService(stubCapturer{err: errors.New("navigation timeout")}, &stubUploader{})
	_, err := svc.CaptureAndStore(context.Background(), 1, "https://host/page")
	assert.Error(t, err)
}

func TestUploadFailureSurfaces(t *testing.T) {
	svc := NewService(stubCapturer{shot: []byte{1}}, &stubUploader{err: errors.New("quota")})
	_, err := svc.CaptureAndStore(context.Background(), 1, "https://host/page")
	assert.Error(t, err)
}
