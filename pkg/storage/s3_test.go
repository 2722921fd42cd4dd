package storage

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymates/maestro/pkg/config"
	"github.com/heymates/maestro/pkg/embeds"
)

var _ embeds.FileSigner = (*S3Service)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) *S3Service {
	t.Helper()
	svc, err := NewS3Service(context.Background(), &config.Settings{
		S3Bucket:          "maestro-files",
		S3Region:          "us-east-1",
		S3Endpoint:        "http://127.0.0.1:9000",
		S3AccessKeyID:     "test-access",
		S3SecretAccessKey: "test-secret",
	}, discardLogger())
	require.NoError(t, err)
	return svc
}

func TestPresignGet(t *testing.T) {
	svc := newTestService(t)

	signed, err := svc.PresignGet(context.Background(), "embeds/img-1.png", time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", u.Host)
	assert.Equal(t, "/maestro-files/embeds/img-1.png", u.Path)

	q := u.Query()
	assert.Equal(t, "3600", q.Get("X-Amz-Expires"))
	assert.NotEmpty(t, q.Get("X-Amz-Signature"))
	assert.True(t, strings.Contains(q.Get("X-Amz-Credential"), "test-access"))
}

func TestPresignPut(t *testing.T) {
	svc := newTestService(t)

	signed, err := svc.PresignPut(context.Background(), "uploads/doc.pdf", 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "/maestro-files/uploads/doc.pdf", u.Path)
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))
}

func TestNewS3Service_RequiresBucket(t *testing.T) {
	_, err := NewS3Service(context.Background(), &config.Settings{S3Region: "us-east-1"}, discardLogger())
	assert.Error(t, err)
}
