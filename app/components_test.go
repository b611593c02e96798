package app

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JiscSD/rdss-dataverse-ingest/blocking"
	"github.com/JiscSD/rdss-dataverse-ingest/events"
	"github.com/JiscSD/rdss-dataverse-ingest/s3"
)

type fakeStorage struct {
	objects map[string]string
}

var _ s3.ObjectStorage = (*fakeStorage)(nil)

func (s *fakeStorage) Download(ctx context.Context, w io.WriterAt, URI string) (int64, error) {
	blob, ok := s.objects[URI]
	if !ok {
		return 0, errors.New("NoSuchKey")
	}
	n, err := w.WriteAt([]byte(blob), 0)
	return int64(n), err
}

func (s *fakeStorage) Upload(ctx context.Context, r io.Reader, URI, contentType string) error {
	blob, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects[URI] = string(blob)
	return nil
}

func TestFetchSchema(t *testing.T) {
	fs := afero.NewMemMapFs()
	storage := &fakeStorage{objects: map[string]string{"s3://config/schema.json": `{"type": "object"}`}}
	ctx := context.Background()

	path, err := fetchSchema(ctx, fs, storage, "/etc/rdss/schema.json")
	require.NoError(t, err)
	assert.Equal(t, "/etc/rdss/schema.json", path)

	path, err = fetchSchema(ctx, fs, storage, "s3://config/schema.json")
	require.NoError(t, err)
	blob, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, `{"type": "object"}`, string(blob))

	_, err = fetchSchema(ctx, fs, storage, "s3://config/missing.json")
	assert.EqualError(t, err, "cannot download schema s3://config/missing.json: NoSuchKey")
}

func TestNewSink(t *testing.T) {
	logger, _ := logrustest.NewNullLogger()
	fs := afero.NewMemMapFs()
	storage := &fakeStorage{objects: map[string]string{}}
	config := defaults(t)
	config.Events.Backends = []string{sinkFile, sinkS3}
	config.Events.File = "/events.log"
	config.Events.S3Prefix = "s3://events/"

	sink, err := newSink(logger, config, fs, storage)
	require.NoError(t, err)
	require.Len(t, sink, 2)

	require.NoError(t, sink.Write(context.Background(), events.New(validateDepositID, events.StartProcessing, "", "", time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC))))
	recorded, err := events.ReadFile(fs, "/events.log")
	require.NoError(t, err)
	assert.Len(t, recorded, 1)
	assert.Len(t, storage.objects, 1)
}

func TestNewRegistry_Memory(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()

	registry, err := newRegistry(context.Background(), logger, defaults(t))

	require.NoError(t, err)
	assert.IsType(t, &blocking.MemoryRegistry{}, registry)
	assert.Equal(t, "Blocked targets are kept in memory and forgotten on restart.", hook.LastEntry().Message)
}
