package dataverse_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JiscSD/rdss-dataverse-ingest/dataverse"
	"github.com/JiscSD/rdss-dataverse-ingest/deposit"
)

const (
	apiKey = "secret"
	pid    = "doi:10.5072/FK2/ABC"
)

func noDelay() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
}

func newClient(t *testing.T, handler http.HandlerFunc, opts ...dataverse.Option) *dataverse.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger, _ := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	opts = append([]dataverse.Option{dataverse.WithBackOff(noDelay)}, opts...)
	c, err := dataverse.New(logger, server.URL, apiKey, "root", opts...)
	require.NoError(t, err)
	return c
}

func TestClient_Requests(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		respStatus  int
		respPayload string
		call        func(*dataverse.Client) (interface{}, error)

		wantedMethod  string
		wantedPath    string
		wantedQuery   map[string]string
		wantedPayload string
		wantedResult  interface{}
		wantedErr     string
	}{
		"CreateDataset returns the persistent identifier": {
			respStatus:  http.StatusCreated,
			respPayload: `{"status": "OK", "data": {"id": 12, "persistentId": "doi:10.5072/FK2/ABC"}}`,
			call: func(c *dataverse.Client) (interface{}, error) {
				return c.CreateDataset(context.Background(), json.RawMessage(`{"datasetVersion": {}}`))
			},
			wantedMethod:  "POST",
			wantedPath:    "/api/dataverses/root/datasets",
			wantedPayload: `{"datasetVersion": {}}`,
			wantedResult:  pid,
		},
		"ImportDataset keeps the given identifier": {
			respStatus:  http.StatusCreated,
			respPayload: `{"status": "OK", "data": {"id": 12}}`,
			call: func(c *dataverse.Client) (interface{}, error) {
				return c.ImportDataset(context.Background(), pid, json.RawMessage(`{"datasetVersion": {}}`))
			},
			wantedMethod:  "POST",
			wantedPath:    "/api/dataverses/root/datasets/:import",
			wantedQuery:   map[string]string{"pid": pid, "release": "no"},
			wantedPayload: `{"datasetVersion": {}}`,
			wantedResult:  pid,
		},
		"UpdateMetadata sends the inner version": {
			respStatus:  http.StatusOK,
			respPayload: `{"status": "OK", "data": {}}`,
			call: func(c *dataverse.Client) (interface{}, error) {
				return nil, c.UpdateMetadata(context.Background(), pid, json.RawMessage(`{"datasetVersion": {"license": "CC0"}}`))
			},
			wantedMethod:  "PUT",
			wantedPath:    "/api/datasets/:persistentId/versions/:draft",
			wantedQuery:   map[string]string{"persistentId": pid},
			wantedPayload: `{"license": "CC0"}`,
		},
		"Publish requests a major version": {
			respStatus:  http.StatusOK,
			respPayload: `{"status": "OK", "data": {}}`,
			call: func(c *dataverse.Client) (interface{}, error) {
				return nil, c.Publish(context.Background(), pid)
			},
			wantedMethod: "POST",
			wantedPath:   "/api/datasets/:persistentId/actions/:publish",
			wantedQuery:  map[string]string{"persistentId": pid, "type": "major"},
		},
		"ReleaseMigrated sends the publication date": {
			respStatus:  http.StatusOK,
			respPayload: `{"status": "OK", "data": {}}`,
			call: func(c *dataverse.Client) (interface{}, error) {
				return nil, c.ReleaseMigrated(context.Background(), pid, time.Date(2019, 3, 4, 10, 0, 0, 0, time.UTC))
			},
			wantedMethod:  "POST",
			wantedPath:    "/api/datasets/:persistentId/actions/:releasemigrated",
			wantedQuery:   map[string]string{"persistentId": pid},
			wantedPayload: `{"http://schema.org/datePublished": "2019-03-04"}`,
		},
		"Locks lists lock types": {
			respStatus:  http.StatusOK,
			respPayload: `{"status": "OK", "data": [{"lockType": "Ingest"}, {"lockType": "finalizePublication"}]}`,
			call: func(c *dataverse.Client) (interface{}, error) {
				return c.Locks(context.Background(), pid)
			},
			wantedMethod: "GET",
			wantedPath:   "/api/datasets/:persistentId/locks",
			wantedQuery:  map[string]string{"persistentId": pid},
			wantedResult: []string{"Ingest", "finalizePublication"},
		},
		"VersionState reads the latest version": {
			respStatus:  http.StatusOK,
			respPayload: `{"status": "OK", "data": {"versionState": "RELEASED"}}`,
			call: func(c *dataverse.Client) (interface{}, error) {
				return c.VersionState(context.Background(), pid)
			},
			wantedMethod: "GET",
			wantedPath:   "/api/datasets/:persistentId/versions/:latest",
			wantedResult: dataverse.VersionStateReleased,
		},
		"Search returns count and identifiers": {
			respStatus:  http.StatusOK,
			respPayload: `{"status": "OK", "data": {"total_count": 1, "items": [{"global_id": "doi:10.5072/FK2/ABC"}]}}`,
			call: func(c *dataverse.Client) (interface{}, error) {
				return c.Search(context.Background(), `dansSwordToken:"sword:1234"`)
			},
			wantedMethod: "GET",
			wantedPath:   "/api/search",
			wantedQuery:  map[string]string{"q": `dansSwordToken:"sword:1234"`, "type": "dataset", "per_page": "10"},
			wantedResult: &dataverse.SearchResult{TotalCount: 1, PIDs: []string{pid}},
		},
		"DeleteFile uses the file id": {
			respStatus:  http.StatusOK,
			respPayload: `{"status": "OK"}`,
			call: func(c *dataverse.Client) (interface{}, error) {
				return nil, c.DeleteFile(context.Background(), 7)
			},
			wantedMethod: "DELETE",
			wantedPath:   "/api/files/7",
		},
		"SetEmbargo lists the files": {
			respStatus:  http.StatusOK,
			respPayload: `{"status": "OK"}`,
			call: func(c *dataverse.Client) (interface{}, error) {
				return nil, c.SetEmbargo(context.Background(), pid, "2030-01-01", []int64{3, 4})
			},
			wantedMethod:  "POST",
			wantedPath:    "/api/datasets/:persistentId/files/actions/:set-embargo",
			wantedQuery:   map[string]string{"persistentId": pid},
			wantedPayload: `{"dateAvailable": "2030-01-01", "reason": "", "fileIds": [3, 4]}`,
		},
		"Client errors are reported": {
			respStatus:  http.StatusNotFound,
			respPayload: `{"status": "ERROR", "message": "Dataset not found"}`,
			call: func(c *dataverse.Client) (interface{}, error) {
				return nil, c.Publish(context.Background(), pid)
			},
			wantedMethod: "POST",
			wantedPath:   "/api/datasets/:persistentId/actions/:publish",
			wantedErr:    "cannot publish doi:10.5072/FK2/ABC: dataverse: 404 Not Found: Dataset not found",
		},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tc.wantedMethod, r.Method)
				assert.Equal(t, tc.wantedPath, r.URL.Path)
				assert.Equal(t, apiKey, r.Header.Get("X-Dataverse-key"))
				for k, v := range tc.wantedQuery {
					assert.Equal(t, v, r.URL.Query().Get(k), k)
				}
				payload, err := ioutil.ReadAll(r.Body)
				assert.NoError(t, err)
				if tc.wantedPayload != "" {
					assert.JSONEq(t, tc.wantedPayload, string(payload))
				}
				w.WriteHeader(tc.respStatus)
				fmt.Fprint(w, tc.respPayload)
			})

			result, err := tc.call(c)
			if tc.wantedErr != "" {
				assert.EqualError(t, err, tc.wantedErr)
				return
			}
			require.NoError(t, err)
			if tc.wantedResult != nil {
				assert.Equal(t, tc.wantedResult, result)
			}
		})
	}
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"status": "ERROR", "message": {"reason": "no"}}`)
	})

	err := c.DeleteDraft(context.Background(), pid)
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var apiErr *dataverse.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, `{"reason": "no"}`, apiErr.Message)
}

func TestClient_ServerErrorsAreRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"status": "OK", "data": [{"lockType": "Ingest"}]}`)
	})

	locks, err := c.Locks(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ingest"}, locks)
	assert.Equal(t, 3, calls)
}

func TestClient_ListFiles(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/datasets/:persistentId/versions/:latest-published/files", r.URL.Path)
		fmt.Fprint(w, `{"status": "OK", "data": [
			{"label": "a.txt", "restricted": false, "dataFile": {"id": 1, "checksum": {"type": "SHA-1", "value": "aaa"}}},
			{"label": "b.txt", "directoryLabel": "sub/dir", "restricted": true, "dataFile": {"id": 2, "checksum": {"type": "SHA-1", "value": "bbb"}}}
		]}`)
	})

	files, err := c.ListFiles(context.Background(), pid, dataverse.VersionLatestPublished)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.txt", files[0].Path())
	assert.Equal(t, int64(1), files[0].DataFile.ID)
	assert.Equal(t, "sub/dir/b.txt", files[1].Path())
	assert.True(t, files[1].Restricted)
	assert.Equal(t, "bbb", files[1].DataFile.Checksum.Value)
}

func TestClient_Uploads(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bag/data/sub/a.txt", []byte("hello"), 0644))
	entry := deposit.FileEntry{
		Path:         "sub/a.txt",
		PhysicalPath: "/bag/data/sub/a.txt",
		Metadata:     deposit.FileMeta{Label: "a.txt", DirectoryLabel: "sub", Restricted: true},
	}

	attempts := 0
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}

		var params map[string]interface{}
		assert.NoError(t, json.Unmarshal([]byte(r.FormValue("jsonData")), &params))
		assert.Equal(t, "a.txt", params["label"])
		assert.Equal(t, "sub", params["directoryLabel"])
		assert.Equal(t, true, params["restrict"])

		switch r.URL.Path {
		case "/api/datasets/:persistentId/add":
			assert.Equal(t, pid, r.URL.Query().Get("persistentId"))
			assert.Nil(t, params["forceReplace"])
		case "/api/files/5/replace":
			assert.Equal(t, true, params["forceReplace"])
		case "/api/files/5/metadata":
			assert.Nil(t, r.MultipartForm.File["file"])
			fmt.Fprint(w, `{"status": "OK"}`)
			return
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		// The first upload fails to check that the body is rebuilt.
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		f, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		content, _ := ioutil.ReadAll(f)
		assert.Equal(t, "hello", string(content))
		fmt.Fprint(w, `{"status": "OK", "data": {"files": [{"label": "a.txt", "dataFile": {"id": 9}}]}}`)
	}, dataverse.WithFs(fs))

	id, err := c.AddFile(context.Background(), pid, entry)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)
	assert.Equal(t, 2, attempts)

	id, err = c.ReplaceFile(context.Background(), 5, entry)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)

	require.NoError(t, c.UpdateFileMetadata(context.Background(), 5, entry.Metadata))

	_, err = c.AddFile(context.Background(), pid, deposit.FileEntry{Path: "missing", PhysicalPath: "/bag/data/missing"})
	assert.Error(t, err)
}
