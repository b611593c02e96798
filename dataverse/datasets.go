package dataverse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

type pidParams struct {
	PersistentID string `schema:"persistentId"`
}

type publishParams struct {
	PersistentID string `schema:"persistentId"`
	Type         string `schema:"type"`
}

type importParams struct {
	PID     string `schema:"pid"`
	Release string `schema:"release"`
}

type searchParams struct {
	Query   string `schema:"q"`
	Type    string `schema:"type"`
	PerPage int    `schema:"per_page,omitempty"`
}

type createdDataset struct {
	ID           int64  `json:"id"`
	PersistentID string `json:"persistentId"`
}

// CreateDataset creates a draft dataset in the collection and returns its
// persistent identifier. dataset holds a {"datasetVersion": ...} document.
func (c *Client) CreateDataset(ctx context.Context, dataset json.RawMessage) (string, error) {
	path := fmt.Sprintf("api/dataverses/%s/datasets", c.collection)
	out := createdDataset{}
	if err := c.do(ctx, http.MethodPost, path, nil, rawPayload(dataset, mediaTypeJSON), &out); err != nil {
		return "", errors.Wrap(err, "cannot create dataset")
	}
	if out.PersistentID == "" {
		return "", errors.New("cannot create dataset: no persistent identifier returned")
	}
	return out.PersistentID, nil
}

// ImportDataset creates an unreleased dataset keeping the given persistent
// identifier.
func (c *Client) ImportDataset(ctx context.Context, pid string, dataset json.RawMessage) (string, error) {
	path := fmt.Sprintf("api/dataverses/%s/datasets/:import", c.collection)
	out := createdDataset{}
	params := importParams{PID: pid, Release: "no"}
	if err := c.do(ctx, http.MethodPost, path, params, rawPayload(dataset, mediaTypeJSON), &out); err != nil {
		return "", errors.Wrapf(err, "cannot import dataset %s", pid)
	}
	if out.PersistentID == "" {
		out.PersistentID = pid
	}
	return out.PersistentID, nil
}

// UpdateMetadata replaces the metadata of the draft version, creating the
// draft if there is none.
func (c *Client) UpdateMetadata(ctx context.Context, pid string, dataset json.RawMessage) error {
	var doc struct {
		DatasetVersion json.RawMessage `json:"datasetVersion"`
	}
	if err := json.Unmarshal(dataset, &doc); err != nil || len(doc.DatasetVersion) == 0 {
		return errors.New("cannot update metadata: document has no datasetVersion")
	}
	path := "api/datasets/:persistentId/versions/:draft"
	if err := c.do(ctx, http.MethodPut, path, pidParams{pid}, rawPayload(doc.DatasetVersion, mediaTypeJSON), nil); err != nil {
		return errors.Wrapf(err, "cannot update metadata of %s", pid)
	}
	return nil
}

// Publish requests a major release of the dataset. Publication continues
// asynchronously while the dataset is locked.
func (c *Client) Publish(ctx context.Context, pid string) error {
	path := "api/datasets/:persistentId/actions/:publish"
	if err := c.do(ctx, http.MethodPost, path, publishParams{PersistentID: pid, Type: "major"}, nil, nil); err != nil {
		return errors.Wrapf(err, "cannot publish %s", pid)
	}
	return nil
}

// ReleaseMigrated releases an imported dataset with an explicit
// publication date.
func (c *Client) ReleaseMigrated(ctx context.Context, pid string, date time.Time) error {
	body, err := json.Marshal(map[string]string{
		"http://schema.org/datePublished": date.Format("2006-01-02"),
	})
	if err != nil {
		return err
	}
	path := "api/datasets/:persistentId/actions/:releasemigrated"
	if err := c.do(ctx, http.MethodPost, path, pidParams{pid}, rawPayload(body, mediaTypeJSONLD), nil); err != nil {
		return errors.Wrapf(err, "cannot release migrated dataset %s", pid)
	}
	return nil
}

type lock struct {
	LockType string `json:"lockType"`
}

// Locks returns the lock types currently held on the dataset.
func (c *Client) Locks(ctx context.Context, pid string) ([]string, error) {
	var locks []lock
	if err := c.do(ctx, http.MethodGet, "api/datasets/:persistentId/locks", pidParams{pid}, nil, &locks); err != nil {
		return nil, errors.Wrapf(err, "cannot read locks of %s", pid)
	}
	types := make([]string, 0, len(locks))
	for _, l := range locks {
		types = append(types, l.LockType)
	}
	return types, nil
}

// VersionState returns the state of the latest version, e.g. DRAFT or
// RELEASED.
func (c *Client) VersionState(ctx context.Context, pid string) (string, error) {
	var v struct {
		VersionState string `json:"versionState"`
	}
	path := "api/datasets/:persistentId/versions/" + VersionLatest
	if err := c.do(ctx, http.MethodGet, path, pidParams{pid}, nil, &v); err != nil {
		return "", errors.Wrapf(err, "cannot read version of %s", pid)
	}
	return v.VersionState, nil
}

// DeleteDraft removes the draft version of the dataset. A dataset that was
// never published is removed altogether.
func (c *Client) DeleteDraft(ctx context.Context, pid string) error {
	path := "api/datasets/:persistentId/versions/:draft"
	if err := c.do(ctx, http.MethodDelete, path, pidParams{pid}, nil, nil); err != nil {
		return errors.Wrapf(err, "cannot delete draft of %s", pid)
	}
	return nil
}

type searchResponse struct {
	TotalCount int `json:"total_count"`
	Items      []struct {
		GlobalID string `json:"global_id"`
	} `json:"items"`
}

// SearchResult lists the datasets matching a query. TotalCount may exceed
// the number of identifiers returned.
type SearchResult struct {
	TotalCount int
	PIDs       []string
}

// Search looks up datasets matching query.
func (c *Client) Search(ctx context.Context, query string) (*SearchResult, error) {
	out := searchResponse{}
	params := searchParams{Query: query, Type: "dataset", PerPage: 10}
	if err := c.do(ctx, http.MethodGet, "api/search", params, nil, &out); err != nil {
		return nil, errors.Wrapf(err, "cannot search %q", query)
	}
	res := &SearchResult{TotalCount: out.TotalCount}
	for _, item := range out.Items {
		res.PIDs = append(res.PIDs, item.GlobalID)
	}
	return res, nil
}
