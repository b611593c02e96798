package dataverse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/JiscSD/rdss-dataverse-ingest/deposit"
)

// FileMetadata is a file of a dataset version.
type FileMetadata struct {
	Label          string `json:"label"`
	DirectoryLabel string `json:"directoryLabel,omitempty"`
	Description    string `json:"description,omitempty"`
	Restricted     bool   `json:"restricted"`
	DataFile       struct {
		ID       int64 `json:"id"`
		Checksum struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"checksum"`
	} `json:"dataFile"`
}

// Path returns the logical path of the file within the dataset.
func (f FileMetadata) Path() string {
	return deposit.LogicalPath(f.DirectoryLabel, f.Label)
}

// fileParams is the jsonData part of add, replace and metadata requests.
type fileParams struct {
	Label          string `json:"label,omitempty"`
	DirectoryLabel string `json:"directoryLabel,omitempty"`
	Description    string `json:"description,omitempty"`
	Restrict       bool   `json:"restrict"`
	ForceReplace   bool   `json:"forceReplace,omitempty"`
}

func newFileParams(meta deposit.FileMeta) fileParams {
	return fileParams{
		Label:          meta.Label,
		DirectoryLabel: meta.DirectoryLabel,
		Description:    meta.Description,
		Restrict:       meta.Restricted,
	}
}

type uploadedFiles struct {
	Files []FileMetadata `json:"files"`
}

func (u uploadedFiles) id() (int64, error) {
	if len(u.Files) == 0 || u.Files[0].DataFile.ID == 0 {
		return 0, errors.New("no file id returned")
	}
	return u.Files[0].DataFile.ID, nil
}

// ListFiles returns the files of the given dataset version.
func (c *Client) ListFiles(ctx context.Context, pid, version string) ([]FileMetadata, error) {
	var files []FileMetadata
	path := fmt.Sprintf("api/datasets/:persistentId/versions/%s/files", version)
	if err := c.do(ctx, http.MethodGet, path, pidParams{pid}, nil, &files); err != nil {
		return nil, errors.Wrapf(err, "cannot list files of %s", pid)
	}
	return files, nil
}

// AddFile uploads a payload file into the draft version and returns the id
// assigned to it.
func (c *Client) AddFile(ctx context.Context, pid string, f deposit.FileEntry) (int64, error) {
	out := uploadedFiles{}
	body := c.multipart(f.PhysicalPath, newFileParams(f.Metadata))
	if err := c.do(ctx, http.MethodPost, "api/datasets/:persistentId/add", pidParams{pid}, body, &out); err != nil {
		return 0, errors.Wrapf(err, "cannot add %s to %s", f.Path, pid)
	}
	id, err := out.id()
	return id, errors.Wrapf(err, "cannot add %s to %s", f.Path, pid)
}

// ReplaceFile uploads new content for an existing file and returns the id
// of the replacement.
func (c *Client) ReplaceFile(ctx context.Context, fileID int64, f deposit.FileEntry) (int64, error) {
	out := uploadedFiles{}
	params := newFileParams(f.Metadata)
	params.ForceReplace = true
	path := fmt.Sprintf("api/files/%d/replace", fileID)
	if err := c.do(ctx, http.MethodPost, path, nil, c.multipart(f.PhysicalPath, params), &out); err != nil {
		return 0, errors.Wrapf(err, "cannot replace file %d with %s", fileID, f.Path)
	}
	id, err := out.id()
	return id, errors.Wrapf(err, "cannot replace file %d with %s", fileID, f.Path)
}

// DeleteFile removes a file from the draft version.
func (c *Client) DeleteFile(ctx context.Context, fileID int64) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("api/files/%d", fileID), nil, nil, nil); err != nil {
		return errors.Wrapf(err, "cannot delete file %d", fileID)
	}
	return nil
}

// UpdateFileMetadata changes the labels, description and restriction of
// a file without touching its content.
func (c *Client) UpdateFileMetadata(ctx context.Context, fileID int64, meta deposit.FileMeta) error {
	path := fmt.Sprintf("api/files/%d/metadata", fileID)
	if err := c.do(ctx, http.MethodPost, path, nil, c.multipart("", newFileParams(meta)), nil); err != nil {
		return errors.Wrapf(err, "cannot update metadata of file %d", fileID)
	}
	return nil
}

type embargoParams struct {
	DateAvailable string  `json:"dateAvailable"`
	Reason        string  `json:"reason"`
	FileIDs       []int64 `json:"fileIds"`
}

// SetEmbargo restricts access to the given files until dateAvailable
// (YYYY-MM-DD).
func (c *Client) SetEmbargo(ctx context.Context, pid, dateAvailable string, fileIDs []int64) error {
	body := jsonPayload(embargoParams{
		DateAvailable: dateAvailable,
		Reason:        "",
		FileIDs:       fileIDs,
	})
	path := "api/datasets/:persistentId/files/actions/:set-embargo"
	if err := c.do(ctx, http.MethodPost, path, pidParams{pid}, body, nil); err != nil {
		return errors.Wrapf(err, "cannot set embargo on %s", pid)
	}
	return nil
}

// multipart streams a form with the jsonData part and, unless name is
// empty, the file content read from the configured filesystem.
func (c *Client) multipart(name string, params fileParams) payload {
	return func() (io.Reader, string, error) {
		jsonData, err := json.Marshal(params)
		if err != nil {
			return nil, "", err
		}
		var src io.ReadCloser
		if name != "" {
			if src, err = c.fs.Open(name); err != nil {
				return nil, "", errors.Wrapf(err, "cannot open %s", name)
			}
		}

		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			err := writeMultipart(mw, name, src, jsonData)
			if src != nil {
				src.Close()
			}
			if err == nil {
				err = mw.Close()
			}
			pw.CloseWithError(err)
		}()
		return pr, mw.FormDataContentType(), nil
	}
}

func writeMultipart(mw *multipart.Writer, name string, src io.Reader, jsonData []byte) error {
	if err := mw.WriteField("jsonData", string(jsonData)); err != nil {
		return err
	}
	if src == nil {
		return nil
	}
	part, err := mw.CreateFormFile("file", filepath.Base(name))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, src)
	return err
}
