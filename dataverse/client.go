// Package dataverse is a client of the Dataverse native API covering the
// operations needed to create, update and publish datasets.
package dataverse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/gorilla/schema"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/JiscSD/rdss-dataverse-ingest/version"
)

const (
	apiKeyHeader = "X-Dataverse-key"

	mediaTypeJSON   = "application/json"
	mediaTypeJSONLD = "application/ld+json"
)

// Version selectors accepted by ListFiles.
const (
	VersionLatest          = ":latest"
	VersionLatestPublished = ":latest-published"
)

// VersionStateReleased is reported by VersionState once a dataset version
// has been published.
const VersionStateReleased = "RELEASED"

// APIError is returned when Dataverse answers with an error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dataverse: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Client talks to a Dataverse installation on behalf of one collection.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	collection string
	userAgent  string
	client     *http.Client
	fs         afero.Fs
	logger     logrus.FieldLogger
	encoder    *schema.Encoder
	backOff    func() backoff.BackOff
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) { client.client = c }
}

// WithFs sets the filesystem payload files are read from.
func WithFs(fs afero.Fs) Option {
	return func(client *Client) { client.fs = fs }
}

// WithBackOff sets the retry strategy used for each request.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(client *Client) { client.backOff = fn }
}

// New returns a Client for the Dataverse installation at baseURL storing
// new datasets in the given collection.
func New(logger logrus.FieldLogger, baseURL, apiKey, collection string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("error processing Dataverse URL (%q): %w", baseURL, err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	const (
		dialTimeout      = 5 * time.Second
		handshakeTimeout = 5 * time.Second
		timeout          = 10 * time.Minute
	)
	c := &Client{
		baseURL:    u,
		apiKey:     apiKey,
		collection: collection,
		userAgent:  version.AppVersion(),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: dialTimeout}).DialContext,
				TLSHandshakeTimeout: handshakeTimeout,
			},
		},
		fs:      afero.NewOsFs(),
		logger:  logger,
		encoder: schema.NewEncoder(),
		backOff: func() backoff.BackOff {
			return &backoff.ExponentialBackOff{
				InitialInterval:     500 * time.Millisecond,
				RandomizationFactor: 0.5,
				Multiplier:          1.5,
				MaxInterval:         10 * time.Second,
				MaxElapsedTime:      time.Minute,
				Clock:               backoff.SystemClock,
			}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// payload builds a fresh request body for every attempt.
type payload func() (body io.Reader, contentType string, err error)

func jsonPayload(v interface{}) payload {
	return func() (io.Reader, string, error) {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(v); err != nil {
			return nil, "", fmt.Errorf("error encoding the request: %v", err)
		}
		return buf, mediaTypeJSON, nil
	}
}

func rawPayload(blob []byte, contentType string) payload {
	return func() (io.Reader, string, error) {
		return bytes.NewReader(blob), contentType, nil
	}
}

type envelope struct {
	Status  string          `json:"status"`
	Message json.RawMessage `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do delivers the request with exponential backoff and decodes the data
// member of the response into out. Server errors are retried, client
// errors are not.
func (c *Client) do(ctx context.Context, method, path string, query interface{}, body payload, out interface{}) error {
	rel, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("error parsing the URL string: %v", err)
	}
	dest := c.baseURL.ResolveReference(rel)
	if query != nil {
		values := url.Values{}
		if err := c.encoder.Encode(query, values); err != nil {
			return fmt.Errorf("error encoding the query string: %v", err)
		}
		dest.RawQuery = values.Encode()
	}

	var env envelope
	op := func() error {
		var (
			reader      io.Reader
			contentType string
		)
		if body != nil {
			var err error
			if reader, contentType, err = body(); err != nil {
				return backoff.Permanent(err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, dest.String(), reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("error creating request: %v", err))
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", mediaTypeJSON)
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set(apiKeyHeader, c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		blob, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		env = envelope{}
		if len(blob) > 0 {
			if err := json.Unmarshal(blob, &env); err != nil && resp.StatusCode < 300 {
				return backoff.Permanent(fmt.Errorf("error decoding the response payload: %v", err))
			}
		}
		switch {
		case resp.StatusCode >= 500:
			return &APIError{StatusCode: resp.StatusCode, Message: env.message()}
		case resp.StatusCode >= 400:
			return backoff.Permanent(&APIError{StatusCode: resp.StatusCode, Message: env.message()})
		}
		return nil
	}

	notify := func(err error, next time.Duration) {
		c.logger.WithFields(logrus.Fields{"method": method, "path": path, "err": err, "next": next}).Debug("Retrying Dataverse request")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.backOff(), ctx), notify); err != nil {
		return err
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("error decoding the response data: %v", err)
	}
	return nil
}

// message returns the error message whether Dataverse sent it as a string
// or as an object.
func (e envelope) message() string {
	if len(e.Message) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Message, &s); err == nil {
		return s
	}
	return string(e.Message)
}
