// Package validator checks bags against a deposit profile using the
// external bag-validation service.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v3"
)

// Profiles understood by the validation service.
const (
	ProfileSubmission = "DEPOSIT"
	ProfileMigration  = "MIGRATION"
)

// Violation is a single rule the bag does not comply with.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"violation"`
}

// Result is the outcome of a validation.
type Result struct {
	Compliant      bool        `json:"isCompliant"`
	ProfileVersion string      `json:"profileVersion"`
	Violations     []Violation `json:"ruleViolations"`
}

// Summary joins the violations into a single line.
func (r Result) Summary() string {
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Rule, v.Message))
	}
	return strings.Join(msgs, "; ")
}

// Validator validates bags.
type Validator interface {
	Validate(ctx context.Context, bagDir, profile string) (*Result, error)
}

// NoOpValidatorImpl reports every bag as compliant.
type NoOpValidatorImpl struct{}

var _ Validator = (*NoOpValidatorImpl)(nil)

func NewNoOpValidator() *NoOpValidatorImpl {
	return &NoOpValidatorImpl{}
}

func (v *NoOpValidatorImpl) Validate(ctx context.Context, bagDir, profile string) (*Result, error) {
	return &Result{Compliant: true}, nil
}

// Client is an implementation of Validator backed by the validation
// service HTTP API.
type Client struct {
	baseURL   *url.URL
	client    *http.Client
	userAgent string
	backOff   func() backoff.BackOff
}

var _ Validator = (*Client)(nil)

func New(baseURL, userAgent string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("error processing validator URL (%q): %w", baseURL, err)
	}

	// Validating a large bag means checksumming every payload file on the
	// service side.
	const (
		dialTimeout      = 5 * time.Second
		handshakeTimeout = 5 * time.Second
		timeout          = 5 * time.Minute
	)
	return &Client{
		baseURL:   u,
		userAgent: userAgent,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: dialTimeout}).DialContext,
				TLSHandshakeTimeout: handshakeTimeout,
			},
		},
		backOff: func() backoff.BackOff {
			return &backoff.ExponentialBackOff{
				InitialInterval:     500 * time.Millisecond,
				RandomizationFactor: 0.5,
				Multiplier:          1.5,
				MaxInterval:         10 * time.Second,
				MaxElapsedTime:      2 * time.Minute,
				Clock:               backoff.SystemClock,
			}
		},
	}, nil
}

// SetBackOff replaces the retry strategy used for each request.
func (c *Client) SetBackOff(fn func() backoff.BackOff) {
	c.backOff = fn
}

type validateRequest struct {
	BagLocation string `json:"bagLocation"`
	PackageType string `json:"packageType"`
}

// Validate implements the Validator interface.
func (c *Client) Validate(ctx context.Context, bagDir, profile string) (*Result, error) {
	resp, err := c.request(ctx, "POST", "validate", &validateRequest{
		BagLocation: bagDir,
		PackageType: profile,
	})
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	result := &Result{}
	if err := c.decodeResponse(resp.Body, result); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected response status %d", resp.StatusCode)
	}

	return result, nil
}

// request encodes and delivers the HTTP request with exponential backoff.
func (c *Client) request(ctx context.Context, method, urlStr string, requestPayload interface{}) (*http.Response, error) {
	blob, err := json.Marshal(requestPayload)
	if err != nil {
		return nil, fmt.Errorf("error encoding the request: %v", err)
	}

	rel, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("error parsing the URL string: %v", err)
	}
	dest := c.baseURL.ResolveReference(rel)

	var resp *http.Response
	err = backoff.Retry(
		func() error {
			req, err := http.NewRequestWithContext(ctx, method, dest.String(), bytes.NewReader(blob))
			if err != nil {
				return backoff.Permanent(fmt.Errorf("error creating request: %v", err))
			}
			const mediaTypeJSON = "application/json"
			req.Header.Add("Content-Type", mediaTypeJSON)
			req.Header.Add("Accept", mediaTypeJSON)
			req.Header.Add("User-Agent", c.userAgent)

			resp, err = c.client.Do(req)
			if err != nil {
				return err
			}
			switch {
			// Give up right away on client errors.
			case resp.StatusCode >= 400 && resp.StatusCode < 500:
				resp.Body.Close()
				return backoff.Permanent(
					fmt.Errorf("%s (client error)", http.StatusText(resp.StatusCode)),
				)
			// Retry on server errors.
			case resp.StatusCode >= 500:
				resp.Body.Close()
				return errors.New("5xx (server error)")
			}
			return nil
		},
		backoff.WithContext(c.backOff(), ctx),
	)

	return resp, err
}

// decodeResponse decodes the returned response and closes its body.
func (c *Client) decodeResponse(body io.ReadCloser, responsePayload interface{}) (err error) {
	defer func() {
		if rerr := body.Close(); rerr != nil && err == nil {
			err = fmt.Errorf("error closing the response body: %v", rerr)
		}
	}()

	if err = json.NewDecoder(body).Decode(responsePayload); err != nil {
		err = fmt.Errorf("error decoding the response payload: %v", err)
	}

	return err
}
