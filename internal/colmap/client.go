// Package colmap is the HTTP client for the external COLMAP processing
// service that performs the actual photogrammetry work.
package colmap

import (
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

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// Sentinel errors for COLMAP client failures.
var (
	ErrUnreachable = errors.New("colmap service unreachable")
	ErrTimeout     = errors.New("colmap request timeout")
	ErrRejected    = errors.New("colmap request rejected")
	ErrNotFound    = errors.New("colmap resource not found")
)

// Client is the interface for talking to the COLMAP service.
type Client interface {
	StartReconstruction(ctx context.Context, req StartRequest) error
	JobStatus(ctx context.Context, jobID string) (*JobStatusResponse, error)
	Health(ctx context.Context) error
	CancelJob(ctx context.Context, jobID string) error
	DownloadFile(ctx context.Context, jobID, filename string) (io.ReadCloser, int64, error)
}

// StartRequest is the body of POST /start-reconstruction. JobID is generated
// by the caller so that later status reports can be correlated even if the
// acknowledgment is lost.
type StartRequest struct {
	ScanID      string `json:"scan_id"`
	JobID       string `json:"job_id"`
	Stage       string `json:"stage"`
	InputPath   string `json:"input_path"`
	OutputPath  string `json:"output_path"`
	Quality     string `json:"quality"`
	CameraModel string `json:"camera_model"`
}

// JobStatusResponse is the body of GET /job-status/{jobId}.
type JobStatusResponse struct {
	Status   string          `json:"status"`
	Progress float64         `json:"progress"`
	Message  string          `json:"message"`
	Results  json.RawMessage `json:"results,omitempty"`
}

// HTTPClient implements Client over resty with a client-side rate limit.
type HTTPClient struct {
	http    *resty.Client
	limiter *rate.Limiter
}

// Options tunes an HTTPClient. Zero values fall back to defaults.
type Options struct {
	// Timeout caps any single request; callers usually set a tighter
	// deadline on the context.
	Timeout time.Duration
	MaxRPS  float64
	Burst   int
}

// NewHTTPClient creates a new COLMAP HTTP client.
func NewHTTPClient(baseURL string, opts Options) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRPS <= 0 {
		opts.MaxRPS = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.MaxRPS) * 2
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "scanpipe").
		SetTimeout(opts.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only reads are retried; starting a stage twice is not safe.
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() == http.StatusServiceUnavailable
		})

	return &HTTPClient{
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(opts.MaxRPS), opts.Burst),
	}
}

func (c *HTTPClient) request(ctx context.Context) (*resty.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrTimeout, err)
	}
	return c.http.R().SetContext(ctx), nil
}

func (c *HTTPClient) StartReconstruction(ctx context.Context, req StartRequest) error {
	r, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := r.
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post("/start-reconstruction")
	if err != nil {
		return classifyError(err)
	}
	if !resp.IsSuccess() {
		return statusError(resp)
	}
	return nil
}

func (c *HTTPClient) JobStatus(ctx context.Context, jobID string) (*JobStatusResponse, error) {
	r, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := r.
		SetPathParam("jobId", jobID).
		Get("/job-status/{jobId}")
	if err != nil {
		return nil, classifyError(err)
	}
	if !resp.IsSuccess() {
		return nil, statusError(resp)
	}

	var out JobStatusResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("%w: decoding job status: %v", ErrRejected, err)
	}
	if out.Status == "" {
		return nil, fmt.Errorf("%w: job status response has no status", ErrRejected)
	}
	return &out, nil
}

func (c *HTTPClient) Health(ctx context.Context) error {
	r, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := r.Get("/health")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: colmap not healthy (status %d)", ErrUnreachable, resp.StatusCode())
	}
	return nil
}

// CancelJob asks the service to stop a job. A 404 means the service has
// nothing to cancel and is not an error.
func (c *HTTPClient) CancelJob(ctx context.Context, jobID string) error {
	r, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := r.
		SetPathParam("jobId", jobID).
		Post("/cancel-job/{jobId}")
	if err != nil {
		return classifyError(err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if !resp.IsSuccess() {
		return statusError(resp)
	}
	return nil
}

// DownloadFile streams a named output file. The caller must close the
// returned reader. Size is -1 when the service does not report it.
func (c *HTTPClient) DownloadFile(ctx context.Context, jobID, filename string) (io.ReadCloser, int64, error) {
	r, err := c.request(ctx)
	if err != nil {
		return nil, 0, err
	}
	resp, err := r.
		SetDoNotParseResponse(true).
		SetHeader("Accept", "*/*").
		SetPathParam("jobId", jobID).
		SetPathParam("filename", filename).
		Get("/download-file/{jobId}/{filename}")
	if err != nil {
		return nil, 0, classifyError(err)
	}
	body := resp.RawBody()
	if !resp.IsSuccess() {
		if body != nil {
			body.Close()
		}
		if resp.StatusCode() == http.StatusNotFound {
			return nil, 0, fmt.Errorf("%w: %s/%s", ErrNotFound, jobID, filename)
		}
		return nil, 0, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode())
	}
	return body, resp.RawResponse.ContentLength, nil
}

func statusError(resp *resty.Response) error {
	msg := strings.TrimSpace(string(resp.Body()))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: status %d: %s", ErrNotFound, resp.StatusCode(), msg)
	}
	return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode(), msg)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
