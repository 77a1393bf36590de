package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrPollTimeout means the attempt cap ran out while the job was still processing.
	ErrPollTimeout = errors.New("conversion still processing after maximum poll attempts")
	ErrJobFailed   = errors.New("conversion failed")
	ErrNotFound    = errors.New("job not found")
)

const (
	DefaultPollAttempts = 60
	DefaultPollInterval = 2 * time.Second
)

// APIError is a non-success response from the service.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

type Status struct {
	Status      string `json:"status"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// Client submits conversions and polls for their result.
type Client struct {
	baseURL      string
	http         *http.Client
	PollAttempts int
	PollInterval time.Duration
}

func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         hc,
		PollAttempts: DefaultPollAttempts,
		PollInterval: DefaultPollInterval,
	}
}

// Submit uploads the files in order and returns the job id.
func (c *Client) Submit(ctx context.Context, tool string, paths []string, extra string) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, tool, paths, extra))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/convert", pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}
	var out struct {
		JobID string `json:"jobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	return out.JobID, nil
}

func writeForm(mw *multipart.Writer, tool string, paths []string, extra string) error {
	if err := mw.WriteField("tool", tool); err != nil {
		return err
	}
	if extra != "" {
		if err := mw.WriteField("extraPayload", extra); err != nil {
			return err
		}
	}
	for _, p := range paths {
		if err := copyPart(mw, p); err != nil {
			return err
		}
	}
	return mw.Close()
}

func copyPart(mw *multipart.Writer, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := mw.CreateFormFile("file", filepath.Base(name))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func (c *Client) Status(ctx context.Context, jobID string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Status{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	default:
		return Status{}, apiError(resp)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// Wait polls until the job completes and returns its download URL. Running
// out of attempts yields ErrPollTimeout; a failed job yields ErrJobFailed.
func (c *Client) Wait(ctx context.Context, jobID string) (string, error) {
	attempts := c.PollAttempts
	if attempts <= 0 {
		attempts = DefaultPollAttempts
	}
	for i := 1; i <= attempts; i++ {
		st, err := c.Status(ctx, jobID)
		if err != nil {
			return "", err
		}
		switch st.Status {
		case "completed":
			if st.DownloadURL == "" {
				return "", fmt.Errorf("job %s completed without a download URL", jobID)
			}
			return st.DownloadURL, nil
		case "failed":
			if st.Reason != "" {
				return "", fmt.Errorf("%w: %s", ErrJobFailed, st.Reason)
			}
			return "", ErrJobFailed
		}
		log.Debug().Str("job_id", jobID).Int("attempt", i).Str("status", st.Status).Msg("Job still processing")
		if i == attempts {
			break
		}
		t := time.NewTimer(c.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return "", fmt.Errorf("%w: job %s after %d attempts", ErrPollTimeout, jobID, attempts)
}

// Download saves the artifact at downloadURL into dir and returns the file path.
func (c *Client) Download(ctx context.Context, downloadURL, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}

	name := path.Base(req.URL.Path)
	if name == "." || name == "/" {
		return "", fmt.Errorf("download URL %q has no file name", downloadURL)
	}
	dest := filepath.Join(dir, name)
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		_ = os.Remove(dest)
		return "", fmt.Errorf("download: %w", err)
	}
	return dest, f.Close()
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{Code: resp.StatusCode, Message: msg}
}
