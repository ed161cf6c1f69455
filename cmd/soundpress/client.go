package main

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
	"path/filepath"
	"strings"
	"time"

	"soundpress/internal/api"
)

// client is a thin HTTP client for the daemon API.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(server, token string) (*client, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return nil, errors.New("daemon address is not configured; set --server or api_bind in the config file")
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	return &client{
		baseURL: strings.TrimRight(server, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *client) health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) job(ctx context.Context, jobID string) (*api.JobResponse, error) {
	var out api.JobResponse
	if err := c.getJSON(ctx, "/jobs/"+jobID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) listJobs(ctx context.Context, statuses []string) ([]api.JobResponse, error) {
	path := "/jobs"
	if len(statuses) > 0 {
		params := url.Values{}
		for _, status := range statuses {
			params.Add("status", status)
		}
		path += "?" + params.Encode()
	}
	var out api.JobListResponse
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *client) retryJob(ctx context.Context, jobID string) (*api.JobResponse, error) {
	var out api.JobResponse
	if err := c.doJSON(ctx, http.MethodPost, "/jobs/"+jobID+"/retry", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) clearJobs(ctx context.Context, status string) (int, error) {
	path := "/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out api.ClearResponse
	if err := c.doJSON(ctx, http.MethodDelete, path, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

// submitOptions carries the form fields for a job submission.
type submitOptions struct {
	JobID         string
	OutputURL     string
	OutputToken   string
	CallbackURL   string
	CallbackToken string
}

// submit streams the file to the daemon as multipart/form-data. The form
// fields are written before the file part so the daemon can stream the
// payload straight to disk.
func (c *client) submit(ctx context.Context, path string, opts submitOptions) (*api.JobResponse, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		err := writeSubmission(writer, file, filepath.Base(path), opts)
		if closeErr := writer.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	// Submissions can be large; no client-side timeout.
	httpClient := &http.Client{}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var out api.JobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func writeSubmission(writer *multipart.Writer, file *os.File, filename string, opts submitOptions) error {
	fields := []struct{ name, value string }{
		{"job_id", opts.JobID},
		{"output_url", opts.OutputURL},
		{"output_auth_token", opts.OutputToken},
		{"callback_url", opts.CallbackURL},
		{"callback_auth_token", opts.CallbackToken},
	}
	for _, field := range fields {
		if field.value == "" {
			continue
		}
		if err := writer.WriteField(field.name, field.value); err != nil {
			return err
		}
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, file)
	return err
}

func (c *client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, out)
}

func (c *client) doJSON(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeError(resp *http.Response) error {
	var body api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", body.Error, resp.StatusCode)
	}
	return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
}
