// ABOUTME: HTTP client for the document upload service and user directory
// ABOUTME: Upload with client-side MIME filtering, tolerant listing, delete

package fileapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// ErrMissingUserID indicates an upload or delete without a user identity.
var ErrMissingUserID = errors.New("user id is required")

// ErrNoValidFiles indicates every file was rejected by the client-side
// content type filter. Nothing reaches the network in this case.
var ErrNoValidFiles = errors.New("no valid files: allowed types are PDF, Word and Excel documents")

// allowedContentTypes is the set of document types the service accepts.
var allowedContentTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
}

// Allowed reports whether the content type passes the upload filter.
func Allowed(contentType string) bool {
	return allowedContentTypes[contentType]
}

// Document is one uploaded document record as returned by the listing
// endpoint.
type Document struct {
	ID   string `json:"file_id"`
	Name string `json:"file_name"`
}

// File is one file submitted for upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Customer is one entry in the user directory.
type Customer struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// uploadResponse covers both field spellings seen across deployments of
// the upload service.
type uploadResponse struct {
	FileIDs    []string `json:"file_ids"`
	FileIDsAlt []string `json:"fileIds"`
	Detail     string   `json:"detail"`
}

// Client talks to the upload service and, optionally, the user directory.
type Client struct {
	uploadBase    string
	directoryBase string
	client        *http.Client
	logger        *slog.Logger
}

// New creates a client. directoryBase may be empty when no user directory
// is configured. Pass nil logger for default.
func New(uploadBase, directoryBase string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		uploadBase:    strings.TrimSuffix(uploadBase, "/"),
		directoryBase: strings.TrimSuffix(directoryBase, "/"),
		client:        &http.Client{},
		logger:        logger.With("component", "fileapi"),
	}
}

// Upload submits the files for userID and returns the server-assigned
// document IDs. Files with a disallowed content type are filtered out
// before the request; if none survive, ErrNoValidFiles is returned and
// no request is made.
func (c *Client) Upload(ctx context.Context, userID string, files []File) ([]string, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}

	valid := make([]File, 0, len(files))
	for _, f := range files {
		if Allowed(f.ContentType) {
			valid = append(valid, f)
			continue
		}
		c.logger.Warn("skipping file with disallowed content type",
			"name", f.Name,
			"content_type", f.ContentType,
		)
	}
	if len(valid) == 0 {
		return nil, ErrNoValidFiles
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, f := range valid {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
		header.Set("Content-Type", f.ContentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("building multipart body: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("writing file %s: %w", f.Name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finishing multipart body: %w", err)
	}

	target := fmt.Sprintf("%s/upload_files/?user_id=%s", c.uploadBase, url.QueryEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploading files: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.uploadError(resp)
	}

	var result uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("parsing upload response: %w", err)
	}

	ids := result.FileIDs
	if len(ids) == 0 {
		ids = result.FileIDsAlt
	}
	c.logger.Info("files uploaded", "user_id", userID, "count", len(ids))
	return ids, nil
}

// uploadError extracts the server's detail string from a failed upload.
func (c *Client) uploadError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp uploadResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Detail != "" {
		return fmt.Errorf("upload failed (%d): %s", resp.StatusCode, errResp.Detail)
	}
	return fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
}

// List returns the document set for userID. Any failure, including a
// response that is not a JSON array, is logged and treated as zero
// files; it never surfaces to the caller.
func (c *Client) List(ctx context.Context, userID string) []Document {
	target := fmt.Sprintf("%s/get_files/%s", c.uploadBase, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		c.logger.Warn("listing request failed", "error", err)
		return nil
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("listing files failed", "user_id", userID, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("listing files failed", "user_id", userID, "status", resp.StatusCode)
		return nil
	}

	var docs []Document
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		c.logger.Warn("unexpected listing response shape, treating as no files",
			"user_id", userID,
			"error", err,
		)
		return nil
	}
	return docs
}

// Delete removes an uploaded document.
func (c *Client) Delete(ctx context.Context, userID, fileID string) error {
	if userID == "" {
		return ErrMissingUserID
	}

	target := fmt.Sprintf("%s/delete_file/%s?user_id=%s",
		c.uploadBase, url.PathEscape(fileID), url.QueryEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete failed with status %d: %s", resp.StatusCode, string(body))
	}

	c.logger.Info("file deleted", "user_id", userID, "file_id", fileID)
	return nil
}

// Customers returns the user directory, or an empty list on any failure.
// Returns nil immediately when no directory endpoint is configured.
func (c *Client) Customers(ctx context.Context) []Customer {
	if c.directoryBase == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.directoryBase+"/customers", nil)
	if err != nil {
		c.logger.Warn("customer request failed", "error", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("fetching customers failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("fetching customers failed", "status", resp.StatusCode)
		return nil
	}

	var result struct {
		Data struct {
			Items []Customer `json:"items"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.logger.Warn("unexpected customers response shape", "error", err)
		return nil
	}
	return result.Data.Items
}
