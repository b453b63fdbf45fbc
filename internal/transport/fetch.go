package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"excursion-sync-service/internal/domain"
)

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: %w", path, statusError(resp.StatusCode, data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func excursionPath(id string, sub string) string {
	p := "/excursions/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) FetchExcursion(ctx context.Context, id string) (*domain.Excursion, error) {
	var exc domain.Excursion
	if err := c.getJSON(ctx, excursionPath(id, ""), &exc); err != nil {
		return nil, err
	}
	if exc.ID == "" {
		exc.ID = id
	}
	return &exc, nil
}

func (c *Client) FetchStudents(ctx context.Context, excursionID string) ([]domain.Student, error) {
	var students []domain.Student
	if err := c.getJSON(ctx, excursionPath(excursionID, "students"), &students); err != nil {
		return nil, err
	}
	return students, nil
}

func (c *Client) FetchCheckpoints(ctx context.Context, excursionID string) ([]domain.Checkpoint, error) {
	var checkpoints []domain.Checkpoint
	if err := c.getJSON(ctx, excursionPath(excursionID, "checkpoints"), &checkpoints); err != nil {
		return nil, err
	}
	return checkpoints, nil
}

func (c *Client) FetchTasks(ctx context.Context, excursionID string) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := c.getJSON(ctx, excursionPath(excursionID, "tasks"), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}
