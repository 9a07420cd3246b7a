package api

import (
	"context"
	"net/http"
	"strconv"

	"healthsense/models"
)

const (
	RecordsPath   = "/api/records/"
	CheckAuthPath = "/api/records/check-auth"
	ProfilePath   = "/api/profile"
	TimezonesPath = "/api/profile/timezones"
)

// FetchRecords returns up to limit raw records for the signed-in user.
func (c *Client) FetchRecords(ctx context.Context, limit int) ([]models.RawRecord, error) {
	req := Request{Method: http.MethodGet, Path: RecordsPath}
	if limit > 0 {
		req.Query = map[string]string{"limit": strconv.Itoa(limit)}
	}

	var records []models.RawRecord
	if err := c.Do(ctx, req, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// AuthCheck is the API's view of the caller's token.
type AuthCheck struct {
	Authenticated bool   `json:"authenticated"`
	UID           string `json:"uid"`
	Email         string `json:"email,omitempty"`
}

// CheckAuth asks the API to verify the current ID token.
func (c *Client) CheckAuth(ctx context.Context) (*AuthCheck, error) {
	var check AuthCheck
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: CheckAuthPath}, &check); err != nil {
		return nil, err
	}
	return &check, nil
}

// FetchProfile returns the signed-in user's profile.
func (c *Client) FetchProfile(ctx context.Context) (*models.Profile, error) {
	var resp struct {
		Status  string         `json:"status"`
		Profile models.Profile `json:"profile"`
	}
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: ProfilePath}, &resp); err != nil {
		return nil, err
	}
	return &resp.Profile, nil
}

// FetchTimezones returns the timezone names the API accepts for profiles.
func (c *Client) FetchTimezones(ctx context.Context) ([]string, error) {
	var resp struct {
		Timezones []string `json:"timezones"`
	}
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: TimezonesPath}, &resp); err != nil {
		return nil, err
	}
	return resp.Timezones, nil
}
