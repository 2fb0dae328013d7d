// Package directory is the HTTP client for the external account service that
// owns users, vehicles, routes and memberships. The relay only ever reads
// from it; a circuit breaker keeps a directory outage from stalling every
// in-flight protocol request.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"transitlive/relay/internal/auth"
)

// ErrUnavailable wraps transport failures and open-breaker rejections.
var ErrUnavailable = errors.New("directory unavailable")

const defaultTimeout = 5 * time.Second

// Client resolves tokens, vehicles, routes and memberships over HTTP.
type Client struct {
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient constructs a directory client for the given base URL.
func NewClient(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("directory base URL must not be empty")
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "directory",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		base:    baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		breaker: breaker,
	}, nil
}

// VerifyToken resolves a bearer token to an identity. Rejected tokens return
// (nil, nil); only infrastructure failures return an error.
func (c *Client) VerifyToken(ctx context.Context, token string) (*auth.Context, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, err
	}
	var out struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	found, err := c.do(ctx, http.MethodPost, c.base+"/internal/tokens/verify", body, &out)
	if err != nil {
		return nil, err
	}
	if !found || out.UserID == "" {
		return nil, nil
	}
	return &auth.Context{UserID: out.UserID, Role: auth.Role(out.Role)}, nil
}

// GetVehicle returns the vehicle record, or (nil, nil) when absent.
func (c *Client) GetVehicle(ctx context.Context, vehicleID int64) (*auth.VehicleRef, error) {
	var out struct {
		ID          int64  `json:"id"`
		PlateNumber string `json:"plate_number"`
		RouteID     *int64 `json:"route_id"`
	}
	url := fmt.Sprintf("%s/internal/vehicles/%d", c.base, vehicleID)
	found, err := c.do(ctx, http.MethodGet, url, nil, &out)
	if err != nil || !found {
		return nil, err
	}
	return &auth.VehicleRef{ID: out.ID, PlateNumber: out.PlateNumber, RouteID: out.RouteID}, nil
}

// GetRoute returns the route record, or (nil, nil) when absent.
func (c *Client) GetRoute(ctx context.Context, routeID int64) (*auth.RouteRef, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	url := fmt.Sprintf("%s/internal/routes/%d", c.base, routeID)
	found, err := c.do(ctx, http.MethodGet, url, nil, &out)
	if err != nil || !found {
		return nil, err
	}
	return &auth.RouteRef{ID: out.ID}, nil
}

// GetMembership returns the user's membership on the vehicle, or (nil, nil)
// when the user has none.
func (c *Client) GetMembership(ctx context.Context, vehicleID int64, userID string) (*auth.Membership, error) {
	var out struct {
		Role string `json:"role"`
	}
	url := fmt.Sprintf("%s/internal/vehicles/%d/members/%s", c.base, vehicleID, userID)
	found, err := c.do(ctx, http.MethodGet, url, nil, &out)
	if err != nil || !found {
		return nil, err
	}
	return &auth.Membership{VehicleID: vehicleID, UserID: userID, Role: auth.Role(out.Role)}, nil
}

// do performs one request through the breaker. Returns found=false for 404
// and 401 responses; 5xx and transport failures count against the breaker.
func (c *Client) do(ctx context.Context, method, url string, body []byte, dst any) (bool, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return false, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized:
			_, _ = io.Copy(io.Discard, resp.Body)
			return false, nil
		case resp.StatusCode >= 300:
			_, _ = io.Copy(io.Discard, resp.Body)
			return false, fmt.Errorf("directory returned %d for %s", resp.StatusCode, url)
		}
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return false, fmt.Errorf("decode directory response: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	found, _ := result.(bool)
	return found, nil
}

var (
	_ auth.TokenVerifier = (*Client)(nil)
	_ auth.Directory     = (*Client)(nil)
)
