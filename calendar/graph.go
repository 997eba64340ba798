package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sparkbloom/clinic-engine/clinic"
)

// DefaultGraphURL is the Microsoft Graph v1.0 endpoint.
const DefaultGraphURL = "https://graph.microsoft.com/v1.0"

const filterLayout = "2006-01-02T15:04:05Z"

// GraphClient lists calendar events through Microsoft Graph.
type GraphClient struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	PageSize   int
}

// NewGraphClient creates a client against baseURL (DefaultGraphURL when empty).
func NewGraphClient(baseURL string, tokens TokenSource) *GraphClient {
	if baseURL == "" {
		baseURL = DefaultGraphURL
	}
	return &GraphClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Tokens:     tokens,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		PageSize:   100,
	}
}

// ListEvents returns the events of calendarID starting in [from, to), in
// provider order, following @odata.nextLink until the last page. Events that
// cannot be decoded are returned with Err set.
func (c *GraphClient) ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]Event, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("start/dateTime ge '%s' and start/dateTime lt '%s'",
		from.UTC().Format(filterLayout), to.UTC().Format(filterLayout)))
	q.Set("$select", "id,subject,start,end,attendees,categories,body")
	if c.PageSize > 0 {
		q.Set("$top", fmt.Sprint(c.PageSize))
	}
	next := fmt.Sprintf("%s/users/%s/calendar/events?%s", c.BaseURL, url.PathEscape(calendarID), q.Encode())

	var events []Event
	for next != "" {
		page, err := c.fetchPage(ctx, next)
		if err != nil {
			return nil, &clinic.ExternalServiceError{Op: "list events of " + calendarID, Err: err}
		}
		for _, g := range page.Value {
			ev, err := g.toEvent()
			if err != nil {
				ev = Event{ID: g.ID, Err: err}
			}
			events = append(events, ev)
		}
		next = page.NextLink
	}
	return events, nil
}

// fetchPage GETs one page. A 401 invalidates the cached token and the
// request is retried once with a fresh one.
func (c *GraphClient) fetchPage(ctx context.Context, pageURL string) (*graphPage, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.Tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Prefer", `outlook.timezone="UTC"`)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			drain(resp)
			if inv, ok := c.Tokens.(interface{ Invalidate() }); ok {
				inv.Invalidate()
				continue
			}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("graph returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var page graphPage
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode events page: %w", err)
		}
		return &page, nil
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
