/*
Package calendar reads appointments from Microsoft Graph calendars.

PURPOSE:
  The reconciler only needs "list the events of calendar X between two
  instants" plus a bearer token. This package provides both, behind small
  interfaces so tests swap in fakes.

KEY TYPES:
  Event:             one provider event, times already in UTC
  GraphClient:       EventSource over Graph /users/{id}/calendar/events
  CachedCredentials: TokenSource that fetches once and reuses until expiry

TOKEN LIFECYCLE:
  The token is fetched lazily on first use and reused while valid. When the
  provider answers 401 the client invalidates it and retries the call once.

SEE ALSO:
  - reconcile/reconciler.go: consumer
*/
package calendar

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Event is a calendar appointment as returned by the provider.
type Event struct {
	ID         string
	Subject    string
	Start      time.Time
	End        time.Time
	Attendees  []string
	Categories []string
	Body       string

	// Err is set when the provider returned an event that could not be
	// decoded. Only ID may be filled in that case.
	Err error
}

// EventSource lists events of one calendar in [from, to).
type EventSource interface {
	ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]Event, error)
}

// TokenSource yields a bearer token for the provider.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// =============================================================================
// GRAPH WIRE FORMAT
// =============================================================================

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID        string        `json:"id"`
	Subject   string        `json:"subject"`
	Start     graphDateTime `json:"start"`
	End       graphDateTime `json:"end"`
	Attendees []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"attendees"`
	Categories []string `json:"categories"`
	Body       *struct {
		Content string `json:"content"`
	} `json:"body"`
}

type graphPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// graphLayout matches Graph's dateTime values, which carry up to seven
// fractional digits and no offset.
const graphLayout = "2006-01-02T15:04:05.9999999"

func (d graphDateTime) parse() (time.Time, error) {
	if d.DateTime == "" {
		return time.Time{}, fmt.Errorf("missing dateTime")
	}
	loc := time.UTC
	if tz := strings.TrimSpace(d.TimeZone); tz != "" && !strings.EqualFold(tz, "UTC") {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown time zone %q", tz)
		}
		loc = l
	}
	if t, err := time.Parse(time.RFC3339Nano, d.DateTime); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(graphLayout, d.DateTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid dateTime %q", d.DateTime)
	}
	return t.UTC(), nil
}

func (g graphEvent) toEvent() (Event, error) {
	if g.ID == "" {
		return Event{}, fmt.Errorf("event without id")
	}
	start, err := g.Start.parse()
	if err != nil {
		return Event{}, fmt.Errorf("event %s start: %w", g.ID, err)
	}
	end, err := g.End.parse()
	if err != nil {
		return Event{}, fmt.Errorf("event %s end: %w", g.ID, err)
	}

	ev := Event{
		ID:         g.ID,
		Subject:    g.Subject,
		Start:      start,
		End:        end,
		Categories: g.Categories,
	}
	for _, a := range g.Attendees {
		if addr := strings.TrimSpace(a.EmailAddress.Address); addr != "" {
			ev.Attendees = append(ev.Attendees, addr)
		}
	}
	if g.Body != nil {
		ev.Body = g.Body.Content
	}
	return ev, nil
}
