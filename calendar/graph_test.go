package calendar_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sparkbloom/clinic-engine/calendar"
	"github.com/sparkbloom/clinic-engine/clinic"
)

// staticTokens hands out numbered tokens and counts invalidations.
type staticTokens struct {
	issued      int32
	invalidated int32
}

func (s *staticTokens) AccessToken(context.Context) (string, error) {
	n := atomic.LoadInt32(&s.issued)
	if n == 0 || atomic.LoadInt32(&s.invalidated) >= n {
		n = atomic.AddInt32(&s.issued, 1)
	}
	return fmt.Sprintf("tok-%d", n), nil
}

func (s *staticTokens) Invalidate() { atomic.AddInt32(&s.invalidated, 1) }

func eventJSON(id, subject, start string) map[string]any {
	return map[string]any{
		"id":         id,
		"subject":    subject,
		"start":      map[string]string{"dateTime": start, "timeZone": "UTC"},
		"end":        map[string]string{"dateTime": start, "timeZone": "UTC"},
		"attendees":  []any{map[string]any{"emailAddress": map[string]string{"address": "Mae@Example.com"}}},
		"categories": []string{"Utente:7"},
		"body":       map[string]string{"content": "notes"},
	}
}

func TestListEvents_FollowsPagesAndParsesFields(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, `outlook.timezone="UTC"`, r.Header.Get("Prefer"))

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			json.NewEncoder(w).Encode(map[string]any{
				"value": []any{eventJSON("evt-2", "UTENTE 8", "2024-03-02T09:30:00.0000000")},
			})
			return
		}
		assert.Equal(t, "/users/therapist@clinic.pt/calendar/events", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("$filter"), "start/dateTime ge '2024-03-01T00:00:00Z'")
		json.NewEncoder(w).Encode(map[string]any{
			"value":           []any{eventJSON("evt-1", "Sessão UTENTE:7", "2024-03-01T10:00:00.0000000")},
			"@odata.nextLink": srv.URL + "/users/therapist@clinic.pt/calendar/events?page=2",
		})
	}))
	defer srv.Close()

	client := calendar.NewGraphClient(srv.URL, &staticTokens{})
	events, err := client.ListEvents(context.Background(), "therapist@clinic.pt",
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, events, 2)

	first := events[0]
	assert.Equal(t, "evt-1", first.ID)
	assert.Equal(t, "Sessão UTENTE:7", first.Subject)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), first.Start)
	assert.Equal(t, []string{"Mae@Example.com"}, first.Attendees)
	assert.Equal(t, []string{"Utente:7"}, first.Categories)
	assert.Equal(t, "notes", first.Body)
	assert.NoError(t, first.Err)

	assert.Equal(t, "evt-2", events[1].ID)
}

func TestListEvents_RetriesOnceAfter401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer tok-2", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"value": []any{}})
	}))
	defer srv.Close()

	tokens := &staticTokens{}
	client := calendar.NewGraphClient(srv.URL, tokens)
	_, err := client.ListEvents(context.Background(), "cal", time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.invalidated))
}

func TestListEvents_PersistentFailureIsExternalServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"throttled"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := calendar.NewGraphClient(srv.URL, &staticTokens{})
	_, err := client.ListEvents(context.Background(), "cal", time.Now(), time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.ErrorIs(t, err, clinic.ErrExternalService)
	assert.Contains(t, err.Error(), "429")
}

func TestListEvents_MalformedEventIsReturnedWithError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bad := eventJSON("evt-bad", "UTENTE:7", "yesterday")
		json.NewEncoder(w).Encode(map[string]any{
			"value": []any{bad, eventJSON("evt-ok", "UTENTE:7", "2024-03-01T10:00:00")},
		})
	}))
	defer srv.Close()

	client := calendar.NewGraphClient(srv.URL, &staticTokens{})
	events, err := client.ListEvents(context.Background(), "cal", time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-bad", events[0].ID)
	assert.Error(t, events[0].Err)
	assert.NoError(t, events[1].Err)
}

// =============================================================================
// CREDENTIALS
// =============================================================================

func TestCachedCredentials_ReusesUntilInvalidated(t *testing.T) {
	var fetches int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&fetches, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"at-%d","token_type":"Bearer","expires_in":3600}`, n)
	}))
	defer tokenSrv.Close()

	creds := calendar.NewCachedCredentials(&clientcredentials.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     tokenSrv.URL,
		Scopes:       []string{calendar.GraphScope},
	})
	ctx := context.Background()

	tok, err := creds.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)

	tok, err = creds.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))

	creds.Invalidate()
	tok, err = creds.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok)
}

func TestCachedCredentials_NotConfigured(t *testing.T) {
	creds := calendar.NewAzureCredentials("tenant", "", "")
	_, err := creds.AccessToken(context.Background())
	assert.ErrorIs(t, err, calendar.ErrNoCredentials)
}
