//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/soc-garden/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// seedClient inserts a client directly; client onboarding is outside the API.
func seedClient(t *testing.T, contactEmail string) string {
	t.Helper()

	id := uuid.NewString()
	_, err := testDB.Exec(context.Background(), `
		INSERT INTO clients (id, name, contact_email, is_active, created_at)
		VALUES ($1, $2, $3, true, now())
	`, id, "Client "+id[:8], contactEmail)
	require.NoError(t, err)
	return id
}

// createAnalyst registers an analyst through the admin API and returns its ID.
func createAnalyst(t *testing.T, client *testutil.Client, capacity int, shiftID *string) string {
	t.Helper()

	admin := *client
	admin.AsAdmin(t, testJWTSecret)

	payload := map[string]interface{}{
		"name":         "Analyst " + uuid.NewString()[:8],
		"email":        fmt.Sprintf("analyst-%s@example.com", uuid.NewString()[:8]),
		"max_capacity": capacity,
	}
	if shiftID != nil {
		payload["shift_id"] = *shiftID
	}

	resp, err := admin.POST("/api/v1/analysts", payload)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	require.NotEmpty(t, result.Data.ID)
	return result.Data.ID
}

// createShiftCoveringNow defines a shift whose window contains the current
// wall-clock time, so auto assignment sees the analyst on shift.
func createShiftCoveringNow(t *testing.T, client *testutil.Client) string {
	t.Helper()

	admin := *client
	admin.AsAdmin(t, testJWTSecret)

	now := time.Now()
	resp, err := admin.POST("/api/v1/shifts", map[string]interface{}{
		"name":       "All Day " + uuid.NewString()[:8],
		"weekday":    int(now.Weekday()),
		"start_time": "00:00",
		"end_time":   "23:59",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data.ID
}

type incidentTicket struct {
	IncidentID string
	TicketID   string
	Status     string
}

// createIncident opens an incident through the API and returns the incident
// and ticket IDs.
func createIncident(t *testing.T, client *testutil.Client, clientID, severity string) incidentTicket {
	t.Helper()

	resp, err := client.POST("/api/v1/incidents", map[string]interface{}{
		"client_id":   clientID,
		"severity":    severity,
		"description": "suspicious activity",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		Data struct {
			Incident struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"incident"`
			Ticket struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"ticket"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	require.NotEmpty(t, result.Data.Incident.ID)
	require.NotEmpty(t, result.Data.Ticket.ID)

	return incidentTicket{
		IncidentID: result.Data.Incident.ID,
		TicketID:   result.Data.Ticket.ID,
		Status:     result.Data.Ticket.Status,
	}
}

// completeTicket walks a ticket through assign, start and complete. The
// assign step is skipped when auto assignment already claimed the ticket.
func completeTicket(t *testing.T, client *testutil.Client, ticketID, analystID, classification string) {
	t.Helper()

	if getTicketStatus(t, client, ticketID) == "new" {
		resp, err := client.POST("/api/v1/tickets/"+ticketID+"/assign", map[string]string{
			"analyst_id": analystID,
		})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	resp, err := client.POST("/api/v1/tickets/"+ticketID+"/start", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.POST("/api/v1/tickets/"+ticketID+"/complete", map[string]string{
		"classification": classification,
		"notes":          "completed in test",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

// getTicketStatus fetches the current ticket status.
func getTicketStatus(t *testing.T, client *testutil.Client, ticketID string) string {
	t.Helper()

	resp, err := client.GET("/api/v1/tickets/" + ticketID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data.Status
}

// getIncidentStatus fetches the current incident status and severity.
func getIncidentStatus(t *testing.T, client *testutil.Client, incidentID string) (status, severity string) {
	t.Helper()

	resp, err := client.GET("/api/v1/incidents/" + incidentID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data struct {
			Status   string `json:"status"`
			Severity string `json:"severity"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data.Status, result.Data.Severity
}
