//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/bissquit/soc-garden/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addIOC(t *testing.T, client *testutil.Client, incidentID, iocType, value string) {
	t.Helper()

	resp, err := client.POST("/api/v1/incidents/"+incidentID+"/iocs", map[string]string{
		"type":  iocType,
		"value": value,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()
}

func getMatchScore(t *testing.T, client *testutil.Client, incidentID string) float64 {
	t.Helper()

	resp, err := client.GET("/api/v1/incidents/" + incidentID + "/match-score")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data struct {
			MatchScore float64 `json:"match_score"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	return result.Data.MatchScore
}

func TestIOCCorrelationEscalatesSeverity(t *testing.T) {
	client := newTestClient(t)

	clientID := seedClient(t, "correlation@example.com")
	analystID := createAnalyst(t, client, 5, nil)
	client.AsAnalyst(t, testJWTSecret, analystID)

	known := createIncident(t, client, clientID, "low")
	addIOC(t, client, known.IncidentID, "ip", "203.0.113.7")
	addIOC(t, client, known.IncidentID, "domain", "evil.example.net")

	// IOCs seen nowhere else do not move the score.
	assert.Zero(t, getMatchScore(t, client, known.IncidentID))

	fresh := createIncident(t, client, clientID, "low")

	addIOC(t, client, fresh.IncidentID, "hash", "d41d8cd98f00b204e9800998ecf8427e")
	assert.Zero(t, getMatchScore(t, client, fresh.IncidentID))

	// One of two IOCs shared is exactly the threshold, not past it.
	addIOC(t, client, fresh.IncidentID, "ip", "203.0.113.7")
	assert.InDelta(t, 50.0, getMatchScore(t, client, fresh.IncidentID), 0.01)

	_, severity := getIncidentStatus(t, client, fresh.IncidentID)
	assert.Equal(t, "low", severity)

	// Two of three shared crosses it and raises severity one step.
	addIOC(t, client, fresh.IncidentID, "domain", "evil.example.net")
	assert.InDelta(t, 66.66, getMatchScore(t, client, fresh.IncidentID), 0.1)

	_, severity = getIncidentStatus(t, client, fresh.IncidentID)
	assert.Equal(t, "medium", severity)

	// The incident the IOCs were first seen on is untouched.
	_, severity = getIncidentStatus(t, client, known.IncidentID)
	assert.Equal(t, "low", severity)
}

func TestAddingDuplicateIOCIsIdempotent(t *testing.T) {
	client := newTestClient(t)

	clientID := seedClient(t, "duplicioc@example.com")
	analystID := createAnalyst(t, client, 5, nil)
	client.AsAnalyst(t, testJWTSecret, analystID)

	it := createIncident(t, client, clientID, "low")

	// Value normalization folds case and whitespace into one IOC.
	addIOC(t, client, it.IncidentID, "domain", "Dup.Example.org")
	addIOC(t, client, it.IncidentID, "domain", " dup.example.org ")

	resp, err := client.GET("/api/v1/incidents/" + it.IncidentID + "/iocs")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Data []struct {
			Value string `json:"value"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	require.Len(t, result.Data, 1)
	assert.Equal(t, "dup.example.org", result.Data[0].Value)
}

func createPhishingPlaybook(t *testing.T, client *testutil.Client, incidentType string) string {
	t.Helper()

	resp, err := client.POST("/api/v1/playbooks", map[string]interface{}{
		"name":          "Phishing response",
		"description":   "containment and user outreach",
		"incident_type": incidentType,
		"steps": []map[string]interface{}{
			{"step_number": 1, "description": "notify affected users"},
			{"step_number": 2, "description": "block sender", "is_automated": true, "automation_script": "block_sender.sh"},
		},
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

// findExecutionID resolves the auto-started execution for an incident.
func findExecutionID(t *testing.T, incidentID string) string {
	t.Helper()

	var id string
	err := testDB.QueryRow(context.Background(),
		`SELECT id FROM playbook_executions WHERE incident_id = $1`, incidentID).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestPlaybookExecutionLifecycle(t *testing.T) {
	client := newTestClient(t)

	clientID := seedClient(t, "playbook@example.com")
	analystID := createAnalyst(t, client, 5, nil)
	client.AsAnalyst(t, testJWTSecret, analystID)

	classification := "true_positive_phishing"
	playbookID := createPhishingPlaybook(t, client, classification)

	it := createIncident(t, client, clientID, "medium")
	completeTicket(t, client, it.TicketID, analystID, classification)

	// Completing as a confirmed threat auto-starts the matching playbook.
	executionID := findExecutionID(t, it.IncidentID)

	resp, err := client.GET("/api/v1/executions/" + executionID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var execution struct {
		Data struct {
			PlaybookID string `json:"playbook_id"`
			Status     string `json:"status"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &execution)
	assert.Equal(t, playbookID, execution.Data.PlaybookID)
	assert.Equal(t, "in_progress", execution.Data.Status)

	// A second execution of the same playbook on this incident is rejected
	// while the first is live.
	resp, err = client.POST("/api/v1/executions", map[string]string{
		"incident_id": it.IncidentID,
		"playbook_id": playbookID,
		"ticket_id":   it.TicketID,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	// The automated step completed on start; the manual one is waiting.
	resp, err = client.GET("/api/v1/executions/" + executionID + "/steps")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var steps struct {
		Data []struct {
			StepNumber int    `json:"step_number"`
			Status     string `json:"status"`
			Result     string `json:"result"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &steps)
	require.Len(t, steps.Data, 2)
	assert.Equal(t, "in_progress", steps.Data[0].Status)
	assert.Equal(t, "completed", steps.Data[1].Status)
	assert.Contains(t, steps.Data[1].Result, "block_sender.sh")

	// Pause and resume accumulate paused time without losing state.
	resp, err = client.POST("/api/v1/executions/"+executionID+"/pause", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.POST("/api/v1/executions/"+executionID+"/pause", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.POST("/api/v1/executions/"+executionID+"/resume", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.POST("/api/v1/executions/"+executionID+"/steps/1/complete", map[string]string{
		"result": "users notified by phone",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.GET("/api/v1/executions/" + executionID + "/active-time")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var active struct {
		Data struct {
			ActiveTimeSeconds int64 `json:"active_time_seconds"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &active)
	assert.GreaterOrEqual(t, active.Data.ActiveTimeSeconds, int64(0))

	resp, err = client.POST("/api/v1/executions/"+executionID+"/complete", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var completed struct {
		Data struct {
			Status      string  `json:"status"`
			CompletedAt *string `json:"completed_at"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &completed)
	assert.Equal(t, "completed", completed.Data.Status)
	assert.NotNil(t, completed.Data.CompletedAt)

	// Completed is terminal.
	resp, err = client.POST("/api/v1/executions/"+executionID+"/complete", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	// With no live execution left, the playbook can run again.
	resp, err = client.POST("/api/v1/executions", map[string]string{
		"incident_id": it.IncidentID,
		"playbook_id": playbookID,
		"ticket_id":   it.TicketID,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestPlaybookRequiresCompletedTicket(t *testing.T) {
	client := newTestClient(t)

	clientID := seedClient(t, "pbguard@example.com")
	analystID := createAnalyst(t, client, 5, nil)
	client.AsAnalyst(t, testJWTSecret, analystID)

	playbookID := createPhishingPlaybook(t, client, "true_positive_pbguard")

	it := createIncident(t, client, clientID, "low")

	resp, err := client.POST("/api/v1/executions", map[string]string{
		"incident_id": it.IncidentID,
		"playbook_id": playbookID,
		"ticket_id":   it.TicketID,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	// A ticket from a different incident is rejected outright.
	other := createIncident(t, client, clientID, "low")
	resp, err = client.POST("/api/v1/executions", map[string]string{
		"incident_id": it.IncidentID,
		"playbook_id": playbookID,
		"ticket_id":   other.TicketID,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}
