package incidents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/soc-garden/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRepository implements Repository for testing.
type mockRepository struct {
	incidents map[string]*domain.Incident
	tickets   map[string]*domain.Ticket
	clients   map[string]*domain.Client
	analyses  []*domain.Analysis
	metrics   map[string]*domain.TicketMetrics
	notified  map[string]time.Time

	assignErr     error
	transitionErr error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		incidents: make(map[string]*domain.Incident),
		tickets:   make(map[string]*domain.Ticket),
		clients:   make(map[string]*domain.Client),
		metrics:   make(map[string]*domain.TicketMetrics),
		notified:  make(map[string]time.Time),
	}
}

func (m *mockRepository) CreateIncidentWithTicket(_ context.Context, incident *domain.Incident, ticket *domain.Ticket) error {
	m.incidents[incident.ID] = incident
	m.tickets[ticket.ID] = ticket
	m.metrics[ticket.ID] = &domain.TicketMetrics{TicketID: ticket.ID}
	return nil
}

func (m *mockRepository) GetIncident(_ context.Context, id string) (*domain.Incident, error) {
	if i, ok := m.incidents[id]; ok {
		copied := *i
		return &copied, nil
	}
	return nil, ErrIncidentNotFound
}

func (m *mockRepository) UpdateIncident(_ context.Context, incident *domain.Incident) error {
	if _, ok := m.incidents[incident.ID]; !ok {
		return ErrIncidentNotFound
	}
	copied := *incident
	m.incidents[incident.ID] = &copied
	return nil
}

func (m *mockRepository) ListIncidents(_ context.Context, _ IncidentFilters) ([]*domain.Incident, error) {
	out := make([]*domain.Incident, 0, len(m.incidents))
	for _, i := range m.incidents {
		out = append(out, i)
	}
	return out, nil
}

func (m *mockRepository) GetTicket(_ context.Context, id string) (*domain.Ticket, error) {
	if t, ok := m.tickets[id]; ok {
		copied := *t
		return &copied, nil
	}
	return nil, ErrTicketNotFound
}

func (m *mockRepository) GetTicketByIncident(_ context.Context, incidentID string) (*domain.Ticket, error) {
	for _, t := range m.tickets {
		if t.IncidentID == incidentID {
			copied := *t
			return &copied, nil
		}
	}
	return nil, ErrTicketNotFound
}

func (m *mockRepository) ListOpenTickets(_ context.Context) ([]*domain.Ticket, error) {
	var out []*domain.Ticket
	for _, t := range m.tickets {
		if t.Status != domain.TicketStatusCompleted {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockRepository) AssignTicket(_ context.Context, ticketID, analystID string, at time.Time) (*domain.Ticket, error) {
	if m.assignErr != nil {
		return nil, m.assignErr
	}
	ticket, ok := m.tickets[ticketID]
	if !ok {
		return nil, ErrTicketNotFound
	}
	if ticket.Status != domain.TicketStatusNew {
		return nil, ErrInvalidTransition
	}
	ticket.Status = domain.TicketStatusAssigned
	ticket.AssignedAt = &at
	ticket.AssignedAnalystIDs = append(ticket.AssignedAnalystIDs, analystID)
	if incident, ok := m.incidents[ticket.IncidentID]; ok {
		incident.Status = domain.IncidentStatusAssigned
	}
	copied := *ticket
	return &copied, nil
}

func (m *mockRepository) SaveTicketTransition(_ context.Context, ticket *domain.Ticket, incident *domain.Incident, metrics *domain.TicketMetrics, analysis *domain.Analysis) error {
	if m.transitionErr != nil {
		return m.transitionErr
	}
	t := *ticket
	i := *incident
	m.tickets[ticket.ID] = &t
	m.incidents[incident.ID] = &i
	m.metrics[ticket.ID] = metrics
	if analysis != nil {
		m.analyses = append(m.analyses, analysis)
	}
	return nil
}

func (m *mockRepository) SaveTicketSLARemaining(_ context.Context, ticketID string, remaining time.Duration) error {
	if t, ok := m.tickets[ticketID]; ok {
		t.SLARemaining = remaining
	}
	return nil
}

func (m *mockRepository) SetClientNotified(_ context.Context, ticketID string, at time.Time) error {
	m.notified[ticketID] = at
	return nil
}

func (m *mockRepository) GetMetrics(_ context.Context, ticketID string) (*domain.TicketMetrics, error) {
	if mt, ok := m.metrics[ticketID]; ok {
		return mt, nil
	}
	return nil, ErrTicketNotFound
}

func (m *mockRepository) CreateAnalysis(_ context.Context, analysis *domain.Analysis) error {
	m.analyses = append(m.analyses, analysis)
	return nil
}

func (m *mockRepository) ListAnalyses(_ context.Context, incidentID string) ([]*domain.Analysis, error) {
	var out []*domain.Analysis
	for _, a := range m.analyses {
		if a.IncidentID == incidentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockRepository) GetClient(_ context.Context, id string) (*domain.Client, error) {
	if c, ok := m.clients[id]; ok {
		return c, nil
	}
	return nil, ErrClientNotFound
}

// mockPicker implements AnalystPicker for testing.
type mockPicker struct {
	analyst *domain.Analyst
	ok      bool
	err     error
}

func (m *mockPicker) PickAnalyst(_ context.Context, _ time.Time) (*domain.Analyst, bool, error) {
	return m.analyst, m.ok, m.err
}

// mockNotifier implements ClientNotifier for testing.
type mockNotifier struct {
	called         bool
	classification string
	err            error
}

func (m *mockNotifier) NotifyClient(_ context.Context, _ *domain.Client, _ *domain.Incident, classification, _ string) error {
	m.called = true
	m.classification = classification
	return m.err
}

// mockPlaybookStarter implements PlaybookStarter for testing.
type mockPlaybookStarter struct {
	called       bool
	incidentType string
	analysisID   string
	err          error
}

func (m *mockPlaybookStarter) StartForClassification(_ context.Context, _, _, analysisID, incidentType string) (bool, error) {
	m.called = true
	m.incidentType = incidentType
	m.analysisID = analysisID
	if m.err != nil {
		return false, m.err
	}
	return true, nil
}

func seedRepo() *mockRepository {
	repo := newMockRepository()
	repo.clients["client-1"] = &domain.Client{ID: "client-1", Name: "Acme", IsActive: true}
	return repo
}

func fixedTime() time.Time {
	return time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
}

func TestCreateIncident_DerivesSLADeadline(t *testing.T) {
	repo := seedRepo()
	service := NewService(repo, nil, nil, nil)
	service.now = fixedTime

	incident, ticket, err := service.CreateIncident(context.Background(), CreateIncidentInput{
		ClientID: "client-1",
		Severity: domain.SeverityHigh,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusOpen, incident.Status)
	assert.Equal(t, 4*time.Hour, incident.SLADuration)
	assert.Equal(t, domain.TicketStatusNew, ticket.Status)
	require.NotNil(t, ticket.DeadlineAt)
	assert.Equal(t, fixedTime().Add(4*time.Hour), *ticket.DeadlineAt)
}

func TestCreateIncident_SLAOverride(t *testing.T) {
	repo := seedRepo()
	service := NewService(repo, nil, nil, nil)
	service.now = fixedTime

	override := 90 * time.Minute
	incident, ticket, err := service.CreateIncident(context.Background(), CreateIncidentInput{
		ClientID:    "client-1",
		Severity:    domain.SeverityMedium,
		SLAOverride: &override,
	})

	require.NoError(t, err)
	assert.Equal(t, override, incident.SLADuration)
	assert.Equal(t, fixedTime().Add(override), *ticket.DeadlineAt)
}

func TestCreateIncident_UnknownClient(t *testing.T) {
	service := NewService(newMockRepository(), nil, nil, nil)

	_, _, err := service.CreateIncident(context.Background(), CreateIncidentInput{
		ClientID: "nope",
		Severity: domain.SeverityLow,
	})

	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestCreateIncident_InvalidSeverity(t *testing.T) {
	service := NewService(seedRepo(), nil, nil, nil)

	_, _, err := service.CreateIncident(context.Background(), CreateIncidentInput{
		ClientID: "client-1",
		Severity: domain.Severity("catastrophic"),
	})

	assert.Error(t, err)
}

func TestCreateIncident_AutoAssigns(t *testing.T) {
	repo := seedRepo()
	picker := &mockPicker{analyst: &domain.Analyst{ID: "analyst-1", MaxCapacity: 5}, ok: true}
	service := NewService(repo, picker, nil, nil)
	service.now = fixedTime

	incident, ticket, err := service.CreateIncident(context.Background(), CreateIncidentInput{
		ClientID: "client-1",
		Severity: domain.SeverityHigh,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusAssigned, ticket.Status)
	assert.Equal(t, []string{"analyst-1"}, ticket.AssignedAnalystIDs)
	assert.Equal(t, domain.IncidentStatusAssigned, incident.Status)
}

func TestCreateIncident_NoCandidateLeavesUnassigned(t *testing.T) {
	repo := seedRepo()
	service := NewService(repo, &mockPicker{ok: false}, nil, nil)

	_, ticket, err := service.CreateIncident(context.Background(), CreateIncidentInput{
		ClientID: "client-1",
		Severity: domain.SeverityLow,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusNew, ticket.Status)
}

func TestCreateIncident_LostCapacityRaceLeavesUnassigned(t *testing.T) {
	// The picker saw spare capacity but a concurrent assignment filled it.
	repo := seedRepo()
	repo.assignErr = ErrAnalystAtCapacity
	picker := &mockPicker{analyst: &domain.Analyst{ID: "analyst-1"}, ok: true}
	service := NewService(repo, picker, nil, nil)

	incident, ticket, err := service.CreateIncident(context.Background(), CreateIncidentInput{
		ClientID: "client-1",
		Severity: domain.SeverityLow,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusNew, ticket.Status)
	assert.Equal(t, domain.IncidentStatusOpen, incident.Status)
}

// createAssignedTicket creates an incident and walks its ticket to assigned.
func createAssignedTicket(t *testing.T, service *Service) (*domain.Incident, *domain.Ticket) {
	t.Helper()

	incident, ticket, err := service.CreateIncident(context.Background(), CreateIncidentInput{
		ClientID: "client-1",
		Severity: domain.SeverityHigh,
	})
	require.NoError(t, err)

	assigned, err := service.AssignTicket(context.Background(), ticket.ID, "analyst-1")
	require.NoError(t, err)
	return incident, assigned
}

func TestStartWork(t *testing.T) {
	repo := seedRepo()
	service := NewService(repo, nil, nil, nil)
	service.now = fixedTime
	incident, ticket := createAssignedTicket(t, service)

	started, err := service.StartWork(context.Background(), ticket.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusInProgress, started.Status)
	require.NotNil(t, started.StartedAt)

	stored, err := repo.GetIncident(context.Background(), incident.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusInProgress, stored.Status)
}

func TestStartWork_FromNewRejected(t *testing.T) {
	repo := seedRepo()
	service := NewService(repo, nil, nil, nil)

	_, ticket, err := service.CreateIncident(context.Background(), CreateIncidentInput{
		ClientID: "client-1",
		Severity: domain.SeverityLow,
	})
	require.NoError(t, err)

	_, err = service.StartWork(context.Background(), ticket.ID)

	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPauseAndResume(t *testing.T) {
	repo := seedRepo()
	service := NewService(repo, nil, nil, nil)
	incident, ticket := createAssignedTicket(t, service)

	_, err := service.StartWork(context.Background(), ticket.ID)
	require.NoError(t, err)

	paused, err := service.PauseWork(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusPaused, paused.Status)

	// Pausing leaves the incident in progress.
	stored, err := repo.GetIncident(context.Background(), incident.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusInProgress, stored.Status)

	resumed, err := service.ResumeWork(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusInProgress, resumed.Status)

	_, err = service.ResumeWork(context.Background(), ticket.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCompleteWork_FalsePositiveClosesIncident(t *testing.T) {
	repo := seedRepo()
	notifier := &mockNotifier{}
	starter := &mockPlaybookStarter{}
	service := NewService(repo, nil, notifier, starter)
	incident, ticket := createAssignedTicket(t, service)

	_, err := service.StartWork(context.Background(), ticket.ID)
	require.NoError(t, err)

	completed, err := service.CompleteWork(context.Background(), CompleteWorkInput{
		TicketID:       ticket.ID,
		AnalystID:      "analyst-1",
		Classification: "false_positive",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusCompleted, completed.Status)

	stored, err := repo.GetIncident(context.Background(), incident.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusClosed, stored.Status)
	assert.NotNil(t, stored.ResolutionConfirmedAt)

	assert.False(t, notifier.called, "false positives do not notify the client")
	assert.False(t, starter.called, "false positives do not start playbooks")
}

func TestCompleteWork_TruePositiveNotifiesAndStartsPlaybook(t *testing.T) {
	repo := seedRepo()
	notifier := &mockNotifier{}
	starter := &mockPlaybookStarter{}
	service := NewService(repo, nil, notifier, starter)
	service.now = fixedTime
	incident, ticket := createAssignedTicket(t, service)

	_, err := service.StartWork(context.Background(), ticket.ID)
	require.NoError(t, err)

	_, err = service.CompleteWork(context.Background(), CompleteWorkInput{
		TicketID:       ticket.ID,
		AnalystID:      "analyst-1",
		Classification: "true_positive_malware",
		Notes:          "confirmed",
	})

	require.NoError(t, err)

	// The incident stays open until the client responds.
	stored, err := repo.GetIncident(context.Background(), incident.ID)
	require.NoError(t, err)
	assert.NotEqual(t, domain.IncidentStatusClosed, stored.Status)
	assert.Equal(t, "true_positive_malware", stored.IncidentType)

	assert.True(t, notifier.called)
	assert.Equal(t, "true_positive_malware", notifier.classification)
	_, notified := repo.notified[ticket.ID]
	assert.True(t, notified, "notification time should be recorded")

	assert.True(t, starter.called)
	assert.Equal(t, "true_positive_malware", starter.incidentType)
	require.Len(t, repo.analyses, 1)
	assert.Equal(t, repo.analyses[0].ID, starter.analysisID)
}

func TestCompleteWork_NotificationFailureIsSwallowed(t *testing.T) {
	repo := seedRepo()
	notifier := &mockNotifier{err: errors.New("smtp down")}
	service := NewService(repo, nil, notifier, nil)
	_, ticket := createAssignedTicket(t, service)

	_, err := service.StartWork(context.Background(), ticket.ID)
	require.NoError(t, err)

	completed, err := service.CompleteWork(context.Background(), CompleteWorkInput{
		TicketID:       ticket.ID,
		AnalystID:      "analyst-1",
		Classification: "true_positive_phishing",
	})

	require.NoError(t, err, "a delivery failure must not undo the completion")
	assert.Equal(t, domain.TicketStatusCompleted, completed.Status)
	_, notified := repo.notified[ticket.ID]
	assert.False(t, notified, "failed deliveries leave no notification time")
}

func TestCompleteWork_PlaybookFailureIsSwallowed(t *testing.T) {
	repo := seedRepo()
	starter := &mockPlaybookStarter{err: errors.New("execution conflict")}
	service := NewService(repo, nil, nil, starter)
	_, ticket := createAssignedTicket(t, service)

	_, err := service.StartWork(context.Background(), ticket.ID)
	require.NoError(t, err)

	_, err = service.CompleteWork(context.Background(), CompleteWorkInput{
		TicketID:       ticket.ID,
		AnalystID:      "analyst-1",
		Classification: "true_positive_phishing",
	})

	require.NoError(t, err)
	assert.True(t, starter.called)
}

func TestRecordClientResponse_ClosesCompletedIncident(t *testing.T) {
	repo := seedRepo()
	service := NewService(repo, nil, nil, nil)
	incident, ticket := createAssignedTicket(t, service)

	_, err := service.StartWork(context.Background(), ticket.ID)
	require.NoError(t, err)
	_, err = service.CompleteWork(context.Background(), CompleteWorkInput{
		TicketID:       ticket.ID,
		AnalystID:      "analyst-1",
		Classification: "true_positive_malware",
	})
	require.NoError(t, err)

	updated, err := service.RecordClientResponse(context.Background(), incident.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.IncidentStatusClosed, updated.Status)
	assert.NotNil(t, updated.ResolutionConfirmedAt)

	stored, err := repo.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ClientRespondedAt)
}

func TestRecordClientResponse_BeforeCompletionLeavesIncidentOpen(t *testing.T) {
	repo := seedRepo()
	service := NewService(repo, nil, nil, nil)
	incident, ticket := createAssignedTicket(t, service)

	updated, err := service.RecordClientResponse(context.Background(), incident.ID)

	require.NoError(t, err)
	assert.NotEqual(t, domain.IncidentStatusClosed, updated.Status)

	stored, err := repo.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ClientRespondedAt)
}

func TestChangeSeverity_RederivesDefaultSLA(t *testing.T) {
	repo := seedRepo()
	service := NewService(repo, nil, nil, nil)

	incident, _, err := service.CreateIncident(context.Background(), CreateIncidentInput{
		ClientID: "client-1",
		Severity: domain.SeverityLow,
	})
	require.NoError(t, err)

	updated, err := service.ChangeSeverity(context.Background(), incident.ID, domain.SeverityHigh)

	require.NoError(t, err)
	assert.Equal(t, domain.SeverityHigh, updated.Severity)
	assert.Equal(t, 4*time.Hour, updated.SLADuration)
}

func TestChangeSeverity_PreservesOverride(t *testing.T) {
	repo := seedRepo()
	service := NewService(repo, nil, nil, nil)

	override := 2 * time.Hour
	incident, _, err := service.CreateIncident(context.Background(), CreateIncidentInput{
		ClientID:    "client-1",
		Severity:    domain.SeverityLow,
		SLAOverride: &override,
	})
	require.NoError(t, err)

	updated, err := service.ChangeSeverity(context.Background(), incident.ID, domain.SeverityHigh)

	require.NoError(t, err)
	assert.Equal(t, override, updated.SLADuration)
}

func TestEscalate_StopsAtHigh(t *testing.T) {
	repo := seedRepo()
	service := NewService(repo, nil, nil, nil)

	incident, _, err := service.CreateIncident(context.Background(), CreateIncidentInput{
		ClientID: "client-1",
		Severity: domain.SeverityMedium,
	})
	require.NoError(t, err)

	updated, err := service.Escalate(context.Background(), incident.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityHigh, updated.Severity)

	again, err := service.Escalate(context.Background(), incident.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityHigh, again.Severity)
}

func TestSLARemaining_PersistsComputedValue(t *testing.T) {
	repo := seedRepo()
	service := NewService(repo, nil, nil, nil)
	service.now = fixedTime

	_, ticket, err := service.CreateIncident(context.Background(), CreateIncidentInput{
		ClientID: "client-1",
		Severity: domain.SeverityHigh,
	})
	require.NoError(t, err)

	service.now = func() time.Time { return fixedTime().Add(time.Hour) }
	remaining, err := service.SLARemaining(context.Background(), ticket.ID)

	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour, remaining)
	assert.Equal(t, 3*time.Hour, repo.tickets[ticket.ID].SLARemaining)
}
