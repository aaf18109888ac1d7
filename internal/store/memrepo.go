package store

import (
	"context"
	"sync"
	"time"
)

// MemRepository is an in-memory Repository for tests, standing in for the
// real Postgres-backed one the way internal/controller/agentrun_controller_test.go
// uses a controller-runtime fake client in place of a real API server.
type MemRepository struct {
	mu sync.Mutex

	instances  map[string]*AgentInstance
	projects   map[string]*AgentProject
	instanceToProject map[string]string // agentInstanceID -> projectID
	secrets    map[string]string        // projectID|userID|key -> plaintext
	tasks      map[string]*AgentTask
	executions map[string]*AgentTaskExecution
}

// NewMemRepository returns an empty in-memory repository.
func NewMemRepository() *MemRepository {
	return &MemRepository{
		instances:         map[string]*AgentInstance{},
		projects:          map[string]*AgentProject{},
		instanceToProject: map[string]string{},
		secrets:           map[string]string{},
		tasks:             map[string]*AgentTask{},
		executions:        map[string]*AgentTaskExecution{},
	}
}

func (m *MemRepository) Close() {}

// PutAgentInstance seeds a fixture, bypassing Validate/encryption.
func (m *MemRepository) PutAgentInstance(a *AgentInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.instances[a.ID] = &cp
}

// PutAgentProject seeds a fixture and indexes its member instances.
func (m *MemRepository) PutAgentProject(p *AgentProject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.projects[p.ID] = &cp
	for _, instID := range p.AgentInstanceIDs {
		if _, ok := m.instanceToProject[instID]; !ok {
			m.instanceToProject[instID] = p.ID
		}
	}
}

// PutSecret seeds a decrypted fixture secret.
func (m *MemRepository) PutSecret(projectID, userID, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[secretKeyOf(projectID, userID, key)] = value
}

// PutAgentTask seeds a fixture task.
func (m *MemRepository) PutAgentTask(t *AgentTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.InputSources = append([]InputSource(nil), t.InputSources...)
	m.tasks[t.ID] = &cp
}

func secretKeyOf(projectID, userID, key string) string {
	return projectID + "|" + userID + "|" + key
}

func (m *MemRepository) GetAgentInstance(ctx context.Context, id string) (*AgentInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemRepository) GetAgentTask(ctx context.Context, id string) (*AgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	cp.InputSources = append([]InputSource(nil), t.InputSources...)
	return &cp, nil
}

func (m *MemRepository) UpdateAgentTask(ctx context.Context, t *AgentTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	cp.InputSources = append([]InputSource(nil), t.InputSources...)
	m.tasks[t.ID] = &cp
	return nil
}

func (m *MemRepository) FirstProjectForInstance(ctx context.Context, agentInstanceID string) (*AgentProject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	projectID, ok := m.instanceToProject[agentInstanceID]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := m.projects[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemRepository) GetProjectSecret(ctx context.Context, projectID, userID, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.secrets[secretKeyOf(projectID, userID, key)]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemRepository) ListProjectsForUser(ctx context.Context, userID string) ([]*AgentProject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AgentProject
	for _, p := range m.projects {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemRepository) CreateExecutionIfNotInFlight(ctx context.Context, exec *AgentTaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.executions {
		if e.AgentTaskID == exec.AgentTaskID && e.Status.IsInFlight() {
			return ErrInFlight
		}
	}

	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *MemRepository) GetExecution(ctx context.Context, id string) (*AgentTaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemRepository) UpdateExecution(ctx context.Context, exec *AgentTaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.executions[exec.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status.IsTerminal() {
		return nil // P2: terminal states are absorbing, silently ignore further writes
	}
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *MemRepository) ListReadyTasks(ctx context.Context) ([]*AgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []*AgentTask
	for _, t := range m.tasks {
		if t.IsReady(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemRepository) ListTasksTriggeredBy(ctx context.Context, taskID string) ([]*AgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AgentTask
	for _, t := range m.tasks {
		if t.TriggeredByTaskID == taskID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemRepository) HasNonTerminalExecution(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.AgentTaskID == taskID && e.Status.IsInFlight() {
			return true, nil
		}
	}
	return false, nil
}
