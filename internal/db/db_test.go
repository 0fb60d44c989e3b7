package db

import (
	"errors"
	"testing"
	"time"
)

// openTestDB creates an in-memory database for testing
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestProject(t *testing.T, db *DB) *Project {
	t.Helper()
	project, err := db.CreateProject(CreateProjectInput{
		Name: "test-project",
		Path: "/tmp/test-project",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return project
}

// --- Project Tests ---

func TestCreateProject(t *testing.T) {
	db := openTestDB(t)

	project, err := db.CreateProject(CreateProjectInput{
		Name: "test-project",
		Path: "/tmp/test-project",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	if project.ID == "" {
		t.Error("expected non-empty ID")
	}
	if project.Name != "test-project" {
		t.Errorf("expected name 'test-project', got %q", project.Name)
	}
	if project.DefaultBranch != "main" {
		t.Errorf("expected default branch 'main', got %q", project.DefaultBranch)
	}
	if project.SetupScript != nil {
		t.Errorf("expected nil setup script, got %q", *project.SetupScript)
	}
}

func TestCreateProject_CustomBranch(t *testing.T) {
	db := openTestDB(t)

	branch := "master"
	script := "npm install"
	project, err := db.CreateProject(CreateProjectInput{
		Name:          "legacy-project",
		Path:          "/tmp/legacy",
		DefaultBranch: &branch,
		SetupScript:   &script,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	if project.DefaultBranch != "master" {
		t.Errorf("expected default branch 'master', got %q", project.DefaultBranch)
	}
	if project.SetupScript == nil || *project.SetupScript != "npm install" {
		t.Errorf("expected setup script 'npm install', got %v", project.SetupScript)
	}
}

func TestGetProject_NotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetProject("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListProjects(t *testing.T) {
	db := openTestDB(t)

	db.CreateProject(CreateProjectInput{Name: "gamma", Path: "/tmp/gamma"})
	db.CreateProject(CreateProjectInput{Name: "alpha", Path: "/tmp/alpha"})
	db.CreateProject(CreateProjectInput{Name: "beta", Path: "/tmp/beta"})

	projects, err := db.ListProjects()
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}

	if len(projects) != 3 {
		t.Fatalf("expected 3 projects, got %d", len(projects))
	}

	// Should be ordered by name
	if projects[0].Name != "alpha" {
		t.Errorf("expected first project 'alpha', got %q", projects[0].Name)
	}
	if projects[2].Name != "gamma" {
		t.Errorf("expected last project 'gamma', got %q", projects[2].Name)
	}
}

func TestUpdateProject(t *testing.T) {
	db := openTestDB(t)
	project := createTestProject(t, db)

	newName := "renamed"
	runScript := "npm run dev"
	updated, err := db.UpdateProject(project.ID, UpdateProjectInput{
		Name:      &newName,
		RunScript: &runScript,
	})
	if err != nil {
		t.Fatalf("update project: %v", err)
	}

	if updated.Name != "renamed" {
		t.Errorf("expected name 'renamed', got %q", updated.Name)
	}
	if updated.Path != "/tmp/test-project" {
		t.Errorf("path should be unchanged, got %q", updated.Path)
	}
	if updated.RunScript == nil || *updated.RunScript != "npm run dev" {
		t.Errorf("expected run script 'npm run dev', got %v", updated.RunScript)
	}
}

func TestDeleteProject(t *testing.T) {
	db := openTestDB(t)
	project := createTestProject(t, db)

	if err := db.DeleteProject(project.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}

	_, err := db.GetProject(project.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after deletion, got %v", err)
	}
}

// --- Session Tests ---

func TestCreateSession(t *testing.T) {
	db := openTestDB(t)
	project := createTestProject(t, db)

	model := "sonnet"
	session, err := db.CreateSession(CreateSessionInput{
		ProjectID: project.ID,
		Title:     "Fix login bug",
		Model:     &model,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if session.ID == "" {
		t.Error("expected non-empty ID")
	}
	if session.Status != SessionStatusIdle {
		t.Errorf("expected status 'idle', got %q", session.Status)
	}
	if session.Model == nil || *session.Model != "sonnet" {
		t.Errorf("expected model 'sonnet', got %v", session.Model)
	}
	if session.Archived {
		t.Error("expected not archived by default")
	}
	if session.ProviderSessionID != nil {
		t.Error("expected nil provider session id")
	}
}

func TestListSessions_ExcludesArchived(t *testing.T) {
	db := openTestDB(t)
	project := createTestProject(t, db)

	s1, _ := db.CreateSession(CreateSessionInput{ProjectID: project.ID, Title: "one"})
	s2, _ := db.CreateSession(CreateSessionInput{ProjectID: project.ID, Title: "two"})

	if err := db.SetSessionArchived(s1.ID, true); err != nil {
		t.Fatalf("archive session: %v", err)
	}

	sessions, err := db.ListSessions()
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].ID != s2.ID {
		t.Errorf("expected session %q, got %q", s2.ID, sessions[0].ID)
	}

	archived, err := db.ListArchivedSessions()
	if err != nil {
		t.Fatalf("list archived sessions: %v", err)
	}
	if len(archived) != 1 || archived[0].ID != s1.ID {
		t.Errorf("expected archived list to contain %q, got %v", s1.ID, archived)
	}
}

func TestListSessionsByProject(t *testing.T) {
	db := openTestDB(t)
	p1 := createTestProject(t, db)
	p2, _ := db.CreateProject(CreateProjectInput{Name: "other", Path: "/tmp/other"})

	db.CreateSession(CreateSessionInput{ProjectID: p1.ID, Title: "a"})
	db.CreateSession(CreateSessionInput{ProjectID: p2.ID, Title: "b"})

	sessions, err := db.ListSessionsByProject(p1.ID)
	if err != nil {
		t.Fatalf("list sessions by project: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].Title != "a" {
		t.Errorf("expected title 'a', got %q", sessions[0].Title)
	}
}

func TestUpdateSession(t *testing.T) {
	db := openTestDB(t)
	project := createTestProject(t, db)
	session, _ := db.CreateSession(CreateSessionInput{ProjectID: project.ID, Title: "before"})

	title := "after"
	providerID := "conv-123"
	status := SessionStatusRunning
	updated, err := db.UpdateSession(session.ID, UpdateSessionInput{
		Title:             &title,
		ProviderSessionID: &providerID,
		Status:            &status,
	})
	if err != nil {
		t.Fatalf("update session: %v", err)
	}

	if updated.Title != "after" {
		t.Errorf("expected title 'after', got %q", updated.Title)
	}
	if updated.ProviderSessionID == nil || *updated.ProviderSessionID != "conv-123" {
		t.Errorf("expected provider session id 'conv-123', got %v", updated.ProviderSessionID)
	}
	if updated.Status != SessionStatusRunning {
		t.Errorf("expected status 'running', got %q", updated.Status)
	}
}

func TestSetSessionStatus_BumpsActivity(t *testing.T) {
	db := openTestDB(t)
	project := createTestProject(t, db)
	session, _ := db.CreateSession(CreateSessionInput{ProjectID: project.ID, Title: "s"})

	if session.LastActivityAt != nil {
		t.Fatal("expected nil last activity on a fresh session")
	}

	if err := db.SetSessionStatus(session.ID, SessionStatusRunning); err != nil {
		t.Fatalf("set session status: %v", err)
	}

	got, _ := db.GetSession(session.ID)
	if got.Status != SessionStatusRunning {
		t.Errorf("expected status 'running', got %q", got.Status)
	}
	if got.LastActivityAt == nil {
		t.Error("expected last activity to be set")
	} else if time.Since(*got.LastActivityAt) > time.Minute {
		t.Errorf("expected recent last activity, got %v", got.LastActivityAt)
	}
}

func TestClearSessionConversation(t *testing.T) {
	db := openTestDB(t)
	project := createTestProject(t, db)
	session, _ := db.CreateSession(CreateSessionInput{ProjectID: project.ID, Title: "s"})

	providerID := "conv-abc"
	status := SessionStatusCompleted
	db.UpdateSession(session.ID, UpdateSessionInput{ProviderSessionID: &providerID, Status: &status})

	if err := db.ClearSessionConversation(session.ID); err != nil {
		t.Fatalf("clear session conversation: %v", err)
	}

	got, _ := db.GetSession(session.ID)
	if got.ProviderSessionID != nil {
		t.Errorf("expected nil provider session id, got %v", *got.ProviderSessionID)
	}
	if got.Status != SessionStatusIdle {
		t.Errorf("expected status 'idle', got %q", got.Status)
	}
}

func TestDeleteProject_CascadesSessions(t *testing.T) {
	db := openTestDB(t)
	project := createTestProject(t, db)
	session, _ := db.CreateSession(CreateSessionInput{ProjectID: project.ID, Title: "s"})

	if err := db.DeleteProject(project.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}

	_, err := db.GetSession(session.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected session to be deleted with its project, got %v", err)
	}
}

// --- Message Tests ---

func TestCreateAndListMessages(t *testing.T) {
	db := openTestDB(t)
	project := createTestProject(t, db)
	session, _ := db.CreateSession(CreateSessionInput{ProjectID: project.ID, Title: "s"})

	for i, kind := range []string{"user-text", "agent-text", "result"} {
		_, err := db.CreateMessage(CreateMessageInput{
			SessionID:   session.ID,
			Seq:         int64(i + 1),
			Kind:        kind,
			PayloadJSON: `{"text":"hello"}`,
		})
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	messages, err := db.ListMessagesBySession(session.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].Kind != "user-text" || messages[2].Kind != "result" {
		t.Errorf("expected seq order user-text..result, got %q..%q", messages[0].Kind, messages[2].Kind)
	}
}

func TestListMessagesAfter(t *testing.T) {
	db := openTestDB(t)
	project := createTestProject(t, db)
	session, _ := db.CreateSession(CreateSessionInput{ProjectID: project.ID, Title: "s"})

	for i := 1; i <= 5; i++ {
		db.CreateMessage(CreateMessageInput{SessionID: session.ID, Seq: int64(i), Kind: "agent-text", PayloadJSON: "{}"})
	}

	messages, err := db.ListMessagesAfter(session.ID, 2, 2)
	if err != nil {
		t.Fatalf("list messages after: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Seq != 3 || messages[1].Seq != 4 {
		t.Errorf("expected seq 3,4, got %d,%d", messages[0].Seq, messages[1].Seq)
	}

	messages, err = db.ListMessagesAfter(session.ID, 0, 100)
	if err != nil {
		t.Fatalf("list messages after: %v", err)
	}
	if len(messages) != 5 {
		t.Errorf("expected full page of 5, got %d", len(messages))
	}
}

func TestGetLastMessageSeq(t *testing.T) {
	db := openTestDB(t)
	project := createTestProject(t, db)
	session, _ := db.CreateSession(CreateSessionInput{ProjectID: project.ID, Title: "s"})

	seq, err := db.GetLastMessageSeq(session.ID)
	if err != nil {
		t.Fatalf("get last message seq: %v", err)
	}
	if seq != 0 {
		t.Errorf("expected seq 0 on empty session, got %d", seq)
	}

	db.CreateMessage(CreateMessageInput{SessionID: session.ID, Seq: 7, Kind: "user-text", PayloadJSON: "{}"})

	seq, err = db.GetLastMessageSeq(session.ID)
	if err != nil {
		t.Fatalf("get last message seq: %v", err)
	}
	if seq != 7 {
		t.Errorf("expected seq 7, got %d", seq)
	}
}

func TestUpdateMessagePayload(t *testing.T) {
	db := openTestDB(t)
	project := createTestProject(t, db)
	session, _ := db.CreateSession(CreateSessionInput{ProjectID: project.ID, Title: "s"})

	msg, _ := db.CreateMessage(CreateMessageInput{
		SessionID:   session.ID,
		Seq:         1,
		Kind:        "tool-call",
		PayloadJSON: `{"state":"running"}`,
	})

	if err := db.UpdateMessagePayload(msg.ID, "tool-call", `{"state":"complete"}`); err != nil {
		t.Fatalf("update message payload: %v", err)
	}

	messages, _ := db.ListMessagesBySession(session.ID)
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].PayloadJSON != `{"state":"complete"}` {
		t.Errorf("expected updated payload, got %q", messages[0].PayloadJSON)
	}
}

func TestDeleteMessagesBySession(t *testing.T) {
	db := openTestDB(t)
	project := createTestProject(t, db)
	session, _ := db.CreateSession(CreateSessionInput{ProjectID: project.ID, Title: "s"})

	db.CreateMessage(CreateMessageInput{SessionID: session.ID, Seq: 1, Kind: "user-text", PayloadJSON: "{}"})
	db.CreateMessage(CreateMessageInput{SessionID: session.ID, Seq: 2, Kind: "agent-text", PayloadJSON: "{}"})

	n, err := db.DeleteMessagesBySession(session.ID)
	if err != nil {
		t.Fatalf("delete messages: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}

	messages, _ := db.ListMessagesBySession(session.ID)
	if len(messages) != 0 {
		t.Errorf("expected empty transcript, got %d messages", len(messages))
	}
}

// --- Settings Tests ---

func TestGetSetting_NotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetSetting("theme")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetSetting_Upsert(t *testing.T) {
	db := openTestDB(t)

	first, err := db.SetSetting("theme", `"dark"`)
	if err != nil {
		t.Fatalf("set setting: %v", err)
	}
	if first.Value != `"dark"` {
		t.Errorf("expected value %q, got %q", `"dark"`, first.Value)
	}

	second, err := db.SetSetting("theme", `"light"`)
	if err != nil {
		t.Fatalf("overwrite setting: %v", err)
	}
	if second.Value != `"light"` {
		t.Errorf("expected overwritten value %q, got %q", `"light"`, second.Value)
	}

	settings, err := db.ListSettings()
	if err != nil {
		t.Fatalf("list settings: %v", err)
	}
	if len(settings) != 1 {
		t.Errorf("expected 1 setting after upsert, got %d", len(settings))
	}
}

func TestDeleteSetting(t *testing.T) {
	db := openTestDB(t)

	db.SetSetting("fontSize", "14")
	if err := db.DeleteSetting("fontSize"); err != nil {
		t.Fatalf("delete setting: %v", err)
	}

	if err := db.DeleteSetting("fontSize"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}
