package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/monocle-dev/huddle/internal/auth"
	"github.com/monocle-dev/huddle/internal/cache"
	"github.com/monocle-dev/huddle/internal/handlers"
	"github.com/monocle-dev/huddle/internal/models"
	"github.com/monocle-dev/huddle/internal/notify"
	"github.com/monocle-dev/huddle/internal/realtime"
	"github.com/monocle-dev/huddle/internal/router"
	"github.com/monocle-dev/huddle/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testServer struct {
	t      *testing.T
	engine *gin.Engine
	db     *gorm.DB
	store  *cache.MemoryStore
	hub    *realtime.Hub
	issuer *auth.Issuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb := testdb.New(t)
	store := cache.NewMemoryStore()

	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	registry := realtime.NewRegistry()
	rooms := realtime.NewTracker(16)
	rt := realtime.NewRouter(registry, rooms)
	hub := realtime.NewHub(registry, rooms, rt, issuer, handlers.NewMembershipAuthorizer(gdb), realtime.HubOptions{SendBuffer: 64})

	dispatcher := notify.NewDispatcher(notify.NewGormStore(gdb), store, rt, nil, notify.Options{CounterTTL: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := handlers.New(handlers.Deps{
		Context:    ctx,
		DB:         gdb,
		Issuer:     issuer,
		Cache:      store,
		CacheTTL:   time.Minute,
		Dispatcher: dispatcher,
		Hub:        hub,
	})

	return &testServer{
		t:      t,
		engine: router.NewRouter(h, issuer, gdb, []string{"http://localhost:5173"}),
		db:     gdb,
		store:  store,
		hub:    hub,
		issuer: issuer,
	}
}

func (s *testServer) user(name string) (models.User, string) {
	s.t.Helper()
	user := testdb.User(s.t, s.db, name, nil)
	token, err := s.issuer.Generate(user.ID, user.Email)
	require.NoError(s.t, err)
	return user, token
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRegisterLoginAndMe(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/auth/register", "", gin.H{"name": "Dana", "email": "Dana@Example.com", "password": "correct-horse"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "token" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	rec = s.do(http.MethodPost, "/api/auth/register", "", gin.H{"name": "Dana", "email": "dana@example.com", "password": "correct-horse"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "dana@example.com", "password": "wrong-horse"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "dana@example.com", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	login := decode[struct {
		Token string `json:"token"`
	}](t, rec)
	require.NotEmpty(t, login.Token)

	rec = s.do(http.MethodGet, "/api/auth/me", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[struct {
		User   map[string]any `json:"user"`
		Online bool           `json:"online"`
	}](t, rec)
	assert.Equal(t, "dana@example.com", me.User["email"])
	assert.False(t, me.Online)

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/auth/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/auth/me", "garbage", nil).Code)
}

func TestProjectsAreVisibleToMembersOnly(t *testing.T) {
	s := newTestServer(t)
	owner, ownerToken := s.user("owner")
	member, memberToken := s.user("member")
	_, outsiderToken := s.user("outsider")

	rec := s.do(http.MethodPost, "/api/projects", ownerToken, gin.H{"name": "Apollo"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	project := decode[map[string]any](t, rec)
	path := fmt.Sprintf("/api/projects/%v", project["id"])

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, path, outsiderToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, path, memberToken, nil).Code)

	rec = s.do(http.MethodPost, path+"/members", ownerToken, gin.H{"email": member.Email})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, path+"/members", ownerToken, gin.H{"userId": member.ID}).Code)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, path, memberToken, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPatch, path, memberToken, gin.H{"name": "Mine"}).Code)

	rec = s.do(http.MethodGet, "/api/projects", memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)

	rec = s.do(http.MethodGet, path+"/members", memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 2)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodDelete, fmt.Sprintf("%s/members/%d", path, owner.ID), ownerToken, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodDelete, fmt.Sprintf("%s/members/%d", path, member.ID), ownerToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, path, memberToken, nil).Code)

	rec = s.do(http.MethodGet, "/api/projects", memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]map[string]any](t, rec))

	// The member was invited, so they hold one project_invite notification.
	rec = s.do(http.MethodGet, "/api/notifications/unread-count", memberToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":1}`, rec.Body.String())
}

func TestTaskUpdateInvalidatesCachedList(t *testing.T) {
	s := newTestServer(t)
	owner, ownerToken := s.user("owner")
	project := testdb.Project(t, s.db, "Apollo", owner)
	path := fmt.Sprintf("/api/projects/%d/tasks", project.ID)

	rec := s.do(http.MethodPost, path, ownerToken, gin.H{"title": "Draft plan"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode[models.Task](t, rec)
	assert.Equal(t, models.TaskStatusTodo, task.Status)

	rec = s.do(http.MethodGet, path, ownerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cached []models.Task
	hit, err := s.store.Get(context.Background(), cache.ProjectTasksKey(project.ID), &cached)
	require.NoError(t, err)
	require.True(t, hit)

	rec = s.do(http.MethodPatch, fmt.Sprintf("%s/%d", path, task.ID), ownerToken, gin.H{"title": "Final plan", "status": "done"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	hit, err = s.store.Get(context.Background(), cache.ProjectTasksKey(project.ID), &cached)
	require.NoError(t, err)
	assert.False(t, hit, "update must drop the cached task list")

	rec = s.do(http.MethodGet, path, ownerToken, nil)
	tasks := decode[[]models.Task](t, rec)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Final plan", tasks[0].Title)
	assert.Equal(t, models.TaskStatusDone, tasks[0].Status)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPatch, fmt.Sprintf("%s/%d", path, task.ID), ownerToken, gin.H{"status": "someday"}).Code)

	other := testdb.Project(t, s.db, "Gemini", owner)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, fmt.Sprintf("/api/projects/%d/tasks/%d", other.ID, task.ID), ownerToken, nil).Code)
}

func TestDeleteProjectDropsCachedTasksAndMessages(t *testing.T) {
	s := newTestServer(t)
	owner, ownerToken := s.user("owner")
	project := testdb.Project(t, s.db, "Apollo", owner)
	other := testdb.Project(t, s.db, "Gemini", owner)

	task := models.Task{ProjectID: project.ID, Title: "Draft plan", Status: models.TaskStatusTodo, CreatorID: owner.ID}
	require.NoError(t, s.db.Create(&task).Error)
	message := models.Message{ProjectID: project.ID, AuthorID: owner.ID, Body: "kickoff at noon"}
	require.NoError(t, s.db.Create(&message).Error)
	kept := models.Task{ProjectID: other.ID, Title: "Unrelated", Status: models.TaskStatusTodo, CreatorID: owner.ID}
	require.NoError(t, s.db.Create(&kept).Error)

	rec := s.do(http.MethodGet, fmt.Sprintf("/api/projects/%d/tasks/%d", project.ID, task.ID), ownerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(http.MethodGet, fmt.Sprintf("/api/projects/%d/tasks/%d", other.ID, kept.ID), ownerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ctx := context.Background()
	require.NoError(t, s.store.Set(ctx, cache.MessageKey(message.ID), message, time.Minute))

	var cachedTask models.Task
	hit, err := s.store.Get(ctx, cache.TaskKey(task.ID), &cachedTask)
	require.NoError(t, err)
	require.True(t, hit)

	rec = s.do(http.MethodDelete, fmt.Sprintf("/api/projects/%d", project.ID), ownerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	hit, err = s.store.Get(ctx, cache.TaskKey(task.ID), &cachedTask)
	require.NoError(t, err)
	assert.False(t, hit, "deleted task's detail is dropped")

	var cachedMessage models.Message
	hit, err = s.store.Get(ctx, cache.MessageKey(message.ID), &cachedMessage)
	require.NoError(t, err)
	assert.False(t, hit, "deleted message's detail is dropped")

	hit, err = s.store.Get(ctx, cache.TaskKey(kept.ID), &cachedTask)
	require.NoError(t, err)
	assert.True(t, hit, "tasks of other projects keep their entries")
}

func TestAssignmentNotificationLifecycle(t *testing.T) {
	s := newTestServer(t)
	owner, ownerToken := s.user("owner")
	assignee, assigneeToken := s.user("assignee")
	_, outsiderToken := s.user("outsider")
	outsider := testdb.User(t, s.db, "stranger", nil)
	project := testdb.Project(t, s.db, "Apollo", owner, assignee)
	path := fmt.Sprintf("/api/projects/%d/tasks", project.ID)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, path, ownerToken, gin.H{"title": "x", "assigneeId": outsider.ID}).Code)

	rec := s.do(http.MethodPost, path, ownerToken, gin.H{"title": "Write launch post", "assigneeId": assignee.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/notifications/unread-count", assigneeToken, nil)
	assert.JSONEq(t, `{"count":1}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/notifications?unread=true", assigneeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[notify.Page](t, rec)
	require.Len(t, page.Items, 1)
	assert.Equal(t, string(notify.KindTaskAssigned), page.Items[0].Kind)
	id := page.Items[0].ID

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, fmt.Sprintf("/api/notifications/%d/read", id), outsiderToken, nil).Code)

	rec = s.do(http.MethodPost, fmt.Sprintf("/api/notifications/%d/read", id), assigneeToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":1}`, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/notifications/read-all", assigneeToken, nil)
	assert.JSONEq(t, `{"updated":0}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/notifications/unread-count", assigneeToken, nil)
	assert.JSONEq(t, `{"count":0}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, s.do(http.MethodDelete, fmt.Sprintf("/api/notifications/%d", id), assigneeToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, fmt.Sprintf("/api/notifications/%d", id), assigneeToken, nil).Code)
}

func TestMentionsRespectPreferences(t *testing.T) {
	s := newTestServer(t)
	owner, ownerToken := s.user("owner")
	quiet, quietToken := s.user("quiet")
	loud, loudToken := s.user("loud")
	project := testdb.Project(t, s.db, "Apollo", owner, quiet, loud)

	rec := s.do(http.MethodPatch, "/api/me/preferences", quietToken, gin.H{"mentions": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"taskAssignments":true,"projectUpdates":true,"mentions":false,"emailNotifications":true,"pushNotifications":true}`, rec.Body.String())

	rec = s.do(http.MethodPost, fmt.Sprintf("/api/projects/%d/messages", project.ID), ownerToken, gin.H{
		"body":       "@quiet @loud please review",
		"mentionIds": []uint{quiet.ID, loud.ID, owner.ID, 9999},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.JSONEq(t, `{"count":0}`, s.do(http.MethodGet, "/api/notifications/unread-count", quietToken, nil).Body.String())
	assert.JSONEq(t, `{"count":1}`, s.do(http.MethodGet, "/api/notifications/unread-count", loudToken, nil).Body.String())
	assert.JSONEq(t, `{"count":0}`, s.do(http.MethodGet, "/api/notifications/unread-count", ownerToken, nil).Body.String())

	rec = s.do(http.MethodGet, fmt.Sprintf("/api/projects/%d/messages", project.ID), loudToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, rec)["total"])
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// readUntil reads frames until one named event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f wireFrame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Event == event {
			return f
		}
	}
}

func TestWebsocketDeliversOnlyToJoinedRoom(t *testing.T) {
	s := newTestServer(t)
	owner, ownerToken := s.user("owner")
	watcher, watcherToken := s.user("watcher")
	idle, idleToken := s.user("idle")
	project := testdb.Project(t, s.db, "Apollo", owner, watcher, idle)
	other := testdb.Project(t, s.db, "Gemini", owner)

	srv := httptest.NewServer(s.engine)
	t.Cleanup(srv.Close)

	a := dial(t, srv, watcherToken)
	b := dial(t, srv, idleToken)

	require.NoError(t, a.WriteJSON(gin.H{"event": "room:join", "data": gin.H{"roomId": other.ID}}))
	errFrame := readUntil(t, a, "error")
	assert.Contains(t, string(errFrame.Data), "forbidden")

	require.NoError(t, a.WriteJSON(gin.H{"event": "room:join", "data": gin.H{"roomId": project.ID}}))
	readUntil(t, a, "room:joined")

	require.Eventually(t, func() bool {
		return s.hub.Registry().IsOnline(watcher.ID) && s.hub.Registry().IsOnline(idle.ID)
	}, time.Second, 5*time.Millisecond)

	rec := s.do(http.MethodPost, fmt.Sprintf("/api/projects/%d/tasks", project.ID), ownerToken, gin.H{"title": "Ship it"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	f := readUntil(t, a, "task:created")
	var payload struct {
		Task    models.Task `json:"task"`
		ActorID uint        `json:"actorId"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	assert.Equal(t, "Ship it", payload.Task.Title)
	assert.Equal(t, owner.ID, payload.ActorID)

	require.NoError(t, b.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := b.ReadMessage()
	assert.Error(t, err, "a connection that joined no room receives no room events")

	// Notifications reach every connection of the user regardless of rooms.
	c := dial(t, srv, idleToken)
	require.Eventually(t, func() bool {
		return len(s.hub.Registry().ConnectionsOf(idle.ID)) == 2
	}, time.Second, 5*time.Millisecond)
	rec = s.do(http.MethodPost, fmt.Sprintf("/api/projects/%d/tasks", project.ID), ownerToken, gin.H{"title": "Review", "assigneeId": idle.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	readUntil(t, c, "notification:new")
}

func TestWebsocketRejectsBadTokenBeforeUpgrade(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.engine)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, s.hub.Registry().Count())
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["database"])
	assert.Equal(t, "ok", body["cache"])
}
