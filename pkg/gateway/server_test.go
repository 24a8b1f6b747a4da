package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sipeed/picocrm/pkg/auth"
	"github.com/sipeed/picocrm/pkg/bus"
	"github.com/sipeed/picocrm/pkg/channels"
	"github.com/sipeed/picocrm/pkg/config"
	"github.com/sipeed/picocrm/pkg/inbox"
	"github.com/sipeed/picocrm/pkg/timelabel"
)

var testNow = time.Date(2024, 5, 20, 15, 30, 0, 0, time.UTC)

// liveChannel stands in for the WhatsApp provider.
type liveChannel struct {
	convs     []inbox.Conversation
	sendErr   error
	sent      []string
	sentMedia []inbox.ContentType
	connected bool
}

func (l *liveChannel) Name() string { return inbox.ChannelWhatsApp }
func (l *liveChannel) Live() bool   { return true }
func (l *liveChannel) ListConversations(ctx context.Context) ([]inbox.Conversation, error) {
	return l.convs, nil
}
func (l *liveChannel) ListMessages(ctx context.Context, identifier string) ([]inbox.Message, error) {
	return []inbox.Message{{ID: "h1", Text: "oi", ContentType: inbox.ContentText, Sender: inbox.SenderContact}}, nil
}
func (l *liveChannel) SendText(ctx context.Context, identifier, text string) error {
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, text)
	return nil
}
func (l *liveChannel) SendMedia(ctx context.Context, identifier string, kind inbox.ContentType, mediaURL, caption string) error {
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sentMedia = append(l.sentMedia, kind)
	return nil
}
func (l *liveChannel) Connected(ctx context.Context) bool { return l.connected }

type testEnv struct {
	server *Server
	live   *liveChannel
	inbox  *inbox.Inbox
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	labeler := timelabel.New("en", time.UTC)
	labeler.SetClock(func() time.Time { return testNow })

	live := &liveChannel{
		connected: true,
		convs: []inbox.Conversation{{
			ID:                 "1",
			DisplayName:        "Maria",
			LastMessagePreview: "oi",
			LastActivityAt:     testNow.Add(-90 * time.Second),
			ContactInfo:        inbox.ContactInfo{Phone: "+551199999999"},
		}},
	}
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	ib := inbox.New(inbox.Options{
		Channels: []inbox.Channel{channels.NewInstagramChannel(labeler, true), live},
		Labeler:  labeler,
		Bus:      mb,
	})
	ib.RefreshAll(context.Background())

	authn, err := auth.NewMemoryAuthenticator([]config.UserConfig{{Email: "ops@example.com", Password: "hunter22"}})
	if err != nil {
		t.Fatalf("NewMemoryAuthenticator: %v", err)
	}
	s := NewServer(config.GatewayConfig{Host: "127.0.0.1", Port: 0}, ib, authn, mb)
	t.Cleanup(s.Close)

	env := &testEnv{server: s, live: live, inbox: ib}
	rec := env.do(t, "POST", "/api/login", `{"email":"ops@example.com","password":"hunter22"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", rec.Code, rec.Body.String())
	}
	var session auth.Session
	json.Unmarshal(rec.Body.Bytes(), &session)
	env.token = session.Token
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	env.token = ""
	if rec := env.do(t, "GET", "/api/conversations", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	env.token = "bogus"
	if rec := env.do(t, "GET", "/api/counts", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := env.do(t, "GET", "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz should be public, got %d", rec.Code)
	}
}

func TestLoginRejected(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, "POST", "/api/login", `{"email":"ops@example.com","password":"nope"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := env.do(t, "POST", "/api/login", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRegisterAndLogout(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "POST", "/api/register", `{"email":"new@example.com","password":"abcdef","display_name":"Nova"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, "POST", "/api/register", `{"email":"new@example.com","password":"abcdef"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	if rec := env.do(t, "POST", "/api/logout", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("logout status %d", rec.Code)
	}
	if rec := env.do(t, "GET", "/api/me", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("token should be revoked, got %d", rec.Code)
	}
}

func TestListConversationsByStatus(t *testing.T) {
	env := newTestEnv(t)

	var resp struct {
		Conversations []inbox.Conversation `json:"conversations"`
	}
	rec := env.do(t, "GET", "/api/conversations?status=open", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	decode(t, rec, &resp)
	if len(resp.Conversations) != 3 || resp.Conversations[0].DisplayName != "Maria" || resp.Conversations[0].LastActivityLabel != "1 minute" {
		t.Fatalf("unexpected conversations %+v", resp.Conversations)
	}

	rec = env.do(t, "GET", "/api/conversations?q=fra", "")
	decode(t, rec, &resp)
	if len(resp.Conversations) != 1 || resp.Conversations[0].ID != "2" {
		t.Fatalf("search failed: %+v", resp.Conversations)
	}

	if rec := env.do(t, "GET", "/api/conversations?status=archived", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestStatusWorkflow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "PUT", "/api/conversations/1/status", `{"status":"pending"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var counts map[inbox.Status]int
	decode(t, env.do(t, "GET", "/api/counts", ""), &counts)
	if counts[inbox.StatusOpen] != 2 || counts[inbox.StatusPending] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}

	if rec := env.do(t, "PUT", "/api/conversations/1/status", `{"status":"bogus"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, "PUT", "/api/conversations/zzz/status", `{"status":"open"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSelectLoadsHistory(t *testing.T) {
	env := newTestEnv(t)

	var resp struct {
		Conversation inbox.Conversation `json:"conversation"`
		Messages     []inbox.Message    `json:"messages"`
	}
	rec := env.do(t, "POST", "/api/conversations/1/select", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	decode(t, rec, &resp)
	if resp.Conversation.ID != "1" || len(resp.Messages) != 1 {
		t.Fatalf("unexpected select response %+v", resp)
	}
	if rec := env.do(t, "POST", "/api/conversations/nope/select", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	if rec := env.do(t, "DELETE", "/api/selection", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("deselect status %d", rec.Code)
	}
	if _, ok := env.inbox.Selected(); ok {
		t.Fatal("selection should be cleared")
	}
}

func TestSend(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/conversations/1/messages", `{"text":"Olá Maria"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.live.sent) != 1 || env.live.sent[0] != "Olá Maria" {
		t.Fatalf("provider saw %v", env.live.sent)
	}

	if rec := env.do(t, "POST", "/api/conversations/1/messages", `{"text":"   "}`); rec.Code != http.StatusNoContent {
		t.Fatalf("blank send should be a no-op, got %d", rec.Code)
	}

	env.live.sendErr = errors.New("provider down")
	if rec := env.do(t, "POST", "/api/conversations/1/messages", `{"text":"again"}`); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if got := len(env.inbox.Messages("1")); got != 1 {
		t.Fatalf("failed send must not append, history has %d", got)
	}

	if rec := env.do(t, "POST", "/api/conversations/2/messages", `{"content_type":"image","media_url":"https://cdn/x.png"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("simulated channel has no media support, got %d", rec.Code)
	}

	env.live.sendErr = nil
	rec = env.do(t, "POST", "/api/conversations/1/messages", `{"media_url":"https://cdn/voice.ogg?x=1"}`)
	var voice inbox.Message
	decode(t, rec, &voice)
	if rec.Code != http.StatusCreated || voice.ContentType != inbox.ContentAudio {
		t.Fatalf("expected inferred audio, got %d %+v", rec.Code, voice)
	}
	if rec := env.do(t, "POST", "/api/conversations/1/messages", `{"content_type":"audio"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("media without url should be 400, got %d", rec.Code)
	}
	if !reflect.DeepEqual(env.live.sentMedia, []inbox.ContentType{inbox.ContentAudio}) {
		t.Fatalf("provider saw media %v", env.live.sentMedia)
	}
}

func TestEditNameAndInfo(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "PUT", "/api/conversations/1/name", `{"display_name":"  Maria Silva "}`)
	var conv inbox.Conversation
	decode(t, rec, &conv)
	if rec.Code != http.StatusOK || conv.DisplayName != "Maria Silva" {
		t.Fatalf("rename failed %d %+v", rec.Code, conv)
	}

	if rec := env.do(t, "PUT", "/api/conversations/1/name", `{"display_name":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank name, got %d", rec.Code)
	}
	if name, _ := env.inbox.Editor().Editing("1"); name {
		t.Fatal("rejected request must not leave a session open")
	}

	rec = env.do(t, "PUT", "/api/conversations/1/info", `{"email":"maria@example.com"}`)
	decode(t, rec, &conv)
	if conv.ContactInfo.Email != "maria@example.com" || conv.ContactInfo.Phone != "" {
		t.Fatalf("info must be replaced wholesale: %+v", conv.ContactInfo)
	}
	if name, info := env.inbox.Editor().Editing("1"); name || info {
		t.Fatalf("saved edits must close their sessions: name=%v info=%v", name, info)
	}
}

func TestWriteErrorStatuses(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err  error
		want int
	}{
		{inbox.ErrNoEditSession, http.StatusConflict},
		{inbox.ErrDuplicateConversation, http.StatusConflict},
		{inbox.ErrUnknownConversation, http.StatusNotFound},
		{inbox.ErrEmptyName, http.StatusBadRequest},
		{&inbox.SendError{ConversationID: "1", Err: errors.New("down")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		writeError(c, tc.err)
		if rec.Code != tc.want {
			t.Errorf("writeError(%v) = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestScheduleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/conversations/1/schedule", `{"text":"lembrete","date":"2030-01-02","time":"09:30"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	decode(t, rec, &created)

	rec = env.do(t, "POST", "/api/conversations/1/schedule", `{"text":"","date":"","time":"09:30"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"Field":"text"`) {
		t.Fatalf("expected field errors in %s", rec.Body.String())
	}

	if rec := env.do(t, "POST", "/api/conversations/1/schedule", `{"text":"daily","cron":"not cron"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad cron, got %d", rec.Code)
	}

	var list struct {
		Scheduled []struct {
			ID string `json:"id"`
		} `json:"scheduled"`
	}
	decode(t, env.do(t, "GET", "/api/conversations/1/schedule", ""), &list)
	if len(list.Scheduled) != 1 || list.Scheduled[0].ID != created.ID {
		t.Fatalf("unexpected schedule list %+v", list)
	}

	if rec := env.do(t, "DELETE", "/api/conversations/1/schedule/"+created.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("cancel status %d", rec.Code)
	}
	if rec := env.do(t, "DELETE", "/api/conversations/1/schedule/missing", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("cancel of absent id should be a no-op, got %d", rec.Code)
	}
	if n := len(env.inbox.Scheduled("1")); n != 0 {
		t.Fatalf("queue still has %d entries", n)
	}
}

func TestChannelsAndRefresh(t *testing.T) {
	env := newTestEnv(t)

	var resp struct {
		Channels []channelInfo `json:"channels"`
	}
	decode(t, env.do(t, "GET", "/api/channels", ""), &resp)
	if len(resp.Channels) != 2 || resp.Channels[1].Connected == nil || !*resp.Channels[1].Connected {
		t.Fatalf("unexpected channels %+v", resp.Channels)
	}
	if resp.Channels[0].Connected != nil {
		t.Fatal("simulated channel has no connection state")
	}

	env.live.convs = nil
	if rec := env.do(t, "POST", "/api/refresh?channel=whatsapp", ""); rec.Code != http.StatusOK {
		t.Fatalf("refresh status %d", rec.Code)
	}
	if _, ok := env.inbox.Get("1"); ok {
		t.Fatal("maria should be gone after the channel stopped reporting her")
	}

	env.do(t, "PUT", "/api/conversations/2/status", `{"status":"resolved"}`)
	if rec := env.do(t, "POST", "/api/refresh", ""); rec.Code != http.StatusOK {
		t.Fatalf("refresh all status %d", rec.Code)
	}
	if conv, _ := env.inbox.Get("2"); conv.Status != inbox.StatusResolved {
		t.Fatalf("instagram edits must survive a refresh, status=%q", conv.Status)
	}
	if rec := env.do(t, "POST", "/api/refresh?channel=telegram", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStartConversation(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "POST", "/api/conversations", `{"channel":"whatsapp","display_name":"Novo","phone":"+55 11 95555-5555"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, "POST", "/api/conversations", `{"channel":"whatsapp","phone":"5511955555555"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events?token=" + env.token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.server.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	body := bytes.NewBufferString(`{"status":"resolved"}`)
	req, _ := http.NewRequest("PUT", srv.URL+"/api/conversations/1/status", body)
	req.Header.Set("Authorization", "Bearer "+env.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev bus.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Kind == bus.StatusChanged {
			if ev.ConversationID != "1" || ev.Data["status"] != "resolved" || ev.Channel != inbox.ChannelWhatsApp {
				t.Fatalf("unexpected event %+v", ev)
			}
			break
		}
	}

	// Logging out closes the stream opened with that session.
	env.do(t, "POST", "/api/logout", "")
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

func TestEventStreamRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}
