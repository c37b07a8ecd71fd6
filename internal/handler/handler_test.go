package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctoring"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

func TestMain(m *testing.M) {
	validator.Setup()
	os.Exit(m.Run())
}

type memStarter struct {
	mu       sync.Mutex
	attempts map[string]session.StartedAttempt
	err      error
}

func (s *memStarter) StartAttempt(_ context.Context, quizID uuid.UUID, participantID, _ string) (session.StartedAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return session.StartedAttempt{}, s.err
	}
	key := quizID.String() + participantID
	if a, ok := s.attempts[key]; ok {
		return a, nil
	}
	now := time.Now()
	a := session.StartedAttempt{
		Attempt: model.ExamAttempt{
			ID:            uuid.New(),
			QuizID:        quizID,
			ParticipantID: participantID,
			AttemptNumber: 1,
			StartedAt:     now,
			Deadline:      now.Add(time.Hour),
			Status:        model.AttemptStatusInProgress,
		},
		Title: "Arithmetic",
		Questions: []model.Question{
			{ID: "q1", Type: model.QuestionTypeSingleSelect, Prompt: "2+2", Options: []model.Option{
				{ID: "a", Text: "3"}, {ID: "b", Text: "4", Correct: true},
			}},
			{ID: "q2", Type: model.QuestionTypeShortText, Prompt: "Name a prime"},
		},
	}
	s.attempts[key] = a
	return a, nil
}

type memGateway struct{}

func (memGateway) PersistResponse(context.Context, uuid.UUID, string, model.AnswerValue) error {
	return nil
}

func (memGateway) PersistFlags(context.Context, uuid.UUID, []string) error { return nil }

type memGrader struct{}

func (memGrader) SubmitAttempt(_ context.Context, attemptID uuid.UUID, _ []model.Response, _ []string) (string, error) {
	return "sub-" + attemptID.String(), nil
}

type testEnv struct {
	manager *session.Manager
	starter *memStarter
	router  *gin.Engine
	mr      *miniredis.Miniredis
}

// asClaims stands in for the JWT middleware.
func asClaims(tokenType service.TokenType, perms ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.GetHeader("X-Test-Subject")
		c.Set(middleware.ContextKeyClaims, &service.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
			TokenType:        tokenType,
			Permissions:      perms,
		})
		c.Next()
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	starter := &memStarter{attempts: make(map[string]session.StartedAttempt)}
	opts := session.DefaultOptions()
	opts.Debounce = 10 * time.Millisecond
	manager := session.NewManager(starter, session.Deps{
		Gateway: memGateway{},
		Grader:  memGrader{},
		Log:     zerolog.Nop(),
	}, opts, time.Minute)
	t.Cleanup(manager.Close)

	log := zerolog.Nop()
	attempts := NewAttemptHandler(manager, log)
	wsh := NewWSHandler(manager, nil, log, WSOptions{ResyncInterval: time.Hour})
	monitor := service.NewMonitorService(nil, nil, nil, manager)
	admin := NewAdminHandler(manager, monitor, service.NewAuthService("secret", time.Hour, rdb), nil, proctoring.NewPublisher(rdb), log)

	r := gin.New()
	p := r.Group("/p", asClaims(service.TokenTypeParticipant))
	p.POST("/quizzes/:quiz_id/attempts", attempts.StartAttempt)
	p.GET("/attempts/:id", attempts.GetAttemptState)
	p.GET("/attempts/:id/paper", attempts.GetAttemptPaper)
	p.PUT("/attempts/:id/answers", attempts.SaveAnswer)
	p.POST("/attempts/:id/navigate", attempts.Navigate)
	p.POST("/attempts/:id/flags", attempts.ToggleFlag)
	p.POST("/attempts/:id/events", attempts.ReportEvent)
	p.POST("/attempts/:id/submit", attempts.SubmitAttempt)
	p.GET("/attempts/:id/stream", wsh.AttemptStream)

	a := r.Group("/a", asClaims(service.TokenTypeAdmin, service.PermissionAttemptsManage))
	a.POST("/attempts/:id/abort", admin.AbortAttempt)
	a.POST("/attempts/:id/warnings", admin.PushWarning)

	return &testEnv{manager: manager, starter: starter, router: r, mr: mr}
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

func (env *testEnv) do(t *testing.T, method, path, subject string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Subject", subject)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	var out envelope
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body)
	}
	return w.Code, out
}

type startData struct {
	Paper model.AttemptPaper `json:"paper"`
	State session.State      `json:"state"`
}

func (env *testEnv) start(t *testing.T, quizID uuid.UUID, subject string) startData {
	t.Helper()
	code, out := env.do(t, http.MethodPost, "/p/quizzes/"+quizID.String()+"/attempts", subject, nil)
	if code != http.StatusOK {
		t.Fatalf("start: %d %+v", code, out.Error)
	}
	var d startData
	if err := json.Unmarshal(out.Data, &d); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	return d
}

func TestStartAttemptHidesAnswerKeyAndResumes(t *testing.T) {
	env := newTestEnv(t)
	quizID := uuid.New()

	first := env.start(t, quizID, "p-1")
	if first.State.Status != model.AttemptStatusInProgress {
		t.Fatalf("status = %s", first.State.Status)
	}
	if first.State.TimeRemainingMs <= 0 {
		t.Fatalf("no time remaining reported")
	}
	raw, _ := json.Marshal(first.Paper)
	if strings.Contains(string(raw), "correct") {
		t.Fatalf("paper leaks the answer key: %s", raw)
	}

	second := env.start(t, quizID, "p-1")
	if second.State.AttemptID != first.State.AttemptID {
		t.Fatalf("resume created a new attempt")
	}
}

func TestStartAttemptMapsQuizErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		err  error
		code int
		want response.ErrCode
	}{
		{service.ErrInvalidQuizPassword, http.StatusForbidden, response.ErrInvalidQuizPassword},
		{service.ErrAttemptLimitReached, http.StatusConflict, response.ErrAttemptLimitReached},
		{service.ErrQuizNotFound, http.StatusNotFound, response.ErrQuizNotFound},
		{errors.New("boom"), http.StatusInternalServerError, response.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			env.starter.mu.Lock()
			env.starter.err = tt.err
			env.starter.mu.Unlock()

			code, out := env.do(t, http.MethodPost, "/p/quizzes/"+uuid.New().String()+"/attempts", "p-1", model.StartAttemptRequest{Password: "x"})
			if code != tt.code || out.Error == nil || out.Error.Code != tt.want {
				t.Fatalf("got %d %+v, want %d %s", code, out.Error, tt.code, tt.want)
			}
		})
	}
}

func TestAnswerSubmitLifecycle(t *testing.T) {
	env := newTestEnv(t)
	d := env.start(t, uuid.New(), "p-1")
	base := "/p/attempts/" + d.State.AttemptID.String()

	code, out := env.do(t, http.MethodPut, base+"/answers", "p-1", model.SaveAnswerRequest{
		QuestionID: "q1", Value: model.AnswerValue{Selected: []string{"b"}},
	})
	if code != http.StatusOK {
		t.Fatalf("answer: %d %+v", code, out.Error)
	}
	var st session.State
	_ = json.Unmarshal(out.Data, &st)
	if r, ok := st.Response("q1"); !ok || r.Value.Selected[0] != "b" {
		t.Fatalf("state responses = %+v", st.Responses)
	}

	code, out = env.do(t, http.MethodPut, base+"/answers", "p-1", model.SaveAnswerRequest{QuestionID: "q9"})
	if code != http.StatusBadRequest || out.Error.Code != response.ErrUnknownQuestion {
		t.Fatalf("unknown question: %d %+v", code, out.Error)
	}

	code, out = env.do(t, http.MethodPost, base+"/flags", "p-1", model.ToggleFlagRequest{QuestionID: "q2"})
	_ = json.Unmarshal(out.Data, &st)
	if code != http.StatusOK || !st.Flagged("q2") {
		t.Fatalf("flag: %d flags=%v", code, st.Flags)
	}

	idx := 1
	code, out = env.do(t, http.MethodPost, base+"/navigate", "p-1", model.NavigateRequest{Index: &idx})
	_ = json.Unmarshal(out.Data, &st)
	if code != http.StatusOK || st.CurrentQuestionIndex != 1 {
		t.Fatalf("navigate: %d index=%d", code, st.CurrentQuestionIndex)
	}

	code, out = env.do(t, http.MethodPost, base+"/submit", "p-1", nil)
	if code != http.StatusOK {
		t.Fatalf("submit: %d %+v", code, out.Error)
	}
	var sub struct {
		Result model.SubmissionResult `json:"result"`
	}
	_ = json.Unmarshal(out.Data, &sub)
	if sub.Result.Status != model.AttemptStatusSubmitted || sub.Result.Preview.Correct != 1 {
		t.Fatalf("result = %+v", sub.Result)
	}

	code, out = env.do(t, http.MethodPut, base+"/answers", "p-1", model.SaveAnswerRequest{QuestionID: "q2", Value: model.AnswerValue{Text: "7"}})
	if code != http.StatusConflict || out.Error.Code != response.ErrAttemptClosed {
		t.Fatalf("answer after submit: %d %+v", code, out.Error)
	}
}

func TestAttemptsAreScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	d := env.start(t, uuid.New(), "p-1")

	code, out := env.do(t, http.MethodGet, "/p/attempts/"+d.State.AttemptID.String(), "p-2", nil)
	if code != http.StatusNotFound || out.Error.Code != response.ErrAttemptNotFound {
		t.Fatalf("foreign read: %d %+v", code, out.Error)
	}
	code, _ = env.do(t, http.MethodGet, "/p/attempts/not-a-uuid", "p-1", nil)
	if code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", code)
	}
}

func TestReportEventRejectsServerKinds(t *testing.T) {
	env := newTestEnv(t)
	d := env.start(t, uuid.New(), "p-1")
	base := "/p/attempts/" + d.State.AttemptID.String()

	code, _ := env.do(t, http.MethodPost, base+"/events", "p-1", model.ReportEventRequest{Kind: model.ProctoringKindTabSwitch})
	if code != http.StatusAccepted {
		t.Fatalf("tab switch: %d", code)
	}
	code, out := env.do(t, http.MethodPost, base+"/events", "p-1", model.ReportEventRequest{Kind: model.ProctoringKindServerWarning})
	if code != http.StatusBadRequest || out.Error.Code != response.ErrValidation || out.Error.Fields["kind"] == "" {
		t.Fatalf("server warning from client: %d %+v", code, out.Error)
	}
}

func TestAdminAbortAndWarning(t *testing.T) {
	env := newTestEnv(t)
	d := env.start(t, uuid.New(), "p-1")
	path := "/a/attempts/" + d.State.AttemptID.String()

	// Engines here have no push subscription, so nothing receives the warning.
	code, out := env.do(t, http.MethodPost, path+"/warnings", "admin-1", model.PushWarningRequest{Message: "eyes on screen"})
	if code != http.StatusNotFound || out.Error.Code != response.ErrAttemptNotFound {
		t.Fatalf("warning: %d %+v", code, out.Error)
	}

	code, out = env.do(t, http.MethodPost, path+"/abort", "admin-1", model.AbortAttemptRequest{Reason: "shared device"})
	if code != http.StatusOK {
		t.Fatalf("abort: %d %+v", code, out.Error)
	}
	var res struct {
		Result model.SubmissionResult `json:"result"`
	}
	_ = json.Unmarshal(out.Data, &res)
	if res.Result.Status != model.AttemptStatusAborted {
		t.Fatalf("abort result = %+v", res.Result)
	}

	code, _ = env.do(t, http.MethodPost, "/a/attempts/"+uuid.New().String()+"/abort", "admin-1", model.AbortAttemptRequest{Reason: "unknown"})
	if code != http.StatusNotFound {
		t.Fatalf("abort unknown: %d", code)
	}
}

func dialStream(t *testing.T, env *testEnv, attemptID uuid.UUID, subject string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/p/attempts/" + attemptID.String() + "/stream"
	header := http.Header{"X-Test-Subject": []string{subject}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Event  ws.Event                `json:"event"`
	Code   string                  `json:"code"`
	State  *session.State          `json:"state"`
	Result *model.SubmissionResult `json:"result"`
}

// readUntil returns the first frame matching want.
func readUntil(t *testing.T, conn *websocket.Conn, want func(frame) bool) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if want(f) {
			return f
		}
	}
}

func TestAttemptStream(t *testing.T) {
	env := newTestEnv(t)
	d := env.start(t, uuid.New(), "p-1")
	conn := dialStream(t, env, d.State.AttemptID, "p-1")

	first := readUntil(t, conn, func(f frame) bool { return true })
	if first.Event != ws.EventState || first.State.Status != model.AttemptStatusInProgress {
		t.Fatalf("first frame = %+v", first)
	}

	_ = conn.WriteJSON(ws.RequestEnvelope{Action: ws.ActionPing})
	readUntil(t, conn, func(f frame) bool { return f.Event == ws.EventPong })

	_ = conn.WriteJSON(ws.AnswerRequest{Action: ws.ActionAnswer, QuestionID: "q2", Value: model.AnswerValue{Text: "7"}})
	readUntil(t, conn, func(f frame) bool {
		if f.Event != ws.EventState {
			return false
		}
		r, ok := f.State.Response("q2")
		return ok && r.Value.Text == "7"
	})

	_ = conn.WriteJSON(ws.AnswerRequest{Action: ws.ActionAnswer, QuestionID: "nope"})
	errFrame := readUntil(t, conn, func(f frame) bool { return f.Event == ws.EventError })
	if errFrame.Code != string(response.ErrUnknownQuestion) {
		t.Fatalf("error frame = %+v", errFrame)
	}

	_ = conn.WriteJSON(ws.RequestEnvelope{Action: ws.ActionSubmit})
	res := readUntil(t, conn, func(f frame) bool { return f.Event == ws.EventResult })
	if res.Result.Status != model.AttemptStatusSubmitted {
		t.Fatalf("result = %+v", res.Result)
	}
}

func TestAttemptStreamRejectsForeignAttempt(t *testing.T) {
	env := newTestEnv(t)
	d := env.start(t, uuid.New(), "p-1")

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/p/attempts/" + d.State.AttemptID.String() + "/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Test-Subject": []string{"p-2"}})
	if err == nil {
		t.Fatalf("foreign participant connected")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("response = %v", resp)
	}
}
