package api

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nvandessel/reverie/internal/protocol"
	"github.com/nvandessel/reverie/internal/ratelimit"
	"github.com/nvandessel/reverie/internal/simulation"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStart(t *testing.T) {
	e := newTestEnv(t, nil)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing sim code", map[string]any{"template": map[string]any{"simCode": testTemplate}}, http.StatusBadRequest},
		{"base template target", map[string]any{"simCode": testTemplate}, http.StatusBadRequest},
		{"path-like sim code", map[string]any{"simCode": "../x"}, http.StatusBadRequest},
		{"unknown template", map[string]any{"simCode": "run-1", "template": map[string]any{"simCode": "nope"}}, http.StatusNotFound},
		{"bad json", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp errorResponse
			if got := e.do(t, http.MethodPost, "/start", tt.body, &resp); got != tt.want {
				t.Errorf("POST /start = %d (%s), want %d", got, resp.Error, tt.want)
			}
		})
	}
}

func TestStart_AppliesTemplateRequest(t *testing.T) {
	e := newTestEnv(t, nil)

	code := e.do(t, http.MethodPost, "/start", map[string]any{
		"simCode": "run-1",
		"template": map[string]any{
			"simCode": testTemplate,
			"meta":    map[string]any{"sec_per_step": 60},
			"personas": []map[string]any{
				{"name": isabella, "currently": "Isabella is planning a Valentine's Day party."},
			},
			"events": []map[string]any{
				{"description": "The cafe raises prices", "access_list": isabella + ", Klaus Mueller"},
			},
		},
		"llmConfig":     map[string]any{"temperature": 0.5},
		"initialRounds": 1,
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("POST /start = %d", code)
	}

	var st simulation.Status
	waitFor(t, "initial round", func() bool {
		e.do(t, http.MethodGet, "/query_status/run-1", nil, &st)
		return st.Step == 1 && st.Status == "started"
	})
	if st.CurrTime != "February 13, 2023, 00:01:00" {
		t.Errorf("CurrTime = %q, want one 60s step", st.CurrTime)
	}

	in, ok := e.manager.Lookup("run-1")
	if !ok {
		t.Fatal("run-1 not live")
	}
	events := in.Sim.World().Feed.Events()
	if len(events) != 1 || len(events[0].AccessList) != 2 {
		t.Errorf("events = %+v", events)
	}
	var detail map[string]any
	e.do(t, http.MethodGet, "/persona_detail/run-1?agent_name="+url.QueryEscape(isabella), nil, &detail)
	if got := detail["currently"]; got != "Isabella is planning a Valentine's Day party." {
		t.Errorf("currently = %v", got)
	}
}

func TestQueryStatus(t *testing.T) {
	e := newTestEnv(t, nil)

	var st simulation.Status
	if code := e.do(t, http.MethodGet, "/query_status/nope", nil, &st); code != http.StatusOK || st.Status != "terminated" {
		t.Errorf("unknown sim = %d %+v, want terminated", code, st)
	}

	e.start(t, "run-1")
	e.do(t, http.MethodGet, "/query_status/run-1", nil, &st)
	if st.Status != "started" || st.SimCode != "run-1" || len(st.Personas) != 1 {
		t.Errorf("live sim = %+v", st)
	}

	e.manager.Stop("run-1")
	e.do(t, http.MethodGet, "/query_status/run-1", nil, &st)
	if st.Status != "terminated" || st.SimCode != "run-1" {
		t.Errorf("stopped sim = %+v", st)
	}
	if _, ok := e.manager.Lookup("run-1"); ok {
		t.Error("query_status resumed the simulation")
	}
}

func TestAddCommandAndRun(t *testing.T) {
	e := newTestEnv(t, nil)
	e.start(t, "run-1")

	tests := []struct {
		path string
		want int
	}{
		{"/add_command/run-1", http.StatusBadRequest},
		{"/add_command/run-1?command=" + url.QueryEscape("dance wildly"), http.StatusBadRequest},
		{"/add_command/run-1?command=" + url.QueryEscape("print current time"), http.StatusOK},
		{"/add_command/nope?command=save", http.StatusNotFound},
		{"/run/run-1", http.StatusBadRequest},
		{"/run/run-1?count=-2", http.StatusBadRequest},
		{"/run/run-1?count=2", http.StatusOK},
	}
	for _, tt := range tests {
		if got := e.do(t, http.MethodGet, tt.path, nil, nil); got != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, got, tt.want)
		}
	}

	var st simulation.Status
	waitFor(t, "two steps", func() bool {
		e.do(t, http.MethodGet, "/query_status/run-1", nil, &st)
		return st.Step == 2 && st.Status == "started"
	})
}

func TestPersonaEndpoints(t *testing.T) {
	e := newTestEnv(t, nil)
	e.start(t, "run-1")

	var names struct {
		Personas []string `json:"personas"`
	}
	if code := e.do(t, http.MethodGet, "/get_persona/run-1", nil, &names); code != http.StatusOK {
		t.Fatalf("GET /get_persona = %d", code)
	}
	if len(names.Personas) != 1 || names.Personas[0] != isabella {
		t.Errorf("personas = %v", names.Personas)
	}

	var info struct {
		Personas []map[string]any `json:"personas"`
	}
	e.do(t, http.MethodGet, "/personas_info/run-1", nil, &info)
	if len(info.Personas) != 1 {
		t.Fatalf("personas_info = %v", info.Personas)
	}
	p := info.Personas[0]
	if p["name"] != isabella || p["first_name"] != "Isabella" {
		t.Errorf("info = %v", p)
	}
	if _, ok := p["act_event"]; !ok {
		t.Error("info missing act_event")
	}
	if _, ok := p["f_daily_schedule"]; ok {
		t.Error("info carries full scratch fields")
	}

	if code := e.do(t, http.MethodGet, "/persona_detail/run-1", nil, nil); code != http.StatusBadRequest {
		t.Errorf("persona_detail without agent_name = %d, want 400", code)
	}
	if code := e.do(t, http.MethodGet, "/persona_detail/run-1?agent_name=Nobody", nil, nil); code != http.StatusNotFound {
		t.Errorf("persona_detail for unknown persona = %d, want 404", code)
	}
}

func TestChat(t *testing.T) {
	e := newTestEnv(t, nil)
	e.start(t, "run-1")

	var resp map[string]string
	code := e.do(t, http.MethodPost, "/chat/run-1", map[string]any{
		"agent_name": isabella,
		"type":       "interview",
		"history":    [][2]string{{"Interviewer", "Good morning"}},
		"content":    "What will you do today?",
	}, &resp)
	if code != http.StatusOK || resp["status"] != "success" || resp["reply"] == "" {
		t.Errorf("POST /chat = %d %v", code, resp)
	}

	if code := e.do(t, http.MethodPost, "/chat/run-1", map[string]any{"agent_name": isabella}, nil); code != http.StatusBadRequest {
		t.Errorf("chat without content = %d, want 400", code)
	}
	code = e.do(t, http.MethodPost, "/chat/run-1", map[string]any{"agent_name": "Nobody", "content": "hi"}, nil)
	if code != http.StatusNotFound {
		t.Errorf("chat to unknown persona = %d, want 404", code)
	}
}

func TestPublishEvent(t *testing.T) {
	e := newTestEnv(t, nil)
	e.start(t, "run-1")

	var resp statusResponse
	code := e.do(t, http.MethodPost, "/publish_event/run-1", map[string]any{
		"description": "The library opens a night reading room",
		"access_list": "",
		"policy":      "Free entry",
		"websearch":   "",
	}, &resp)
	if code != http.StatusOK || resp.Message != "Event published" {
		t.Fatalf("POST /publish_event = %d %+v", code, resp)
	}

	in, _ := e.manager.Lookup("run-1")
	waitFor(t, "published event", func() bool { return in.Sim.World().Feed.Len() == 1 })
	if ev := in.Sim.World().Feed.Events()[0]; ev.Policy != "Free entry" {
		t.Errorf("event = %+v", ev)
	}
}

func TestTemplates(t *testing.T) {
	e := newTestEnv(t, nil)
	e.start(t, "run-1")

	var list struct {
		Envs []map[string]any `json:"envs"`
	}
	if code := e.do(t, http.MethodGet, "/fetch_templates", nil, &list); code != http.StatusOK {
		t.Fatalf("GET /fetch_templates = %d", code)
	}
	if len(list.Envs) != 2 {
		t.Errorf("envs = %d, want 2", len(list.Envs))
	}

	var tmpl struct {
		Meta     map[string]any            `json:"meta"`
		Personas map[string]map[string]any `json:"personas"`
	}
	if code := e.do(t, http.MethodGet, "/fetch_template?sim_code="+testTemplate, nil, &tmpl); code != http.StatusOK {
		t.Fatalf("GET /fetch_template = %d", code)
	}
	if tmpl.Meta["sim_mode"] != "online" {
		t.Errorf("meta = %v", tmpl.Meta)
	}
	if p := tmpl.Personas[isabella]; p["first_name"] != "Isabella" {
		t.Errorf("persona = %v", p)
	}

	for path, want := range map[string]int{
		"/fetch_template":              http.StatusBadRequest,
		"/fetch_template?sim_code=nope": http.StatusNotFound,
	} {
		if got := e.do(t, http.MethodGet, path, nil, nil); got != want {
			t.Errorf("GET %s = %d, want %d", path, got, want)
		}
	}
}

func TestRateLimited(t *testing.T) {
	e := newTestEnv(t, ratelimit.NewLimits(0.01, 1))
	e.start(t, "run-1")

	if code := e.do(t, http.MethodGet, "/run/run-1?count=1", nil, nil); code != http.StatusOK {
		t.Fatalf("first run = %d", code)
	}
	if code := e.do(t, http.MethodGet, "/run/run-1?count=1", nil, nil); code != http.StatusTooManyRequests {
		t.Errorf("second run = %d, want 429", code)
	}
}

func TestWebSocket(t *testing.T) {
	e := newTestEnv(t, nil)
	e.start(t, "run-1")

	wsURL := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws/message/run-1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	defer conn.Close()

	in, _ := e.manager.Lookup("run-1")
	waitFor(t, "listener registration", func() bool { return in.Outbox.Listeners() > 0 })

	in.Submit("call -- chat to persona "+isabella, `{"mode": "analysis", "msg": "hello"}`)

	if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		t.Fatal(err)
	}
	for {
		var env struct {
			Type    string         `json:"type"`
			Message map[string]any `json:"message"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if env.Type != protocol.TypeChat {
			continue
		}
		if env.Message["sender"] != isabella || env.Message["type"] != "private" {
			t.Errorf("chat envelope = %v", env.Message)
		}
		break
	}

	conn.Close()
	waitFor(t, "listener removal", func() bool { return in.Outbox.Listeners() == 0 })
}

func TestWebSocket_UnknownSim(t *testing.T) {
	e := newTestEnv(t, nil)
	wsURL := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws/message/nope"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("Dial() to unknown sim succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v, want 404", resp)
	}
}
