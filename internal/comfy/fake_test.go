package comfy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AaronLay10/SceneForge/internal/workflow"
)

// fakeComfy is an in-process stand-in for a ComfyUI server.
type fakeComfy struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	conns     []*websocket.Conn
	connected chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex

	promptID     string
	submitStatus int
	submitBody   string
	uploadStatus int
	uploadBody   string
	history      string
	views        map[string][]byte
	onSubmit     func(f *fakeComfy)

	submits    int
	uploads    int
	uploadData []byte
	uploadType string
	lastGraph  *workflow.Graph
	lastClient string
}

func newFakeComfy(t *testing.T) *fakeComfy {
	t.Helper()
	f := &fakeComfy{
		t:            t,
		connected:    make(chan struct{}),
		closed:       make(chan struct{}),
		promptID:     "p-1",
		submitStatus: http.StatusOK,
		uploadStatus: http.StatusOK,
		uploadBody:   `{"name":"ref-uploaded.png","subfolder":"","type":"input"}`,
		views:        map[string][]byte{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWS)
	mux.HandleFunc("/prompt", f.handlePrompt)
	mux.HandleFunc("/upload/image", f.handleUpload)
	mux.HandleFunc("/history/", f.handleHistory)
	mux.HandleFunc("/view", f.handleView)
	mux.HandleFunc("/interrupt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeComfy) addr() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeComfy) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("clientId") == "" {
		http.Error(w, "missing clientId", http.StatusBadRequest)
		return
	}
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.conns = append(f.conns, conn)
	if len(f.conns) == 1 {
		close(f.connected)
	}
	f.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.closeOnce.Do(func() { close(f.closed) })
			return
		}
	}
}

// send pushes a raw frame to every connected client.
func (f *fakeComfy) send(frame string) {
	select {
	case <-f.connected:
	case <-time.After(2 * time.Second):
		f.t.Errorf("no websocket client connected")
		return
	}

	f.mu.Lock()
	conns := append([]*websocket.Conn(nil), f.conns...)
	f.mu.Unlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	for _, c := range conns {
		_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

// dropAll closes every client connection from the server side.
func (f *fakeComfy) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
}

func (f *fakeComfy) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		fmt.Fprint(w, `{"exec_info":{"queue_remaining":3}}`)
		return
	}

	var body struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID string          `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	g, err := workflow.Parse(body.Prompt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.submits++
	f.lastGraph = g
	f.lastClient = body.ClientID
	status, custom, onSubmit := f.submitStatus, f.submitBody, f.onSubmit
	f.mu.Unlock()

	// Events go out before the response so the client must already be
	// subscribed to see them.
	if onSubmit != nil && status == http.StatusOK {
		onSubmit(f)
	}

	w.WriteHeader(status)
	if custom != "" {
		fmt.Fprint(w, custom)
		return
	}
	fmt.Fprintf(w, `{"prompt_id":%q,"number":7,"node_errors":{}}`, f.promptID)
}

func (f *fakeComfy) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, _ := io.ReadAll(file)

	f.mu.Lock()
	f.uploads++
	f.uploadData = data
	f.uploadType = r.FormValue("type")
	status, body := f.uploadStatus, f.uploadBody
	f.mu.Unlock()

	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func (f *fakeComfy) handleHistory(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	body := f.history
	f.mu.Unlock()
	if body == "" {
		body = "{}"
	}
	fmt.Fprint(w, body)
}

func (f *fakeComfy) handleView(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	data, ok := f.views[r.URL.Query().Get("filename")]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

func (f *fakeComfy) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeComfy) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Error("websocket was not closed by the client")
	}
}

func progressFrame(promptID string, value, max int) string {
	return fmt.Sprintf(`{"type":"progress","data":{"value":%d,"max":%d,"prompt_id":%q}}`, value, max, promptID)
}

func executedFrame(promptID, node string) string {
	return fmt.Sprintf(`{"type":"executed","data":{"node":%q,"prompt_id":%q,"output":{}}}`, node, promptID)
}

func executingDoneFrame(promptID string) string {
	return fmt.Sprintf(`{"type":"executing","data":{"node":null,"prompt_id":%q}}`, promptID)
}

func errorFrame(promptID, msg string) string {
	return fmt.Sprintf(`{"type":"execution_error","data":{"prompt_id":%q,"exception_message":%q}}`, promptID, msg)
}
