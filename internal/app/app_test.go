package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewston/replay/internal/catalog"
	"github.com/hewston/replay/internal/config"
	"github.com/hewston/replay/internal/protocol"
)

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Data.Root = dir
	cfg.Catalog.Path = filepath.Join(dir, "catalog.db")
	cfg.Stream.FPS = 100 // fast playback keeps the ws tests quick
	cfg.Stream.PlaybackSeconds = 1

	a, err := New(Options{
		Logger: log.New(io.Discard, "", 0),
		Cfg:    cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.catalog.Close() })

	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)
	return a, srv
}

// seedRun registers a run whose equity artifact has n samples.
func seedRun(t *testing.T, a *App, dir string, n int) *catalog.Run {
	t.Helper()

	var sb strings.Builder
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, `{"ts_utc":%q,"value":%d}`+"\n",
			base.Add(time.Duration(i)*time.Second).Format(protocol.TimeFormat), 10000+i)
	}
	equity := filepath.Join(dir, "equity.jsonl")
	require.NoError(t, os.WriteFile(equity, []byte(sb.String()), 0o644))

	run, _, err := a.catalog.CreateRun(catalog.CreateSpec{
		StrategyID: "sma-cross",
		Artifacts:  catalog.Artifacts{EquityPath: equity},
	}, "")
	require.NoError(t, err)
	return run
}

func TestHealthz(t *testing.T) {
	_, srv := newTestApp(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	_, srv := newTestApp(t)
	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "replayd", body["name"])
	assert.EqualValues(t, 0, body["open_sessions"])
}

func TestCreateGetListRun(t *testing.T) {
	_, srv := newTestApp(t)

	body := `{"strategy_id":"sma-cross","artifacts":{"equity_path":"/tmp/e.jsonl"}}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/backtests", bytes.NewBufferString(body))
	req.Header.Set("Idempotency-Key", "k1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created catalog.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.RunID)

	// Same idempotency key replays with 200 instead of creating a twin.
	req2, _ := http.NewRequest(http.MethodPost, srv.URL+"/backtests", bytes.NewBufferString(body))
	req2.Header.Set("Idempotency-Key", "k1")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	getResp, err := http.Get(srv.URL + "/backtests/" + created.RunID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	listResp, err := http.Get(srv.URL + "/backtests?strategy_id=sma-cross")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list struct {
		Items []catalog.Run `json:"items"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	assert.Len(t, list.Items, 1)
}

func TestGetRunNotFound(t *testing.T) {
	_, srv := newTestApp(t)
	resp, err := http.Get(srv.URL + "/backtests/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "RUN_NOT_FOUND", body.Error.Code)
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWire(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(raw)
	require.NoError(t, err)
	return msg
}

func TestWSUnknownRunIsFatal(t *testing.T) {
	_, srv := newTestApp(t)
	conn := dialWS(t, srv, "/backtests/nope/ws")

	msg := readWire(t, conn)
	e, ok := msg.(*protocol.ErrEvent)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeRunNotFound, e.Code)
	assert.True(t, e.Fatal())
}

func TestWSPlaybackToEnd(t *testing.T) {
	a, srv := newTestApp(t)
	run := seedRun(t, a, a.cfg.Data.Root, 5)

	conn := dialWS(t, srv, "/backtests/"+run.RunID+"/ws")
	require.NoError(t, conn.WriteJSON(protocol.Ctrl{T: protocol.TypeCtrl, Cmd: protocol.CmdPlay}))

	var frames []*protocol.Frame
	for {
		msg := readWire(t, conn)
		switch m := msg.(type) {
		case *protocol.Frame:
			frames = append(frames, m)
		case string:
			if m == protocol.TypeEnd {
				require.Len(t, frames, 5)
				for i := 1; i < len(frames); i++ {
					assert.Less(t, frames[i-1].TS, frames[i].TS)
					assert.GreaterOrEqual(t, frames[i].Dropped, frames[i-1].Dropped)
				}
				return
			}
		}
	}
}

func TestWSValidationErrors(t *testing.T) {
	a, srv := newTestApp(t)
	run := seedRun(t, a, a.cfg.Data.Root, 3)

	conn := dialWS(t, srv, "/backtests/"+run.RunID+"/ws")

	cases := []struct {
		payload  string
		wantCode string
	}{
		{`{not json`, protocol.CodeValidation},
		{`{"t":"ctrl","cmd":"rewind"}`, protocol.CodeValidation},
		{`{"t":"ctrl","cmd":"seek","pos":"tomorrow"}`, protocol.CodeRange},
		{`{"t":"ctrl","cmd":"speed","val":-2}`, protocol.CodeValidation},
	}
	for _, tc := range cases {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tc.payload)))
		msg := readWire(t, conn)
		e, ok := msg.(*protocol.ErrEvent)
		require.True(t, ok, "payload %q got %T", tc.payload, msg)
		assert.Equal(t, tc.wantCode, e.Code)
		assert.False(t, e.Fatal())
	}
}

func TestWSPauseStopsFrames(t *testing.T) {
	a, srv := newTestApp(t)
	run := seedRun(t, a, a.cfg.Data.Root, 200)

	conn := dialWS(t, srv, "/backtests/"+run.RunID+"/ws")
	require.NoError(t, conn.WriteJSON(protocol.Ctrl{T: protocol.TypeCtrl, Cmd: protocol.CmdPlay}))

	// Wait for the first frame, then pause.
	for {
		if _, ok := readWire(t, conn).(*protocol.Frame); ok {
			break
		}
	}
	require.NoError(t, conn.WriteJSON(protocol.Ctrl{T: protocol.TypeCtrl, Cmd: protocol.CmdPause}))

	// Drain anything in flight, then expect silence (modulo heartbeats).
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return // timed out: no more frames, as expected
		}
		msg, err := protocol.Decode(raw)
		require.NoError(t, err)
		if _, isFrame := msg.(*protocol.Frame); isFrame {
			// Frames already queued before the pause are acceptable for a
			// short window; after that the stream must be quiet.
			require.True(t, time.Now().Before(deadline.Add(-100*time.Millisecond)),
				"frame received long after pause")
		}
	}
}

func TestSSEStream(t *testing.T) {
	a, srv := newTestApp(t)
	run := seedRun(t, a, a.cfg.Data.Root, 3)

	resp, err := http.Get(srv.URL + "/backtests/" + run.RunID + "/stream?speed=4")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "event: frame")
	assert.Contains(t, text, "event: end")
	assert.Equal(t, 3, strings.Count(text, "event: frame"))
}

func TestSSEUnknownRun(t *testing.T) {
	_, srv := newTestApp(t)
	resp, err := http.Get(srv.URL + "/backtests/nope/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSERejectsBadSpeed(t *testing.T) {
	a, srv := newTestApp(t)
	run := seedRun(t, a, a.cfg.Data.Root, 3)

	resp, err := http.Get(srv.URL + "/backtests/" + run.RunID + "/stream?speed=-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
