package remote

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "org-1", r.Header.Get("x-organization-uuid"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		io.WriteString(w, `{"sessions":[
			{"id":"r1","updated_at":"2025-03-01T10:00:00Z","project_directory":"/repo"},
			{"session_id":"r2","updated_at":"2025-03-02T10:00:00Z"},
			{"title":"no id"}
		]}`)
	})
	mux.HandleFunc("/v1/sessions/r1/messages", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"messages":[
			{"uuid":"m1","type":"user","message":{"role":"user","content":"remote hello"}},
			{"uuid":"m2","type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}
		]}`)
	})
	mux.HandleFunc("/v1/sessions/r2/messages", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"uuid":"m3","type":"user","message":{"role":"user","content":"bare array"}}]`)
	})
	mux.HandleFunc("/v1/sessions/r10/messages", func(w http.ResponseWriter, r *http.Request) {
		recs := make([]string, 10)
		for i := range recs {
			recs[i] = fmt.Sprintf(`{"uuid": "n%d", "type": "user", "message": {"role": "user", "content": "line %d"}}`, i, i)
		}
		io.WriteString(w, "["+strings.Join(recs, ",\n")+"]")
	})
	mux.HandleFunc("/v1/sessions/gone/messages", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSource_List(t *testing.T) {
	srv := newServer(t)
	src := NewSource(NewClient(srv.URL+"/", "tok", "org-1", srv.Client()))
	assert.Equal(t, parse.SourceRemote, src.Origin())

	sessions, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "r1", sessions[0].ID)
	assert.Equal(t, parse.SourceRemote, sessions[0].Source)
	assert.Equal(t, "/repo", sessions[0].ProjectDir)
	assert.Equal(t, "2025-03-01T10:00:00Z", sessions[0].Fingerprint)
	assert.Equal(t, srv.URL+"/v1/sessions/r1", sessions[0].Path)
	assert.Equal(t, "r2", sessions[1].ID)
}

func TestSource_OpenFeedsTheParser(t *testing.T) {
	srv := newServer(t)
	src := NewSource(NewClient(srv.URL, "tok", "org-1", srv.Client()))

	for id, want := range map[string][]string{"r1": {"m1", "m2"}, "r2": {"m3"}} {
		rc, err := src.Open(context.Background(), parse.Session{ID: id})
		require.NoError(t, err)

		var lines int
		sc := bufio.NewScanner(rc)
		for sc.Scan() {
			lines++
			assert.NotContains(t, sc.Text(), "\n")
		}
		require.NoError(t, rc.Close())
		assert.Equal(t, len(want), lines)

		rc, err = src.Open(context.Background(), parse.Session{ID: id})
		require.NoError(t, err)
		res, err := parse.ReadSession(rc, parse.Session{ID: id, Source: parse.SourceRemote})
		require.NoError(t, err)
		var got []string
		for _, m := range res.Messages {
			got = append(got, m.ID)
		}
		assert.Equal(t, want, got)
		assert.Zero(t, res.Warnings.Total())
	}
}

func TestSource_OpenWritesOneLinePerRecord(t *testing.T) {
	srv := newServer(t)
	src := NewSource(NewClient(srv.URL, "tok", "org-1", srv.Client()))

	rc, err := src.Open(context.Background(), parse.Session{ID: "r10"})
	require.NoError(t, err)
	defer rc.Close()

	var ids []string
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		rec, err := parse.DecodeRecord(sc.Bytes(), len(ids)+1)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	require.NoError(t, sc.Err())
	require.Len(t, ids, 10)
	for i, id := range ids {
		assert.Equal(t, fmt.Sprintf("n%d", i), id)
	}
}

func TestClient_StatusError(t *testing.T) {
	srv := newServer(t)
	c := NewClient(srv.URL, "tok", "org-1", srv.Client())

	_, err := c.Messages(context.Background(), "gone")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.True(t, strings.Contains(se.Body, "no such session"))
}

func TestClient_Canceled(t *testing.T) {
	srv := newServer(t)
	c := NewClient(srv.URL, "tok", "org-1", srv.Client())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Sessions(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
