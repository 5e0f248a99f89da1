package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsechat/filecore/internal/api/auth"
	"github.com/pulsechat/filecore/pkg/blob"
	"github.com/pulsechat/filecore/pkg/fastkv"
	"github.com/pulsechat/filecore/pkg/filestore"
	"github.com/pulsechat/filecore/pkg/index"
	"github.com/pulsechat/filecore/pkg/model"
	"github.com/pulsechat/filecore/pkg/token"
	"github.com/pulsechat/filecore/pkg/transcode"
)

const testSecret = "test-secret-key-that-is-at-least-32-chars"

// Small magic-byte fixtures so sniffing agrees with the declared MIME.
var (
	jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01}
	mp4Header  = []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm',
		0x00, 0x00, 0x02, 0x00, 'i', 's', 'o', 'm', 'i', 's', 'o', '2'}
)

func jpegPayload(n int) []byte {
	data := append([]byte{}, jpegHeader...)
	for i := 0; len(data) < n; i++ {
		data = append(data, byte(i))
	}
	return data
}

func mp4Payload(n int) []byte {
	data := append([]byte{}, mp4Header...)
	for i := 0; len(data) < n; i++ {
		data = append(data, byte(i))
	}
	return data
}

type testEnv struct {
	router   http.Handler
	verifier *auth.Verifier
	files    *filestore.Service
	tokens   *token.Service
}

func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	idx, err := index.New(&index.Config{
		Type:   index.DatabaseTypeSQLite,
		SQLite: index.SQLiteConfig{Path: filepath.Join(dir, "index.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	blobs, err := blob.NewFilesystem(blob.FilesystemConfig{Root: filepath.Join(dir, "blobs")})
	require.NoError(t, err)

	files := filestore.New(idx, blobs)
	kv := fastkv.NewMemory()
	tokens := token.New(kv)

	verifier, err := auth.NewVerifier(auth.Config{Secret: testSecret})
	require.NoError(t, err)

	deps := Deps{
		Verifier:      verifier,
		Files:         files,
		Tokens:        tokens,
		KV:            kv,
		Index:         idx,
		Blobs:         blobs,
		MaxUploadSize: 10 << 20,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	return &testEnv{
		router:   NewRouter(deps),
		verifier: verifier,
		files:    files,
		tokens:   tokens,
	}
}

func (e *testEnv) bearer(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.verifier.Sign(userID, userID, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// multipartBody builds a multipart request body with one or more file parts.
func multipartBody(t *testing.T, field string, parts ...[3]any) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, part := range parts {
		name, mimeType, data := part[0].(string), part[1].(string), part[2].([]byte)
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
		header.Set("Content-Type", mimeType)
		w, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

type uploadResponse struct {
	File          *model.FileRecord `json:"file"`
	IsNew         bool              `json:"is_new"`
	DownloadToken string            `json:"download_token"`
	DownloadURL   string            `json:"download_url"`
}

func (e *testEnv) upload(t *testing.T, userID, name, mimeType string, data []byte) *uploadResponse {
	t.Helper()
	body, contentType := multipartBody(t, "file", [3]any{name, mimeType, data})
	req := httptest.NewRequest(http.MethodPost, "/files/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", e.bearer(t, userID))

	rr := e.do(req)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, rr.Code, rr.Body.String())

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return &resp
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	data := jpegPayload(2048)

	resp := env.upload(t, "user-1", "photo.jpg", "image/jpeg", data)
	assert.True(t, resp.IsNew)
	assert.Equal(t, "image/jpeg", resp.File.Mime)
	assert.GreaterOrEqual(t, len(resp.DownloadToken), 20)

	req := httptest.NewRequest(http.MethodGet, resp.DownloadURL, nil)
	rr := env.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, data, rr.Body.Bytes())
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "attachment")
	assert.Equal(t, "private, no-cache", rr.Header().Get("Cache-Control"))
}

func TestUploadRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartBody(t, "file", [3]any{"a.jpg", "image/jpeg", jpegPayload(64)})
	req := httptest.NewRequest(http.MethodPost, "/files/upload", body)
	req.Header.Set("Content-Type", contentType)

	rr := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/problem+json")
}

func TestUploadRejectsMimeMismatch(t *testing.T) {
	env := newTestEnv(t)

	// PNG magic declared as JPEG.
	png := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 64)...)
	body, contentType := multipartBody(t, "file", [3]any{"fake.jpg", "image/jpeg", png})
	req := httptest.NewRequest(http.MethodPost, "/files/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", env.bearer(t, "user-1"))

	rr := env.do(req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var problem map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	assert.NotEmpty(t, problem["reasons"])
}

func TestUploadDedup(t *testing.T) {
	env := newTestEnv(t)
	data := jpegPayload(1024)

	first := env.upload(t, "user-1", "one.jpg", "image/jpeg", data)
	second := env.upload(t, "user-2", "two.jpg", "image/jpeg", data)

	assert.True(t, first.IsNew)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.File.ID, second.File.ID)
	assert.NotEqual(t, first.DownloadToken, second.DownloadToken)
}

func TestBatchUploadIndependentResults(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartBody(t, "files",
		[3]any{"good.jpg", "image/jpeg", jpegPayload(256)},
		[3]any{"bad<name>.jpg", "image/jpeg", jpegPayload(256)},
	)
	req := httptest.NewRequest(http.MethodPost, "/files/upload/batch", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", env.bearer(t, "user-1"))

	rr := env.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Results []struct {
			Name  string            `json:"name"`
			File  *model.FileRecord `json:"file"`
			Error string            `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.NotNil(t, resp.Results[0].File)
	assert.Empty(t, resp.Results[0].Error)
	assert.Nil(t, resp.Results[1].File)
	assert.NotEmpty(t, resp.Results[1].Error)
}

func TestListGetDelete(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, "user-1", "photo.jpg", "image/jpeg", jpegPayload(512))

	req := httptest.NewRequest(http.MethodGet, "/files?limit=10", nil)
	req.Header.Set("Authorization", env.bearer(t, "user-1"))
	rr := env.do(req)
	require.Equal(t, http.StatusOK, rr.Code)

	var list struct {
		Files []*model.FileRecord `json:"files"`
		Total int64               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Files, 1)
	assert.Equal(t, int64(1), list.Total)

	req = httptest.NewRequest(http.MethodGet, "/files/"+resp.File.ID, nil)
	req.Header.Set("Authorization", env.bearer(t, "user-1"))
	rr = env.do(req)
	require.Equal(t, http.StatusOK, rr.Code)

	// Another user cannot see an unattached file.
	req = httptest.NewRequest(http.MethodGet, "/files/"+resp.File.ID, nil)
	req.Header.Set("Authorization", env.bearer(t, "user-2"))
	rr = env.do(req)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// Only the owner may delete.
	req = httptest.NewRequest(http.MethodDelete, "/files/"+resp.File.ID, nil)
	req.Header.Set("Authorization", env.bearer(t, "user-2"))
	rr = env.do(req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodDelete, "/files/"+resp.File.ID, nil)
	req.Header.Set("Authorization", env.bearer(t, "user-1"))
	rr = env.do(req)
	require.Equal(t, http.StatusNoContent, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/files/"+resp.File.ID, nil)
	req.Header.Set("Authorization", env.bearer(t, "user-1"))
	rr = env.do(req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDownloadURLMaxDownloads(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, "user-1", "photo.jpg", "image/jpeg", jpegPayload(512))

	body := bytes.NewBufferString(`{"expires_in": 7200, "max_downloads": 1}`)
	req := httptest.NewRequest(http.MethodPost, "/files/"+resp.File.ID+"/download-url", body)
	req.Header.Set("Authorization", env.bearer(t, "user-1"))
	rr := env.do(req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var minted struct {
		DownloadURL string `json:"download_url"`
		MaxUses     int    `json:"max_uses"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &minted))
	assert.Equal(t, 1, minted.MaxUses)

	rr = env.do(httptest.NewRequest(http.MethodGet, minted.DownloadURL, nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	// The single use is spent; exhausted tokens vanish.
	rr = env.do(httptest.NewRequest(http.MethodGet, minted.DownloadURL, nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestDownloadTokenFileMismatch(t *testing.T) {
	env := newTestEnv(t)
	a := env.upload(t, "user-1", "a.jpg", "image/jpeg", jpegPayload(300))
	b := env.upload(t, "user-1", "b.jpg", "image/jpeg", jpegPayload(301))

	req := httptest.NewRequest(http.MethodGet, "/files/download/"+b.File.ID+"?token="+a.DownloadToken, nil)
	rr := env.do(req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestPreviewRequiresReadPermission(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, "user-1", "photo.jpg", "image/jpeg", jpegPayload(300))

	b, err := env.tokens.Issue(context.Background(), resp.File.ID, "user-1", token.Options{
		Permissions: []token.Permission{token.PermissionDownload},
	})
	require.NoError(t, err)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/files/preview/"+resp.File.ID+"?token="+b.Token, nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestLinkMessageAndAttachments(t *testing.T) {
	allowed := map[string]bool{"msg-1": true}
	env := newTestEnv(t, func(d *Deps) {
		d.Policy = func(ctx context.Context, userID, messageID string) (bool, error) {
			return allowed[messageID], nil
		}
	})
	resp := env.upload(t, "user-1", "photo.jpg", "image/jpeg", jpegPayload(400))

	body := bytes.NewBufferString(`{"message_id": "msg-1", "caption": "look"}`)
	req := httptest.NewRequest(http.MethodPost, "/files/"+resp.File.ID+"/link-message", body)
	req.Header.Set("Authorization", env.bearer(t, "user-1"))
	rr := env.do(req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	// Re-linking the same pair conflicts.
	body = bytes.NewBufferString(`{"message_id": "msg-1"}`)
	req = httptest.NewRequest(http.MethodPost, "/files/"+resp.File.ID+"/link-message", body)
	req.Header.Set("Authorization", env.bearer(t, "user-1"))
	rr = env.do(req)
	assert.Equal(t, http.StatusConflict, rr.Code)

	// Any user who can see the message can list its attachments.
	req = httptest.NewRequest(http.MethodGet, "/files/message/msg-1/attachments", nil)
	req.Header.Set("Authorization", env.bearer(t, "user-2"))
	rr = env.do(req)
	require.Equal(t, http.StatusOK, rr.Code)

	var atts struct {
		Attachments []struct {
			FileID  string            `json:"file_id"`
			Caption string            `json:"caption"`
			File    *model.FileRecord `json:"file"`
		} `json:"attachments"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &atts))
	require.Len(t, atts.Attachments, 1)
	assert.Equal(t, resp.File.ID, atts.Attachments[0].FileID)
	assert.Equal(t, "look", atts.Attachments[0].Caption)
	require.NotNil(t, atts.Attachments[0].File)

	// Invisible messages are forbidden.
	req = httptest.NewRequest(http.MethodGet, "/files/message/msg-2/attachments", nil)
	req.Header.Set("Authorization", env.bearer(t, "user-2"))
	rr = env.do(req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestBatchLinkMessage(t *testing.T) {
	env := newTestEnv(t)
	a := env.upload(t, "user-1", "a.jpg", "image/jpeg", jpegPayload(300))
	b := env.upload(t, "user-1", "b.jpg", "image/jpeg", jpegPayload(301))

	payload := fmt.Sprintf(`{"message_id": "msg-9", "attachments": [
		{"file_id": %q, "caption": "first"},
		{"file_id": %q},
		{"file_id": "missing"}
	]}`, a.File.ID, b.File.ID)
	req := httptest.NewRequest(http.MethodPost, "/files/batch/link-message", bytes.NewBufferString(payload))
	req.Header.Set("Authorization", env.bearer(t, "user-1"))
	rr := env.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Results []struct {
			FileID     string `json:"file_id"`
			Error      string `json:"error"`
			Attachment *struct {
				Position int `json:"position"`
			} `json:"attachment"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	assert.Empty(t, resp.Results[0].Error)
	assert.Equal(t, 0, resp.Results[0].Attachment.Position)
	assert.Equal(t, 1, resp.Results[1].Attachment.Position)
	assert.NotEmpty(t, resp.Results[2].Error)
}

func TestPreviewRangeRequests(t *testing.T) {
	env := newTestEnv(t)
	data := mp4Payload(4096)
	resp := env.upload(t, "user-1", "clip.mp4", "video/mp4", data)
	size := len(data)

	previewURL := func() string {
		b, err := env.tokens.PreviewToken(context.Background(), resp.File.ID, "user-1")
		require.NoError(t, err)
		return "/files/preview/" + resp.File.ID + "?token=" + b.Token
	}

	// Plain preview: full body, seekable.
	rr := env.do(httptest.NewRequest(http.MethodGet, previewURL(), nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, data, rr.Body.Bytes())
	assert.Equal(t, "bytes", rr.Header().Get("Accept-Ranges"))
	assert.Equal(t, "private, max-age=3600", rr.Header().Get("Cache-Control"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "inline")

	// bytes=0-99: first hundred bytes.
	req := httptest.NewRequest(http.MethodGet, previewURL(), nil)
	req.Header.Set("Range", "bytes=0-99")
	rr = env.do(req)
	require.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, data[:100], rr.Body.Bytes())
	assert.Equal(t, fmt.Sprintf("bytes 0-99/%d", size), rr.Header().Get("Content-Range"))
	assert.Equal(t, "100", rr.Header().Get("Content-Length"))

	// bytes=-50: last fifty bytes.
	req = httptest.NewRequest(http.MethodGet, previewURL(), nil)
	req.Header.Set("Range", "bytes=-50")
	rr = env.do(req)
	require.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, data[size-50:], rr.Body.Bytes())

	// bytes=100-: open-ended tail.
	req = httptest.NewRequest(http.MethodGet, previewURL(), nil)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", 100))
	rr = env.do(req)
	require.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, data[100:], rr.Body.Bytes())

	// Start beyond the resource: 416 with the size marker.
	req = httptest.NewRequest(http.MethodGet, previewURL(), nil)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", size+1))
	rr = env.do(req)
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rr.Code)
	assert.Equal(t, fmt.Sprintf("bytes */%d", size), rr.Header().Get("Content-Range"))
}

func TestPreviewRejectsNonWebCompatibleVideo(t *testing.T) {
	// No transcoder wired: QuickTime cannot be converted and is refused.
	env := newTestEnv(t)
	resp := env.upload(t, "user-1", "clip.mov", "video/quicktime", mp4Payload(1024))

	b, err := env.tokens.PreviewToken(context.Background(), resp.File.ID, "user-1")
	require.NoError(t, err)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/files/preview/"+resp.File.ID+"?token="+b.Token, nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var problem map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	assert.Contains(t, problem["hint"], "download")
}

func TestPreviewTranscodesLegacyContainer(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Transcoder = newStubTranscoder(t)
	})
	resp := env.upload(t, "user-1", "clip.mov", "video/quicktime", mp4Payload(1024))

	b, err := env.tokens.PreviewToken(context.Background(), resp.File.ID, "user-1")
	require.NoError(t, err)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/files/preview/"+resp.File.ID+"?token="+b.Token, nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "true", rr.Header().Get("X-Video-Converted"))
	assert.Equal(t, "video/quicktime", rr.Header().Get("X-Original-Format"))
	assert.Equal(t, "video/mp4", rr.Header().Get("Content-Type"))
	assert.Equal(t, "FAKE-MP4-OUTPUT", rr.Body.String())
}

func TestPreviewFailedTranscodeServesOriginal(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Transcoder = newFailingTranscoder(t)
	})
	data := mp4Payload(1024)
	resp := env.upload(t, "user-1", "clip.mov", "video/quicktime", data)

	b, err := env.tokens.PreviewToken(context.Background(), resp.File.ID, "user-1")
	require.NoError(t, err)

	// ffmpeg breaking degrades the preview to the original bytes rather
	// than refusing the request.
	rr := env.do(httptest.NewRequest(http.MethodGet, "/files/preview/"+resp.File.ID+"?token="+b.Token, nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, data, rr.Body.Bytes())
	assert.Equal(t, "video/quicktime", rr.Header().Get("Content-Type"))
	assert.Empty(t, rr.Header().Get("X-Video-Converted"))
	assert.Empty(t, rr.Header().Get("X-Original-Format"))
}

// newStubTranscoder installs a fake ffmpeg that writes fixed bytes to the
// output path (its final argument).
func newStubTranscoder(t *testing.T) *transcode.Transcoder {
	t.Helper()
	return scriptedTranscoder(t, "#!/bin/sh\n"+
		"for last in \"$@\"; do :; done\n"+
		"printf 'FAKE-MP4-OUTPUT' > \"$last\"\n")
}

// newFailingTranscoder installs a fake ffmpeg that always fails.
func newFailingTranscoder(t *testing.T) *transcode.Transcoder {
	t.Helper()
	return scriptedTranscoder(t, "#!/bin/sh\nexit 1\n")
}

func scriptedTranscoder(t *testing.T, script string) *transcode.Transcoder {
	t.Helper()
	dir := t.TempDir()

	stub := filepath.Join(dir, "ffmpeg-stub")
	require.NoError(t, os.WriteFile(stub, []byte(script), 0o755))

	tr, err := transcode.New(transcode.Config{
		FFmpegPath: stub,
		CacheDir:   filepath.Join(dir, "cache"),
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	return tr
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ready))
	assert.Equal(t, "ok", ready.Status)
	assert.Len(t, ready.Checks, 3)
}
