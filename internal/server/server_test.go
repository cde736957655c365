package server

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "image"
    "image/color"
    "image/png"
    "io"
    "mime/multipart"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/local/pagecomposer/internal/document"
    "github.com/local/pagecomposer/internal/filetype"
    "github.com/local/pagecomposer/internal/pdfcodec"
    "github.com/local/pagecomposer/internal/session"
    "github.com/local/pagecomposer/internal/statuscheck"
    "github.com/local/pagecomposer/internal/storage"
    "github.com/local/pagecomposer/internal/thumbnail"
)

type stubRasterizer struct{}

func (stubRasterizer) Open(data []byte) (thumbnail.Session, error) { return stubSession{}, nil }

type stubSession struct{}

func (stubSession) RenderPage(pageIndex, width int) (thumbnail.Raster, error) {
    return thumbnail.Raster{Data: []byte(fmt.Sprintf("jpeg-%d", pageIndex)), Width: width}, nil
}

func (stubSession) Close() error { return nil }

type fakeStorage struct {
    mu       sync.Mutex
    objects  map[string]*storage.Object
    uploaded map[string][]byte
}

func (f *fakeStorage) Fetch(ctx context.Context, ref string) (*storage.Object, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    obj, ok := f.objects[ref]
    if !ok { return nil, fmt.Errorf("%w: %s", storage.ErrUnsupportedRef, ref) }
    return obj, nil
}

func (f *fakeStorage) Upload(ctx context.Context, target string, data []byte, contentType string, meta map[string]string) (string, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.uploaded[target] = data
    return "https://example.test/" + strings.TrimPrefix(target, "s3://"), nil
}

type env struct {
    srv     *httptest.Server
    codec   *pdfcodec.Codec
    storage *fakeStorage
}

func newEnv(t *testing.T) *env {
    t.Helper()
    codec := pdfcodec.New()
    mgr := session.NewManager(session.Deps{
        Codec:      codec,
        Normalizer: pdfcodec.NewImageNormalizer(codec),
        Rasterizer: stubRasterizer{},
        Detector:   filetype.New(),
    }, session.Config{Debounce: 10 * time.Millisecond, SplitDebounce: 10 * time.Millisecond}, time.Hour)
    t.Cleanup(mgr.CloseAll)

    fs := &fakeStorage{objects: map[string]*storage.Object{}, uploaded: map[string][]byte{}}
    health := statuscheck.New(statuscheck.Options{Rasterizer: statuscheck.ProbeFunc(func() error { return nil })})
    s := New(Dependencies{Sessions: mgr, Storage: fs, Health: health}, Options{ExportBucket: "out", ExportPrefix: "exports/"})
    ts := httptest.NewServer(s.Handler())
    t.Cleanup(ts.Close)
    return &env{srv: ts, codec: codec, storage: fs}
}

func (e *env) pdf(t *testing.T, pages int) []byte {
    t.Helper()
    imgs := make([][]byte, pages)
    for i := range imgs {
        imgs[i] = pngData(t)
    }
    out, err := e.codec.ImagesToPDF(imgs, document.PageLayout{PageSize: document.PageA4}, false)
    require.NoError(t, err)
    return out
}

func pngData(t *testing.T) []byte {
    t.Helper()
    img := image.NewRGBA(image.Rect(0, 0, 20, 30))
    for y := 0; y < 30; y++ {
        for x := 0; x < 20; x++ {
            img.Set(x, y, color.RGBA{G: 180, A: 255})
        }
    }
    var buf bytes.Buffer
    require.NoError(t, png.Encode(&buf, img))
    return buf.Bytes()
}

func (e *env) do(t *testing.T, method, path string, body any) *http.Response {
    t.Helper()
    var rd io.Reader
    if body != nil {
        b, err := json.Marshal(body)
        require.NoError(t, err)
        rd = bytes.NewReader(b)
    }
    req, err := http.NewRequest(method, e.srv.URL+path, rd)
    require.NoError(t, err)
    if body != nil { req.Header.Set("Content-Type", "application/json") }
    resp, err := http.DefaultClient.Do(req)
    require.NoError(t, err)
    t.Cleanup(func() { resp.Body.Close() })
    return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
    t.Helper()
    require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (e *env) createSession(t *testing.T, mode string) string {
    t.Helper()
    resp := e.do(t, http.MethodPost, "/sessions", map[string]any{"mode": mode})
    require.Equal(t, http.StatusCreated, resp.StatusCode)
    var out struct{ SessionID string `json:"session_id"` }
    decode(t, resp, &out)
    require.NotEmpty(t, out.SessionID)
    return out.SessionID
}

type upload struct {
    name string
    data []byte
}

func (e *env) upload(t *testing.T, id string, files ...upload) *http.Response {
    t.Helper()
    var buf bytes.Buffer
    mw := multipart.NewWriter(&buf)
    for _, f := range files {
        fw, err := mw.CreateFormFile("file", f.name)
        require.NoError(t, err)
        _, err = fw.Write(f.data)
        require.NoError(t, err)
    }
    require.NoError(t, mw.Close())
    resp, err := http.Post(e.srv.URL+"/sessions/"+id+"/sources", mw.FormDataContentType(), &buf)
    require.NoError(t, err)
    t.Cleanup(func() { resp.Body.Close() })
    return resp
}

type pagesResp struct {
    Pages []struct {
        UID       int64 `json:"uid"`
        SourceID  int   `json:"source_id"`
        PageIndex int   `json:"page_index"`
        Selected  bool  `json:"selected"`
    } `json:"pages"`
    Range string `json:"range"`
}

func TestMergeFlow(t *testing.T) {
    e := newEnv(t)
    id := e.createSession(t, "merge")

    resp := e.upload(t, id, upload{"a.pdf", e.pdf(t, 3)}, upload{"b.pdf", e.pdf(t, 2)})
    require.Equal(t, http.StatusCreated, resp.StatusCode)

    var pages pagesResp
    decode(t, e.do(t, http.MethodGet, "/sessions/"+id+"/pages", nil), &pages)
    require.Len(t, pages.Pages, 5)

    first := pages.Pages[0].UID
    resp = e.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/pages/%d/move", id, first), map[string]int{"to": 4})
    require.Equal(t, http.StatusOK, resp.StatusCode)
    decode(t, resp, &pages)
    assert.Equal(t, first, pages.Pages[4].UID)

    resp = e.do(t, http.MethodDelete, fmt.Sprintf("/sessions/%s/pages/%d", id, first), nil)
    assert.Equal(t, http.StatusNoContent, resp.StatusCode)

    require.Eventually(t, func() bool {
        r, err := http.Get(e.srv.URL + "/sessions/" + id + "/preview")
        if err != nil { return false }
        defer r.Body.Close()
        return r.StatusCode == http.StatusOK && r.Header.Get("X-Page-Count") == "4"
    }, 5*time.Second, 20*time.Millisecond)

    resp = e.do(t, http.MethodPost, "/sessions/"+id+"/download", nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
    assert.Contains(t, resp.Header.Get("Content-Disposition"), "a_b.pdf")
    body, err := io.ReadAll(resp.Body)
    require.NoError(t, err)
    n, err := e.codec.PageCount(body, document.KindPDF)
    require.NoError(t, err)
    assert.Equal(t, 4, n)

    resp = e.do(t, http.MethodDelete, "/sessions/"+id, nil)
    assert.Equal(t, http.StatusNoContent, resp.StatusCode)
    resp = e.do(t, http.MethodGet, "/sessions/"+id+"/status", nil)
    assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
    e := newEnv(t)

    resp := e.do(t, http.MethodPost, "/sessions", map[string]any{"mode": "zip"})
    assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

    resp = e.do(t, http.MethodGet, "/sessions/unknown/pages", nil)
    assert.Equal(t, http.StatusNotFound, resp.StatusCode)

    id := e.createSession(t, "merge")
    resp = e.upload(t, id, upload{"photo.png", pngData(t)})
    assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

    resp = e.upload(t, id, upload{"broken.pdf", []byte("%PDF-1.4 nothing here")})
    assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

    resp = e.do(t, http.MethodPost, "/sessions/"+id+"/download", nil)
    assert.Equal(t, http.StatusConflict, resp.StatusCode)

    resp = e.do(t, http.MethodDelete, "/sessions/"+id+"/sources/42", nil)
    assert.Equal(t, http.StatusNotFound, resp.StatusCode)

    resp = e.do(t, http.MethodPost, "/sessions/"+id+"/pages/select_all", map[string]any{})
    assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRangeAndSelection(t *testing.T) {
    e := newEnv(t)
    id := e.createSession(t, "split")
    require.Equal(t, http.StatusCreated, e.upload(t, id, upload{"doc.pdf", e.pdf(t, 5)}).StatusCode)

    var pages pagesResp
    resp := e.do(t, http.MethodPut, "/sessions/"+id+"/range", map[string]string{"text": "3,1-2"})
    require.Equal(t, http.StatusOK, resp.StatusCode)
    decode(t, resp, &pages)
    assert.Equal(t, "3, 1-2", pages.Range)
    assert.Equal(t, 2, pages.Pages[0].PageIndex)
    assert.False(t, pages.Pages[4].Selected)

    resp = e.do(t, http.MethodPost, "/sessions/"+id+"/pages/select_all", map[string]bool{"selected": true})
    require.Equal(t, http.StatusOK, resp.StatusCode)
    decode(t, resp, &pages)
    assert.Equal(t, "3, 1-2, 4-5", pages.Range)

    uid := pages.Pages[0].UID
    resp = e.do(t, http.MethodPost, fmt.Sprintf("/sessions/%s/pages/%d/selected", id, uid), map[string]bool{"selected": false})
    require.Equal(t, http.StatusOK, resp.StatusCode)
    decode(t, resp, &pages)
    assert.Equal(t, "1-2, 4-5", pages.Range)
}

func TestThumbnails(t *testing.T) {
    e := newEnv(t)
    id := e.createSession(t, "merge")
    require.Equal(t, http.StatusCreated, e.upload(t, id, upload{"a.pdf", e.pdf(t, 2)}).StatusCode)

    var pages pagesResp
    decode(t, e.do(t, http.MethodGet, "/sessions/"+id+"/pages", nil), &pages)
    src := pages.Pages[0].SourceID

    resp := e.do(t, http.MethodGet, fmt.Sprintf("/sessions/%s/thumbnails/%d/2?wait=1", id, src), nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
    body, _ := io.ReadAll(resp.Body)
    assert.Equal(t, "jpeg-1", string(body))

    resp = e.do(t, http.MethodGet, fmt.Sprintf("/sessions/%s/thumbnails/%d/9", id, src), nil)
    assert.Equal(t, http.StatusNotFound, resp.StatusCode)

    resp = e.do(t, http.MethodPost, "/sessions/"+id+"/thumbnails", nil)
    assert.Equal(t, http.StatusAccepted, resp.StatusCode)
    require.Eventually(t, func() bool {
        r, err := http.Get(fmt.Sprintf("%s/sessions/%s/thumbnails/%d/1", e.srv.URL, id, src))
        if err != nil { return false }
        defer r.Body.Close()
        return r.StatusCode == http.StatusOK
    }, 2*time.Second, 10*time.Millisecond)
}

func TestRemoteSourceAndExport(t *testing.T) {
    e := newEnv(t)
    e.storage.objects["s3://in/report.pdf"] = &storage.Object{Name: "report.pdf", Data: e.pdf(t, 2)}
    id := e.createSession(t, "merge")

    resp := e.do(t, http.MethodPost, "/sessions/"+id+"/sources", map[string]string{"ref": "s3://in/report.pdf"})
    require.Equal(t, http.StatusCreated, resp.StatusCode)

    resp = e.do(t, http.MethodPost, "/sessions/"+id+"/sources", map[string]string{"ref": "ftp://x/y.pdf"})
    assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

    resp = e.do(t, http.MethodPost, "/sessions/"+id+"/export", nil)
    require.Equal(t, http.StatusOK, resp.StatusCode)
    var out struct{ Target string `json:"target"` }
    decode(t, resp, &out)
    assert.Equal(t, "s3://out/exports/"+id+"/report.pdf", out.Target)
    assert.NotEmpty(t, e.storage.uploaded[out.Target])

    resp = e.do(t, http.MethodPost, "/sessions/"+id+"/export", map[string]string{"target": "/tmp/x.pdf"})
    assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOptionsAndHealth(t *testing.T) {
    e := newEnv(t)
    id := e.createSession(t, "images")

    resp := e.do(t, http.MethodPut, "/sessions/"+id+"/options", map[string]any{
        "metadata":   map[string]string{"title": "Scans"},
        "color_mode": "mono",
    })
    require.Equal(t, http.StatusOK, resp.StatusCode)
    var opts document.OutputOptions
    decode(t, resp, &opts)
    assert.Equal(t, document.ColorMono, opts.ColorMode)
    assert.Equal(t, document.PageA4, opts.Layout.PageSize)

    resp = e.do(t, http.MethodGet, "/health", nil)
    assert.Equal(t, http.StatusOK, resp.StatusCode)
}
