package server

import (
    "context"
    "encoding/json"
    "errors"
    "io"
    "mime"
    "net/http"
    "path"
    "strconv"
    "strings"

    "github.com/local/pagecomposer/internal/document"
    "github.com/local/pagecomposer/internal/preview"
    "github.com/local/pagecomposer/internal/sequence"
    "github.com/local/pagecomposer/internal/session"
)

type createReq struct {
    Mode    string                  `json:"mode"`
    Options *document.OutputOptions `json:"options,omitempty"`
}

type sessionResp struct {
    SessionID string                  `json:"session_id"`
    Mode      session.Mode            `json:"mode"`
    Sources   []document.Source       `json:"sources,omitempty"`
    Pages     []sequence.PageEntry    `json:"pages,omitempty"`
    Status    *preview.Status         `json:"status,omitempty"`
    Options   *document.OutputOptions `json:"options,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
    var req createReq
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        badRequest(w, "invalid json"); return
    }
    mode, err := session.ParseMode(req.Mode)
    if err != nil { writeError(w, err); return }
    sess := s.sessions.Create(mode, req.Options)
    writeJSON(w, http.StatusCreated, sessionResp{SessionID: sess.ID, Mode: sess.Mode})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    st := sess.Status()
    opts := sess.Options()
    writeJSON(w, http.StatusOK, sessionResp{
        SessionID: sess.ID,
        Mode:      sess.Mode,
        Sources:   sess.Sources(),
        Pages:     sess.Pages(),
        Status:    &st,
        Options:   &opts,
    })
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
    if err := s.sessions.Delete(r.PathValue("id")); err != nil { writeError(w, err); return }
    w.WriteHeader(http.StatusNoContent)
}

type refReq struct {
    Ref string `json:"ref"`
}

// handleAddSources accepts multipart uploads (one or more "file" parts) or
// a JSON body with an s3:// or http(s):// reference.
func (s *Server) handleAddSources(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
    var added []document.Source

    ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
    switch ct {
    case "multipart/form-data":
        if err := r.ParseMultipartForm(32 << 20); err != nil {
            badRequest(w, "invalid multipart form"); return
        }
        defer r.MultipartForm.RemoveAll()
        files := r.MultipartForm.File["file"]
        if len(files) == 0 { badRequest(w, "missing file"); return }
        for _, fh := range files {
            f, err := fh.Open()
            if err != nil { badRequest(w, "upload error"); return }
            data, err := io.ReadAll(f)
            f.Close()
            if err != nil { badRequest(w, "upload error"); return }
            src, err := sess.AddSource(r.Context(), data, path.Base(fh.Filename))
            if err != nil { writeError(w, err); return }
            added = append(added, src)
        }

    case "application/json":
        var req refReq
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Ref) == "" {
            badRequest(w, "missing ref"); return
        }
        if s.storage == nil {
            writeJSON(w, http.StatusServiceUnavailable, errorResp{Error: "remote sources disabled"}); return
        }
        ctx, cancel := context.WithTimeout(r.Context(), s.opts.FetchTimeout)
        obj, err := s.storage.Fetch(ctx, req.Ref)
        cancel()
        if err != nil { writeError(w, err); return }
        src, err := sess.AddSource(r.Context(), obj.Data, obj.Name)
        if err != nil { writeError(w, err); return }
        added = append(added, src)

    default:
        writeJSON(w, http.StatusUnsupportedMediaType, errorResp{Error: "expected multipart/form-data or application/json"})
        return
    }
    writeJSON(w, http.StatusCreated, map[string]any{"sources": added, "pages": sess.Pages()})
}

func (s *Server) handleRemoveSource(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    id, err := strconv.Atoi(r.PathValue("sourceId"))
    if err != nil { writeError(w, document.ErrSourceNotFound); return }
    if err := sess.RemoveSource(id); err != nil { writeError(w, err); return }
    w.WriteHeader(http.StatusNoContent)
}

type moveReq struct {
    To *int `json:"to"`
}

func decodeMove(r *http.Request) (int, bool) {
    var req moveReq
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == nil {
        return 0, false
    }
    return *req.To, true
}

func (s *Server) handleMoveSource(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    id, err := strconv.Atoi(r.PathValue("sourceId"))
    if err != nil { writeError(w, document.ErrSourceNotFound); return }
    to, ok := decodeMove(r)
    if !ok { badRequest(w, "missing to"); return }
    if err := sess.MoveSource(id, to); err != nil { writeError(w, err); return }
    writeJSON(w, http.StatusOK, map[string]any{"sources": sess.Sources(), "pages": sess.Pages()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    sess.Reset()
    w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    writeJSON(w, http.StatusOK, map[string]any{"pages": sess.Pages(), "range": sess.PageRangeText()})
}

func pageUID(r *http.Request) (int64, error) {
    uid, err := strconv.ParseInt(r.PathValue("uid"), 10, 64)
    if err != nil { return 0, document.ErrPageNotFound }
    return uid, nil
}

func (s *Server) handleMovePage(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    uid, err := pageUID(r)
    if err != nil { writeError(w, err); return }
    to, ok := decodeMove(r)
    if !ok { badRequest(w, "missing to"); return }
    if err := sess.Move(uid, to); err != nil { writeError(w, err); return }
    s.handlePages(w, r, sess)
}

func (s *Server) handleRemovePage(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    uid, err := pageUID(r)
    if err != nil { writeError(w, err); return }
    if err := sess.Remove(uid); err != nil { writeError(w, err); return }
    w.WriteHeader(http.StatusNoContent)
}

type selectReq struct {
    Selected *bool `json:"selected"`
}

func decodeSelected(r *http.Request) (bool, bool) {
    var req selectReq
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Selected == nil {
        return false, false
    }
    return *req.Selected, true
}

func (s *Server) handleSelectPage(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    uid, err := pageUID(r)
    if err != nil { writeError(w, err); return }
    sel, ok := decodeSelected(r)
    if !ok { badRequest(w, "missing selected"); return }
    if err := sess.SetSelected(uid, sel); err != nil { writeError(w, err); return }
    s.handlePages(w, r, sess)
}

func (s *Server) handleSelectAll(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    sel, ok := decodeSelected(r)
    if !ok { badRequest(w, "missing selected"); return }
    sess.SetAllSelected(sel)
    s.handlePages(w, r, sess)
}

type rangeReq struct {
    Text string `json:"text"`
}

func (s *Server) handleGetRange(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    writeJSON(w, http.StatusOK, map[string]any{"range": sess.PageRangeText()})
}

func (s *Server) handlePutRange(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    var req rangeReq
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil { badRequest(w, "invalid json"); return }
    accepted := sess.ApplyPageRange(req.Text)
    writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted, "range": sess.PageRangeText(), "pages": sess.Pages()})
}

// handleThumbnail serves a page raster. {page} is 1-based. Pages not yet
// rendered answer 202; add ?wait=1 to render synchronously.
func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    sourceID, err := strconv.Atoi(r.PathValue("sourceId"))
    if err != nil { writeError(w, document.ErrSourceNotFound); return }
    page, err := strconv.Atoi(r.PathValue("page"))
    if err != nil { writeError(w, document.ErrPageNotFound); return }
    wait := r.URL.Query().Get("wait") == "1"

    ras, err := sess.Thumbnail(r.Context(), sourceID, page-1, wait)
    switch {
    case errors.Is(err, session.ErrPending):
        writeJSON(w, http.StatusAccepted, map[string]any{"status": "pending"}); return
    case document.IsRenderError(err):
        writeJSON(w, http.StatusAccepted, map[string]any{"status": "failed", "placeholder": true}); return
    case err != nil:
        writeError(w, err); return
    }
    w.Header().Set("Content-Type", "image/jpeg")
    w.Header().Set("Cache-Control", "private, max-age=3600")
    w.Header().Set("Content-Length", strconv.Itoa(len(ras.Data)))
    _, _ = w.Write(ras.Data)
}

func (s *Server) handleWarmThumbnails(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    sess.WarmThumbnails()
    writeJSON(w, http.StatusAccepted, map[string]any{"status": "rendering", "pages": len(sess.Pages())})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    art := sess.CurrentArtifact()
    if art == nil {
        writeJSON(w, http.StatusNotFound, errorResp{Error: "no preview yet"}); return
    }
    w.Header().Set("Content-Type", "application/pdf")
    w.Header().Set("X-Preview-Generation", strconv.FormatUint(art.Generation, 10))
    w.Header().Set("X-Page-Count", strconv.Itoa(art.PageCount))
    w.Header().Set("Content-Length", strconv.Itoa(len(art.Bytes)))
    _, _ = w.Write(art.Bytes)
}

func (s *Server) handleGetOptions(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    writeJSON(w, http.StatusOK, sess.Options())
}

func (s *Server) handlePutOptions(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    var opts document.OutputOptions
    if err := json.NewDecoder(r.Body).Decode(&opts); err != nil { badRequest(w, "invalid json"); return }
    sess.SetOptions(opts)
    writeJSON(w, http.StatusOK, sess.Options())
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    data, name, err := sess.Download(r.Context())
    if err != nil { writeError(w, err); return }
    w.Header().Set("Content-Type", "application/pdf")
    w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
    w.Header().Set("Content-Length", strconv.Itoa(len(data)))
    _, _ = w.Write(data)
}

type exportReq struct {
    Target string `json:"target"`
}

// handleExport assembles the download and stores it in S3. Without a
// target the configured bucket and prefix are used.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, sess *session.Session) {
    if s.storage == nil {
        writeJSON(w, http.StatusServiceUnavailable, errorResp{Error: "export disabled"}); return
    }
    var req exportReq
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
        badRequest(w, "invalid json"); return
    }

    data, name, err := sess.Download(r.Context())
    if err != nil { writeError(w, err); return }

    target := strings.TrimSpace(req.Target)
    if target == "" {
        if s.opts.ExportBucket == "" { badRequest(w, "missing target"); return }
        target = "s3://" + s.opts.ExportBucket + "/" + strings.TrimPrefix(s.opts.ExportPrefix+sess.ID+"/"+name, "/")
    }
    if !strings.HasPrefix(target, "s3://") { badRequest(w, "target must be an s3:// url"); return }

    loc, err := s.storage.Upload(r.Context(), target, data, "application/pdf", map[string]string{
        "name":       name,
        "session-id": sess.ID,
        "mode":       string(sess.Mode),
    })
    if err != nil { writeError(w, err); return }
    writeJSON(w, http.StatusOK, map[string]any{"target": target, "location": loc, "name": name, "bytes": len(data)})
}
