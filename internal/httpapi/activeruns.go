package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/ashenforge/fleetd/internal/errtaxonomy"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/ashenforge/fleetd/internal/queueproc"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, ok := s.active.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, ReasonResponse{Reason: "unknown active run"})
		return
	}
	run.Touch()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")
	run, ok := s.active.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, ReasonResponse{Reason: "unknown active run"})
		return
	}
	chunk, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ReasonResponse{Reason: "failed to read chunk"})
		return
	}
	firstChunk := run.AppendLog(name, chunk)
	if firstChunk {
		s.queueTopic.Publish(queueproc.QueueStatus{ActiveCount: s.active.Len(), UpdatedAt: time.Now()})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	reader, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ReasonResponse{Reason: "expected multipart body"})
		return
	}

	var (
		result    WorkerResult
		haveResult bool
		artifacts  = map[string][]byte{}
	)
	for {
		part, perr := reader.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, ReasonResponse{Reason: "malformed multipart body"})
			return
		}
		data, rerr := io.ReadAll(part)
		part.Close()
		if rerr != nil {
			writeJSON(w, http.StatusBadRequest, ReasonResponse{Reason: "failed to read part"})
			return
		}
		if part.FormName() == "result.json" {
			if err := json.Unmarshal(data, &result); err != nil {
				writeJSON(w, http.StatusBadRequest, ReasonResponse{Reason: "malformed result.json"})
				return
			}
			haveResult = true
			continue
		}
		artifacts[partFilename(part)] = data
	}
	if !haveResult {
		writeJSON(w, http.StatusBadRequest, ReasonResponse{Reason: "missing result.json part"})
		return
	}

	queueID := result.QueueID
	run := workerResultToRun(id, result)
	logs := map[string][]byte{}
	active, ok := s.active.Get(id)
	if ok {
		queueID = active.QueueItem.ID
		run.Package = active.QueueItem.Package
		run.Suite = active.QueueItem.Suite
		run.Command = active.QueueItem.Command
		run.VCSType = active.QueueItem.VCSType
		run.BranchURL = active.QueueItem.BranchURL

		for _, name := range active.LogNames() {
			if data, ok := active.LogBytes(name); ok {
				logs[name] = data
			}
		}
	}
	// else: the watchdog already reaped this run; recover queue_id from
	// the worker's own result JSON, per spec §5's race tolerance. Package
	// and suite are unrecoverable in that race (the worker result carries
	// neither), so FinishRun still hands the run to follow-up scheduling
	// with both fields empty. The
	// streamed log buffers are gone with the reaped active run too; only
	// whatever the worker attached to the finish call itself survives.

	logNames := s.importBlobs(ctx, "log", s.logs, run.Package, id, logs)
	s.importBlobs(ctx, "artifact", s.artifacts, run.Package, id, artifacts)
	run.LogFilenames = logNames

	if err := s.processor.FinishRun(ctx, run, queueID); err != nil {
		s.log.Error("finish failed", "log_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, ReasonResponse{Reason: "internal error"})
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func partFilename(part *multipart.Part) string {
	if name := part.FileName(); name != "" {
		return name
	}
	return part.FormName()
}

// importBlobs hands each named blob to mgr (the log or artifact
// manager), returning the filenames that imported successfully. A
// failure is logged and that blob skipped, never fatal: the manager
// itself (a blobmanager.Fallback in production) already falls back to
// backup storage on ErrServiceUnavailable/ErrPermissionDenied per spec
// §7, so a failure reaching here means even the backup write failed.
func (s *Server) importBlobs(ctx context.Context, kind string, mgr blobStorer, pkg, logID string, blobs map[string][]byte) []string {
	var names []string
	for name, data := range blobs {
		if err := mgr.Store(ctx, pkg, logID, name, data); err != nil {
			s.log.Error("failed to import blob", "kind", kind, "log_id", logID, "name", name, "error", err)
			continue
		}
		names = append(names, name)
	}
	return names
}

// blobStorer is the shared method shape of blobmanager.LogManager and
// blobmanager.ArtifactManager, so importBlobs works with either.
type blobStorer interface {
	Store(ctx context.Context, pkg, logID, filename string, data []byte) error
}

func workerResultToRun(logID string, wr WorkerResult) model.Run {
	code := wr.Code
	if code == "" {
		code = string(errtaxonomy.Success)
	}
	run := model.Run{
		ID:                 logID,
		ResultCode:         code,
		Description:        wr.Description,
		Context:            wr.Context,
		InstigatedContext:  wr.Context,
		MainBranchRevision: wr.MainBranchRevision,
		Revision:           wr.Revision,
		SubworkerResult:    wr.SubworkerResult,
		Value:              wr.Value,
		StartTime:          wr.StartTime,
		FinishTime:         wr.FinishTime,
		WorkerName:         wr.WorkerName,
		FailureDetails:     wr.Details,
	}
	for _, b := range wr.Branches {
		run.ResultBranches = append(run.ResultBranches, model.ResultBranch{
			Role: b[0], RemoteName: b[1], BaseRevision: b[2], Revision: b[3],
		})
	}
	for _, t := range wr.Tags {
		run.ResultTags = append(run.ResultTags, model.ResultTag{
			Filename: t[0], Name: t[1], Revision: t[2],
		})
	}
	return run
}
