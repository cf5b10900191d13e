package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
	"github.com/mohammad-safakhou/deepresearch/models"
)

type ResearchHandler struct {
	manager *RunManager
	archive Archive
	logger  *zap.Logger
}

type IDResponse struct {
	ID string `json:"id"`
}

func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("", h.start)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/report", h.report)
	g.GET("/:id/events", h.events)
	g.POST("/:id/stop", h.stop)
}

func (h *ResearchHandler) start(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	run, err := h.manager.Start(c.Request().Context(), req)
	switch {
	case errors.Is(err, ErrInvalidRun):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTooManyRuns), errors.Is(err, ErrShuttingDown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, IDResponse{ID: run.ID})
}

// list merges live runs with the archive, newest first.
func (h *ResearchHandler) list(c echo.Context) error {
	limit := 50
	if v := strings.TrimSpace(c.QueryParam("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	live := h.manager.List()
	out := make([]store.RunSummary, 0, len(live))
	seen := make(map[string]struct{}, len(live))
	for _, v := range live {
		seen[v.ID] = struct{}{}
		out = append(out, store.RunSummary{ID: v.ID, Query: v.Query, Status: v.Status, StopReason: v.StopReason, StartedAt: v.StartedAt, FinishedAt: v.FinishedAt})
	}
	if h.archive != nil {
		archived, err := h.archive.ListRuns(c.Request().Context(), limit)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		for _, s := range archived {
			if _, ok := seen[s.ID]; !ok {
				out = append(out, s)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return c.JSON(http.StatusOK, out)
}

func (h *ResearchHandler) get(c echo.Context) error {
	id := c.Param("id")
	if run, ok := h.manager.Get(id); ok {
		return c.JSON(http.StatusOK, run.View(true))
	}
	rec, err := h.archived(c, id)
	if err != nil {
		return err
	}
	view := RunView{
		ID:          rec.ID,
		Query:       rec.Query,
		Status:      rec.Status,
		StopReason:  rec.StopReason,
		Depth:       rec.Depth,
		Tokens:      rec.Tokens,
		VisitedURLs: rec.VisitedURLs,
		FailedURLs:  rec.FailedURLs,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
	}
	if rec.Error != nil {
		view.Error = *rec.Error
	}
	_ = json.Unmarshal(rec.Knobs, &view.Knobs)
	if len(rec.Tree) > 0 {
		var tree models.TopicData
		if err := json.Unmarshal(rec.Tree, &tree); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("decode archived tree: %v", err))
		}
		view.Tree = &tree
	}
	return c.JSON(http.StatusOK, view)
}

// report serves the Markdown report, or every part including thoughts with
// ?format=json.
func (h *ResearchHandler) report(c echo.Context) error {
	id := c.Param("id")
	asJSON := c.QueryParam("format") == "json"
	if run, ok := h.manager.Get(id); ok {
		res, _ := run.Result()
		if res == nil {
			return echo.NewHTTPError(http.StatusConflict, "report not ready")
		}
		if res.Report == nil {
			return echo.NewHTTPError(http.StatusNotFound, "run produced no report")
		}
		if asJSON {
			return c.JSON(http.StatusOK, res.Report)
		}
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(res.Report.Markdown()))
	}
	rec, err := h.archived(c, id)
	if err != nil {
		return err
	}
	if rec.Status == store.RunStatusRunning {
		return echo.NewHTTPError(http.StatusConflict, "report not ready")
	}
	if asJSON {
		if len(rec.Report) == 0 {
			return echo.NewHTTPError(http.StatusNotFound, "run produced no report")
		}
		var rep research.Report
		if err := json.Unmarshal(rec.Report, &rep); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, &rep)
	}
	if rec.ReportMarkdown == "" {
		return echo.NewHTTPError(http.StatusNotFound, "run produced no report")
	}
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(rec.ReportMarkdown))
}

func (h *ResearchHandler) stop(c echo.Context) error {
	run, err := h.manager.Stop(c.Param("id"))
	if errors.Is(err, ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"id": run.ID, "status": run.Status()})
}

// events streams the run callback as server-sent events. Buffered events
// are replayed first; the stream ends with a "done" event.
func (h *ResearchHandler) events(c echo.Context) error {
	run, ok := h.manager.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, ErrRunNotFound.Error())
	}
	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	replay, ch, cancel := run.hub.subscribe()
	defer cancel()

	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	send := func(event string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	for _, ev := range replay {
		if err := send(string(ev.Type), ev); err != nil {
			return nil
		}
	}
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-ch:
			if !open {
				<-run.Done()
				_ = send("done", run.View(false))
				return nil
			}
			if err := send(string(ev.Type), ev); err != nil {
				h.logger.Debug("event stream closed", zap.String("run_id", run.ID), zap.Error(err))
				return nil
			}
		}
	}
}

func (h *ResearchHandler) archived(c echo.Context, id string) (store.RunRecord, error) {
	if h.archive == nil {
		return store.RunRecord{}, echo.NewHTTPError(http.StatusNotFound, ErrRunNotFound.Error())
	}
	rec, err := h.archive.GetRun(c.Request().Context(), id)
	if errors.Is(err, store.ErrRunNotFound) {
		return store.RunRecord{}, echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return store.RunRecord{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return rec, nil
}
