package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanpipe/internal/api/response"
	"github.com/kiranshivaraju/scanpipe/internal/orchestrator"
	"github.com/kiranshivaraju/scanpipe/internal/pipeline"
)

// StageDispatcher starts pipeline stages.
type StageDispatcher interface {
	Dispatch(ctx context.Context, req orchestrator.DispatchRequest) (*orchestrator.JobHandle, error)
	Retry(ctx context.Context, req orchestrator.DispatchRequest) (*orchestrator.JobHandle, error)
}

// StatusReader returns a scan's aggregate status.
type StatusReader interface {
	GetStatus(ctx context.Context, projectID, scanID uuid.UUID) (*orchestrator.AggregateStatus, error)
}

type createStageRequest struct {
	Stage       string `json:"stage"        validate:"required"`
	Quality     string `json:"quality"`
	CameraModel string `json:"camera_model"`
	Retry       bool   `json:"retry"`
}

// NewCreateStageHandler returns an http.HandlerFunc for POST
// /api/v1/scans/{scanID}/stages. The response carries the job identifier as
// soon as the processing service accepted the job.
func NewCreateStageHandler(d StageDispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := projectID(w, r)
		if !ok {
			return
		}
		scanID, ok := pathID(w, r, "scanID")
		if !ok {
			return
		}

		var req createStageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		stage, err := pipeline.ParseStage(req.Stage)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_STAGE", err.Error(),
				map[string]any{"stages": pipeline.AllStages()})
			return
		}

		dr := orchestrator.DispatchRequest{
			ProjectID: projectID,
			ScanID:    scanID,
			Stage:     stage,
			Params: orchestrator.StageParams{
				Quality:     req.Quality,
				CameraModel: req.CameraModel,
			},
		}

		dispatch := d.Dispatch
		if req.Retry {
			dispatch = d.Retry
		}
		handle, err := dispatch(r.Context(), dr)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, handle)
	}
}

// NewScanStatusHandler returns an http.HandlerFunc for GET
// /api/v1/scans/{scanID}/status.
func NewScanStatusHandler(s StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := projectID(w, r)
		if !ok {
			return
		}
		scanID, ok := pathID(w, r, "scanID")
		if !ok {
			return
		}

		status, err := s.GetStatus(r.Context(), projectID, scanID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, status)
	}
}
