package http

import (
	"squeeze/pkg/jobs"
	"squeeze/pkg/squeeze"
	"squeeze/pkg/squeezeerr"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status      Status          `json:"status,omitempty"`
	Result      *squeeze.Result `json:"result,omitempty"`
	Job         *jobs.Job       `json:"job,omitempty"`
	Error       string          `json:"error,omitempty"`
	Kind        squeezeerr.Kind `json:"kind,omitempty"`
	SafeToRetry bool            `json:"safe_to_retry,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewResultResponse(res squeeze.Result) Response {
	return Response{Status: StatusSuccess, Result: &res}
}

func NewJobResponse(job jobs.Job) Response {
	return Response{Status: StatusSuccess, Job: &job}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// NewFailureResponse describes a failed compaction. res carries the staging
// paths so an operator can find the backup.
func NewFailureResponse(err error, res squeeze.Result) Response {
	resp := Response{
		Status:      StatusError,
		Error:       err.Error(),
		Kind:        squeezeerr.KindOf(err),
		SafeToRetry: squeezeerr.SafeToRetry(err),
	}
	if res.Mode != "" {
		resp.Result = &res
	}
	return resp
}
