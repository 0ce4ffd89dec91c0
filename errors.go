package main

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	deverrors "github.com/CodedInternet/simpos/onboard/errors"
)

// ErrResponse is the JSON body of every failed request.
type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText string `json:"status"`
	ErrorText  string `json:"error,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errResponse(status int, err error) *ErrResponse {
	resp := &ErrResponse{
		Err:            err,
		HTTPStatusCode: status,
		StatusText:     http.StatusText(status),
	}
	if err != nil {
		resp.ErrorText = err.Error()
	}
	return resp
}

var ErrNotFound = &ErrResponse{HTTPStatusCode: http.StatusNotFound, StatusText: "Resource not found."}

func ErrInvalidRequest(err error) render.Renderer {
	return errResponse(http.StatusBadRequest, err)
}

func ErrUnauthorized(err error) render.Renderer {
	return errResponse(http.StatusUnauthorized, err)
}

func ErrPermissionDenied(err error) render.Renderer {
	return errResponse(http.StatusForbidden, err)
}

func ErrConflict(err error) render.Renderer {
	return errResponse(http.StatusConflict, err)
}

func ErrRender(err error) render.Renderer {
	return errResponse(http.StatusInternalServerError, err)
}

// ErrDevice maps motor errors onto HTTP statuses.
func ErrDevice(err error) render.Renderer {
	var connErr *deverrors.ConnectionError
	switch {
	case errors.Is(err, deverrors.ErrNotConnected),
		errors.Is(err, deverrors.ErrAlreadyConnected),
		errors.Is(err, deverrors.ErrDriverClosed):
		return ErrConflict(err)

	case errors.As(err, &connErr):
		status := http.StatusInternalServerError
		switch connErr.Reason {
		case deverrors.ReasonNotFound:
			status = http.StatusNotFound
		case deverrors.ReasonBusy:
			status = http.StatusConflict
		case deverrors.ReasonPermission:
			status = http.StatusForbidden
		}
		resp := errResponse(status, err)
		resp.Reason = connErr.Reason
		return resp
	}

	return ErrRender(err)
}
