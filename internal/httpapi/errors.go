package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-query-cache/backend"
	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/hydrate"
	"github.com/goliatone/go-query-cache/listpage"
	"github.com/goliatone/go-query-cache/query"
)

var errUnauthenticated = goerrors.New("no signed-in user", goerrors.CategoryAuth).
	WithCode(http.StatusUnauthorized).
	WithTextCode("UNAUTHENTICATED")

// mapDomainErrors maps the dashboard's own errors before the go-errors defaults run.
func mapDomainErrors(err error) *goerrors.Error {
	var fetchErr *query.FetchError
	var ozzo validation.Errors

	switch {
	case errors.Is(err, listpage.ErrUnknownEntity):
		return goerrors.New(err.Error(), goerrors.CategoryNotFound).
			WithCode(http.StatusNotFound).WithTextCode("UNKNOWN_ENTITY")
	case errors.Is(err, backend.ErrNotFound):
		return goerrors.New(err.Error(), goerrors.CategoryNotFound).
			WithCode(http.StatusNotFound).WithTextCode("NOT_FOUND")
	case errors.Is(err, listpage.ErrForbidden):
		return goerrors.New(err.Error(), goerrors.CategoryAuthz).
			WithCode(http.StatusForbidden).WithTextCode("FORBIDDEN")
	case cache.IsInvalidKey(err), errors.Is(err, hydrate.ErrMalformedSnapshot):
		return goerrors.New(err.Error(), goerrors.CategoryBadInput).
			WithCode(http.StatusBadRequest).WithTextCode("BAD_REQUEST")
	case errors.As(err, &ozzo):
		return goerrors.FromOzzoValidation(err, "invalid request").
			WithCode(http.StatusBadRequest).WithTextCode("VALIDATION_FAILED")
	case errors.As(err, &fetchErr):
		return goerrors.Wrap(err, goerrors.CategoryExternal, err.Error()).
			WithCode(http.StatusBadGateway).WithTextCode("BACKEND_UNAVAILABLE")
	case errors.Is(err, context.DeadlineExceeded):
		return goerrors.Wrap(err, goerrors.CategoryExternal, "backend timed out").
			WithCode(http.StatusGatewayTimeout).WithTextCode("TIMEOUT")
	}
	return nil
}

var errorMappers = append([]goerrors.ErrorMapper{mapDomainErrors}, goerrors.DefaultErrorMappers()...)

// toAPIError converts err into the JSON error envelope and its status code.
func toAPIError(err error, requestID string) (int, goerrors.ErrorResponse) {
	apiErr := goerrors.MapToError(err, errorMappers).Clone()
	if requestID != "" {
		apiErr = apiErr.WithRequestID(requestID)
	}
	code := apiErr.Code
	if code == 0 {
		code = categoryStatus(apiErr.Category)
		apiErr = apiErr.WithCode(code)
	}
	return code, apiErr.ToErrorResponse(false, nil)
}

func categoryStatus(c goerrors.Category) int {
	switch c {
	case goerrors.CategoryValidation, goerrors.CategoryBadInput:
		return http.StatusBadRequest
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, body := toAPIError(err, RequestID(r.Context()))
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
