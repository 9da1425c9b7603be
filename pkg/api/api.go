package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	pkgerrors "github.com/absmach/fedcoord/pkg/errors"
	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/supermq"
	apiutil "github.com/absmach/supermq/api/http/util"
)

const (
	ContentType     = "application/json"
	CBORContentType = "application/cbor"

	// ReasonHeader carries the admission rejection reason.
	ReasonHeader = "X-Rejection-Reason"

	ReasonDead     = "dead"
	ReasonComplete = "complete"
)

// CBORResponse marks responses whose body is encoded as CBOR.
type CBORResponse interface {
	supermq.Response
	CBOR() any
}

// ErrorRes is the JSON body of every error response.
type ErrorRes struct {
	Err    string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func EncodeResponse(_ context.Context, w http.ResponseWriter, response any) error {
	if cr, ok := response.(CBORResponse); ok {
		for k, v := range cr.Headers() {
			w.Header().Set(k, v)
		}
		if cr.Empty() {
			w.WriteHeader(cr.Code())

			return nil
		}
		data, err := fl.Marshal(cr.CBOR())
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", CBORContentType)
		w.WriteHeader(cr.Code())
		_, err = w.Write(data)

		return err
	}

	if ar, ok := response.(supermq.Response); ok {
		for k, v := range ar.Headers() {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", ContentType)
		w.WriteHeader(ar.Code())

		if ar.Empty() {
			return nil
		}
	}

	return json.NewEncoder(w).Encode(response)
}

func EncodeError(_ context.Context, err error, w http.ResponseWriter) {
	res := ErrorRes{Err: err.Error()}

	var admission *fl.AdmissionError
	var maxBytes *http.MaxBytesError

	w.Header().Set("Content-Type", ContentType)
	switch {
	case errors.As(err, &admission):
		res.Reason = admission.Reason
		w.Header().Set(ReasonHeader, admission.Reason)
		w.WriteHeader(http.StatusForbidden)
	case errors.As(err, &maxBytes), errors.Is(err, fl.ErrMessageTooLarge):
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	case errors.Is(err, pkgerrors.ErrMissingToken),
		errors.Is(err, fl.ErrUnauthorized):
		w.WriteHeader(http.StatusUnauthorized)
	case errors.Is(err, fl.ErrUnknownClient):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, fl.ErrClientDead):
		res.Reason = ReasonDead
		w.WriteHeader(http.StatusGone)
	case errors.Is(err, fl.ErrExperimentComplete):
		res.Reason = ReasonComplete
		w.WriteHeader(http.StatusGone)
	case errors.Is(err, fl.ErrStaleRound):
		w.WriteHeader(http.StatusConflict)
	case errors.Is(err, apiutil.ErrUnsupportedContentType):
		w.WriteHeader(http.StatusUnsupportedMediaType)
	case errors.Is(err, apiutil.ErrValidation),
		errors.Is(err, pkgerrors.ErrInvalidData),
		errors.Is(err, pkgerrors.ErrMalformedEntity),
		errors.Is(err, fl.ErrShapeMismatch):
		w.WriteHeader(http.StatusBadRequest)
	case errors.Is(err, fl.ErrInsufficientSubmissions):
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}

	if err := json.NewEncoder(w).Encode(res); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}
