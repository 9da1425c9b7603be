package api

import (
	"github.com/absmach/fedcoord/pkg/errors"
	"github.com/absmach/fedcoord/pkg/fl"
	apiutil "github.com/absmach/supermq/api/http/util"
)

type registerReq struct {
	ClientID string `json:"client_id"`
	address  string
}

func (r *registerReq) validate() error {
	if r.ClientID == "" {
		return apiutil.ErrMissingID
	}

	return nil
}

type sessionReq struct {
	clientID string
	token    string
}

func (r *sessionReq) validate() error {
	if r.clientID == "" {
		return apiutil.ErrMissingID
	}
	if r.token == "" {
		return errors.ErrMissingToken
	}

	return nil
}

type submitReq struct {
	sessionReq
	submission fl.Submission
}

func (r *submitReq) validate() error {
	if err := r.sessionReq.validate(); err != nil {
		return err
	}
	if r.submission.ClientID != "" && r.submission.ClientID != r.clientID {
		return errors.ErrMalformedEntity
	}
	if r.submission.Round == 0 {
		return errors.ErrMalformedEntity
	}

	return nil
}
