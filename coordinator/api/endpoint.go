package api

import (
	"context"
	"errors"

	"github.com/absmach/fedcoord/coordinator"
	pkgerrors "github.com/absmach/fedcoord/pkg/errors"
	"github.com/absmach/fedcoord/pkg/fl"
	apiutil "github.com/absmach/supermq/api/http/util"
	"github.com/go-kit/kit/endpoint"
)

func registerEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(registerReq)
		if !ok {
			return registerRes{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return registerRes{}, errors.Join(apiutil.ErrValidation, err)
		}

		adm, err := svc.Register(ctx, req.ClientID, req.address)
		if err != nil {
			return registerRes{}, err
		}

		return registerRes{Admission: adm}, nil
	}
}

func heartbeatEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(sessionReq)
		if !ok {
			return emptyRes{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return emptyRes{}, errors.Join(apiutil.ErrValidation, err)
		}

		if err := svc.Heartbeat(ctx, req.clientID, req.token); err != nil {
			return emptyRes{}, err
		}

		return emptyRes{}, nil
	}
}

func fetchTaskEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(sessionReq)
		if !ok {
			return taskRes{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return taskRes{}, errors.Join(apiutil.ErrValidation, err)
		}

		task, err := svc.FetchTask(ctx, req.clientID, req.token)
		switch {
		case errors.Is(err, fl.ErrWait):
			return taskRes{wait: true}, nil
		case err != nil:
			return taskRes{}, err
		}

		return taskRes{task: task}, nil
	}
}

func submitEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(submitReq)
		if !ok {
			return submitRes{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return submitRes{}, errors.Join(apiutil.ErrValidation, err)
		}

		status, err := svc.Submit(ctx, req.clientID, req.token, req.submission)
		if err != nil {
			return submitRes{}, err
		}

		return submitRes{Status: status}, nil
	}
}

func closeEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(sessionReq)
		if !ok {
			return emptyRes{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return emptyRes{}, errors.Join(apiutil.ErrValidation, err)
		}

		if err := svc.Close(ctx, req.clientID, req.token); err != nil {
			return emptyRes{}, err
		}

		return emptyRes{}, nil
	}
}

func statusEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		st, err := svc.Status(ctx)
		if err != nil {
			return statusRes{}, err
		}

		return statusRes{Status: st}, nil
	}
}
