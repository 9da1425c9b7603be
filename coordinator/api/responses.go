package api

import (
	"net/http"

	"github.com/absmach/fedcoord/coordinator"
	"github.com/absmach/fedcoord/pkg/api"
	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/supermq"
)

var (
	_ supermq.Response = (*registerRes)(nil)
	_ supermq.Response = (*emptyRes)(nil)
	_ api.CBORResponse = (*taskRes)(nil)
	_ supermq.Response = (*submitRes)(nil)
	_ supermq.Response = (*statusRes)(nil)
)

type registerRes struct {
	coordinator.Admission
}

func (r registerRes) Code() int {
	return http.StatusCreated
}

func (r registerRes) Headers() map[string]string {
	return map[string]string{
		"Location": "/clients/" + r.ClientID,
	}
}

func (r registerRes) Empty() bool {
	return false
}

type emptyRes struct{}

func (e emptyRes) Code() int {
	return http.StatusNoContent
}

func (e emptyRes) Headers() map[string]string {
	return map[string]string{}
}

func (e emptyRes) Empty() bool {
	return true
}

type taskRes struct {
	task fl.Task
	wait bool
}

func (t taskRes) Code() int {
	if t.wait {
		return http.StatusAccepted
	}

	return http.StatusOK
}

func (t taskRes) Headers() map[string]string {
	return map[string]string{}
}

func (t taskRes) Empty() bool {
	return t.wait
}

func (t taskRes) CBOR() any {
	return t.task
}

type submitRes struct {
	Status fl.SubmitStatus `json:"status"`
}

func (s submitRes) Code() int {
	if s.Status == fl.SubmitStaleRound {
		return http.StatusConflict
	}

	return http.StatusOK
}

func (s submitRes) Headers() map[string]string {
	return map[string]string{}
}

func (s submitRes) Empty() bool {
	return false
}

type statusRes struct {
	coordinator.Status
}

func (s statusRes) Code() int {
	return http.StatusOK
}

func (s statusRes) Headers() map[string]string {
	return map[string]string{}
}

func (s statusRes) Empty() bool {
	return false
}
