package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/absmach/fedcoord/pkg/api"
	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/absmach/fedcoord/pkg/transport"
)

const (
	CTJSON string = "application/json"
	CTCBOR string = "application/cbor"
)

// SDK is the client side of the coordinator wire protocol.
type SDK interface {
	// Register asks the coordinator to admit clientID.
	//
	// example:
	//  adm, err := sdk.Register(ctx, "client_1")
	//  fmt.Println(adm.Token)
	Register(ctx context.Context, clientID string) (Admission, error)

	// Heartbeat refreshes the liveness of a session.
	Heartbeat(ctx context.Context, clientID, token string) error

	// FetchTask returns the task of the current round or fl.ErrWait.
	//
	// example:
	//  task, err := sdk.FetchTask(ctx, "client_1", token)
	//  if errors.Is(err, fl.ErrWait) {
	//    time.Sleep(retry)
	//  }
	FetchTask(ctx context.Context, clientID, token string) (fl.Task, error)

	// SubmitWeights delivers locally trained weights for a round.
	SubmitWeights(ctx context.Context, clientID, token string, sub fl.Submission) (fl.SubmitStatus, error)

	// Close leaves the experiment.
	Close(ctx context.Context, clientID, token string) error

	// Status reports the coordinator phase and sessions.
	Status(ctx context.Context) (Status, error)
}

type Admission struct {
	ClientID string `json:"client_id"`
	Token    string `json:"token"`
}

type Session struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	State         string    `json:"state"`
	Round         uint64    `json:"round"`
	AdmittedAt    time.Time `json:"admitted_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type Status struct {
	Phase       string     `json:"phase"`
	Round       uint64     `json:"round"`
	RoundsCount uint64     `json:"rounds_count"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Sessions    []Session  `json:"sessions"`
}

type fedSDK struct {
	url            string
	client         *http.Client
	maxSendSize    int64
	maxReceiveSize int64
}

func NewSDK(cfg transport.ClientConfig) (SDK, error) {
	client, err := transport.NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	return newSDK(cfg, client), nil
}

// NewSDKWithClient uses an existing HTTP client, for example one from
// httptest.
func NewSDKWithClient(cfg transport.ClientConfig, client *http.Client) SDK {
	return newSDK(cfg, client)
}

func newSDK(cfg transport.ClientConfig, client *http.Client) *fedSDK {
	return &fedSDK{
		url:            cfg.URL,
		client:         client,
		maxSendSize:    cfg.MaxSendSize,
		maxReceiveSize: cfg.MaxReceiveSize,
	}
}

func (sdk *fedSDK) clientURL(clientID string, parts ...string) string {
	u := fmt.Sprintf("%s/clients/%s", sdk.url, url.PathEscape(clientID))
	for _, p := range parts {
		u += "/" + p
	}

	return u
}

func (sdk *fedSDK) Register(ctx context.Context, clientID string) (Admission, error) {
	data, err := json.Marshal(map[string]string{"client_id": clientID})
	if err != nil {
		return Admission{}, err
	}

	_, body, err := sdk.processRequest(ctx, "register", http.MethodPost, sdk.url+"/clients", CTJSON, "", data, http.StatusCreated)
	if err != nil {
		var adm *fl.AdmissionError
		if errors.As(err, &adm) {
			adm.ClientID = clientID
		}

		return Admission{}, err
	}

	var adm Admission
	if err := json.Unmarshal(body, &adm); err != nil {
		return Admission{}, err
	}

	return adm, nil
}

func (sdk *fedSDK) Heartbeat(ctx context.Context, clientID, token string) error {
	_, _, err := sdk.processRequest(ctx, "heartbeat", http.MethodPost, sdk.clientURL(clientID, "heartbeat"), CTJSON, token, nil, http.StatusNoContent)

	return err
}

func (sdk *fedSDK) FetchTask(ctx context.Context, clientID, token string) (fl.Task, error) {
	code, body, err := sdk.processRequest(ctx, "fetch task", http.MethodGet, sdk.clientURL(clientID, "task"), CTCBOR, token, nil, http.StatusOK, http.StatusAccepted)
	if err != nil {
		return fl.Task{}, err
	}
	if code == http.StatusAccepted {
		return fl.Task{}, fl.ErrWait
	}

	var task fl.Task
	if err := fl.Unmarshal(body, &task); err != nil {
		return fl.Task{}, fmt.Errorf("failed to decode task: %w", err)
	}

	return task, nil
}

func (sdk *fedSDK) SubmitWeights(ctx context.Context, clientID, token string, sub fl.Submission) (fl.SubmitStatus, error) {
	sub.ClientID = clientID
	data, err := fl.Marshal(sub)
	if err != nil {
		return "", err
	}

	code, _, err := sdk.processRequest(ctx, "submit weights", http.MethodPost, sdk.clientURL(clientID, "weights"), CTCBOR, token, data, http.StatusOK, http.StatusConflict)
	if err != nil {
		if errors.Is(err, fl.ErrClientDead) {
			return fl.SubmitRejected, err
		}

		return "", err
	}
	if code == http.StatusConflict {
		return fl.SubmitStaleRound, nil
	}

	return fl.SubmitAccepted, nil
}

func (sdk *fedSDK) Close(ctx context.Context, clientID, token string) error {
	_, _, err := sdk.processRequest(ctx, "close", http.MethodDelete, sdk.clientURL(clientID), CTJSON, token, nil, http.StatusNoContent)

	return err
}

func (sdk *fedSDK) Status(ctx context.Context) (Status, error) {
	_, body, err := sdk.processRequest(ctx, "status", http.MethodGet, sdk.url+"/status", CTJSON, "", nil, http.StatusOK)
	if err != nil {
		return Status{}, err
	}

	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return Status{}, err
	}

	return st, nil
}

func (sdk *fedSDK) processRequest(ctx context.Context, op, method, reqURL, contentType, token string, data []byte, expectedRespCodes ...int) (int, []byte, error) {
	if sdk.maxSendSize > 0 && int64(len(data)) > sdk.maxSendSize {
		return 0, nil, fmt.Errorf("%w: %d bytes to send, limit %d", fl.ErrMessageTooLarge, len(data), sdk.maxSendSize)
	}

	var reader io.Reader
	if data != nil {
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Add("Content-Type", contentType)
	req.Header.Add("Accept", contentType)
	if token != "" {
		req.Header.Add("Authorization", "Bearer "+token)
	}

	resp, err := sdk.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}

		return 0, nil, &fl.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := sdk.readBody(resp.Body)
	if err != nil {
		if errors.Is(err, fl.ErrMessageTooLarge) {
			return 0, nil, err
		}

		return 0, nil, &fl.TransientError{Op: op, Err: err}
	}

	for _, code := range expectedRespCodes {
		if resp.StatusCode == code {
			return code, body, nil
		}
	}

	return resp.StatusCode, nil, decodeError(op, resp.StatusCode, body)
}

func (sdk *fedSDK) readBody(r io.Reader) ([]byte, error) {
	if sdk.maxReceiveSize <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, sdk.maxReceiveSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > sdk.maxReceiveSize {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", fl.ErrMessageTooLarge, sdk.maxReceiveSize)
	}

	return body, nil
}

func decodeError(op string, code int, body []byte) error {
	var res api.ErrorRes
	_ = json.Unmarshal(body, &res)
	msg := res.Err
	if msg == "" {
		msg = http.StatusText(code)
	}

	switch {
	case code == http.StatusForbidden:
		return &fl.AdmissionError{Reason: res.Reason}
	case code == http.StatusGone && res.Reason == api.ReasonDead:
		return fl.ErrClientDead
	case code == http.StatusGone:
		return fl.ErrExperimentComplete
	case code == http.StatusUnauthorized:
		return fl.ErrUnauthorized
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", fl.ErrUnknownClient, msg)
	case code == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", fl.ErrMessageTooLarge, msg)
	case code == http.StatusTooManyRequests, code >= http.StatusInternalServerError:
		return &fl.TransientError{Op: op, Err: fmt.Errorf("unexpected response code: %d: %s", code, msg)}
	default:
		return fmt.Errorf("%s: unexpected response code: %d: %s", op, code, msg)
	}
}
