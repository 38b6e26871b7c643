// Package client talks to the HTTP front-end of an lsmkv server.
package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/json-iterator/go"

	"lsmkv/pkg/engine"
	"lsmkv/pkg/maps"
)

const (
	defaultTimeout = 3 * time.Second

	mapsEndpoint    = "/maps"
	mapEndpoint     = "/maps/{map}"
	recordsEndpoint = "/maps/{map}/records"
	recordEndpoint  = "/maps/{map}/records/{record}"
)

var ErrServer = errors.New("server error")

type record struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

type envelope struct {
	Status  string        `json:"status"`
	Code    string        `json:"code"`
	Value   []byte        `json:"value"`
	Records []record      `json:"records"`
	Maps    []string      `json:"maps"`
	Stats   *engine.Stats `json:"stats"`
	Error   string        `json:"error"`
}

type Client struct {
	client *resty.Client
}

func New(baseURL string) *Client {
	return &Client{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(defaultTimeout).
			SetJSONMarshaler(json.Marshal).
			SetJSONUnmarshaler(json.Unmarshal),
	}
}

func (c *Client) request(ctx context.Context, env *envelope) *resty.Request {
	return c.client.R().
		SetContext(ctx).
		SetResult(env).
		SetError(env)
}

// result turns a finished call into a response code. Expected outcomes
// such as MapNotFound are codes, not errors.
func result(res *resty.Response, err error, env *envelope) (maps.ResponseCode, error) {
	if err != nil {
		return maps.Error, err
	}
	code := maps.ParseResponseCode(env.Code)
	if code == maps.Error {
		return code, fmt.Errorf("%w: %s %s: status %d: %s",
			ErrServer, res.Request.Method, res.Request.URL, res.StatusCode(), env.Error)
	}
	return code, nil
}

func (c *Client) Ping(ctx context.Context) error {
	var env envelope
	res, err := c.request(ctx, &env).Get("/health")
	_, err = result(res, err, &env)
	return err
}

func (c *Client) AddMap(ctx context.Context, name string) (maps.ResponseCode, error) {
	var env envelope
	res, err := c.request(ctx, &env).SetPathParam("map", name).Put(mapEndpoint)
	return result(res, err, &env)
}

func (c *Client) DropMap(ctx context.Context, name string) (maps.ResponseCode, error) {
	var env envelope
	res, err := c.request(ctx, &env).SetPathParam("map", name).Delete(mapEndpoint)
	return result(res, err, &env)
}

func (c *Client) ListMaps(ctx context.Context) ([]string, error) {
	var env envelope
	res, err := c.request(ctx, &env).Get(mapsEndpoint)
	if _, err := result(res, err, &env); err != nil {
		return nil, err
	}
	return env.Maps, nil
}

func (c *Client) Get(ctx context.Context, mapName string, rec []byte) ([]byte, maps.ResponseCode, error) {
	var env envelope
	res, err := c.recordRequest(ctx, &env, mapName, rec).Get(recordEndpoint)
	code, err := result(res, err, &env)
	if err != nil || code != maps.Success {
		return nil, code, err
	}
	if env.Value == nil {
		return []byte{}, code, nil
	}
	return env.Value, code, nil
}

func (c *Client) Put(ctx context.Context, mapName string, rec, value []byte) (maps.ResponseCode, error) {
	var env envelope
	res, err := c.recordRequest(ctx, &env, mapName, rec).SetBody(value).Put(recordEndpoint)
	return result(res, err, &env)
}

func (c *Client) Insert(ctx context.Context, mapName string, rec, value []byte) (maps.ResponseCode, error) {
	var env envelope
	res, err := c.recordRequest(ctx, &env, mapName, rec).SetBody(value).Post(recordEndpoint)
	return result(res, err, &env)
}

func (c *Client) Update(ctx context.Context, mapName string, rec, value []byte) (maps.ResponseCode, error) {
	var env envelope
	res, err := c.recordRequest(ctx, &env, mapName, rec).SetBody(value).Patch(recordEndpoint)
	return result(res, err, &env)
}

func (c *Client) Remove(ctx context.Context, mapName string, rec []byte) (maps.ResponseCode, error) {
	var env envelope
	res, err := c.recordRequest(ctx, &env, mapName, rec).Delete(recordEndpoint)
	return result(res, err, &env)
}

func (c *Client) recordRequest(ctx context.Context, env *envelope, mapName string, rec []byte) *resty.Request {
	return c.request(ctx, env).
		SetHeader("Content-Type", "application/octet-stream").
		SetPathParams(map[string]string{
			"map":    mapName,
			"record": string(rec),
		})
}

func (c *Client) Scan(ctx context.Context, req maps.ScanRequest) ([]maps.Record, maps.ResponseCode, error) {
	params := map[string]string{
		"start_incl": strconv.FormatBool(req.StartIncluded),
		"end_incl":   strconv.FormatBool(req.EndIncluded),
	}
	if len(req.Start) > 0 {
		params["start"] = string(req.Start)
	}
	if len(req.End) > 0 {
		params["end"] = string(req.End)
	}
	if req.MaxRecords > 0 {
		params["max_records"] = strconv.Itoa(req.MaxRecords)
	}
	if req.MaxBytes > 0 {
		params["max_bytes"] = strconv.Itoa(req.MaxBytes)
	}

	var env envelope
	res, err := c.request(ctx, &env).
		SetPathParam("map", req.Map).
		SetQueryParams(params).
		Get(recordsEndpoint)
	code, err := result(res, err, &env)
	if err != nil {
		return nil, code, err
	}

	records := make([]maps.Record, 0, len(env.Records))
	for _, r := range env.Records {
		records = append(records, maps.Record{Key: r.Key, Value: r.Value})
	}
	return records, code, nil
}

func (c *Client) Flush(ctx context.Context) error {
	var env envelope
	res, err := c.request(ctx, &env).Post("/admin/flush")
	_, err = result(res, err, &env)
	return err
}

func (c *Client) Compact(ctx context.Context) error {
	var env envelope
	res, err := c.request(ctx, &env).Post("/admin/compact")
	_, err = result(res, err, &env)
	return err
}

func (c *Client) Stats(ctx context.Context) (engine.Stats, error) {
	var env envelope
	res, err := c.request(ctx, &env).Get("/admin/stats")
	if _, err := result(res, err, &env); err != nil {
		return engine.Stats{}, err
	}
	if env.Stats == nil {
		return engine.Stats{}, fmt.Errorf("%w: stats missing from response", ErrServer)
	}
	return *env.Stats, nil
}
