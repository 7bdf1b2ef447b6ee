package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"

	"github.com/benchd/benchd/bench"
)

// ~2min total of trying with exponential backoff.
const defaultHTTPTries = 7

// Client talks to one benchd server. Idempotent reads retry transparently;
// mutations are sent exactly once, since the server does not deduplicate.
type Client struct {
	base string
	get  *pester.Client
	post *http.Client
}

func NewClient(addr string) *Client {
	get := pester.New()
	get.Backoff = pester.ExponentialBackoff
	get.MaxRetries = defaultHTTPTries
	get.LogHook = func(e pester.ErrEntry) {
		log.Debugf("Retrying after failed attempt: %+v", e)
	}
	return &Client{
		base: "http://" + addr,
		get:  get,
		post: &http.Client{},
	}
}

// WaitForServer pings until the server answers or the timeout runs out.
func (c *Client) WaitForServer(timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout
	return backoff.Retry(c.Ping, b)
}

func (c *Client) Ping() error {
	return c.postJSON("/api/ping", struct{}{}, &struct{}{})
}

func (c *Client) AddMachine(addr string, classes []string) error {
	return c.postJSON("/api/machines", AddMachineReq{Addr: addr, Classes: classes}, &struct{}{})
}

func (c *Client) ListMachines() ([]MachineStatus, error) {
	var out []MachineStatus
	err := c.getJSON("/api/machines", &out)
	return out, err
}

func (c *Client) RemoveMachine(addr string, force bool) error {
	path := "/api/machines/" + url.PathEscape(addr)
	if force {
		path += "?force=true"
	}
	return c.del(path)
}

func (c *Client) SetupMachine(addr string, classes, cmds []string) (uint64, error) {
	var out SetupResp
	path := "/api/machines/" + url.PathEscape(addr) + "/setup"
	err := c.postJSON(path, SetupReq{Classes: classes, Cmds: cmds}, &out)
	return out.SetupID, err
}

func (c *Client) SetupStatus(id uint64) (SetupStatus, error) {
	var out SetupStatus
	err := c.getJSON("/api/setups/"+strconv.FormatUint(id, 10), &out)
	return out, err
}

func (c *Client) SetupOutput(id uint64, step int) (string, error) {
	return c.getText("/api/setups/" + strconv.FormatUint(id, 10) + "/output/" + strconv.Itoa(step))
}

func (c *Client) SetVar(name, value string) error {
	return c.postJSON("/api/vars", VarReq{Name: name, Value: value}, &struct{}{})
}

func (c *Client) Vars() (map[string]string, error) {
	var out VarsResp
	err := c.getJSON("/api/vars", &out)
	return out.Vars, err
}

func (c *Client) AddJob(class, cmd, resultsDir string) (uint64, error) {
	var out JobResp
	err := c.postJSON("/api/jobs", JobReq{Class: class, Cmd: cmd, ResultsDir: resultsDir}, &out)
	return out.JobID, err
}

func (c *Client) ListJobs(class, state string) ([]JobStatus, error) {
	query := url.Values{}
	if class != "" {
		query.Set("class", class)
	}
	if state != "" {
		query.Set("state", state)
	}
	path := "/api/jobs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out []JobStatus
	err := c.getJSON(path, &out)
	return out, err
}

func (c *Client) JobStatus(jid uint64) (JobStatus, error) {
	var out JobStatus
	err := c.getJSON("/api/jobs/"+strconv.FormatUint(jid, 10), &out)
	return out, err
}

func (c *Client) CancelJob(jid uint64) error {
	return c.postJSON("/api/jobs/"+strconv.FormatUint(jid, 10)+"/cancel", struct{}{}, &struct{}{})
}

func (c *Client) CloneJob(jid uint64) (uint64, error) {
	var out JobResp
	err := c.postJSON("/api/jobs/"+strconv.FormatUint(jid, 10)+"/clone", struct{}{}, &out)
	return out.JobID, err
}

func (c *Client) DeleteJob(jid uint64) error {
	return c.del("/api/jobs/" + strconv.FormatUint(jid, 10))
}

func (c *Client) JobOutput(jid uint64) (string, error) {
	return c.getText("/api/jobs/" + strconv.FormatUint(jid, 10) + "/output")
}

func (c *Client) AddMatrix(class, cmd string, params []bench.Param, resultsDir string) (MatrixResp, error) {
	var out MatrixResp
	err := c.postJSON("/api/matrices", MatrixReq{Class: class, Cmd: cmd, Params: params, ResultsDir: resultsDir}, &out)
	return out, err
}

func (c *Client) MatrixStatus(id uint64) (MatrixStatus, error) {
	var out MatrixStatus
	err := c.getJSON("/api/matrices/"+strconv.FormatUint(id, 10), &out)
	return out, err
}

func (c *Client) getJSON(path string, into interface{}) error {
	resp, err := c.get.Get(c.base + path)
	if err != nil {
		return err
	}
	return decodeResponse(resp, into)
}

func (c *Client) getText(path string) (string, error) {
	resp, err := c.get.Get(c.base + path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", remoteError(resp.StatusCode, body)
	}
	return string(body), nil
}

func (c *Client) postJSON(path string, req, into interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := c.post.Post(c.base+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	return decodeResponse(resp, into)
}

func (c *Client) del(path string) error {
	req, err := http.NewRequest("DELETE", c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.post.Do(req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, &struct{}{})
}

func decodeResponse(resp *http.Response, into interface{}) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return remoteError(resp.StatusCode, body)
	}
	return json.Unmarshal(body, into)
}

func remoteError(status int, body []byte) error {
	var envelope ErrorBody
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		return &RemoteError{Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return fmt.Errorf("server returned %d: %s", status, body)
}
