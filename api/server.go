package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	uuid "github.com/nu7hatch/gouuid"
	log "github.com/sirupsen/logrus"

	"github.com/benchd/benchd/bench"
	"github.com/benchd/benchd/common/stats"
	"github.com/benchd/benchd/scheduler"
)

// Server translates requests into scheduler operations. It also carries the
// operational endpoints every benchd process exposes: /health and
// /admin/metrics.json.
type Server struct {
	addr   string
	sched  *scheduler.Scheduler
	stat   stats.StatsReceiver
	router chi.Router
}

func NewServer(addr string, sched *scheduler.Scheduler, stat stats.StatsReceiver) *Server {
	s := &Server{addr: addr, sched: sched, stat: stat.Scope("api")}

	r := chi.NewRouter()
	r.Get("/health", s.health)
	r.Get("/admin/metrics.json", s.metrics)
	r.Route("/api", func(r chi.Router) {
		r.Post("/ping", s.ping)

		r.Post("/machines", s.addMachine)
		r.Get("/machines", s.listMachines)
		r.Delete("/machines/{addr}", s.removeMachine)
		r.Post("/machines/{addr}/setup", s.setupMachine)
		r.Get("/setups/{id}", s.setupStatus)
		r.Get("/setups/{id}/output/{step}", s.setupOutput)

		r.Post("/vars", s.setVar)
		r.Get("/vars", s.vars)

		r.Post("/jobs", s.addJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{jid}", s.jobStatus)
		r.Post("/jobs/{jid}/cancel", s.cancelJob)
		r.Post("/jobs/{jid}/clone", s.cloneJob)
		r.Delete("/jobs/{jid}", s.deleteJob)
		r.Get("/jobs/{jid}/output", s.jobOutput)

		r.Post("/matrices", s.addMatrix)
		r.Get("/matrices/{id}", s.matrixStatus)
	})
	s.router = r
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Serve() error {
	log.Infof("Serving api & stats on %s", s.addr)
	return http.ListenAndServe(s.addr, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	pretty := r.URL.Query().Get("pretty") == "true"
	if _, err := io.Copy(w, bytes.NewBuffer(s.stat.Render(pretty))); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, struct{}{})
}

//
// Machines.
//

func (s *Server) addMachine(w http.ResponseWriter, r *http.Request) {
	var req AddMachineReq
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.sched.AddMachine(req.Addr, req.Classes); err != nil {
		s.replyErr(w, r, err)
		return
	}
	s.reply(w, r, struct{}{})
}

func (s *Server) listMachines(w http.ResponseWriter, r *http.Request) {
	machines := s.sched.ListMachines()
	out := make([]MachineStatus, 0, len(machines))
	for _, m := range machines {
		out = append(out, machineStatusOf(m))
	}
	s.reply(w, r, out)
}

func (s *Server) removeMachine(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := s.sched.RemoveMachine(chi.URLParam(r, "addr"), force); err != nil {
		s.replyErr(w, r, err)
		return
	}
	s.reply(w, r, struct{}{})
}

func (s *Server) setupMachine(w http.ResponseWriter, r *http.Request) {
	var req SetupReq
	if !s.decode(w, r, &req) {
		return
	}
	sid, err := s.sched.SetupMachine(chi.URLParam(r, "addr"), req.Classes, req.Cmds)
	if err != nil {
		s.replyErr(w, r, err)
		return
	}
	s.reply(w, r, SetupResp{SetupID: uint64(sid)})
}

func (s *Server) setupStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uintParam(w, r, "id")
	if !ok {
		return
	}
	task, err := s.sched.SetupStatus(bench.SetupID(id))
	if err != nil {
		s.replyErr(w, r, err)
		return
	}
	s.reply(w, r, setupStatusOf(task))
}

func (s *Server) setupOutput(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uintParam(w, r, "id")
	if !ok {
		return
	}
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil {
		s.replyErr(w, r, bench.NewInvalidRequestError("bad step %q", chi.URLParam(r, "step")))
		return
	}
	data, err := s.sched.SetupOutput(bench.SetupID(id), step)
	if err != nil {
		s.replyErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(data)
}

//
// Variables.
//

func (s *Server) setVar(w http.ResponseWriter, r *http.Request) {
	var req VarReq
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.sched.SetVar(req.Name, req.Value); err != nil {
		s.replyErr(w, r, err)
		return
	}
	s.reply(w, r, struct{}{})
}

func (s *Server) vars(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, VarsResp{Vars: s.sched.Vars()})
}

//
// Jobs.
//

func (s *Server) addJob(w http.ResponseWriter, r *http.Request) {
	var req JobReq
	if !s.decode(w, r, &req) {
		return
	}
	jid, err := s.sched.AddJob(bench.JobDefinition{Class: req.Class, Cmd: req.Cmd, ResultsDir: req.ResultsDir})
	if err != nil {
		s.replyErr(w, r, err)
		return
	}
	s.reply(w, r, JobResp{JobID: uint64(jid)})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := scheduler.Filter{Class: r.URL.Query().Get("class")}
	if name := r.URL.Query().Get("state"); name != "" {
		status, ok := bench.ParseStatus(name)
		if !ok {
			s.replyErr(w, r, bench.NewInvalidRequestError("unknown state %q", name))
			return
		}
		filter.Status = &status
	}
	jobs := s.sched.ListJobs(filter)
	out := make([]JobStatus, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobStatusOf(job, ""))
	}
	s.reply(w, r, out)
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jid, ok := s.uintParam(w, r, "jid")
	if !ok {
		return
	}
	job, reason, err := s.sched.JobStatus(bench.JobID(jid))
	if err != nil {
		s.replyErr(w, r, err)
		return
	}
	s.reply(w, r, jobStatusOf(job, reason))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jid, ok := s.uintParam(w, r, "jid")
	if !ok {
		return
	}
	if err := s.sched.CancelJob(bench.JobID(jid)); err != nil {
		s.replyErr(w, r, err)
		return
	}
	s.reply(w, r, struct{}{})
}

func (s *Server) cloneJob(w http.ResponseWriter, r *http.Request) {
	jid, ok := s.uintParam(w, r, "jid")
	if !ok {
		return
	}
	clone, err := s.sched.CloneJob(bench.JobID(jid))
	if err != nil {
		s.replyErr(w, r, err)
		return
	}
	s.reply(w, r, JobResp{JobID: uint64(clone)})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jid, ok := s.uintParam(w, r, "jid")
	if !ok {
		return
	}
	if err := s.sched.DeleteJob(bench.JobID(jid)); err != nil {
		s.replyErr(w, r, err)
		return
	}
	s.reply(w, r, struct{}{})
}

func (s *Server) jobOutput(w http.ResponseWriter, r *http.Request) {
	jid, ok := s.uintParam(w, r, "jid")
	if !ok {
		return
	}
	data, err := s.sched.JobOutput(bench.JobID(jid))
	if err != nil {
		s.replyErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(data)
}

//
// Matrices.
//

func (s *Server) addMatrix(w http.ResponseWriter, r *http.Request) {
	var req MatrixReq
	if !s.decode(w, r, &req) {
		return
	}
	mid, jids, err := s.sched.AddMatrix(req.Class, req.Cmd, req.Params, req.ResultsDir)
	if err != nil {
		s.replyErr(w, r, err)
		return
	}
	s.reply(w, r, MatrixResp{MatrixID: uint64(mid), JobIDs: jobIDs(jids)})
}

func (s *Server) matrixStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.uintParam(w, r, "id")
	if !ok {
		return
	}
	m, counts, err := s.sched.MatrixStatus(bench.MatrixID(id))
	if err != nil {
		s.replyErr(w, r, err)
		return
	}
	named := make(map[string]int, len(counts))
	for status, n := range counts {
		named[status.String()] = n
	}
	s.reply(w, r, MatrixStatus{
		MatrixID: uint64(m.ID),
		Class:    m.Class,
		Cmd:      m.Cmd,
		Params:   m.Params,
		JobIDs:   jobIDs(m.JobIDs),
		Counts:   named,
	})
}

//
// Plumbing.
//

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.replyErr(w, r, bench.NewInvalidRequestError("bad request body: %v", err))
		return false
	}
	return true
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, body interface{}) {
	s.stat.Counter("requestsCounter").Inc(1)
	log.Debugf("Request %s %s %s ok", requestID(), r.Method, r.URL.Path)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(body)
}

func (s *Server) replyErr(w http.ResponseWriter, r *http.Request, err error) {
	code, status := errCode(err)
	s.stat.Counter("requestErrorsCounter").Inc(1)
	log.Infof("Request %s %s %s failed (%s): %v", requestID(), r.Method, r.URL.Path, code, err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorBody{Error: ErrorInfo{Code: code, Message: err.Error()}})
}

func (s *Server) uintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.replyErr(w, r, bench.NewInvalidRequestError("bad id %q", raw))
		return 0, false
	}
	return id, true
}

// errCode maps domain errors to wire codes and HTTP statuses.
func errCode(err error) (string, int) {
	switch err.(type) {
	case bench.InvalidRequestError:
		return CodeBadRequest, http.StatusBadRequest
	case bench.InvalidStateError:
		return CodeInvalidState, http.StatusConflict
	case bench.MachineBusyError:
		return CodeMachineBusy, http.StatusConflict
	case bench.NoSuchJobError:
		return CodeNoSuchJob, http.StatusNotFound
	case bench.NoSuchMachineError:
		return CodeNoSuchMachine, http.StatusNotFound
	case bench.NoSuchMatrixError:
		return CodeNoSuchMatrix, http.StatusNotFound
	case bench.NoSuchSetupError:
		return CodeNoSuchSetup, http.StatusNotFound
	}
	return CodeInternal, http.StatusInternalServerError
}

func requestID() string {
	if id, err := uuid.NewV4(); err == nil {
		return id.String()
	}
	return "unknown"
}

func jobIDs(jids []bench.JobID) []uint64 {
	out := make([]uint64, 0, len(jids))
	for _, jid := range jids {
		out = append(out, uint64(jid))
	}
	return out
}
