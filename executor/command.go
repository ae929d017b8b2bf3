package executor

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zuul-ci/zuul-core/internal/socket"
	"github.com/zuul-ci/zuul-core/logger"
)

// CommandServer exposes the executor's administrative commands over a unix
// socket: stop, pause/unpause, graceful, verbose/unverbose, keep/nokeep and
// repl/norepl. Unknown commands are accepted and ignored, matching the
// teacher's tolerant command dispatch.
type CommandServer struct {
	exec *Executor
	log  logger.Logger
	srv  *socket.Server
}

// NewCommandServer builds (but does not start) the command socket listening
// at path.
func NewCommandServer(path string, exec *Executor, log logger.Logger) (*CommandServer, error) {
	c := &CommandServer{exec: exec, log: log}
	srv, err := socket.NewServer(path, c.router())
	if err != nil {
		return nil, err
	}
	c.srv = srv
	return c, nil
}

func (c *CommandServer) Start() error { return c.srv.Start() }

func (c *CommandServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(c.loggerMiddleware)

	r.Get("/status", c.handleStatus)

	r.Post("/stop", c.handleCommand(func() { c.exec.Stop() }))
	r.Post("/graceful", c.handleCommand(func() { c.exec.Graceful() }))
	r.Post("/pause", c.handleCommand(func() { c.exec.Pause() }))
	r.Post("/unpause", c.handleCommand(func() { c.exec.Unpause() }))
	r.Post("/verbose", c.handleCommand(func() { c.exec.SetVerbose(true) }))
	r.Post("/unverbose", c.handleCommand(func() { c.exec.SetVerbose(false) }))
	r.Post("/keep", c.handleCommand(func() { c.exec.SetKeep(true) }))
	r.Post("/nokeep", c.handleCommand(func() { c.exec.SetKeep(false) }))

	// repl/norepl toggle an interactive debug shell in the teacher; the
	// executor has no equivalent yet so these are accepted no-ops.
	r.Post("/repl", c.handleCommand(func() {}))
	r.Post("/norepl", c.handleCommand(func() {}))

	// cancel/resume act on a single build, identified in the path.
	r.Post("/builds/{id}/cancel", c.handleBuildCommand(func(id string) { c.exec.Cancel(id) }))
	r.Post("/builds/{id}/resume", c.handleBuildCommand(func(id string) { c.exec.ResumeBuild(id) }))

	// Unknown routes are matched by this catch-all so that unrecognized
	// commands are ignored rather than producing a 404 the caller has to
	// special-case.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

func (c *CommandServer) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.log != nil {
			c.log.Debug("executor command: %s %s", r.Method, r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}

func (c *CommandServer) handleCommand(fn func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *CommandServer) handleBuildCommand(fn func(id string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(chi.URLParam(r, "id"))
		w.WriteHeader(http.StatusOK)
	}
}

func (c *CommandServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"state":   string(c.exec.State()),
		"running": c.exec.activeWorkers(),
	})
}
