package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/jbweber/conduit/internal/control"
	"github.com/jbweber/conduit/internal/output"
)

// eventBuffer is how many events a slow SSE client may fall behind before
// further events for it are dropped.
const eventBuffer = 64

// SSE event names.
const (
	sseSubscribed = "subscribed"
	sseEvent      = "event"
)

var errSlowConsumer = errors.New("event stream client is not keeping up")

type response struct {
	Ok    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type monitorRequest struct {
	Command string `json:"command" binding:"required"`
	HMP     bool   `json:"hmp"`
}

type agentRequest struct {
	Command string `json:"command" binding:"required"`
	// Timeout in seconds; nil means the daemon default.
	Timeout *int `json:"timeout"`
}

type subscribedResponse struct {
	ID int `json:"id"`
}

type API struct {
	ctl Controller
	log logr.Logger
}

func NewAPI(ctl Controller, log logr.Logger) *API {
	return &API{ctl: ctl, log: log}
}

// RegisterRoutes mounts the API. /ping is always public; the /v1 group is
// wrapped in auth when it is non-nil.
func (a *API) RegisterRoutes(router *gin.Engine, auth gin.HandlerFunc) {
	router.GET("/ping", a.ping)

	v1 := router.Group("/v1")
	if auth != nil {
		v1.Use(auth)
	}
	v1.GET("/domains/:domain", a.inspect)
	v1.POST("/domains/:domain/monitor", a.monitor)
	v1.POST("/domains/:domain/agent", a.agent)
	v1.GET("/events", a.events)
}

func (a *API) ping(c *gin.Context) {
	c.JSON(http.StatusOK, response{Ok: true})
}

func (a *API) inspect(c *gin.Context) {
	domain := c.Param("domain")

	info, err := a.ctl.Inspect(c.Request.Context(), domain)
	if err != nil {
		a.fail(c, "inspect", err)
		return
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: info})
}

func (a *API) monitor(c *gin.Context) {
	domain := c.Param("domain")

	var req monitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.log.Info("monitor: invalid payload", "domain", domain, "error", err.Error())
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}

	flags := control.MonitorCommandDefault
	if req.HMP {
		flags = control.MonitorCommandHMP
	}

	result, err := a.ctl.MonitorCommand(c.Request.Context(), domain, req.Command, flags)
	if err != nil {
		a.fail(c, "monitor", err)
		return
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: output.Result{Domain: domain, Command: req.Command, Result: result}})
}

func (a *API) agent(c *gin.Context) {
	domain := c.Param("domain")

	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.log.Info("agent: invalid payload", "domain", domain, "error", err.Error())
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}

	timeout := control.AgentTimeoutDefault
	if req.Timeout != nil {
		timeout = *req.Timeout
	}

	result, err := a.ctl.AgentCommand(c.Request.Context(), domain, req.Command, timeout)
	if err != nil {
		a.fail(c, "agent", err)
		return
	}
	c.JSON(http.StatusOK, response{Ok: true, Data: output.Result{Domain: domain, Command: req.Command, Result: result}})
}

// events streams monitor events as server-sent events. The subscription
// lives exactly as long as the request.
func (a *API) events(c *gin.Context) {
	ctx := c.Request.Context()
	domain := c.Query("domain")
	event := c.Query("event")

	var flags uint32
	for name, bit := range map[string]uint32{"regex": control.EventRegex, "nocase": control.EventNoCase} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		on, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, response{Ok: false, Error: "invalid " + name + " parameter: " + raw})
			return
		}
		if on {
			flags |= bit
		}
	}

	records := make(chan *output.EventRecord, eventBuffer)
	handler := func(ev *control.Event) error {
		select {
		case records <- output.NewEventRecord(ev):
			return nil
		default:
			return errSlowConsumer
		}
	}

	id, err := a.ctl.Subscribe(ctx, domain, event, flags, handler)
	if err != nil {
		a.fail(c, "events", err)
		return
	}
	defer func() {
		// The request context is already done here.
		unsubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.ctl.Unsubscribe(unsubCtx, id); err != nil {
			a.log.Error(err, "failed to remove event subscription", "callbackID", id)
		}
	}()

	a.log.Info("event stream opened", "callbackID", id, "domain", domain, "event", event)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent(sseSubscribed, subscribedResponse{ID: id})
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case rec := <-records:
			c.SSEvent(sseEvent, rec)
			return true
		}
	})

	a.log.Info("event stream closed", "callbackID", id)
}

func (a *API) fail(c *gin.Context, op string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error(err, op+" failed", "domain", c.Param("domain"), "status", status)
	} else {
		a.log.Info(op+" rejected", "domain", c.Param("domain"), "status", status, "error", err.Error())
	}
	c.JSON(status, response{Ok: false, Error: err.Error()})
}
