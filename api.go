package main

import (
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/ilievs/homesync/core"
	"github.com/ilievs/homesync/mqtt"
	"github.com/ilievs/homesync/relay"
	"github.com/ilievs/homesync/ws"
)

type deviceRequest struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	RoomID string  `json:"roomId"`
	IsOn   bool    `json:"isOn"`
	Value  *string `json:"value"`
}

type valueRequest struct {
	Value string `json:"value"`
}

type commandResponse struct {
	Device    core.Device `json:"device"`
	SendError string      `json:"sendError,omitempty"`
}

type connectionResponse struct {
	relay.Status
	Role          string `json:"role"`
	Target        string `json:"target"`
	Transport     string `json:"transport"`
	LastSendError string `json:"lastSendError,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

var (
	entropyMutex sync.Mutex
	entropy      = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func newDeviceID() string {
	entropyMutex.Lock()
	defer entropyMutex.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

func newServer(a *App) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				a.logger.LogAttrs(c.Request().Context(), slog.LevelWarn, "request failed",
					slog.Any("error", v.Error), slog.Group("request", attrs...))
				return nil
			}
			a.logger.Debug("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	if a.cfg.HTTP.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(a.cfg.HTTP.RateLimit),
				Burst:     a.cfg.HTTP.Burst,
				ExpiresIn: 3 * time.Minute,
			},
		)))
	}

	// Routes
	api := e.Group("/api")
	api.GET("/devices", a.listDevices)
	api.GET("/devices/:id", a.getDevice)
	api.POST("/devices", a.createDevice, a.hubOnly)
	api.POST("/devices/:id/toggle", a.toggleDevice)
	api.PUT("/devices/:id/value", a.setDeviceValue)
	api.DELETE("/devices/:id", a.deleteDevice, a.hubOnly)
	api.GET("/rooms", a.listRooms)

	api.GET("/connection", a.connectionStatus)
	api.POST("/connection/connect", a.connectPeer)
	api.POST("/connection/retry", a.retryPeer)
	api.POST("/connection/disconnect", a.disconnectPeer)

	api.GET("/esp32", a.controllerStatus)

	if a.acceptor != nil {
		e.GET(ws.PeerPath, echo.WrapHandler(a.acceptor))
	}
	return e
}

func (a *App) hubOnly(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if a.orchestrator.Role() != relay.RoleHub {
			return c.JSON(http.StatusForbidden, errorResponse{Error: "only the hub edits the device list"})
		}
		return next(c)
	}
}

func (a *App) listDevices(c echo.Context) error {
	if room := c.QueryParam("room"); room != "" {
		return c.JSON(http.StatusOK, a.store.ByRoom(room))
	}
	return c.JSON(http.StatusOK, a.store.Snapshot())
}

func (a *App) getDevice(c echo.Context) error {
	device, ok := a.store.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "device not found"})
	}
	return c.JSON(http.StatusOK, device)
}

func (a *App) createDevice(c echo.Context) error {
	req := new(deviceRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	deviceType, err := core.ParseDeviceType(req.Type)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if strings.TrimSpace(req.Name) == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "name is required"})
	}

	device := core.Device{
		ID:     req.ID,
		Name:   req.Name,
		Type:   deviceType,
		RoomID: req.RoomID,
		IsOn:   req.IsOn,
		Value:  req.Value,
	}
	if device.ID == "" {
		device.ID = newDeviceID()
	}
	status := http.StatusCreated
	if _, exists := a.store.Get(device.ID); exists {
		status = http.StatusOK
	}
	a.orchestrator.Upsert(device)
	return c.JSON(status, device)
}

func (a *App) toggleDevice(c echo.Context) error {
	id := c.Param("id")
	err := a.orchestrator.Toggle(c.Request().Context(), id)
	return a.commandResult(c, id, err)
}

func (a *App) setDeviceValue(c echo.Context) error {
	req := new(valueRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	id := c.Param("id")
	err := a.orchestrator.SetValue(c.Request().Context(), id, req.Value)
	return a.commandResult(c, id, err)
}

// commandResult reports the device after a local command. A failed send
// leaves the local change in place, so it is not an HTTP error.
func (a *App) commandResult(c echo.Context, id string, err error) error {
	if errors.Is(err, relay.ErrUnknownDevice) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "device not found"})
	}
	device, _ := a.store.Get(id)
	resp := commandResponse{Device: device}
	if err != nil {
		resp.SendError = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *App) deleteDevice(c echo.Context) error {
	if !a.orchestrator.Remove(c.Param("id")) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "device not found"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) listRooms(c echo.Context) error {
	return c.JSON(http.StatusOK, core.DefaultRooms())
}

func (a *App) connection() connectionResponse {
	resp := connectionResponse{
		Status:    a.orchestrator.Status(),
		Role:      a.orchestrator.Role().String(),
		Target:    a.cfg.Peer.Target,
		Transport: a.cfg.Peer.Transport,
	}
	if err := a.orchestrator.LastSendError(); err != nil {
		resp.LastSendError = err.Error()
	}
	return resp
}

func (a *App) connectionStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, a.connection())
}

func (a *App) connectPeer(c echo.Context) error {
	return a.connectResult(c, a.orchestrator.Connect(c.Request().Context()))
}

func (a *App) retryPeer(c echo.Context) error {
	return a.connectResult(c, a.orchestrator.Retry(c.Request().Context()))
}

func (a *App) connectResult(c echo.Context, err error) error {
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, a.connection())
	case errors.Is(err, relay.ErrInvalidState):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		return c.JSON(http.StatusBadGateway, a.connection())
	}
}

func (a *App) disconnectPeer(c echo.Context) error {
	if err := a.orchestrator.Disconnect(); err != nil {
		a.logger.Warn("disconnect", "error", err)
	}
	return c.JSON(http.StatusOK, a.connection())
}

func (a *App) controllerStatus(c echo.Context) error {
	if a.bridge == nil {
		return c.JSON(http.StatusOK, mqtt.BridgeStatus{Devices: []mqtt.ControllerDevice{}})
	}
	return c.JSON(http.StatusOK, a.bridge.Status())
}
