package api

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"fleetboard/domain"
)

const moveRequestMaxSize = 4 * 1024

// Store is the work-order persistence the handlers need. *storage.Cache implements it.
type Store interface {
	ListWorkOrders(ctx context.Context, boardID string) ([]domain.WorkOrder, error)
	GetWorkOrder(ctx context.Context, boardID, id string) (domain.WorkOrder, string, error)
	UpdateWorkOrder(ctx context.Context, wo domain.WorkOrder, etag string) error
	EnqueueEvent(ctx context.Context, ev domain.BoardUpdateEvent) error
}

type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper remembers client request ids. *RedisDeduper implements it.
type Deduper interface {
	Add(ctx context.Context, boardID, requestID string) (bool, error)
	Remove(ctx context.Context, boardID, requestID string) error
}

// Publisher broadcasts applied board updates. *stream.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, ev domain.BoardUpdateEvent) error
}

// Deps groups the collaborators of the REST handlers.
type Deps struct {
	Store     Store
	Auth      Authenticator
	Deduper   Deduper
	Publisher Publisher

	// Health reports whether backing services are reachable.
	Health func(ctx context.Context) error
	Logger *log.Logger
	Now    func() time.Time
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	e.GET("/work-orders", listWorkOrders(d))
	e.PATCH("/work-orders/:id/status", moveWorkOrder(d))
	e.GET("/healthz", healthz(d))
}

type workOrdersResponse struct {
	WorkOrders []domain.WorkOrder `json:"workOrders"`
}

func healthz(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if d.Health != nil {
			if err := d.Health(c.Request().Context()); err != nil {
				d.Logger.WithError(err).Warn("health check failed")
				return c.String(http.StatusServiceUnavailable, "unhealthy")
			}
		}
		return c.NoContent(http.StatusOK)
	}
}

func listWorkOrders(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics, ctx := newRequestMetrics(c.Request().Context(), d.Logger, "work_orders.list", "/work-orders")
		status, cause := http.StatusOK, error(nil)
		defer func() { metrics.Log(status, cause) }()

		authStart := time.Now()
		_, err := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if err != nil {
			metrics.SetErrorStage("auth")
			status = http.StatusUnauthorized
			return c.String(status, err.Error())
		}
		boardID := c.QueryParam("boardId")
		if boardID == "" {
			metrics.SetErrorStage("validate")
			status = http.StatusBadRequest
			return c.String(status, "missing boardId")
		}
		metrics.Set(attribute.String("fleetboard.board_id", boardID))

		storeStart := time.Now()
		items, err := d.Store.ListWorkOrders(ctx, boardID)
		metrics.ObserveStore(time.Since(storeStart))
		if err != nil {
			metrics.SetErrorStage("storage")
			status, cause = http.StatusInternalServerError, err
			return c.String(status, "failed to load work orders")
		}
		sortSnapshot(items)
		metrics.Set(attribute.Int("fleetboard.work_orders_returned", len(items)))
		return c.JSON(status, workOrdersResponse{WorkOrders: items})
	}
}

// sortSnapshot orders items by column, then position, then creation time.
func sortSnapshot(items []domain.WorkOrder) {
	rank := make(map[domain.Status]int, len(domain.Statuses))
	for i, st := range domain.Statuses {
		rank[st] = i
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if rank[a.Status] != rank[b.Status] {
			return rank[a.Status] < rank[b.Status]
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func moveWorkOrder(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics, ctx := newRequestMetrics(c.Request().Context(), d.Logger, "work_orders.move", "/work-orders/:id/status")
		status, cause := http.StatusOK, error(nil)
		defer func() { metrics.Log(status, cause) }()

		authStart := time.Now()
		userID, err := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if err != nil {
			metrics.SetErrorStage("auth")
			status = http.StatusUnauthorized
			return c.String(status, err.Error())
		}

		id := c.Param("id")
		var req domain.MoveRequest
		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, moveRequestMaxSize))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			metrics.SetErrorStage("decode")
			status = http.StatusBadRequest
			return c.String(status, "invalid body")
		}
		if msg := validateMove(id, req); msg != "" {
			metrics.SetErrorStage("validate")
			status = http.StatusBadRequest
			return c.String(status, msg)
		}
		metrics.Set(
			attribute.String("fleetboard.board_id", req.BoardID),
			attribute.String("fleetboard.work_order_id", id),
		)
		logger := d.Logger.WithFields(log.Fields{
			"board":             req.BoardID,
			"work_order":        id,
			"user":              userID,
			"client_request_id": req.ClientRequestID,
		})

		if req.ClientRequestID != "" {
			added, err := d.Deduper.Add(ctx, req.BoardID, req.ClientRequestID)
			if err != nil {
				metrics.SetErrorStage("dedupe")
				status, cause = http.StatusInternalServerError, err
				return c.String(status, "failed to record request")
			}
			if !added {
				metrics.Set(attribute.Bool("fleetboard.replayed", true))
				logger.Info("replayed move ignored")
				return c.NoContent(status)
			}
		}

		ev, stage, err := applyMove(ctx, d, metrics, id, req)
		if err != nil {
			if req.ClientRequestID != "" {
				if rerr := d.Deduper.Remove(ctx, req.BoardID, req.ClientRequestID); rerr != nil {
					logger.WithError(rerr).Warn("failed to forget request id")
				}
			}
			metrics.SetErrorStage(stage)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				status = http.StatusNotFound
				return c.String(status, "work order not found")
			case errors.Is(err, domain.ErrMoveConflict):
				status = http.StatusConflict
				logger.WithError(err).Info("move rejected")
				return c.String(status, err.Error())
			}
			status, cause = http.StatusInternalServerError, err
			return c.String(status, "failed to move work order")
		}

		publishStart := time.Now()
		if err := d.Publisher.Publish(ctx, ev); err != nil {
			logger.WithError(err).Error("publish board update")
		}
		if err := d.Store.EnqueueEvent(ctx, ev); err != nil {
			logger.WithError(err).Error("enqueue board update")
		}
		metrics.ObservePublish(time.Since(publishStart))
		logger.WithFields(log.Fields{"event_id": ev.EventID, "to_status": ev.ToStatus, "position": ev.Position}).Debug("work order moved")
		return c.JSON(status, ev)
	}
}

func validateMove(id string, req domain.MoveRequest) string {
	switch {
	case id == "":
		return "missing work order id"
	case req.BoardID == "":
		return "missing boardId"
	case !req.Status.Valid():
		return domain.ErrInvalidStatus.Error()
	case math.IsNaN(req.Position) || math.IsInf(req.Position, 0):
		return "invalid position"
	}
	return ""
}

// applyMove writes the new status and position and returns the event that
// announces it. The move conflicts when another work order already holds the
// exact destination slot or when the row changed since it was read.
func applyMove(ctx context.Context, d Deps, metrics *requestMetrics, id string, req domain.MoveRequest) (domain.BoardUpdateEvent, string, error) {
	start := time.Now()
	defer func() { metrics.ObserveStore(time.Since(start)) }()

	current, etag, err := d.Store.GetWorkOrder(ctx, req.BoardID, id)
	if err != nil {
		return domain.BoardUpdateEvent{}, "load", err
	}
	siblings, err := d.Store.ListWorkOrders(ctx, req.BoardID)
	if err != nil {
		return domain.BoardUpdateEvent{}, "load", err
	}
	for _, wo := range siblings {
		if wo.ID != id && wo.Status == req.Status && wo.Position == req.Position {
			return domain.BoardUpdateEvent{}, "conflict", domain.ErrMoveConflict
		}
	}

	now := d.Now().UTC()
	current.Status = req.Status
	current.Position = req.Position
	current.UpdatedAt = now
	if err := d.Store.UpdateWorkOrder(ctx, current, etag); err != nil {
		return domain.BoardUpdateEvent{}, "update", err
	}

	ev := domain.BoardUpdateEvent{
		Type:        domain.EventWorkOrderUpdated,
		EventID:     uuid.NewString(),
		BoardID:     req.BoardID,
		WorkOrderID: id,
		ToStatus:    req.Status,
		Position:    req.Position,
		UpdatedAt:   now,
	}
	if req.ClientRequestID != "" {
		reqID := req.ClientRequestID
		ev.ClientRequestID = &reqID
	}
	return ev, "", nil
}
