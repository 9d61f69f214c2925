package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"fleetboard/domain"
)

type tableClient interface {
	NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	GetEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, o *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage keeps work orders in an Azure table partitioned by board and
// forwards applied board updates to an Azure queue.
type Storage struct {
	workOrders tableClient
	events     queueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, workOrdersTable, eventsQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, fmt.Errorf("tables client: %w", err)
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Minute,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, fmt.Errorf("queue client: %w", err)
	}
	return &Storage{workOrders: svc.NewClient(workOrdersTable), events: q}, nil
}

// workOrderEntity is a work order row. Position is tagged Edm.Double so
// integral positions are not stored as Int32.
type workOrderEntity struct {
	aztables.Entity
	Title        string  `json:"Title"`
	VehicleID    string  `json:"VehicleId"`
	Assignee     string  `json:"Assignee"`
	Status       string  `json:"Status"`
	Position     float64 `json:"Position"`
	PositionType string  `json:"Position@odata.type"`
	CreatedAt    string  `json:"CreatedAt"`
	UpdatedAt    string  `json:"UpdatedAt"`
}

func encodeWorkOrder(wo domain.WorkOrder) ([]byte, error) {
	ent := workOrderEntity{
		Entity:       aztables.Entity{PartitionKey: wo.BoardID, RowKey: wo.ID},
		Title:        wo.Title,
		VehicleID:    wo.VehicleID,
		Assignee:     wo.Assignee,
		Status:       string(wo.Status),
		Position:     wo.Position,
		PositionType: "Edm.Double",
		CreatedAt:    formatTime(wo.CreatedAt),
		UpdatedAt:    formatTime(wo.UpdatedAt),
	}
	return sonic.ConfigStd.Marshal(ent)
}

func decodeWorkOrder(data []byte) (domain.WorkOrder, error) {
	var ent workOrderEntity
	if err := sonic.ConfigStd.Unmarshal(data, &ent); err != nil {
		return domain.WorkOrder{}, fmt.Errorf("decode work order entity: %w", err)
	}
	return domain.WorkOrder{
		ID:        ent.RowKey,
		BoardID:   ent.PartitionKey,
		Title:     ent.Title,
		VehicleID: ent.VehicleID,
		Assignee:  ent.Assignee,
		Status:    domain.Status(ent.Status),
		Position:  ent.Position,
		CreatedAt: parseTime(ent.CreatedAt),
		UpdatedAt: parseTime(ent.UpdatedAt),
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// boardFilter builds an OData filter for one partition, doubling quotes.
func boardFilter(boardID string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(boardID, "'", "''") + "'"
}

// ListWorkOrders returns every work order of a board.
func (s *Storage) ListWorkOrders(ctx context.Context, boardID string) ([]domain.WorkOrder, error) {
	filter := boardFilter(boardID)
	pager := s.workOrders.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []domain.WorkOrder{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		for _, e := range resp.Entities {
			wo, err := decodeWorkOrder(e)
			if err != nil {
				return nil, err
			}
			out = append(out, wo)
		}
	}
	return out, nil
}

// GetWorkOrder returns a work order with the ETag needed to update it.
func (s *Storage) GetWorkOrder(ctx context.Context, boardID, id string) (domain.WorkOrder, string, error) {
	resp, err := s.workOrders.GetEntity(ctx, boardID, id, nil)
	if err != nil {
		return domain.WorkOrder{}, "", mapError(err)
	}
	wo, err := decodeWorkOrder(resp.Value)
	if err != nil {
		return domain.WorkOrder{}, "", err
	}
	return wo, string(resp.ETag), nil
}

// UpdateWorkOrder replaces a work order if it still carries etag. A lost race
// is reported as domain.ErrMoveConflict.
func (s *Storage) UpdateWorkOrder(ctx context.Context, wo domain.WorkOrder, etag string) error {
	data, err := encodeWorkOrder(wo)
	if err != nil {
		return err
	}
	opts := &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace}
	if etag != "" {
		tag := azcore.ETag(etag)
		opts.IfMatch = &tag
	}
	if _, err := s.workOrders.UpdateEntity(ctx, data, opts); err != nil {
		return mapError(err)
	}
	return nil
}

// UpsertWorkOrder writes a work order unconditionally. It is used for seeding.
func (s *Storage) UpsertWorkOrder(ctx context.Context, wo domain.WorkOrder) error {
	data, err := encodeWorkOrder(wo)
	if err != nil {
		return err
	}
	if _, err := s.workOrders.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return mapError(err)
	}
	return nil
}

// EnqueueEvent hands an applied board update to downstream consumers.
func (s *Storage) EnqueueEvent(ctx context.Context, ev domain.BoardUpdateEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := s.events.EnqueueMessage(ctx, string(data), nil); err != nil {
		return fmt.Errorf("enqueue board event %s: %w", ev.EventID, err)
	}
	return nil
}

func mapError(err error) error {
	var re *azcore.ResponseError
	if !errors.As(err, &re) {
		return err
	}
	switch re.StatusCode {
	case 404:
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case 409, 412:
		return fmt.Errorf("%w: %w", domain.ErrMoveConflict, err)
	}
	return err
}
