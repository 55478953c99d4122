package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pkgkafka "github.com/utafrali/gomarketplace/pkg/kafka"
	"github.com/utafrali/gomarketplace/services/cart/internal/domain"
	"github.com/utafrali/gomarketplace/services/cart/internal/repository"
	"github.com/utafrali/gomarketplace/services/cart/internal/service"
)

// TopicCartUpdated carries cart change notifications.
var TopicCartUpdated = pkgkafka.Topic("cart", "updated")

// Aggregate type constant.
const AggregateTypeCart = "cart"

// Source identifier for events originating from the cart service.
const SourceCartService = "cart-service"

const publishTimeout = 5 * time.Second

// CartUpdatedData is the payload for a cart.updated event.
type CartUpdatedData struct {
	Operation string         `json:"operation"`
	ProductID string         `json:"product_id,omitempty"`
	Items     []CartItemData `json:"items"`
	ItemCount int            `json:"item_count"`
}

// CartItemData is the item payload within cart events.
type CartItemData struct {
	ProductID string  `json:"product_id"`
	Title     string  `json:"title"`
	ImageURL  string  `json:"image_url"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

// Publisher sends an event envelope to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes cart change notifications to Kafka.
type Producer struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewProducer creates a new event producer for the cart service.
func NewProducer(publisher Publisher, logger *slog.Logger) *Producer {
	return &Producer{
		publisher: publisher,
		logger:    logger,
	}
}

// PublishCartUpdated publishes a cart.updated event for c.
func (p *Producer) PublishCartUpdated(ctx context.Context, c service.Change) error {
	items := make([]CartItemData, len(c.Items))
	for i, item := range c.Items {
		items[i] = CartItemData{
			ProductID: item.ID,
			Title:     item.Title,
			ImageURL:  item.ImageURL,
			Price:     item.Price,
			Quantity:  item.Quantity,
		}
	}

	data := CartUpdatedData{
		Operation: string(c.Operation),
		ProductID: c.ProductID,
		Items:     items,
		ItemCount: domain.ItemCount(c.Items),
	}

	event, err := newCartEvent(c, data)
	if err != nil {
		return fmt.Errorf("create cart.updated event: %w", err)
	}

	if err := p.publisher.Publish(ctx, TopicCartUpdated, event); err != nil {
		return fmt.Errorf("publish cart.updated event: %w", err)
	}

	p.logger.DebugContext(ctx, "published cart.updated event",
		slog.String("operation", string(c.Operation)),
		slog.Uint64("version", c.Version),
		slog.Int("item_count", data.ItemCount),
	)

	return nil
}

// newCartEvent wraps data in an envelope keyed by the snapshot key and stamped
// with the cart version and correlation id of c.
func newCartEvent(c service.Change, data CartUpdatedData) (*pkgkafka.Event, error) {
	return pkgkafka.NewEvent(TopicCartUpdated, repository.SnapshotKey, AggregateTypeCart, SourceCartService, data,
		pkgkafka.WithAggregateVersion(c.Version),
		pkgkafka.WithCorrelationID(c.CorrelationID),
	)
}

// Observe is a CartStore subscriber. Publish failures are logged and never
// reach the mutating caller.
func (p *Producer) Observe(c service.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.PublishCartUpdated(ctx, c); err != nil {
		p.logger.Error("failed to publish cart change",
			slog.String("operation", string(c.Operation)),
			slog.Uint64("version", c.Version),
			slog.String("error", err.Error()),
		)
	}
}
