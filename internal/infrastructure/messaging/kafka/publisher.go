package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/transientlab/skymatch/internal/application/association"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

// DecisionPublisher emits committed association batches on the decisions
// topic.  It implements association.DecisionPublisher.
//
// Messages are keyed by dataset so the hash balancer keeps each dataset's
// decision stream on one partition, in commit order.
type DecisionPublisher struct {
	producer *Producer
	topic    string
	logger   logging.Logger
}

var _ association.DecisionPublisher = (*DecisionPublisher)(nil)

// NewDecisionPublisher wraps a producer for the given topic; an empty topic
// falls back to the default decisions topic.
func NewDecisionPublisher(producer *Producer, topic string, logger logging.Logger) *DecisionPublisher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if topic == "" {
		topic = TopicDecisions
	}
	return &DecisionPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.Named("decision_publisher"),
	}
}

// PublishDecisions publishes one committed batch.  The catalog transaction
// has already committed when this runs; failures are reported for the
// caller to log, never to roll back.
func (p *DecisionPublisher) PublishDecisions(ctx context.Context, batch association.DecisionBatch) error {
	value, err := json.Marshal(NewDecisionMessage(batch))
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrCodeSerialization, "failed to encode decision batch")
	}

	err = p.producer.Publish(ctx, &ProducerMessage{
		Topic:     p.topic,
		Key:       []byte(strconv.FormatInt(batch.DatasetID, 10)),
		Value:     value,
		Headers:   map[string]string{"batch_id": batch.BatchID},
		Timestamp: batch.CreatedAt,
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrCodePublishFailed, "failed to publish decision batch")
	}

	p.logger.Debug("decision batch published",
		logging.String("batch_id", batch.BatchID),
		logging.Int64("dataset_id", batch.DatasetID),
		logging.Int("decisions", len(batch.Decisions)),
	)
	return nil
}
