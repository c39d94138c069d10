// Package kafka provides the messaging layer: detection batches come in on
// the raw topic, committed association decisions go out on the decisions
// topic, and batches that exhaust their retries land on the dead-letter
// topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/transientlab/skymatch/internal/application/association"
	"github.com/transientlab/skymatch/internal/config"
	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/domain/sky"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	appErrors "github.com/transientlab/skymatch/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// Topics
// ─────────────────────────────────────────────────────────────────────────────

const (
	// TopicDetectionsRaw carries DetectionBatchMessage payloads from source
	// extraction into the association workers.
	TopicDetectionsRaw = "skymatch.detections.raw"
	// TopicDetectionsDLQ receives batches whose processing exhausted its
	// retries.
	TopicDetectionsDLQ = "skymatch.detections.dlq"
	// TopicDecisions carries DecisionMessage payloads describing committed
	// batches.
	TopicDecisions = "skymatch.associations.decisions"
)

// ─────────────────────────────────────────────────────────────────────────────
// Message envelopes
// ─────────────────────────────────────────────────────────────────────────────

// DetectionPayload is one extracted source measurement on the wire.  Angles
// are degrees, positional errors and shape axes arcseconds, fluxes janskys.
type DetectionPayload struct {
	RA        float64 `json:"ra"`
	Decl      float64 `json:"decl"`
	RAErr     float64 `json:"ra_err"`
	DeclErr   float64 `json:"decl_err"`
	SemiMajor float64 `json:"semimajor"`
	SemiMinor float64 `json:"semiminor"`
	PA        float64 `json:"pa"`

	FluxPeak    float64 `json:"f_peak"`
	FluxPeakErr float64 `json:"f_peak_err"`
	FluxInt     float64 `json:"f_int"`
	FluxIntErr  float64 `json:"f_int_err"`
	DetSigma    float64 `json:"det_sigma"`
}

// DetectionBatchMessage is the inbound envelope: one image's worth of
// detections for one dataset.  ImageID zero registers a new image from the
// observation metadata; a non-zero ImageID requests reprocessing of an
// already-registered image, in which case Detections must be empty.
type DetectionBatchMessage struct {
	DatasetID  int64              `json:"dataset_id"`
	ImageID    int64              `json:"image_id,omitempty"`
	TaustartTS time.Time          `json:"taustart_ts"`
	FreqEffHz  float64            `json:"freq_eff_hz"`
	URL        string             `json:"url,omitempty"`
	Detections []DetectionPayload `json:"detections"`
}

// ParseDetectionBatch decodes one raw-topic message value.
func ParseDetectionBatch(value []byte) (*DetectionBatchMessage, error) {
	var msg DetectionBatchMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeMalformedBatch, "failed to decode detection batch")
	}
	return &msg, nil
}

// ToInput converts the envelope into a batch-service input.  Coordinates
// that cannot form a sky position (non-finite, at or beyond a pole) reject
// the whole batch: the envelope was built from a source-extraction run and
// a corrupt entry means the run itself cannot be trusted.
func (m *DetectionBatchMessage) ToInput() (association.ProcessImageInput, error) {
	input := association.ProcessImageInput{
		DatasetID:  m.DatasetID,
		ImageID:    m.ImageID,
		TaustartTS: m.TaustartTS,
		FreqEffHz:  m.FreqEffHz,
		URL:        m.URL,
	}
	if len(m.Detections) > 0 {
		input.Detections = make([]catalog.Detection, len(m.Detections))
		for i, p := range m.Detections {
			det, err := p.toDetection(m.DatasetID)
			if err != nil {
				return association.ProcessImageInput{}, appErrors.Wrap(err,
					appErrors.ErrCodeMalformedBatch,
					fmt.Sprintf("detection %d has an invalid position", i))
			}
			input.Detections[i] = det
		}
	}
	return input, nil
}

func (p DetectionPayload) toDetection(datasetID int64) (catalog.Detection, error) {
	pos, err := sky.NewPosition(p.RA, p.Decl)
	if err != nil {
		return catalog.Detection{}, err
	}
	return catalog.Detection{
		DatasetID:     datasetID,
		Pos:           pos,
		RAErr:         p.RAErr,
		DeclErr:       p.DeclErr,
		SemiMajor:     p.SemiMajor,
		SemiMinor:     p.SemiMinor,
		PositionAngle: p.PA,
		Flux: catalog.FluxMeasurement{
			Peak:     p.FluxPeak,
			PeakErr:  p.FluxPeakErr,
			Int:      p.FluxInt,
			IntErr:   p.FluxIntErr,
			DetSigma: p.DetSigma,
		},
	}, nil
}

// DecisionPayload is one resolved detection on the wire.  Distances are
// reported in arcseconds to match the persisted association rows.
type DecisionPayload struct {
	DetectionID    int64   `json:"detection_id"`
	Kind           string  `json:"kind"`
	RunningID      int64   `json:"running_id"`
	MergedIDs      []int64 `json:"merged_ids,omitempty"`
	DistanceArcsec float64 `json:"distance_arcsec"`
	DeRuiterR      float64 `json:"de_ruiter_r"`
}

// DecisionMessage is the outbound envelope describing one committed batch.
type DecisionMessage struct {
	BatchID   string            `json:"batch_id"`
	DatasetID int64             `json:"dataset_id"`
	ImageID   int64             `json:"image_id"`
	Decisions []DecisionPayload `json:"decisions"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewDecisionMessage converts a committed batch into its wire form.
func NewDecisionMessage(batch association.DecisionBatch) DecisionMessage {
	msg := DecisionMessage{
		BatchID:   batch.BatchID,
		DatasetID: batch.DatasetID,
		ImageID:   batch.ImageID,
		Decisions: make([]DecisionPayload, len(batch.Decisions)),
		CreatedAt: batch.CreatedAt,
	}
	for i, d := range batch.Decisions {
		msg.Decisions[i] = DecisionPayload{
			DetectionID:    d.DetectionID,
			Kind:           string(d.Kind),
			RunningID:      d.RunningID,
			MergedIDs:      d.MergedIDs,
			DistanceArcsec: d.Distance * sky.ArcsecPerDegree,
			DeRuiterR:      d.Weight,
		}
	}
	return msg
}

// ─────────────────────────────────────────────────────────────────────────────
// Topic management
// ─────────────────────────────────────────────────────────────────────────────

// TopicConfig describes one topic to ensure at startup.
type TopicConfig struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
	RetentionMs       int64
	CleanupPolicy     string
}

// DefaultTopics returns the three service topics with names and sizing from
// cfg.  Zero partition/replication values fall back to single-broker
// friendly defaults.
func DefaultTopics(cfg config.KafkaConfig) []TopicConfig {
	partitions := cfg.NumPartitions
	if partitions <= 0 {
		partitions = 6
	}
	replication := cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}
	detections := cfg.DetectionsTopic
	if detections == "" {
		detections = TopicDetectionsRaw
	}
	decisions := cfg.DecisionsTopic
	if decisions == "" {
		decisions = TopicDecisions
	}
	dlq := cfg.DLQTopic
	if dlq == "" {
		dlq = TopicDetectionsDLQ
	}

	const day = int64(24 * 3600 * 1000)
	return []TopicConfig{
		{Name: detections, NumPartitions: partitions, ReplicationFactor: replication, RetentionMs: 7 * day},
		{Name: decisions, NumPartitions: partitions, ReplicationFactor: replication, RetentionMs: 30 * day},
		{Name: dlq, NumPartitions: 3, ReplicationFactor: replication, RetentionMs: 30 * day},
	}
}

// ConnInterface abstracts the kafka control connection for testing.
type ConnInterface interface {
	CreateTopics(topics ...kafka.TopicConfig) error
	DeleteTopics(topics ...string) error
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
	Close() error
}

// TopicManager creates and inspects topics through the cluster controller.
type TopicManager struct {
	conn   ConnInterface
	logger logging.Logger
}

// NewTopicManager dials the cluster and connects to its controller, the
// only broker that accepts topic creation.
func NewTopicManager(brokers []string, logger logging.Logger) (*TopicManager, error) {
	if len(brokers) == 0 {
		return nil, appErrors.New(appErrors.CodeValidation, "at least one broker address is required")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeMessagingError, "failed to dial kafka broker")
	}
	if ctrl, err := conn.Controller(); err == nil && ctrl.Host != "" {
		addr := net.JoinHostPort(ctrl.Host, strconv.Itoa(ctrl.Port))
		if ctrlConn, err := kafka.Dial("tcp", addr); err == nil {
			_ = conn.Close()
			conn = ctrlConn
		}
	}

	return &TopicManager{conn: conn, logger: logger.Named("topic_manager")}, nil
}

// CreateTopic creates one topic; an already-existing topic is not an error.
func (tm *TopicManager) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	if cfg.Name == "" {
		return appErrors.New(appErrors.CodeValidation, "topic name is required")
	}
	if cfg.NumPartitions <= 0 {
		return appErrors.Newf(appErrors.CodeValidation, "topic %s needs at least one partition", cfg.Name)
	}
	if cfg.ReplicationFactor <= 0 {
		return appErrors.Newf(appErrors.CodeValidation, "topic %s needs a positive replication factor", cfg.Name)
	}

	kCfg := kafka.TopicConfig{
		Topic:             cfg.Name,
		NumPartitions:     cfg.NumPartitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}
	if cfg.RetentionMs > 0 {
		kCfg.ConfigEntries = append(kCfg.ConfigEntries, kafka.ConfigEntry{
			ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(cfg.RetentionMs, 10),
		})
	}
	if cfg.CleanupPolicy != "" {
		kCfg.ConfigEntries = append(kCfg.ConfigEntries, kafka.ConfigEntry{
			ConfigName: "cleanup.policy", ConfigValue: cfg.CleanupPolicy,
		})
	}

	if err := tm.conn.CreateTopics(kCfg); err != nil {
		if exists, _ := tm.TopicExists(ctx, cfg.Name); exists {
			return nil
		}
		return appErrors.Wrap(err, appErrors.CodeMessagingError, "failed to create topic "+cfg.Name)
	}
	tm.logger.Info("topic created",
		logging.String("topic", cfg.Name),
		logging.Int("partitions", cfg.NumPartitions),
	)
	return nil
}

// TopicExists reports whether the topic has at least one partition.
func (tm *TopicManager) TopicExists(_ context.Context, name string) (bool, error) {
	partitions, err := tm.conn.ReadPartitions(name)
	if err != nil {
		return false, nil
	}
	return len(partitions) > 0, nil
}

// EnsureTopics creates every topic that does not exist yet.
func (tm *TopicManager) EnsureTopics(ctx context.Context, topics []TopicConfig) error {
	for _, topic := range topics {
		if err := tm.CreateTopic(ctx, topic); err != nil {
			return err
		}
	}
	return nil
}

func (tm *TopicManager) Close() error {
	return tm.conn.Close()
}
