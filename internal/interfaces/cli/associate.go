package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/transientlab/skymatch/internal/application/association"
	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/internal/domain/sky"
	"github.com/transientlab/skymatch/internal/infrastructure/messaging/kafka"
	"github.com/transientlab/skymatch/internal/infrastructure/monitoring/logging"
	"github.com/transientlab/skymatch/pkg/errors"
)

// ServiceFactory opens the infrastructure behind the association service —
// catalog store, dataset lock, optional decision publisher — from the loaded
// configuration.  The returned close function releases every connection the
// factory opened and must be safe to call after a failed run.
type ServiceFactory func(ctx context.Context, cliCtx *CLIContext) (association.Service, func(), error)

var (
	associateDataset    int64
	associateImage      int64
	associateInput      string
	associateTheta      float64
	associateZoneHeight float64

	backfillDir      string
	backfillParallel int
)

// NewAssociateCmd creates the associate command and its backfill subcommand.
func NewAssociateCmd(factory ServiceFactory) *cobra.Command {
	associateCmd := &cobra.Command{
		Use:   "associate",
		Short: "Associate one image's detections with the running catalog",
		Long:  "Run one association batch: read a detection file, match every detection\nagainst the dataset's running catalog, and commit the resulting NEW, MATCH,\nand MERGE decisions.  With --image pointing at an already-registered image\nthe stored detections are reprocessed instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssociate(cmd, factory)
		},
	}

	associateCmd.Flags().Int64Var(&associateDataset, "dataset", 0, "Dataset ID the batch belongs to (required)")
	associateCmd.Flags().Int64Var(&associateImage, "image", 0, "Image ID to reprocess; 0 registers a new image from the input file")
	associateCmd.Flags().StringVar(&associateInput, "input", "", "Detection batch file (JSON, same shape as the Kafka envelope)")
	associateCmd.Flags().Float64Var(&associateTheta, "theta", 0, "Search radius override in degrees (default: configured value)")
	associateCmd.Flags().Float64Var(&associateZoneHeight, "zoneheight", 0, "Zone height override in degrees (default: configured value)")
	associateCmd.MarkFlagRequired("dataset")

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Replay detection batch files for several datasets in parallel",
		Long:  "Read every *.json detection batch file in a directory and run them through\nthe association service.  Files of the same dataset run sequentially in file\nname order; distinct datasets run in parallel.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssociateBackfill(cmd, factory)
		},
	}

	backfillCmd.Flags().StringVar(&backfillDir, "input-dir", "", "Directory holding detection batch files (required)")
	backfillCmd.Flags().IntVar(&backfillParallel, "parallel", 4, "Maximum number of datasets processed concurrently")
	backfillCmd.Flags().Float64Var(&associateTheta, "theta", 0, "Search radius override in degrees (default: configured value)")
	backfillCmd.Flags().Float64Var(&associateZoneHeight, "zoneheight", 0, "Zone height override in degrees (default: configured value)")
	backfillCmd.MarkFlagRequired("input-dir")

	associateCmd.AddCommand(backfillCmd)
	return associateCmd
}

func runAssociate(cmd *cobra.Command, factory ServiceFactory) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}
	if factory == nil {
		return errors.New(errors.CodeInternal, "association backend is not wired")
	}

	if associateDataset <= 0 {
		return errors.Newf(errors.CodeInvalidParam, "dataset id must be positive, got %d", associateDataset)
	}
	if associateImage < 0 {
		return errors.Newf(errors.CodeInvalidParam, "image id must not be negative, got %d", associateImage)
	}
	if associateImage == 0 && associateInput == "" {
		return errors.New(errors.CodeInvalidParam, "--input is required when registering a new image")
	}

	msg, err := loadBatchEnvelope()
	if err != nil {
		return err
	}

	input, err := msg.ToInput()
	if err != nil {
		return err
	}
	if associateTheta > 0 {
		input.Theta = associateTheta
	}
	if associateZoneHeight > 0 {
		input.ZoneHeight = associateZoneHeight
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cliCtx.Timeout)
	defer cancel()

	svc, closeFn, err := factory(ctx, cliCtx)
	if err != nil {
		return err
	}
	defer closeFn()

	cliCtx.Logger.Debug("running association batch",
		logging.Int64("dataset_id", input.DatasetID),
		logging.Int64("image_id", input.ImageID),
		logging.Int("detections", len(input.Detections)))

	result, err := svc.ProcessImage(ctx, input)
	if err != nil {
		return err
	}

	return PrintResult(cmd, associateReport{result})
}

// loadBatchEnvelope builds the batch envelope from --input, or a bare
// reprocess envelope when no file is given.  Flags win over envelope
// fields, but a disagreeing non-zero envelope value is an error rather
// than something to silently override.
func loadBatchEnvelope() (*kafka.DetectionBatchMessage, error) {
	if associateInput == "" {
		return &kafka.DetectionBatchMessage{DatasetID: associateDataset, ImageID: associateImage}, nil
	}

	raw, err := os.ReadFile(associateInput)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidParam, "failed to read "+associateInput)
	}
	msg, err := kafka.ParseDetectionBatch(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeMalformedBatch, "failed to parse "+associateInput)
	}

	if msg.DatasetID != 0 && msg.DatasetID != associateDataset {
		return nil, errors.Newf(errors.CodeInvalidParam,
			"input file is for dataset %d, --dataset says %d", msg.DatasetID, associateDataset)
	}
	msg.DatasetID = associateDataset

	if associateImage > 0 {
		if msg.ImageID != 0 && msg.ImageID != associateImage {
			return nil, errors.Newf(errors.CodeInvalidParam,
				"input file is for image %d, --image says %d", msg.ImageID, associateImage)
		}
		msg.ImageID = associateImage
	}

	return msg, nil
}

func runAssociateBackfill(cmd *cobra.Command, factory ServiceFactory) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}
	if factory == nil {
		return errors.New(errors.CodeInternal, "association backend is not wired")
	}
	if backfillParallel < 1 {
		return errors.Newf(errors.CodeInvalidParam, "parallel must be ≥ 1, got %d", backfillParallel)
	}

	pattern := filepath.Join(backfillDir, "*.json")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidParam, "invalid input directory "+backfillDir)
	}
	if len(files) == 0 {
		return errors.Newf(errors.CodeInvalidParam, "no detection batch files match %s", pattern)
	}

	// Glob output is sorted, which fixes the replay order inside each
	// dataset: batch files are expected to sort chronologically.
	type batchFile struct {
		path string
		msg  *kafka.DetectionBatchMessage
	}
	perDataset := make(map[int64][]batchFile)
	var order []int64
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidParam, "failed to read "+path)
		}
		msg, err := kafka.ParseDetectionBatch(raw)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeMalformedBatch, "failed to parse "+path)
		}
		if msg.DatasetID <= 0 {
			return errors.Newf(errors.ErrCodeMalformedBatch, "%s: dataset_id must be positive", path)
		}
		if _, seen := perDataset[msg.DatasetID]; !seen {
			order = append(order, msg.DatasetID)
		}
		perDataset[msg.DatasetID] = append(perDataset[msg.DatasetID], batchFile{path: path, msg: msg})
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cliCtx.Timeout)
	defer cancel()

	svc, closeFn, err := factory(ctx, cliCtx)
	if err != nil {
		return err
	}
	defer closeFn()

	cliCtx.Logger.Info("starting backfill",
		logging.Int("files", len(files)),
		logging.Int("datasets", len(order)),
		logging.Int("parallel", backfillParallel))

	// Distinct datasets never contend: the per-dataset lock only serializes
	// batches of the same dataset.  So the fan-out goes across datasets
	// while each dataset's files replay strictly in file order.
	rows := make([]backfillRow, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backfillParallel)
	for i, datasetID := range order {
		i, datasetID := i, datasetID
		g.Go(func() error {
			row := backfillRow{DatasetID: datasetID}
			for _, bf := range perDataset[datasetID] {
				input, err := bf.msg.ToInput()
				if err != nil {
					return errors.Wrap(err, errors.ErrCodeMalformedBatch, "invalid batch in "+bf.path)
				}
				if associateTheta > 0 {
					input.Theta = associateTheta
				}
				if associateZoneHeight > 0 {
					input.ZoneHeight = associateZoneHeight
				}

				result, err := svc.ProcessImage(gctx, input)
				if err != nil {
					return errors.Wrap(err, errors.GetCode(err),
						fmt.Sprintf("dataset %d: %s failed", datasetID, filepath.Base(bf.path)))
				}

				row.Files++
				row.Detections += result.Detections
				row.New += result.New
				row.Matched += result.Matched
				row.Merged += result.Merged
				row.Skipped += len(result.Skipped)
				row.Elapsed += result.Elapsed
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return PrintResult(cmd, backfillReport{Datasets: rows})
}

// ─────────────────────────────────────────────────────────────────────────────
// Output shapes
// ─────────────────────────────────────────────────────────────────────────────

// associateReport adapts a batch result for the output helpers.
type associateReport struct {
	*association.ProcessImageResult
}

func (r associateReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "batch %s processed %d detection(s) for image %d of dataset %d: %d new, %d matched, %d merged",
		r.BatchID, r.Detections, r.ImageID, r.DatasetID, r.New, r.Matched, r.Merged)
	if r.Deactivated > 0 {
		fmt.Fprintf(&sb, ", %d source(s) deactivated", r.Deactivated)
	}
	if len(r.Skipped) > 0 {
		fmt.Fprintf(&sb, ", %d skipped", len(r.Skipped))
	}
	fmt.Fprintf(&sb, " in %s", r.Elapsed.Round(time.Millisecond))
	for _, s := range r.Skipped {
		fmt.Fprintf(&sb, "\n  skipped detection %d: %s", s.DetectionID, s.Reason)
	}
	return sb.String()
}

func (r associateReport) TableHeaders() []string {
	return []string{"DETECTION", "KIND", "SOURCE", "MERGED", "DIST(\")", "DE RUITER"}
}

func (r associateReport) TableRows() [][]string {
	rows := make([][]string, 0, len(r.Decisions))
	for _, d := range r.Decisions {
		merged := ""
		if len(d.MergedIDs) > 0 {
			parts := make([]string, len(d.MergedIDs))
			for i, id := range d.MergedIDs {
				parts[i] = strconv.FormatInt(id, 10)
			}
			merged = strings.Join(parts, ",")
		}
		dist, deRuiter := "", ""
		if d.Kind != catalog.DecisionNew {
			dist = fmt.Sprintf("%.3f", d.Distance*sky.ArcsecPerDegree)
			deRuiter = fmt.Sprintf("%.3f", d.Weight)
		}
		rows = append(rows, []string{
			strconv.FormatInt(d.DetectionID, 10),
			string(d.Kind),
			strconv.FormatInt(d.RunningID, 10),
			merged,
			dist,
			deRuiter,
		})
	}
	return rows
}

// backfillRow is the one-dataset summary of a backfill run.
type backfillRow struct {
	DatasetID  int64         `json:"dataset_id"`
	Files      int           `json:"files"`
	Detections int           `json:"detections"`
	New        int           `json:"new"`
	Matched    int           `json:"matched"`
	Merged     int           `json:"merged"`
	Skipped    int           `json:"skipped"`
	Elapsed    time.Duration `json:"elapsed"`
}

type backfillReport struct {
	Datasets []backfillRow `json:"datasets"`
}

func (r backfillReport) String() string {
	var sb strings.Builder
	var files, detections int
	for _, row := range r.Datasets {
		fmt.Fprintf(&sb, "dataset %d: %d new, %d matched, %d merged, %d skipped across %d file(s) in %s\n",
			row.DatasetID, row.New, row.Matched, row.Merged, row.Skipped, row.Files,
			row.Elapsed.Round(time.Millisecond))
		files += row.Files
		detections += row.Detections
	}
	fmt.Fprintf(&sb, "backfill complete: %d file(s), %d detection(s) across %d dataset(s)",
		files, detections, len(r.Datasets))
	return sb.String()
}

func (r backfillReport) TableHeaders() []string {
	return []string{"DATASET", "FILES", "DETECTIONS", "NEW", "MATCHED", "MERGED", "SKIPPED", "ELAPSED"}
}

func (r backfillReport) TableRows() [][]string {
	rows := make([][]string, 0, len(r.Datasets))
	for _, row := range r.Datasets {
		rows = append(rows, []string{
			strconv.FormatInt(row.DatasetID, 10),
			strconv.Itoa(row.Files),
			strconv.Itoa(row.Detections),
			strconv.Itoa(row.New),
			strconv.Itoa(row.Matched),
			strconv.Itoa(row.Merged),
			strconv.Itoa(row.Skipped),
			row.Elapsed.Round(time.Millisecond).String(),
		})
	}
	return rows
}
