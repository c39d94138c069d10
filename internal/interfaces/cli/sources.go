package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/transientlab/skymatch/internal/domain/catalog"
	"github.com/transientlab/skymatch/pkg/errors"
)

// CatalogReader bundles the read-only repositories behind the browse
// commands.
type CatalogReader struct {
	Sources      catalog.RunningSourceRepository
	Associations catalog.AssociationRepository
	Images       catalog.ImageRepository
}

// CatalogFactory opens read-only catalog access from the loaded
// configuration.  The returned close function releases the connection pool.
type CatalogFactory func(ctx context.Context, cliCtx *CLIContext) (*CatalogReader, func(), error)

var (
	sourcesDataset  int64
	sourcesPage     int
	sourcesPageSize int

	vanishedDataset int64
	vanishedImage   int64
)

// NewSourcesCmd creates the sources command with its get and vanished
// subcommands.  The bare command lists a dataset's running sources.
func NewSourcesCmd(factory CatalogFactory) *cobra.Command {
	sourcesCmd := &cobra.Command{
		Use:   "sources",
		Short: "Browse the running catalog",
		Long:  "List a dataset's active running sources, inspect one source with its full\nassociation history, or list the sources that vanished from a given image.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSourcesList(cmd, factory)
		},
	}

	sourcesCmd.Flags().Int64Var(&sourcesDataset, "dataset", 0, "Dataset ID to list (required)")
	sourcesCmd.Flags().IntVar(&sourcesPage, "page", 1, "Page number, starting at 1")
	sourcesCmd.Flags().IntVar(&sourcesPageSize, "page-size", 50, "Sources per page (max 500)")
	sourcesCmd.MarkFlagRequired("dataset")

	getCmd := &cobra.Command{
		Use:   "get <source-id>",
		Short: "Show one running source with its association history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSourcesGet(cmd, factory, args[0])
		},
	}

	vanishedCmd := &cobra.Command{
		Use:   "vanished",
		Short: "List sources that gained no detection from an image",
		Long:  "List the dataset's active running sources that gained no member detection\nfrom the given image: the candidate transients.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSourcesVanished(cmd, factory)
		},
	}

	vanishedCmd.Flags().Int64Var(&vanishedDataset, "dataset", 0, "Dataset ID (required)")
	vanishedCmd.Flags().Int64Var(&vanishedImage, "image", 0, "Image ID the sources are missing from (required)")
	vanishedCmd.MarkFlagRequired("dataset")
	vanishedCmd.MarkFlagRequired("image")

	sourcesCmd.AddCommand(getCmd, vanishedCmd)
	return sourcesCmd
}

func runSourcesList(cmd *cobra.Command, factory CatalogFactory) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}
	if factory == nil {
		return errors.New(errors.CodeInternal, "catalog backend is not wired")
	}
	if sourcesDataset <= 0 {
		return errors.Newf(errors.CodeInvalidParam, "dataset id must be positive, got %d", sourcesDataset)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cliCtx.Timeout)
	defer cancel()

	reader, closeFn, err := factory(ctx, cliCtx)
	if err != nil {
		return err
	}
	defer closeFn()

	sources, total, err := reader.Sources.ListByDataset(ctx, sourcesDataset, sourcesPage, sourcesPageSize)
	if err != nil {
		return err
	}

	return PrintResult(cmd, sourceList{
		DatasetID: sourcesDataset,
		Page:      sourcesPage,
		PageSize:  sourcesPageSize,
		Total:     total,
		Sources:   sources,
	})
}

func runSourcesGet(cmd *cobra.Command, factory CatalogFactory, rawID string) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}
	if factory == nil {
		return errors.New(errors.CodeInternal, "catalog backend is not wired")
	}

	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return errors.Newf(errors.CodeInvalidParam, "source id must be a positive integer, got %q", rawID)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cliCtx.Timeout)
	defer cancel()

	reader, closeFn, err := factory(ctx, cliCtx)
	if err != nil {
		return err
	}
	defer closeFn()

	source, err := reader.Sources.GetByID(ctx, id)
	if err != nil {
		return err
	}
	history, err := reader.Associations.HistoryBySource(ctx, id)
	if err != nil {
		return err
	}

	return PrintResult(cmd, sourceDetail{Source: source, History: history})
}

func runSourcesVanished(cmd *cobra.Command, factory CatalogFactory) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}
	if factory == nil {
		return errors.New(errors.CodeInternal, "catalog backend is not wired")
	}
	if vanishedDataset <= 0 {
		return errors.Newf(errors.CodeInvalidParam, "dataset id must be positive, got %d", vanishedDataset)
	}
	if vanishedImage <= 0 {
		return errors.Newf(errors.CodeInvalidParam, "image id must be positive, got %d", vanishedImage)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cliCtx.Timeout)
	defer cancel()

	reader, closeFn, err := factory(ctx, cliCtx)
	if err != nil {
		return err
	}
	defer closeFn()

	// The image must exist and belong to the dataset, otherwise an empty
	// result would be indistinguishable from a typo in the flags.
	image, err := reader.Images.GetByID(ctx, vanishedImage)
	if err != nil {
		return err
	}
	if image.DatasetID != vanishedDataset {
		return errors.Newf(errors.CodeInvalidParam,
			"image %d belongs to dataset %d, not %d", vanishedImage, image.DatasetID, vanishedDataset)
	}

	sources, err := reader.Sources.VanishedForImage(ctx, vanishedDataset, vanishedImage)
	if err != nil {
		return err
	}

	return PrintResult(cmd, vanishedReport{
		DatasetID: vanishedDataset,
		ImageID:   vanishedImage,
		Sources:   sources,
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Output shapes
// ─────────────────────────────────────────────────────────────────────────────

// sourceList is one page of a dataset's active running sources.
type sourceList struct {
	DatasetID int64                   `json:"dataset_id"`
	Page      int                     `json:"page"`
	PageSize  int                     `json:"page_size"`
	Total     int64                   `json:"total"`
	Sources   []catalog.RunningSource `json:"sources"`
}

func (l sourceList) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d of %d active source(s) in dataset %d (page %d)",
		len(l.Sources), l.Total, l.DatasetID, l.Page)
	for _, s := range l.Sources {
		fmt.Fprintf(&sb, "\n  %s", formatSourceLine(s))
	}
	return sb.String()
}

func (l sourceList) TableHeaders() []string { return sourceTableHeaders() }

func (l sourceList) TableRows() [][]string { return sourceTableRows(l.Sources) }

// sourceDetail is one running source with its persisted association history.
type sourceDetail struct {
	Source  *catalog.RunningSource      `json:"source"`
	History []catalog.AssociationRecord `json:"history"`
}

func (d sourceDetail) String() string {
	var sb strings.Builder
	s := d.Source
	fmt.Fprintf(&sb, "source %d (dataset %d)\n", s.ID, s.DatasetID)
	fmt.Fprintf(&sb, "  position:   RA %.6f°, Decl %.6f° (±%.3f\", ±%.3f\")\n",
		s.WMPos.RA, s.WMPos.Decl, s.WMRAErr, s.WMDeclErr)
	fmt.Fprintf(&sb, "  datapoints: %d\n", s.Datapoints)
	fmt.Fprintf(&sb, "  active:     %t\n", s.Active)
	fmt.Fprintf(&sb, "  history:    %d association row(s)", len(d.History))
	for _, rec := range d.History {
		fmt.Fprintf(&sb, "\n    detection %d: %s, %.3f\" (r=%.3f) at %s",
			rec.DetectionID, assocTypeLabel(rec.Type), rec.DistanceArcsec, rec.DeRuiterR,
			rec.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return sb.String()
}

func (d sourceDetail) TableHeaders() []string {
	return []string{"DETECTION", "TYPE", "DIST(\")", "DE RUITER", "AT"}
}

func (d sourceDetail) TableRows() [][]string {
	rows := make([][]string, 0, len(d.History))
	for _, rec := range d.History {
		rows = append(rows, []string{
			strconv.FormatInt(rec.DetectionID, 10),
			assocTypeLabel(rec.Type),
			fmt.Sprintf("%.3f", rec.DistanceArcsec),
			fmt.Sprintf("%.3f", rec.DeRuiterR),
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return rows
}

// vanishedReport lists the candidate transients of one image.
type vanishedReport struct {
	DatasetID int64                   `json:"dataset_id"`
	ImageID   int64                   `json:"image_id"`
	Sources   []catalog.RunningSource `json:"sources"`
}

func (r vanishedReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d source(s) of dataset %d gained no detection from image %d",
		len(r.Sources), r.DatasetID, r.ImageID)
	for _, s := range r.Sources {
		fmt.Fprintf(&sb, "\n  %s", formatSourceLine(s))
	}
	return sb.String()
}

func (r vanishedReport) TableHeaders() []string { return sourceTableHeaders() }

func (r vanishedReport) TableRows() [][]string { return sourceTableRows(r.Sources) }

func sourceTableHeaders() []string {
	return []string{"ID", "RA(°)", "DECL(°)", "ERR_RA(\")", "ERR_DECL(\")", "POINTS", "ACTIVE"}
}

func sourceTableRows(sources []catalog.RunningSource) [][]string {
	rows := make([][]string, 0, len(sources))
	for _, s := range sources {
		rows = append(rows, []string{
			strconv.FormatInt(s.ID, 10),
			fmt.Sprintf("%.6f", s.WMPos.RA),
			fmt.Sprintf("%.6f", s.WMPos.Decl),
			fmt.Sprintf("%.3f", s.WMRAErr),
			fmt.Sprintf("%.3f", s.WMDeclErr),
			strconv.Itoa(s.Datapoints),
			strconv.FormatBool(s.Active),
		})
	}
	return rows
}

func formatSourceLine(s catalog.RunningSource) string {
	return fmt.Sprintf("source %d: RA %.6f° Decl %.6f° (%d datapoint(s))",
		s.ID, s.WMPos.RA, s.WMPos.Decl, s.Datapoints)
}

func assocTypeLabel(t catalog.AssocType) string {
	switch t {
	case catalog.AssocTypeFirst:
		return "first"
	case catalog.AssocTypeMatch:
		return "match"
	case catalog.AssocTypeMergeAppend:
		return "merge-append"
	case catalog.AssocTypeMergeRelabel:
		return "merge-relabel"
	default:
		return strconv.Itoa(int(t))
	}
}
