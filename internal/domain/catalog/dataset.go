package catalog

import "time"

// Dataset groups the images of one observing campaign.  Association state is
// strictly partitioned by dataset: sources from different datasets never
// interact.
type Dataset struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Image is the bookkeeping record of one processed sky image.  Pixel data
// never enters the system; only the metadata needed to order and attribute
// detection batches is stored.
type Image struct {
	ID         int64     `json:"id"`
	DatasetID  int64     `json:"dataset_id"`
	TaustartTS time.Time `json:"taustart_ts"` // observation start
	FreqEffHz  float64   `json:"freq_eff_hz"`
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"created_at"`
}
