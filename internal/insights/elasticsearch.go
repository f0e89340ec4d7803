package insights

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	apperrors "segmentation-workers/internal/common/errors"
	"segmentation-workers/internal/models"
)

const DefaultIndex = "segment-runs"

// ElasticPublisher indexes one document per run, keyed by run id.
type ElasticPublisher struct {
	client *elasticsearch.Client
	index  string
}

func NewElasticPublisher(client *elasticsearch.Client, index string) *ElasticPublisher {
	if index == "" {
		index = DefaultIndex
	}
	return &ElasticPublisher{client: client, index: index}
}

func (p *ElasticPublisher) Publish(ctx context.Context, summary models.RunSummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return apperrors.NewSummaryPublishFailedError("elasticsearch", err)
	}

	req := esapi.IndexRequest{
		Index:      p.index,
		DocumentID: summary.RunID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, p.client)
	if err != nil {
		return apperrors.NewSummaryPublishFailedError("elasticsearch", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return apperrors.NewSummaryPublishFailedError("elasticsearch", fmt.Errorf("index failed: %s", res.String()))
	}
	return nil
}
