// Package handlers binds every task family to the extraction strategy and
// the processor that serve it.
package handlers

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/podushkina/bidparse/internal/config"
	"github.com/podushkina/bidparse/internal/document"
	"github.com/podushkina/bidparse/internal/extract"
	"github.com/podushkina/bidparse/internal/queue"
	"github.com/podushkina/bidparse/internal/task"
	"github.com/podushkina/bidparse/internal/worker"
)

// Extractors returns the strategy of each family as configured.
func Extractors(cfg *config.Config, llm extract.Completer) map[task.Family]extract.Extractor {
	return map[task.Family]extract.Extractor{
		task.FamilyBase:      extract.NewBase(llm, cfg.BaseTwoStage),
		task.FamilyScore:     extract.NewScore(llm, cfg.ScoreTwoStage, cfg.ScoreSchemaRef),
		task.FamilyCatalogue: extract.NewCatalogue(llm, CatalogueTags(cfg.CatalogueTags)),
	}
}

// CatalogueTags converts the configured tag table. Nil means the built-in
// table.
func CatalogueTags(in []config.CatalogueTag) []extract.CatalogueTag {
	if len(in) == 0 {
		return nil
	}
	out := make([]extract.CatalogueTag, 0, len(in))
	for _, t := range in {
		out = append(out, extract.CatalogueTag{Section: t.Section, Tags: t.Tags})
	}
	return out
}

// Completion builds the model client from cfg.
func Completion(cfg *config.Config) *extract.CompletionClient {
	return &extract.CompletionClient{
		URL:     cfg.CompletionURL,
		APIKey:  cfg.CompletionAPIKey,
		Model:   cfg.CompletionModel,
		Timeout: cfg.CompletionTimeout,
	}
}

// Repositories opens one repository per family on client.
func Repositories(client *redis.Client, ttl time.Duration) map[task.Family]*queue.Repository {
	repos := make(map[task.Family]*queue.Repository, len(task.Families()))
	for _, f := range task.Families() {
		repos[f] = queue.New(client, f, ttl)
	}
	return repos
}

// Register adds a consumer lane for every family to pool. Conversion and
// text extraction are shared, extraction is per family.
func Register(pool *worker.Pool, cfg *config.Config, repos map[task.Family]*queue.Repository, extractors map[task.Family]extract.Extractor) {
	converter := document.NewLibreOffice(document.ConverterConfig{
		Binary:             cfg.LibreOffice,
		Timeout:            cfg.ConvertTimeout,
		Retries:            cfg.ConvertRetries,
		RetryDelay:         cfg.ConvertRetryDelay,
		NativeSpreadsheets: cfg.NativeSpreadsheets,
	}, nil)
	reader := document.NewTextReader(cfg.PDFToText, nil)

	for _, f := range task.Families() {
		repo, ok := repos[f]
		if !ok {
			continue
		}
		ex, ok := extractors[f]
		if !ok {
			continue
		}
		pool.Register(repo, worker.NewProcessor(repo, converter, reader, ex, cfg.ProcessTimeout))
	}
}
