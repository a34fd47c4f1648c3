package ingestion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/assets"
	"github.com/poiesic/kbingest/convert"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/plugin"
	"golang.org/x/sync/errgroup"
)

// contextChars is how much text before an image is sent along with it.
const contextChars = 300

// describedAsset is the outcome of processing one extracted image.
type describedAsset struct {
	url         string
	description string
}

// processImages stores extracted images, describes them according to the
// image mode and rewrites their placeholders. It returns the final Markdown.
// A failing description falls back to the basic one; only cancellation
// aborts the stage.
func (j *jobRun) processImages(ctx context.Context, doc *convert.Document, params core.Params) (string, error) {
	mode := plugin.ImageMode(params)
	if mode == plugin.ImagesNone || len(doc.Assets) == 0 {
		j.storeMarkdown(ctx, doc.Markdown)
		return doc.Markdown, nil
	}

	j.progress.Message(ctx, fmt.Sprintf("Processing %d images", len(doc.Assets)))

	results := make([]describedAsset, len(doc.Assets))
	var (
		mu        sync.Mutex
		done      int
		described int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.describeWorkers)
	for i, asset := range doc.Assets {
		g.Go(func() error {
			if err := j.checkpoint(gctx); err != nil {
				return err
			}

			url, err := j.store.Put(gctx, assets.AssetKey(j.job.Owner, j.job.CollectionID, j.job.ID, asset.Name), asset.Data, asset.ContentType)
			if err != nil {
				j.logger.Warn("failed to store image", "asset", asset.Name, "err", err)
			}

			description, ok := j.describe(gctx, asset, doc.Markdown)

			mu.Lock()
			results[i] = describedAsset{url: url, description: description}
			done++
			if ok {
				described++
			}
			n := done
			mu.Unlock()

			j.progress.Advance(ctx, 1, fmt.Sprintf("Processed %d/%d images", n, len(doc.Assets)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	byName := make(map[string]describedAsset, len(doc.Assets))
	for i, asset := range doc.Assets {
		byName[asset.Name] = results[i]
		if results[i].url != "" {
			j.stats.AssetURLs = append(j.stats.AssetURLs, results[i].url)
		}
	}
	j.stats.ImagesDescribed = described

	markdown := convert.ReplacePlaceholders(doc.Markdown, func(name string) string {
		a, ok := byName[name]
		if !ok {
			return ""
		}
		if a.url == "" {
			return "*Image: " + a.description + "*"
		}
		return fmt.Sprintf("![%s](%s)", a.description, a.url)
	})
	j.storeMarkdown(ctx, markdown)
	return markdown, nil
}

// describe returns the description of asset and whether it was produced in
// the requested mode. LLM failures degrade to the basic description.
func (j *jobRun) describe(ctx context.Context, asset convert.Asset, markdown string) (string, bool) {
	basic := basicDescription(asset)
	if j.describer == nil {
		return basic, j.stats.ImageMode == plugin.ImagesBasic
	}

	callCtx, cancel := context.WithTimeout(ctx, j.describeTimeout)
	defer cancel()

	start := time.Now()
	text, err := j.describer.DescribeImage(callCtx, ai.Image{
		Name:        asset.Name,
		ContentType: asset.ContentType,
		Data:        asset.Data,
		Context:     precedingText(markdown, convert.Placeholder(asset.Name), contextChars),
	})
	call := core.LLMCall{
		Asset:      asset.Name,
		Provider:   j.describer.Provider(),
		Model:      j.describer.Model(),
		DurationMs: time.Since(start).Milliseconds(),
		Success:    err == nil,
	}
	if err == nil {
		text = ai.CleanDescription(text, j.maxDescription)
		if text == "" {
			err = fmt.Errorf("%w: empty description for %s", core.ErrAssetDescription, asset.Name)
			call.Success = false
		}
	} else {
		err = fmt.Errorf("%w: %s: %w", core.ErrAssetDescription, asset.Name, err)
	}
	if err != nil {
		call.Error = err.Error()
	}
	j.recordCall(call)

	if err != nil {
		j.logger.Warn("image description failed, using basic description", "asset", asset.Name, "err", err)
		return basic, false
	}
	return text, true
}

func (j *jobRun) recordCall(call core.LLMCall) {
	j.statsMu.Lock()
	defer j.statsMu.Unlock()
	j.stats.LLMCalls = append(j.stats.LLMCalls, call)
}

// storeMarkdown keeps the converted document next to the source. A failure
// only costs the markdown link in chunk metadata.
func (j *jobRun) storeMarkdown(ctx context.Context, markdown string) {
	key := assets.MarkdownKey(j.job.Owner, j.job.CollectionID, j.job.ID)
	url, err := j.store.Put(ctx, key, []byte(markdown), "text/markdown; charset=utf-8")
	if err != nil {
		j.logger.Warn("failed to store converted markdown", "key", key, "err", err)
		return
	}
	j.stats.MarkdownURL = url
}

// basicDescription describes an image from its file facts alone.
func basicDescription(asset convert.Asset) string {
	kind := strings.TrimPrefix(asset.ContentType, "image/")
	if kind == "" {
		kind = "image"
	}
	return fmt.Sprintf("Image %s (%s, %s)", asset.Name, strings.ToUpper(kind), humanize.Bytes(uint64(len(asset.Data))))
}

// precedingText returns up to n runes of text before the first occurrence of
// marker, skipping other placeholders.
func precedingText(markdown, marker string, n int) string {
	idx := strings.Index(markdown, marker)
	if idx <= 0 {
		return ""
	}
	before := convert.ReplacePlaceholders(markdown[:idx], func(string) string { return "" })
	runes := []rune(strings.TrimSpace(before))
	if len(runes) > n {
		runes = runes[len(runes)-n:]
	}
	return strings.TrimSpace(string(runes))
}
