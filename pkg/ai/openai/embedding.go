package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/ai"

	"github.com/openai/openai-go/v3"
	"golang.org/x/sync/errgroup"
)

// GenerateEmbedding creates a vector embedding for the given input text
// using the configured embedding model.
//
// Example:
//
//	embedding, err := client.GenerateEmbedding(ctx, []byte("Potala Palace located_in Lhasa"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println("Embedding length:", len(embedding))
func (c *GraphOpenAIClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	res, err := c.GenerateEmbeddings(ctx, []string{string(input)})
	if err != nil {
		return nil, err
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("unexpected embedding result size: got %d want 1", len(res))
	}
	return res[0], nil
}

// GenerateEmbeddings embeds inputs in batches of the configured size. The
// batches run concurrently; the request semaphore bounds actual
// parallelism. Blank inputs map to zero vectors without a request.
func (c *GraphOpenAIClient) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	idxMap, stringsIn, out := normalizeEmbeddingInputs(inputs, c.dimensions)
	if len(stringsIn) == 0 {
		return out, nil
	}

	eg, ectx := errgroup.WithContext(ctx)
	for start := 0; start < len(stringsIn); start += c.batchSize {
		end := min(start+c.batchSize, len(stringsIn))
		eg.Go(func() error {
			vecs, err := c.generateEmbeddingsForStrings(ectx, stringsIn[start:end])
			if err != nil {
				return err
			}
			for i, v := range vecs {
				out[idxMap[start+i]] = v
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeEmbeddingInputs(inputs []string, dim int) (idxMap []int, stringsIn []string, out [][]float32) {
	idxMap = make([]int, 0, len(inputs))
	stringsIn = make([]string, 0, len(inputs))
	out = make([][]float32, len(inputs))
	for i, in := range inputs {
		if strings.TrimSpace(in) == "" {
			out[i] = make([]float32, dim)
			continue
		}
		idxMap = append(idxMap, i)
		stringsIn = append(stringsIn, in)
	}
	return idxMap, stringsIn, out
}

func (c *GraphOpenAIClient) generateEmbeddingsForStrings(ctx context.Context, inputs []string) ([][]float32, error) {
	if c.EmbeddingClient == nil {
		return nil, fmt.Errorf("embedding client is not configured")
	}

	body := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
		Model: c.embeddingModel,
	}

	return util.RetryWithBackoff(ctx, c.backoff, func(ctx context.Context) ([][]float32, error) {
		rCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		if err := c.reqLock.Acquire(rCtx, 1); err != nil {
			return nil, err
		}
		defer c.reqLock.Release(1)

		start := time.Now()
		response, err := c.EmbeddingClient.Embeddings.New(rCtx, body)
		if err != nil {
			return nil, classify(err)
		}

		c.modifyMetrics(ai.ModelMetrics{
			InputTokens: int(response.Usage.PromptTokens),
			TotalTokens: int(response.Usage.TotalTokens),
			DurationMs:  time.Since(start).Milliseconds(),
		})

		if len(response.Data) != len(inputs) {
			return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(response.Data), len(inputs))
		}

		out := make([][]float32, len(inputs))
		for _, embedding := range response.Data {
			dataIdx := int(embedding.Index)
			if dataIdx < 0 || dataIdx >= len(inputs) {
				return nil, fmt.Errorf("embedding index out of range: %d", embedding.Index)
			}
			out[dataIdx] = fitDimensions(embedding.Embedding, c.dimensions)
		}
		for i := range out {
			if out[i] == nil {
				return nil, fmt.Errorf("missing embedding for index %d", i)
			}
		}
		return out, nil
	})
}

// fitDimensions truncates or zero-pads v to dim entries.
func fitDimensions(v []float64, dim int) []float32 {
	vec := make([]float32, dim)
	for i := 0; i < len(v) && i < dim; i++ {
		vec[i] = float32(v[i])
	}
	return vec
}
