package extract

import (
	"context"
	"fmt"
	"io"
	"iter"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// DefaultModelName is the Gemini model used when none is configured.
const DefaultModelName = "gemini-2.5-flash"

// GeminiConfig configures the Gemini extractor.
type GeminiConfig struct {
	APIKey          string
	Model           string
	BaseCurrency    string
	ForeignCategory string
}

// GeminiExtractor streams transactions out of a document with Gemini.
type GeminiExtractor struct {
	client *genai.Client
	cfg    GeminiConfig
	log    zerolog.Logger
}

// NewGeminiExtractor creates a Gemini API client.
func NewGeminiExtractor(ctx context.Context, cfg GeminiConfig, log zerolog.Logger) (*GeminiExtractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("NewGeminiExtractor: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModelName
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiExtractor: create genai client: %w", err)
	}
	return &GeminiExtractor{client: client, cfg: cfg, log: log}, nil
}

// Extract starts a streaming generation. The request is sent on the first
// call to Next, so request errors surface from the stream.
func (g *GeminiExtractor) Extract(ctx context.Context, document []byte, mimeType string, vocabulary []string) (Stream, error) {
	if len(document) == 0 {
		return nil, fmt.Errorf("Extract: empty document")
	}
	if mimeType == "" {
		mimeType = "application/pdf"
	}

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: buildPrompt(vocabulary, g.cfg.BaseCurrency, g.cfg.ForeignCategory)},
				{
					InlineData: &genai.Blob{
						MIMEType: mimeType,
						Data:     document,
					},
				},
			},
		},
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   responseSchema(),
	}

	g.log.Debug().
		Str("model", g.cfg.Model).
		Int("document_bytes", len(document)).
		Int("categories", len(vocabulary)).
		Msg("starting extraction stream")

	seq := g.client.Models.GenerateContentStream(ctx, g.cfg.Model, contents, config)
	next, stop := iter.Pull2(seq)
	return NewArrayStream(&chunkReader{next: next}, stop), nil
}

func responseSchema() *genai.Schema {
	nullableString := &genai.Schema{Type: genai.TypeString, Nullable: genai.Ptr(true)}
	return &genai.Schema{
		Type: genai.TypeArray,
		Items: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"date":              {Type: genai.TypeString, Description: "YYYY-MM-DD"},
				"merchant":          nullableString,
				"description":       {Type: genai.TypeString},
				"category":          {Type: genai.TypeString},
				"original_amount":   {Type: genai.TypeNumber},
				"original_currency": {Type: genai.TypeString},
				"base_amount":       {Type: genai.TypeNumber, Nullable: genai.Ptr(true)},
			},
			Required: []string{"date", "description", "category", "original_amount", "original_currency"},
			PropertyOrdering: []string{
				"date", "merchant", "description", "category",
				"original_amount", "original_currency", "base_amount",
			},
		},
	}
}

// chunkReader exposes the text of streamed responses as one byte stream.
type chunkReader struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	buf  []byte
	done bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		resp, err, ok := r.next()
		if !ok {
			r.done = true
			return 0, io.EOF
		}
		if err != nil {
			r.done = true
			return 0, fmt.Errorf("generate content stream: %w", err)
		}
		if resp != nil {
			r.buf = []byte(resp.Text())
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
