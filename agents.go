package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
	"github.com/rs/zerolog"
)

const rawExcerptChars = 500

var (
	openFenceRegex  = regexp.MustCompile("^```(?:json)?\\n?")
	closeFenceRegex = regexp.MustCompile("\\n?```$")
)

// RetryPolicy is a fixed-delay retry policy. It is immutable after construction.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, including the first
	Delay       time.Duration // wait between attempts
}

// NewRetryPolicy builds a policy; non-positive attempts fall back to two, negative delays to ten seconds
func NewRetryPolicy(maxAttempts int, delay time.Duration) RetryPolicy {
	p := RetryPolicy{MaxAttempts: defaultMaxAttempts, Delay: defaultRetryDelay}
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if delay >= 0 {
		p.Delay = delay
	}
	return p
}

// promptData is the input of the article prompt template
type promptData struct {
	SiteName  string
	SiteHost  string
	TitleHint string
	Keywords  []string
	Category  string
}

// ArticleGenerator obtains article content for a topic from the generation service
type ArticleGenerator struct {
	client completer
	prompt *template.Template
	site   SiteSettings
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	log    zerolog.Logger
}

// NewArticleGenerator creates a generator using the given completer and prompt template
func NewArticleGenerator(client completer, promptTemplate string, site SiteSettings, policy RetryPolicy, logger zerolog.Logger) (*ArticleGenerator, error) {
	if client == nil {
		return nil, fmt.Errorf("generator requires a completer")
	}
	tmpl, err := template.New("prompt").Funcs(template.FuncMap{"join": strings.Join}).Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing prompt template: %w", err)
	}
	return &ArticleGenerator{
		client: client,
		prompt: tmpl,
		site:   site,
		policy: policy,
		sleep:  sleepContext,
		log:    logger,
	}, nil
}

// Generate requests the article for topic and parses the reply
func (g *ArticleGenerator) Generate(ctx context.Context, topic *Topic) (*Article, error) {
	prompt, err := g.buildPrompt(topic)
	if err != nil {
		return nil, err
	}

	text, err := g.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	return parseArticle(text)
}

func (g *ArticleGenerator) buildPrompt(topic *Topic) (string, error) {
	host := g.site.MainURL
	if u, err := url.Parse(g.site.MainURL); err == nil && u.Host != "" {
		host = u.Host
	}

	var buf bytes.Buffer
	err := g.prompt.Execute(&buf, promptData{
		SiteName:  g.site.Name,
		SiteHost:  host,
		TitleHint: topic.TitleHint,
		Keywords:  topic.Keywords,
		Category:  topic.Category,
	})
	if err != nil {
		return "", fmt.Errorf("executing prompt template: %w", err)
	}
	return buf.String(), nil
}

// complete runs the request under the retry policy. Only transient failures are retried.
func (g *ArticleGenerator) complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= g.policy.MaxAttempts; attempt++ {
		text, err := g.client.Complete(ctx, prompt)
		if err == nil {
			recordGenerationAttempt("success")
			if attempt > 1 {
				g.log.Info().Int("attempt", attempt).Msg("✓ Generation succeeded after retry")
			}
			return text, nil
		}

		class := classifyError(err)
		recordGenerationAttempt(string(class))
		lastErr = err

		if class != ClassTransient {
			return "", err
		}
		if attempt == g.policy.MaxAttempts {
			break
		}

		g.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", g.policy.Delay).
			Msgf("%s, retrying in %s...", describeTransient(err), g.policy.Delay)

		if err := g.sleep(ctx, g.policy.Delay); err != nil {
			return "", fmt.Errorf("waiting to retry: %w", err)
		}
	}

	return "", fmt.Errorf("generation failed after %d attempts: %w", g.policy.MaxAttempts, lastErr)
}

func describeTransient(err error) string {
	if status, ok := apiStatus(err); ok {
		return fmt.Sprintf("API returned %d", status)
	}
	return "Network error"
}

// parseArticle decodes the generated JSON document, tolerating a surrounding code fence
func parseArticle(text string) (*Article, error) {
	payload := stripCodeFence(text)

	var article Article
	if err := json.Unmarshal([]byte(payload), &article); err != nil {
		raw := payload
		if r := []rune(raw); len(r) > rawExcerptChars {
			raw = string(r[:rawExcerptChars])
		}
		return nil, &ParseError{Raw: raw, Err: err}
	}
	return &article, nil
}

// stripCodeFence removes a leading ``` or ```json line and a trailing ``` from the payload
func stripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = openFenceRegex.ReplaceAllString(s, "")
	return closeFenceRegex.ReplaceAllString(s, "")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LLMKitClient sends prompts through the llmkit Anthropic client
type LLMKitClient struct {
	apiKey   string
	settings types.RequestSettings
}

// NewLLMKitClient creates a completer backed by llmkit
func NewLLMKitClient(apiKey string, settings GeneratorSettings) *LLMKitClient {
	return &LLMKitClient{
		apiKey: apiKey,
		settings: types.RequestSettings{
			Model:       settings.Model,
			MaxTokens:   settings.MaxTokens,
			Temperature: settings.Temperature,
		},
	}
}

// Complete performs a single request; llmkit does not take a context so ctx only guards the start
func (c *LLMKitClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	response, err := anthropic.PromptWithSettings("", prompt, "", c.apiKey, c.settings)
	if err != nil {
		return "", err
	}

	for _, block := range response.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", ErrNoTextContent
}

// newCompleter creates the completer selected by the generator transport setting.
// llmkit always talks to the public endpoint, so a base_url override needs the messages transport.
func newCompleter(apiKey string, settings GeneratorSettings) (completer, error) {
	switch settings.Transport {
	case "llmkit", "":
		return NewLLMKitClient(apiKey, settings), nil
	case "messages":
		return NewMessagesClient(apiKey, settings), nil
	default:
		return nil, fmt.Errorf("unknown generator transport %q", settings.Transport)
	}
}
