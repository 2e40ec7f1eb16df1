package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"supportchat/internal/config"
)

const (
	HelpCenterRateLimit     = 5
	HelpCenterRateWindow    = time.Minute
	HelpCenterSearchTimeout = 10 * time.Second
	HelpCenterFetchTimeout  = 15 * time.Second

	defaultHelpCenterResults = 3
	maxArticleBytes          = 512 * 1024
	maxArticleRunes          = 6000
)

type searchProvider struct {
	name string
	tool tool.InvokableTool
}

// helpCenterSearch finds and reads articles of the public help center. Searches are scoped
// to the help center site and articles are only fetched from it.
type helpCenterSearch struct {
	host      string
	providers []searchProvider
	client    *http.Client
	limiter   *toolRateLimiter
	logger    *slog.Logger
}

type helpCenterParams struct {
	Query   string `json:"query,omitempty"`
	Article string `json:"article,omitempty"`
}

func initHelpCenter(ctx context.Context, cfg config.HelpCenterConfig, logger *slog.Logger) tool.InvokableTool {
	host, err := helpCenterHost(cfg.Site)
	if err != nil {
		logger.Warn("help center tool disabled", "err", err)
		return nil
	}
	hc := newHelpCenterSearch(host, searchProviders(ctx, cfg, logger), logger)
	info := &schema.ToolInfo{
		Name: "help_center",
		Desc: "Search the " + host + " help center, or read one of its articles by URL. " +
			"Give either a query or an article URL returned by a search.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc: "What the customer needs help with.",
				Type: schema.String,
			},
			"article": {
				Desc: "URL of a help center article to read.",
				Type: schema.String,
			},
		}),
	}
	return utils.NewTool(info, hc.run)
}

func newHelpCenterSearch(host string, providers []searchProvider, logger *slog.Logger) *helpCenterSearch {
	if logger == nil {
		logger = slog.Default()
	}
	return &helpCenterSearch{
		host:      host,
		providers: providers,
		client:    &http.Client{Timeout: HelpCenterFetchTimeout},
		limiter:   newToolRateLimiter(HelpCenterRateLimit, HelpCenterRateWindow),
		logger:    logger,
	}
}

// helpCenterHost accepts a bare host or a URL and returns the lower-cased host.
func helpCenterHost(site string) (string, error) {
	site = strings.TrimSpace(site)
	if site == "" {
		return "", errors.New("help center site is empty")
	}
	if !strings.Contains(site, "://") {
		site = "https://" + site
	}
	u, err := url.Parse(site)
	if err != nil {
		return "", fmt.Errorf("parse help center site: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("help center site %q has no host", site)
	}
	return strings.ToLower(u.Host), nil
}

func searchProviders(ctx context.Context, cfg config.HelpCenterConfig, logger *slog.Logger) []searchProvider {
	results := cfg.MaxResults
	if results <= 0 {
		results = defaultHelpCenterResults
	}
	var providers []searchProvider
	if cfg.GoogleAPIKey != "" && cfg.GoogleEngineID != "" {
		google, err := googlesearch.NewTool(ctx, &googlesearch.Config{
			ToolName:       "help_center_google",
			ToolDesc:       "Google programmable search over the help center",
			APIKey:         cfg.GoogleAPIKey,
			SearchEngineID: cfg.GoogleEngineID,
			Lang:           "en",
			Num:            results,
		})
		if err != nil {
			logger.Warn("google help center search disabled", "err", err)
		} else {
			providers = append(providers, searchProvider{name: "google", tool: google})
		}
	}
	duck, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "help_center_duckduckgo",
		ToolDesc:   "DuckDuckGo search over the help center",
		MaxResults: results,
		Region:     duckduckgo.RegionWT,
		Timeout:    HelpCenterSearchTimeout,
	})
	if err != nil {
		logger.Warn("duckduckgo help center search disabled", "err", err)
	} else {
		providers = append(providers, searchProvider{name: "duckduckgo", tool: duck})
	}
	return providers
}

func (h *helpCenterSearch) run(ctx context.Context, params *helpCenterParams) (string, error) {
	if params == nil {
		return "", errors.New("query or article is required")
	}
	query := strings.TrimSpace(params.Query)
	article := strings.TrimSpace(params.Article)
	if query == "" && article == "" {
		return "", errors.New("query or article is required")
	}
	key := "help_center"
	if sessionKey, ok := ToolSessionFromContext(ctx); ok {
		key = "session:" + sessionKey
	}
	if !h.limiter.Allow(key) {
		return "", errors.New("help center rate limit exceeded, please retry in a minute")
	}
	if article != "" {
		return h.readArticle(ctx, article)
	}
	return h.search(ctx, query)
}

func (h *helpCenterSearch) search(ctx context.Context, query string) (string, error) {
	if len(h.providers) == 0 {
		return "", errors.New("help center search is unavailable")
	}
	hostname := h.host
	if i := strings.LastIndex(hostname, ":"); i > 0 {
		hostname = hostname[:i]
	}
	payload, err := json.Marshal(map[string]string{"query": "site:" + hostname + " " + query})
	if err != nil {
		return "", fmt.Errorf("marshal search query: %w", err)
	}
	for _, p := range h.providers {
		result, err := p.tool.InvokableRun(ctx, string(payload))
		if err != nil {
			h.logger.Warn("help center search failed", "provider", p.name, "err", err)
			continue
		}
		return result, nil
	}
	return "", errors.New("no help center search provider succeeded")
}

// readArticle fetches a help center page and returns its visible text.
func (h *helpCenterSearch) readArticle(ctx context.Context, target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid article url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("article url must be http or https")
	}
	if !h.allowedHost(u.Host) {
		return "", fmt.Errorf("%s is not part of the help center", u.Host)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "supportchat-helpcenter/1.0")
	req.Header.Set("Accept", "text/html, text/plain")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch article: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch article: %s", resp.Status)
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxArticleBytes))
	if err != nil {
		return "", fmt.Errorf("parse article: %w", err)
	}
	doc.Find("script, style, nav, header, footer").Remove()
	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("title").Remove()
	text := []rune(strings.Join(strings.Fields(doc.Text()), " "))
	if len(text) > maxArticleRunes {
		text = text[:maxArticleRunes]
	}
	if title == "" {
		title = u.Path
	}
	return fmt.Sprintf("Article: %s\nURL: %s\n\n%s", title, u.String(), string(text)), nil
}

func (h *helpCenterSearch) allowedHost(host string) bool {
	host = strings.ToLower(host)
	return host == h.host || strings.HasSuffix(host, "."+h.host)
}
