package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"supportchat/internal/config"
)

const (
	KnowledgeChunkSizeDefault = 1000
	KnowledgeChunkSizeMin     = 500
	KnowledgeChunkSizeMax     = 2000
)

func initToolsChain(ctx context.Context, cfg config.ChatConfig, logger *slog.Logger) []tool.BaseTool {
	var tools []tool.BaseTool
	if cfg.KnowledgeDir != "" {
		if kb := initKnowledgeReader(ctx, cfg.KnowledgeDir, logger); kb != nil {
			tools = append(tools, kb)
		}
	}
	if cfg.HelpCenter.Enabled() {
		if hc := initHelpCenter(ctx, cfg.HelpCenter, logger); hc != nil {
			tools = append(tools, hc)
		}
	}
	return tools
}

// knowledge base reader tool
type knowledgeReader struct {
	dir     string
	loader  *file.FileLoader
	limiter *toolRateLimiter
}

type knowledgeReaderParams struct {
	Document   string `json:"document"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	ChunkSize  int    `json:"chunk_size,omitempty"`
}

func initKnowledgeReader(ctx context.Context, dir string, logger *slog.Logger) tool.InvokableTool {
	reader, err := newKnowledgeReader(ctx, dir)
	if err != nil {
		logger.Warn("knowledge base tool disabled", "err", err)
		return nil
	}
	docs, _ := reader.documents()
	info := &schema.ToolInfo{
		Name: "knowledge_base",
		Desc: "Read support articles in small chunks. Available documents: " + strings.Join(docs, ", ") +
			". Provide the document name (and optional chunk_index / chunk_size); limit 3 calls per minute per session.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"document": {
				Desc:     "File name of the support article to read.",
				Type:     schema.String,
				Required: true,
			},
			"chunk_index": {
				Desc:     "Zero-based chunk index to read, default 0.",
				Type:     schema.Integer,
				Required: false,
			},
			"chunk_size": {
				Desc:     "Number of characters per chunk (max 2000, default 1000).",
				Type:     schema.Integer,
				Required: false,
			},
		}),
	}
	return utils.NewTool(info, reader.run)
}

func newKnowledgeReader(ctx context.Context, dir string) (*knowledgeReader, error) {
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("knowledge dir %s is not a directory", dir)
	}
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, err
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, err
	}
	return &knowledgeReader{
		dir:     dir,
		loader:  loader,
		limiter: newToolRateLimiter(KnowledgeRateLimit, KnowledgeRateWindow),
	}, nil
}

func (k *knowledgeReader) documents() ([]string, error) {
	entries, err := os.ReadDir(k.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (k *knowledgeReader) run(ctx context.Context, params *knowledgeReaderParams) (string, error) {
	if params == nil || strings.TrimSpace(params.Document) == "" {
		return "", errors.New("document is required")
	}
	name := filepath.Base(strings.TrimSpace(params.Document))
	path := filepath.Join(k.dir, name)
	if st, err := os.Stat(path); err != nil || !st.Mode().IsRegular() {
		return "", errors.New("document not found in knowledge base")
	}
	key := "document:" + name
	if sessionKey, ok := ToolSessionFromContext(ctx); ok {
		key = "session:" + sessionKey
	}
	if !k.limiter.Allow(key) {
		return "", errors.New("knowledge base rate limit exceeded, please retry in a minute")
	}

	docs, err := k.loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	return chunkText(name, strings.TrimSpace(builder.String()), params.ChunkIndex, params.ChunkSize), nil
}

func chunkText(name, text string, chunkIndex, chunkSize int) string {
	if chunkSize <= 0 || chunkSize > KnowledgeChunkSizeMax {
		chunkSize = KnowledgeChunkSizeDefault
	}
	if chunkSize < KnowledgeChunkSizeMin {
		chunkSize = KnowledgeChunkSizeMin
	}
	if chunkIndex < 0 {
		chunkIndex = 0
	}
	runes := []rune(text)
	totalChunks := (len(runes) + chunkSize - 1) / chunkSize
	if totalChunks == 0 {
		return fmt.Sprintf("Document: %s has no readable text content.", name)
	}
	if chunkIndex >= totalChunks {
		chunkIndex = totalChunks - 1
	}
	start := chunkIndex * chunkSize
	end := start + chunkSize
	if end > len(runes) {
		end = len(runes)
	}
	return fmt.Sprintf("Document: %s\nChunk %d/%d\n\n%s", name, chunkIndex+1, totalChunks, string(runes[start:end]))
}
